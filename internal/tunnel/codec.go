// SPDX-License-Identifier: MIT

package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// metadataAPIKey is the Kafka API key for Metadata requests/responses.
const metadataAPIKey = 3

// apiKeyVersion is what the inflight table remembers about a request: only
// the version is ever used downstream, but the API key is kept so a stray
// non-Metadata entry can never be mistaken for one.
type apiKeyVersion struct {
	apiKey     int16
	apiVersion int16
}

// InflightTable maps a correlation id to the (api key, version) of the
// Metadata request that produced it, for the lifetime of one flow. Only
// Metadata requests are ever inserted; every other request is invisible to
// the decoder and its response is forwarded opaque. It is safe for
// concurrent use: one proxy half inserts (request direction), the other
// removes (response direction).
type InflightTable struct {
	mu      sync.Mutex
	entries map[int32]apiKeyVersion
}

func newInflightTable() *InflightTable {
	return &InflightTable{entries: make(map[int32]apiKeyVersion)}
}

func (t *InflightTable) registerMetadata(correlationID int32, apiVersion int16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[correlationID] = apiKeyVersion{apiKey: metadataAPIKey, apiVersion: apiVersion}
}

// takeMetadata removes and returns the registered version for
// correlationID if, and only if, it was registered by a Metadata request.
func (t *InflightTable) takeMetadata(correlationID int32) (int16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[correlationID]
	if !ok || e.apiKey != metadataAPIKey {
		return 0, false
	}
	delete(t.entries, correlationID)
	return e.apiVersion, true
}

// readFrame reads exactly one length-prefixed Kafka frame and returns it
// including its 4-byte length header: the codec never strips the length
// prefix, because the downstream side expects the original bytes.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &IoError{Err: err}
	}
	n := binary.BigEndian.Uint32(hdr[:])
	frame := make([]byte, 4+int(n))
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, &IoError{Err: fmt.Errorf("short kafka frame: %w", err)}
	}
	return frame, nil
}

func writeFrame(w io.Writer, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return &IoError{Err: err}
	}
	return nil
}

// pumpRequests forwards frames from src (the Kafka client, via the tunnel)
// to dst (the local broker) byte-for-byte, peeking each frame's API key
// and, for Metadata requests only, its version and correlation id to seed
// the inflight table consulted by the response-direction pump.
func pumpRequests(src io.Reader, dst io.Writer, inflight *InflightTable) error {
	for {
		frame, err := readFrame(src)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if len(frame) >= 12 {
			apiKey := int16(binary.BigEndian.Uint16(frame[4:6]))
			if apiKey == metadataAPIKey {
				apiVersion := int16(binary.BigEndian.Uint16(frame[6:8]))
				correlationID := int32(binary.BigEndian.Uint32(frame[8:12]))
				inflight.registerMetadata(correlationID, apiVersion)
			}
		}
		if err := writeFrame(dst, frame); err != nil {
			return err
		}
	}
}
