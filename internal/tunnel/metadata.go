// SPDX-License-Identifier: MIT

package tunnel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/sync/errgroup"
)

// isMetadataFlexible reports whether the Metadata API at this version uses
// the flexible (tagged-field) header and body encoding, which it does from
// version 9 onward.
func isMetadataFlexible(version int16) bool { return version >= 9 }

// decodeMetadataResponse decodes a Metadata response frame body (the bytes
// following the 4-byte length prefix) at the given version, recovered from
// the inflight table entry the matching request registered. It returns the
// correlation id read from the response header and the decoded body.
func decodeMetadataResponse(body []byte, version int16) (int32, *kmsg.MetadataResponse, error) {
	if len(body) < 4 {
		return 0, nil, &DecodeError{Err: fmt.Errorf("metadata response frame too short")}
	}
	correlationID := int32(binary.BigEndian.Uint32(body[:4]))
	rest := body[4:]
	if isMetadataFlexible(version) {
		r := kbin.Reader{Src: rest}
		kmsg.SkipTags(&r)
		rest = r.Src
		if err := r.Complete(); err != nil {
			return 0, nil, &DecodeError{Err: err}
		}
	}
	resp := kmsg.NewPtrMetadataResponse()
	resp.Version = version
	if err := resp.ReadFrom(rest); err != nil {
		return 0, nil, &DecodeError{Err: err}
	}
	return correlationID, resp, nil
}

// encodeMetadataResponse re-serializes a (possibly rewritten) Metadata
// response into a full length-prefixed Kafka frame, reusing the original
// correlation id.
func encodeMetadataResponse(correlationID int32, resp *kmsg.MetadataResponse) ([]byte, error) {
	body := make([]byte, 0, 256)
	body = appendInt32(body, correlationID)
	if isMetadataFlexible(resp.Version) {
		body = append(body, 0) // empty tagged-field section: a single zero-length varint
	}
	body = resp.AppendTo(body)

	frame := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	return append(frame, body...), nil
}

func appendInt32(dst []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}

// AdaptMetadata rewrites the broker list of a decoded MetadataResponse in
// place. Phase 1 (discovery) opens a tunnel for every broker not already
// in the pool, concurrently, failing the whole call if any dial fails.
// Phase 2 (rewrite) replaces every broker's host/port with the rendezvous
// host and the pool's recorded remote port for that broker's original
// address. Only host and port are touched; broker order, controller id,
// cluster id, topics, and partitions are left untouched.
func AdaptMetadata(ctx context.Context, pool *ProxyState, resp *kmsg.MetadataResponse) error {
	// AddConnection hands its ctx to the new tunnel's listen loop, so it
	// gets ctx itself rather than an errgroup context that Wait cancels.
	var g errgroup.Group
	for i := range resp.Brokers {
		addr := BrokerAddressFromMetadata(resp.Brokers[i].Host, resp.Brokers[i].Port)
		if pool.Contains(addr) {
			continue
		}
		g.Go(func() error { return pool.AddConnection(ctx, addr) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("discover brokers: %w", err)
	}

	for i := range resp.Brokers {
		addr := BrokerAddressFromMetadata(resp.Brokers[i].Host, resp.Brokers[i].Port)
		port, err := pool.GetRemotePort(addr)
		if err != nil {
			return err
		}
		resp.Brokers[i].Host = pool.rendezvousHost
		resp.Brokers[i].Port = int32(port)
	}

	pool.recordMetadataRewrite()
	return nil
}

// pumpResponses forwards frames from src (the local broker) to dst (the
// Kafka client, via the tunnel). Every frame's correlation id is checked
// against the inflight table; a hit means the matching request was a
// Metadata request, so the frame is fully decoded, adapted, and
// re-encoded before being forwarded. Everything else is forwarded opaque.
func pumpResponses(ctx context.Context, pool *ProxyState, src io.Reader, dst io.Writer, inflight *InflightTable) error {
	for {
		frame, err := readFrame(src)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if len(frame) < 8 {
			if err := writeFrame(dst, frame); err != nil {
				return err
			}
			continue
		}
		correlationID := int32(binary.BigEndian.Uint32(frame[4:8]))
		version, ok := inflight.takeMetadata(correlationID)
		if !ok {
			if err := writeFrame(dst, frame); err != nil {
				return err
			}
			continue
		}

		_, resp, err := decodeMetadataResponse(frame[4:], version)
		if err != nil {
			return err
		}
		if err := AdaptMetadata(ctx, pool, resp); err != nil {
			return err
		}
		encoded, err := encodeMetadataResponse(correlationID, resp)
		if err != nil {
			return &EncodeError{Err: err}
		}
		if err := writeFrame(dst, encoded); err != nil {
			return err
		}
	}
}
