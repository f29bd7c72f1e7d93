// SPDX-License-Identifier: MIT

package tunnel

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
)

// ControlPort is the fixed, well-known TCP port the rendezvous listens on
// for both control handshakes and data-flow accepts; differentiation is by
// message sequence, not by a second port.
const ControlPort = 7835

// NetworkTimeout bounds every outbound dial and every handshake read on a
// control connection. The long-lived control loop (tunnelClient.Listen)
// reads without a deadline, so a rendezvous that stops sending Heartbeats
// does not end the tunnel.
const NetworkTimeout = 3 * time.Second

// Message is the wire form of the control-channel tagged union described
// in the spec. It is encoded either as a bare JSON string ("Heartbeat") or
// as a single-key JSON object ({"Hello": 0}), matching the source's serde
// tagging exactly; Go's json package has no native support for that shape
// so Message implements its own (Un)MarshalJSON.
type Message struct {
	Tag          string
	Hello        uint16
	UUID         uuid.UUID
	Authenticate string
	ErrMsg       string
}

func HelloMsg(port uint16) Message         { return Message{Tag: "Hello", Hello: port} }
func ChallengeMsg(id uuid.UUID) Message    { return Message{Tag: "Challenge", UUID: id} }
func AuthenticateMsg(hex string) Message   { return Message{Tag: "Authenticate", Authenticate: hex} }
func AcceptMsg(id uuid.UUID) Message       { return Message{Tag: "Accept", UUID: id} }
func ConnectionMsg(id uuid.UUID) Message   { return Message{Tag: "Connection", UUID: id} }
func HeartbeatMsg() Message                { return Message{Tag: "Heartbeat"} }
func ErrorMsg(msg string) Message          { return Message{Tag: "Error", ErrMsg: msg} }

func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Tag {
	case "Hello":
		return json.Marshal(struct {
			Hello uint16 `json:"Hello"`
		}{m.Hello})
	case "Challenge":
		return json.Marshal(struct {
			Challenge uuid.UUID `json:"Challenge"`
		}{m.UUID})
	case "Authenticate":
		return json.Marshal(struct {
			Authenticate string `json:"Authenticate"`
		}{m.Authenticate})
	case "Accept":
		return json.Marshal(struct {
			Accept uuid.UUID `json:"Accept"`
		}{m.UUID})
	case "Connection":
		return json.Marshal(struct {
			Connection uuid.UUID `json:"Connection"`
		}{m.UUID})
	case "Heartbeat":
		return json.Marshal("Heartbeat")
	case "Error":
		return json.Marshal(struct {
			Error string `json:"Error"`
		}{m.ErrMsg})
	default:
		return nil, fmt.Errorf("control message: unknown tag %q", m.Tag)
	}
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if bare != "Heartbeat" {
			return fmt.Errorf("control message: unknown bare message %q", bare)
		}
		m.Tag = "Heartbeat"
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("control message: malformed: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("control message: expected exactly one key, got %d", len(obj))
	}
	for tag, raw := range obj {
		m.Tag = tag
		switch tag {
		case "Hello":
			return json.Unmarshal(raw, &m.Hello)
		case "Challenge", "Accept", "Connection":
			return json.Unmarshal(raw, &m.UUID)
		case "Authenticate":
			return json.Unmarshal(raw, &m.Authenticate)
		case "Error":
			return json.Unmarshal(raw, &m.ErrMsg)
		default:
			return fmt.Errorf("control message: unknown tag %q", tag)
		}
	}
	return nil
}

// delimitedConn is a length-delimited JSON control-message stream over a
// TCP connection: a 4-byte big-endian length followed by the UTF-8 JSON
// body. Unlike the Kafka frame codec (codec.go), the length prefix here is
// never forwarded to a caller — it is purely a framing detail of the
// control protocol.
type delimitedConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newDelimited(conn net.Conn) *delimitedConn {
	return &delimitedConn{conn: conn, r: bufio.NewReader(conn)}
}

func (d *delimitedConn) send(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return &ProtocolError{Msg: err.Error()}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := d.conn.Write(hdr[:]); err != nil {
		return &IoError{Err: err}
	}
	if _, err := d.conn.Write(body); err != nil {
		return &IoError{Err: err}
	}
	return nil
}

func (d *delimitedConn) recv() (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &IoError{Err: err}
	}
	n := binary.BigEndian.Uint32(hdr[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, &IoError{Err: err}
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &ProtocolError{Msg: err.Error()}
	}
	return &msg, nil
}

// recvTimeout bounds a single recv by NetworkTimeout-scale deadlines; used
// for the handshake exchanges where an unresponsive rendezvous must not
// hang the caller forever.
func (d *delimitedConn) recvTimeout(timeout time.Duration) (*Message, error) {
	_ = d.conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = d.conn.SetReadDeadline(time.Time{}) }()
	return d.recv()
}

// drainBuffered returns and discards any bytes bufio over-read into the
// control connection's internal buffer past the last complete control
// message. The tunnel client must splice these into the local broker
// socket before proxying, because the framer may have over-read during
// the header exchange.
func (d *delimitedConn) drainBuffered() []byte {
	n := d.r.Buffered()
	if n == 0 {
		return nil
	}
	peeked, _ := d.r.Peek(n)
	out := make([]byte, n)
	copy(out, peeked)
	_, _ = d.r.Discard(n)
	return out
}
