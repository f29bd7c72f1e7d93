// SPDX-License-Identifier: MIT

// Package rendezvoustest implements just enough of the bore rendezvous
// control protocol to drive the tunnel package's client and proxy code
// end-to-end in tests, without a real bore deployment. It deliberately
// does not share any code with internal/tunnel's wire codec, so a bug in
// one does not mask a matching bug in the other.
package rendezvoustest

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"kafkatunnel/internal/tunnel"
)

// Server is a minimal, single-process stand-in for the public bore
// server: one control-port listener, any number of per-tunnel public
// listeners, and in-memory bookkeeping to pair an inbound public
// connection with the data socket a client Accepts it on.
type Server struct {
	secret string
	ln     net.Listener

	mu       sync.Mutex
	awaiting map[uuid.UUID]net.Conn // public conns waiting for a matching Accept
}

// Start listens on the well-known control port (127.0.0.1:7835, the same
// port a real bore rendezvous uses) and begins serving control connections
// in the background, matching how the original project's own end-to-end
// tests stand up a server: against the real fixed port, not an ephemeral
// stand-in. secret may be empty for no authentication.
func Start(secret string) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(tunnel.ControlPort))
	if err != nil {
		return nil, err
	}
	s := &Server{secret: secret, ln: ln, awaiting: make(map[uuid.UUID]net.Conn)}
	go s.acceptLoop()
	return s, nil
}

// Host is the loopback address this fake rendezvous listens on.
func (s *Server) Host() string { return "127.0.0.1" }

// Close stops accepting new connections. Already-open tunnels keep
// running until their sockets are closed by the test.
func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

// handle reads exactly one message off a freshly accepted connection (after
// an optional auth exchange) and dispatches on its tag: Hello establishes
// a new per-broker tunnel, Accept binds a data socket to a pending inbound.
func (s *Server) handle(conn net.Conn) {
	r := bufio.NewReader(conn)

	if s.secret != "" {
		challenge := uuid.New()
		if err := send(conn, msg{Challenge: &challenge}); err != nil {
			conn.Close()
			return
		}
		got, err := recv(r)
		if err != nil || got.Authenticate == nil || !validHMAC(s.secret, challenge, *got.Authenticate) {
			errMsg := "authentication failed"
			_ = send(conn, msg{Error: &errMsg})
			conn.Close()
			return
		}
	}

	m, err := recv(r)
	if err != nil {
		conn.Close()
		return
	}

	switch {
	case m.Hello != nil:
		s.serveTunnel(conn, r)
	case m.Accept != nil:
		s.bindAccept(conn, drainBuffered(r), *m.Accept)
	default:
		conn.Close()
	}
}

// drainBuffered returns and discards whatever bufio over-read into r past
// the message just parsed, so bytes the client already started streaming
// on this socket aren't lost when the raw net.Conn is handed off for
// unbuffered relaying.
func drainBuffered(r *bufio.Reader) []byte {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	peeked, _ := r.Peek(n)
	out := make([]byte, n)
	copy(out, peeked)
	_, _ = r.Discard(n)
	return out
}

// serveTunnel assigns a public listener for a new broker tunnel, replies
// with its port, then forwards every inbound public connection as a
// Connection notification over this control connection.
func (s *Server) serveTunnel(control net.Conn, r *bufio.Reader) {
	pub, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		errMsg := err.Error()
		_ = send(control, msg{Error: &errMsg})
		control.Close()
		return
	}
	port := uint16(pub.Addr().(*net.TCPAddr).Port)
	if err := send(control, msg{Hello: &port}); err != nil {
		pub.Close()
		control.Close()
		return
	}

	var writeMu sync.Mutex
	go func() {
		defer pub.Close()
		for {
			inbound, err := pub.Accept()
			if err != nil {
				return
			}
			id := uuid.New()
			s.mu.Lock()
			s.awaiting[id] = inbound
			s.mu.Unlock()

			writeMu.Lock()
			err = send(control, msg{Connection: &id})
			writeMu.Unlock()
			if err != nil {
				inbound.Close()
				pub.Close()
				return
			}

			go s.expireIfUnclaimed(id, 5*time.Second)
		}
	}()

	// Drain the control connection until it errors or closes, so a dead
	// control link is noticed and its public listener torn down.
	for {
		if _, err := recv(r); err != nil {
			pub.Close()
			control.Close()
			return
		}
	}
}

func (s *Server) expireIfUnclaimed(id uuid.UUID, after time.Duration) {
	time.Sleep(after)
	s.mu.Lock()
	conn, ok := s.awaiting[id]
	if ok {
		delete(s.awaiting, id)
	}
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// bindAccept pairs this data connection with the public inbound
// registered under id, then relays bytes between them until either side
// closes. Any bytes already buffered past the Accept message are flushed
// to inbound before the bidirectional copy starts.
func (s *Server) bindAccept(data net.Conn, leftover []byte, id uuid.UUID) {
	s.mu.Lock()
	inbound, ok := s.awaiting[id]
	if ok {
		delete(s.awaiting, id)
	}
	s.mu.Unlock()
	if !ok {
		data.Close()
		return
	}
	if len(leftover) > 0 {
		if _, err := inbound.Write(leftover); err != nil {
			inbound.Close()
			data.Close()
			return
		}
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(inbound, data); done <- struct{}{} }()
	go func() { io.Copy(data, inbound); done <- struct{}{} }()
	<-done
	inbound.Close()
	data.Close()
	<-done
}

func validHMAC(secret string, challenge uuid.UUID, hexMAC string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(challenge[:])
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(hexMAC))
}

// msg is the same tagged-union shape the real control protocol uses,
// reimplemented independently of internal/tunnel.Message.
type msg struct {
	Hello        *uint16    `json:"Hello,omitempty"`
	Challenge    *uuid.UUID `json:"Challenge,omitempty"`
	Authenticate *string    `json:"Authenticate,omitempty"`
	Accept       *uuid.UUID `json:"Accept,omitempty"`
	Connection   *uuid.UUID `json:"Connection,omitempty"`
	Error        *string    `json:"Error,omitempty"`
}

func send(w io.Writer, m msg) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func recv(r *bufio.Reader) (msg, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return msg{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return msg{}, err
	}
	var m msg
	if err := json.Unmarshal(body, &m); err != nil {
		return msg{}, fmt.Errorf("rendezvoustest: malformed message: %w", err)
	}
	return m, nil
}
