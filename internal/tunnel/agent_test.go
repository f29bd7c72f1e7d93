// SPDX-License-Identifier: MIT

package tunnel_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"

	"kafkatunnel/internal/rendezvoustest"
	"kafkatunnel/internal/tunnel"
)

// fakeBroker is a minimal Kafka broker stand-in: it reads request frames
// off each connection until it closes and, for every Metadata request,
// replies with a MetadataResponse naming itself first, followed by any
// extraBrokers. Any other request is echoed back untouched so
// non-Metadata traffic still exercises the opaque passthrough path.
type fakeBroker struct {
	ln           net.Listener
	addr         string
	extraBrokers []kmsg.MetadataResponseBroker
}

func startFakeBroker(t *testing.T, extraBrokers ...kmsg.MetadataResponseBroker) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBroker{ln: ln, addr: ln.Addr().String(), extraBrokers: extraBrokers}
	go fb.serve()
	return fb
}

func (fb *fakeBroker) serve() {
	for {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		go fb.handle(conn)
	}
}

func (fb *fakeBroker) handle(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readLengthPrefixed(conn)
		if err != nil {
			return
		}
		if len(frame) < 8 {
			conn.Write(frame)
			continue
		}
		apiKey := int16(binary.BigEndian.Uint16(frame[0:2]))
		apiVersion := int16(binary.BigEndian.Uint16(frame[2:4]))
		correlationID := int32(binary.BigEndian.Uint32(frame[4:8]))

		if apiKey != 3 {
			writeLengthPrefixed(conn, frame)
			continue
		}

		resp := kmsg.NewPtrMetadataResponse()
		resp.Version = apiVersion
		host, portStr, _ := net.SplitHostPort(fb.addr)
		portNum, _ := strconv.Atoi(portStr)
		resp.Brokers = append([]kmsg.MetadataResponseBroker{{NodeID: 1, Host: host, Port: int32(portNum)}}, fb.extraBrokers...)
		resp.ControllerID = 1

		body := make([]byte, 0, 128)
		var corrBuf [4]byte
		binary.BigEndian.PutUint32(corrBuf[:], uint32(correlationID))
		body = append(body, corrBuf[:]...)
		if apiVersion >= 9 {
			body = append(body, 0) // empty header tagged-field section
		}
		body = resp.AppendTo(body)
		writeLengthPrefixed(conn, body)
	}
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeLengthPrefixed(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func rewrittenPortString(port int32) string {
	return strconv.Itoa(int(port))
}

func decodeTestMetadataResponse(body []byte, version int16) (int32, *kmsg.MetadataResponse) {
	correlationID := int32(binary.BigEndian.Uint32(body[:4]))
	rest := body[4:]
	if version >= 9 {
		r := kbin.Reader{Src: rest}
		kmsg.SkipTags(&r)
		rest = r.Src
	}
	resp := kmsg.NewPtrMetadataResponse()
	resp.Version = version
	if err := resp.ReadFrom(rest); err != nil {
		panic(err)
	}
	return correlationID, resp
}

// TestAgentEndToEndMetadataRewrite drives a full loop: a fake rendezvous
// (rendezvoustest.Server), a fake broker, and the real agent wiring them
// together. It sends one Metadata(v9) request through the tunnel and checks
// that the broker the response names comes back rewritten to the agent's
// own rendezvous-routed address.
func TestAgentEndToEndMetadataRewrite(t *testing.T) {
	rdzv, err := rendezvoustest.Start("")
	if err != nil {
		t.Fatal(err)
	}
	defer rdzv.Close()

	broker := startFakeBroker(t)
	defer broker.ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agent, err := tunnel.Start(ctx, tunnel.Config{
		BootstrapServer: broker.addr,
		RendezvousHost:  rdzv.Host(),
	})
	if err != nil {
		t.Fatalf("tunnel.Start: %v", err)
	}
	defer agent.Close()

	conn, err := net.DialTimeout("tcp", agent.Addr(), 3*time.Second)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	defer conn.Close()

	reqBody := make([]byte, 0, 16)
	var apiKeyBuf, apiVerBuf, corrBuf [4]byte
	binary.BigEndian.PutUint16(apiKeyBuf[:2], 3) // Metadata
	binary.BigEndian.PutUint16(apiVerBuf[:2], 9)
	binary.BigEndian.PutUint32(corrBuf[:], 777)
	reqBody = append(reqBody, apiKeyBuf[:2]...)
	reqBody = append(reqBody, apiVerBuf[:2]...)
	reqBody = append(reqBody, corrBuf[:]...)
	reqBody = append(reqBody, 0) // empty tagged-field filler, not parsed by the proxy

	if err := writeLengthPrefixed(conn, reqBody); err != nil {
		t.Fatalf("write request: %v", err)
	}

	respBody, err := readLengthPrefixed(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	correlationID, resp := decodeTestMetadataResponse(respBody, 9)
	if correlationID != 777 {
		t.Fatalf("correlation id: got %d, want 777", correlationID)
	}
	if len(resp.Brokers) != 1 {
		t.Fatalf("got %d brokers, want 1", len(resp.Brokers))
	}
	if resp.Brokers[0].Host != rdzv.Host() {
		t.Fatalf("broker host not rewritten to rendezvous host: got %q", resp.Brokers[0].Host)
	}
	_, agentPortStr, err := net.SplitHostPort(agent.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if gotPort := rewrittenPortString(resp.Brokers[0].Port); gotPort != agentPortStr {
		t.Fatalf("rewritten broker port %s does not match agent's own remote port %s", gotPort, agentPortStr)
	}

	stats := agent.Stats()
	if stats.TunnelsOpened < 1 {
		t.Fatalf("got %d tunnels opened, want at least 1", stats.TunnelsOpened)
	}
	if stats.MetadataRewrites != 1 {
		t.Fatalf("got %d metadata rewrites, want 1", stats.MetadataRewrites)
	}
}

// TestAgentAuthenticationSuccess is this repo's analog of scenario E2: a
// shared secret configured on both sides lets the agent start normally.
func TestAgentAuthenticationSuccess(t *testing.T) {
	rdzv, err := rendezvoustest.Start("abc")
	if err != nil {
		t.Fatal(err)
	}
	defer rdzv.Close()

	broker := startFakeBroker(t)
	defer broker.ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agent, err := tunnel.Start(ctx, tunnel.Config{
		BootstrapServer: broker.addr,
		RendezvousHost:  rdzv.Host(),
		Secret:          "abc",
	})
	if err != nil {
		t.Fatalf("tunnel.Start with matching secret: %v", err)
	}
	defer agent.Close()

	if agent.Addr() == "" {
		t.Fatal("expected a non-empty remote address")
	}
}

// TestAgentAuthenticationMismatch is this repo's analog of scenario E3: the
// rendezvous requires a secret the agent doesn't have, so start must fail
// and hand back no address at all.
func TestAgentAuthenticationMismatch(t *testing.T) {
	rdzv, err := rendezvoustest.Start("my secret")
	if err != nil {
		t.Fatal(err)
	}
	defer rdzv.Close()

	broker := startFakeBroker(t)
	defer broker.ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = tunnel.Start(ctx, tunnel.Config{
		BootstrapServer: broker.addr,
		RendezvousHost:  rdzv.Host(),
	})
	if err == nil {
		t.Fatal("expected tunnel.Start to fail when the agent has no secret but the rendezvous requires one")
	}
}

// TestAgentMultiBrokerDiscovery is this repo's analog of scenario E5: a
// bootstrap broker whose Metadata response names two further brokers
// causes the agent to open distinct tunnels for all three, each visible
// through the rendezvous host with its own remote port.
func TestAgentMultiBrokerDiscovery(t *testing.T) {
	rdzv, err := rendezvoustest.Start("")
	if err != nil {
		t.Fatal(err)
	}
	defer rdzv.Close()

	// These two never need to accept a real connection: Phase 1 discovery
	// only opens a control tunnel to the rendezvous for each broker
	// address named in the response, it does not dial the broker itself.
	broker := startFakeBroker(t,
		kmsg.MetadataResponseBroker{NodeID: 2, Host: "10.0.0.2", Port: 9092},
		kmsg.MetadataResponseBroker{NodeID: 3, Host: "10.0.0.3", Port: 9092},
	)
	defer broker.ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agent, err := tunnel.Start(ctx, tunnel.Config{
		BootstrapServer: broker.addr,
		RendezvousHost:  rdzv.Host(),
	})
	if err != nil {
		t.Fatalf("tunnel.Start: %v", err)
	}
	defer agent.Close()

	conn, err := net.DialTimeout("tcp", agent.Addr(), 3*time.Second)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	defer conn.Close()

	reqBody := make([]byte, 0, 16)
	var apiVerBuf, corrBuf [4]byte
	binary.BigEndian.PutUint16(apiVerBuf[:2], 9)
	binary.BigEndian.PutUint32(corrBuf[:], 555)
	reqBody = append(reqBody, 0, 3) // apiKey = 3 (Metadata), big-endian int16
	reqBody = append(reqBody, apiVerBuf[:2]...)
	reqBody = append(reqBody, corrBuf[:]...)
	reqBody = append(reqBody, 0)

	if err := writeLengthPrefixed(conn, reqBody); err != nil {
		t.Fatalf("write request: %v", err)
	}
	respBody, err := readLengthPrefixed(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_, resp := decodeTestMetadataResponse(respBody, 9)
	if len(resp.Brokers) != 3 {
		t.Fatalf("got %d brokers in response, want 3", len(resp.Brokers))
	}

	seenPorts := map[int32]bool{}
	for _, b := range resp.Brokers {
		if b.Host != rdzv.Host() {
			t.Fatalf("broker %+v not rewritten to rendezvous host", b)
		}
		if seenPorts[b.Port] {
			t.Fatalf("duplicate remote port %d across brokers: %+v", b.Port, resp.Brokers)
		}
		seenPorts[b.Port] = true
	}

	if got := agent.Stats().TunnelsOpened; got != 3 {
		t.Fatalf("got %d tunnels opened, want 3 (one per discovered broker)", got)
	}
}
