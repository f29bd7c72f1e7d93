// SPDX-License-Identifier: MIT

package tunnel

import (
	"context"
	"io"
	"log"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// tunnelClient owns one broker's control connection to the rendezvous and
// dispatches a fresh goroutine per Connection notification. There is at
// most one live tunnelClient per BrokerAddress, enforced by ProxyState.
type tunnelClient struct {
	pool       *ProxyState
	broker     BrokerAddress
	remotePort uint16
	control    *delimitedConn
	auth       *Authenticator
}

// newTunnelClient dials the rendezvous, completes the auth handshake if a
// secret is configured, sends Hello(0) to request any free port, and
// returns once the server's Hello(remotePort) arrives.
func newTunnelClient(ctx context.Context, pool *ProxyState, broker BrokerAddress) (*tunnelClient, error) {
	conn, err := dialWithTimeout(ctx, pool.rendezvousHost, ControlPort)
	if err != nil {
		return nil, err
	}
	dc := newDelimited(conn)
	auth := NewAuthenticator(pool.secret)
	if err := auth.ClientHandshake(dc); err != nil {
		conn.Close()
		pool.recordAuthFailure(broker, err)
		return nil, err
	}

	if err := dc.send(HelloMsg(0)); err != nil {
		conn.Close()
		return nil, err
	}
	msg, err := dc.recvTimeout(NetworkTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	var remotePort uint16
	switch msg.Tag {
	case "Hello":
		remotePort = msg.Hello
	case "Error":
		conn.Close()
		return nil, &ProtocolError{Msg: "server error: " + msg.ErrMsg}
	case "Challenge":
		conn.Close()
		return nil, &ProtocolError{Msg: "server requires authentication, but no client secret was provided"}
	default:
		conn.Close()
		return nil, &ProtocolError{Msg: "unexpected initial non-hello message"}
	}

	return &tunnelClient{pool: pool, broker: broker, remotePort: remotePort, control: dc, auth: auth}, nil
}

// RemotePort returns the port publicly reachable on the rendezvous for
// this broker's tunnel.
func (c *tunnelClient) RemotePort() uint16 { return c.remotePort }

// Listen processes control messages until the channel errors or the
// rendezvous closes it cleanly. Connection notifications spawn a fresh
// data-flow goroutine each; Listen itself never blocks on a flow.
func (c *tunnelClient) Listen(ctx context.Context) {
	for {
		msg, err := c.control.recv()
		if err != nil {
			if err != io.EOF {
				log.Printf("kafka-tunnel: control channel for %s: %v", c.broker, err)
			}
			return
		}
		switch msg.Tag {
		case "Heartbeat":
			// liveness only
		case "Connection":
			id := msg.UUID
			go c.handleConnection(ctx, id)
		case "Error":
			log.Printf("kafka-tunnel: rendezvous error for %s: %s", c.broker, msg.ErrMsg)
		default:
			log.Printf("kafka-tunnel: unexpected control message %q for %s", msg.Tag, c.broker)
		}
	}
}

// handleConnection services one Connection(id) notification: it opens a
// fresh data control-connection, authenticates, accepts the pending
// inbound, dials the local broker, splices over any bytes the framer
// over-read during the handshake, and hands both sockets to the Kafka
// proxy engine. Failures here are logged and do not affect the tunnel
// client's control loop.
func (c *tunnelClient) handleConnection(ctx context.Context, id uuid.UUID) {
	if err := c.proxyConnection(ctx, id); err != nil {
		c.pool.recordFlowError(c.broker, err)
		log.Printf("kafka-tunnel: flow %s via %s exited with error: %v", id, c.broker, err)
	}
}

func (c *tunnelClient) proxyConnection(ctx context.Context, id uuid.UUID) error {
	dataConn, err := dialWithTimeout(ctx, c.pool.rendezvousHost, ControlPort)
	if err != nil {
		return err
	}
	dc := newDelimited(dataConn)
	if err := c.auth.ClientHandshake(dc); err != nil {
		dataConn.Close()
		return err
	}
	if err := dc.send(AcceptMsg(id)); err != nil {
		dataConn.Close()
		return err
	}

	brokerConn, err := dialWithTimeout(ctx, c.broker.Host, c.broker.Port)
	if err != nil {
		dataConn.Close()
		return err
	}

	if buffered := dc.drainBuffered(); len(buffered) > 0 {
		if _, err := brokerConn.Write(buffered); err != nil {
			dataConn.Close()
			brokerConn.Close()
			return &IoError{Err: err}
		}
	}

	return kafkaProxy(ctx, c.pool, brokerConn, dataConn)
}

func dialWithTimeout(ctx context.Context, host string, port uint16) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, NetworkTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, &IoError{Err: err}
	}
	return conn, nil
}
