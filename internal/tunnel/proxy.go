// SPDX-License-Identifier: MIT

package tunnel

import (
	"context"
	"net"
)

// kafkaProxy wires a local broker connection and a rendezvous data
// connection together through the Kafka frame codec. Requests (from the
// Kafka client, arriving on clientConn) are forwarded to brokerConn with
// Metadata requests registered in a per-flow inflight table; responses
// (from the broker, arriving on brokerConn) are forwarded to clientConn,
// with the matching Metadata responses decoded, adapted, and re-encoded.
//
// The two directions are composed as a "first-to-finish wins" selector:
// whichever half returns first (clean EOF or error) triggers both sockets
// to close, which unblocks and terminates the other half; its outcome is
// discarded.
func kafkaProxy(ctx context.Context, pool *ProxyState, brokerConn, clientConn net.Conn) error {
	inflight := newInflightTable()
	errCh := make(chan error, 2)

	go func() { errCh <- pumpRequests(clientConn, brokerConn, inflight) }()
	go func() { errCh <- pumpResponses(ctx, pool, brokerConn, clientConn, inflight) }()

	err := <-errCh
	brokerConn.Close()
	clientConn.Close()
	<-errCh // let the losing half unblock and exit before we return

	return err
}
