// SPDX-License-Identifier: MIT

package tunnel

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ProxyState owns the dedup'd broker -> remote-port mapping shared by
// every flow that belongs to one agent. Reads take the RWMutex's read
// side; the only writer section is the O(1) map insert in AddConnection,
// and the write lock is never held across a dial. Concurrent AddConnection
// calls for the same broker are collapsed into a single dial via a
// singleflight.Group keyed by the broker's string form, closing the
// check-then-act race the spec flags as a known defect to avoid.
type ProxyState struct {
	rendezvousHost string
	secret         string

	mu          sync.RWMutex
	connections map[BrokerAddress]uint16

	dial singleflight.Group

	// newClient is the tunnel-client constructor AddConnection calls;
	// overridable in tests so the pool can be exercised without a real
	// rendezvous.
	newClient func(ctx context.Context, pool *ProxyState, broker BrokerAddress) (*tunnelClient, error)

	onEvent func(TunnelEvent)

	tunnelsOpened    atomic.Uint64
	metadataRewrites atomic.Uint64
	authFailures     atomic.Uint64
	flowErrors       atomic.Uint64
}

// NewProxyState constructs an empty pool. secret may be empty to mean "no
// authentication configured."
func NewProxyState(rendezvousHost, secret string, onEvent func(TunnelEvent)) *ProxyState {
	p := &ProxyState{
		rendezvousHost: rendezvousHost,
		secret:         secret,
		connections:    make(map[BrokerAddress]uint16),
		onEvent:        onEvent,
	}
	p.newClient = newTunnelClient
	return p
}

// Contains reports whether b already has a registered remote port.
func (p *ProxyState) Contains(b BrokerAddress) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.connections[b]
	return ok
}

// GetRemotePort returns the pool's remote port for b, or ErrUnknownBroker
// if none is registered. The metadata adapter only calls this after Phase
// 1 has (supposedly) guaranteed presence; a miss here is a programming
// error in that guarantee, not a normal runtime condition.
func (p *ProxyState) GetRemotePort(b BrokerAddress) (uint16, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	port, ok := p.connections[b]
	if !ok {
		return 0, ErrUnknownBroker
	}
	return port, nil
}

// AddConnection is idempotent: if b is already registered it returns
// immediately. Otherwise it opens a tunnel client for b (blocking on the
// control handshake, up to NetworkTimeout), registers the remote port it
// receives, and spawns the client's listen loop. Concurrent callers for
// the same b share one dial via singleflight; the check-then-insert does
// not race because the insert itself happens inside the singleflight
// function, under the write lock, before any other caller's Do returns.
func (p *ProxyState) AddConnection(ctx context.Context, b BrokerAddress) error {
	if p.Contains(b) {
		return nil
	}
	_, err, _ := p.dial.Do(b.String(), func() (interface{}, error) {
		if p.Contains(b) {
			return nil, nil
		}
		client, err := p.newClient(ctx, p, b)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.connections[b] = client.RemotePort()
		p.mu.Unlock()

		p.tunnelsOpened.Add(1)
		p.emit(TunnelEvent{Kind: EventTunnelOpened, Broker: b})
		go client.Listen(ctx)
		return nil, nil
	})
	return err
}

func (p *ProxyState) emit(ev TunnelEvent) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

func (p *ProxyState) recordMetadataRewrite() {
	p.metadataRewrites.Add(1)
	p.emit(TunnelEvent{Kind: EventMetadataRewritten})
}

func (p *ProxyState) recordAuthFailure(b BrokerAddress, err error) {
	p.authFailures.Add(1)
	p.emit(TunnelEvent{Kind: EventAuthFailure, Broker: b, Err: err})
}

func (p *ProxyState) recordFlowError(b BrokerAddress, err error) {
	p.flowErrors.Add(1)
	p.emit(TunnelEvent{Kind: EventFlowError, Broker: b, Err: err})
}

// Stats returns a consistent snapshot of the pool's counters.
func (p *ProxyState) Stats() TunnelStats {
	return TunnelStats{
		TunnelsOpened:    p.tunnelsOpened.Load(),
		MetadataRewrites: p.metadataRewrites.Load(),
		AuthFailures:     p.authFailures.Load(),
		FlowErrors:       p.flowErrors.Load(),
	}
}
