// SPDX-License-Identifier: MIT

package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Config configures one agent instance: the bootstrap broker to expose,
// the rendezvous host to tunnel through, and an optional shared secret.
// OnEvent, if set, receives a TunnelEvent for every tunnel opened,
// metadata rewrite, auth failure, and flow error.
type Config struct {
	BootstrapServer string
	RendezvousHost  string
	Secret          string
	OnEvent         func(TunnelEvent)
}

// Agent is a running proxy: one tunnel for the bootstrap broker plus
// whatever additional broker tunnels metadata discovery has opened.
type Agent struct {
	pool   *ProxyState
	addr   string
	cancel context.CancelFunc
}

// Start dials the rendezvous, tunnels the bootstrap broker, and returns
// once a remote port has been assigned. The returned Agent's Addr is what
// a Kafka client should use as its sole bootstrap server; it is runnable
// headless, with no GUI dependency, per the core's external surface.
func Start(ctx context.Context, cfg Config) (*Agent, error) {
	bootstrap, err := ParseBrokerAddress(cfg.BootstrapServer)
	if err != nil {
		return nil, err
	}
	if cfg.RendezvousHost == "" {
		return nil, fmt.Errorf("rendezvous host is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	pool := NewProxyState(cfg.RendezvousHost, cfg.Secret, cfg.OnEvent)

	if err := pool.AddConnection(ctx, bootstrap); err != nil {
		cancel()
		return nil, fmt.Errorf("start tunnel for %s: %w", bootstrap, err)
	}
	port, err := pool.GetRemotePort(bootstrap)
	if err != nil {
		cancel()
		return nil, err
	}

	addr := net.JoinHostPort(cfg.RendezvousHost, strconv.Itoa(int(port)))
	return &Agent{pool: pool, addr: addr, cancel: cancel}, nil
}

// Addr returns "<rendezvous_host>:<remote_port>", usable verbatim as a
// Kafka client's bootstrap.servers value.
func (a *Agent) Addr() string { return a.addr }

// Stats returns a snapshot of the agent's tunnel/rewrite/error counters.
func (a *Agent) Stats() TunnelStats { return a.pool.Stats() }

// Close cancels the agent's context: dials still in progress fail, and so
// does the dial of any flow that starts afterwards. It does not close the
// tunnels' control connections or the sockets of flows already running;
// those stay open until their peers close them.
// There is no graceful drain at the Kafka layer: socket close is the only
// shutdown signal, per the spec.
func (a *Agent) Close() error {
	a.cancel()
	return nil
}
