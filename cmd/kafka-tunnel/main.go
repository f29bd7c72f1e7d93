// kafka-tunnel is the agent half of a Kafka-aware TCP reverse tunnel.
//
// Usage: kafka-tunnel [options] [inifile-name]
//
// Options:
//
//	-bootstrap-server  host:port of the local bootstrap broker (default localhost:9092)
//	-to                Rendezvous (bore) server host (default bore.pub)
//	-secret            Shared secret for rendezvous authentication
//
// The agent dials out to the rendezvous, opens a tunnel for the bootstrap
// broker, and prints "<rendezvous_host>:<remote_port>" on stdout: that
// address is what a Kafka client should use as its sole bootstrap server.
// As the client's metadata responses reveal further brokers, the agent
// transparently opens additional tunnels and rewrites the broker list so
// that all traffic continues to route through public tunnel ports.
//
// # Config file
//
// The optional trailing ini-file argument may set:
//
//	[agent]
//	bootstrap-server = ...
//	rendezvous-host = ...
//
//	[rendezvous]
//	secret = ...
//
// Flags take priority over the ini file; the BORE_SECRET environment
// variable takes priority over the ini file but not over an explicit
// -secret flag.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kafkatunnel/internal/config"
	"kafkatunnel/internal/tunnel"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka-tunnel: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := tunnel.Start(ctx, tunnel.Config{
		BootstrapServer: cfg.BootstrapServer,
		RendezvousHost:  cfg.RendezvousHost,
		Secret:          cfg.Secret,
		OnEvent:         logEvent,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka-tunnel: failed to start: %v\n", err)
		os.Exit(1)
	}
	defer agent.Close()

	fmt.Println(agent.Addr())
	log.Printf("kafka-tunnel: bootstrap broker reachable at %s", agent.Addr())

	<-ctx.Done()
	log.Print("kafka-tunnel: shutting down")
}

func logEvent(ev tunnel.TunnelEvent) {
	switch ev.Kind {
	case tunnel.EventTunnelOpened:
		log.Printf("kafka-tunnel: tunnel opened for broker %s", ev.Broker)
	case tunnel.EventMetadataRewritten:
		log.Print("kafka-tunnel: metadata response rewritten")
	case tunnel.EventFlowError:
		log.Printf("kafka-tunnel: flow error for broker %s: %v", ev.Broker, ev.Err)
	case tunnel.EventAuthFailure:
		log.Printf("kafka-tunnel: auth failure for broker %s: %v", ev.Broker, ev.Err)
	}
}
