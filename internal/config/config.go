// SPDX-License-Identifier: MIT

// Package config loads the kafka-tunnel agent's configuration, layering
// three sources in increasing priority: built-in defaults, an optional
// trailing ini-file argument, and command-line flags — with the
// BORE_SECRET environment variable filling in the secret whenever it
// wasn't set explicitly on the command line. This mirrors the flag/ini
// layering kprox uses for its own [kafka]/[http] sections.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/lars-t-hansen/ini"
)

// defaultRendezvousHost matches the bore.pub default the original
// conduktor client hard-codes.
const defaultRendezvousHost = "bore.pub"

// AgentConfig is what cmd/kafka-tunnel needs to call tunnel.Start.
type AgentConfig struct {
	BootstrapServer string
	RendezvousHost  string
	Secret          string
}

// Load parses args (normally os.Args[1:]) and, if a positional ini-file
// argument is present, layers its [agent]/[rendezvous] sections in under
// any flags the caller did not explicitly set.
func Load(args []string) (AgentConfig, error) {
	fs := flag.NewFlagSet("kafka-tunnel", flag.ContinueOnError)
	bootstrap := fs.String("bootstrap-server", "localhost:9092", "Kafka bootstrap server to expose, `host:port`")
	rendezvous := fs.String("to", defaultRendezvousHost, "Rendezvous (bore) server host")
	secret := fs.String("secret", "", "Shared secret for rendezvous authentication")
	if err := fs.Parse(args); err != nil {
		return AgentConfig{}, err
	}

	cfg := AgentConfig{
		BootstrapServer: *bootstrap,
		RendezvousHost:  *rendezvous,
		Secret:          *secret,
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if rest := fs.Args(); len(rest) > 0 {
		if err := applyIniFile(rest[0], &cfg, explicit); err != nil {
			return AgentConfig{}, err
		}
	}

	if !explicit["secret"] {
		if v := os.Getenv("BORE_SECRET"); v != "" {
			cfg.Secret = v
		}
	}

	return cfg, nil
}

func applyIniFile(name string, cfg *AgentConfig, explicit map[string]bool) error {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("ini file %s not found", name)
	}
	defer f.Close()

	parser := ini.NewParser()
	agentSect := parser.AddSection("agent")
	aBootstrap := agentSect.AddString("bootstrap-server")
	aRendezvous := agentSect.AddString("rendezvous-host")
	rendSect := parser.AddSection("rendezvous")
	rSecret := rendSect.AddString("secret")

	store, err := parser.Parse(f)
	if err != nil {
		return fmt.Errorf("could not parse ini file %s: %w", name, err)
	}

	if aBootstrap.Present(store) && !explicit["bootstrap-server"] {
		cfg.BootstrapServer = aBootstrap.StringVal(store)
	}
	if aRendezvous.Present(store) && !explicit["to"] {
		cfg.RendezvousHost = aRendezvous.StringVal(store)
	}
	if rSecret.Present(store) && !explicit["secret"] {
		cfg.Secret = rSecret.StringVal(store)
	}
	return nil
}
