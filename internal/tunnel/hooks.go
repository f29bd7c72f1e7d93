// SPDX-License-Identifier: MIT

package tunnel

// TunnelEventKind identifies what happened in a TunnelEvent.
type TunnelEventKind int

const (
	EventTunnelOpened TunnelEventKind = iota
	EventMetadataRewritten
	EventFlowError
	EventAuthFailure
)

// TunnelEvent is handed to a Config.OnEvent callback so a host (the CLI,
// or a desktop shell embedding the agent) can observe proxy activity
// without scraping logs.
type TunnelEvent struct {
	Kind   TunnelEventKind
	Broker BrokerAddress
	Err    error
}

// TunnelStats is a point-in-time snapshot of ProxyState's counters.
type TunnelStats struct {
	TunnelsOpened    uint64
	MetadataRewrites uint64
	AuthFailures     uint64
	FlowErrors       uint64
}
