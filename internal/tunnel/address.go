// SPDX-License-Identifier: MIT

package tunnel

import (
	"fmt"
	"net"
	"strconv"
)

// BrokerAddress identifies a Kafka broker by host and port. It is a value
// type: two addresses with the same host and port are the same broker for
// every purpose in this package (pool dedup, inflight bookkeeping, map
// keys).
type BrokerAddress struct {
	Host string
	Port uint16
}

// ParseBrokerAddress parses a "host:port" string such as a user-supplied
// bootstrap server.
func ParseBrokerAddress(s string) (BrokerAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return BrokerAddress{}, fmt.Errorf("invalid broker address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return BrokerAddress{}, fmt.Errorf("invalid broker port in %q: %w", s, err)
	}
	return BrokerAddress{Host: host, Port: uint16(port)}, nil
}

// BrokerAddressFromMetadata builds a BrokerAddress from the host/port pair
// of a decoded MetadataResponseBroker.
func BrokerAddressFromMetadata(host string, port int32) BrokerAddress {
	return BrokerAddress{Host: host, Port: uint16(port)}
}

func (a BrokerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}
