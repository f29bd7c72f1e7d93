// SPDX-License-Identifier: MIT

package tunnel

import "net"

// closedControl returns a *delimitedConn backed by an already-closed pipe,
// for stub tunnelClients that never have a real control connection: it
// lets client.Listen's recv loop fail fast and return instead of blocking
// or (worse) dereferencing a nil control field.
func closedControl() *delimitedConn {
	local, remote := net.Pipe()
	local.Close()
	remote.Close()
	return newDelimited(local)
}
