// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package address

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
)

// unresolvedCounter hands out the tokens of unresolved Endpoints. Zero is reserved for resolved Endpoints.
var unresolvedCounter uint64

// Endpoint is an immutable socket address of a remote transport. Endpoints are comparable and might be used as map
// keys; two Endpoints are equal if their host and port are equal.
//
// An unresolved Endpoint, created by Unresolved, is never equal to any other Endpoint.
type Endpoint struct {
	Host string
	Port uint16

	unresolved uint64
}

// NewEndpoint for a host and port.
func NewEndpoint(host string, port uint16) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// ParseEndpoint from a "host:port" string.
func ParseEndpoint(s string) (ep Endpoint, err error) {
	host, portStr, splitErr := net.SplitHostPort(s)
	if splitErr != nil {
		err = splitErr
		return
	}

	port, portErr := strconv.ParseUint(portStr, 10, 16)
	if portErr != nil {
		err = fmt.Errorf("invalid port in endpoint %q: %w", s, portErr)
		return
	}

	ep = NewEndpoint(host, uint16(port))
	return
}

// MustParseEndpoint is like ParseEndpoint, but panics on an error.
func MustParseEndpoint(s string) Endpoint {
	ep, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// Unresolved creates a new unresolved Endpoint. Each call returns a fresh value, unequal to all others.
func Unresolved() Endpoint {
	return Endpoint{unresolved: atomic.AddUint64(&unresolvedCounter, 1)}
}

// IsResolved checks if this Endpoint points to a socket address.
func (ep Endpoint) IsResolved() bool {
	return ep.unresolved == 0
}

// Address of this Endpoint in the "host:port" notation, usable for net.Dial.
func (ep Endpoint) Address() string {
	return net.JoinHostPort(ep.Host, strconv.Itoa(int(ep.Port)))
}

func (ep Endpoint) String() string {
	if !ep.IsResolved() {
		return fmt.Sprintf("unresolved#%d", ep.unresolved)
	}
	return ep.Address()
}
