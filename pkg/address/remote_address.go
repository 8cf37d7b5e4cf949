// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package address

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Status of a RemoteAddress.
type Status uint32

const (
	// Active addresses might be used to send messages and requests.
	Active Status = iota

	// Deactivated addresses were replaced or removed, but might be reactivated by a new registration.
	Deactivated

	// Retired addresses are dead for good. A new registration of the same Endpoint creates a new RemoteAddress.
	Retired
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Deactivated:
		return "deactivated"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// RemoteAddress identifies a logical peer, reachable at an Endpoint.
//
// The StreamID and Generation describe the current incarnation of the channel to this peer. Both change when the
// underlying channel is replaced, e.g., after a reconnect. References to a RemoteAddress stay valid after it was
// deactivated; its Status tells if it is still usable.
type RemoteAddress struct {
	endpoint Endpoint

	nodeID     int64
	streamID   uint32
	generation uint32
	status     uint32
}

func newRemoteAddress(nodeID int, endpoint Endpoint) *RemoteAddress {
	return &RemoteAddress{
		endpoint: endpoint,
		nodeID:   int64(nodeID),
		status:   uint32(Active),
	}
}

// Endpoint of this RemoteAddress.
func (ra *RemoteAddress) Endpoint() Endpoint {
	return ra.endpoint
}

// NodeID of the node last registered for this RemoteAddress.
func (ra *RemoteAddress) NodeID() int {
	return int(atomic.LoadInt64(&ra.nodeID))
}

// StreamID of the channel currently serving this RemoteAddress, zero if there was none yet.
func (ra *RemoteAddress) StreamID() uint32 {
	return atomic.LoadUint32(&ra.streamID)
}

// Generation of the channel currently serving this RemoteAddress.
func (ra *RemoteAddress) Generation() uint32 {
	return atomic.LoadUint32(&ra.generation)
}

// Bind this RemoteAddress to a new channel incarnation.
func (ra *RemoteAddress) Bind(streamID, generation uint32) {
	atomic.StoreUint32(&ra.streamID, streamID)
	atomic.StoreUint32(&ra.generation, generation)
}

// Status of this RemoteAddress.
func (ra *RemoteAddress) Status() Status {
	return Status(atomic.LoadUint32(&ra.status))
}

// IsActive is a shortcut for checking the Status against Active.
func (ra *RemoteAddress) IsActive() bool {
	return ra.Status() == Active
}

func (ra *RemoteAddress) String() string {
	return fmt.Sprintf("RemoteAddress(node=%d, endpoint=%v, stream=%d, generation=%d, status=%v)",
		ra.NodeID(), ra.endpoint, ra.StreamID(), ra.Generation(), ra.Status())
}

// AddressList manages the RemoteAddresses known to a transport. The Registry operates on an AddressList.
type AddressList interface {
	// Register an Endpoint for a node. A known, non-retired RemoteAddress is reactivated and returned.
	Register(nodeID int, endpoint Endpoint) *RemoteAddress

	// Deactivate a RemoteAddress. It might be reactivated by a later Register call.
	Deactivate(ra *RemoteAddress)

	// Retire a RemoteAddress permanently.
	Retire(ra *RemoteAddress)

	// Lookup the RemoteAddress of an Endpoint, if known.
	Lookup(endpoint Endpoint) (*RemoteAddress, bool)
}

// RemoteAddressList is the default AddressList implementation, keeping one RemoteAddress per Endpoint.
type RemoteAddressList struct {
	mutex     sync.RWMutex
	addresses map[Endpoint]*RemoteAddress
}

// NewRemoteAddressList creates an empty RemoteAddressList.
func NewRemoteAddressList() *RemoteAddressList {
	return &RemoteAddressList{
		addresses: make(map[Endpoint]*RemoteAddress),
	}
}

// Register an Endpoint for a node.
func (list *RemoteAddressList) Register(nodeID int, endpoint Endpoint) *RemoteAddress {
	list.mutex.Lock()
	defer list.mutex.Unlock()

	if ra, ok := list.addresses[endpoint]; ok && ra.Status() != Retired {
		atomic.StoreInt64(&ra.nodeID, int64(nodeID))
		atomic.StoreUint32(&ra.status, uint32(Active))
		return ra
	}

	ra := newRemoteAddress(nodeID, endpoint)
	list.addresses[endpoint] = ra
	return ra
}

// Deactivate a RemoteAddress. Retired addresses stay retired.
func (list *RemoteAddressList) Deactivate(ra *RemoteAddress) {
	atomic.CompareAndSwapUint32(&ra.status, uint32(Active), uint32(Deactivated))
}

// Retire a RemoteAddress permanently.
func (list *RemoteAddressList) Retire(ra *RemoteAddress) {
	atomic.StoreUint32(&ra.status, uint32(Retired))
}

// Lookup the RemoteAddress of an Endpoint.
func (list *RemoteAddressList) Lookup(endpoint Endpoint) (ra *RemoteAddress, ok bool) {
	list.mutex.RLock()
	defer list.mutex.RUnlock()

	ra, ok = list.addresses[endpoint]
	return
}

// Range calls f for each known RemoteAddress until f returns false.
func (list *RemoteAddressList) Range(f func(ra *RemoteAddress) bool) {
	list.mutex.RLock()
	addresses := make([]*RemoteAddress, 0, len(list.addresses))
	for _, ra := range list.addresses {
		addresses = append(addresses, ra)
	}
	list.mutex.RUnlock()

	for _, ra := range addresses {
		if !f(ra) {
			return
		}
	}
}
