// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package address

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry maps logical node identifiers to RemoteAddresses.
type Registry struct {
	list AddressList

	mutex sync.RWMutex
	nodes map[int]*RemoteAddress
}

// NewRegistry operating on the given AddressList.
func NewRegistry(list AddressList) *Registry {
	return &Registry{
		list:  list,
		nodes: make(map[int]*RemoteAddress),
	}
}

// AddressList of this Registry.
func (r *Registry) AddressList() AddressList {
	return r.list
}

// SetEndpoint registers an Endpoint for a node. The previous Endpoint is returned, if one existed.
//
// Setting the same Endpoint again only re-registers it. Setting a different Endpoint deactivates the previous
// RemoteAddress after the new one was registered, unless another node still uses it.
func (r *Registry) SetEndpoint(nodeID int, endpoint Endpoint) (previous Endpoint, ok bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	old, exists := r.nodes[nodeID]
	r.nodes[nodeID] = r.list.Register(nodeID, endpoint)

	if !exists {
		log.WithFields(log.Fields{
			"node":     nodeID,
			"endpoint": endpoint,
		}).Debug("Registry registered new node")
		return
	}

	previous, ok = old.Endpoint(), true
	if previous != endpoint {
		if !r.referenced(previous) {
			r.list.Deactivate(old)
		}

		log.WithFields(log.Fields{
			"node":     nodeID,
			"endpoint": endpoint,
			"previous": previous,
		}).Debug("Registry replaced node's endpoint")
	}
	return
}

// GetEndpoint returns the current RemoteAddress of a node.
func (r *Registry) GetEndpoint(nodeID int) (ra *RemoteAddress, ok bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ra, ok = r.nodes[nodeID]
	return
}

// RemoveEndpoint removes a node and deactivates its RemoteAddress, unless another node still uses it. Unknown
// nodes are ignored.
func (r *Registry) RemoveEndpoint(nodeID int) (ra *RemoteAddress, ok bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if ra, ok = r.nodes[nodeID]; !ok {
		return
	}

	delete(r.nodes, nodeID)
	if !r.referenced(ra.Endpoint()) {
		r.list.Deactivate(ra)
	}

	log.WithFields(log.Fields{
		"node":     nodeID,
		"endpoint": ra.Endpoint(),
	}).Debug("Registry removed node")
	return
}

// RetireEndpoint removes a node and retires its RemoteAddress.
func (r *Registry) RetireEndpoint(nodeID int) (ra *RemoteAddress, ok bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if ra, ok = r.nodes[nodeID]; !ok {
		return
	}

	delete(r.nodes, nodeID)
	r.list.Retire(ra)
	return
}

// References checks if any registered node currently points to this Endpoint.
func (r *Registry) References(endpoint Endpoint) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.referenced(endpoint)
}

// referenced requires the mutex to be held.
func (r *Registry) referenced(endpoint Endpoint) bool {
	for _, ra := range r.nodes {
		if ra.Endpoint() == endpoint {
			return true
		}
	}
	return false
}

// NodeEntry is a single mapping, as reported by Snapshot.
type NodeEntry struct {
	NodeID     int    `json:"node"`
	Endpoint   string `json:"endpoint"`
	StreamID   uint32 `json:"stream"`
	Generation uint32 `json:"generation"`
	Status     string `json:"status"`
}

// Snapshot of all node mappings, ordered by their node ID.
func (r *Registry) Snapshot() []NodeEntry {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entries := make([]NodeEntry, 0, len(r.nodes))
	for nodeID, ra := range r.nodes {
		entries = append(entries, NodeEntry{
			NodeID:     nodeID,
			Endpoint:   ra.Endpoint().String(),
			StreamID:   ra.StreamID(),
			Generation: ra.Generation(),
			Status:     ra.Status().String(),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].NodeID < entries[j].NodeID })
	return entries
}
