// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package memory provides bounded, non-blocking pools for outbound buffers.
//
// A Pool signals its exhaustion instead of blocking. Each Allocation must be reclaimed exactly once; a missed reclaim
// permanently shrinks the Pool, while further reclaims of the same Allocation are refused and counted.
package memory

import (
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Pool is a bounded allocator of byte buffers. It is safe for concurrent use.
type Pool struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted

	inUse          int64
	allocations    uint64
	reclaims       uint64
	rejections     uint64
	doubleReclaims uint64
}

// NewPool creates a Pool with a total capacity in bytes.
func NewPool(name string, capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("memory pool %q needs a positive capacity, not %d", name, capacity)
	}

	return &Pool{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}, nil
}

// Name of this Pool.
func (p *Pool) Name() string {
	return p.name
}

// Capacity of this Pool in bytes.
func (p *Pool) Capacity() int {
	return int(p.capacity)
}

// Allocate a buffer of the given size. This method never blocks; false is returned if the remaining capacity does
// not suffice.
func (p *Pool) Allocate(size int) (*Allocation, bool) {
	if size < 0 || !p.sem.TryAcquire(int64(size)) {
		atomic.AddUint64(&p.rejections, 1)
		return nil, false
	}

	atomic.AddInt64(&p.inUse, int64(size))
	atomic.AddUint64(&p.allocations, 1)

	return &Allocation{
		pool: p,
		buf:  make([]byte, size),
	}, true
}

func (p *Pool) reclaim(a *Allocation) {
	if !atomic.CompareAndSwapUint32(&a.reclaimed, 0, 1) {
		atomic.AddUint64(&p.doubleReclaims, 1)
		log.WithFields(log.Fields{
			"pool": p.name,
			"size": len(a.buf),
		}).Error("Memory pool allocation was reclaimed more than once")
		return
	}

	size := int64(len(a.buf))
	atomic.AddInt64(&p.inUse, -size)
	atomic.AddUint64(&p.reclaims, 1)
	p.sem.Release(size)
}

// Stats is a point-in-time view of a Pool's accounting.
type Stats struct {
	Capacity       int    `json:"capacity"`
	InUse          int    `json:"in_use"`
	Allocations    uint64 `json:"allocations"`
	Reclaims       uint64 `json:"reclaims"`
	Rejections     uint64 `json:"rejections"`
	DoubleReclaims uint64 `json:"double_reclaims"`
}

// Outstanding allocations, which are not yet reclaimed.
func (s Stats) Outstanding() uint64 {
	return s.Allocations - s.Reclaims
}

// Stats of this Pool.
func (p *Pool) Stats() Stats {
	return Stats{
		Capacity:       int(p.capacity),
		InUse:          int(atomic.LoadInt64(&p.inUse)),
		Allocations:    atomic.LoadUint64(&p.allocations),
		Reclaims:       atomic.LoadUint64(&p.reclaims),
		Rejections:     atomic.LoadUint64(&p.rejections),
		DoubleReclaims: atomic.LoadUint64(&p.doubleReclaims),
	}
}

func (p *Pool) String() string {
	return fmt.Sprintf("MemoryPool(%s, %d/%d)", p.name, atomic.LoadInt64(&p.inUse), p.capacity)
}

// Allocation is a buffer owned by its caller until Reclaim is called.
type Allocation struct {
	pool *Pool
	buf  []byte

	// reclaimed is accessed by sync.atomic functions; non-zero after the first Reclaim
	reclaimed uint32
}

// Bytes of this Allocation. The slice must not be used after Reclaim.
func (a *Allocation) Bytes() []byte {
	return a.buf
}

// Size of this Allocation in bytes.
func (a *Allocation) Size() int {
	return len(a.buf)
}

// Reclaim returns this Allocation's capacity to its Pool.
func (a *Allocation) Reclaim() {
	a.pool.reclaim(a)
}

// IsReclaimed reports if Reclaim was called.
func (a *Allocation) IsReclaimed() bool {
	return atomic.LoadUint32(&a.reclaimed) != 0
}
