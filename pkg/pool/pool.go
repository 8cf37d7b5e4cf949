// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package pool caches Channels per remote Endpoint.
//
// A Pool hands out the same Ready Channel for repeated requests of an Endpoint and counts its borrowers. Returned
// Channels stay open as idle entries until they are evicted due to the Pool's capacity or closed by an error.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/channel"
)

// entry of a Pool for one Endpoint.
type entry struct {
	ch *channel.Channel

	// refCount, lastReturnedAt and returnSeq are accessed by sync.atomic functions; returnSeq is zero until the
	// Channel was returned for the first time and breaks ties of lastReturnedAt.
	refCount       int32
	lastReturnedAt int64
	returnSeq      uint64

	// opened is closed and replaced each time the Channel became Ready; guarded by the Pool's mutex
	opened chan struct{}
}

func (e *entry) isIdle() bool {
	return atomic.LoadInt32(&e.refCount) == 0 && atomic.LoadUint64(&e.returnSeq) > 0
}

// Pool of Channels, keyed by their Endpoint.
type Pool struct {
	conf    Config
	clock   clock.Clock
	handler channel.Handler

	mutex   sync.RWMutex
	entries map[address.Endpoint]*entry

	group        singleflight.Group
	nextStreamID uint32
	returnSeq    uint64

	listenersMutex sync.RWMutex
	listeners      []channel.Listener
}

// NewPool creates a Pool whose Channels pass inbound data frames to the Handler.
func NewPool(conf Config, handler channel.Handler) (*Pool, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.Channel.Clock == nil {
		conf.Channel.Clock = clock.New()
	}

	return &Pool{
		conf:    conf,
		clock:   conf.Channel.Clock,
		handler: handler,
		entries: make(map[address.Endpoint]*entry),
	}, nil
}

func (p *Pool) log() *log.Entry {
	return log.WithField("pool", fmt.Sprintf("%p", p))
}

// AddListener registers a Listener for all Channels created afterwards.
func (p *Pool) AddListener(l channel.Listener) {
	p.listenersMutex.Lock()
	defer p.listenersMutex.Unlock()

	p.listeners = append(p.listeners, l)
}

// RequestChannel returns a Ready Channel to the Endpoint, connecting it first if necessary. This method blocks the
// calling goroutine. The Channel must be handed back with ReturnChannel.
func (p *Pool) RequestChannel(ctx context.Context, endpoint address.Endpoint) (*channel.Channel, error) {
	for {
		if ch, ok := p.borrowReady(endpoint); ok {
			return ch, nil
		}

		resultChan := p.group.DoChan(endpoint.String(), func() (interface{}, error) {
			return p.connect(endpoint)
		})

		var res singleflight.Result
		select {
		case res = <-resultChan:
		case <-ctx.Done():
			go p.abandon(resultChan)
			return nil, context.Cause(ctx)
		}

		if res.Err != nil {
			return nil, res.Err
		}

		ch := res.Val.(*channel.Channel)
		if p.borrow(ch) {
			return ch, nil
		}

		// The Channel was closed between connecting and borrowing; try again.
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
	}
}

// abandon the result of a connect nobody waits for anymore. A connected Channel is borrowed and returned at once,
// making it an idle entry which might be evicted.
func (p *Pool) abandon(resultChan <-chan singleflight.Result) {
	res := <-resultChan
	if res.Err != nil {
		return
	}

	if ch := res.Val.(*channel.Channel); p.borrow(ch) {
		p.ReturnChannel(ch)
	}
}

// withTimeout derives a Context from the Pool's clock. It is cancelled with context.DeadlineExceeded as its cause.
func (p *Pool) withTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	timer := p.clock.AfterFunc(timeout, func() { cancel(context.DeadlineExceeded) })

	return ctx, func() {
		timer.Stop()
		cancel(context.Canceled)
	}
}

// RequestChannelAsync starts acquiring a Channel and returns its Future.
func (p *Pool) RequestChannelAsync(endpoint address.Endpoint) *Future {
	f := newFuture(p, endpoint)
	f.Request()
	return f
}

// ReturnChannel hands back a borrowed Channel. Returning nil is a no-op.
func (p *Pool) ReturnChannel(ch *channel.Channel) {
	if ch == nil {
		return
	}

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	e, ok := p.entries[ch.Endpoint()]
	if !ok || e.ch != ch {
		return
	}

	if refs := atomic.AddInt32(&e.refCount, -1); refs < 0 {
		atomic.AddInt32(&e.refCount, 1)
		p.log().WithField("channel", ch).Error("Channel was returned more often than borrowed")
		return
	}

	atomic.StoreInt64(&e.lastReturnedAt, p.clock.Now().UnixNano())
	atomic.StoreUint64(&e.returnSeq, atomic.AddUint64(&p.returnSeq, 1))
}

// borrowReady increments the borrowers of an existing, Ready Channel.
func (p *Pool) borrowReady(endpoint address.Endpoint) (*channel.Channel, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	e, ok := p.entries[endpoint]
	if !ok || !e.ch.IsReady() {
		return nil, false
	}

	atomic.AddInt32(&e.refCount, 1)
	return e.ch, true
}

// borrow increments the borrowers of a Channel, if it is still pooled and not closed.
func (p *Pool) borrow(ch *channel.Channel) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	e, ok := p.entries[ch.Endpoint()]
	if !ok || e.ch != ch || ch.IsClosed() {
		return false
	}

	atomic.AddInt32(&e.refCount, 1)
	return true
}

// connect returns a Ready Channel to the Endpoint. Calls are deduplicated per Endpoint.
func (p *Pool) connect(endpoint address.Endpoint) (*channel.Channel, error) {
	ctx, cancel := p.withTimeout(context.Background(), p.conf.ConnectTimeout)
	defer cancel()

	for {
		p.mutex.Lock()
		e, ok := p.entries[endpoint]
		if !ok {
			ch, err := p.insert(endpoint)
			p.mutex.Unlock()

			if err != nil {
				return nil, err
			}
			if err := ch.Open(ctx); err != nil {
				p.remove(ch)
				return nil, err
			}
			return ch, nil
		}

		state := e.ch.State()
		opened := e.opened
		p.mutex.Unlock()

		switch state {
		case channel.Ready:
			return e.ch, nil

		case channel.Connecting, channel.Interrupted:
			select {
			case <-opened:
			case <-e.ch.Done():
			case <-ctx.Done():
				return nil, fmt.Errorf("waiting for %v: %w", e.ch, context.Cause(ctx))
			}

		default:
			// A closing Channel will remove itself; replace it right away.
			p.remove(e.ch)
		}
	}
}

// insert a new entry, evicting the least recently returned idle entry if the capacity is reached. The caller must
// hold the write lock.
func (p *Pool) insert(endpoint address.Endpoint) (*channel.Channel, error) {
	if len(p.entries) >= p.conf.Capacity {
		if victim := p.evictionCandidate(); victim != nil {
			delete(p.entries, victim.ch.Endpoint())

			p.log().WithFields(log.Fields{
				"evicted":  victim.ch,
				"endpoint": endpoint,
			}).Debug("Pool evicts idle channel")

			victim.ch.CloseAsync()
		} else {
			p.log().WithFields(log.Fields{
				"capacity": p.conf.Capacity,
				"entries":  len(p.entries),
			}).Debug("Pool grows beyond its capacity, all channels are borrowed")
		}
	}

	streamID := atomic.AddUint32(&p.nextStreamID, 1)
	ch, err := channel.New(endpoint, streamID, p.conf.Channel, p.handler)
	if err != nil {
		return nil, err
	}

	ch.AddListener(channel.ListenerFuncs{
		Opened: p.onOpened,
		Closed: p.remove,
	})

	p.listenersMutex.RLock()
	for _, l := range p.listeners {
		ch.AddListener(l)
	}
	p.listenersMutex.RUnlock()

	ch.SetReopenGate(p.isBorrowed)

	p.entries[endpoint] = &entry{ch: ch, opened: make(chan struct{})}
	return ch, nil
}

// evictionCandidate is the idle entry with the oldest return. The caller must hold the lock.
func (p *Pool) evictionCandidate() (victim *entry) {
	for _, e := range p.entries {
		if !e.isIdle() {
			continue
		}

		if victim == nil {
			victim = e
			continue
		}

		eAt, vAt := atomic.LoadInt64(&e.lastReturnedAt), atomic.LoadInt64(&victim.lastReturnedAt)
		if eAt < vAt || (eAt == vAt && atomic.LoadUint64(&e.returnSeq) < atomic.LoadUint64(&victim.returnSeq)) {
			victim = e
		}
	}
	return
}

func (p *Pool) onOpened(ch *channel.Channel) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if e, ok := p.entries[ch.Endpoint()]; ok && e.ch == ch {
		close(e.opened)
		e.opened = make(chan struct{})
	}
}

// remove a Channel's entry, if it is still pooled.
func (p *Pool) remove(ch *channel.Channel) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if e, ok := p.entries[ch.Endpoint()]; ok && e.ch == ch {
		delete(p.entries, ch.Endpoint())
	}
}

// isBorrowed is the reopen gate of pooled Channels: only borrowed Channels are reconnected.
func (p *Pool) isBorrowed(ch *channel.Channel) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	e, ok := p.entries[ch.Endpoint()]
	return ok && e.ch == ch && atomic.LoadInt32(&e.refCount) > 0
}

// Len returns the amount of pooled entries.
func (p *Pool) Len() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return len(p.entries)
}

// CloseAllChannelsAsync removes all entries and closes their Channels. The returned channel is closed after all
// Channels are closed.
func (p *Pool) CloseAllChannelsAsync() <-chan struct{} {
	p.mutex.Lock()
	channels := make([]*channel.Channel, 0, len(p.entries))
	for endpoint, e := range p.entries {
		channels = append(channels, e.ch)
		delete(p.entries, endpoint)
	}
	p.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		for _, ch := range channels {
			<-ch.CloseAsync()
		}
		close(done)
	}()
	return done
}

// EntryInfo describes a pooled entry.
type EntryInfo struct {
	Endpoint       string    `json:"endpoint"`
	State          string    `json:"state"`
	StreamID       uint32    `json:"stream_id"`
	Generation     uint32    `json:"generation"`
	RefCount       int32     `json:"ref_count"`
	LastReturnedAt time.Time `json:"last_returned_at,omitempty"`
}

// Snapshot of all entries, ordered by their Endpoint.
func (p *Pool) Snapshot() []EntryInfo {
	p.mutex.RLock()
	infos := make([]EntryInfo, 0, len(p.entries))
	for endpoint, e := range p.entries {
		info := EntryInfo{
			Endpoint:   endpoint.String(),
			State:      e.ch.State().String(),
			StreamID:   e.ch.StreamID(),
			Generation: e.ch.Generation(),
			RefCount:   atomic.LoadInt32(&e.refCount),
		}
		if atomic.LoadUint64(&e.returnSeq) > 0 {
			info.LastReturnedAt = time.Unix(0, atomic.LoadInt64(&e.lastReturnedAt))
		}
		infos = append(infos, info)
	}
	p.mutex.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Endpoint < infos[j].Endpoint })
	return infos
}
