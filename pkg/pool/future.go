// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/channel"
)

// ErrPending is returned by Future.Result before the acquisition finished.
var ErrPending = errors.New("channel acquisition is pending")

type futureState uint8

const (
	futureIdle futureState = iota
	futurePending
	futureCompleted
)

// Future of an asynchronous Channel acquisition. A Future is reusable: Release resets it, so that Request can
// start a new attempt for the same Endpoint.
type Future struct {
	pool     *Pool
	endpoint address.Endpoint

	mutex sync.Mutex
	state futureState
	done  chan struct{}
	ch    *channel.Channel
	err   error
}

func newFuture(p *Pool, endpoint address.Endpoint) *Future {
	return &Future{
		pool:     p,
		endpoint: endpoint,
		done:     make(chan struct{}),
	}
}

// Endpoint of this Future.
func (f *Future) Endpoint() address.Endpoint {
	return f.endpoint
}

// Request starts an acquisition. False is returned if this Future is pending or completed.
func (f *Future) Request() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.state != futureIdle {
		return false
	}
	f.state = futurePending

	go func(done chan struct{}) {
		ctx, cancel := f.pool.withTimeout(context.Background(), f.pool.conf.ConnectTimeout)
		defer cancel()

		ch, err := f.pool.RequestChannel(ctx, f.endpoint)

		f.mutex.Lock()
		f.ch, f.err = ch, err
		f.state = futureCompleted
		f.mutex.Unlock()

		close(done)
	}(f.done)

	return true
}

// Done is closed when the current acquisition completed.
func (f *Future) Done() <-chan struct{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.done
}

// Result of a completed acquisition or ErrPending.
func (f *Future) Result() (*channel.Channel, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.state != futureCompleted {
		return nil, ErrPending
	}
	return f.ch, f.err
}

// Wait until the acquisition completed or the Context is done.
func (f *Future) Wait(ctx context.Context) (*channel.Channel, error) {
	select {
	case <-f.Done():
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsDone checks if the current acquisition completed, either way.
func (f *Future) IsDone() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.state == futureCompleted
}

// IsFailed checks if the current acquisition completed with an error.
func (f *Future) IsFailed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.state == futureCompleted && f.err != nil
}

// Release a completed Future. A successfully acquired Channel is returned to the Pool. Afterwards, the Future is
// reset and might be requested again. False is returned for a pending Future.
func (f *Future) Release() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	switch f.state {
	case futurePending:
		return false

	case futureCompleted:
		if f.err == nil {
			f.pool.ReturnChannel(f.ch)
		}
		f.ch, f.err = nil, nil
		f.done = make(chan struct{})
		f.state = futureIdle
	}
	return true
}
