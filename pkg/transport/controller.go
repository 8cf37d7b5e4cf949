// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/channel"
	"github.com/dtn7/dtn7-transport/pkg/frames"
	"github.com/dtn7/dtn7-transport/pkg/memory"
)

// RequestState of a RequestController.
type RequestState uint32

const (
	// Created is the state of a fresh RequestController.
	Created RequestState = iota

	// AwaitingChannel requests are serialized, but not yet queued on a Channel.
	AwaitingChannel

	// Sent requests are queued on a Channel.
	Sent

	// AwaitingResponse requests were written to the connection.
	AwaitingResponse

	// Completed requests received their response.
	Completed

	// Failed requests have an error.
	Failed

	// TimedOut requests passed their deadline.
	TimedOut

	// Closed RequestControllers might be opened again.
	Closed
)

func (rs RequestState) String() string {
	switch rs {
	case Created:
		return "created"
	case AwaitingChannel:
		return "awaiting channel"
	case Sent:
		return "sent"
	case AwaitingResponse:
		return "awaiting response"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed out"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsTerminal checks if the request has a result.
func (rs RequestState) IsTerminal() bool {
	return rs == Completed || rs == Failed || rs == TimedOut
}

type requestEvent uint8

const (
	reqOpen requestEvent = iota
	reqOffered
	reqWritten
	reqResponse
	reqFail
	reqChannelLost
	reqTimeout
	reqClose
)

type requestKey struct {
	from RequestState
	ev   requestEvent
}

var requestTransitions = map[requestKey]RequestState{
	{Created, reqOpen}: AwaitingChannel,
	{Closed, reqOpen}:  AwaitingChannel,

	{AwaitingChannel, reqOffered}: Sent,
	{Sent, reqWritten}:            AwaitingResponse,

	{Sent, reqResponse}:             Completed,
	{AwaitingResponse, reqResponse}: Completed,

	{AwaitingChannel, reqFail}:  Failed,
	{Sent, reqFail}:             Failed,
	{AwaitingResponse, reqFail}: Failed,

	{Sent, reqChannelLost}:             Failed,
	{AwaitingResponse, reqChannelLost}: Failed,

	{AwaitingChannel, reqTimeout}:  TimedOut,
	{Sent, reqTimeout}:             TimedOut,
	{AwaitingResponse, reqTimeout}: TimedOut,

	{Completed, reqClose}: Closed,
	{Failed, reqClose}:    Closed,
	{TimedOut, reqClose}:  Closed,
}

// requestTransition looks up the next state; undefined transitions are rejected.
func requestTransition(from RequestState, ev requestEvent) (RequestState, bool) {
	to, ok := requestTransitions[requestKey{from, ev}]
	return to, ok
}

// requestTarget is either a fixed RemoteAddress or a node, resolved by the Registry until the request was queued.
type requestTarget struct {
	remote *address.RemoteAddress
	nodeID int
	byNode bool
}

func remoteTarget(remote *address.RemoteAddress) requestTarget {
	return requestTarget{remote: remote}
}

func nodeTarget(nodeID int) requestTarget {
	return requestTarget{nodeID: nodeID, byNode: true}
}

// RequestController drives a single request from serialization to its response, timeout or failure.
//
// A RequestController is reusable after being closed. Exactly one completion wins; only the winner reclaims the
// request's memory and resolves its ResponseFuture.
type RequestController struct {
	transport *ClientTransport

	// state is accessed by sync.atomic functions
	state uint32

	mutex      sync.Mutex
	id         uint64
	target     requestTarget
	remote     *address.RemoteAddress
	alloc      *memory.Allocation
	payload    []byte
	reader     ResponseReader
	timeout    time.Duration
	deadline   time.Time
	startedAt  time.Time
	ch         *channel.Channel
	generation uint32
	future     *ResponseFuture
	autoClose  bool
}

func (rc *RequestController) String() string {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	if rc.remote == nil && rc.target.byNode {
		return fmt.Sprintf("request(%d, node %d, %v)", rc.id, rc.target.nodeID, rc.State())
	}
	return fmt.Sprintf("request(%d, %v, %v)", rc.id, rc.remote, rc.State())
}

// State of this RequestController.
func (rc *RequestController) State() RequestState {
	return RequestState(atomic.LoadUint32(&rc.state))
}

// transit applies an event by compare-and-swap.
func (rc *RequestController) transit(ev requestEvent) (from, to RequestState, ok bool) {
	for {
		from = rc.State()
		if to, ok = requestTransition(from, ev); !ok {
			return
		}
		if atomic.CompareAndSwapUint32(&rc.state, uint32(from), uint32(to)) {
			return
		}
	}
}

// RequestID of the current request.
func (rc *RequestController) RequestID() uint64 {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	return rc.id
}

// Future of the current request.
func (rc *RequestController) Future() *ResponseFuture {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	return rc.future
}

// Open a request to a remote. The writer is invoked exactly once, right away. The request is sent as soon as a
// Channel is available and fails after the timeout.
//
// Only a fresh or Closed RequestController might be opened, otherwise ErrIllegalState is returned. If the request
// memory is exhausted, ErrBackpressure is returned and the RequestController stays unchanged.
func (rc *RequestController) Open(remote *address.RemoteAddress, writer PayloadWriter, reader ResponseReader, timeout time.Duration) error {
	_, err := rc.openWriter(remoteTarget(remote), writer, reader, timeout)
	return err
}

// OpenNode opens a request to a node like Open. The node's Endpoint is looked up on each send attempt, so the
// request waits for an unknown node to be registered until it times out.
func (rc *RequestController) OpenNode(nodeID int, writer PayloadWriter, reader ResponseReader, timeout time.Duration) error {
	_, err := rc.openWriter(nodeTarget(nodeID), writer, reader, timeout)
	return err
}

func (rc *RequestController) openWriter(target requestTarget, writer PayloadWriter, reader ResponseReader, timeout time.Duration) (*ResponseFuture, error) {
	if state := rc.State(); state != Created && state != Closed {
		return nil, fmt.Errorf("%w: cannot open a request in state %v", ErrIllegalState, state)
	}

	alloc, ok := rc.transport.requestMemory.Allocate(writer.Len())
	if !ok {
		return nil, ErrBackpressure
	}

	return rc.open(target, alloc, alloc.Bytes(), writer, reader, timeout)
}

// open a request. An Allocation is owned by the request and reclaimed on completion; without a writer, buf is
// expected to be serialized already.
func (rc *RequestController) open(target requestTarget, alloc *memory.Allocation, buf []byte,
	writer PayloadWriter, reader ResponseReader, timeout time.Duration) (*ResponseFuture, error) {
	if timeout <= 0 {
		if alloc != nil {
			alloc.Reclaim()
		}
		return nil, fmt.Errorf("request timeout must be positive, not %v", timeout)
	}

	rc.mutex.Lock()
	if _, _, ok := rc.transit(reqOpen); !ok {
		rc.mutex.Unlock()
		if alloc != nil {
			alloc.Reclaim()
		}
		return nil, fmt.Errorf("%w: cannot open a request in state %v", ErrIllegalState, rc.State())
	}

	id := rc.transport.nextRequestID()
	now := rc.transport.clock.Now()

	rc.id = id
	rc.target = target
	rc.remote = target.remote
	rc.alloc = alloc
	rc.payload = buf
	rc.reader = reader
	rc.timeout = timeout
	rc.startedAt = now
	rc.deadline = now.Add(timeout)
	rc.ch = nil
	rc.generation = 0

	future := newResponseFuture()
	future.cancel = func() { rc.complete(id, reqFail, nil, ErrRequestCanceled) }
	rc.future = future
	rc.mutex.Unlock()

	if writer != nil {
		if err := writer.Write(buf); err != nil {
			rc.complete(id, reqFail, nil, fmt.Errorf("serializing request %d: %w", id, err))
			return future, nil
		}
	}

	rc.transport.track(id, rc)
	rc.trySend()
	return future, nil
}

// trySend queues the request on its Channel. Without a Ready Channel or a registered node, the request keeps waiting.
func (rc *RequestController) trySend() {
	if id, err := rc.offer(); err != nil {
		rc.complete(id, reqFail, nil, err)
	}
}

func (rc *RequestController) offer() (uint64, error) {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	id := rc.id
	if rc.State() != AwaitingChannel {
		return id, nil
	}
	if rc.target.byNode {
		remote, ok := rc.transport.registry.GetEndpoint(rc.target.nodeID)
		if !ok {
			return id, nil
		}
		rc.remote = remote
	}
	if !rc.remote.IsActive() {
		return id, fmt.Errorf("%w: %v", ErrRemoteInactive, rc.remote)
	}

	ch := rc.transport.channelFor(rc.remote.Endpoint())
	if ch == nil {
		return id, nil
	}

	generation, ok := ch.Enqueue(frames.NewRequestFrame(id, rc.payload), func(written bool) {
		rc.onWritten(id, written)
	})
	if !ok {
		return id, nil
	}

	rc.ch, rc.generation = ch, generation
	rc.transit(reqOffered)
	return id, nil
}

// onWritten is the done function of the queued request frame.
func (rc *RequestController) onWritten(id uint64, written bool) {
	if written {
		rc.mutex.Lock()
		if rc.id == id {
			rc.transit(reqWritten)
		}
		rc.mutex.Unlock()
		return
	}

	rc.complete(id, reqChannelLost, nil, fmt.Errorf("%w: request %d was dropped", ErrChannelClosed, id))
}

// matches checks if a response arrived on the Channel incarnation the request was sent on.
func (rc *RequestController) matches(id uint64, ch *channel.Channel, generation uint32) (ResponseReader, bool) {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	return rc.reader, rc.id == id && rc.ch == ch && rc.generation == generation
}

// sentOn checks if the current request was queued on a Channel and is waiting for its response.
func (rc *RequestController) sentOn(ch *channel.Channel) (uint64, bool) {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	state := rc.State()
	return rc.id, rc.ch == ch && (state == Sent || state == AwaitingResponse)
}

// expired checks the deadline of the current request.
func (rc *RequestController) expired(now time.Time) (uint64, time.Duration, bool) {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	return rc.id, rc.timeout, !now.Before(rc.deadline)
}

// complete the request identified by its id. Only the first completion wins and returns true.
func (rc *RequestController) complete(id uint64, ev requestEvent, payload []byte, err error) bool {
	rc.mutex.Lock()
	if rc.id != id {
		rc.mutex.Unlock()
		return false
	}

	from, to, ok := rc.transit(ev)
	if !ok || from.IsTerminal() {
		rc.mutex.Unlock()
		return false
	}

	alloc := rc.alloc
	rc.alloc = nil
	future := rc.future
	autoClose := rc.autoClose
	startedAt := rc.startedAt
	remote := rc.remote
	rc.mutex.Unlock()

	if alloc != nil {
		alloc.Reclaim()
	}

	rc.transport.untrack(id, rc)
	rc.transport.metrics.requestCompleted(to, rc.transport.clock.Since(startedAt))

	entry := log.WithFields(log.Fields{
		"request": id,
		"remote":  remote,
		"state":   to,
	})
	if err != nil {
		entry.WithError(err).Debug("Request completed unsuccessfully")
	} else {
		entry.Debug("Request completed")
	}

	future.resolve(payload, err)

	if autoClose {
		rc.Close()
	}
	return true
}

// Close this RequestController, failing a pending request. Afterwards, it might be opened again.
func (rc *RequestController) Close() {
	for {
		switch state := rc.State(); {
		case state == Created || state == Closed:
			return

		case state.IsTerminal():
			if _, _, ok := rc.transit(reqClose); ok {
				return
			}

		default:
			rc.complete(rc.RequestID(), reqFail, nil, fmt.Errorf("%w: controller was closed", ErrRequestCanceled))
		}
	}
}
