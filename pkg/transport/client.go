// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport exchanges messages and requests with remote nodes over pooled Channels.
//
// A ClientTransport resolves node IDs to Endpoints, keeps Channels to registered Endpoints open and correlates
// requests with their responses. A ServerTransport accepts Channels and passes inbound messages and requests to
// handlers, which might answer through the ServerOutput.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/channel"
	"github.com/dtn7/dtn7-transport/pkg/frames"
	"github.com/dtn7/dtn7-transport/pkg/memory"
	"github.com/dtn7/dtn7-transport/pkg/pool"
	"github.com/dtn7/dtn7-transport/pkg/sched"
)

// ClientOutput sends messages and requests to remote nodes. False or a nil ResponseFuture signal backpressure.
type ClientOutput interface {
	SendMessage(nodeID int, writer PayloadWriter) bool
	SendMessageTo(remote *address.RemoteAddress, writer PayloadWriter) bool

	SendRequest(nodeID int, writer PayloadWriter, timeout time.Duration) *ResponseFuture
	SendRequestTo(remote *address.RemoteAddress, writer PayloadWriter, timeout time.Duration) *ResponseFuture

	// SendRequestWithRetry sends a request to the supplied nodes until a response is not rejected by the
	// inspector. An inspector returning true asks for another attempt.
	SendRequestWithRetry(nodeSupplier func() (int, bool), inspector func(payload []byte) bool,
		writer PayloadWriter, timeout time.Duration) *ResponseFuture
}

// lease keeps a Channel to an Endpoint borrowed from the pool.
type lease struct {
	future   *pool.Future
	failedAt time.Time
}

// ClientTransport is the client side of the transport, implementing ClientOutput.
type ClientTransport struct {
	conf  ClientConfig
	clock clock.Clock

	registry      *address.Registry
	pool          *pool.Pool
	requestMemory *memory.Pool
	messageMemory *memory.Pool
	scheduler     *sched.Scheduler
	metrics       *clientMetrics

	nextID uint64

	controllersMutex sync.Mutex
	controllers      map[uint64]*RequestController

	leasesMutex sync.Mutex
	leases      map[address.Endpoint]*lease

	closed   uint32
	closeSyn chan struct{}
}

// NewClientTransport creates and starts a ClientTransport.
func NewClientTransport(conf ClientConfig) (*ClientTransport, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	clk := conf.clock()
	conf.Pool.Channel.Clock = clk

	t := &ClientTransport{
		conf:        conf,
		clock:       clk,
		registry:    address.NewRegistry(address.NewRemoteAddressList()),
		controllers: make(map[uint64]*RequestController),
		leases:      make(map[address.Endpoint]*lease),
		closeSyn:    make(chan struct{}),
	}

	var err error
	if t.requestMemory, err = memory.NewPool("requests", conf.RequestMemory); err != nil {
		return nil, err
	}
	if t.messageMemory, err = memory.NewPool("messages", conf.MessageMemory); err != nil {
		return nil, err
	}

	if t.pool, err = pool.NewPool(conf.Pool, channel.HandlerFunc(t.handleFrame)); err != nil {
		return nil, err
	}
	t.pool.AddListener(channel.ListenerFuncs{
		Opened:      t.onOpened,
		Interrupted: func(ch *channel.Channel, _ error) { t.onChannelLost(ch) },
		Closed:      t.onChannelLost,
	})
	t.pool.AddListener(channel.NewPongListener())

	if t.scheduler, err = sched.NewScheduler(clk, conf.SweepPeriod); err != nil {
		return nil, err
	}
	t.scheduler.Submit("request sweep", t.sweep)

	if t.metrics, err = newClientMetrics(conf.Registerer, t); err != nil {
		return nil, err
	}

	t.scheduler.Start()
	return t, nil
}

func (t *ClientTransport) log() *log.Entry {
	return log.WithField("transport", "client")
}

// Registry of node Endpoints.
func (t *ClientTransport) Registry() *address.Registry {
	return t.registry
}

// Pool of this transport's Channels.
func (t *ClientTransport) Pool() *pool.Pool {
	return t.pool
}

// RequestMemory is the memory pool for serialized requests.
func (t *ClientTransport) RequestMemory() *memory.Pool {
	return t.requestMemory
}

// MessageMemory is the memory pool for serialized messages.
func (t *ClientTransport) MessageMemory() *memory.Pool {
	return t.messageMemory
}

func (t *ClientTransport) isClosed() bool {
	return atomic.LoadUint32(&t.closed) != 0
}

func (t *ClientTransport) nextRequestID() uint64 {
	return atomic.AddUint64(&t.nextID, 1)
}

// NewRequestController bound to this transport.
func (t *ClientTransport) NewRequestController() *RequestController {
	return &RequestController{transport: t}
}

// RegisterEndpoint maps a node to an Endpoint and starts connecting to it. A replaced Endpoint's Channel is released
// if no other node refers to it.
func (t *ClientTransport) RegisterEndpoint(nodeID int, endpoint address.Endpoint) {
	previous, ok := t.registry.SetEndpoint(nodeID, endpoint)
	if ok && previous != endpoint {
		t.releaseLease(previous)
	}

	t.log().WithFields(log.Fields{
		"node":     nodeID,
		"endpoint": endpoint,
	}).Info("Registered endpoint")

	if !t.isClosed() {
		t.acquireLease(endpoint)
	}
}

// DeactivateEndpoint marks a node's RemoteAddress as inactive and stops reconnecting to it. A later RegisterEndpoint
// reactivates it.
func (t *ClientTransport) DeactivateEndpoint(nodeID int) {
	ra, ok := t.registry.GetEndpoint(nodeID)
	if !ok {
		return
	}

	t.registry.AddressList().Deactivate(ra)
	t.releaseLeaseOf(ra.Endpoint(), true)
}

// RetireEndpoint removes a node and retires its RemoteAddress permanently.
func (t *ClientTransport) RetireEndpoint(nodeID int) {
	if ra, ok := t.registry.RetireEndpoint(nodeID); ok {
		t.releaseLease(ra.Endpoint())
	}
}

// RemoveEndpoint removes a node and deactivates its RemoteAddress.
func (t *ClientTransport) RemoveEndpoint(nodeID int) {
	if ra, ok := t.registry.RemoveEndpoint(nodeID); ok {
		t.releaseLease(ra.Endpoint())
	}
}

// acquireLease starts borrowing a Channel to an Endpoint, unless it is already leased.
func (t *ClientTransport) acquireLease(endpoint address.Endpoint) {
	t.leasesMutex.Lock()
	defer t.leasesMutex.Unlock()

	if _, ok := t.leases[endpoint]; !ok {
		t.leases[endpoint] = &lease{future: t.pool.RequestChannelAsync(endpoint)}
	}
}

// releaseLease stops borrowing a Channel to an Endpoint which is no longer registered.
func (t *ClientTransport) releaseLease(endpoint address.Endpoint) {
	t.releaseLeaseOf(endpoint, false)
}

func (t *ClientTransport) releaseLeaseOf(endpoint address.Endpoint, force bool) {
	if !force && t.registry.References(endpoint) {
		return
	}

	t.leasesMutex.Lock()
	l, ok := t.leases[endpoint]
	delete(t.leases, endpoint)
	t.leasesMutex.Unlock()

	if !ok {
		return
	}

	if !l.future.Release() {
		go func() {
			<-l.future.Done()
			l.future.Release()
		}()
	}
}

// channelFor returns a Ready Channel to the Endpoint or nil. A missing lease is created; a failed one is retried
// after the ReconnectDelay.
func (t *ClientTransport) channelFor(endpoint address.Endpoint) *channel.Channel {
	if t.isClosed() {
		return nil
	}

	t.leasesMutex.Lock()
	defer t.leasesMutex.Unlock()

	l, ok := t.leases[endpoint]
	if !ok {
		t.leases[endpoint] = &lease{future: t.pool.RequestChannelAsync(endpoint)}
		return nil
	}
	if !l.future.IsDone() {
		return nil
	}

	ch, err := l.future.Result()
	switch {
	case err != nil:
		now := t.clock.Now()
		if l.failedAt.IsZero() {
			l.failedAt = now
		}
		if now.Sub(l.failedAt) >= t.conf.ReconnectDelay {
			l.failedAt = time.Time{}
			l.future.Release()
			l.future.Request()
		}
		return nil

	case ch.IsClosed():
		l.future.Release()
		l.future.Request()
		return nil

	case !ch.IsReady():
		return nil

	default:
		return ch
	}
}

func (t *ClientTransport) track(id uint64, rc *RequestController) {
	t.controllersMutex.Lock()
	defer t.controllersMutex.Unlock()

	t.controllers[id] = rc
}

func (t *ClientTransport) untrack(id uint64, rc *RequestController) {
	t.controllersMutex.Lock()
	defer t.controllersMutex.Unlock()

	if t.controllers[id] == rc {
		delete(t.controllers, id)
	}
}

func (t *ClientTransport) lookup(id uint64) (rc *RequestController, ok bool) {
	t.controllersMutex.Lock()
	defer t.controllersMutex.Unlock()

	rc, ok = t.controllers[id]
	return
}

func (t *ClientTransport) tracked() []*RequestController {
	t.controllersMutex.Lock()
	defer t.controllersMutex.Unlock()

	rcs := make([]*RequestController, 0, len(t.controllers))
	for _, rc := range t.controllers {
		rcs = append(rcs, rc)
	}
	return rcs
}

// InFlight returns the amount of active requests.
func (t *ClientTransport) InFlight() int {
	t.controllersMutex.Lock()
	defer t.controllersMutex.Unlock()

	return len(t.controllers)
}

// sweep times out expired requests and retries waiting ones. It is a sched.Task.
func (t *ClientTransport) sweep() bool {
	now := t.clock.Now()

	for _, rc := range t.tracked() {
		if id, timeout, expired := rc.expired(now); expired {
			rc.complete(id, reqTimeout, nil, &TimeoutError{Timeout: timeout})
		} else if rc.State() == AwaitingChannel {
			rc.trySend()
		}
	}
	return false
}

// onOpened binds the Endpoint's RemoteAddress to the Channel's current incarnation.
func (t *ClientTransport) onOpened(ch *channel.Channel) {
	if ra, ok := t.registry.AddressList().Lookup(ch.Endpoint()); ok {
		ra.Bind(ch.StreamID(), ch.Generation())
	}
}

// onChannelLost fails all requests sent on the Channel.
func (t *ClientTransport) onChannelLost(ch *channel.Channel) {
	for _, rc := range t.tracked() {
		if id, ok := rc.sentOn(ch); ok {
			rc.complete(id, reqChannelLost, nil, fmt.Errorf("%w: %v", ErrChannelClosed, ch.Endpoint()))
		}
	}
}

// handleFrame is the Handler of the pooled Channels.
func (t *ClientTransport) handleFrame(ch *channel.Channel, generation uint32, f frames.Frame) bool {
	rf, ok := f.(*frames.ResponseFrame)
	if !ok {
		t.log().WithFields(log.Fields{
			"channel": ch,
			"frame":   f,
		}).Debug("Client dropped unexpected frame")
		return true
	}

	rc, ok := t.lookup(rf.RequestID)
	if !ok {
		t.log().WithField("request", rf.RequestID).Debug("Dropped response of an unknown request")
		return true
	}

	reader, ok := rc.matches(rf.RequestID, ch, generation)
	if !ok {
		t.log().WithFields(log.Fields{
			"request":    rf.RequestID,
			"channel":    ch,
			"generation": generation,
		}).Debug("Dropped response of another channel incarnation")
		return true
	}

	if reader != nil {
		if err := reader(rf.Payload); err != nil {
			rc.complete(rf.RequestID, reqFail, nil, err)
			return true
		}
	}

	rc.complete(rf.RequestID, reqResponse, rf.Payload, nil)
	return true
}

// SendMessage to a registered node.
func (t *ClientTransport) SendMessage(nodeID int, writer PayloadWriter) bool {
	ra, ok := t.registry.GetEndpoint(nodeID)
	if !ok {
		t.metrics.messageRejected()
		return false
	}
	return t.SendMessageTo(ra, writer)
}

// SendMessageTo a RemoteAddress. False is returned under backpressure or for an inactive remote.
func (t *ClientTransport) SendMessageTo(remote *address.RemoteAddress, writer PayloadWriter) bool {
	if t.isClosed() || !remote.IsActive() {
		t.metrics.messageRejected()
		return false
	}

	ch := t.channelFor(remote.Endpoint())
	if ch == nil {
		t.metrics.messageRejected()
		return false
	}

	alloc, ok := t.messageMemory.Allocate(writer.Len())
	if !ok {
		t.metrics.messageRejected()
		return false
	}

	if err := writer.Write(alloc.Bytes()); err != nil {
		alloc.Reclaim()
		t.log().WithError(err).WithField("remote", remote).Warn("Serializing message failed")
		t.metrics.messageRejected()
		return false
	}

	if !ch.Offer(frames.NewMessageFrame(alloc.Bytes()), func(bool) { alloc.Reclaim() }) {
		alloc.Reclaim()
		t.metrics.messageRejected()
		return false
	}

	t.metrics.messageSent()
	return true
}

func failedFuture(err error) *ResponseFuture {
	rf := newResponseFuture()
	rf.resolve(nil, err)
	return rf
}

// SendRequest to a node. The node is resolved until the request was sent, so an unknown node times out unless it
// is registered in the meantime. A nil ResponseFuture signals backpressure.
func (t *ClientTransport) SendRequest(nodeID int, writer PayloadWriter, timeout time.Duration) *ResponseFuture {
	return t.sendRequest(nodeTarget(nodeID), writer, timeout)
}

// SendRequestTo a RemoteAddress. A nil ResponseFuture signals backpressure.
func (t *ClientTransport) SendRequestTo(remote *address.RemoteAddress, writer PayloadWriter, timeout time.Duration) *ResponseFuture {
	return t.sendRequest(remoteTarget(remote), writer, timeout)
}

func (t *ClientTransport) sendRequest(target requestTarget, writer PayloadWriter, timeout time.Duration) *ResponseFuture {
	if t.isClosed() {
		return failedFuture(ErrTransportClosed)
	}

	rc := t.NewRequestController()
	rc.autoClose = true

	future, err := rc.openWriter(target, writer, nil, timeout)
	if errors.Is(err, ErrBackpressure) {
		t.metrics.requestRejected()
		return nil
	} else if err != nil {
		return failedFuture(err)
	}
	return future
}

// SendRequestWithRetry serializes a request once and sends it to the nodes returned by the supplier, one after
// another, until the timeout passed or a response arrives for which the inspector returns false. A nil inspector
// accepts each response.
func (t *ClientTransport) SendRequestWithRetry(nodeSupplier func() (int, bool), inspector func(payload []byte) bool,
	writer PayloadWriter, timeout time.Duration) *ResponseFuture {
	if t.isClosed() {
		return failedFuture(ErrTransportClosed)
	}

	alloc, ok := t.requestMemory.Allocate(writer.Len())
	if !ok {
		t.metrics.requestRejected()
		return nil
	}
	if err := writer.Write(alloc.Bytes()); err != nil {
		alloc.Reclaim()
		return failedFuture(fmt.Errorf("serializing request: %w", err))
	}

	outer := newResponseFuture()
	outer.cancel = func() { outer.resolve(nil, ErrRequestCanceled) }

	go t.retry(outer, alloc, nodeSupplier, inspector, timeout)
	return outer
}

func (t *ClientTransport) retry(outer *ResponseFuture, alloc *memory.Allocation,
	nodeSupplier func() (int, bool), inspector func(payload []byte) bool, timeout time.Duration) {
	defer alloc.Reclaim()

	deadline := t.clock.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		remaining := deadline.Sub(t.clock.Now())
		if remaining <= 0 {
			outer.resolve(nil, &TimeoutError{Timeout: timeout})
			return
		}

		if payload, ok := t.attempt(outer, alloc.Bytes(), nodeSupplier, inspector, remaining); ok {
			outer.resolve(payload, nil)
			return
		}

		select {
		case <-outer.Done():
			return
		case <-t.closeSyn:
			outer.resolve(nil, ErrTransportClosed)
			return
		case <-t.clock.After(t.conf.ReconnectDelay):
			t.log().WithField("attempt", attempt).Debug("Retrying request")
		}
	}
}

// attempt sends the serialized request to the next supplied node and inspects its response.
func (t *ClientTransport) attempt(outer *ResponseFuture, buf []byte,
	nodeSupplier func() (int, bool), inspector func(payload []byte) bool, timeout time.Duration) ([]byte, bool) {
	nodeID, ok := nodeSupplier()
	if !ok {
		return nil, false
	}
	remote, ok := t.registry.GetEndpoint(nodeID)
	if !ok {
		t.log().WithField("node", nodeID).Debug("Supplied node is not registered")
		return nil, false
	}

	rc := t.NewRequestController()
	rc.autoClose = true

	inner, err := rc.open(remoteTarget(remote), nil, buf, nil, nil, timeout)
	if err != nil {
		return nil, false
	}

	select {
	case <-inner.Done():
	case <-outer.Done():
		inner.Cancel()
		return nil, false
	}

	payload, err := inner.Result()
	if err != nil {
		t.log().WithError(err).WithField("node", nodeID).Debug("Request attempt failed")
		return nil, false
	}
	if inspector != nil && inspector(payload) {
		t.log().WithField("node", nodeID).Debug("Response was rejected by the inspector")
		return nil, false
	}
	return payload, true
}

// Close this ClientTransport. Active requests fail with ErrTransportClosed and all Channels are closed.
func (t *ClientTransport) Close() error {
	if !atomic.CompareAndSwapUint32(&t.closed, 0, 1) {
		return nil
	}
	close(t.closeSyn)

	var errs *multierror.Error
	if err := t.scheduler.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	for _, rc := range t.tracked() {
		rc.complete(rc.RequestID(), reqFail, nil, ErrTransportClosed)
	}

	t.leasesMutex.Lock()
	leases := t.leases
	t.leases = make(map[address.Endpoint]*lease)
	t.leasesMutex.Unlock()

	for _, l := range leases {
		l.future.Release()
	}

	<-t.pool.CloseAllChannelsAsync()
	t.metrics.unregister()

	t.log().Info("Client transport closed")
	return errs.ErrorOrNil()
}
