// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/channel/internal/wire"
	"github.com/dtn7/dtn7-transport/pkg/frames"
	"github.com/dtn7/dtn7-transport/pkg/ring"
)

// ErrSelfConnect is returned when a Channel was connected to its own node instance.
var ErrSelfConnect = errors.New("channel connected to itself")

// outFrame is a queued outbound frame, bound to the generation it was offered for.
type outFrame struct {
	frame      frames.Frame
	generation uint32
	done       func(written bool)
}

func (of outFrame) finish(written bool) {
	if of.done != nil {
		of.done(written)
	}
}

// incarnation is a single connection of a Channel. A reopened Channel gets a new incarnation.
type incarnation struct {
	conn       wire.Conn
	peer       *frames.ContactHeader
	keepalive  time.Duration
	generation uint32

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// failed is accessed by sync.atomic functions; the first reported failure wins
	failed uint32
}

// shutdown stops this incarnation's goroutines. Errors reported afterwards are ignored.
func (inc *incarnation) shutdown() {
	inc.stopOnce.Do(func() {
		atomic.StoreUint32(&inc.failed, 1)
		close(inc.stop)
		_ = inc.conn.Close()
	})
}

// Channel is a single bidirectional connection to a remote Endpoint, multiplexing many frames.
//
// Outbound frames are queued in bounded rings and written by the Channel's writer goroutine; control frames take
// precedence over data frames. Inbound data frames are passed to the Handler, control frames to the Listeners.
type Channel struct {
	endpoint address.Endpoint
	streamID uint32
	passive  bool
	conf     Config
	clock    clock.Clock
	handler  Handler

	listenersMutex sync.RWMutex
	listeners      []Listener
	reopenGate     func(ch *Channel) bool

	// mutex guards the fields below; no callback is invoked while holding it
	mutex      sync.Mutex
	state      State
	generation uint32
	inc        *incarnation

	data    *ring.Buffer[outFrame]
	control *ring.Buffer[outFrame]
	wakeup  chan struct{}

	// lastSend and lastReceive are UnixNano timestamps of the Clock, accessed by sync.atomic functions
	lastSend    int64
	lastReceive int64
	controlSeq  uint64

	closeSyn  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newChannel(endpoint address.Endpoint, streamID uint32, passive bool, conf Config, handler Handler) *Channel {
	if conf.Clock == nil {
		conf.Clock = clock.New()
	}
	if handler == nil {
		handler = HandlerFunc(func(ch *Channel, _ uint32, f frames.Frame) bool {
			ch.log().WithField("frame", f).Debug("Channel without handler dropped frame")
			return true
		})
	}

	return &Channel{
		endpoint: endpoint,
		streamID: streamID,
		passive:  passive,
		conf:     conf,
		clock:    conf.Clock,
		handler:  handler,

		state: Connecting,

		data:    ring.NewBuffer[outFrame](conf.SendBufferSize),
		control: ring.NewBuffer[outFrame](conf.ControlBufferSize),
		wakeup:  make(chan struct{}, 1),

		closeSyn: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// New creates a Channel to an Endpoint in the Connecting State. Open must be called to connect it.
func New(endpoint address.Endpoint, streamID uint32, conf Config, handler Handler) (*Channel, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return newChannel(endpoint, streamID, false, conf, handler), nil
}

// Accept an incoming connection as a passive Channel. Passive Channels never reopen. The Listeners are registered
// before the handshake, so that they observe the Channel's opening.
func Accept(conn net.Conn, streamID uint32, conf Config, handler Handler, listeners ...Listener) (*Channel, error) {
	return accept(acceptStream(conn, conf.MaxFrameSize), conn.RemoteAddr().String(), streamID, conf, handler, listeners)
}

// AcceptWebSocket is like Accept for an upgraded WebSocket connection.
func AcceptWebSocket(conn *websocket.Conn, streamID uint32, conf Config, handler Handler, listeners ...Listener) (*Channel, error) {
	return accept(wire.NewWebSocketConn(conn, conf.MaxFrameSize), conn.RemoteAddr().String(), streamID, conf, handler, listeners)
}

func accept(conn wire.Conn, remote string, streamID uint32, conf Config, handler Handler, listeners []Listener) (*Channel, error) {
	if err := conf.Validate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	endpoint, err := address.ParseEndpoint(remote)
	if err != nil {
		endpoint = address.Unresolved()
	}

	ch := newChannel(endpoint, streamID, true, conf, handler)
	for _, l := range listeners {
		ch.AddListener(l)
	}

	inc, err := ch.handshake(conn, false)
	if err != nil {
		_ = conn.Close()
		_ = ch.apply(evConnectFailed, err)
		return nil, err
	}

	if err := ch.activate(inc); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ch, nil
}

func (ch *Channel) String() string {
	return fmt.Sprintf("channel(%v#%d)", ch.endpoint, ch.streamID)
}

func (ch *Channel) log() *log.Entry {
	return log.WithField("channel", ch.String())
}

// Endpoint of the remote peer.
func (ch *Channel) Endpoint() address.Endpoint {
	return ch.endpoint
}

// StreamID of this Channel, unique within its pool or server.
func (ch *Channel) StreamID() uint32 {
	return ch.streamID
}

// IsPassive is true for accepted Channels.
func (ch *Channel) IsPassive() bool {
	return ch.passive
}

// AddListener registers another Listener.
func (ch *Channel) AddListener(l Listener) {
	ch.listenersMutex.Lock()
	defer ch.listenersMutex.Unlock()

	ch.listeners = append(ch.listeners, l)
}

// SetReopenGate installs a function asked before each reopen attempt. A Channel is only reopened if the gate allows
// it; otherwise it closes.
func (ch *Channel) SetReopenGate(gate func(ch *Channel) bool) {
	ch.listenersMutex.Lock()
	defer ch.listenersMutex.Unlock()

	ch.reopenGate = gate
}

func (ch *Channel) mayReopen() bool {
	if !ch.conf.ReopenOnError || ch.passive {
		return false
	}

	ch.listenersMutex.RLock()
	gate := ch.reopenGate
	ch.listenersMutex.RUnlock()

	return gate == nil || gate(ch)
}

// State of this Channel.
func (ch *Channel) State() State {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	return ch.state
}

// IsReady checks if this Channel currently accepts frames.
func (ch *Channel) IsReady() bool {
	return ch.State() == Ready
}

// IsClosing checks if this Channel is shutting down.
func (ch *Channel) IsClosing() bool {
	return ch.State() == Closing
}

// IsClosed checks if this Channel reached a terminal State, Closed or Failed.
func (ch *Channel) IsClosed() bool {
	return ch.State().IsTerminal()
}

// Done is closed after this Channel reached a terminal State.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Generation of the current incarnation. It starts at one after the first open and increases with each reopen.
func (ch *Channel) Generation() uint32 {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	return ch.generation
}

// Peer returns the ContactHeader received from the current incarnation's peer, if any.
func (ch *Channel) Peer() (frames.ContactHeader, bool) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if ch.inc == nil {
		return frames.ContactHeader{}, false
	}
	return *ch.inc.peer, true
}

// Keepalive negotiated for the current incarnation.
func (ch *Channel) Keepalive() time.Duration {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if ch.inc == nil {
		return 0
	}
	return ch.inc.keepalive
}

// Pending returns the amount of queued data and control frames.
func (ch *Channel) Pending() (data, control int) {
	return ch.data.Len(), ch.control.Len()
}

// Open dials the Endpoint and performs the handshake. This method blocks until the Channel is Ready or Failed.
func (ch *Channel) Open(ctx context.Context) error {
	if ch.passive {
		return fmt.Errorf("passive %v cannot be opened", ch)
	}
	if state := ch.State(); state != Connecting {
		return fmt.Errorf("%v is %v, not connecting", ch, state)
	}

	ctx, cancel := ch.closeContext(ctx)
	defer cancel()

	inc, err := ch.connect(ctx)
	if err != nil {
		_ = ch.apply(evConnectFailed, err)
		return err
	}

	if err := ch.activate(inc); err != nil {
		_ = inc.conn.Close()
		return err
	}
	return nil
}

// closeContext derives a Context, which is also cancelled when this Channel is being closed.
func (ch *Channel) closeContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-ch.closeSyn:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// connect dials a new connection and exchanges ContactHeaders.
func (ch *Channel) connect(ctx context.Context) (*incarnation, error) {
	conn, err := dialConn(ctx, ch.endpoint, ch.conf.Dial, ch.conf.MaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("dialing %v: %w", ch.endpoint, err)
	}

	inc, err := ch.handshake(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return inc, nil
}

func (ch *Channel) handshake(conn wire.Conn, active bool) (*incarnation, error) {
	local := frames.NewContactHeader(ch.conf.NodeID, ch.conf.InstanceID, ch.conf.Keepalive)

	peer, err := conn.Handshake(local, active, ch.conf.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("handshake with %s: %w", conn.RemoteAddr(), err)
	}
	if peer.InstanceID == ch.conf.InstanceID {
		return nil, ErrSelfConnect
	}

	return &incarnation{
		conn:      conn,
		peer:      peer,
		keepalive: negotiateKeepalive(ch.conf.Keepalive, peer.Keepalive),
		stop:      make(chan struct{}),
	}, nil
}

// negotiateKeepalive picks the smaller, non-zero keep-alive.
func negotiateKeepalive(local, peer time.Duration) time.Duration {
	switch {
	case local == 0:
		return peer
	case peer == 0:
		return local
	case peer < local:
		return peer
	default:
		return local
	}
}

// activate a connected incarnation and start its goroutines.
func (ch *Channel) activate(inc *incarnation) error {
	ch.mutex.Lock()
	next, cmd, err := transition(ch.state, evConnected)
	if err != nil {
		ch.mutex.Unlock()
		return err
	}

	ch.state = next
	ch.generation++
	inc.generation = ch.generation
	ch.inc = inc

	now := ch.clock.Now().UnixNano()
	atomic.StoreInt64(&ch.lastSend, now)
	atomic.StoreInt64(&ch.lastReceive, now)

	inc.wg.Add(2)
	go ch.readLoop(inc)
	go ch.writeLoop(inc)
	ch.mutex.Unlock()

	ch.log().WithFields(log.Fields{
		"generation": inc.generation,
		"peer":       inc.peer.NodeID,
		"remote":     inc.conn.RemoteAddr(),
		"keepalive":  inc.keepalive,
	}).Info("Channel opened")

	ch.execute(cmd, inc, nil)
	return nil
}

// apply an event to the current State and execute the resulting command.
func (ch *Channel) apply(ev event, cause error) error {
	ch.mutex.Lock()
	prev := ch.state
	next, cmd, err := transition(prev, ev)
	if err != nil {
		ch.mutex.Unlock()
		return err
	}
	ch.state = next
	inc := ch.inc
	ch.mutex.Unlock()

	ch.log().WithFields(log.Fields{
		"from":  prev,
		"to":    next,
		"event": ev,
	}).Debug("Channel changed state")

	ch.execute(cmd, inc, cause)
	return nil
}

func (ch *Channel) execute(cmd command, inc *incarnation, cause error) {
	switch cmd {
	case cmdNone:

	case cmdNotifyOpened:
		ch.notify(func(l Listener) { l.OnOpened(ch) })

	case cmdNotifyFailed:
		ch.closeOnce.Do(func() { close(ch.closeSyn) })
		ch.discardQueues()

		ch.log().WithError(cause).Info("Channel failed to connect")
		ch.notify(func(l Listener) { l.OnClosed(ch) })
		close(ch.done)

	case cmdStartReopen:
		ch.notify(func(l Listener) { l.OnInterrupted(ch, cause) })
		go ch.reopen(inc)

	case cmdFinishClose:
		ch.closeOnce.Do(func() { close(ch.closeSyn) })
		go ch.finishClose()

	case cmdNotifyClosed:
		ch.log().Info("Channel closed")
		ch.notify(func(l Listener) { l.OnClosed(ch) })
		close(ch.done)
	}
}

// notify all Listeners, isolating panics.
func (ch *Channel) notify(f func(l Listener)) {
	ch.listenersMutex.RLock()
	listeners := make([]Listener, len(ch.listeners))
	copy(listeners, ch.listeners)
	ch.listenersMutex.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ch.log().WithFields(log.Fields{
						"listener": l,
						"panic":    r,
					}).Error("Channel listener panicked")
				}
			}()

			f(l)
		}()
	}
}

// fail reports an I/O error of an incarnation. Only the first error of the current, Ready incarnation counts.
func (ch *Channel) fail(inc *incarnation, err error) {
	if !atomic.CompareAndSwapUint32(&inc.failed, 0, 1) {
		return
	}

	ev := evIOError
	if ch.mayReopen() {
		ev = evIOErrorReopen
	}

	ch.mutex.Lock()
	if ch.inc != inc {
		ch.mutex.Unlock()
		return
	}
	next, cmd, tErr := transition(ch.state, ev)
	if tErr != nil {
		ch.mutex.Unlock()
		return
	}
	ch.state = next
	ch.mutex.Unlock()

	ch.log().WithError(err).WithField("state", next).Warn("Channel's connection failed")

	ch.execute(cmd, inc, err)
}

// reopen an interrupted Channel, based on the configured Backoff.
func (ch *Channel) reopen(old *incarnation) {
	old.shutdown()
	old.wg.Wait()
	ch.discardQueues()

	for attempt := 0; ; attempt++ {
		if ch.conf.Backoff.Exhausted(attempt) || !ch.mayReopen() {
			ch.log().WithField("attempts", attempt).Info("Channel gives up reopening")
			_ = ch.apply(evGiveUp, nil)
			return
		}

		select {
		case <-ch.closeSyn:
			return
		case <-ch.clock.After(ch.conf.Backoff.Delay(attempt)):
		}

		ctx, cancel := ch.closeContext(context.Background())
		inc, err := ch.connect(ctx)
		cancel()

		if err != nil {
			ch.log().WithError(err).WithField("attempt", attempt).Debug("Channel failed to reopen")
			continue
		}

		if err := ch.activate(inc); err != nil {
			_ = inc.conn.Close()
		}
		return
	}
}

// finishClose shuts down the current incarnation and completes the transition to Closed.
func (ch *Channel) finishClose() {
	ch.mutex.Lock()
	inc := ch.inc
	ch.mutex.Unlock()

	if inc != nil {
		inc.shutdown()
		inc.wg.Wait()
	}

	ch.discardQueues()

	if err := ch.apply(evClosed, nil); err != nil {
		ch.log().WithError(err).Error("Channel failed to finish closing")
	}
}

// CloseAsync starts closing this Channel. The returned channel is closed after the Channel reached a terminal State.
func (ch *Channel) CloseAsync() <-chan struct{} {
	_ = ch.apply(evClose, nil)
	return ch.done
}

// Close this Channel and wait until it is Closed.
func (ch *Channel) Close() error {
	<-ch.CloseAsync()
	return nil
}

// discardQueues drops all queued frames.
func (ch *Channel) discardQueues() {
	for _, of := range ch.control.Drain(0) {
		of.finish(false)
	}
	for _, of := range ch.data.Drain(0) {
		of.finish(false)
	}
}

func (ch *Channel) signal() {
	select {
	case ch.wakeup <- struct{}{}:
	default:
	}
}

// Offer a data frame to be sent. False is returned if the Channel is not Ready or its send ring is full; the done
// function is not called in this case. Otherwise, done is called once the frame was written or dropped.
func (ch *Channel) Offer(f frames.Frame, done func(written bool)) bool {
	_, ok := ch.Enqueue(f, done)
	return ok
}

// Enqueue is like Offer, but also returns the generation the frame was queued for. Responses to this frame are
// only valid if they arrive on the same generation.
func (ch *Channel) Enqueue(f frames.Frame, done func(written bool)) (generation uint32, ok bool) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if ch.state != Ready {
		return 0, false
	}
	if !ch.data.Offer(outFrame{frame: f, generation: ch.generation, done: done}) {
		return 0, false
	}

	ch.signal()
	return ch.generation, true
}

// ScheduleControlFrame queues a control frame, sent before any queued data frame. False is returned under
// backpressure or if the Channel is not Ready; the caller might retry or drop the frame.
func (ch *Channel) ScheduleControlFrame(f *frames.ControlFrame) bool {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	if ch.state != Ready {
		return false
	}
	if !ch.control.Offer(outFrame{frame: f, generation: ch.generation}) {
		return false
	}

	ch.signal()
	return true
}

// Ping schedules a Ping control frame and returns its sequence number.
func (ch *Channel) Ping() (seq uint64, ok bool) {
	seq = atomic.AddUint64(&ch.controlSeq, 1)
	ok = ch.ScheduleControlFrame(frames.NewControlFrame(frames.Ping, seq))
	return
}
