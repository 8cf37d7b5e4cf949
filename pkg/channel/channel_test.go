// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/frames"
)

// testServer accepts passive Channels on a random local port.
type testServer struct {
	ln       net.Listener
	endpoint address.Endpoint
	channels chan *Channel
}

func newTestServer(t *testing.T, conf Config, handler Handler, listeners ...Listener) *testServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ts := &testServer{
		ln:       ln,
		endpoint: address.MustParseEndpoint(ln.Addr().String()),
		channels: make(chan *Channel, 16),
	}

	go func() {
		for streamID := uint32(1); ; streamID++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func(conn net.Conn, streamID uint32) {
				if ch, err := Accept(conn, streamID, conf, handler, listeners...); err == nil {
					ts.channels <- ch
				}
			}(conn, streamID)
		}
	}()

	t.Cleanup(func() { _ = ln.Close() })
	return ts
}

func (ts *testServer) next(t *testing.T) *Channel {
	select {
	case ch := <-ts.channels:
		return ch
	case <-time.After(5 * time.Second):
		t.Fatal("server accepted no channel")
		return nil
	}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// advanceUntil moves a mock clock forward in steps until the condition holds.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, msg string, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s at %v", msg, mock.Now())
		}
		mock.Add(step)
		time.Sleep(5 * time.Millisecond)
	}
}

// closedPortEndpoint returns an Endpoint without any listener.
func closedPortEndpoint(t *testing.T) address.Endpoint {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	endpoint := address.MustParseEndpoint(ln.Addr().String())
	_ = ln.Close()
	return endpoint
}

func payloadHandler(payloads chan<- []byte) Handler {
	return HandlerFunc(func(_ *Channel, _ uint32, f frames.Frame) bool {
		if mf, ok := f.(*frames.MessageFrame); ok {
			payloads <- mf.Payload
		}
		return true
	})
}

var echoHandler = HandlerFunc(func(ch *Channel, _ uint32, f frames.Frame) bool {
	mf, ok := f.(*frames.MessageFrame)
	if !ok {
		return true
	}
	return ch.Offer(frames.NewMessageFrame(mf.Payload), nil)
})

func openChannel(t *testing.T, endpoint address.Endpoint, conf Config, handler Handler, listeners ...Listener) *Channel {
	ch, err := New(endpoint, 1, conf, handler)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range listeners {
		ch.AddListener(l)
	}

	if err := ch.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestChannelOpenClose(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), echoHandler)

	var opened, closed int32
	listener := ListenerFuncs{
		Opened: func(*Channel) { atomic.AddInt32(&opened, 1) },
		Closed: func(*Channel) { atomic.AddInt32(&closed, 1) },
	}

	payloads := make(chan []byte, 8)
	ch := openChannel(t, ts.endpoint, DefaultConfig(), payloadHandler(payloads), listener)
	serverCh := ts.next(t)

	if !ch.IsReady() || ch.Generation() != 1 {
		t.Fatalf("channel is %v with generation %d", ch.State(), ch.Generation())
	}
	if n := atomic.LoadInt32(&opened); n != 1 {
		t.Fatalf("opened %d times", n)
	}
	if peer, ok := ch.Peer(); !ok || peer.Keepalive != 5*time.Second {
		t.Fatalf("unexpected peer %v", peer)
	}

	var writtenFlag int32 = -1
	if !ch.Offer(frames.NewMessageFrame([]byte("hello")), func(written bool) {
		if written {
			atomic.StoreInt32(&writtenFlag, 1)
		} else {
			atomic.StoreInt32(&writtenFlag, 0)
		}
	}) {
		t.Fatal("offer was rejected")
	}

	select {
	case p := <-payloads:
		if !bytes.Equal(p, []byte("hello")) {
			t.Fatalf("received %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo received")
	}
	if atomic.LoadInt32(&writtenFlag) != 1 {
		t.Fatal("done was not called with written")
	}

	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if state := ch.State(); state != Closed {
		t.Fatalf("channel is %v after close", state)
	}
	if n := atomic.LoadInt32(&closed); n != 1 {
		t.Fatalf("closed %d times", n)
	}
	if ch.Offer(frames.NewMessageFrame(nil), nil) {
		t.Fatal("closed channel accepted an offer")
	}

	// The passive side closes after losing its peer and never reopens.
	select {
	case <-serverCh.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server channel was not closed")
	}
	if state := serverCh.State(); state != Closed {
		t.Fatalf("server channel is %v", state)
	}

	// A second close is a no-op.
	_ = ch.Close()
	if n := atomic.LoadInt32(&closed); n != 1 {
		t.Fatalf("closed %d times after second close", n)
	}
}

func TestChannelOpenFailed(t *testing.T) {
	var closed int32
	ch, err := New(closedPortEndpoint(t), 1, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ch.AddListener(ListenerFuncs{Closed: func(*Channel) { atomic.AddInt32(&closed, 1) }})

	if err := ch.Open(context.Background()); err == nil {
		t.Fatal("opening a channel without a server succeeded")
	}

	if state := ch.State(); state != Failed {
		t.Fatalf("channel is %v", state)
	}
	select {
	case <-ch.Done():
	default:
		t.Fatal("failed channel is not done")
	}
	if n := atomic.LoadInt32(&closed); n != 1 {
		t.Fatalf("closed %d times", n)
	}

	if err := ch.Open(context.Background()); err == nil {
		t.Fatal("failed channel was opened again")
	}
}

func TestChannelCloseWhileConnecting(t *testing.T) {
	ch, err := New(closedPortEndpoint(t), 1, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if state := ch.State(); state != Closed {
		t.Fatalf("channel is %v", state)
	}
	if err := ch.Open(context.Background()); err == nil {
		t.Fatal("closed channel was opened")
	}
}

func TestChannelSelfConnect(t *testing.T) {
	conf := DefaultConfig()
	ts := newTestServer(t, conf, nil)

	ch, err := New(ts.endpoint, 1, conf, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := ch.Open(context.Background()); !errors.Is(err, ErrSelfConnect) {
		t.Fatalf("expected self connect error, got %v", err)
	}
	if state := ch.State(); state != Failed {
		t.Fatalf("channel is %v", state)
	}
}

func TestChannelControlFramesUnderBackpressure(t *testing.T) {
	const amount = 300000

	var received, lastSeq uint64
	var outOfOrder int32
	serverListener := ListenerFuncs{
		ControlFrame: func(_ *Channel, f *frames.ControlFrame) {
			if f.Kind != frames.Ping {
				return
			}
			if f.Seq != atomic.LoadUint64(&lastSeq)+1 {
				atomic.StoreInt32(&outOfOrder, 1)
			}
			atomic.StoreUint64(&lastSeq, f.Seq)
			atomic.AddUint64(&received, 1)
		},
	}
	ts := newTestServer(t, DefaultConfig(), nil, serverListener)

	ch := openChannel(t, ts.endpoint, DefaultConfig(), nil)
	defer func() { _ = ch.Close() }()

	var rejected int
	for seq := uint64(1); seq <= amount; {
		if ch.ScheduleControlFrame(frames.NewControlFrame(frames.Ping, seq)) {
			seq++
		} else {
			rejected++
			runtime.Gosched()
		}
	}

	deadline := time.Now().Add(30 * time.Second)
	for atomic.LoadUint64(&received) < amount {
		if time.Now().After(deadline) {
			t.Fatalf("received %d of %d control frames", atomic.LoadUint64(&received), amount)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if atomic.LoadInt32(&outOfOrder) != 0 {
		t.Fatal("control frames were reordered")
	}
	t.Logf("%d control frames were rejected under backpressure", rejected)
}

func TestChannelPingPong(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil, NewPongListener())

	pongs := make(chan uint64, 1)
	ch := openChannel(t, ts.endpoint, DefaultConfig(), nil, ListenerFuncs{
		ControlFrame: func(_ *Channel, f *frames.ControlFrame) {
			if f.Kind == frames.Pong {
				pongs <- f.Seq
			}
		},
	})
	defer func() { _ = ch.Close() }()

	seq, ok := ch.Ping()
	if !ok {
		t.Fatal("ping was rejected")
	}

	select {
	case pongSeq := <-pongs:
		if pongSeq != seq {
			t.Fatalf("pong %d for ping %d", pongSeq, seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestChannelKeepAlive(t *testing.T) {
	serverConf := DefaultConfig()
	serverConf.Keepalive = 0
	serverConf.StallTimeout = -1

	var keepalives int32
	ts := newTestServer(t, serverConf, nil, ListenerFuncs{
		ControlFrame: func(_ *Channel, f *frames.ControlFrame) {
			if f.Kind == frames.KeepAlive {
				atomic.AddInt32(&keepalives, 1)
			}
		},
	})

	mock := clock.NewMock()
	conf := DefaultConfig()
	conf.Clock = mock
	conf.Keepalive = 4 * time.Second
	conf.StallTimeout = -1

	var sent int32
	ch := openChannel(t, ts.endpoint, conf, nil, ListenerFuncs{
		KeepAlive: func(*Channel) { atomic.AddInt32(&sent, 1) },
	})
	defer func() { _ = ch.Close() }()

	if ka := ch.Keepalive(); ka != 4*time.Second {
		t.Fatalf("negotiated keepalive is %v", ka)
	}

	// No keep-alive is due before the idle period passed.
	mock.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&sent); n != 0 {
		t.Fatalf("%d keep-alives sent too early", n)
	}

	advanceUntil(t, mock, time.Second, "a received keep-alive", func() bool {
		return atomic.LoadInt32(&keepalives) > 0
	})
	if atomic.LoadInt32(&sent) == 0 {
		t.Fatal("keep-alive listener was not called")
	}
}

func TestChannelStall(t *testing.T) {
	serverConf := DefaultConfig()
	serverConf.StallTimeout = -1
	ts := newTestServer(t, serverConf, nil)

	mock := clock.NewMock()
	conf := DefaultConfig()
	conf.Clock = mock
	conf.Keepalive = 4 * time.Second
	conf.StallTimeout = 8 * time.Second
	conf.ReopenOnError = false

	ch := openChannel(t, ts.endpoint, conf, nil)

	advanceUntil(t, mock, time.Second, "the stalled channel to close", ch.IsClosed)
	if state := ch.State(); state != Closed {
		t.Fatalf("channel is %v", state)
	}
}

func TestChannelReopen(t *testing.T) {
	serverConf := DefaultConfig()
	serverConf.Keepalive = 0
	ts := newTestServer(t, serverConf, echoHandler)

	mock := clock.NewMock()
	conf := DefaultConfig()
	conf.Clock = mock
	conf.Keepalive = 0
	conf.Backoff = Backoff{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2, MaxAttempts: 3}

	var opened, interrupted int32
	payloads := make(chan []byte, 8)
	ch := openChannel(t, ts.endpoint, conf, payloadHandler(payloads), ListenerFuncs{
		Opened:      func(*Channel) { atomic.AddInt32(&opened, 1) },
		Interrupted: func(*Channel, error) { atomic.AddInt32(&interrupted, 1) },
	})
	defer func() { _ = ch.Close() }()

	_ = ts.next(t).Close()

	waitFor(t, "the interruption", func() bool { return atomic.LoadInt32(&interrupted) == 1 })
	if ch.Offer(frames.NewMessageFrame(nil), nil) {
		t.Fatal("interrupted channel accepted an offer")
	}

	advanceUntil(t, mock, 500*time.Millisecond, "the reopened channel", func() bool {
		return atomic.LoadInt32(&opened) == 2
	})
	if gen := ch.Generation(); gen != 2 {
		t.Fatalf("reopened channel has generation %d", gen)
	}

	if !ch.Offer(frames.NewMessageFrame([]byte("again")), nil) {
		t.Fatal("reopened channel rejected an offer")
	}
	select {
	case p := <-payloads:
		if string(p) != "again" {
			t.Fatalf("received %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo after reopening")
	}
}

func TestChannelReopenGiveUp(t *testing.T) {
	serverConf := DefaultConfig()
	serverConf.Keepalive = 0
	ts := newTestServer(t, serverConf, nil)

	mock := clock.NewMock()
	conf := DefaultConfig()
	conf.Clock = mock
	conf.Keepalive = 0
	conf.Backoff = Backoff{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1, MaxAttempts: 2}

	var closed int32
	ch := openChannel(t, ts.endpoint, conf, nil, ListenerFuncs{
		Closed: func(*Channel) { atomic.AddInt32(&closed, 1) },
	})

	_ = ts.ln.Close()
	_ = ts.next(t).Close()

	advanceUntil(t, mock, 500*time.Millisecond, "giving up", ch.IsClosed)
	if state := ch.State(); state != Closed {
		t.Fatalf("channel is %v", state)
	}
	if n := atomic.LoadInt32(&closed); n != 1 {
		t.Fatalf("closed %d times", n)
	}
}

func TestChannelReopenGate(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	var interrupted int32
	ch := openChannel(t, ts.endpoint, DefaultConfig(), nil, ListenerFuncs{
		Interrupted: func(*Channel, error) { atomic.AddInt32(&interrupted, 1) },
	})
	ch.SetReopenGate(func(*Channel) bool { return false })

	_ = ts.next(t).Close()

	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("gated channel was not closed")
	}
	if n := atomic.LoadInt32(&interrupted); n != 0 {
		t.Fatalf("gated channel was interrupted %d times", n)
	}
}

func TestChannelHandlerPostpones(t *testing.T) {
	var calls int32
	received := make(chan string, 8)
	handler := HandlerFunc(func(_ *Channel, _ uint32, f frames.Frame) bool {
		mf := f.(*frames.MessageFrame)
		if string(mf.Payload) == "first" && atomic.AddInt32(&calls, 1) < 4 {
			return false
		}
		received <- string(mf.Payload)
		return true
	})
	ts := newTestServer(t, DefaultConfig(), handler)

	ch := openChannel(t, ts.endpoint, DefaultConfig(), nil)
	defer func() { _ = ch.Close() }()

	for _, p := range []string{"first", "second"} {
		if !ch.Offer(frames.NewMessageFrame([]byte(p)), nil) {
			t.Fatalf("offer %q was rejected", p)
		}
	}

	for _, expected := range []string{"first", "second"} {
		select {
		case p := <-received:
			if p != expected {
				t.Fatalf("expected %q, received %q", expected, p)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%q was not delivered", expected)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 4 {
		t.Fatalf("handler was called %d times for the postponed frame", n)
	}
}

func TestChannelHandlerPanic(t *testing.T) {
	received := make(chan string, 8)
	handler := HandlerFunc(func(_ *Channel, _ uint32, f frames.Frame) bool {
		mf := f.(*frames.MessageFrame)
		if string(mf.Payload) == "panic" {
			panic("handler failure")
		}
		received <- string(mf.Payload)
		return true
	})
	ts := newTestServer(t, DefaultConfig(), handler)

	ch := openChannel(t, ts.endpoint, DefaultConfig(), nil, ListenerFuncs{
		Opened: func(*Channel) { panic("listener failure") },
	})
	defer func() { _ = ch.Close() }()

	_ = ch.Offer(frames.NewMessageFrame([]byte("panic")), nil)
	_ = ch.Offer(frames.NewMessageFrame([]byte("after")), nil)

	select {
	case p := <-received:
		if p != "after" {
			t.Fatalf("received %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not survive a panicking handler")
	}
}

func TestChannelWebSocket(t *testing.T) {
	serverConf := DefaultConfig()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		if _, err := AcceptWebSocket(conn, 1, serverConf, echoHandler); err != nil {
			t.Error(err)
		}
	}))
	defer server.Close()

	conf := DefaultConfig()
	conf.Dial.Network = WebSocket
	conf.Dial.WebSocketPath = "/"

	payloads := make(chan []byte, 1)
	endpoint := address.MustParseEndpoint(strings.TrimPrefix(server.URL, "http://"))
	ch := openChannel(t, endpoint, conf, payloadHandler(payloads))
	defer func() { _ = ch.Close() }()

	if !ch.Offer(frames.NewMessageFrame([]byte("ws")), nil) {
		t.Fatal("offer was rejected")
	}
	select {
	case p := <-payloads:
		if string(p) != "ws" {
			t.Fatalf("received %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo via WebSocket")
	}
}

// recordingConn records written frames.
type recordingConn struct {
	mutex   sync.Mutex
	written []frames.Frame
	flushes int
}

func (rc *recordingConn) Close() error { return nil }

func (rc *recordingConn) Handshake(*frames.ContactHeader, bool, time.Duration) (*frames.ContactHeader, error) {
	return nil, fmt.Errorf("no handshake")
}

func (rc *recordingConn) ReadFrame() (frames.Frame, error) { return nil, fmt.Errorf("no frames") }

func (rc *recordingConn) WriteFrame(f frames.Frame) error {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	rc.written = append(rc.written, f)
	return nil
}

func (rc *recordingConn) Flush() error {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	rc.flushes++
	return nil
}

func (rc *recordingConn) RemoteAddr() string { return "recording" }

func TestChannelFlushDropsStaleGeneration(t *testing.T) {
	ch := newChannel(address.MustParseEndpoint("127.0.0.1:1"), 7, false, DefaultConfig(), nil)
	conn := &recordingConn{}
	inc := &incarnation{conn: conn, generation: 2, stop: make(chan struct{})}

	results := make(map[string]bool)
	record := func(name string) func(bool) {
		return func(written bool) { results[name] = written }
	}

	ch.data.Offer(outFrame{frame: frames.NewMessageFrame([]byte("stale")), generation: 1, done: record("stale")})
	ch.data.Offer(outFrame{frame: frames.NewMessageFrame([]byte("current")), generation: 2, done: record("current")})
	ch.control.Offer(outFrame{frame: frames.NewControlFrame(frames.Ping, 1), generation: 2})

	if err := ch.flush(inc); err != nil {
		t.Fatal(err)
	}

	if len(conn.written) != 2 {
		t.Fatalf("%d frames were written", len(conn.written))
	}
	if _, ok := conn.written[0].(*frames.ControlFrame); !ok {
		t.Fatalf("first written frame is %v", conn.written[0])
	}
	if mf, ok := conn.written[1].(*frames.MessageFrame); !ok || string(mf.Payload) != "current" {
		t.Fatalf("second written frame is %v", conn.written[1])
	} else if mf.StreamID != 7 || mf.Generation != 2 {
		t.Fatalf("frame header is %v", mf.Header)
	}

	if written, ok := results["stale"]; !ok || written {
		t.Fatal("stale frame was not dropped")
	}
	if written, ok := results["current"]; !ok || !written {
		t.Fatal("current frame was not reported as written")
	}
}

func TestChannelOfferRequiresReady(t *testing.T) {
	ch := newChannel(address.MustParseEndpoint("127.0.0.1:1"), 1, false, DefaultConfig(), nil)

	called := false
	if ch.Offer(frames.NewMessageFrame(nil), func(bool) { called = true }) {
		t.Fatal("connecting channel accepted an offer")
	}
	if ch.ScheduleControlFrame(frames.NewControlFrame(frames.Ping, 1)) {
		t.Fatal("connecting channel accepted a control frame")
	}
	if called {
		t.Fatal("done was called for a rejected offer")
	}
}

func TestNegotiateKeepalive(t *testing.T) {
	tests := []struct {
		local, peer, expected time.Duration
	}{
		{0, 0, 0},
		{time.Second, 0, time.Second},
		{0, time.Second, time.Second},
		{time.Second, 2 * time.Second, time.Second},
		{3 * time.Second, 2 * time.Second, 2 * time.Second},
	}

	for _, test := range tests {
		if ka := negotiateKeepalive(test.local, test.peer); ka != test.expected {
			t.Fatalf("negotiating %v and %v resulted in %v", test.local, test.peer, ka)
		}
	}
}
