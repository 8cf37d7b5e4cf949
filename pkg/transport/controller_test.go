// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRequestTransition(t *testing.T) {
	tests := []struct {
		from RequestState
		ev   requestEvent
		to   RequestState
		ok   bool
	}{
		{Created, reqOpen, AwaitingChannel, true},
		{Closed, reqOpen, AwaitingChannel, true},
		{AwaitingChannel, reqOpen, 0, false},
		{Completed, reqOpen, 0, false},

		{AwaitingChannel, reqOffered, Sent, true},
		{Sent, reqWritten, AwaitingResponse, true},
		{AwaitingChannel, reqWritten, 0, false},

		{Sent, reqResponse, Completed, true},
		{AwaitingResponse, reqResponse, Completed, true},
		{AwaitingChannel, reqResponse, 0, false},

		{AwaitingChannel, reqChannelLost, 0, false},
		{AwaitingResponse, reqChannelLost, Failed, true},

		{AwaitingChannel, reqTimeout, TimedOut, true},
		{AwaitingResponse, reqTimeout, TimedOut, true},
		{TimedOut, reqTimeout, 0, false},

		{Completed, reqResponse, 0, false},
		{Failed, reqResponse, 0, false},
		{TimedOut, reqFail, 0, false},

		{Completed, reqClose, Closed, true},
		{TimedOut, reqClose, Closed, true},
		{AwaitingResponse, reqClose, 0, false},
	}

	for _, test := range tests {
		to, ok := requestTransition(test.from, test.ev)
		if ok != test.ok || (ok && to != test.to) {
			t.Fatalf("%v on %d: expected (%v, %t), got (%v, %t)", test.from, test.ev, test.to, test.ok, to, ok)
		}
	}
}

func TestRequestStateIsTerminal(t *testing.T) {
	for _, state := range []RequestState{Created, AwaitingChannel, Sent, AwaitingResponse, Closed} {
		if state.IsTerminal() {
			t.Fatalf("%v is terminal", state)
		}
	}
	for _, state := range []RequestState{Completed, Failed, TimedOut} {
		if !state.IsTerminal() {
			t.Fatalf("%v is not terminal", state)
		}
	}
}

func TestRequestControllerLifecycle(t *testing.T) {
	s := newTestServer(t, nil, EchoRequestHandler)
	ct := newTestClient(t, testClientConfig(nil))

	ct.RegisterEndpoint(1, serverEndpoint(s))
	ra, _ := ct.Registry().GetEndpoint(1)

	rc := ct.NewRequestController()
	if state := rc.State(); state != Created {
		t.Fatalf("fresh controller is %v", state)
	}

	if err := rc.Open(ra, BytesWriter("first"), nil, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := rc.Open(ra, BytesWriter("second"), nil, 5*time.Second); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState, got %v", err)
	}

	firstID := rc.RequestID()
	payload, err := wait(t, rc.Future())
	if err != nil {
		t.Fatal(err)
	} else if string(payload) != "first" {
		t.Fatalf("unexpected response %q", payload)
	}
	if state := rc.State(); state != Completed {
		t.Fatalf("answered controller is %v", state)
	}

	if err := rc.Open(ra, BytesWriter("second"), nil, 5*time.Second); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState for a completed controller, got %v", err)
	}

	rc.Close()
	if state := rc.State(); state != Closed {
		t.Fatalf("closed controller is %v", state)
	}

	if err := rc.Open(ra, BytesWriter("second"), nil, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if rc.RequestID() == firstID {
		t.Fatal("reopened controller reused its request ID")
	}
	if payload, err := wait(t, rc.Future()); err != nil {
		t.Fatal(err)
	} else if string(payload) != "second" {
		t.Fatalf("unexpected response %q", payload)
	}

	stats := ct.RequestMemory().Stats()
	if stats.Allocations != 2 || stats.Reclaims != 2 || stats.DoubleReclaims != 0 {
		t.Fatalf("unexpected request memory %+v", stats)
	}
}

func TestRequestControllerReader(t *testing.T) {
	s := newTestServer(t, nil, EchoRequestHandler)
	ct := newTestClient(t, testClientConfig(nil))

	ct.RegisterEndpoint(1, serverEndpoint(s))
	ra, _ := ct.Registry().GetEndpoint(1)

	var read []byte
	rc := ct.NewRequestController()
	reader := func(payload []byte) error {
		read = append([]byte(nil), payload...)
		return nil
	}
	if err := rc.Open(ra, BytesWriter("decode me"), reader, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, rc.Future()); err != nil {
		t.Fatal(err)
	}
	if string(read) != "decode me" {
		t.Fatalf("reader got %q", read)
	}

	rc.Close()

	readerErr := errors.New("malformed response")
	if err := rc.Open(ra, BytesWriter("ping"), func([]byte) error { return readerErr }, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, rc.Future()); !errors.Is(err, readerErr) {
		t.Fatalf("expected the reader's error, got %v", err)
	}
	if state := rc.State(); state != Failed {
		t.Fatalf("controller with a reader error is %v", state)
	}
}

func TestRequestControllerClose(t *testing.T) {
	ct := newTestClient(t, testClientConfig(nil))
	ct.RegisterEndpoint(1, closedPortEndpoint(t))
	ra, _ := ct.Registry().GetEndpoint(1)

	rc := ct.NewRequestController()
	if err := rc.Open(ra, BytesWriter("ping"), nil, time.Minute); err != nil {
		t.Fatal(err)
	}
	future := rc.Future()

	rc.Close()
	if _, err := wait(t, future); !errors.Is(err, ErrRequestCanceled) {
		t.Fatalf("expected ErrRequestCanceled, got %v", err)
	}
	if state := rc.State(); state != Closed {
		t.Fatalf("closed controller is %v", state)
	}

	// A late completion of the closed request has no effect.
	if rc.complete(rc.RequestID(), reqResponse, []byte("late"), nil) {
		t.Fatal("closed request was completed again")
	}

	stats := ct.RequestMemory().Stats()
	if stats.Reclaims != 1 || stats.DoubleReclaims != 0 {
		t.Fatalf("unexpected request memory %+v", stats)
	}
}

func TestRequestControllerOpenNode(t *testing.T) {
	s := newTestServer(t, nil, EchoRequestHandler)
	ct := newTestClient(t, testClientConfig(nil))

	rc := ct.NewRequestController()
	if err := rc.OpenNode(5, BytesWriter("node"), nil, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if state := rc.State(); state != AwaitingChannel {
		t.Fatalf("request to an unregistered node is %v", state)
	}
	if !strings.Contains(rc.String(), "node 5") {
		t.Fatalf("unexpected description %v", rc)
	}

	ct.RegisterEndpoint(5, serverEndpoint(s))
	if payload, err := wait(t, rc.Future()); err != nil {
		t.Fatal(err)
	} else if string(payload) != "node" {
		t.Fatalf("unexpected response %q", payload)
	}
}

func TestRequestControllerInvalidTimeout(t *testing.T) {
	ct := newTestClient(t, testClientConfig(nil))
	ct.RegisterEndpoint(1, closedPortEndpoint(t))
	ra, _ := ct.Registry().GetEndpoint(1)

	rc := ct.NewRequestController()
	if err := rc.Open(ra, BytesWriter("ping"), nil, 0); err == nil {
		t.Fatal("request without a timeout was opened")
	}
	if state := rc.State(); state != Created {
		t.Fatalf("rejected controller is %v", state)
	}
	if stats := ct.RequestMemory().Stats(); stats.InUse != 0 {
		t.Fatalf("rejected request leaked memory: %+v", stats)
	}
}

func TestTimeoutError(t *testing.T) {
	err := error(&TimeoutError{Timeout: 500 * time.Millisecond})

	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatal("TimeoutError is not ErrRequestTimeout")
	}
	if msg := err.Error(); msg != "request timed out after 500ms" {
		t.Fatalf("unexpected message %q", msg)
	}
}
