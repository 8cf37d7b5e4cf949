// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/channel"
)

func TestServerInvalidConfig(t *testing.T) {
	mutations := []func(*ServerConfig){
		func(c *ServerConfig) { c.Memory = 0 },
		func(c *ServerConfig) { c.AcceptRate = 0 },
		func(c *ServerConfig) { c.AcceptBurst = 0 },
		func(c *ServerConfig) { c.Channel.HandshakeTimeout = 0 },
	}

	for i, mutate := range mutations {
		conf := DefaultServerConfig()
		mutate(&conf)

		if _, err := NewServerTransport(conf, nil, nil); err == nil {
			t.Fatalf("mutation %d was accepted", i)
		}
	}
}

func TestServerRemote(t *testing.T) {
	remotes := make(chan Remote, 1)
	s := newTestServer(t, nil, RequestHandlerFunc(func(out ServerOutput, remote Remote, payload []byte, id uint64) bool {
		select {
		case remotes <- remote:
		default:
		}
		return out.SendResponse(remote, id, BytesWriter(payload))
	}))

	conf := testClientConfig(nil)
	conf.Pool.Channel.NodeID = 42
	ct := newTestClient(t, conf)
	ct.RegisterEndpoint(1, serverEndpoint(s))

	if _, err := wait(t, ct.SendRequest(1, BytesWriter("ping"), 5*time.Second)); err != nil {
		t.Fatal(err)
	}

	remote := <-remotes
	if remote.NodeID != 42 {
		t.Fatalf("remote announced node %d", remote.NodeID)
	}

	if n := s.ChannelCount(); n != 1 {
		t.Fatalf("server has %d channels", n)
	}
	snapshot := s.Snapshot()
	if len(snapshot) != 1 || snapshot[0].StreamID != remote.StreamID || snapshot[0].NodeID != 42 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	// Outdated or unknown Remotes are rejected.
	stale := remote
	stale.Generation++
	if s.SendMessage(stale, BytesWriter("stale")) {
		t.Fatal("message to a stale remote was accepted")
	}
	unknown := remote
	unknown.StreamID += 100
	if s.SendResponse(unknown, 1, BytesWriter("unknown")) {
		t.Fatal("response to an unknown remote was accepted")
	}

	if !s.SendMessage(remote, BytesWriter("unsolicited")) {
		t.Fatal("message to a connected remote was rejected")
	}
	waitFor(t, "server memory reclaim", func() bool {
		return s.Memory().Stats().Outstanding() == 0
	})
}

func TestServerPostponedRequest(t *testing.T) {
	var calls int32
	s := newTestServer(t, nil, RequestHandlerFunc(func(out ServerOutput, remote Remote, payload []byte, id uint64) bool {
		if atomic.AddInt32(&calls, 1) <= 3 {
			return false
		}
		return out.SendResponse(remote, id, BytesWriter(payload))
	}))

	ct := newTestClient(t, testClientConfig(nil))
	ct.RegisterEndpoint(1, serverEndpoint(s))

	payload, err := wait(t, ct.SendRequest(1, BytesWriter("patience"), 5*time.Second))
	if err != nil {
		t.Fatal(err)
	} else if string(payload) != "patience" {
		t.Fatalf("unexpected response %q", payload)
	}
	if n := atomic.LoadInt32(&calls); n != 4 {
		t.Fatalf("handler was called %d times", n)
	}
}

func TestServerMemoryBackpressure(t *testing.T) {
	conf := DefaultServerConfig()
	conf.ListenAddress = "127.0.0.1:0"
	conf.Channel.Keepalive = 0
	conf.Memory = 4

	s, err := NewServerTransport(conf, nil, EchoRequestHandler)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ct := newTestClient(t, testClientConfig(nil))
	ct.RegisterEndpoint(1, serverEndpoint(s))

	// The response never fits into the server's memory, so the request keeps being postponed.
	_, err = wait(t, ct.SendRequest(1, BytesWriter("too large"), 200*time.Millisecond))
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected a timeout, got %v", err)
	}
	if stats := s.Memory().Stats(); stats.Rejections == 0 || stats.InUse != 0 {
		t.Fatalf("unexpected server memory %+v", stats)
	}
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	conf := DefaultServerConfig()
	conf.ListenAddress = "127.0.0.1:0"
	conf.Channel.Keepalive = 0
	conf.Registerer = reg

	payloads := make(chan []byte, 1)
	s, err := NewServerTransport(conf, MessageHandlerFunc(func(_ ServerOutput, _ Remote, payload []byte) bool {
		payloads <- append([]byte(nil), payload...)
		return true
	}), EchoRequestHandler)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// A second transport on the same Registerer collides.
	if _, err := NewServerTransport(conf, nil, nil); err == nil {
		t.Fatal("duplicate metrics were registered")
	}

	ct := newTestClient(t, testClientConfig(nil))
	ct.RegisterEndpoint(1, serverEndpoint(s))

	if _, err := wait(t, ct.SendRequest(1, BytesWriter("ping"), 5*time.Second)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message acceptance", func() bool {
		return ct.SendMessage(1, BytesWriter("hello"))
	})
	<-payloads

	if n := testutil.ToFloat64(s.metrics.frames.WithLabelValues("request")); n != 1 {
		t.Fatalf("counted %v requests", n)
	}
	if n := testutil.ToFloat64(s.metrics.frames.WithLabelValues("message")); n != 1 {
		t.Fatalf("counted %v messages", n)
	}
	if n := testutil.ToFloat64(s.metrics.accepted.WithLabelValues("accepted")); n != 1 {
		t.Fatalf("counted %v connections", n)
	}
}

func TestServerWebSocket(t *testing.T) {
	conf := DefaultServerConfig()
	conf.ListenAddress = ""
	conf.Channel.Keepalive = 0

	s, err := NewServerTransport(conf, nil, EchoRequestHandler)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if s.Addr() != nil {
		t.Fatal("server without listen address listens")
	}
	defer s.Close()

	httpServer := httptest.NewServer(s)
	defer httpServer.Close()

	clientConf := testClientConfig(nil)
	clientConf.Pool.Channel.Dial.Network = channel.WebSocket
	clientConf.Pool.Channel.Dial.WebSocketPath = "/"
	ct := newTestClient(t, clientConf)

	ct.RegisterEndpoint(1, address.MustParseEndpoint(strings.TrimPrefix(httpServer.URL, "http://")))

	payload, err := wait(t, ct.SendRequest(1, BytesWriter("over websocket"), 5*time.Second))
	if err != nil {
		t.Fatal(err)
	} else if string(payload) != "over websocket" {
		t.Fatalf("unexpected response %q", payload)
	}
}

func TestServerClose(t *testing.T) {
	s := newTestServer(t, nil, EchoRequestHandler)
	ct := newTestClient(t, testClientConfig(nil))
	ct.RegisterEndpoint(1, serverEndpoint(s))

	if _, err := wait(t, ct.SendRequest(1, BytesWriter("ping"), 5*time.Second)); err != nil {
		t.Fatal(err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if n := s.ChannelCount(); n != 0 {
		t.Fatalf("closed server has %d channels", n)
	}

	if _, err := wait(t, ct.SendRequest(1, BytesWriter("ping"), 200*time.Millisecond)); err == nil {
		t.Fatal("request to a closed server succeeded")
	}
}
