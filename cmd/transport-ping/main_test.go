// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/transport"
)

func TestPingWriter(t *testing.T) {
	sentAt := time.Unix(1600000000, 42)
	pw := pingWriter{seq: 7, sentAt: sentAt}

	buf := make([]byte, pw.Len())
	if err := pw.Write(buf); err != nil {
		t.Fatal(err)
	}

	if seq := binary.BigEndian.Uint64(buf[0:8]); seq != 7 {
		t.Fatalf("unexpected sequence number %d", seq)
	}
	if ts := int64(binary.BigEndian.Uint64(buf[8:16])); ts != sentAt.UnixNano() {
		t.Fatalf("unexpected timestamp %d", ts)
	}
}

func TestPinger(t *testing.T) {
	serverConf := transport.DefaultServerConfig()
	serverConf.ListenAddress = "127.0.0.1:0"
	serverConf.Channel.Keepalive = 0

	server, err := transport.NewServerTransport(serverConf, nil, transport.EchoRequestHandler)
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	clientConf := transport.DefaultClientConfig()
	clientConf.Pool.Channel.Keepalive = 0

	client, err := transport.NewClientTransport(clientConf)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	client.RegisterEndpoint(pingNode, address.MustParseEndpoint(server.Addr().String()))

	p := &pinger{
		client:    client,
		count:     3,
		interval:  10 * time.Millisecond,
		timeout:   5 * time.Second,
		closeChan: make(chan os.Signal, 1),
		results:   make(chan result, 3),
	}

	done := make(chan struct{})
	go func() {
		p.handle()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pinger did not finish")
	}

	if p.sent != 3 || p.received != 3 {
		t.Fatalf("sent %d, received %d", p.sent, p.received)
	}
}
