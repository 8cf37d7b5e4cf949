// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// transport-ping sends requests to a transportd and prints their round-trip times.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-transport/pkg/address"
	"github.com/dtn7/dtn7-transport/pkg/channel"
	"github.com/dtn7/dtn7-transport/pkg/transport"
)

const pingNode = 1

// pingWriter serializes a sequence number and the sending time.
type pingWriter struct {
	seq    uint64
	sentAt time.Time
}

func (pw pingWriter) Len() int {
	return 16
}

func (pw pingWriter) Write(buf []byte) error {
	binary.BigEndian.PutUint64(buf[0:8], pw.seq)
	binary.BigEndian.PutUint64(buf[8:16], uint64(pw.sentAt.UnixNano()))
	return nil
}

// pinger sends ping requests and reports their responses.
type pinger struct {
	client   *transport.ClientTransport
	count    int
	interval time.Duration
	timeout  time.Duration

	closeChan chan os.Signal
	results   chan result

	sent     int
	received int
	rtts     time.Duration
}

type result struct {
	seq uint64
	rtt time.Duration
	err error
}

// printUsage of transport-ping and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "%s tcp|ws host:port [count]\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Sends count (default 4) requests to a transportd, answering them with their\n")
	_, _ = fmt.Fprintf(os.Stderr, "  own payload, and prints each round-trip time.\n\n")

	os.Exit(1)
}

// printFatal of an error and exit with an error code afterwards.
func printFatal(err error, msg string) {
	_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

// send the next ping and wait for its result in the background.
func (p *pinger) send() {
	p.sent++
	pw := pingWriter{seq: uint64(p.sent), sentAt: time.Now()}

	rf := p.client.SendRequest(pingNode, pw, p.timeout)
	if rf == nil {
		p.results <- result{seq: pw.seq, err: transport.ErrBackpressure}
		return
	}

	go func() {
		<-rf.Done()

		payload, err := rf.Result()
		if err == nil && len(payload) != pw.Len() {
			err = fmt.Errorf("malformed response of %d bytes", len(payload))
		}
		p.results <- result{seq: pw.seq, rtt: time.Since(pw.sentAt), err: err}
	}()
}

// handle the pinger's task until all responses arrived or an interrupt appears.
func (p *pinger) handle() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.send()

	for pending := 1; pending > 0 || p.sent < p.count; {
		select {
		case <-p.closeChan:
			return

		case <-ticker.C:
			if p.sent < p.count {
				p.send()
				pending++
			}

		case r := <-p.results:
			pending--

			if r.err != nil {
				fmt.Printf("seq=%d error: %v\n", r.seq, r.err)
				continue
			}

			p.received++
			p.rtts += r.rtt
			fmt.Printf("seq=%d time=%v\n", r.seq, r.rtt)
		}
	}
}

func (p *pinger) summary() {
	fmt.Printf("\n%d requests sent, %d responses received", p.sent, p.received)
	if p.received > 0 {
		fmt.Printf(", average %v", p.rtts/time.Duration(p.received))
	}
	fmt.Println()
}

func main() {
	args := os.Args[1:]
	if len(args) < 2 || len(args) > 3 {
		printUsage()
	}

	conf := transport.DefaultClientConfig()
	conf.Pool.Channel.Keepalive = 0

	switch args[0] {
	case "tcp":
		conf.Pool.Channel.Dial.Network = channel.TCP
	case "ws":
		conf.Pool.Channel.Dial.Network = channel.WebSocket
	default:
		printUsage()
	}

	endpoint, err := address.ParseEndpoint(args[1])
	if err != nil {
		printFatal(err, "Parsing endpoint errored")
	}

	count := 4
	if len(args) == 3 {
		if count, err = strconv.Atoi(args[2]); err != nil || count <= 0 {
			printUsage()
		}
	}

	log.SetLevel(log.WarnLevel)

	client, err := transport.NewClientTransport(conf)
	if err != nil {
		printFatal(err, "Starting client transport errored")
	}
	defer client.Close()

	client.RegisterEndpoint(pingNode, endpoint)

	p := &pinger{
		client:    client,
		count:     count,
		interval:  time.Second,
		timeout:   5 * time.Second,
		closeChan: make(chan os.Signal, 1),
		results:   make(chan result, count),
	}
	signal.Notify(p.closeChan, os.Interrupt)

	p.handle()
	p.summary()
}
