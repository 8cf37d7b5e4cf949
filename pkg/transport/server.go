// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dtn7/dtn7-transport/pkg/channel"
	"github.com/dtn7/dtn7-transport/pkg/frames"
	"github.com/dtn7/dtn7-transport/pkg/memory"
)

// ServerTransport accepts Channels, either from its TCP listener or as an http.Handler upgrading to WebSockets, and
// dispatches inbound messages and requests to its handlers. ServerTransport implements ServerOutput.
type ServerTransport struct {
	conf           ServerConfig
	memory         *memory.Pool
	messageHandler MessageHandler
	requestHandler RequestHandler
	limiter        *rate.Limiter
	upgrader       websocket.Upgrader
	metrics        *serverMetrics

	mutex        sync.RWMutex
	channels     map[uint32]*channel.Channel
	nextStreamID uint32

	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	stopAck chan struct{}
	closed  uint32
}

// NewServerTransport creates a ServerTransport. Either handler might be nil, dropping the respective frames.
func NewServerTransport(conf ServerConfig, messageHandler MessageHandler, requestHandler RequestHandler) (*ServerTransport, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	mem, err := memory.NewPool("server", conf.Memory)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ServerTransport{
		conf:           conf,
		memory:         mem,
		messageHandler: messageHandler,
		requestHandler: requestHandler,
		limiter:        rate.NewLimiter(rate.Limit(conf.AcceptRate), conf.AcceptBurst),
		channels:       make(map[uint32]*channel.Channel),
		ctx:            ctx,
		cancel:         cancel,
	}

	if s.metrics, err = newServerMetrics(conf.Registerer, s); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *ServerTransport) String() string {
	if s.ln != nil {
		return fmt.Sprintf("server(%v)", s.ln.Addr())
	}
	return "server"
}

func (s *ServerTransport) log() *log.Entry {
	return log.WithField("transport", s.String())
}

// Memory is the memory pool for outbound messages and responses.
func (s *ServerTransport) Memory() *memory.Pool {
	return s.memory
}

// Start the TCP listener, if a ListenAddress is configured.
func (s *ServerTransport) Start() error {
	if s.conf.ListenAddress == "" {
		return nil
	}

	ln, err := net.Listen("tcp", s.conf.ListenAddress)
	if err != nil {
		return err
	}

	s.ln = ln
	s.stopAck = make(chan struct{})
	go s.acceptLoop()

	s.log().Info("Server transport started")
	return nil
}

// Addr of the TCP listener or nil.
func (s *ServerTransport) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *ServerTransport) acceptLoop() {
	var wg sync.WaitGroup
	defer close(s.stopAck)
	defer wg.Wait()

	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}

		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}

			s.log().WithError(err).Warn("Accepting connection failed")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			_, _ = s.accept(func(streamID uint32, listeners ...channel.Listener) (*channel.Channel, error) {
				return channel.Accept(conn, streamID, s.conf.Channel, channel.HandlerFunc(s.handleFrame), listeners...)
			})
		}()
	}
}

// ServeHTTP upgrades a request to a WebSocket connection and accepts it as a Channel.
func (s *ServerTransport) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if atomic.LoadUint32(&s.closed) != 0 {
		http.Error(rw, "server transport is closed", http.StatusServiceUnavailable)
		return
	}
	if !s.limiter.Allow() {
		http.Error(rw, "too many connections", http.StatusTooManyRequests)
		s.metrics.connection("limited")
		return
	}

	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.log().WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	_, _ = s.accept(func(streamID uint32, listeners ...channel.Listener) (*channel.Channel, error) {
		return channel.AcceptWebSocket(conn, streamID, s.conf.Channel, channel.HandlerFunc(s.handleFrame), listeners...)
	})
}

// accept a Channel by the given function and track it until it closes.
func (s *ServerTransport) accept(acceptFunc func(uint32, ...channel.Listener) (*channel.Channel, error)) (*channel.Channel, error) {
	streamID := atomic.AddUint32(&s.nextStreamID, 1)

	tracker := channel.ListenerFuncs{
		Opened: func(ch *channel.Channel) {
			s.mutex.Lock()
			s.channels[ch.StreamID()] = ch
			s.mutex.Unlock()
		},
		Closed: func(ch *channel.Channel) {
			s.mutex.Lock()
			delete(s.channels, ch.StreamID())
			s.mutex.Unlock()
		},
	}

	ch, err := acceptFunc(streamID, tracker, channel.NewPongListener())
	if err != nil {
		s.metrics.connection("rejected")
		s.log().WithError(err).Info("Rejected incoming channel")
		return nil, err
	}

	s.metrics.connection("accepted")

	// A Channel accepted while closing is closed right away.
	if atomic.LoadUint32(&s.closed) != 0 {
		_ = ch.Close()
		return nil, ErrTransportClosed
	}
	return ch, nil
}

func remoteOf(ch *channel.Channel, generation uint32) Remote {
	remote := Remote{
		StreamID:   ch.StreamID(),
		Generation: generation,
		Endpoint:   ch.Endpoint(),
	}
	if peer, ok := ch.Peer(); ok {
		remote.NodeID = peer.NodeID
	}
	return remote
}

// handleFrame dispatches inbound data frames to the handlers.
func (s *ServerTransport) handleFrame(ch *channel.Channel, generation uint32, f frames.Frame) bool {
	switch f := f.(type) {
	case *frames.MessageFrame:
		if s.messageHandler == nil {
			break
		}
		if !s.messageHandler.OnMessage(s, remoteOf(ch, generation), f.Payload) {
			return false
		}
		s.metrics.frameReceived("message")
		return true

	case *frames.RequestFrame:
		if s.requestHandler == nil {
			break
		}
		if !s.requestHandler.OnRequest(s, remoteOf(ch, generation), f.Payload, f.RequestID) {
			return false
		}
		s.metrics.frameReceived("request")
		return true
	}

	s.log().WithFields(log.Fields{
		"channel": ch,
		"frame":   f,
	}).Debug("Server dropped frame without handler")
	return true
}

func (s *ServerTransport) channelOf(remote Remote) (*channel.Channel, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ch, ok := s.channels[remote.StreamID]
	if !ok || ch.Generation() != remote.Generation {
		return nil, false
	}
	return ch, true
}

// send a frame created for the serialized payload to the remote.
func (s *ServerTransport) send(remote Remote, writer PayloadWriter, frameFunc func(payload []byte) frames.Frame) bool {
	ch, ok := s.channelOf(remote)
	if !ok {
		return false
	}

	alloc, ok := s.memory.Allocate(writer.Len())
	if !ok {
		return false
	}

	if err := writer.Write(alloc.Bytes()); err != nil {
		alloc.Reclaim()
		s.log().WithError(err).WithField("remote", remote).Warn("Serializing payload failed")
		return false
	}

	if !ch.Offer(frameFunc(alloc.Bytes()), func(bool) { alloc.Reclaim() }) {
		alloc.Reclaim()
		return false
	}
	return true
}

// SendMessage to a connected client.
func (s *ServerTransport) SendMessage(remote Remote, writer PayloadWriter) bool {
	return s.send(remote, writer, func(payload []byte) frames.Frame {
		return frames.NewMessageFrame(payload)
	})
}

// SendResponse to a client's request.
func (s *ServerTransport) SendResponse(remote Remote, requestID uint64, writer PayloadWriter) bool {
	return s.send(remote, writer, func(payload []byte) frames.Frame {
		return frames.NewResponseFrame(requestID, payload)
	})
}

// ChannelCount returns the amount of open server Channels.
func (s *ServerTransport) ChannelCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.channels)
}

// ChannelInfo describes an open server Channel.
type ChannelInfo struct {
	StreamID uint32 `json:"stream_id"`
	Endpoint string `json:"endpoint"`
	NodeID   uint64 `json:"node"`
	State    string `json:"state"`
}

// Snapshot of all open server Channels, ordered by their stream ID.
func (s *ServerTransport) Snapshot() []ChannelInfo {
	s.mutex.RLock()
	infos := make([]ChannelInfo, 0, len(s.channels))
	for _, ch := range s.channels {
		info := ChannelInfo{
			StreamID: ch.StreamID(),
			Endpoint: ch.Endpoint().String(),
			State:    ch.State().String(),
		}
		if peer, ok := ch.Peer(); ok {
			info.NodeID = peer.NodeID
		}
		infos = append(infos, info)
	}
	s.mutex.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].StreamID < infos[j].StreamID })
	return infos
}

// Close the listener and all Channels.
func (s *ServerTransport) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}

	var errs *multierror.Error

	s.cancel()
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		<-s.stopAck
	}

	s.mutex.RLock()
	channels := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mutex.RUnlock()

	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	s.metrics.unregister()

	s.log().Info("Server transport closed")
	return errs.ErrorOrNil()
}
