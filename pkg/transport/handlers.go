// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"

	"github.com/dtn7/dtn7-transport/pkg/address"
)

// Remote identifies the client of a server Channel. A Remote becomes invalid when its Channel closes.
type Remote struct {
	StreamID   uint32
	Generation uint32
	Endpoint   address.Endpoint
	NodeID     uint64
}

func (r Remote) String() string {
	return fmt.Sprintf("remote(node=%d, %v#%d/%d)", r.NodeID, r.Endpoint, r.StreamID, r.Generation)
}

// ServerOutput sends messages and responses to connected clients. False signals backpressure or a closed Channel.
type ServerOutput interface {
	SendMessage(remote Remote, writer PayloadWriter) bool
	SendResponse(remote Remote, requestID uint64, writer PayloadWriter) bool
}

// MessageHandler receives messages. Returning false postpones the message; it will be delivered again.
type MessageHandler interface {
	OnMessage(out ServerOutput, remote Remote, payload []byte) bool
}

// MessageHandlerFunc is a function implementing the MessageHandler.
type MessageHandlerFunc func(out ServerOutput, remote Remote, payload []byte) bool

func (f MessageHandlerFunc) OnMessage(out ServerOutput, remote Remote, payload []byte) bool {
	return f(out, remote, payload)
}

// RequestHandler receives requests and might answer them with ServerOutput.SendResponse. Returning false postpones
// the request; it will be delivered again.
type RequestHandler interface {
	OnRequest(out ServerOutput, remote Remote, payload []byte, requestID uint64) bool
}

// RequestHandlerFunc is a function implementing the RequestHandler.
type RequestHandlerFunc func(out ServerOutput, remote Remote, payload []byte, requestID uint64) bool

func (f RequestHandlerFunc) OnRequest(out ServerOutput, remote Remote, payload []byte, requestID uint64) bool {
	return f(out, remote, payload, requestID)
}

// EchoRequestHandler answers each request with its own payload. Under backpressure, the request is postponed.
var EchoRequestHandler = RequestHandlerFunc(func(out ServerOutput, remote Remote, payload []byte, requestID uint64) bool {
	return out.SendResponse(remote, requestID, BytesWriter(payload))
})
