// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"github.com/dtn7/dtn7-transport/pkg/frames"
)

// Listener is informed about a Channel's lifecycle. Each callback is invoked from the Channel's own goroutines and
// must not block. A panicking Listener does not affect other Listeners.
type Listener interface {
	// OnOpened is called each time the Channel became Ready, thus again after a reopen.
	OnOpened(ch *Channel)

	// OnInterrupted is called when a Ready Channel lost its connection and tries to reopen it.
	OnInterrupted(ch *Channel, err error)

	// OnClosed is called once, after the Channel reached Closed or Failed.
	OnClosed(ch *Channel)

	// OnKeepAlive is called when the Channel scheduled a keep-alive control frame.
	OnKeepAlive(ch *Channel)

	// OnControlFrame is called for each received control frame.
	OnControlFrame(ch *Channel, f *frames.ControlFrame)

	// OnSendError is called when writing to the connection failed.
	OnSendError(ch *Channel, err error)
}

// ListenerFuncs implements a Listener based on optional functions.
type ListenerFuncs struct {
	Opened       func(ch *Channel)
	Interrupted  func(ch *Channel, err error)
	Closed       func(ch *Channel)
	KeepAlive    func(ch *Channel)
	ControlFrame func(ch *Channel, f *frames.ControlFrame)
	SendError    func(ch *Channel, err error)
}

func (lf ListenerFuncs) OnOpened(ch *Channel) {
	if lf.Opened != nil {
		lf.Opened(ch)
	}
}

func (lf ListenerFuncs) OnInterrupted(ch *Channel, err error) {
	if lf.Interrupted != nil {
		lf.Interrupted(ch, err)
	}
}

func (lf ListenerFuncs) OnClosed(ch *Channel) {
	if lf.Closed != nil {
		lf.Closed(ch)
	}
}

func (lf ListenerFuncs) OnKeepAlive(ch *Channel) {
	if lf.KeepAlive != nil {
		lf.KeepAlive(ch)
	}
}

func (lf ListenerFuncs) OnControlFrame(ch *Channel, f *frames.ControlFrame) {
	if lf.ControlFrame != nil {
		lf.ControlFrame(ch, f)
	}
}

func (lf ListenerFuncs) OnSendError(ch *Channel, err error) {
	if lf.SendError != nil {
		lf.SendError(ch, err)
	}
}

// Handler receives inbound data frames. Returning false postpones the frame; it will be delivered again.
type Handler interface {
	HandleFrame(ch *Channel, generation uint32, f frames.Frame) bool
}

// HandlerFunc is a function implementing the Handler.
type HandlerFunc func(ch *Channel, generation uint32, f frames.Frame) bool

// HandleFrame calls the HandlerFunc.
func (hf HandlerFunc) HandleFrame(ch *Channel, generation uint32, f frames.Frame) bool {
	return hf(ch, generation, f)
}

// PongListener answers each Ping control frame with a Pong of the same sequence number.
type PongListener struct {
	ListenerFuncs
}

// NewPongListener creates a Listener echoing Pings.
func NewPongListener() *PongListener {
	return &PongListener{ListenerFuncs{
		ControlFrame: func(ch *Channel, f *frames.ControlFrame) {
			if f.Kind != frames.Ping {
				return
			}

			if !ch.ScheduleControlFrame(frames.NewControlFrame(frames.Pong, f.Seq)) {
				ch.log().WithField("seq", f.Seq).Debug("Pong was dropped due to backpressure")
			}
		},
	}}
}
