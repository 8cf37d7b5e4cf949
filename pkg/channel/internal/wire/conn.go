// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire exchanges frames.Frames over an underlying connection, either a byte stream or a WebSocket.
package wire

import (
	"fmt"
	"io"
	"time"

	"github.com/dtn7/dtn7-transport/pkg/frames"
)

// Conn is a connection exchanging Frames. ReadFrame and WriteFrame might be used concurrently by one reader and one
// writer, but neither of them concurrently with itself.
type Conn interface {
	io.Closer

	// Handshake exchanges ContactHeaders. The active peer sends first.
	Handshake(local *frames.ContactHeader, active bool, timeout time.Duration) (*frames.ContactHeader, error)

	// ReadFrame blocks until the next Frame was received.
	ReadFrame() (frames.Frame, error)

	// WriteFrame writes a Frame, which might be buffered until Flush.
	WriteFrame(f frames.Frame) error

	// Flush all buffered Frames.
	Flush() error

	// RemoteAddr of the peer.
	RemoteAddr() string
}

// handshake is the shared ContactHeader exchange, based on a send and a receive function.
func handshake(local *frames.ContactHeader, active bool,
	send func(*frames.ContactHeader) error, recv func() (*frames.ContactHeader, error)) (*frames.ContactHeader, error) {
	if active {
		if err := send(local); err != nil {
			return nil, fmt.Errorf("sending ContactHeader: %w", err)
		}
	}

	peer, err := recv()
	if err != nil {
		return nil, fmt.Errorf("receiving ContactHeader: %w", err)
	}

	if !active {
		if err := send(local); err != nil {
			return nil, fmt.Errorf("sending ContactHeader: %w", err)
		}
	}

	return peer, nil
}
