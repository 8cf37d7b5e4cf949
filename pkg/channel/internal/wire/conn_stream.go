// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"bufio"
	"net"
	"time"

	"github.com/dtn7/dtn7-transport/pkg/frames"
)

// StreamConn exchanges Frames over a net.Conn, e.g., a TCP connection.
type StreamConn struct {
	conn net.Conn

	in  *bufio.Reader
	out *bufio.Writer

	maxFrameSize uint32
}

// NewStreamConn for a net.Conn. Incoming Frames beyond maxFrameSize are rejected.
func NewStreamConn(conn net.Conn, maxFrameSize uint32) *StreamConn {
	return &StreamConn{
		conn:         conn,
		in:           bufio.NewReader(conn),
		out:          bufio.NewWriter(conn),
		maxFrameSize: maxFrameSize,
	}
}

// Handshake exchanges ContactHeaders within the timeout.
func (sc *StreamConn) Handshake(local *frames.ContactHeader, active bool, timeout time.Duration) (*frames.ContactHeader, error) {
	// Socket deadlines are kernel timers and must be based on the wall clock.
	if err := sc.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer func() { _ = sc.conn.SetDeadline(time.Time{}) }()

	return handshake(local, active,
		func(ch *frames.ContactHeader) error {
			if err := ch.Marshal(sc.out); err != nil {
				return err
			}
			return sc.out.Flush()
		},
		func() (*frames.ContactHeader, error) {
			ch := new(frames.ContactHeader)
			err := ch.Unmarshal(sc.in)
			return ch, err
		})
}

// ReadFrame blocks until the next Frame was received.
func (sc *StreamConn) ReadFrame() (frames.Frame, error) {
	return frames.ReadFrame(sc.in, sc.maxFrameSize)
}

// WriteFrame into the buffer.
func (sc *StreamConn) WriteFrame(f frames.Frame) error {
	return f.Marshal(sc.out)
}

// Flush the buffer to the connection.
func (sc *StreamConn) Flush() error {
	return sc.out.Flush()
}

// RemoteAddr of the peer.
func (sc *StreamConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}

// Close the underlying connection. A blocking ReadFrame returns afterwards.
func (sc *StreamConn) Close() error {
	return sc.conn.Close()
}
