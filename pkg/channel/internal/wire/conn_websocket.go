// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"bytes"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dtn7/dtn7-transport/pkg/frames"
)

// WebSocketConn exchanges Frames over a *websocket.Conn, one binary WebSocket message per Frame.
type WebSocketConn struct {
	conn        *websocket.Conn
	messageType int

	maxFrameSize uint32
}

// NewWebSocketConn for a *websocket.Conn.
func NewWebSocketConn(conn *websocket.Conn, maxFrameSize uint32) *WebSocketConn {
	if maxFrameSize > 0 {
		conn.SetReadLimit(int64(maxFrameSize) + 4)
	}

	return &WebSocketConn{
		conn:         conn,
		messageType:  websocket.BinaryMessage,
		maxFrameSize: maxFrameSize,
	}
}

func (wc *WebSocketConn) nextReader() (r *bytes.Reader, err error) {
	mt, data, readErr := wc.conn.ReadMessage()
	if readErr != nil {
		err = readErr
	} else if mt != wc.messageType {
		err = fmt.Errorf("expected message type %d instead of %d", wc.messageType, mt)
	} else {
		r = bytes.NewReader(data)
	}
	return
}

// Handshake exchanges ContactHeaders within the timeout.
func (wc *WebSocketConn) Handshake(local *frames.ContactHeader, active bool, timeout time.Duration) (*frames.ContactHeader, error) {
	deadline := time.Now().Add(timeout)
	if err := wc.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	if err := wc.conn.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	defer func() {
		_ = wc.conn.SetReadDeadline(time.Time{})
		_ = wc.conn.SetWriteDeadline(time.Time{})
	}()

	return handshake(local, active,
		func(ch *frames.ContactHeader) error {
			buf := new(bytes.Buffer)
			if err := ch.Marshal(buf); err != nil {
				return err
			}
			return wc.conn.WriteMessage(wc.messageType, buf.Bytes())
		},
		func() (*frames.ContactHeader, error) {
			r, err := wc.nextReader()
			if err != nil {
				return nil, err
			}

			ch := new(frames.ContactHeader)
			err = ch.Unmarshal(r)
			return ch, err
		})
}

// ReadFrame blocks until the next WebSocket message was received.
func (wc *WebSocketConn) ReadFrame() (frames.Frame, error) {
	r, err := wc.nextReader()
	if err != nil {
		return nil, err
	}
	return frames.ReadFrame(r, wc.maxFrameSize)
}

// WriteFrame as a single WebSocket message.
func (wc *WebSocketConn) WriteFrame(f frames.Frame) error {
	if w, err := wc.conn.NextWriter(wc.messageType); err != nil {
		return err
	} else if err := f.Marshal(w); err != nil {
		return err
	} else {
		return w.Close()
	}
}

// Flush is a no-op, each Frame is written immediately.
func (wc *WebSocketConn) Flush() error {
	return nil
}

// RemoteAddr of the peer.
func (wc *WebSocketConn) RemoteAddr() string {
	return wc.conn.RemoteAddr().String()
}

// Close the WebSocket connection.
func (wc *WebSocketConn) Close() error {
	return wc.conn.Close()
}
