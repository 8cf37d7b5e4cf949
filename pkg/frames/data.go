// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frames

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageFrame carries a single fire-and-forget message.
type MessageFrame struct {
	Header

	Payload []byte
}

// NewMessageFrame for a payload.
func NewMessageFrame(payload []byte) *MessageFrame {
	return &MessageFrame{Payload: payload}
}

// Type code of a MessageFrame.
func (mf *MessageFrame) Type() uint8 {
	return MESSAGE
}

func (mf *MessageFrame) String() string {
	return fmt.Sprintf("MESSAGE(stream=%d, generation=%d, len=%d)", mf.StreamID, mf.Generation, len(mf.Payload))
}

func (mf *MessageFrame) encodeBody(buf *bytes.Buffer) {
	buf.Write(mf.Payload)
}

func (mf *MessageFrame) decodeBody(body []byte) error {
	mf.Payload = body
	return nil
}

// Marshal into its binary form.
func (mf *MessageFrame) Marshal(w io.Writer) error {
	return writeFrame(w, mf)
}

// Unmarshal from its binary form.
func (mf *MessageFrame) Unmarshal(r io.Reader) error {
	return unmarshalFrame(r, mf)
}

// correlated is the common part of RequestFrame and ResponseFrame.
type correlated struct {
	Header

	RequestID uint64
	Payload   []byte
}

func (c *correlated) encodeBody(buf *bytes.Buffer) {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], c.RequestID)
	buf.Write(id[:])
	buf.Write(c.Payload)
}

func (c *correlated) decodeBody(body []byte) error {
	if len(body) < 8 {
		return fmt.Errorf("body of %d bytes is too short for a request ID", len(body))
	}

	c.RequestID = binary.BigEndian.Uint64(body[:8])
	c.Payload = body[8:]
	return nil
}

// RequestFrame carries a request, to be answered by a ResponseFrame of the same RequestID.
type RequestFrame struct {
	correlated
}

// NewRequestFrame for a request ID and payload.
func NewRequestFrame(requestID uint64, payload []byte) *RequestFrame {
	return &RequestFrame{correlated{RequestID: requestID, Payload: payload}}
}

// Type code of a RequestFrame.
func (rf *RequestFrame) Type() uint8 {
	return REQUEST
}

func (rf *RequestFrame) String() string {
	return fmt.Sprintf("REQUEST(stream=%d, generation=%d, id=%d, len=%d)",
		rf.StreamID, rf.Generation, rf.RequestID, len(rf.Payload))
}

// Marshal into its binary form.
func (rf *RequestFrame) Marshal(w io.Writer) error {
	return writeFrame(w, rf)
}

// Unmarshal from its binary form.
func (rf *RequestFrame) Unmarshal(r io.Reader) error {
	return unmarshalFrame(r, rf)
}

// ResponseFrame answers a RequestFrame.
type ResponseFrame struct {
	correlated
}

// NewResponseFrame for a request ID and payload.
func NewResponseFrame(requestID uint64, payload []byte) *ResponseFrame {
	return &ResponseFrame{correlated{RequestID: requestID, Payload: payload}}
}

// Type code of a ResponseFrame.
func (rf *ResponseFrame) Type() uint8 {
	return RESPONSE
}

func (rf *ResponseFrame) String() string {
	return fmt.Sprintf("RESPONSE(stream=%d, generation=%d, id=%d, len=%d)",
		rf.StreamID, rf.Generation, rf.RequestID, len(rf.Payload))
}

// Marshal into its binary form.
func (rf *ResponseFrame) Marshal(w io.Writer) error {
	return writeFrame(w, rf)
}

// Unmarshal from its binary form.
func (rf *ResponseFrame) Unmarshal(r io.Reader) error {
	return unmarshalFrame(r, rf)
}
