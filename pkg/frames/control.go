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

// ControlKind distinguishes ControlFrames.
type ControlKind uint8

const (
	// KeepAlive is sent by an idle channel.
	KeepAlive ControlKind = iota

	// Ping asks the peer to echo a Pong of the same sequence number.
	Ping

	// Pong answers a Ping.
	Pong
)

func (ck ControlKind) String() string {
	switch ck {
	case KeepAlive:
		return "keepalive"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	default:
		return "unknown"
	}
}

// ControlFrame is consumed by the channel layer and never carries an application payload.
type ControlFrame struct {
	Header

	Kind ControlKind
	Seq  uint64
}

// NewControlFrame of a kind and sequence number.
func NewControlFrame(kind ControlKind, seq uint64) *ControlFrame {
	return &ControlFrame{Kind: kind, Seq: seq}
}

// Type code of a ControlFrame.
func (cf *ControlFrame) Type() uint8 {
	return CONTROL
}

func (cf *ControlFrame) String() string {
	return fmt.Sprintf("CONTROL(%v, seq=%d)", cf.Kind, cf.Seq)
}

func (cf *ControlFrame) encodeBody(buf *bytes.Buffer) {
	var body [9]byte
	body[0] = uint8(cf.Kind)
	binary.BigEndian.PutUint64(body[1:], cf.Seq)
	buf.Write(body[:])
}

func (cf *ControlFrame) decodeBody(body []byte) error {
	if len(body) != 9 {
		return fmt.Errorf("control frame body has %d bytes instead of 9", len(body))
	}

	cf.Kind = ControlKind(body[0])
	cf.Seq = binary.BigEndian.Uint64(body[1:])
	return nil
}

// Marshal into its binary form.
func (cf *ControlFrame) Marshal(w io.Writer) error {
	return writeFrame(w, cf)
}

// Unmarshal from its binary form.
func (cf *ControlFrame) Unmarshal(r io.Reader) error {
	return unmarshalFrame(r, cf)
}
