// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package frames implements the wire format of a channel: the once-per-connection ContactHeader and the length
// prefixed, CRC protected Frames exchanged afterwards.
package frames

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/howeyc/crc16"
)

// Frame type codes.
const (
	MESSAGE  uint8 = 0x01
	REQUEST  uint8 = 0x02
	RESPONSE uint8 = 0x03
	CONTROL  uint8 = 0x04
)

// DefaultMaxFrameSize limits the length of incoming Frames if no other limit was configured.
const DefaultMaxFrameSize uint32 = 4 * 1024 * 1024

// headerLen is the length of the common body header: type, stream ID, generation.
const headerLen = 1 + 4 + 4

var crc16table = crc16.MakeTable(crc16.CCITT)

// Header is common to all Frames and identifies the sender's channel incarnation.
type Header struct {
	StreamID   uint32
	Generation uint32
}

// FrameHeader returns a pointer to this Header, to be altered by the sending channel.
func (h *Header) FrameHeader() *Header {
	return h
}

// Frame describes all kinds of Frames, which have their serialization and deserialization in common.
type Frame interface {
	// Marshal the complete Frame, including its length prefix and checksum.
	Marshal(w io.Writer) error

	// Unmarshal a complete Frame, including its length prefix and checksum.
	Unmarshal(r io.Reader) error

	// FrameHeader of this Frame.
	FrameHeader() *Header

	// Type code of this Frame.
	Type() uint8
}

// bodyCodec is implemented by all Frames to encode and decode their type-specific part.
type bodyCodec interface {
	encodeBody(buf *bytes.Buffer)
	decodeBody(body []byte) error
}

// frames maps the different Frame type codes to an example instance of their type.
var frames = map[uint8]Frame{
	MESSAGE:  &MessageFrame{},
	REQUEST:  &RequestFrame{},
	RESPONSE: &ResponseFrame{},
	CONTROL:  &ControlFrame{},
}

// NewFrame creates a new Frame for a given type code.
func NewFrame(typeCode uint8) (f Frame, err error) {
	frameType, exists := frames[typeCode]
	if !exists {
		err = fmt.Errorf("no Frame registered for type code %x", typeCode)
		return
	}

	frameElem := reflect.TypeOf(frameType).Elem()
	f = reflect.New(frameElem).Interface().(Frame)
	return
}

// writeFrame serializes a Frame: length prefix, body, and the body's CRC.
func writeFrame(w io.Writer, f Frame) error {
	buf := new(bytes.Buffer)

	h := f.FrameHeader()
	var hdr [headerLen]byte
	hdr[0] = f.Type()
	binary.BigEndian.PutUint32(hdr[1:5], h.StreamID)
	binary.BigEndian.PutUint32(hdr[5:9], h.Generation)
	buf.Write(hdr[:])

	f.(bodyCodec).encodeBody(buf)

	var trailer [2]byte
	binary.BigEndian.PutUint16(trailer[:], crc16.Checksum(buf.Bytes(), crc16table))

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(buf.Len()+len(trailer)))

	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	if _, err := buf.WriteTo(w); err != nil {
		return err
	}
	_, err := w.Write(trailer[:])
	return err
}

// readBody reads the next Frame's body after checking its length and CRC.
func readBody(r io.Reader, maxSize uint32) (body []byte, err error) {
	var length [4]byte
	if _, err = io.ReadFull(r, length[:]); err != nil {
		return
	}

	l := binary.BigEndian.Uint32(length[:])
	if l < headerLen+2 {
		err = fmt.Errorf("frame length %d is too short", l)
		return
	} else if maxSize > 0 && l > maxSize {
		err = fmt.Errorf("frame length %d exceeds the limit of %d", l, maxSize)
		return
	}

	data := make([]byte, l)
	if _, err = io.ReadFull(r, data); err != nil {
		return
	}

	body = data[:l-2]
	expected := binary.BigEndian.Uint16(data[l-2:])
	if checksum := crc16.Checksum(body, crc16table); checksum != expected {
		err = fmt.Errorf("frame CRC mismatch, expected %x and got %x", expected, checksum)
		body = nil
	}
	return
}

// decodeFrame fills a Frame from a checked body.
func decodeFrame(f Frame, body []byte) error {
	if body[0] != f.Type() {
		return fmt.Errorf("frame type code %x does not match expected %x", body[0], f.Type())
	}

	h := f.FrameHeader()
	h.StreamID = binary.BigEndian.Uint32(body[1:5])
	h.Generation = binary.BigEndian.Uint32(body[5:9])

	return f.(bodyCodec).decodeBody(body[headerLen:])
}

// unmarshalFrame is the shared Unmarshal implementation.
func unmarshalFrame(r io.Reader, f Frame) error {
	body, err := readBody(r, DefaultMaxFrameSize)
	if err != nil {
		return err
	}
	return decodeFrame(f, body)
}

// ReadFrame parses the next Frame from the Reader. Frames longer than maxSize are rejected; zero disables the limit.
func ReadFrame(r io.Reader, maxSize uint32) (f Frame, err error) {
	body, bodyErr := readBody(r, maxSize)
	if bodyErr != nil {
		err = bodyErr
		return
	}

	if f, err = NewFrame(body[0]); err != nil {
		return
	}

	err = decodeFrame(f, body)
	return
}
