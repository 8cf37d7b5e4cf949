// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frames

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
	"github.com/google/uuid"
)

// contactMagic starts each ContactHeader.
var contactMagic = []byte("dtnt")

// ContactVersion is the only supported version of the ContactHeader and the Frames following it.
const ContactVersion uint8 = 1

// ContactHeader is exchanged once after a connection was established, before any Frame. The dialing peer sends its
// ContactHeader first.
type ContactHeader struct {
	Version    uint8
	NodeID     uint64
	InstanceID uuid.UUID
	Keepalive  time.Duration
}

// NewContactHeader for this node.
func NewContactHeader(nodeID uint64, instanceID uuid.UUID, keepalive time.Duration) *ContactHeader {
	return &ContactHeader{
		Version:    ContactVersion,
		NodeID:     nodeID,
		InstanceID: instanceID,
		Keepalive:  keepalive,
	}
}

func (ch ContactHeader) String() string {
	return fmt.Sprintf("ContactHeader(version=%d, node=%d, instance=%v, keepalive=%v)",
		ch.Version, ch.NodeID, ch.InstanceID, ch.Keepalive)
}

// Marshal into its binary form: the magic, a version, and a CBOR array of the remaining fields.
func (ch ContactHeader) Marshal(w io.Writer) error {
	buf := new(bytes.Buffer)
	buf.Write(contactMagic)
	buf.WriteByte(ch.Version)

	if err := cboring.WriteArrayLength(3, buf); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ch.NodeID, buf); err != nil {
		return err
	}
	if err := cboring.WriteByteString(ch.InstanceID[:], buf); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(ch.Keepalive/time.Millisecond), buf); err != nil {
		return err
	}

	_, err := buf.WriteTo(w)
	return err
}

// Unmarshal from its binary form.
func (ch *ContactHeader) Unmarshal(r io.Reader) error {
	var prefix [5]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}

	if !bytes.Equal(prefix[:4], contactMagic) {
		return fmt.Errorf("ContactHeader's magic does not match: %x != %x", prefix[:4], contactMagic)
	}
	if prefix[4] != ContactVersion {
		return fmt.Errorf("ContactHeader's version %d is not supported", prefix[4])
	}
	ch.Version = prefix[4]

	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 3 {
		return fmt.Errorf("ContactHeader's array has %d elements instead of 3", n)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		ch.NodeID = n
	}

	if id, err := cboring.ReadByteString(r); err != nil {
		return err
	} else if instanceID, err := uuid.FromBytes(id); err != nil {
		return fmt.Errorf("ContactHeader's instance ID: %w", err)
	} else {
		ch.InstanceID = instanceID
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		ch.Keepalive = time.Duration(n) * time.Millisecond
	}

	return nil
}
