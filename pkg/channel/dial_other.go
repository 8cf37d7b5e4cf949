// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package channel

import (
	"net"
)

// newDialer with a configured timeout. Only the probes' Idle period is portable; the other file sets all of them.
func newDialer(conf DialConfig) *net.Dialer {
	return &net.Dialer{
		Timeout:   conf.Timeout,
		KeepAlive: conf.Probes.Idle,
	}
}
