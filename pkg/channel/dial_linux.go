// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package channel

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// socketOption is an integer socket option, set before connecting.
type socketOption struct {
	name  string
	level int
	opt   int
	value int
}

// socketOptions derived from a ProbeConfig, see tcp(7) and socket(7).
func socketOptions(probes ProbeConfig) []socketOption {
	opts := []socketOption{{"TCP_NODELAY", unix.IPPROTO_TCP, unix.TCP_NODELAY, 1}}

	if probes.Idle > 0 || probes.Interval > 0 || probes.Count > 0 {
		opts = append(opts, socketOption{"SO_KEEPALIVE", unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1})
	}
	if probes.Idle > 0 {
		opts = append(opts, socketOption{"TCP_KEEPIDLE", unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, seconds(probes.Idle)})
	}
	if probes.Interval > 0 {
		opts = append(opts, socketOption{"TCP_KEEPINTVL", unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, seconds(probes.Interval)})
	}
	if probes.Count > 0 {
		opts = append(opts, socketOption{"TCP_KEEPCNT", unix.IPPROTO_TCP, unix.TCP_KEEPCNT, probes.Count})
	}
	if probes.UserTimeout > 0 {
		opts = append(opts, socketOption{"TCP_USER_TIMEOUT", unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT,
			int(probes.UserTimeout / time.Millisecond)})
	}
	return opts
}

// seconds rounds up, the kernel only knows whole seconds for keep-alive probes.
func seconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

// control returns a net.Dialer Control function setting all options.
func control(opts []socketOption) func(string, string, syscall.RawConn) error {
	return func(_, _ string, rawConn syscall.RawConn) error {
		var optErr error
		err := rawConn.Control(func(fd uintptr) {
			for _, o := range opts {
				if optErr = unix.SetsockoptInt(int(fd), o.level, o.opt, o.value); optErr != nil {
					optErr = fmt.Errorf("setting %s to %d: %w", o.name, o.value, optErr)
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return optErr
	}
}

// newDialer with socket options from the DialConfig. Go's own keep-alive handling is disabled, as it would
// overwrite the probe options after connecting.
func newDialer(conf DialConfig) *net.Dialer {
	return &net.Dialer{
		Timeout:   conf.Timeout,
		KeepAlive: -1,
		Control:   control(socketOptions(conf.Probes)),
	}
}
