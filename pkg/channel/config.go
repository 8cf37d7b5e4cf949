// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dtn7/dtn7-transport/pkg/frames"
)

// Backoff configures the delays between reopen attempts of an interrupted Channel.
type Backoff struct {
	// InitialDelay before the first reopen attempt.
	InitialDelay time.Duration

	// MaxDelay caps the growing delay.
	MaxDelay time.Duration

	// Multiplier is applied to the delay after each failed attempt.
	Multiplier float64

	// MaxAttempts before giving up; zero retries forever.
	MaxAttempts int
}

// DefaultBackoff starts at 100ms and doubles up to 10s, giving up after ten attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
	}
}

// Validate this Backoff.
func (b Backoff) Validate() error {
	switch {
	case b.InitialDelay <= 0:
		return fmt.Errorf("backoff's initial delay must be positive, not %v", b.InitialDelay)
	case b.MaxDelay < b.InitialDelay:
		return fmt.Errorf("backoff's maximum delay %v is below its initial delay %v", b.MaxDelay, b.InitialDelay)
	case b.Multiplier < 1:
		return fmt.Errorf("backoff's multiplier must be at least 1, not %v", b.Multiplier)
	case b.MaxAttempts < 0:
		return fmt.Errorf("backoff's maximum attempts must not be negative, not %d", b.MaxAttempts)
	default:
		return nil
	}
}

// Delay before the given attempt, starting at zero.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	if delay > float64(b.MaxDelay) || math.IsInf(delay, 0) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// Exhausted checks if no further attempt should be made after the given amount of attempts.
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}

// Network of a dialed Channel.
type Network string

const (
	// TCP dials a plain TCP connection.
	TCP Network = "tcp"

	// WebSocket dials a WebSocket connection to "ws://host:port" and the configured path.
	WebSocket Network = "ws"
)

// DialConfig describes how to reach a remote Endpoint.
type DialConfig struct {
	Network Network
	Timeout time.Duration

	// WebSocketPath is the HTTP path of the WebSocket handler for the WebSocket Network.
	WebSocketPath string

	// Probes tune how fast the kernel detects a broken TCP connection, even without outgoing frames.
	Probes ProbeConfig
}

// ProbeConfig of a dialed TCP connection. Zero values keep the operating system's defaults. Linux supports all
// fields, other systems only the Idle period.
type ProbeConfig struct {
	// Idle period before the first TCP keep-alive probe.
	Idle time.Duration

	// Interval between TCP keep-alive probes.
	Interval time.Duration

	// Count of unanswered probes before the connection is dropped.
	Count int

	// UserTimeout drops a connection whose sent data remained unacknowledged for this long.
	UserTimeout time.Duration
}

// DefaultProbeConfig drops a silent connection after roughly 15 seconds.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Idle:        5 * time.Second,
		Interval:    3 * time.Second,
		Count:       3,
		UserTimeout: 10 * time.Second,
	}
}

// Validate this ProbeConfig.
func (pc ProbeConfig) Validate() error {
	if pc.Idle < 0 || pc.Interval < 0 || pc.Count < 0 || pc.UserTimeout < 0 {
		return fmt.Errorf("probe configuration must not be negative: %+v", pc)
	}
	return nil
}

// Config of a Channel.
type Config struct {
	// NodeID and InstanceID of this node are announced in the ContactHeader.
	NodeID     uint64
	InstanceID uuid.UUID

	// Keepalive is the idle period after which a keep-alive control frame is sent. Zero disables keep-alives.
	Keepalive time.Duration

	// StallTimeout closes a Channel without any inbound frame for this duration. Zero derives it as three times the
	// negotiated keep-alive; a negative value disables the stall detection.
	StallTimeout time.Duration

	HandshakeTimeout time.Duration

	// SendBufferSize and ControlBufferSize are the capacities of the data and control frame rings.
	SendBufferSize    int
	ControlBufferSize int

	MaxFrameSize uint32

	// HandlerRetryDelay is the pause before an inbound frame, postponed by the Handler, is delivered again.
	HandlerRetryDelay time.Duration

	// ReopenOnError lets a dialed Channel reconnect after an I/O error instead of closing.
	ReopenOnError bool
	Backoff       Backoff

	Dial DialConfig

	// Clock is used for all time-based decisions; defaults to the wall clock.
	Clock clock.Clock
}

// DefaultConfig for a new node instance.
func DefaultConfig() Config {
	return Config{
		NodeID:     0,
		InstanceID: uuid.New(),

		Keepalive:        5 * time.Second,
		HandshakeTimeout: 5 * time.Second,

		SendBufferSize:    1024,
		ControlBufferSize: 64,
		MaxFrameSize:      frames.DefaultMaxFrameSize,

		HandlerRetryDelay: 10 * time.Millisecond,

		ReopenOnError: true,
		Backoff:       DefaultBackoff(),

		Dial: DialConfig{
			Network:       TCP,
			Timeout:       time.Second,
			WebSocketPath: "/ws",
			Probes:        DefaultProbeConfig(),
		},

		Clock: clock.New(),
	}
}

// Validate this Config.
func (c Config) Validate() error {
	switch {
	case c.Keepalive < 0:
		return fmt.Errorf("keepalive must not be negative, not %v", c.Keepalive)
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("handshake timeout must be positive, not %v", c.HandshakeTimeout)
	case c.SendBufferSize <= 0:
		return fmt.Errorf("send buffer size must be positive, not %d", c.SendBufferSize)
	case c.ControlBufferSize <= 0:
		return fmt.Errorf("control buffer size must be positive, not %d", c.ControlBufferSize)
	case c.HandlerRetryDelay <= 0:
		return fmt.Errorf("handler retry delay must be positive, not %v", c.HandlerRetryDelay)
	case c.Dial.Network != TCP && c.Dial.Network != WebSocket:
		return fmt.Errorf("unknown network %q", c.Dial.Network)
	case c.Dial.Timeout <= 0:
		return fmt.Errorf("dial timeout must be positive, not %v", c.Dial.Timeout)
	}

	if err := c.Dial.Probes.Validate(); err != nil {
		return err
	}

	if c.ReopenOnError {
		return c.Backoff.Validate()
	}
	return nil
}

// stallTimeout for a negotiated keep-alive.
func (c Config) stallTimeout(keepalive time.Duration) time.Duration {
	switch {
	case c.StallTimeout < 0:
		return 0
	case c.StallTimeout > 0:
		return c.StallTimeout
	default:
		return 3 * keepalive
	}
}
