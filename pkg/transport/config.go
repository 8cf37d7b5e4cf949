// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtn7/dtn7-transport/pkg/channel"
	"github.com/dtn7/dtn7-transport/pkg/pool"
)

// ClientConfig configures a ClientTransport.
type ClientConfig struct {
	// Pool of outgoing Channels. Its Channel.Clock is the transport's clock.
	Pool pool.Config

	// RequestMemory and MessageMemory are the capacities in bytes of the two independent memory pools.
	RequestMemory int
	MessageMemory int

	// SweepPeriod is the interval of the task retrying waiting requests and timing out expired ones.
	SweepPeriod time.Duration

	// ReconnectDelay is the pause before a failed connect to a leased Endpoint is tried again.
	ReconnectDelay time.Duration

	// Registerer for the transport's metrics; nil keeps them unregistered.
	Registerer prometheus.Registerer
}

// DefaultClientConfig with 4 MiB for both requests and messages.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Pool:           pool.DefaultConfig(),
		RequestMemory:  4 << 20,
		MessageMemory:  4 << 20,
		SweepPeriod:    10 * time.Millisecond,
		ReconnectDelay: 100 * time.Millisecond,
	}
}

// Validate this ClientConfig.
func (c ClientConfig) Validate() error {
	switch {
	case c.RequestMemory <= 0:
		return fmt.Errorf("request memory must be positive, not %d", c.RequestMemory)
	case c.MessageMemory <= 0:
		return fmt.Errorf("message memory must be positive, not %d", c.MessageMemory)
	case c.SweepPeriod <= 0:
		return fmt.Errorf("sweep period must be positive, not %v", c.SweepPeriod)
	case c.ReconnectDelay < 0:
		return fmt.Errorf("reconnect delay must not be negative, not %v", c.ReconnectDelay)
	default:
		return c.Pool.Validate()
	}
}

func (c ClientConfig) clock() clock.Clock {
	if c.Pool.Channel.Clock == nil {
		return clock.New()
	}
	return c.Pool.Channel.Clock
}

// ServerConfig configures a ServerTransport.
type ServerConfig struct {
	// ListenAddress of the TCP listener, e.g., ":35037". An empty address disables the TCP listener, leaving only
	// the WebSocket handler.
	ListenAddress string

	// Channel configures each accepted Channel.
	Channel channel.Config

	// Memory is the capacity in bytes for outbound messages and responses.
	Memory int

	// AcceptRate limits accepted connections per second, allowing bursts of AcceptBurst.
	AcceptRate  float64
	AcceptBurst int

	// Registerer for the transport's metrics; nil keeps them unregistered.
	Registerer prometheus.Registerer
}

// DefaultServerConfig listening on all interfaces.
func DefaultServerConfig() ServerConfig {
	conf := ServerConfig{
		ListenAddress: ":35037",
		Channel:       channel.DefaultConfig(),
		Memory:        4 << 20,
		AcceptRate:    100,
		AcceptBurst:   32,
	}
	conf.Channel.ReopenOnError = false
	return conf
}

// Validate this ServerConfig.
func (c ServerConfig) Validate() error {
	switch {
	case c.Memory <= 0:
		return fmt.Errorf("server memory must be positive, not %d", c.Memory)
	case c.AcceptRate <= 0:
		return fmt.Errorf("accept rate must be positive, not %v", c.AcceptRate)
	case c.AcceptBurst <= 0:
		return fmt.Errorf("accept burst must be positive, not %d", c.AcceptBurst)
	default:
		return c.Channel.Validate()
	}
}
