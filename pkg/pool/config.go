// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pool

import (
	"fmt"
	"time"

	"github.com/dtn7/dtn7-transport/pkg/channel"
)

// Config of a Pool.
type Config struct {
	// Capacity of entries. When exceeded, the least recently returned idle entry is evicted. If every entry is
	// borrowed, the Pool grows beyond its Capacity.
	Capacity int

	// ConnectTimeout bounds a single shared connect attempt and each Future's acquisition. It is measured by the
	// Channel's clock.
	ConnectTimeout time.Duration

	// Channel configures each created Channel.
	Channel channel.Config
}

// DefaultConfig for a Pool.
func DefaultConfig() Config {
	return Config{
		Capacity:       16,
		ConnectTimeout: 10 * time.Second,
		Channel:        channel.DefaultConfig(),
	}
}

// Validate this Config.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("pool capacity must be positive, not %d", c.Capacity)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("pool connect timeout must be positive, not %v", c.ConnectTimeout)
	}
	return c.Channel.Validate()
}
