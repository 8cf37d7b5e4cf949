// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 5}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, delay := range expected {
		if d := b.Delay(attempt); d != delay {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, delay, d)
		}
	}

	if b.Exhausted(4) || !b.Exhausted(5) {
		t.Fatal("backoff exhausts at the wrong attempt")
	}

	b.MaxAttempts = 0
	if b.Exhausted(1 << 20) {
		t.Fatal("unlimited backoff was exhausted")
	}

	if d := b.Delay(10000); d != time.Second {
		t.Fatalf("huge attempt resulted in %v", d)
	}
}

func TestBackoffValidate(t *testing.T) {
	tests := []struct {
		backoff Backoff
		valid   bool
	}{
		{DefaultBackoff(), true},
		{Backoff{InitialDelay: 0, MaxDelay: time.Second, Multiplier: 2}, false},
		{Backoff{InitialDelay: time.Second, MaxDelay: time.Millisecond, Multiplier: 2}, false},
		{Backoff{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 0.5}, false},
		{Backoff{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1, MaxAttempts: -1}, false},
	}

	for i, test := range tests {
		if err := test.backoff.Validate(); (err == nil) != test.valid {
			t.Fatalf("test %d: validation of %v resulted in %v", i, test.backoff, err)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}

	mutations := []func(c *Config){
		func(c *Config) { c.Keepalive = -time.Second },
		func(c *Config) { c.HandshakeTimeout = 0 },
		func(c *Config) { c.SendBufferSize = 0 },
		func(c *Config) { c.ControlBufferSize = -1 },
		func(c *Config) { c.HandlerRetryDelay = 0 },
		func(c *Config) { c.Dial.Network = "udp" },
		func(c *Config) { c.Dial.Timeout = 0 },
		func(c *Config) { c.Dial.Probes.Count = -1 },
		func(c *Config) { c.Dial.Probes.UserTimeout = -time.Second },
		func(c *Config) { c.Backoff.Multiplier = 0 },
	}

	for i, mutate := range mutations {
		conf := DefaultConfig()
		mutate(&conf)

		if err := conf.Validate(); err == nil {
			t.Fatalf("mutation %d was valid", i)
		}
	}

	conf := DefaultConfig()
	conf.ReopenOnError = false
	conf.Backoff = Backoff{}
	if err := conf.Validate(); err != nil {
		t.Fatalf("backoff was validated without reopening: %v", err)
	}
}

func TestConfigStallTimeout(t *testing.T) {
	conf := DefaultConfig()

	if d := conf.stallTimeout(time.Second); d != 3*time.Second {
		t.Fatalf("derived stall timeout is %v", d)
	}

	conf.StallTimeout = 5 * time.Second
	if d := conf.stallTimeout(time.Second); d != 5*time.Second {
		t.Fatalf("configured stall timeout is %v", d)
	}

	conf.StallTimeout = -1
	if d := conf.stallTimeout(time.Second); d != 0 {
		t.Fatalf("disabled stall timeout is %v", d)
	}
}
