// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sched runs recurring, non-blocking tasks on a ticker of an injectable clock.
package sched

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// Task does some bounded amount of work and reports whether more work remains. A Task must not block.
type Task func() (more bool)

// ErrClosed is returned when closing a Scheduler for a second time.
var ErrClosed = errors.New("scheduler is already closed")

// DefaultMaxRuns limits how often a Task reporting more work is invoked again within a single tick.
const DefaultMaxRuns = 16

type entry struct {
	id   uint64
	name string
	task Task
}

// Scheduler invokes its registered Tasks on every tick. A Task reporting more work is invoked again in the same
// tick, up to a fixed limit, before the next Task gets its turn.
type Scheduler struct {
	clock   clock.Clock
	period  time.Duration
	maxRuns int

	mutex  sync.Mutex
	tasks  []entry
	nextID uint64

	stopSyn chan struct{}
	stopAck chan struct{}
	started bool
	stopped bool
}

// NewScheduler creates a Scheduler ticking in the given period. Start must be called to run the ticker.
func NewScheduler(clk clock.Clock, period time.Duration) (*Scheduler, error) {
	if period <= 0 {
		return nil, fmt.Errorf("scheduler period must be positive, not %v", period)
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Scheduler{
		clock:   clk,
		period:  period,
		maxRuns: DefaultMaxRuns,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}, nil
}

// Submit a recurring Task. The returned function removes the Task again.
func (s *Scheduler) Submit(name string, task Task) (cancel func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.nextID++
	id := s.nextID
	s.tasks = append(s.tasks, entry{id: id, name: name, task: task})

	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()

		for i, e := range s.tasks {
			if e.id == id {
				s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
				return
			}
		}
	}
}

// Start the Scheduler's goroutine.
func (s *Scheduler) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true

	go s.handler()
}

func (s *Scheduler) handler() {
	ticker := s.clock.Ticker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSyn:
			close(s.stopAck)
			return

		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce executes a single tick on the calling goroutine.
func (s *Scheduler) RunOnce() {
	s.mutex.Lock()
	tasks := make([]entry, len(s.tasks))
	copy(tasks, s.tasks)
	s.mutex.Unlock()

	for _, e := range tasks {
		for i := 0; i < s.maxRuns; i++ {
			if !s.run(e) {
				break
			}
		}
	}
}

// run a single Task invocation, isolating panics.
func (s *Scheduler) run(e entry) (more bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"task":  e.name,
				"panic": r,
			}).Error("Scheduled task panicked")
			more = false
		}
	}()

	return e.task()
}

// Close stops the Scheduler and waits for its goroutine. Only the first call succeeds, later ones return ErrClosed.
func (s *Scheduler) Close() error {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return ErrClosed
	}
	s.stopped = true
	started := s.started
	s.mutex.Unlock()

	close(s.stopSyn)
	if started {
		<-s.stopAck
	}
	return nil
}
