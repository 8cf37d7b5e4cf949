// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"fmt"
)

// State of a Channel.
type State uint32

const (
	// Connecting is the initial State while dialing and exchanging ContactHeaders.
	Connecting State = iota

	// Ready Channels exchange frames.
	Ready

	// Interrupted Channels lost their connection and try to reopen it.
	Interrupted

	// Closing Channels reject new frames and shut down asynchronously.
	Closing

	// Closed is the terminal State after Closing.
	Closed

	// Failed is the terminal State of a Channel which never became Ready.
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Interrupted:
		return "interrupted"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal checks if no further transition may leave this State.
func (s State) IsTerminal() bool {
	return s == Closed || s == Failed
}

// event triggers a transition.
type event uint8

const (
	evConnected event = iota
	evConnectFailed
	evIOError
	evIOErrorReopen
	evGiveUp
	evClose
	evClosed
)

func (ev event) String() string {
	switch ev {
	case evConnected:
		return "connected"
	case evConnectFailed:
		return "connect failed"
	case evIOError:
		return "I/O error"
	case evIOErrorReopen:
		return "I/O error, reopening"
	case evGiveUp:
		return "reopen given up"
	case evClose:
		return "close"
	case evClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// command is a side effect to be executed after a transition.
type command uint8

const (
	cmdNone command = iota
	cmdNotifyOpened
	cmdNotifyFailed
	cmdStartReopen
	cmdFinishClose
	cmdNotifyClosed
)

type transitionKey struct {
	from State
	ev   event
}

type transitionResult struct {
	to  State
	cmd command
}

// transitions is the complete table of allowed transitions. Everything else is an error.
var transitions = map[transitionKey]transitionResult{
	{Connecting, evConnected}:     {Ready, cmdNotifyOpened},
	{Connecting, evConnectFailed}: {Failed, cmdNotifyFailed},
	{Connecting, evClose}:         {Closing, cmdFinishClose},

	{Ready, evIOError}:       {Closing, cmdFinishClose},
	{Ready, evIOErrorReopen}: {Interrupted, cmdStartReopen},
	{Ready, evClose}:         {Closing, cmdFinishClose},

	{Interrupted, evConnected}: {Ready, cmdNotifyOpened},
	{Interrupted, evGiveUp}:    {Closing, cmdFinishClose},
	{Interrupted, evClose}:     {Closing, cmdFinishClose},

	{Closing, evClosed}: {Closed, cmdNotifyClosed},
}

// transition calculates the next State and its command for an event.
func transition(from State, ev event) (State, command, error) {
	if res, ok := transitions[transitionKey{from, ev}]; ok {
		return res.to, res.cmd, nil
	}
	return from, cmdNone, fmt.Errorf("illegal channel transition from %v on %v", from, ev)
}
