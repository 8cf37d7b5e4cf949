// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRequestTimeout is matched by each TimeoutError.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrIllegalState is returned for operations not allowed in a RequestController's current state.
	ErrIllegalState = errors.New("illegal request state")

	// ErrChannelClosed fails requests whose Channel was lost after sending.
	ErrChannelClosed = errors.New("channel closed")

	// ErrRemoteInactive fails requests whose RemoteAddress was deactivated or retired.
	ErrRemoteInactive = errors.New("remote address is inactive")

	// ErrRequestCanceled completes canceled requests.
	ErrRequestCanceled = errors.New("request canceled")

	// ErrTransportClosed fails requests which were active while their transport was closed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrBackpressure is returned by RequestController.Open if the request memory is exhausted.
	ErrBackpressure = errors.New("request memory exhausted")

	// ErrResponsePending is returned by ResponseFuture.Result before completion.
	ErrResponsePending = errors.New("response is pending")
)

// TimeoutError fails a request after its deadline passed.
type TimeoutError struct {
	Timeout time.Duration
}

func (te *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %v", te.Timeout)
}

// Is matches ErrRequestTimeout.
func (te *TimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}
