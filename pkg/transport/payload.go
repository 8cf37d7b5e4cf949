// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"sync"
)

// PayloadWriter serializes a payload into an allocated buffer.
type PayloadWriter interface {
	// Len of the serialized payload.
	Len() int

	// Write the payload into buf, which is exactly Len bytes long.
	Write(buf []byte) error
}

// BytesWriter is a PayloadWriter for a byte slice.
type BytesWriter []byte

func (bw BytesWriter) Len() int {
	return len(bw)
}

func (bw BytesWriter) Write(buf []byte) error {
	copy(buf, bw)
	return nil
}

// ResponseReader validates or decodes a response payload. An error fails the request.
type ResponseReader func(payload []byte) error

// ResponseFuture is the pending result of a request.
type ResponseFuture struct {
	done chan struct{}
	once sync.Once

	payload []byte
	err     error

	cancel func()
}

func newResponseFuture() *ResponseFuture {
	return &ResponseFuture{done: make(chan struct{})}
}

func (rf *ResponseFuture) resolve(payload []byte, err error) {
	rf.once.Do(func() {
		rf.payload, rf.err = payload, err
		close(rf.done)
	})
}

// Done is closed after the request completed.
func (rf *ResponseFuture) Done() <-chan struct{} {
	return rf.done
}

// Result of a completed request or ErrResponsePending.
func (rf *ResponseFuture) Result() ([]byte, error) {
	select {
	case <-rf.done:
		return rf.payload, rf.err
	default:
		return nil, ErrResponsePending
	}
}

// Wait for the response until the Context is done. A done Context does not cancel the request.
func (rf *ResponseFuture) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-rf.done:
		return rf.payload, rf.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel a pending request, completing it with ErrRequestCanceled.
func (rf *ResponseFuture) Cancel() {
	if rf.cancel != nil {
		rf.cancel()
	} else {
		rf.resolve(nil, ErrRequestCanceled)
	}
}
