// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-transport/pkg/frames"
)

// dataBatch limits the data frames written between two checks of the control ring.
const dataBatch = 64

// readLoop receives frames until the incarnation fails or stops.
func (ch *Channel) readLoop(inc *incarnation) {
	defer inc.wg.Done()

	for {
		f, err := inc.conn.ReadFrame()
		if err != nil {
			ch.fail(inc, err)
			return
		}

		atomic.StoreInt64(&ch.lastReceive, ch.clock.Now().UnixNano())

		if cf, ok := f.(*frames.ControlFrame); ok {
			ch.notify(func(l Listener) { l.OnControlFrame(ch, cf) })
			continue
		}

		if !ch.deliver(inc, f) {
			return
		}
	}
}

// deliver a data frame to the Handler, retrying postponed frames. False is returned if the incarnation stopped.
func (ch *Channel) deliver(inc *incarnation, f frames.Frame) bool {
	for {
		if ch.handle(inc.generation, f) {
			return true
		}

		select {
		case <-inc.stop:
			return false
		case <-ch.clock.After(ch.conf.HandlerRetryDelay):
		}
	}
}

// handle calls the Handler. A panicking Handler drops the frame.
func (ch *Channel) handle(generation uint32, f frames.Frame) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			ch.log().WithFields(log.Fields{
				"frame": f,
				"panic": r,
			}).Error("Channel handler panicked, dropping frame")

			accepted = true
		}
	}()

	return ch.handler.HandleFrame(ch, generation, f)
}

// writeLoop writes queued frames and keeps the connection alive until the incarnation fails or stops.
func (ch *Channel) writeLoop(inc *incarnation) {
	defer inc.wg.Done()

	var tick <-chan time.Time
	if inc.keepalive > 0 {
		ticker := ch.clock.Ticker(inc.keepalive / 4)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-inc.stop:
			return

		case <-tick:
			if err := ch.checkKeepalive(inc); err != nil {
				ch.fail(inc, err)
				return
			}

		case <-ch.wakeup:
		}

		if err := ch.flush(inc); err != nil {
			ch.notify(func(l Listener) { l.OnSendError(ch, err) })
			ch.fail(inc, err)
			return
		}
	}
}

// flush writes all queued frames, control frames first. A frame's done function is called after the connection was
// flushed; frames of an older generation are dropped.
func (ch *Channel) flush(inc *incarnation) error {
	for {
		batch := ch.control.Drain(0)
		batch = append(batch, ch.data.Drain(dataBatch)...)
		if len(batch) == 0 {
			return nil
		}

		written := make([]outFrame, 0, len(batch))
		for i, of := range batch {
			if of.generation != inc.generation {
				of.finish(false)
				continue
			}

			*of.frame.FrameHeader() = frames.Header{StreamID: ch.streamID, Generation: inc.generation}

			if err := inc.conn.WriteFrame(of.frame); err != nil {
				finishAll(written, false)
				finishAll(batch[i:], false)
				return err
			}
			written = append(written, of)
		}

		if err := inc.conn.Flush(); err != nil {
			finishAll(written, false)
			return err
		}

		atomic.StoreInt64(&ch.lastSend, ch.clock.Now().UnixNano())
		finishAll(written, true)
	}
}

func finishAll(ofs []outFrame, written bool) {
	for _, of := range ofs {
		of.finish(written)
	}
}

// checkKeepalive schedules a keep-alive after an idle period and detects stalled connections.
func (ch *Channel) checkKeepalive(inc *incarnation) error {
	now := ch.clock.Now()

	if stall := ch.conf.stallTimeout(inc.keepalive); stall > 0 {
		lastReceive := time.Unix(0, atomic.LoadInt64(&ch.lastReceive))
		if idle := now.Sub(lastReceive); idle > stall {
			return fmt.Errorf("no frame received for %v, exceeding the stall timeout of %v", idle, stall)
		}
	}

	lastSend := time.Unix(0, atomic.LoadInt64(&ch.lastSend))
	if now.Sub(lastSend) < inc.keepalive {
		return nil
	}

	seq := atomic.AddUint64(&ch.controlSeq, 1)
	if ch.ScheduleControlFrame(frames.NewControlFrame(frames.KeepAlive, seq)) {
		ch.notify(func(l Listener) { l.OnKeepAlive(ch) })
	} else {
		ch.log().Debug("Keep-alive was dropped due to backpressure")
	}
	return nil
}
