// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source for everything in artifactp2p that waits:
// rpc timeouts, pull expiry, reconnect backoff, membership polling.
// Production code injects Real(); tests inject Fake() and advance time
// explicitly so timeout behavior is asserted exactly rather than
// approximately.
type Clock interface {
	// Now returns the current time. Also satisfies backoff.Clock so an
	// ExponentialBackOff can measure elapsed time on the same source.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// NewTimer returns a stoppable one-shot timer whose C channel
	// receives once d has elapsed. Callers that may abandon the wait
	// (an rpc that completes before its timeout) should Stop it.
	NewTimer(d time.Duration) *Timer

	// AfterFunc calls f once d has elapsed. The returned Timer has a
	// nil C channel.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C (capacity 1; late ticks are
// dropped, matching time.Ticker).
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }

// Timer is a scheduled one-shot event.
type Timer struct {
	// C receives the fire time. Nil for AfterFunc timers.
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns false if it already
// fired or was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
