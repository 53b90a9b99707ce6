// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source injected into every component that sets
// timers or reads the wall clock. Code under lib/ and the sync engine
// must not call the time package's timer functions directly; doing so
// makes heartbeat and breaker behavior untestable.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d elapses.
	// If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after d. The returned Timer can
	// cancel the pending call with Stop.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a cancelable scheduled call created by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. Returns true if the call
	// was stopped before it ran.
	Stop() bool

	// Reset reschedules the timer to fire after d. Returns true if
	// the timer was still pending.
	Reset(d time.Duration) bool
}

// Ticker delivers periodic ticks on C. Call Stop to release it. C has
// capacity 1; ticks are dropped, not queued, when the consumer lags.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. No further ticks arrive on C. Stop does
// not close C.
func (t *Ticker) Stop() { t.stopFunc() }
