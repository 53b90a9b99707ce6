// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"sync"
	"time"

	"github.com/tidesync/tidesync/lib/clock"
)

type gateState int

const (
	gateIdle gateState = iota
	gateArmed
	gateFiring
)

// debouncer coalesces bursts of external triggers into single fire
// calls. The first trigger arms a timer; triggers landing while armed
// are absorbed into the pending fire; triggers landing while firing
// re-arm the gate so nothing is lost.
type debouncer struct {
	clk   clock.Clock
	delay time.Duration
	fire  func()

	mu    sync.Mutex
	state gateState
}

func newDebouncer(clk clock.Clock, delay time.Duration, fire func()) *debouncer {
	return &debouncer{clk: clk, delay: delay, fire: fire}
}

// Trigger requests a fire. Never blocks.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case gateIdle:
		d.state = gateArmed
		d.clk.AfterFunc(d.delay, d.run)
	case gateArmed:
		// Absorbed into the pending fire.
	case gateFiring:
		d.state = gateArmed
		d.clk.AfterFunc(d.delay, d.run)
	}
}

func (d *debouncer) run() {
	d.mu.Lock()
	d.state = gateFiring
	d.mu.Unlock()

	d.fire()

	d.mu.Lock()
	// A trigger during the fire moved the state back to armed and
	// scheduled the next run; otherwise we return to idle.
	if d.state == gateFiring {
		d.state = gateIdle
	}
	d.mu.Unlock()
}
