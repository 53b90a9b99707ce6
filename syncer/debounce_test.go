// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"testing"
	"time"

	"github.com/tidesync/tidesync/lib/clock"
)

func TestDebounceCoalescesBursts(t *testing.T) {
	clk := clock.Fake(time.UnixMilli(0))
	fires := 0
	gate := newDebouncer(clk, time.Second, func() { fires++ })

	for i := 0; i < 20; i++ {
		gate.Trigger()
	}
	if fires != 0 {
		t.Fatalf("fired %d times before the window elapsed", fires)
	}

	clk.Advance(time.Second)
	if fires != 1 {
		t.Fatalf("fires = %d, want 1 for the whole burst", fires)
	}

	// The gate returns to idle; nothing further fires on its own.
	clk.Advance(time.Minute)
	if fires != 1 {
		t.Fatalf("fires = %d after quiet period, want 1", fires)
	}
}

func TestDebounceSeparateBurstsFireSeparately(t *testing.T) {
	clk := clock.Fake(time.UnixMilli(0))
	fires := 0
	gate := newDebouncer(clk, time.Second, func() { fires++ })

	gate.Trigger()
	clk.Advance(time.Second)
	gate.Trigger()
	clk.Advance(time.Second)

	if fires != 2 {
		t.Fatalf("fires = %d, want 2", fires)
	}
}

func TestDebounceTriggerDuringFireRearms(t *testing.T) {
	clk := clock.Fake(time.UnixMilli(0))
	fires := 0
	var gate *debouncer
	gate = newDebouncer(clk, time.Second, func() {
		fires++
		if fires == 1 {
			// A trigger landing mid-fire must not be lost.
			gate.Trigger()
		}
	})

	gate.Trigger()
	clk.Advance(time.Second)
	if fires != 1 {
		t.Fatalf("fires = %d, want 1", fires)
	}

	clk.Advance(time.Second)
	if fires != 2 {
		t.Fatalf("fires = %d, want 2 after mid-fire trigger", fires)
	}
}
