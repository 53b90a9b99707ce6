// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"log/slog"
	"testing"
	"time"

	"github.com/tidesync/tidesync/lib/clock"
)

func newTestBreaker(clk clock.Clock, onProbe func()) *breaker {
	return newBreaker(clk, slog.New(slog.DiscardHandler), time.Hour, onProbe)
}

func TestBreakerTripsOnStorageThreshold(t *testing.T) {
	clk := clock.Fake(time.UnixMilli(0))
	b := newTestBreaker(clk, nil)

	for i := 0; i < storageTripThreshold-1; i++ {
		b.recordStorageFailure()
	}
	if b.open() {
		t.Fatal("tripped below threshold")
	}
	b.recordStorageFailure()
	if !b.open() {
		t.Fatal("did not trip at threshold")
	}
}

func TestBreakerTripsOnConflictThreshold(t *testing.T) {
	clk := clock.Fake(time.UnixMilli(0))
	b := newTestBreaker(clk, nil)

	for i := 0; i < conflictTripThreshold; i++ {
		b.recordConflictedSync()
	}
	if !b.open() {
		t.Fatal("did not trip on conflict streak")
	}
}

func TestBreakerCleanMergeResetsOnlyConflicts(t *testing.T) {
	clk := clock.Fake(time.UnixMilli(0))
	b := newTestBreaker(clk, nil)

	b.recordConflictedSync()
	b.recordStorageFailure()
	b.recordCleanMerge()

	state := b.snapshot()
	if state.ConsecutiveConflicts != 0 {
		t.Fatalf("conflicts = %d, want 0", state.ConsecutiveConflicts)
	}
	if state.ConsecutiveStorageFailures != 1 {
		t.Fatalf("storage failures = %d, want 1 (untouched)", state.ConsecutiveStorageFailures)
	}
}

func TestBreakerSchedulesProbeOnceAndReopens(t *testing.T) {
	clk := clock.Fake(time.UnixMilli(0))
	probes := 0
	var b *breaker
	b = newTestBreaker(clk, func() { probes++ })

	for i := 0; i < storageTripThreshold; i++ {
		b.recordStorageFailure()
	}
	// Further failures while open must not stack more probes.
	b.recordStorageFailure()
	b.recordStorageFailure()

	clk.Advance(time.Hour)
	if probes != 1 {
		t.Fatalf("probes = %d, want 1", probes)
	}
	if b.open() {
		t.Fatal("breaker not half-open for the probe")
	}

	// A failing probe re-trips and schedules the next probe.
	b.recordStorageFailure()
	if !b.open() {
		t.Fatal("failed probe left the breaker closed")
	}
	clk.Advance(time.Hour)
	if probes != 2 {
		t.Fatalf("probes = %d, want 2", probes)
	}
}

func TestBreakerFullSuccessConflictedKeepsStreak(t *testing.T) {
	clk := clock.Fake(time.UnixMilli(0))
	b := newTestBreaker(clk, nil)

	b.recordConflictedSync()
	b.recordStorageFailure()
	b.recordFullSuccess(false)

	state := b.snapshot()
	if state.ConsecutiveStorageFailures != 0 {
		t.Fatalf("storage failures = %d, want 0", state.ConsecutiveStorageFailures)
	}
	if state.ConsecutiveConflicts != 1 {
		t.Fatalf("conflicts = %d, want streak preserved", state.ConsecutiveConflicts)
	}

	b.recordFullSuccess(true)
	if b.snapshot() != (BreakerState{}) {
		t.Fatalf("clean success did not reset: %+v", b.snapshot())
	}
}
