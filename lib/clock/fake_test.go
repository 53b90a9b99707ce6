// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresInOrder(t *testing.T) {
	fake := Fake(time.Unix(1000, 0))

	first := fake.After(1 * time.Second)
	second := fake.After(2 * time.Second)

	fake.Advance(500 * time.Millisecond)
	select {
	case <-first:
		t.Fatal("timer fired before its deadline")
	default:
	}

	fake.Advance(2 * time.Second)
	firedAt := <-first
	if got, want := firedAt, time.Unix(1001, 0); !got.Equal(want) {
		t.Errorf("first fire time = %v, want %v", got, want)
	}
	<-second
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	fired := false
	timer := fake.AfterFunc(time.Minute, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop() = false for pending timer")
	}
	fake.Advance(2 * time.Minute)
	if fired {
		t.Error("callback ran after Stop")
	}
}

func TestFakeAfterFuncReset(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	count := 0
	timer := fake.AfterFunc(time.Minute, func() { count++ })
	fake.Advance(2 * time.Minute)
	if count != 1 {
		t.Fatalf("count = %d after first fire, want 1", count)
	}

	// Reset after firing re-arms the timer.
	if timer.Reset(time.Minute) {
		t.Error("Reset() = true for already-fired timer")
	}
	fake.Advance(time.Minute)
	if count != 2 {
		t.Errorf("count = %d after re-arm, want 2", count)
	}
}

func TestFakeTickerMultipleTicksPerAdvance(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	// The tick channel has capacity 1, so a multi-interval Advance
	// delivers at least one tick without queueing the rest.
	fake.Advance(3 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after advancing past the interval")
	}
}

func TestFakeZeroDurationFiresImmediately(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	select {
	case <-fake.After(0):
	default:
		t.Error("After(0) did not fire immediately")
	}

	ran := false
	fake.AfterFunc(0, func() { ran = true })
	if !ran {
		t.Error("AfterFunc(0) did not run synchronously")
	}
}
