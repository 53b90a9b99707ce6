// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidesync/tidesync/bus"
	"github.com/tidesync/tidesync/lib/clock"
)

// waitFor polls condition until it holds or the deadline passes. The
// election runs on its own goroutine, so tests observe convergence
// rather than stepping it.
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func newTestCoordinator(t *testing.T, hub *bus.Hub, clk clock.Clock, id string) *Coordinator {
	t.Helper()
	c, err := New(Config{
		Endpoint:          hub.Join(),
		InstanceID:        id,
		Clock:             clk,
		HeartbeatInterval: time.Second,
		LeaderTimeout:     3 * time.Second,
		YieldCooldown:     10 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSimultaneousStartElectsExactlyOneLeader(t *testing.T) {
	hub := bus.NewHub()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	a := newTestCoordinator(t, hub, clk, "aaaa-1111")
	b := newTestCoordinator(t, hub, clk, "zzzz-9999")

	clk.Advance(time.Second) // both contest on the first tick
	waitFor(t, func() bool {
		return b.IsLeader() && a.Leader() == b.ID()
	})
	if a.IsLeader() {
		t.Fatal("both instances claim leadership")
	}
}

func TestLoneInstancePromotesItself(t *testing.T) {
	hub := bus.NewHub()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	c := newTestCoordinator(t, hub, clk, "solo")

	if c.IsLeader() {
		t.Fatal("leader before any tick elapsed")
	}
	clk.Advance(2 * time.Second)
	waitFor(t, c.IsLeader)
}

func TestFollowerPromotesWhenLeaderDies(t *testing.T) {
	hub := bus.NewHub()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	follower := newTestCoordinator(t, hub, clk, "aaaa-1111")
	leader := newTestCoordinator(t, hub, clk, "zzzz-9999")

	clk.Advance(time.Second)
	waitFor(t, leader.IsLeader)
	waitFor(t, func() bool { return follower.Leader() == leader.ID() })

	// Past the heartbeat timeout and past any cooldown the follower
	// may have picked up losing the initial contest.
	leader.Close()
	clk.Advance(15 * time.Second)
	waitFor(t, follower.IsLeader)
}

func TestHeartbeatsKeepFollowerLoyal(t *testing.T) {
	hub := bus.NewHub()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	follower := newTestCoordinator(t, hub, clk, "aaaa-1111")
	leader := newTestCoordinator(t, hub, clk, "zzzz-9999")

	clk.Advance(time.Second)
	waitFor(t, func() bool { return follower.Leader() == leader.ID() })

	// One heartbeat interval at a time; each heartbeat refreshes the
	// follower's view before the next advance.
	for i := 0; i < 10; i++ {
		clk.Advance(time.Second)
		time.Sleep(10 * time.Millisecond)
	}
	if follower.IsLeader() {
		t.Fatal("follower promoted despite live heartbeats")
	}
	if got := follower.Leader(); got != leader.ID() {
		t.Fatalf("follower's leader = %q, want %q", got, leader.ID())
	}
}

func TestAcquireLockImmediateForIdleLeader(t *testing.T) {
	hub := bus.NewHub()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	c := newTestCoordinator(t, hub, clk, "solo")
	clk.Advance(4 * time.Second)
	waitFor(t, c.IsLeader)

	if err := c.AcquireLock(context.Background(), time.Minute); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	c.ReleaseLock()
}

func TestAcquireLockQueuesUntilRelease(t *testing.T) {
	hub := bus.NewHub()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	c := newTestCoordinator(t, hub, clk, "solo")
	clk.Advance(4 * time.Second)
	waitFor(t, c.IsLeader)

	if err := c.AcquireLock(context.Background(), time.Minute); err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}

	second := make(chan error, 1)
	go func() {
		second <- c.AcquireLock(context.Background(), time.Hour)
	}()

	select {
	case err := <-second:
		t.Fatalf("second acquire returned %v while lock held", err)
	case <-time.After(50 * time.Millisecond):
	}

	c.ReleaseLock()
	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("second AcquireLock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued acquire not serviced after release")
	}
	c.ReleaseLock()
}

func TestAcquireLockTimesOutWithoutLeader(t *testing.T) {
	hub := bus.NewHub()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	c, err := New(Config{
		Endpoint:          hub.Join(),
		InstanceID:        "solo",
		Clock:             clk,
		HeartbeatInterval: time.Hour,
		LeaderTimeout:     time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	result := make(chan error, 1)
	go func() {
		result <- c.AcquireLock(context.Background(), time.Second)
	}()
	time.Sleep(50 * time.Millisecond) // let the waiter enqueue
	clk.Advance(time.Second)

	select {
	case err := <-result:
		if !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("got %v, want ErrLockTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not time out")
	}
}

func TestQueuedLockServicedOnPromotion(t *testing.T) {
	hub := bus.NewHub()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	c := newTestCoordinator(t, hub, clk, "solo")

	result := make(chan error, 1)
	go func() {
		result <- c.AcquireLock(context.Background(), time.Hour)
	}()
	time.Sleep(50 * time.Millisecond) // let the waiter enqueue

	clk.Advance(4 * time.Second) // grace elapses, instance promotes
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("AcquireLock after promotion: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued acquire not serviced after promotion")
	}
	c.ReleaseLock()
}

func TestYieldCooldownPreventsOscillation(t *testing.T) {
	hub := bus.NewHub()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	low := newTestCoordinator(t, hub, clk, "aaaa-1111")

	// The low instance promotes itself alone, then a higher id joins
	// and takes over.
	clk.Advance(4 * time.Second)
	waitFor(t, low.IsLeader)

	// Joining, the higher id requests, hears the incumbent's claim,
	// and outbids it.
	high := newTestCoordinator(t, hub, clk, "zzzz-9999")
	waitFor(t, func() bool { return high.IsLeader() && low.Leader() == high.ID() })

	// Kill the new leader. The old one just yielded and must sit out
	// the cooldown before promoting again.
	high.Close()
	clk.Advance(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if low.IsLeader() {
		t.Fatal("promoted inside the yield cooldown")
	}

	clk.Advance(10 * time.Second)
	waitFor(t, low.IsLeader)
}
