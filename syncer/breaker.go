// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tidesync/tidesync/lib/clock"
)

const (
	// conflictTripThreshold is how many consecutive conflicted syncs
	// open the breaker.
	conflictTripThreshold = 5

	// storageTripThreshold is how many consecutive storage-layer
	// failures open the breaker.
	storageTripThreshold = 10

	// DefaultRecoveryDelay is how long the breaker stays open before
	// the automatic recovery probe.
	DefaultRecoveryDelay = time.Hour
)

// BreakerState is the externally visible circuit-breaker state,
// reported with every sync result.
type BreakerState struct {
	ConsecutiveConflicts       int
	ConsecutiveStorageFailures int
	LocalModeActive            bool
}

// breaker gates the remote path. Conflicted syncs and storage-layer
// failures are counted independently; either threshold opens the
// breaker, forcing LOCAL mode. A recovery probe is scheduled once per
// trip; one fully successful NORMAL sync closes everything.
type breaker struct {
	clk           clock.Clock
	logger        *slog.Logger
	recoveryDelay time.Duration

	// onProbe runs when the recovery delay elapses, on the timer's
	// goroutine. It should trigger one sync attempt.
	onProbe func()

	mu        sync.Mutex
	state     BreakerState
	scheduled bool
}

func newBreaker(clk clock.Clock, logger *slog.Logger, recoveryDelay time.Duration, onProbe func()) *breaker {
	if recoveryDelay <= 0 {
		recoveryDelay = DefaultRecoveryDelay
	}
	return &breaker{
		clk:           clk,
		logger:        logger,
		recoveryDelay: recoveryDelay,
		onProbe:       onProbe,
	}
}

func (b *breaker) snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.LocalModeActive
}

// recordConflictedSync counts a sync whose merge reported conflicts.
func (b *breaker) recordConflictedSync() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsecutiveConflicts++
	if b.state.ConsecutiveConflicts >= conflictTripThreshold {
		b.tripLocked("conflict loop")
	}
}

// recordCleanMerge resets the conflict streak without touching the
// storage-failure streak.
func (b *breaker) recordCleanMerge() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsecutiveConflicts = 0
}

// recordStorageFailure counts a failed storage-layer operation.
func (b *breaker) recordStorageFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsecutiveStorageFailures++
	if b.state.ConsecutiveStorageFailures >= storageTripThreshold {
		b.tripLocked("storage failures")
	}
}

// recordFullSuccess registers a NORMAL sync that completed every
// step. The storage-failure streak always resets; the conflict streak
// and the flag reset only when the merge was also conflict-free,
// otherwise a conflict loop could hide behind successful publishes.
func (b *breaker) recordFullSuccess(cleanMerge bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsecutiveStorageFailures = 0
	if !cleanMerge {
		return
	}
	b.state.ConsecutiveConflicts = 0
	if b.state.LocalModeActive {
		b.logger.Info("circuit breaker closed")
		b.state.LocalModeActive = false
	}
}

// allowProbe half-opens the breaker so one sync may try the remote
// path again. The streak counters stay; the next failure re-trips.
func (b *breaker) allowProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled = false
	b.state.LocalModeActive = false
}

func (b *breaker) tripLocked(cause string) {
	if b.state.LocalModeActive {
		return
	}
	b.state.LocalModeActive = true
	b.logger.Warn("circuit breaker opened",
		"cause", cause,
		"conflicts", b.state.ConsecutiveConflicts,
		"storage_failures", b.state.ConsecutiveStorageFailures,
		"recovery_in", b.recoveryDelay)

	if b.scheduled {
		return
	}
	b.scheduled = true
	b.clk.AfterFunc(b.recoveryDelay, func() {
		b.allowProbe()
		b.logger.Info("circuit breaker half-open, probing remote")
		if b.onProbe != nil {
			b.onProbe()
		}
	})
}
