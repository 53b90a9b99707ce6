// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator elects a single publish leader among the
// execution contexts sharing a broadcast bus, and hands out the
// mutual-exclusion lock the publish path requires.
//
// Election is contention by instance id: every context broadcasts a
// leader-request at startup, and whenever two claims collide the
// lexicographically higher id re-announces until the lower side backs
// down. The leader emits periodic heartbeats; a follower that misses
// them for the timeout window promotes itself, unless it yielded
// leadership within the cooldown window.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tidesync/tidesync/bus"
	"github.com/tidesync/tidesync/lib/clock"
)

// ErrLockTimeout reports that the publish lock was not obtained
// within the caller's deadline.
var ErrLockTimeout = errors.New("coordinator: lock acquisition timed out")

// ErrClosed reports an operation on a closed coordinator.
var ErrClosed = errors.New("coordinator: closed")

const (
	// DefaultHeartbeatInterval is how often the leader proves
	// liveness.
	DefaultHeartbeatInterval = 2 * time.Second

	// DefaultLeaderTimeout is how long a follower tolerates silence
	// before self-promoting. Three missed heartbeats.
	DefaultLeaderTimeout = 6 * time.Second

	// DefaultYieldCooldown is how long an instance that just lost an
	// election refuses to re-attempt promotion. Prevents two
	// instances from trading leadership on every timeout.
	DefaultYieldCooldown = 10 * time.Second
)

// Config carries the coordinator's dependencies.
type Config struct {
	// Endpoint attaches the coordinator to the broadcast medium.
	// Required.
	Endpoint bus.Endpoint

	// InstanceID identifies this context in the election. Defaults
	// to a random UUID; the election compares ids as strings.
	InstanceID string

	// Clock drives heartbeats and timeouts. Defaults to the real
	// clock.
	Clock clock.Clock

	// Logger receives election transitions. Defaults to
	// slog.Default().
	Logger *slog.Logger

	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration
	YieldCooldown     time.Duration
}

// lockWaiter is one queued AcquireLock call. The channel is closed
// when the lock is granted.
type lockWaiter struct {
	ready chan struct{}
}

// Coordinator is one context's participant in the election protocol.
type Coordinator struct {
	id       string
	endpoint bus.Endpoint
	clk      clock.Clock
	logger   *slog.Logger

	heartbeatInterval time.Duration
	leaderTimeout     time.Duration
	yieldCooldown     time.Duration

	mu            chan struct{} // see lock()
	leader        string
	lastHeartbeat time.Time
	yieldedAt     time.Time
	lockBusy      bool
	lockQueue     []*lockWaiter
	closed        bool

	done chan struct{}
}

// New starts a coordinator and immediately contests the election.
func New(config Config) (*Coordinator, error) {
	if config.Endpoint == nil {
		return nil, fmt.Errorf("coordinator: endpoint is required")
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.LeaderTimeout <= 0 {
		config.LeaderTimeout = DefaultLeaderTimeout
	}
	if config.YieldCooldown <= 0 {
		config.YieldCooldown = DefaultYieldCooldown
	}

	c := &Coordinator{
		id:                config.InstanceID,
		endpoint:          config.Endpoint,
		clk:               config.Clock,
		logger:            config.Logger.With("instance", config.InstanceID),
		heartbeatInterval: config.HeartbeatInterval,
		leaderTimeout:     config.LeaderTimeout,
		yieldCooldown:     config.YieldCooldown,
		mu:                make(chan struct{}, 1),
		// Grace period: an existing leader gets one full timeout
		// window to make itself known before we self-promote.
		lastHeartbeat: config.Clock.Now(),
		done:          make(chan struct{}),
	}
	c.mu <- struct{}{}

	c.lock()
	c.send(bus.Message{Kind: bus.KindLeaderRequest})
	c.unlock()

	go c.run()
	return c, nil
}

// lock acquires the state mutex. A channel rather than sync.Mutex so
// AcquireLock can select against it together with its deadline.
func (c *Coordinator) lock()   { <-c.mu }
func (c *Coordinator) unlock() { c.mu <- struct{}{} }

// ID returns this instance's election id.
func (c *Coordinator) ID() string { return c.id }

// IsLeader reports whether this instance currently believes it is
// the leader.
func (c *Coordinator) IsLeader() bool {
	c.lock()
	defer c.unlock()
	return c.leader == c.id
}

// Leader returns the instance id of the current leader, or "" when
// no leader is known yet.
func (c *Coordinator) Leader() string {
	c.lock()
	defer c.unlock()
	return c.leader
}

// Close withdraws from the election. It does not close the
// underlying endpoint.
func (c *Coordinator) Close() error {
	c.lock()
	if c.closed {
		c.unlock()
		return nil
	}
	c.closed = true
	for _, waiter := range c.lockQueue {
		close(waiter.ready)
	}
	c.lockQueue = nil
	c.unlock()
	close(c.done)
	return nil
}

// AcquireLock obtains the cross-context publish lock. It returns
// immediately when this instance is the leader and the lock is idle;
// otherwise the request joins a FIFO queue and the current leader is
// pinged, and the call fails with ErrLockTimeout when timeout elapses
// first. A follower's queued request is serviced if the follower is
// promoted before the deadline.
func (c *Coordinator) AcquireLock(ctx context.Context, timeout time.Duration) error {
	c.lock()
	if c.closed {
		c.unlock()
		return ErrClosed
	}
	if c.leader == c.id && !c.lockBusy && len(c.lockQueue) == 0 {
		c.lockBusy = true
		c.send(bus.Message{Kind: bus.KindSyncStart})
		c.unlock()
		return nil
	}

	waiter := &lockWaiter{ready: make(chan struct{})}
	c.lockQueue = append(c.lockQueue, waiter)
	if c.leader != "" && c.leader != c.id {
		c.send(bus.Message{Kind: bus.KindPing, Target: c.leader})
	}
	c.unlock()

	deadline := c.clk.After(timeout)
	select {
	case <-waiter.ready:
		c.lock()
		closed := c.closed
		c.unlock()
		if closed {
			return ErrClosed
		}
		return nil
	case <-deadline:
		c.abandon(waiter)
		return ErrLockTimeout
	case <-ctx.Done():
		c.abandon(waiter)
		return fmt.Errorf("coordinator: %w", ctx.Err())
	}
}

// abandon removes a waiter from the queue after its deadline passed.
// When the grant raced the deadline the lock is released again so the
// next waiter is not starved.
func (c *Coordinator) abandon(waiter *lockWaiter) {
	c.lock()
	defer c.unlock()
	for i, queued := range c.lockQueue {
		if queued == waiter {
			c.lockQueue = append(c.lockQueue[:i], c.lockQueue[i+1:]...)
			return
		}
	}
	// Not in the queue: the grant already happened.
	select {
	case <-waiter.ready:
		if !c.closed {
			c.lockBusy = false
			c.send(bus.Message{Kind: bus.KindSyncComplete})
			c.grantNext()
		}
	default:
	}
}

// ReleaseLock releases the publish lock and immediately services the
// next queued request, if any.
func (c *Coordinator) ReleaseLock() {
	c.lock()
	defer c.unlock()
	if !c.lockBusy {
		return
	}
	c.lockBusy = false
	c.send(bus.Message{Kind: bus.KindSyncComplete})
	c.grantNext()
}

// grantNext hands the idle lock to the oldest waiter. Only the leader
// grants. Caller holds the state mutex.
func (c *Coordinator) grantNext() {
	if c.leader != c.id || c.lockBusy || len(c.lockQueue) == 0 {
		return
	}
	waiter := c.lockQueue[0]
	c.lockQueue = c.lockQueue[1:]
	c.lockBusy = true
	c.send(bus.Message{Kind: bus.KindSyncStart})
	close(waiter.ready)
}

func (c *Coordinator) run() {
	ticker := c.clk.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.endpoint.Messages():
			if !ok {
				return
			}
			c.handle(message)
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick emits a heartbeat when leading, and checks the leader's pulse
// when following.
func (c *Coordinator) tick() {
	c.lock()
	defer c.unlock()
	if c.closed {
		return
	}

	now := c.clk.Now()
	if c.leader == c.id {
		c.send(bus.Message{Kind: bus.KindHeartbeat, Leader: c.id})
		return
	}
	// With no leader ever observed, one silent interval is enough to
	// claim; a known leader gets the full timeout window.
	wait := c.leaderTimeout
	if c.leader == "" {
		wait = c.heartbeatInterval
	}
	if now.Sub(c.lastHeartbeat) >= wait && c.mayLead(now) {
		c.logger.Info("no live leader, promoting self",
			"previous_leader", c.leader,
			"silent_for", now.Sub(c.lastHeartbeat))
		c.becomeLeader()
	}
}

func (c *Coordinator) handle(message bus.Message) {
	if message.Target != "" && message.Target != c.id {
		return
	}

	c.lock()
	defer c.unlock()
	if c.closed {
		return
	}
	now := c.clk.Now()

	switch message.Kind {
	case bus.KindLeaderRequest:
		// The leader answers a newcomer's request. With no leader
		// known yet, the stronger unclaimed instance contests.
		if c.leader == c.id {
			c.announce()
			return
		}
		if c.leader == "" && c.id > message.From && c.mayLead(now) {
			c.announce()
		}

	case bus.KindLeaderAnnounce:
		c.observeClaim(message.Leader, now)

	case bus.KindHeartbeat:
		if message.Leader == c.leader {
			c.lastHeartbeat = now
			return
		}
		c.observeClaim(message.Leader, now)

	case bus.KindPing:
		if c.leader == c.id {
			c.send(bus.Message{Kind: bus.KindPong, Target: message.From, Leader: c.id})
		}

	case bus.KindPong:
		// Liveness proof from the leader counts as a heartbeat.
		if message.Leader == c.leader {
			c.lastHeartbeat = now
		}
	}
}

// observeClaim reconciles a peer's leadership claim against our own
// state. Caller holds the state mutex.
func (c *Coordinator) observeClaim(claimant string, now time.Time) {
	if claimant == "" || claimant == c.leader {
		c.lastHeartbeat = now
		return
	}
	if c.id > claimant && c.mayLead(now) {
		// Our claim is stronger: re-announce until the peer backs
		// down.
		c.announce()
		return
	}
	if c.leader == c.id {
		c.logger.Info("yielding leadership", "to", claimant)
		c.yieldedAt = now
	}
	c.leader = claimant
	c.lastHeartbeat = now
}

// mayLead reports whether the yield cooldown permits promotion.
func (c *Coordinator) mayLead(now time.Time) bool {
	return c.yieldedAt.IsZero() || now.Sub(c.yieldedAt) >= c.yieldCooldown
}

// becomeLeader installs this instance as leader and services any
// queue built up while following. Caller holds the state mutex.
func (c *Coordinator) becomeLeader() {
	c.leader = c.id
	c.lastHeartbeat = c.clk.Now()
	c.announce()
	c.grantNext()
}

// announce broadcasts our leadership claim. Promotes in place when we
// were not leader yet. Caller holds the state mutex.
func (c *Coordinator) announce() {
	if c.leader != c.id {
		c.leader = c.id
		c.lastHeartbeat = c.clk.Now()
		defer c.grantNext()
	}
	c.send(bus.Message{Kind: bus.KindLeaderAnnounce, Leader: c.id})
}

// send fills in sender identity and timestamp. Send failures are
// logged, not surfaced: the protocol is tolerant of lost messages.
func (c *Coordinator) send(message bus.Message) {
	message.From = c.id
	message.Timestamp = c.clk.Now().UnixMilli()
	if err := c.endpoint.Send(message); err != nil && !errors.Is(err, bus.ErrClosed) {
		c.logger.Warn("broadcast failed", "kind", message.Kind, "error", err)
	}
}
