// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package naming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tidesync/tidesync/contentstore"
	"github.com/tidesync/tidesync/lib/clock"
	"github.com/tidesync/tidesync/lib/race"
	"github.com/tidesync/tidesync/lib/ttlcache"
)

// ErrResolutionFailed reports that no node could resolve a name and
// the local cache had nothing usable.
var ErrResolutionFailed = errors.New("naming: resolution failed on all nodes")

// ErrNameAbsent reports that every node answered the record lookup
// and none holds a record for the name. Unlike ErrResolutionFailed
// this is an authoritative answer, not an outage: the name has never
// been published (or its record expired everywhere), and callers may
// treat the remote side as empty.
var ErrNameAbsent = errors.New("naming: no record published for name")

// Resolver timing defaults.
const (
	// DefaultOptimisticWait is how long Resolve waits for the
	// authoritative slow path once the fast path has answered.
	DefaultOptimisticWait = 500 * time.Millisecond

	// DefaultResolveTimeout bounds one Resolve when the caller's
	// context has no deadline.
	DefaultResolveTimeout = 15 * time.Second

	// DefaultCacheTTL is how long resolved bindings answer from
	// cache after total node failure.
	DefaultCacheTTL = 5 * time.Minute
)

// Resolution is the outcome of resolving a name.
type Resolution struct {
	// Address is the content address the name resolves to.
	Address contentstore.Address

	// Sequence is the record sequence. Zero when the resolution is
	// not authoritative — fast-path content proves what the content
	// is, not how recent the binding is.
	Sequence uint64

	// Content is the inline snapshot blob when a node supplied one,
	// saving the follow-up fetch. Nil otherwise.
	Content []byte

	// Authoritative reports that Sequence came from a verified
	// signed record (slow path).
	Authoritative bool

	// FromCache reports that every node failed and this is a
	// previously resolved binding within its TTL.
	FromCache bool
}

// Resolver resolves publish names against the configured node set
// using two racing strategies per node: the fast inline-content path
// and the slow signed-record path. See Resolve for the arbitration
// rules.
//
// Resolver is safe for concurrent use.
type Resolver struct {
	nodes          []*contentstore.Gateway
	clk            clock.Clock
	logger         *slog.Logger
	optimisticWait time.Duration
	timeout        time.Duration

	mu       sync.Mutex
	baseline map[string]baseline
	retries  map[string]*retryState
	cache    *ttlcache.Cache[Resolution]
}

// baseline is the highest authoritative binding observed for a name.
// A record with a lower sequence never overwrites it.
type baseline struct {
	sequence uint64
	address  contentstore.Address
}

// retryState gates resolution attempts for one name after failures.
type retryState struct {
	policy    *backoff.ExponentialBackOff
	notBefore time.Time
}

// ResolverConfig holds the parameters for creating a Resolver.
type ResolverConfig struct {
	// Nodes are the gateway clients to race. At least one is
	// required.
	Nodes []*contentstore.Gateway

	// Clock drives the optimistic wait, cache TTL, and backoff. If
	// nil, the real clock is used.
	Clock clock.Clock

	// Logger receives per-node failure logs. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// OptimisticWait, Timeout, and CacheTTL override the defaults
	// when positive.
	OptimisticWait time.Duration
	Timeout        time.Duration
	CacheTTL       time.Duration
}

// NewResolver creates a Resolver.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if len(config.Nodes) == 0 {
		return nil, fmt.Errorf("naming: at least one node is required")
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	optimisticWait := config.OptimisticWait
	if optimisticWait <= 0 {
		optimisticWait = DefaultOptimisticWait
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	cacheTTL := config.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}

	return &Resolver{
		nodes:          config.Nodes,
		clk:            clk,
		logger:         logger,
		optimisticWait: optimisticWait,
		timeout:        timeout,
		baseline:       make(map[string]baseline),
		retries:        make(map[string]*retryState),
		cache:          ttlcache.New[Resolution](clk, cacheTTL),
	}, nil
}

// KnownSequence returns the highest authoritative sequence observed
// for a name, or zero. Publishers use it so a new record always
// outranks everything the network has shown us.
func (r *Resolver) KnownSequence(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baseline[name].sequence
}

// Resolve resolves a name to its current binding.
//
// Arbitration: the authoritative slow path wins whenever it answers
// in time. If only the fast path answers within the optimistic wait,
// its content is returned with Sequence 0 and Authoritative false;
// the slow path keeps running in the background and, if it later
// reports a higher sequence, the observed baseline is raised so the
// next sync and the next publish see it. When both answer and agree
// on the address, the fast path's inline content is reused to avoid
// a redundant fetch.
//
// After total failure Resolve answers from the TTL cache when it can,
// and applies per-name exponential backoff to subsequent attempts.
// When every node instead answers that no record exists, Resolve
// returns ErrNameAbsent with no backoff: absence is an answer.
func (r *Resolver) Resolve(ctx context.Context, name string) (Resolution, error) {
	if wait, backingOff := r.backoffRemaining(name); backingOff {
		if cached, ok := r.cache.Get(name); ok {
			cached.FromCache = true
			return cached, nil
		}
		return Resolution{}, fmt.Errorf("%w: backing off %s for %s", ErrResolutionFailed, name, wait)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	type fastOutcome struct {
		result Resolution
		err    error
	}
	type slowOutcome struct {
		record *Record
		err    error
	}
	fastDone := make(chan fastOutcome, 1)
	slowDone := make(chan slowOutcome, 1)

	go func() {
		content, err := race.First(ctx, r.fastAttempts(name), nil)
		if err != nil {
			r.logger.Debug("fast-path resolution failed", "name", name, "error", err)
			fastDone <- fastOutcome{err: err}
			return
		}
		fastDone <- fastOutcome{result: Resolution{
			Address: contentstore.AddressOf(content),
			Content: content,
		}}
	}()

	// The slow race is detached from this call's cancellation (but
	// still bounded by the resolver timeout): when Resolve returns an
	// optimistic fast-path answer, the record request keeps running
	// so a higher sequence observed late still raises the baseline.
	slowCtx, slowCancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)

	go func() {
		defer slowCancel()
		record, err := race.First(slowCtx, r.slowAttempts(name), nil)
		if err != nil {
			r.logger.Debug("slow-path resolution failed", "name", name, "error", err)
			slowDone <- slowOutcome{err: err}
			return
		}
		r.observeRecord(record)
		slowDone <- slowOutcome{record: record}
	}()

	var fast *Resolution
	var fastFailed, slowFailed bool
	var slowErr error
	var optimisticTimer <-chan time.Time

	for {
		select {
		case outcome := <-slowDone:
			if outcome.err == nil {
				return r.finishAuthoritative(name, outcome.record, fast)
			}
			slowFailed = true
			slowErr = outcome.err
			// With the authoritative path dead, an already-arrived
			// fast answer is the best this attempt will do.
			if fast != nil {
				r.resetBackoff(name)
				r.cache.Put(name, *fast)
				return *fast, nil
			}
			if fastFailed {
				return r.finishTotalFailure(name, outcome.err, slowErr)
			}

		case outcome := <-fastDone:
			if outcome.err != nil {
				fastFailed = true
				if slowFailed {
					return r.finishTotalFailure(name, outcome.err, slowErr)
				}
				continue
			}
			fast = &outcome.result
			if slowFailed {
				r.resetBackoff(name)
				r.cache.Put(name, *fast)
				return *fast, nil
			}
			// The slow path gets a bounded grace period to
			// supersede the optimistic answer.
			optimisticTimer = r.clk.After(r.optimisticWait)

		case <-optimisticTimer:
			r.resetBackoff(name)
			r.cache.Put(name, *fast)
			return *fast, nil

		case <-ctx.Done():
			return r.finishFailed(name, ctx.Err())
		}
	}
}

// finishAuthoritative builds the result from a verified record,
// reusing fast-path content when the addresses agree.
func (r *Resolver) finishAuthoritative(name string, record *Record, fast *Resolution) (Resolution, error) {
	address, err := record.ContentAddress()
	if err != nil {
		return r.finishFailed(name, err)
	}

	result := Resolution{
		Address:       address,
		Sequence:      record.Sequence,
		Authoritative: true,
	}
	if fast != nil && fast.Address == address {
		result.Content = fast.Content
	}

	r.resetBackoff(name)
	r.cache.Put(name, result)
	return result, nil
}

// finishTotalFailure is the both-paths-failed exit. When every node
// answered the record lookup with "no such record", the failure is an
// authoritative absence rather than an outage: no cache fallback, no
// backoff, and the caller gets ErrNameAbsent to act on.
func (r *Resolver) finishTotalFailure(name string, cause, slowErr error) (Resolution, error) {
	if nameAbsent(slowErr) {
		r.resetBackoff(name)
		return Resolution{}, fmt.Errorf("%w: %s", ErrNameAbsent, name)
	}
	return r.finishFailed(name, cause)
}

// nameAbsent reports whether a record-path failure proves the name
// has no published record: every per-node failure must be an HTTP 404
// answer. A transport error, a non-404 status, or a malformed-record
// failure leaves open the possibility that a record exists on a node
// we did not hear properly from.
func nameAbsent(err error) bool {
	if err == nil {
		return false
	}
	answered := false
	var walk func(error) bool
	walk = func(err error) bool {
		if multi, ok := err.(interface{ Unwrap() []error }); ok {
			for _, child := range multi.Unwrap() {
				if !walk(child) {
					return false
				}
			}
			return true
		}
		if nodeErr, ok := err.(*contentstore.NodeError); ok {
			if nodeErr.StatusCode != http.StatusNotFound {
				return false
			}
			answered = true
			return true
		}
		if inner := errors.Unwrap(err); inner != nil {
			return walk(inner)
		}
		return false
	}
	return walk(err) && answered
}

// finishFailed falls back to the cache, then records the failure for
// backoff.
func (r *Resolver) finishFailed(name string, cause error) (Resolution, error) {
	if cached, ok := r.cache.Get(name); ok {
		cached.FromCache = true
		return cached, nil
	}
	r.recordFailure(name)
	return Resolution{}, fmt.Errorf("%w: %v", ErrResolutionFailed, cause)
}

// fastAttempts builds the per-node inline-content attempts.
func (r *Resolver) fastAttempts(name string) []race.Attempt[[]byte] {
	attempts := make([]race.Attempt[[]byte], 0, len(r.nodes))
	for _, node := range r.nodes {
		attempts = append(attempts, func(ctx context.Context) ([]byte, error) {
			return node.Name(ctx, name)
		})
	}
	return attempts
}

// slowAttempts builds the per-node signed-record attempts. An invalid
// or forged record is that node's failure.
func (r *Resolver) slowAttempts(name string) []race.Attempt[*Record] {
	attempts := make([]race.Attempt[*Record], 0, len(r.nodes))
	for _, node := range r.nodes {
		attempts = append(attempts, func(ctx context.Context) (*Record, error) {
			raw, err := node.RoutingGet(ctx, name)
			if err != nil {
				return nil, err
			}
			record, err := ParseRecord(raw)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", node.URL(), err)
			}
			if record.Name != name {
				return nil, fmt.Errorf("node %s returned record for %q, requested %q", node.URL(), record.Name, name)
			}
			return record, nil
		})
	}
	return attempts
}

// observeRecord raises the remembered baseline for a name. Lower
// sequences never overwrite it.
func (r *Resolver) observeRecord(record *Record) {
	address, err := record.ContentAddress()
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.baseline[record.Name]; ok && existing.sequence >= record.Sequence {
		return
	}
	r.baseline[record.Name] = baseline{sequence: record.Sequence, address: address}
}

// backoffRemaining reports whether the name is inside its failure
// backoff window.
func (r *Resolver) backoffRemaining(name string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.retries[name]
	if !ok {
		return 0, false
	}
	now := r.clk.Now()
	if now.Before(state.notBefore) {
		return state.notBefore.Sub(now), true
	}
	return 0, false
}

func (r *Resolver) recordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.retries[name]
	if !ok {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = time.Second
		policy.MaxInterval = 5 * time.Minute
		policy.MaxElapsedTime = 0
		policy.Clock = r.clk
		policy.Reset()
		state = &retryState{policy: policy}
		r.retries[name] = state
	}
	state.notBefore = r.clk.Now().Add(state.policy.NextBackOff())
}

func (r *Resolver) resetBackoff(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, name)
}

func (r *Resolver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
