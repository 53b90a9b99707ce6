// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncer orchestrates the sync pipeline: load the local
// snapshot, reconcile it with the remote one, persist the merge, and
// publish the result under the owner's name.
//
// One Syncer serves one identity. Concurrent Sync calls coalesce into
// the in-flight run; external triggers pass through a debounce gate;
// a circuit breaker forces LOCAL mode when the remote side is
// persistently broken, so local durability never depends on the
// network.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidesync/tidesync/contentstore"
	"github.com/tidesync/tidesync/coordinator"
	"github.com/tidesync/tidesync/identity"
	"github.com/tidesync/tidesync/lib/clock"
	"github.com/tidesync/tidesync/localstore"
	"github.com/tidesync/tidesync/naming"
	"github.com/tidesync/tidesync/snapshot"
)

// ErrConflictLoop reports that the conflict streak tripped the
// circuit breaker.
var ErrConflictLoop = errors.New("syncer: conflict loop detected")

const (
	// DefaultLockTimeout bounds the wait for the cross-context
	// publish lock.
	DefaultLockTimeout = 10 * time.Second

	// DefaultDebounce is the trigger coalescing window.
	DefaultDebounce = 2 * time.Second

	// DefaultRecoveryDepth bounds the Previous-chain walk in
	// RECOVERY mode.
	DefaultRecoveryDepth = 10
)

// SyncStatus is the overall outcome of one sync run.
type SyncStatus string

const (
	// StatusSuccess: every requested step completed.
	StatusSuccess SyncStatus = "SUCCESS"

	// StatusPartialSuccess: the local write is durable but a remote
	// step failed. Retrying later repeats only the remote side.
	StatusPartialSuccess SyncStatus = "PARTIAL_SUCCESS"

	// StatusFailed: the run produced no durable local write.
	StatusFailed SyncStatus = "FAILED"
)

// Error codes carried in Result.ErrorCode. Node-level failures are
// swallowed inside the stores and never appear here; these are
// exhaustion-level outcomes.
const (
	CodeResolutionFailed  = "RESOLUTION_FAILED"
	CodePublishFailed     = "PUBLISH_FAILED"
	CodeIntegrityMismatch = "INTEGRITY_MISMATCH"
	CodeNodeUnavailable   = "NODE_UNAVAILABLE"
	CodeConflictLoop      = "CONFLICT_LOOP"
	CodeLockTimeout       = "LOCK_TIMEOUT"
	CodeLocalStorage      = "LOCAL_STORAGE"
)

// Request selects what one sync run should do. The zero value is a
// full NORMAL sync.
type Request struct {
	// LocalOnly skips every network step.
	LocalOnly bool

	// NametagOnly reconciles only the nametag metadata entity.
	NametagOnly bool

	// Recover walks the snapshot history chain to re-import lost
	// entities before the normal pipeline.
	Recover bool

	// RecoveryDepth bounds the history walk. Defaults to
	// DefaultRecoveryDepth.
	RecoveryDepth int

	// FastItems are freshly received entities to import and publish
	// without a remote fetch first.
	FastItems []snapshot.Entity
}

// Result is the structured outcome of one sync run.
type Result struct {
	Status SyncStatus
	Mode   Mode

	// Counts aggregates the merge statistics of the run.
	Counts snapshot.Counts

	// Invalid is how many entities the validator moved to the
	// invalid partition.
	Invalid int

	// Version is the local snapshot version after the run.
	Version uint64

	// Address is the published content address, set only when step 7
	// completed.
	Address string

	// Sequence is the published naming-record sequence, set only
	// when step 7 completed.
	Sequence uint64

	ErrorCode    string
	ErrorMessage string

	// Breaker is the circuit-breaker state after the run.
	Breaker BreakerState

	// Offline mirrors Breaker.LocalModeActive: the engine is in
	// degraded local-only operation.
	Offline bool
}

// ContentStore stores and retrieves snapshot blobs by address.
type ContentStore interface {
	Store(ctx context.Context, blob []byte) (contentstore.Address, error)
	Fetch(ctx context.Context, address contentstore.Address) ([]byte, error)
}

// Resolver resolves the owner's name to the current remote binding.
type Resolver interface {
	Resolve(ctx context.Context, name string) (naming.Resolution, error)
}

// Publisher publishes a new binding for the owner's name.
type Publisher interface {
	Publish(ctx context.Context, address contentstore.Address, knownRemote uint64) (uint64, error)
}

// Locker is the cross-context mutual exclusion for the publish path.
type Locker interface {
	AcquireLock(ctx context.Context, timeout time.Duration) error
	ReleaseLock()
}

// SnapshotStore is the durable local persistence layer.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, identity string) ([]byte, uint64, error)
	SaveSnapshot(ctx context.Context, identity string, version uint64, data []byte) error
	LoadCounters(ctx context.Context, identity string) (localstore.Counters, error)
	UpdateCounters(ctx context.Context, identity string, counters localstore.Counters) error
}

// Validator is the domain-side validation hook. An error moves the
// entity to the invalid partition; it never aborts the sync.
type Validator interface {
	Validate(ctx context.Context, entity snapshot.Entity) error
}

// Config carries the syncer's dependencies.
type Config struct {
	// Identity is the snapshot owner. Required.
	Identity *identity.Identity

	// Local is the durable snapshot store. Required.
	Local SnapshotStore

	// Content stores snapshot blobs remotely. Required unless every
	// sync is LOCAL.
	Content ContentStore

	// Resolver and Publisher handle the naming layer. Required
	// unless every sync is LOCAL.
	Resolver  Resolver
	Publisher Publisher

	// Locker guards the publish path. Required unless every sync is
	// LOCAL.
	Locker Locker

	// Codec encodes snapshots to blobs. Required.
	Codec *snapshot.BlobCodec

	// Validator is optional.
	Validator Validator

	// Clock drives the breaker and the debounce gate. Defaults to
	// the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	LockTimeout   time.Duration
	Debounce      time.Duration
	RecoveryDelay time.Duration
}

type flight struct {
	done   chan struct{}
	result Result
}

// Syncer runs the sync pipeline for one identity.
type Syncer struct {
	id        *identity.Identity
	local     SnapshotStore
	content   ContentStore
	resolver  Resolver
	publisher Publisher
	locker    Locker
	codec     *snapshot.BlobCodec
	validator Validator
	clk       clock.Clock
	logger    *slog.Logger

	lockTimeout time.Duration
	breaker     *breaker
	gate        *debouncer

	// opMu serializes pipeline runs and Apply mutations; flightMu
	// only guards the coalescing bookkeeping.
	opMu     sync.Mutex
	flightMu sync.Mutex
	inflight *flight

	subMu       sync.Mutex
	subscribers []func(Result)
	wasOffline  bool
}

// New validates the configuration and returns a ready Syncer.
func New(cfg Config) (*Syncer, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("syncer: Identity is required")
	}
	if cfg.Local == nil {
		return nil, fmt.Errorf("syncer: Local store is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("syncer: Codec is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	s := &Syncer{
		id:          cfg.Identity,
		local:       cfg.Local,
		content:     cfg.Content,
		resolver:    cfg.Resolver,
		publisher:   cfg.Publisher,
		locker:      cfg.Locker,
		codec:       cfg.Codec,
		validator:   cfg.Validator,
		clk:         cfg.Clock,
		logger:      cfg.Logger.With("identity", cfg.Identity.Name),
		lockTimeout: cfg.LockTimeout,
	}
	s.breaker = newBreaker(cfg.Clock, s.logger, cfg.RecoveryDelay, func() {
		s.Sync(context.Background(), Request{})
	})
	s.gate = newDebouncer(cfg.Clock, cfg.Debounce, func() {
		s.Sync(context.Background(), Request{})
	})
	return s, nil
}

// Trigger requests a sync through the debounce gate. Bursts coalesce
// into one run. Never blocks.
func (s *Syncer) Trigger() { s.gate.Trigger() }

// Subscribe registers a callback invoked with the result of every
// sync run. Callbacks run on the syncing goroutine and must return
// promptly.
func (s *Syncer) Subscribe(fn func(Result)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Breaker returns the current circuit-breaker state.
func (s *Syncer) Breaker() BreakerState { return s.breaker.snapshot() }

// Apply runs a local mutation against the snapshot and persists it
// durably, then requests a sync through the debounce gate. This is
// the write path domain collaborators use; the snapshot they mutate
// is already the merged view.
func (s *Syncer) Apply(ctx context.Context, mutate func(*snapshot.Snapshot)) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	local, version, err := s.loadLocal(ctx)
	if err != nil {
		return err
	}
	mutate(local)
	if _, err := s.persist(ctx, local, version); err != nil {
		return err
	}
	s.gate.Trigger()
	return nil
}

// Sync runs one sync operation. Concurrent calls coalesce: callers
// arriving while a run is in flight receive that run's result.
func (s *Syncer) Sync(ctx context.Context, request Request) Result {
	s.flightMu.Lock()
	if s.inflight != nil {
		current := s.inflight
		s.flightMu.Unlock()
		select {
		case <-current.done:
			return current.result
		case <-ctx.Done():
			return Result{
				Status:       StatusFailed,
				ErrorMessage: ctx.Err().Error(),
				Breaker:      s.breaker.snapshot(),
			}
		}
	}
	run := &flight{done: make(chan struct{})}
	s.inflight = run
	s.flightMu.Unlock()

	s.opMu.Lock()
	result := s.run(ctx, request)
	s.opMu.Unlock()

	run.result = result
	s.flightMu.Lock()
	s.inflight = nil
	s.flightMu.Unlock()
	close(run.done)

	s.notify(result)
	return result
}

// run executes the pipeline. Steps: load local; resolve and fetch
// remote; merge; validate; categorize; persist locally; store and
// publish remotely; report.
func (s *Syncer) run(ctx context.Context, request Request) (result Result) {
	mode := selectMode(request, s.breaker.open())
	result.Mode = mode
	logger := s.logger.With("mode", mode)

	defer func() {
		result.Breaker = s.breaker.snapshot()
		result.Offline = result.Breaker.LocalModeActive
	}()

	// Step 1: local state.
	local, version, err := s.loadLocal(ctx)
	if err != nil {
		return failed(result, CodeLocalStorage, err)
	}
	counters, err := s.local.LoadCounters(ctx, s.id.Name)
	if err != nil {
		return failed(result, CodeLocalStorage, err)
	}

	// Step 2: remote state, unless the mode excludes it.
	var remote *snapshot.Snapshot
	var remoteSequence uint64
	var remoteErr error
	if mode == ModeNormal || mode == ModeNametag || mode == ModeRecovery {
		remote, remoteSequence, remoteErr = s.fetchRemote(ctx)
		switch {
		case remoteErr == nil:
		case errors.Is(remoteErr, naming.ErrNameAbsent):
			// Every node answered and none has a record: the name has
			// never been published. That is a state, not an outage —
			// the remote side is empty and this run performs the
			// first publish.
			logger.Info("name has no published record, treating remote as empty")
			remoteErr = nil
		default:
			s.breaker.recordStorageFailure()
			logger.Warn("remote state unavailable", "error", remoteErr)
		}
	}

	// Step 3: merge.
	merged := local
	switch mode {
	case ModeNormal:
		if remote != nil {
			merged, result.Counts = snapshot.Merge(local, remote)
		}
	case ModeNametag:
		if remote != nil {
			stripped := snapshot.New(remote.Owner)
			stripped.Nametag = remote.Nametag
			merged, _ = snapshot.Merge(local, stripped)
		}
	case ModeFast:
		fast := snapshot.New(s.id.Name)
		for _, entity := range request.FastItems {
			fast.Entities[entity.ID] = entity
		}
		merged, result.Counts = snapshot.Merge(local, fast)
	case ModeRecovery:
		depth := request.RecoveryDepth
		if depth <= 0 {
			depth = DefaultRecoveryDepth
		}
		// Merge strips Previous from its result, so the chain start
		// comes from the snapshot that carries it.
		chainStart := local.Previous
		if remote != nil {
			merged, result.Counts = snapshot.Merge(local, remote)
			chainStart = remote.Previous
		}
		merged = s.recoverChain(ctx, merged, chainStart, depth, &result.Counts)
	}

	if mode == ModeNormal && remote != nil {
		if result.Counts.Conflicts > 0 {
			wasOpen := s.breaker.open()
			s.breaker.recordConflictedSync()
			if !wasOpen && s.breaker.open() {
				result.ErrorCode = CodeConflictLoop
				result.ErrorMessage = ErrConflictLoop.Error()
			}
		} else {
			s.breaker.recordCleanMerge()
		}
	}

	// Step 4: validation. Failures move entities to the invalid
	// partition; they never abort the run.
	result.Invalid = s.validate(ctx, merged, logger)

	// Step 5: categorization is a pure projection; partition sizes
	// go to the log, the partitions themselves to callers that ask.
	parts := snapshot.Categorize(merged)
	logger.Debug("categorized",
		"active", len(parts.Active),
		"spent", len(parts.Spent),
		"outbox", len(parts.Outbox),
		"invalid", len(parts.Invalid),
		"metadata", len(parts.Metadata))

	// Step 6: durable local write. From here on, nothing is rolled
	// back.
	merged.GCTombstones(s.clk.Now())
	merged.Previous = counters.LastAddress
	blob, err := s.persist(ctx, merged, version)
	if err != nil {
		return failed(result, CodeLocalStorage, err)
	}
	result.Version = merged.Version

	if mode == ModeLocal {
		result.Status = StatusSuccess
		return result
	}
	if remoteErr != nil {
		// Nothing sensible to publish over a binding we could not
		// read; the local write stands and the publish is retried by
		// a later run.
		return partial(result, remoteErr)
	}

	// Step 7: remote write, under the cross-context lock.
	address, sequence, err := s.publish(ctx, blob, remoteSequence)
	if err != nil {
		// A lock timeout is contention, not remote breakage; it does
		// not feed the breaker.
		if !errors.Is(err, coordinator.ErrLockTimeout) {
			s.breaker.recordStorageFailure()
		}
		return partial(result, err)
	}
	result.Address = address.String()
	result.Sequence = sequence

	counters.Version = merged.Version
	counters.LastAddress = result.Address
	counters.LastSequence = sequence
	if err := s.local.UpdateCounters(ctx, s.id.Name, counters); err != nil {
		return partial(result, err)
	}

	if mode == ModeNormal {
		s.breaker.recordFullSuccess(result.Counts.Conflicts == 0)
	}
	result.Status = StatusSuccess
	logger.Info("sync complete",
		"version", result.Version,
		"address", result.Address,
		"sequence", result.Sequence,
		"imported", result.Counts.Imported,
		"updated", result.Counts.Updated,
		"conflicts", result.Counts.Conflicts)
	return result
}

// loadLocal returns the decoded local snapshot and its version. A
// never-synced identity gets a fresh empty snapshot at version 0.
func (s *Syncer) loadLocal(ctx context.Context) (*snapshot.Snapshot, uint64, error) {
	data, version, err := s.local.LoadSnapshot(ctx, s.id.Name)
	if errors.Is(err, localstore.ErrNoSnapshot) {
		return snapshot.New(s.id.Name), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("syncer: loading local snapshot: %w", err)
	}
	decoded, err := s.codec.Decode(data)
	if err != nil {
		return nil, 0, fmt.Errorf("syncer: decoding local snapshot: %w", err)
	}
	decoded.Version = version
	return decoded, version, nil
}

// fetchRemote resolves the owner's name and fetches the snapshot it
// points to.
func (s *Syncer) fetchRemote(ctx context.Context) (*snapshot.Snapshot, uint64, error) {
	resolution, err := s.resolver.Resolve(ctx, s.id.Name)
	if err != nil {
		return nil, 0, err
	}

	blob := resolution.Content
	if blob == nil {
		blob, err = s.content.Fetch(ctx, resolution.Address)
		if err != nil {
			return nil, resolution.Sequence, err
		}
	}
	remote, err := s.codec.Decode(blob)
	if err != nil {
		return nil, resolution.Sequence, fmt.Errorf("syncer: decoding remote snapshot: %w", err)
	}
	return remote, resolution.Sequence, nil
}

// recoverChain walks the Previous chain, merging each ancestor into
// the working snapshot. Tombstones still suppress, so deliberately
// deleted entities stay deleted; only entities dropped without a
// tombstone come back.
func (s *Syncer) recoverChain(ctx context.Context, working *snapshot.Snapshot, previous string, depth int, counts *snapshot.Counts) *snapshot.Snapshot {
	for step := 0; step < depth && previous != ""; step++ {
		address, err := contentstore.ParseAddress(previous)
		if err != nil {
			s.logger.Warn("recovery chain broken", "address", previous, "error", err)
			break
		}
		blob, err := s.content.Fetch(ctx, address)
		if err != nil {
			s.logger.Warn("recovery fetch failed", "address", previous, "error", err)
			break
		}
		ancestor, err := s.codec.Decode(blob)
		if err != nil {
			s.logger.Warn("recovery decode failed", "address", previous, "error", err)
			break
		}

		var stepCounts snapshot.Counts
		working, stepCounts = snapshot.Merge(working, ancestor)
		counts.Imported += stepCounts.Imported
		counts.Updated += stepCounts.Updated
		counts.Removed += stepCounts.Removed
		counts.Conflicts += stepCounts.Conflicts
		previous = ancestor.Previous
	}
	return working
}

// validate runs the domain validator over every merged entity and
// moves failures to the invalid partition.
func (s *Syncer) validate(ctx context.Context, merged *snapshot.Snapshot, logger *slog.Logger) int {
	if s.validator == nil {
		return 0
	}
	invalid := 0
	for id, entity := range merged.Entities {
		if entity.Status == snapshot.StatusInvalid {
			continue
		}
		if err := s.validator.Validate(ctx, entity); err != nil {
			entity.Status = snapshot.StatusInvalid
			merged.Entities[id] = entity
			invalid++
			logger.Warn("entity failed validation", "entity", id, "error", err)
		}
	}
	return invalid
}

// persist encodes the snapshot at version previous+1 and writes it
// durably. Returns the encoded blob for the remote write.
func (s *Syncer) persist(ctx context.Context, merged *snapshot.Snapshot, previousVersion uint64) ([]byte, error) {
	merged.Version = previousVersion + 1
	merged.Timestamp = s.clk.Now().UnixMilli()
	blob, err := s.codec.Encode(merged)
	if err != nil {
		return nil, fmt.Errorf("syncer: encoding snapshot: %w", err)
	}
	if err := s.local.SaveSnapshot(ctx, s.id.Name, merged.Version, blob); err != nil {
		return nil, fmt.Errorf("syncer: persisting snapshot: %w", err)
	}
	return blob, nil
}

// publish stores the blob remotely and publishes the naming record,
// holding the cross-context lock throughout.
func (s *Syncer) publish(ctx context.Context, blob []byte, knownRemote uint64) (contentstore.Address, uint64, error) {
	if err := s.locker.AcquireLock(ctx, s.lockTimeout); err != nil {
		return contentstore.Address{}, 0, err
	}
	defer s.locker.ReleaseLock()

	address, err := s.content.Store(ctx, blob)
	if err != nil {
		return contentstore.Address{}, 0, err
	}
	sequence, err := s.publisher.Publish(ctx, address, knownRemote)
	if err != nil {
		return address, 0, err
	}
	return address, sequence, nil
}

// notify delivers the result to every subscriber.
func (s *Syncer) notify(result Result) {
	s.subMu.Lock()
	subscribers := make([]func(Result), len(s.subscribers))
	copy(subscribers, s.subscribers)
	if result.Offline != s.wasOffline {
		s.logger.Info("offline indicator changed", "offline", result.Offline)
		s.wasOffline = result.Offline
	}
	s.subMu.Unlock()

	for _, fn := range subscribers {
		fn(result)
	}
}

// failed finalizes a result for a run with no durable local write.
func failed(result Result, code string, err error) Result {
	result.Status = StatusFailed
	result.ErrorCode = code
	result.ErrorMessage = err.Error()
	return result
}

// partial finalizes a result for a run whose local write is durable
// but whose remote side failed.
func partial(result Result, err error) Result {
	result.Status = StatusPartialSuccess
	if result.ErrorCode == "" {
		result.ErrorCode = classify(err)
	}
	result.ErrorMessage = err.Error()
	return result
}

// classify maps an error chain to its taxonomy code.
func classify(err error) string {
	var nodeErr *contentstore.NodeError
	switch {
	case errors.Is(err, naming.ErrResolutionFailed):
		return CodeResolutionFailed
	case errors.Is(err, naming.ErrPublishFailed):
		return CodePublishFailed
	case errors.Is(err, contentstore.ErrIntegrityMismatch):
		return CodeIntegrityMismatch
	case errors.Is(err, coordinator.ErrLockTimeout):
		return CodeLockTimeout
	case errors.Is(err, contentstore.ErrNotFound), errors.As(err, &nodeErr):
		return CodeNodeUnavailable
	default:
		return CodeNodeUnavailable
	}
}
