// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package naming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidesync/tidesync/contentstore"
	"github.com/tidesync/tidesync/identity"
	"github.com/tidesync/tidesync/lib/race"
)

// ErrPublishFailed reports that every node rejected a naming-record
// write. The in-memory sequence has been rolled back; the next
// attempt reuses the same number.
var ErrPublishFailed = errors.New("naming: publish rejected by all nodes")

// Publisher signs and publishes naming records for one identity.
//
// The sequence counter is the publisher's critical invariant:
// published sequences strictly increase, failed publishes roll the
// counter back so the number is reused rather than skipped, and a
// remote sequence observed by the resolver is never undercut.
//
// Publisher is safe for concurrent use, though the orchestrator's
// single-flight queue means publishes are serialized in practice.
type Publisher struct {
	nodes    []*contentstore.Gateway
	id       *identity.Identity
	lifetime time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	sequence uint64 // last successfully assigned sequence
}

// PublisherConfig holds the parameters for creating a Publisher.
type PublisherConfig struct {
	// Nodes are the gateway clients to publish through. At least one
	// is required.
	Nodes []*contentstore.Gateway

	// Identity signs the records.
	Identity *identity.Identity

	// LastSequence restores the persisted per-identity counter so a
	// restart never reuses a sequence. Zero for a fresh identity.
	LastSequence uint64

	// Lifetime overrides DefaultLifetime when positive.
	Lifetime time.Duration

	// Logger receives per-node failure logs. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if len(config.Nodes) == 0 {
		return nil, fmt.Errorf("naming: at least one node is required")
	}
	if config.Identity == nil {
		return nil, fmt.Errorf("naming: identity is required")
	}

	lifetime := config.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		nodes:    config.Nodes,
		id:       config.Identity,
		lifetime: lifetime,
		logger:   logger,
		sequence: config.LastSequence,
	}, nil
}

// Sequence returns the last assigned sequence number. Persist it
// after successful publishes so restarts resume from it.
func (p *Publisher) Sequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequence
}

// Publish signs a record binding the identity's name to address and
// pushes it to all nodes in parallel, returning the published
// sequence as soon as any node accepts. knownRemote is the highest
// sequence the resolver has observed for this name; the new record's
// sequence is max(local, knownRemote)+1 so it supersedes anything the
// network holds.
//
// On total failure the in-memory counter is rolled back and
// ErrPublishFailed (wrapping the node errors) is returned.
func (p *Publisher) Publish(ctx context.Context, address contentstore.Address, knownRemote uint64) (uint64, error) {
	p.mu.Lock()
	previous := p.sequence
	next := p.sequence
	if knownRemote > next {
		next = knownRemote
	}
	next++
	p.sequence = next
	p.mu.Unlock()

	record, err := SignRecord(p.id, address, next, p.lifetime)
	if err != nil {
		p.rollback(previous)
		return 0, err
	}
	encoded, err := record.Encode()
	if err != nil {
		p.rollback(previous)
		return 0, err
	}

	attempts := make([]race.Attempt[struct{}], 0, len(p.nodes))
	for _, node := range p.nodes {
		attempts = append(attempts, func(ctx context.Context) (struct{}, error) {
			if err := node.RoutingPut(ctx, p.id.Name, encoded); err != nil {
				p.logger.Debug("publish attempt failed", "node", node.URL(), "sequence", next, "error", err)
				return struct{}{}, err
			}
			return struct{}{}, nil
		})
	}

	if _, err := race.First(ctx, attempts, nil); err != nil {
		p.rollback(previous)
		return 0, fmt.Errorf("%w: sequence %d: %w", ErrPublishFailed, next, err)
	}

	p.logger.Info("published naming record",
		"name", p.id.Name,
		"sequence", next,
		"address", address.String(),
	)
	return next, nil
}

// rollback restores the counter after a failed publish, unless a
// concurrent publish has already advanced past it.
func (p *Publisher) rollback(previous uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sequence == previous+1 {
		p.sequence = previous
	}
}
