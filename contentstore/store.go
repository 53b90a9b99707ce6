// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package contentstore stores and retrieves immutable blobs by
// content address across a configurable set of storage nodes. Every
// operation races all nodes and takes the first acceptable answer;
// reads verify integrity by re-deriving the address from the received
// bytes, so a compromised or corrupt node can only fail, never forge.
package contentstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidesync/tidesync/lib/race"
)

// DefaultTimeout bounds one Store or Fetch when the caller's context
// carries no deadline of its own.
const DefaultTimeout = 30 * time.Second

// Store is the multi-node content store client.
type Store struct {
	nodes   []*Gateway
	timeout time.Duration
	logger  *slog.Logger
}

// Config holds the parameters for creating a Store.
type Config struct {
	// NodeURLs are the base URLs of the storage nodes. At least one
	// is required.
	NodeURLs []string

	// HTTPClient is shared by all node gateways. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// Timeout bounds each Store/Fetch call when the caller's context
	// has no deadline. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Logger receives per-node failure logs. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// New creates a Store from the configured node set.
func New(config Config) (*Store, error) {
	if len(config.NodeURLs) == 0 {
		return nil, fmt.Errorf("contentstore: at least one node URL is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	nodes := make([]*Gateway, 0, len(config.NodeURLs))
	for _, nodeURL := range config.NodeURLs {
		gateway, err := NewGateway(nodeURL, config.HTTPClient, logger)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, gateway)
	}

	return &Store{nodes: nodes, timeout: timeout, logger: logger}, nil
}

// Nodes returns the number of configured storage nodes.
func (s *Store) Nodes() int { return len(s.nodes) }

// Store uploads a blob to all nodes in parallel and returns its
// content address as soon as any one node accepts it. The remaining
// uploads keep running in the background as replication; their
// outcomes are logged, not awaited.
//
// A node whose reported address differs from the locally computed one
// counts as failed.
func (s *Store) Store(ctx context.Context, blob []byte) (Address, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// The uploads run on a context detached from the call: once one
	// node accepts, the losing uploads are replication and must run
	// to completion, not die with the winner. Their lifetime is
	// bounded by the store timeout alone.
	uploadCtx, uploadCancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)

	want := AddressOf(blob)

	var uploads sync.WaitGroup
	uploads.Add(len(s.nodes))
	attempts := make([]race.Attempt[Address], 0, len(s.nodes))
	for _, node := range s.nodes {
		attempts = append(attempts, func(context.Context) (Address, error) {
			defer uploads.Done()
			reported, err := node.Add(uploadCtx, blob)
			if err != nil {
				s.logger.Debug("store attempt failed", "node", node.URL(), "error", err)
				return Address{}, err
			}
			if reported != want {
				err := node.wrap("add", 0, fmt.Errorf("node reported address %s for content %s: %w",
					reported, want, ErrIntegrityMismatch))
				s.logger.Warn("node disagreed on content address", "node", node.URL(), "error", err)
				return Address{}, err
			}
			return reported, nil
		})
	}
	go func() {
		uploads.Wait()
		uploadCancel()
	}()

	address, err := race.First(ctx, attempts, nil)
	if err != nil {
		return Address{}, fmt.Errorf("contentstore: store failed on all %d nodes: %w", len(s.nodes), err)
	}
	return address, nil
}

// Fetch retrieves the blob for an address, racing all nodes and
// accepting the first response whose bytes actually hash to the
// requested address. A mismatch is that node's failure; the race
// continues. Returns ErrNotFound when every node fails or the
// deadline elapses first.
func (s *Store) Fetch(ctx context.Context, address Address) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	attempts := make([]race.Attempt[[]byte], 0, len(s.nodes))
	for _, node := range s.nodes {
		attempts = append(attempts, func(ctx context.Context) ([]byte, error) {
			blob, err := node.Cat(ctx, address)
			if err != nil {
				s.logger.Debug("fetch attempt failed", "node", node.URL(), "error", err)
				return nil, err
			}
			if got := AddressOf(blob); got != address {
				err := node.wrap("cat", 0, fmt.Errorf("content hashes to %s, requested %s: %w",
					got, address, ErrIntegrityMismatch))
				s.logger.Warn("node served corrupt content", "node", node.URL(), "error", err)
				return nil, err
			}
			return blob, nil
		})
	}

	blob, err := race.First(ctx, attempts, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return blob, nil
}

// withTimeout applies the store's default timeout only when the
// caller did not bring a deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
