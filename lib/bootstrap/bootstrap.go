// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap performs the common startup sequence shared by the
// Tidesync binaries: derive the identity from the owner key material,
// open the local store, build the storage and naming clients, join the
// coordination bus, and assemble the sync engine. Both the daemon and
// the one-shot CLI go through [Bootstrap] so they wire the same stack
// the same way.
package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/tidesync/tidesync/bus"
	"github.com/tidesync/tidesync/config"
	"github.com/tidesync/tidesync/contentstore"
	"github.com/tidesync/tidesync/coordinator"
	"github.com/tidesync/tidesync/identity"
	"github.com/tidesync/tidesync/lib/clock"
	"github.com/tidesync/tidesync/localstore"
	"github.com/tidesync/tidesync/naming"
	"github.com/tidesync/tidesync/seal"
	"github.com/tidesync/tidesync/snapshot"
	"github.com/tidesync/tidesync/syncer"
)

// Config controls the [Bootstrap] process.
type Config struct {
	// Settings is the loaded daemon configuration. Required.
	Settings *config.Config

	// InstanceID identifies this context on the coordination bus.
	// Defaults to a random UUID.
	InstanceID string

	// Validator is the optional domain validation hook passed
	// through to the sync engine.
	Validator syncer.Validator

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger is the structured logger for startup output. If nil,
	// Bootstrap creates a default via [NewLogger] at the configured
	// level.
	Logger *slog.Logger
}

// Result holds the assembled stack. The caller uses these fields to
// run syncs, subscribe to results, and observe the election.
type Result struct {
	// Identity is the derived owner identity.
	Identity *identity.Identity

	// InstanceID is this context's id on the coordination bus.
	InstanceID string

	// Store is the open local database. Closed by the cleanup
	// function returned from Bootstrap.
	Store *localstore.Store

	// Content is the replicated blob store client.
	Content *contentstore.Store

	// Resolver and Publisher are the naming layer clients. The
	// publisher is seeded with the persisted sequence counter.
	Resolver  *naming.Resolver
	Publisher *naming.Publisher

	// Broker is non-nil when this process hosts the coordination
	// socket. Closed by the cleanup function.
	Broker *bus.Broker

	// Coordinator is this context's election participant. Closed by
	// the cleanup function.
	Coordinator *coordinator.Coordinator

	// Syncer is the assembled sync engine.
	Syncer *syncer.Syncer

	// Clock and Logger are the instances the whole stack shares.
	Clock  clock.Clock
	Logger *slog.Logger
}

// Bootstrap assembles the Tidesync stack from the loaded
// configuration:
//
//  1. Read the owner key material and derive the identity
//  2. Build the blob codec (sealed unless disabled)
//  3. Open the local SQLite store under the data directory
//  4. Build the storage node gateways and the naming clients,
//     seeding the publish sequence from the persisted counters
//  5. Join the coordination bus, hosting the broker socket when no
//     other context holds it
//  6. Start the coordinator and assemble the sync engine
//
// Returns a [Result] and a cleanup function that tears the stack down
// in reverse order. The caller must defer the cleanup function.
func Bootstrap(ctx context.Context, cfg Config) (*Result, func(), error) {
	settings := cfg.Settings
	if settings == nil {
		return nil, nil, fmt.Errorf("bootstrap: Settings is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewLogger(settings.LogLevel)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	material, err := os.ReadFile(settings.Identity.MaterialFile)
	if err != nil {
		return nil, nil, fmt.Errorf("reading owner key material: %w", err)
	}
	material = bytes.TrimSpace(material)

	id, err := identity.Derive(material)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("identity derived", "name", id.Name)

	var sealer *seal.Sealer
	if settings.SealEnabled() {
		sealer, err = seal.New(material)
		if err != nil {
			return nil, nil, err
		}
	}
	codec := snapshot.NewBlobCodec(sealer)

	if err := os.MkdirAll(settings.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	store, err := localstore.Open(localstore.Config{
		Path:   settings.DatabasePath(),
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}

	// From this point the store is open and must be closed on any
	// error path. Track success so the deferred close only fires on
	// failure — on success, the caller owns cleanup.
	success := false
	defer func() {
		if !success {
			store.Close()
		}
	}()

	gateways := make([]*contentstore.Gateway, 0, len(settings.Nodes))
	for _, nodeURL := range settings.Nodes {
		gateway, err := contentstore.NewGateway(nodeURL, nil, logger)
		if err != nil {
			return nil, nil, err
		}
		gateways = append(gateways, gateway)
	}

	content, err := contentstore.New(contentstore.Config{
		NodeURLs: settings.Nodes,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}

	resolver, err := naming.NewResolver(naming.ResolverConfig{
		Nodes:          gateways,
		Clock:          clk,
		Logger:         logger,
		OptimisticWait: settings.Naming.OptimisticWait.Std(),
		Timeout:        settings.Naming.ResolveTimeout.Std(),
		CacheTTL:       settings.Naming.CacheTTL.Std(),
	})
	if err != nil {
		return nil, nil, err
	}

	counters, err := store.LoadCounters(ctx, id.Name)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := naming.NewPublisher(naming.PublisherConfig{
		Nodes:        gateways,
		Identity:     id,
		LastSequence: counters.LastSequence,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, err
	}

	endpoint, broker, err := joinBus(settings.SocketPath(), logger)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if !success {
			endpoint.Close()
			if broker != nil {
				broker.Close()
			}
		}
	}()

	coord, err := coordinator.New(coordinator.Config{
		Endpoint:   endpoint,
		InstanceID: instanceID,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}

	engine, err := syncer.New(syncer.Config{
		Identity:      id,
		Local:         store,
		Content:       content,
		Resolver:      resolver,
		Publisher:     publisher,
		Locker:        coord,
		Codec:         codec,
		Validator:     cfg.Validator,
		Clock:         clk,
		Logger:        logger,
		LockTimeout:   settings.Sync.LockTimeout.Std(),
		Debounce:      settings.Sync.Debounce.Std(),
		RecoveryDelay: settings.Sync.RecoveryDelay.Std(),
	})
	if err != nil {
		coord.Close()
		return nil, nil, err
	}

	cleanup := func() {
		coord.Close()
		endpoint.Close()
		if broker != nil {
			broker.Close()
		}
		if err := store.Close(); err != nil {
			logger.Error("closing local store", "error", err)
		}
	}

	success = true
	return &Result{
		Identity:    id,
		InstanceID:  instanceID,
		Store:       store,
		Content:     content,
		Resolver:    resolver,
		Publisher:   publisher,
		Broker:      broker,
		Coordinator: coord,
		Syncer:      engine,
		Clock:       clk,
		Logger:      logger,
	}, cleanup, nil
}

// joinBus connects to the coordination socket. Dialing is tried first:
// an existing broker (another context's process) wins. When nobody is
// listening, this process hosts the broker and dials its own socket
// like any other context.
func joinBus(socketPath string, logger *slog.Logger) (bus.Endpoint, *bus.Broker, error) {
	endpoint, err := bus.Dial(socketPath)
	if err == nil {
		return endpoint, nil, nil
	}

	broker, err := bus.NewBroker(socketPath, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("hosting coordination socket", "path", socketPath)

	endpoint, err = bus.Dial(socketPath)
	if err != nil {
		broker.Close()
		return nil, nil, err
	}
	return endpoint, broker, nil
}

// NewLogger creates the standard Tidesync logger: a JSON handler
// writing to stderr at the configured level. It also sets the default
// slog logger so that code using slog.Info etc. gets the same handler.
func NewLogger(level string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
