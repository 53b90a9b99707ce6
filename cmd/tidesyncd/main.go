// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Tidesyncd is the long-running sync daemon for one device. It derives
// the owner identity from the configured key material, joins the
// machine's coordination socket (hosting it when it is the first
// context up), and keeps the local snapshot converged with the
// replicated remote state.
//
// On startup:
//  1. Loads the YAML configuration (--config or TIDESYNC_CONFIG).
//  2. Assembles the stack via lib/bootstrap.
//  3. Runs one full sync immediately.
//  4. Enters the steady state: periodic syncs on a timer, debounced
//     syncs when another context on the bus announces a publish or
//     the operator sends SIGUSR1.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tidesync/tidesync/bus"
	"github.com/tidesync/tidesync/config"
	"github.com/tidesync/tidesync/lib/bootstrap"
	"github.com/tidesync/tidesync/lib/process"
	"github.com/tidesync/tidesync/lib/version"
	"github.com/tidesync/tidesync/syncer"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath   string
		syncInterval time.Duration
		showVersion  bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the YAML configuration (defaults to $TIDESYNC_CONFIG)")
	pflag.DurationVar(&syncInterval, "sync-interval", 5*time.Minute, "how often to run a periodic full sync")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("tidesyncd")
		return nil
	}

	cfg, err := loadSettings(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	boot, cleanup, err := bootstrap.Bootstrap(ctx, bootstrap.Config{Settings: cfg})
	if err != nil {
		return err
	}
	defer cleanup()

	logger := boot.Logger
	engine := boot.Syncer

	engine.Subscribe(func(result syncer.Result) {
		attrs := []any{
			"status", result.Status,
			"mode", result.Mode,
			"version", result.Version,
		}
		if result.ErrorCode != "" {
			attrs = append(attrs, "code", result.ErrorCode, "error", result.ErrorMessage)
		}
		if result.Offline {
			attrs = append(attrs, "offline", true)
		}
		logger.Info("sync finished", attrs...)
	})

	// A second bus connection watches for publishes by other contexts.
	// The coordinator owns the first connection's receive channel, so
	// the watcher needs its own.
	watcher, err := bus.Dial(cfg.SocketPath())
	if err != nil {
		return err
	}
	defer watcher.Close()
	go watchPeers(watcher, boot.InstanceID, engine)

	logger.Info("tidesyncd running",
		"identity", boot.Identity.Name,
		"instance", boot.InstanceID,
		"socket", cfg.SocketPath(),
		"nodes", len(cfg.Nodes),
	)

	// SIGUSR1 requests an on-demand sync, through the debounce gate
	// so a burst of signals runs once.
	onDemand := make(chan os.Signal, 1)
	signal.Notify(onDemand, syscall.SIGUSR1)
	defer signal.Stop(onDemand)

	engine.Sync(ctx, syncer.Request{})

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			engine.Sync(ctx, syncer.Request{})
		case <-onDemand:
			engine.Trigger()
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		}
	}
}

// loadSettings loads the configuration from the --config flag when
// given, falling back to the TIDESYNC_CONFIG environment variable.
func loadSettings(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// watchPeers triggers a debounced sync whenever another context
// announces a completed publish. Messages from this process's own
// coordinator connection come back on the watcher connection too, so
// they are filtered by instance id.
func watchPeers(watcher bus.Endpoint, instanceID string, engine *syncer.Syncer) {
	for message := range watcher.Messages() {
		if message.Kind != bus.KindSyncComplete || message.From == instanceID {
			continue
		}
		engine.Trigger()
	}
}
