// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tidesync/tidesync/config"
)

func testSettings(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	materialFile := filepath.Join(root, "owner.key")
	if err := os.WriteFile(materialFile, []byte("correct horse battery staple padding"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.Default()
	cfg.Nodes = []string{"http://127.0.0.1:1"}
	cfg.DataDir = filepath.Join(root, "data")
	cfg.Identity.MaterialFile = materialFile
	return cfg
}

func TestBootstrapAssemblesStack(t *testing.T) {
	result, cleanup, err := Bootstrap(context.Background(), Config{
		Settings:   testSettings(t),
		InstanceID: "bootstrap-test-1",
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer cleanup()

	if result.Identity == nil || result.Identity.Name == "" {
		t.Fatal("identity not derived")
	}
	if result.Broker == nil {
		t.Error("first context should host the broker")
	}
	if result.Syncer == nil || result.Coordinator == nil {
		t.Error("engine not assembled")
	}
	if got := result.Coordinator.ID(); got != "bootstrap-test-1" {
		t.Errorf("instance id = %q, want %q", got, "bootstrap-test-1")
	}
}

func TestBootstrapSecondContextDialsExistingBroker(t *testing.T) {
	settings := testSettings(t)
	logger := slog.New(slog.DiscardHandler)

	first, cleanupFirst, err := Bootstrap(context.Background(), Config{
		Settings: settings,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("Bootstrap first: %v", err)
	}
	defer cleanupFirst()

	second, cleanupSecond, err := Bootstrap(context.Background(), Config{
		Settings: settings,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("Bootstrap second: %v", err)
	}
	defer cleanupSecond()

	if first.Broker == nil {
		t.Error("first context should host the broker")
	}
	if second.Broker != nil {
		t.Error("second context should join the existing broker")
	}
	if first.InstanceID == second.InstanceID {
		t.Error("contexts should get distinct instance ids")
	}
}

func TestBootstrapMissingMaterialFile(t *testing.T) {
	settings := testSettings(t)
	settings.Identity.MaterialFile = filepath.Join(t.TempDir(), "absent.key")

	_, _, err := Bootstrap(context.Background(), Config{
		Settings: settings,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err == nil {
		t.Fatal("expected error for missing key material")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, test := range tests {
		if got := parseLevel(test.in); got != test.want {
			t.Errorf("parseLevel(%q) = %v, want %v", test.in, got, test.want)
		}
	}
}
