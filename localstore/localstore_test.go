// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidesync/tidesync/lib/clock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:  filepath.Join(t.TempDir(), "tidesync.db"),
		Clock: clock.Fake(time.Unix(1_700_000_000, 0)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, _, err := store.LoadSnapshot(ctx, "alice"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("LoadSnapshot before save: got %v, want ErrNoSnapshot", err)
	}

	blob := []byte("snapshot-bytes-v7")
	if err := store.SaveSnapshot(ctx, "alice", 7, blob); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	data, version, err := store.LoadSnapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if version != 7 {
		t.Fatalf("version = %d, want 7", version)
	}
	if string(data) != string(blob) {
		t.Fatalf("data = %q, want %q", data, blob)
	}
}

func TestSnapshotUpsertReplaces(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveSnapshot(ctx, "alice", 1, []byte("old")); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := store.SaveSnapshot(ctx, "alice", 2, []byte("new")); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	data, version, err := store.LoadSnapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if version != 2 || string(data) != "new" {
		t.Fatalf("got version %d data %q, want 2 %q", version, data, "new")
	}
}

func TestCountersDefaultToZero(t *testing.T) {
	store := openTestStore(t)

	counters, err := store.LoadCounters(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("LoadCounters: %v", err)
	}
	if counters != (Counters{}) {
		t.Fatalf("got %+v, want zero counters", counters)
	}
}

func TestCountersRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	want := Counters{Version: 12, LastAddress: "abcd1234", LastSequence: 9}
	if err := store.UpdateCounters(ctx, "alice", want); err != nil {
		t.Fatalf("UpdateCounters: %v", err)
	}

	got, err := store.LoadCounters(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadCounters: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	want.Version = 13
	want.LastSequence = 10
	if err := store.UpdateCounters(ctx, "alice", want); err != nil {
		t.Fatalf("UpdateCounters: %v", err)
	}
	got, err = store.LoadCounters(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadCounters: %v", err)
	}
	if got != want {
		t.Fatalf("after update: got %+v, want %+v", got, want)
	}
}

func TestResetClearsOneIdentityOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, identity := range []string{"alice", "bob"} {
		if err := store.SaveSnapshot(ctx, identity, 1, []byte(identity)); err != nil {
			t.Fatalf("SaveSnapshot(%s): %v", identity, err)
		}
		if err := store.UpdateCounters(ctx, identity, Counters{Version: 1}); err != nil {
			t.Fatalf("UpdateCounters(%s): %v", identity, err)
		}
	}

	if err := store.Reset(ctx, "alice"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, _, err := store.LoadSnapshot(ctx, "alice"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("alice snapshot survived reset: %v", err)
	}
	counters, err := store.LoadCounters(ctx, "alice")
	if err != nil || counters != (Counters{}) {
		t.Fatalf("alice counters survived reset: %+v, %v", counters, err)
	}

	if _, _, err := store.LoadSnapshot(ctx, "bob"); err != nil {
		t.Fatalf("bob snapshot lost by alice's reset: %v", err)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tidesync.db")
	ctx := context.Background()

	first, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.SaveSnapshot(ctx, "alice", 3, []byte("durable")); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := first.UpdateCounters(ctx, "alice", Counters{Version: 3, LastSequence: 5}); err != nil {
		t.Fatalf("UpdateCounters: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	data, version, err := second.LoadSnapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadSnapshot after reopen: %v", err)
	}
	if version != 3 || string(data) != "durable" {
		t.Fatalf("got version %d data %q", version, data)
	}
	counters, err := second.LoadCounters(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadCounters after reopen: %v", err)
	}
	if counters.LastSequence != 5 {
		t.Fatalf("LastSequence = %d, want 5", counters.LastSequence)
	}
}
