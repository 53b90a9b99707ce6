// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package ttlcache

import (
	"testing"
	"time"

	"github.com/tidesync/tidesync/lib/clock"
)

func TestGetBeforeAndAfterExpiry(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	cache := New[string](fake, time.Minute)

	cache.Put("name", "addr-1")

	if got, ok := cache.Get("name"); !ok || got != "addr-1" {
		t.Fatalf("Get = %q, %v; want addr-1, true", got, ok)
	}

	fake.Advance(59 * time.Second)
	if _, ok := cache.Get("name"); !ok {
		t.Fatal("entry expired before its TTL")
	}

	fake.Advance(2 * time.Second)
	if _, ok := cache.Get("name"); ok {
		t.Fatal("entry survived past its TTL")
	}
}

func TestPutRefreshesTTL(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	cache := New[int](fake, time.Minute)

	cache.Put("k", 1)
	fake.Advance(50 * time.Second)
	cache.Put("k", 2)
	fake.Advance(50 * time.Second)

	got, ok := cache.Get("k")
	if !ok {
		t.Fatal("refreshed entry expired")
	}
	if got != 2 {
		t.Errorf("value = %d, want 2", got)
	}
}

func TestPutSweepsExpired(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	cache := New[int](fake, time.Second)

	cache.Put("old", 1)
	fake.Advance(2 * time.Second)
	cache.Put("new", 2)

	if len(cache.entries) != 1 {
		t.Errorf("entries = %d after sweep, want 1", len(cache.entries))
	}
}

func TestDelete(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	cache := New[int](fake, time.Minute)

	cache.Put("k", 1)
	cache.Delete("k")
	if _, ok := cache.Get("k"); ok {
		t.Error("deleted entry still present")
	}
}
