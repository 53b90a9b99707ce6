// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package ttlcache provides a small expiring cache keyed by string.
// The naming resolver uses it to answer from recently-resolved records
// when every storage node is unreachable.
package ttlcache

import (
	"sync"
	"time"

	"github.com/tidesync/tidesync/lib/clock"
)

// Cache maps string keys to values of type V with a fixed TTL per
// entry. Expired entries are dropped lazily on access and during Put.
// Cache is safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[string]entry[V]
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache whose entries live for ttl after insertion.
func New[V any](clk clock.Clock, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]entry[V]),
	}
}

// Put inserts or refreshes an entry. Insertion also sweeps any
// entries that have already expired, bounding memory without a
// background goroutine.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
}

// Get returns the live entry for key, if any.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.After(c.clock.Now()) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes an entry if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
