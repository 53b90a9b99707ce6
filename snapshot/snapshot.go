// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot defines the versioned document that tidesync
// replicates for one identity — entity collections keyed by id, plus
// deletion tombstones — along with the merge algorithm that reconciles
// two independently-mutated copies, the partition projection used by
// callers, and the blob encoding stored on the content network.
package snapshot

import "time"

// TombstoneRetention is how long a tombstone is kept after the
// deletion it records. A device that stays offline longer than this
// can resurrect the deleted entity on its next merge; shortening the
// window trades that risk for smaller snapshots.
const TombstoneRetention = 30 * 24 * time.Hour

// Status partitions entities for presentation. It is data carried on
// the entity, not derived state: categorization reads it, merge
// preserves it, and only the owner's device mutates it.
type Status string

const (
	// StatusActive marks entities available for use.
	StatusActive Status = "active"

	// StatusSpent marks value tokens that have been consumed.
	StatusSpent Status = "spent"

	// StatusOutbox marks entities handed to a recipient but not yet
	// confirmed received.
	StatusOutbox Status = "outbox"

	// StatusInvalid marks entities that failed domain validation.
	// They are retained, not deleted, so a later validator fix can
	// restore them.
	StatusInvalid Status = "invalid"

	// StatusMetadata marks single-valued metadata entities such as
	// the nametag binding.
	StatusMetadata Status = "metadata"
)

// Snapshot is the synchronized document for one identity.
//
// Version strictly increases on every successful local persist and is
// never reused; it orders a device's own writes. Cross-device ordering
// comes from entity UpdatedAt fields, not Version.
type Snapshot struct {
	// Version is the local monotonic document version.
	Version uint64 `cbor:"version"`

	// Timestamp is when this snapshot was persisted, unix
	// milliseconds.
	Timestamp int64 `cbor:"timestamp"`

	// Owner is the identity name that owns this snapshot.
	Owner string `cbor:"owner"`

	// Entities maps entity id to entity.
	Entities map[string]Entity `cbor:"entities"`

	// Tombstones maps entity id to its deletion marker.
	Tombstones map[string]Tombstone `cbor:"tombstones,omitempty"`

	// Nametag is the optional single-valued metadata entity binding
	// a human-readable name to the owner.
	Nametag *Entity `cbor:"nametag,omitempty"`

	// Previous is the content address (string form) of the snapshot
	// blob this one replaced. Recovery mode walks this chain
	// backward to re-import entities lost by a bad merge. Empty for
	// the first published snapshot.
	Previous string `cbor:"previous,omitempty"`
}

// Entity is one domain item: a token, a chat session, a message set.
type Entity struct {
	// ID is unique and stable for the entity's lifetime.
	ID string `cbor:"id"`

	// Kind names the domain type ("token", "session", ...). Opaque
	// to the sync engine.
	Kind string `cbor:"kind,omitempty"`

	// Status selects the entity's partition.
	Status Status `cbor:"status,omitempty"`

	// Payload is the domain data, opaque encoded bytes.
	Payload []byte `cbor:"payload,omitempty"`

	// UpdatedAt is the last modification time in unix milliseconds.
	// It is the merge tie-breaker: the copy with the greater
	// UpdatedAt wins.
	UpdatedAt int64 `cbor:"updated_at"`

	// Items are the entity's sub-items (messages within a session).
	// Merge reconciles them one level deep, newest-wins per item id.
	Items []Item `cbor:"items,omitempty"`
}

// Item is a sub-item of an entity.
type Item struct {
	ID        string `cbor:"id"`
	Payload   []byte `cbor:"payload,omitempty"`
	UpdatedAt int64  `cbor:"updated_at"`
}

// Tombstone records a deletion. A tombstone whose DeletedAt is
// strictly newer than an entity's UpdatedAt suppresses that entity on
// merge, preventing resurrection by a stale remote copy.
type Tombstone struct {
	EntityID  string `cbor:"entity_id"`
	DeletedAt int64  `cbor:"deleted_at"`
	Reason    string `cbor:"reason,omitempty"`
}

// New returns an empty snapshot for the given owner.
func New(owner string) *Snapshot {
	return &Snapshot{
		Owner:      owner,
		Entities:   make(map[string]Entity),
		Tombstones: make(map[string]Tombstone),
	}
}

// Clone returns a deep copy. Merge operates on clones so a failed
// pipeline never leaves a half-merged snapshot behind.
func (s *Snapshot) Clone() *Snapshot {
	copied := &Snapshot{
		Version:   s.Version,
		Timestamp: s.Timestamp,
		Owner:     s.Owner,
		Previous:  s.Previous,
	}
	copied.Entities = make(map[string]Entity, len(s.Entities))
	for id, entity := range s.Entities {
		copied.Entities[id] = entity.clone()
	}
	copied.Tombstones = make(map[string]Tombstone, len(s.Tombstones))
	for id, tombstone := range s.Tombstones {
		copied.Tombstones[id] = tombstone
	}
	if s.Nametag != nil {
		nametag := s.Nametag.clone()
		copied.Nametag = &nametag
	}
	return copied
}

func (e Entity) clone() Entity {
	copied := e
	if e.Payload != nil {
		copied.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Items != nil {
		copied.Items = make([]Item, len(e.Items))
		for i, item := range e.Items {
			copied.Items[i] = item
			if item.Payload != nil {
				copied.Items[i].Payload = append([]byte(nil), item.Payload...)
			}
		}
	}
	return copied
}

// GCTombstones drops tombstones older than the retention window,
// measured from now. Returns the number removed.
func (s *Snapshot) GCTombstones(now time.Time) int {
	cutoff := now.Add(-TombstoneRetention).UnixMilli()
	removed := 0
	for id, tombstone := range s.Tombstones {
		if tombstone.DeletedAt < cutoff {
			delete(s.Tombstones, id)
			removed++
		}
	}
	return removed
}
