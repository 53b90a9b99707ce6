// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import "bytes"

// Counts reports what a merge did, for the sync result.
type Counts struct {
	// Imported is the number of entities present only in the remote
	// snapshot that the merge kept.
	Imported int

	// Updated is the number of entities present on both sides where
	// the remote copy won.
	Updated int

	// Removed is the number of entities suppressed by a tombstone.
	Removed int

	// Conflicts is the number of entities that needed a tie-break:
	// present on both sides with equal UpdatedAt but differing
	// content. These feed the orchestrator's conflict counter.
	Conflicts int
}

// Merge reconciles two snapshots of the same logical document and
// returns a new snapshot containing the union of their entities under
// newest-wins resolution. Neither input is modified.
//
// Rules, in order:
//
//   - Tombstones are unioned first; for the same entity id the newer
//     DeletedAt is kept.
//   - An entity is suppressed when a unioned tombstone's DeletedAt is
//     strictly newer than the entity's UpdatedAt. An entity updated
//     at or after its tombstone survives (the update outranks the
//     delete).
//   - An entity present on one side only is kept (unless suppressed).
//   - An entity present on both sides resolves to the copy with the
//     greater UpdatedAt. On equal UpdatedAt the sub-items of both
//     copies are merged newest-wins per item id, and the richer copy
//     (more items, then greater payload bytes) supplies the
//     remaining fields. The same rule applies regardless of which
//     side is "local", so merge is symmetric in the surviving id set.
//
// The nametag metadata entity resolves newest-wins like any other
// entity.
//
// Version, Timestamp, and Previous on the result are zero; the
// orchestrator assigns them when it persists.
func Merge(local, remote *Snapshot) (*Snapshot, Counts) {
	var counts Counts
	merged := New(local.Owner)
	if merged.Owner == "" {
		merged.Owner = remote.Owner
	}

	// Tombstone union, newer DeletedAt per id.
	for id, tombstone := range local.Tombstones {
		merged.Tombstones[id] = tombstone
	}
	for id, tombstone := range remote.Tombstones {
		if existing, ok := merged.Tombstones[id]; !ok || tombstone.DeletedAt > existing.DeletedAt {
			merged.Tombstones[id] = tombstone
		}
	}

	suppressed := func(entity Entity) bool {
		tombstone, ok := merged.Tombstones[entity.ID]
		return ok && tombstone.DeletedAt > entity.UpdatedAt
	}

	for id, localEntity := range local.Entities {
		remoteEntity, inRemote := remote.Entities[id]

		if !inRemote {
			if suppressed(localEntity) {
				counts.Removed++
				continue
			}
			merged.Entities[id] = localEntity.clone()
			continue
		}

		winner, remoteWon, conflicted := resolveEntity(localEntity, remoteEntity)
		if suppressed(winner) {
			counts.Removed++
			continue
		}
		if conflicted {
			counts.Conflicts++
		}
		if remoteWon {
			counts.Updated++
		}
		merged.Entities[id] = winner
	}

	for id, remoteEntity := range remote.Entities {
		if _, inLocal := local.Entities[id]; inLocal {
			continue
		}
		if suppressed(remoteEntity) {
			counts.Removed++
			continue
		}
		merged.Entities[id] = remoteEntity.clone()
		counts.Imported++
	}

	merged.Nametag = resolveNametag(local.Nametag, remote.Nametag)

	return merged, counts
}

// resolveEntity picks the surviving copy of an entity present on both
// sides. remoteWon reports that the remote copy displaced the local
// one; conflicted reports an equal-UpdatedAt tie-break.
func resolveEntity(local, remote Entity) (winner Entity, remoteWon, conflicted bool) {
	switch {
	case remote.UpdatedAt > local.UpdatedAt:
		return remote.clone(), true, false
	case local.UpdatedAt > remote.UpdatedAt:
		return local.clone(), false, false
	}

	// Equal UpdatedAt. Merge sub-items newest-wins per id, then let
	// the richer copy supply the scalar fields. Richness compares
	// item count first, then payload bytes, so the outcome does not
	// depend on which side was local.
	items := mergeItems(local.Items, remote.Items)
	conflicted = !entityEqual(local, remote)

	base := local
	baseIsRemote := false
	if richer(remote, local) {
		base = remote
		baseIsRemote = true
	}
	winner = base.clone()
	winner.Items = items
	return winner, baseIsRemote && conflicted, conflicted
}

// richer reports whether a should supply the scalar fields over b on
// an equal-UpdatedAt tie: more sub-items, then lexicographically
// greater payload.
func richer(a, b Entity) bool {
	if len(a.Items) != len(b.Items) {
		return len(a.Items) > len(b.Items)
	}
	return bytes.Compare(a.Payload, b.Payload) > 0
}

// mergeItems merges two sub-item lists one level deep: union by item
// id, newest UpdatedAt wins, ties broken by greater payload bytes.
// The result is ordered by each item's first appearance in a, then
// the b-only remainder in b's order.
func mergeItems(a, b []Item) []Item {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}

	byID := make(map[string]Item, len(a)+len(b))
	order := make([]string, 0, len(a)+len(b))

	add := func(item Item) {
		existing, seen := byID[item.ID]
		if !seen {
			byID[item.ID] = item
			order = append(order, item.ID)
			return
		}
		if item.UpdatedAt > existing.UpdatedAt ||
			(item.UpdatedAt == existing.UpdatedAt && bytes.Compare(item.Payload, existing.Payload) > 0) {
			byID[item.ID] = item
		}
	}

	for _, item := range a {
		add(item)
	}
	for _, item := range b {
		add(item)
	}

	merged := make([]Item, 0, len(order))
	for _, id := range order {
		item := byID[id]
		if item.Payload != nil {
			item.Payload = append([]byte(nil), item.Payload...)
		}
		merged = append(merged, item)
	}
	return merged
}

// resolveNametag applies newest-wins to the single-valued metadata
// entity.
func resolveNametag(local, remote *Entity) *Entity {
	switch {
	case local == nil && remote == nil:
		return nil
	case local == nil:
		cloned := remote.clone()
		return &cloned
	case remote == nil:
		cloned := local.clone()
		return &cloned
	}
	winner, _, _ := resolveEntity(*local, *remote)
	return &winner
}

// entityEqual reports whether two entity copies carry the same
// content (ignoring sub-item order).
func entityEqual(a, b Entity) bool {
	if a.UpdatedAt != b.UpdatedAt || a.Status != b.Status || a.Kind != b.Kind {
		return false
	}
	if !bytes.Equal(a.Payload, b.Payload) {
		return false
	}
	if len(a.Items) != len(b.Items) {
		return false
	}
	bItems := make(map[string]Item, len(b.Items))
	for _, item := range b.Items {
		bItems[item.ID] = item
	}
	for _, item := range a.Items {
		other, ok := bItems[item.ID]
		if !ok || other.UpdatedAt != item.UpdatedAt || !bytes.Equal(other.Payload, item.Payload) {
			return false
		}
	}
	return true
}
