// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

// Partitions is the read-only projection of a snapshot's entities by
// status, in the shape callers consume: active holdings, spent
// tokens, the outbox, entities quarantined by validation, and
// metadata. Building it never mutates the snapshot.
type Partitions struct {
	Active   []Entity
	Spent    []Entity
	Outbox   []Entity
	Invalid  []Entity
	Metadata []Entity
}

// Categorize projects a snapshot's entities into partitions purely
// from each entity's Status field. Entities with an unrecognized or
// empty status land in Active — a snapshot written before a status
// was introduced should not hide its entities.
func Categorize(s *Snapshot) Partitions {
	var partitions Partitions
	for _, entity := range s.Entities {
		switch entity.Status {
		case StatusSpent:
			partitions.Spent = append(partitions.Spent, entity)
		case StatusOutbox:
			partitions.Outbox = append(partitions.Outbox, entity)
		case StatusInvalid:
			partitions.Invalid = append(partitions.Invalid, entity)
		case StatusMetadata:
			partitions.Metadata = append(partitions.Metadata, entity)
		default:
			partitions.Active = append(partitions.Active, entity)
		}
	}
	if s.Nametag != nil {
		partitions.Metadata = append(partitions.Metadata, *s.Nametag)
	}
	return partitions
}
