// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

// Mode is the sync mode a run executes under.
type Mode string

const (
	// ModeLocal skips every network step: load, merge nothing,
	// persist. Forced while the circuit breaker is open.
	ModeLocal Mode = "LOCAL"

	// ModeNametag reconciles only the nametag metadata entity with
	// the remote snapshot.
	ModeNametag Mode = "NAMETAG"

	// ModeFast imports freshly received entities into the local
	// snapshot and publishes, without fetching remote state first.
	ModeFast Mode = "FAST"

	// ModeNormal is the full pipeline: resolve, fetch, merge,
	// persist, publish.
	ModeNormal Mode = "NORMAL"

	// ModeRecovery walks the snapshot's Previous chain to re-import
	// entities lost by an earlier bad merge, then runs the normal
	// pipeline.
	ModeRecovery Mode = "RECOVERY"
)

// selectMode applies the precedence LOCAL > RECOVERY > NAMETAG > FAST
// > NORMAL. breakerOpen forces LOCAL regardless of the request.
func selectMode(request Request, breakerOpen bool) Mode {
	switch {
	case breakerOpen || request.LocalOnly:
		return ModeLocal
	case request.Recover:
		return ModeRecovery
	case request.NametagOnly:
		return ModeNametag
	case len(request.FastItems) > 0:
		return ModeFast
	default:
		return ModeNormal
	}
}
