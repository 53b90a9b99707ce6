// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity defines the owner identity that anchors a synced
// snapshot: a stable publish name plus the ed25519 keypair that signs
// naming records for that name.
//
// The keypair is not the owner's wallet key. It is derived from the
// owner's key material with HKDF, under a fixed tidesync info string,
// so that the wallet key never signs anything outside the wallet and
// the naming key can be re-derived on any device holding the same
// owner material. Switching accounts replaces the Identity wholesale;
// all per-identity sync counters start over.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// namingKeyInfo is the HKDF info string for the naming keypair.
// Changing it orphans every published name — it is a protocol
// constant, not a tunable.
const namingKeyInfo = "tidesync/naming-key/v1"

// Identity is one snapshot owner. The zero value is not usable; call
// Derive.
type Identity struct {
	// Name is the stable publish name: the hex form of the blake3
	// hash of the naming public key. Naming records for this
	// identity are resolved and published under this name.
	Name string

	// PublicKey verifies naming-record signatures for Name.
	PublicKey ed25519.PublicKey

	privateKey ed25519.PrivateKey
}

// Derive computes the identity for the given owner key material. The
// material must be at least 16 bytes of high-entropy secret; the same
// material always yields the same identity on every device.
func Derive(ownerMaterial []byte) (*Identity, error) {
	if len(ownerMaterial) < 16 {
		return nil, fmt.Errorf("identity: owner key material too short (%d bytes)", len(ownerMaterial))
	}

	reader := hkdf.New(sha256.New, ownerMaterial, nil, []byte(namingKeyInfo))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("identity: deriving naming key seed: %w", err)
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	return &Identity{
		Name:       NameForPublicKey(publicKey),
		PublicKey:  publicKey,
		privateKey: privateKey,
	}, nil
}

// NameForPublicKey returns the publish name for a naming public key.
func NameForPublicKey(publicKey ed25519.PublicKey) string {
	digest := blake3.Sum256(publicKey)
	return hex.EncodeToString(digest[:])
}

// Sign signs message with the identity's naming key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.privateKey, message)
}

// Verify reports whether signature is a valid signature of message by
// the identity's naming key.
func (id *Identity) Verify(message, signature []byte) bool {
	return ed25519.Verify(id.PublicKey, message, signature)
}
