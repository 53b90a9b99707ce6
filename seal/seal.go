// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package seal encrypts snapshot blobs before they leave the device.
// The content network is public and unauthenticated; anyone can fetch
// any address, so the private snapshot must be opaque at rest.
//
// It wraps filippo.io/age in scrypt-passphrase mode. The passphrase
// is derived from the owner's key material with HKDF, so every device
// holding the same material can open the blobs and nothing about the
// sealing key needs to be synchronized or escrowed.
package seal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"filippo.io/age"
	"golang.org/x/crypto/hkdf"
)

// sealKeyInfo is the HKDF info string for the sealing passphrase.
// Protocol constant: changing it makes every previously published
// blob unreadable.
const sealKeyInfo = "tidesync/seal-key/v1"

// Sealer seals and opens snapshot blobs for one identity.
type Sealer struct {
	passphrase string
	workFactor int
}

// Option adjusts Sealer construction.
type Option func(*Sealer)

// WithWorkFactor overrides the scrypt work factor (log2 N). The age
// default is expensive by design; tests pass a small value to keep
// seal/open fast.
func WithWorkFactor(logN int) Option {
	return func(s *Sealer) { s.workFactor = logN }
}

// New derives a Sealer from the owner's key material.
func New(ownerMaterial []byte, options ...Option) (*Sealer, error) {
	if len(ownerMaterial) < 16 {
		return nil, fmt.Errorf("seal: owner key material too short (%d bytes)", len(ownerMaterial))
	}

	reader := hkdf.New(sha256.New, ownerMaterial, nil, []byte(sealKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("seal: deriving sealing key: %w", err)
	}

	sealer := &Sealer{passphrase: hex.EncodeToString(key)}
	for _, option := range options {
		option(sealer)
	}
	return sealer, nil
}

// Seal encrypts plaintext. The output is the binary age format, not
// base64 — blobs go straight to the content store as bytes.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("seal: creating recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return nil, fmt.Errorf("seal: starting encryption: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("seal: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("seal: finalizing encryption: %w", err)
	}
	return sealed.Bytes(), nil
}

// Open decrypts a sealed blob. Fails if the blob was sealed for a
// different identity or has been tampered with.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("seal: creating identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return nil, fmt.Errorf("seal: opening blob: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("seal: reading decrypted blob: %w", err)
	}
	return plaintext, nil
}
