// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package naming maps an identity's stable publish name to the
// content address of its current snapshot blob. Records are signed
// with the identity's naming key and carry a monotonic sequence
// number so a stale record can never shadow a newer one.
package naming

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/tidesync/tidesync/contentstore"
	"github.com/tidesync/tidesync/identity"
	"github.com/tidesync/tidesync/lib/codec"
)

// DefaultLifetime is how long a published record asks to be retained.
// Nodes may drop records after this; republishing on every sync keeps
// live names fresh.
const DefaultLifetime = 24 * time.Hour

// Record is a signed naming record. The wire form is deterministic
// CBOR; Signature signs the record bytes with Signature itself
// zeroed.
type Record struct {
	// Name is the publish name, which must equal the name derived
	// from PublicKey. The binding is verified, not trusted.
	Name string `cbor:"name"`

	// Address is the content address (hex form) the name currently
	// points at.
	Address string `cbor:"address"`

	// Sequence is the monotonic per-name counter. Higher sequence
	// always supersedes lower; equal sequences are the same record.
	Sequence uint64 `cbor:"sequence"`

	// Lifetime is the requested retention in seconds.
	Lifetime int64 `cbor:"lifetime"`

	// PublicKey is the ed25519 naming public key that signed this
	// record.
	PublicKey []byte `cbor:"public_key"`

	// Signature is the ed25519 signature over the record with this
	// field empty.
	Signature []byte `cbor:"signature,omitempty"`
}

// SignRecord builds and signs a record binding the identity's name to
// address at the given sequence.
func SignRecord(id *identity.Identity, address contentstore.Address, sequence uint64, lifetime time.Duration) (*Record, error) {
	record := &Record{
		Name:      id.Name,
		Address:   address.String(),
		Sequence:  sequence,
		Lifetime:  int64(lifetime / time.Second),
		PublicKey: append([]byte(nil), id.PublicKey...),
	}

	unsigned, err := codec.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("naming: encoding record for signing: %w", err)
	}
	record.Signature = id.Sign(unsigned)
	return record, nil
}

// Encode serializes a signed record to its wire form.
func (r *Record) Encode() ([]byte, error) {
	data, err := codec.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("naming: encoding record: %w", err)
	}
	return data, nil
}

// ParseRecord decodes and verifies a record: the signature must be
// valid for the embedded public key, and the record's name must be
// the one derived from that key. A record failing either check is
// rejected outright — there is no partially-trusted record.
func ParseRecord(data []byte) (*Record, error) {
	var record Record
	if err := codec.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("naming: decoding record: %w", err)
	}
	if len(record.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("naming: record has invalid public key length %d", len(record.PublicKey))
	}
	if len(record.Signature) == 0 {
		return nil, fmt.Errorf("naming: record is unsigned")
	}

	publicKey := ed25519.PublicKey(record.PublicKey)
	if derived := identity.NameForPublicKey(publicKey); derived != record.Name {
		return nil, fmt.Errorf("naming: record name %q does not match its key (derived %q)", record.Name, derived)
	}

	unsigned := record
	unsigned.Signature = nil
	unsignedBytes, err := codec.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("naming: re-encoding record for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, unsignedBytes, record.Signature) {
		return nil, fmt.Errorf("naming: record signature verification failed for %q", record.Name)
	}

	return &record, nil
}

// ContentAddress parses the record's address field.
func (r *Record) ContentAddress() (contentstore.Address, error) {
	return contentstore.ParseAddress(r.Address)
}

// Equal reports whether two records are byte-identical bindings.
func (r *Record) Equal(other *Record) bool {
	return other != nil &&
		r.Name == other.Name &&
		r.Address == other.Address &&
		r.Sequence == other.Sequence &&
		bytes.Equal(r.PublicKey, other.PublicKey)
}
