// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package contentstore

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Address is the 32-byte BLAKE3 content address of a blob. The same
// address always maps to the same bytes; every fetch re-derives the
// address from the received bytes, so no node has to be trusted.
type Address [32]byte

// blobDomainKey is the BLAKE3 keyed-hash key for blob addresses.
// Domain separation keeps blob addresses from colliding with any
// other keyed hash of the same bytes. Protocol constant — changing it
// invalidates every published address. The readable ASCII form makes
// the key inspectable in hex dumps.
var blobDomainKey = [32]byte{
	't', 'i', 'd', 'e', 's', 'y', 'n', 'c', '.', 'b', 'l', 'o', 'b',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// AddressOf computes the content address of a blob.
func AddressOf(blob []byte) Address {
	hasher, err := blake3.NewKeyed(blobDomainKey[:])
	if err != nil {
		// NewKeyed fails only on a wrong key length; the key is a
		// compile-time constant of the right length.
		panic("contentstore: keyed hasher: " + err.Error())
	}
	hasher.Write(blob)

	var address Address
	hasher.Digest().Read(address[:])
	return address
}

// String returns the canonical hex form used in URLs and naming
// records.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the zero value (no address).
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress parses the canonical hex form.
func ParseAddress(s string) (Address, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("contentstore: invalid address %q: %w", s, err)
	}
	if len(raw) != len(Address{}) {
		return Address{}, fmt.Errorf("contentstore: invalid address %q: got %d bytes, want %d", s, len(raw), len(Address{}))
	}
	var address Address
	copy(address[:], raw)
	return address, nil
}
