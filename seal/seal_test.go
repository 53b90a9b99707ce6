// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package seal

import (
	"bytes"
	"testing"
)

// testWorkFactor keeps scrypt cheap in tests.
const testWorkFactor = 10

func TestSealOpenRoundTrip(t *testing.T) {
	sealer, err := New([]byte("0123456789abcdef0123456789abcdef"), WithWorkFactor(testWorkFactor))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintext := []byte("snapshot bytes")
	sealed, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("sealed blob contains plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip = %q, want %q", opened, plaintext)
	}
}

func TestOpenWrongIdentityFails(t *testing.T) {
	alice, err := New([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), WithWorkFactor(testWorkFactor))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bob, err := New([]byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"), WithWorkFactor(testWorkFactor))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sealed, err := alice.Seal([]byte("private"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := bob.Open(sealed); err == nil {
		t.Error("blob sealed for alice opened with bob's key material")
	}
}

func TestNewRejectsShortMaterial(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Error("New accepted under-length owner material")
	}
}
