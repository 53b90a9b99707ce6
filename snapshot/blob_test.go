// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"testing"
	"time"

	"github.com/tidesync/tidesync/seal"
)

func fullSnapshot() *Snapshot {
	s := New("owner-name")
	s.Version = 7
	s.Timestamp = 1700000000000
	s.Previous = "deadbeef"
	s.Entities["t1"] = Entity{
		ID: "t1", Kind: "token", Status: StatusActive,
		Payload: []byte("token-data"), UpdatedAt: 100,
	}
	s.Entities["s1"] = Entity{
		ID: "s1", Kind: "session", UpdatedAt: 200,
		Items: []Item{{ID: "m1", Payload: []byte("msg"), UpdatedAt: 150}},
	}
	s.Tombstones["gone"] = Tombstone{EntityID: "gone", DeletedAt: 50, Reason: "spent"}
	s.Nametag = &Entity{ID: "nametag", Status: StatusMetadata, Payload: []byte("alice"), UpdatedAt: 10}
	return s
}

func TestBlobRoundTrip(t *testing.T) {
	blobCodec := NewBlobCodec(nil)
	original := fullSnapshot()

	blob, err := blobCodec.Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := blobCodec.Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.Version != original.Version || decoded.Owner != original.Owner || decoded.Previous != original.Previous {
		t.Errorf("header fields changed: %+v", decoded)
	}
	if len(decoded.Entities) != 2 || len(decoded.Tombstones) != 1 {
		t.Errorf("entities/tombstones = %d/%d, want 2/1", len(decoded.Entities), len(decoded.Tombstones))
	}
	if got := decoded.Entities["s1"]; len(got.Items) != 1 || !bytes.Equal(got.Items[0].Payload, []byte("msg")) {
		t.Errorf("sub-items lost: %+v", got)
	}
	if decoded.Nametag == nil || !bytes.Equal(decoded.Nametag.Payload, []byte("alice")) {
		t.Errorf("nametag lost: %+v", decoded.Nametag)
	}
}

func TestBlobEncodeDeterministic(t *testing.T) {
	// Stable content addresses need stable bytes.
	blobCodec := NewBlobCodec(nil)
	first, err := blobCodec.Encode(fullSnapshot())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	second, err := blobCodec.Encode(fullSnapshot())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("identical snapshots encoded to different blobs")
	}
}

func TestBlobSealedRoundTrip(t *testing.T) {
	sealer, err := seal.New([]byte("0123456789abcdef0123456789abcdef"), seal.WithWorkFactor(10))
	if err != nil {
		t.Fatalf("seal.New: %v", err)
	}
	sealedCodec := NewBlobCodec(sealer)

	blob, err := sealedCodec.Encode(fullSnapshot())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if bytes.Contains(blob, []byte("token-data")) {
		t.Error("sealed blob leaks entity payload")
	}

	decoded, err := sealedCodec.Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Entities) != 2 {
		t.Errorf("entities = %d, want 2", len(decoded.Entities))
	}

	// A codec without the sealer must refuse, not misparse.
	if _, err := NewBlobCodec(nil).Decode(blob); err == nil {
		t.Error("sealed blob decoded without a sealer")
	}
}

func TestBlobRejectsGarbage(t *testing.T) {
	blobCodec := NewBlobCodec(nil)
	for _, blob := range [][]byte{
		nil,
		[]byte("x"),
		[]byte("NOPE\x01\x00body"),
		[]byte("TSNP\x63\x00future version"),
	} {
		if _, err := blobCodec.Decode(blob); err == nil {
			t.Errorf("Decode(%q) accepted invalid blob", blob)
		}
	}
}

func TestGCTombstones(t *testing.T) {
	now := time.Now()
	s := New("owner")
	s.Tombstones["old"] = Tombstone{EntityID: "old", DeletedAt: now.Add(-31 * 24 * time.Hour).UnixMilli()}
	s.Tombstones["recent"] = Tombstone{EntityID: "recent", DeletedAt: now.Add(-1 * time.Hour).UnixMilli()}

	removed := s.GCTombstones(now)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := s.Tombstones["recent"]; !ok {
		t.Error("recent tombstone collected")
	}
	if _, ok := s.Tombstones["old"]; ok {
		t.Error("expired tombstone survived")
	}
}
