// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/tidesync/tidesync/lib/codec"
	"github.com/tidesync/tidesync/seal"
)

// Blob format: 4-byte magic, 1-byte format version, 1-byte flags,
// then the body. The body is deterministic CBOR, zstd-compressed, and
// sealed when a Sealer is configured (compression before sealing —
// ciphertext does not compress). These are protocol constants; a
// reader that does not recognize the version must refuse the blob
// rather than guess.
const (
	blobMagic   = "TSNP"
	blobVersion = 1

	flagCompressed byte = 1 << 0
	flagSealed     byte = 1 << 1

	blobHeaderSize = 6
)

// BlobCodec converts snapshots to and from the byte blobs stored on
// the content network.
type BlobCodec struct {
	sealer *seal.Sealer
}

// NewBlobCodec creates a codec. A nil sealer produces unsealed blobs
// and refuses to decode sealed ones.
func NewBlobCodec(sealer *seal.Sealer) *BlobCodec {
	return &BlobCodec{sealer: sealer}
}

// Encode serializes a snapshot into blob bytes.
func (c *BlobCodec) Encode(s *Snapshot) ([]byte, error) {
	body, err := codec.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encoding: %w", err)
	}

	flags := flagCompressed
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: creating compressor: %w", err)
	}
	body = encoder.EncodeAll(body, nil)
	encoder.Close()

	if c.sealer != nil {
		flags |= flagSealed
		body, err = c.sealer.Seal(body)
		if err != nil {
			return nil, fmt.Errorf("snapshot: sealing blob: %w", err)
		}
	}

	blob := make([]byte, 0, blobHeaderSize+len(body))
	blob = append(blob, blobMagic...)
	blob = append(blob, blobVersion, flags)
	return append(blob, body...), nil
}

// Decode parses blob bytes back into a snapshot.
func (c *BlobCodec) Decode(blob []byte) (*Snapshot, error) {
	if len(blob) < blobHeaderSize || !bytes.Equal(blob[:4], []byte(blobMagic)) {
		return nil, fmt.Errorf("snapshot: not a snapshot blob")
	}
	if blob[4] != blobVersion {
		return nil, fmt.Errorf("snapshot: unsupported blob version %d", blob[4])
	}
	flags := blob[5]
	body := blob[blobHeaderSize:]

	if flags&flagSealed != 0 {
		if c.sealer == nil {
			return nil, fmt.Errorf("snapshot: blob is sealed but no sealer is configured")
		}
		opened, err := c.sealer.Open(body)
		if err != nil {
			return nil, fmt.Errorf("snapshot: opening sealed blob: %w", err)
		}
		body = opened
	}

	if flags&flagCompressed != 0 {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("snapshot: creating decompressor: %w", err)
		}
		body, err = decoder.DecodeAll(body, nil)
		decoder.Close()
		if err != nil {
			return nil, fmt.Errorf("snapshot: decompressing blob: %w", err)
		}
	}

	var s Snapshot
	if err := codec.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("snapshot: decoding: %w", err)
	}
	if s.Entities == nil {
		s.Entities = make(map[string]Entity)
	}
	if s.Tombstones == nil {
		s.Tombstones = make(map[string]Tombstone)
	}
	return &s, nil
}
