// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for tidesync.
//
// Content addresses are hashes of encoded bytes, so the same logical
// snapshot must always encode to identical bytes — otherwise a no-op
// re-encode would change a snapshot's address and force a spurious
// publish. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Naming-record signatures are likewise
// computed over deterministic bytes.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Entity payloads are decoded into any-typed values in a few
		// places (validation hooks). CBOR's default map type for an
		// any target is map[interface{}]interface{}, which nothing
		// downstream can consume; force map[string]any. Struct field
		// decoding is unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility with snapshots written by newer versions.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal into %T: %w", v, err)
	}
	return nil
}
