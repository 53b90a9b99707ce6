// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package contentstore

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that no configured node could produce the
// requested content before the deadline. Individual node failures are
// never surfaced on their own — only total exhaustion is.
var ErrNotFound = errors.New("contentstore: content not found on any node")

// ErrIntegrityMismatch reports that a node returned bytes whose
// derived address differs from the requested one. It is always
// wrapped in a NodeError: a lying or corrupt node is that node's
// failure, and the race moves on to the others.
var ErrIntegrityMismatch = errors.New("contentstore: content does not match its address")

// NodeError is a failure scoped to a single storage node.
type NodeError struct {
	// Node is the base URL of the failing node.
	Node string

	// Op is the gateway operation ("add", "cat", "name", "routing/get",
	// "routing/put").
	Op string

	// StatusCode is the HTTP status, or 0 for transport errors.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

func (e *NodeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("contentstore: node %s: %s: status %d: %v", e.Node, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("contentstore: node %s: %s: %v", e.Node, e.Op, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
