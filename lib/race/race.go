// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package race implements the first-success-wins combinator used for
// every multi-node storage operation: store, fetch, resolve, and
// publish all fan out to an unordered set of gateway nodes and take
// the first acceptable answer.
package race

import (
	"context"
	"errors"
	"fmt"
)

// Attempt is one racing operation, typically a request to a single
// storage node. Attempts must honor ctx cancellation.
type Attempt[T any] func(ctx context.Context) (T, error)

// First runs every attempt concurrently and returns the first result
// that accept approves. A nil accept approves any non-error result.
//
// Losing attempts are not cancelled when a winner is chosen — they
// keep running until they finish or ctx expires, and their results
// are discarded. This is deliberate: a store attempt that loses the
// race is still useful replication, and a fetch attempt that loses
// costs nothing to abandon mid-flight.
//
// A result rejected by accept counts as that attempt's failure; the
// race continues with the remaining attempts. First returns an error
// only when every attempt has failed or ctx is done, whichever comes
// first.
func First[T any](ctx context.Context, attempts []Attempt[T], accept func(T) error) (T, error) {
	var zero T
	if len(attempts) == 0 {
		return zero, errors.New("race: no attempts")
	}

	type outcome struct {
		value T
		err   error
	}

	// Buffered so stragglers never block after the winner returns.
	results := make(chan outcome, len(attempts))

	for _, attempt := range attempts {
		go func(attempt Attempt[T]) {
			value, err := attempt(ctx)
			results <- outcome{value: value, err: err}
		}(attempt)
	}

	var failures []error
	for pending := len(attempts); pending > 0; pending-- {
		select {
		case result := <-results:
			if result.err != nil {
				failures = append(failures, result.err)
				continue
			}
			if accept != nil {
				if err := accept(result.value); err != nil {
					failures = append(failures, err)
					continue
				}
			}
			return result.value, nil
		case <-ctx.Done():
			return zero, fmt.Errorf("race: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("race: all %d attempts failed: %w", len(attempts), errors.Join(failures...))
}
