// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the timer-driven parts of tidesync:
// leader heartbeats, resolution backoff, the circuit breaker's recovery
// timer, and the trigger debounce gate. Production code injects Real();
// tests inject Fake() and advance time deterministically.
package clock
