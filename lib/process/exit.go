// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint glue shared by the tidesync
// binaries: the raw stderr/exit handling that has to work before the
// structured logger exists and after it is gone.
package process

import (
	"fmt"
	"os"
)

// Fatal reports err on stderr and terminates the process with exit
// code 1. main() calls it for a run() error; anything that happens
// once the daemon is up goes through the structured logger instead.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
