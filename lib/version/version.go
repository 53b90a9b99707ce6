// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build stamp of a tidesync binary.
//
// Release builds overwrite the package variables through -ldflags:
//
//	go build -ldflags "-X github.com/tidesync/tidesync/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// An unstamped development build reports "unknown" placeholders.
package version

import (
	"fmt"
	"os"
	"runtime"
)

// Build stamp, overwritten by the linker in release builds.
var (
	// GitCommit is the abbreviated commit hash the binary was built
	// from.
	GitCommit = "unknown"

	// GitDirty is "true" when the working tree had local modifications
	// at build time.
	GitDirty = "false"

	// BuildTime is the build timestamp in UTC.
	BuildTime = "unknown"

	// Version is the release version, bumped by hand when tagging.
	Version = "0.1.0-dev"
)

// Info renders the one-line form used by --version flags:
// version, commit (with a -dirty marker when applicable), and build
// time.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full extends Info with the Go toolchain version and target platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns the bare release version.
func Short() string {
	return Version
}

// Commit returns the abbreviated commit hash.
func Commit() string {
	return GitCommit
}

// Print writes "name version" to stdout for --version handling in
// binary entrypoints.
func Print(name string) {
	fmt.Fprintf(os.Stdout, "%s %s\n", name, Info())
}
