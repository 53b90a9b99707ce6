// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Tidesync is the command-line companion to tidesyncd. Every command
// that touches remote state joins the coordination bus as a regular
// context, so a one-shot sync from the CLI participates in the same
// election and publish locking as a running daemon.
package main

import (
	"os"

	"github.com/tidesync/tidesync/cmd/tidesync/cli"
	"github.com/tidesync/tidesync/config"
	"github.com/tidesync/tidesync/lib/process"
	"github.com/tidesync/tidesync/lib/version"
)

func main() {
	root := &cli.Command{
		Name:    "tidesync",
		Summary: "multi-device private state synchronization",
		Description: "Tidesync keeps one owner's private state converged across devices\n" +
			"through a replicated content-addressed store.",
		Subcommands: []*cli.Command{
			syncCommand(),
			recoverCommand(),
			statusCommand(),
			resetCommand(),
			{
				Name:    "version",
				Summary: "print version information",
				Run: func(args []string) error {
					version.Print("tidesync")
					return nil
				},
			},
		},
	}

	if err := root.Execute(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

// loadSettings loads the configuration from the --config flag value
// when given, falling back to the TIDESYNC_CONFIG environment
// variable.
func loadSettings(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}
