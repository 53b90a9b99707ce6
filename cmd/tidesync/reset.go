// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/tidesync/tidesync/cmd/tidesync/cli"
	"github.com/tidesync/tidesync/localstore"
)

func resetCommand() *cli.Command {
	var (
		configPath string
		force      bool
	)
	return &cli.Command{
		Name:    "reset",
		Summary: "delete the local snapshot and counters",
		Description: "Reset wipes this device's local copy of the snapshot and its\n" +
			"publish counters. Remote state is untouched; the next sync\n" +
			"re-imports everything the network still holds.",
		Usage: "tidesync reset --force [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("reset", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to the YAML configuration")
			flags.BoolVar(&force, "force", false, "confirm the wipe")
			return flags
		},
		Run: func(args []string) error {
			if !force {
				return fmt.Errorf("reset deletes local state; pass --force to confirm")
			}

			settings, err := loadSettings(configPath)
			if err != nil {
				return err
			}
			id, _, err := openIdentity(settings)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(settings.DataDir, 0o700); err != nil {
				return err
			}
			store, err := localstore.Open(localstore.Config{Path: settings.DatabasePath()})
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Reset(context.Background(), id.Name); err != nil {
				return err
			}
			fmt.Printf("local state for %s cleared\n", id.Name)
			return nil
		},
	}
}
