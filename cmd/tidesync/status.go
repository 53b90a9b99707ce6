// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/tidesync/tidesync/cmd/tidesync/cli"
	"github.com/tidesync/tidesync/config"
	"github.com/tidesync/tidesync/identity"
	"github.com/tidesync/tidesync/localstore"
	"github.com/tidesync/tidesync/seal"
	"github.com/tidesync/tidesync/snapshot"
)

func statusCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "status",
		Summary: "show the local snapshot and counters",
		Description: "Status inspects the local database without touching the network:\n" +
			"the snapshot version, the entity partitions, and the persisted\n" +
			"publish counters.",
		Usage: "tidesync status [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to the YAML configuration")
			return flags
		},
		Run: func(args []string) error {
			settings, err := loadSettings(configPath)
			if err != nil {
				return err
			}
			return printStatus(context.Background(), settings)
		},
	}
}

func printStatus(ctx context.Context, settings *config.Config) error {
	id, codec, err := openIdentity(settings)
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

	counters, err := store.LoadCounters(ctx, id.Name)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "identity:\t%s\n", id.Name)

	blob, version, err := store.LoadSnapshot(ctx, id.Name)
	switch {
	case errors.Is(err, localstore.ErrNoSnapshot):
		fmt.Fprintf(tw, "snapshot:\tnone\n")
	case err != nil:
		return err
	default:
		snap, err := codec.Decode(blob)
		if err != nil {
			return err
		}
		partitions := snapshot.Categorize(snap)
		fmt.Fprintf(tw, "version:\t%d\n", version)
		fmt.Fprintf(tw, "entities:\t%d\n", len(snap.Entities))
		fmt.Fprintf(tw, "  active:\t%d\n", len(partitions.Active))
		fmt.Fprintf(tw, "  spent:\t%d\n", len(partitions.Spent))
		fmt.Fprintf(tw, "  outbox:\t%d\n", len(partitions.Outbox))
		fmt.Fprintf(tw, "  invalid:\t%d\n", len(partitions.Invalid))
		fmt.Fprintf(tw, "  metadata:\t%d\n", len(partitions.Metadata))
		fmt.Fprintf(tw, "tombstones:\t%d\n", len(snap.Tombstones))
		if snap.Nametag != nil {
			fmt.Fprintf(tw, "nametag:\tset\n")
		}
		if snap.Previous != "" {
			fmt.Fprintf(tw, "previous:\t%s\n", snap.Previous)
		}
	}

	if counters.LastAddress != "" {
		fmt.Fprintf(tw, "published:\t%s (sequence %d)\n", counters.LastAddress, counters.LastSequence)
	} else {
		fmt.Fprintf(tw, "published:\tnever\n")
	}
	return tw.Flush()
}

// openIdentity derives the identity and blob codec from the configured
// key material, without opening any network client.
func openIdentity(settings *config.Config) (*identity.Identity, *snapshot.BlobCodec, error) {
	material, err := os.ReadFile(settings.Identity.MaterialFile)
	if err != nil {
		return nil, nil, fmt.Errorf("reading owner key material: %w", err)
	}
	material = bytes.TrimSpace(material)

	id, err := identity.Derive(material)
	if err != nil {
		return nil, nil, err
	}

	var sealer *seal.Sealer
	if settings.SealEnabled() {
		sealer, err = seal.New(material)
		if err != nil {
			return nil, nil, err
		}
	}
	return id, snapshot.NewBlobCodec(sealer), nil
}
