// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/tidesync/tidesync/cmd/tidesync/cli"
	"github.com/tidesync/tidesync/lib/bootstrap"
	"github.com/tidesync/tidesync/syncer"
)

func syncCommand() *cli.Command {
	var (
		configPath  string
		localOnly   bool
		nametagOnly bool
		timeout     time.Duration
	)
	return &cli.Command{
		Name:    "sync",
		Summary: "run one sync and exit",
		Description: "Sync runs a single pass of the sync pipeline: fetch the remote\n" +
			"snapshot, merge, persist, and publish. The command joins the\n" +
			"coordination bus first, so it never races a running daemon's\n" +
			"publishes.",
		Usage: "tidesync sync [flags]",
		Examples: []cli.Example{
			{Description: "full sync against the configured nodes", Command: "tidesync sync"},
			{Description: "persist local changes without touching the network", Command: "tidesync sync --local-only"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("sync", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to the YAML configuration")
			flags.BoolVar(&localOnly, "local-only", false, "skip every network step")
			flags.BoolVar(&nametagOnly, "nametag-only", false, "reconcile only the nametag entity")
			flags.DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline for the run")
			return flags
		},
		Run: func(args []string) error {
			return runOnce(configPath, timeout, syncer.Request{
				LocalOnly:   localOnly,
				NametagOnly: nametagOnly,
			})
		},
	}
}

func recoverCommand() *cli.Command {
	var (
		configPath string
		depth      int
		timeout    time.Duration
	)
	return &cli.Command{
		Name:    "recover",
		Summary: "walk the snapshot history to re-import lost entities",
		Description: "Recover fetches the remote snapshot and walks its chain of\n" +
			"previous versions, merging each one back in. Entities dropped by\n" +
			"an earlier bad merge reappear; deletions recorded by tombstones\n" +
			"stay deleted.",
		Usage: "tidesync recover [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("recover", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to the YAML configuration")
			flags.IntVar(&depth, "depth", 0, "how many snapshot generations to walk (0 uses the configured default)")
			flags.DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline for the run")
			return flags
		},
		Run: func(args []string) error {
			return runOnce(configPath, timeout, syncer.Request{
				Recover:       true,
				RecoveryDepth: depth,
			})
		},
	}
}

// runOnce bootstraps the full stack, runs a single sync, prints the
// result, and maps a FAILED status to a process error.
func runOnce(configPath string, timeout time.Duration, request syncer.Request) error {
	settings, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	if request.Recover && request.RecoveryDepth == 0 {
		request.RecoveryDepth = settings.Sync.RecoveryDepth
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	boot, cleanup, err := bootstrap.Bootstrap(ctx, bootstrap.Config{Settings: settings})
	if err != nil {
		return err
	}
	defer cleanup()

	result := boot.Syncer.Sync(ctx, request)
	printResult(result)

	if result.Status == syncer.StatusFailed {
		return fmt.Errorf("sync failed: %s: %s", result.ErrorCode, result.ErrorMessage)
	}
	return nil
}

func printResult(result syncer.Result) {
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "status:\t%s\n", result.Status)
	fmt.Fprintf(tw, "mode:\t%s\n", result.Mode)
	fmt.Fprintf(tw, "version:\t%d\n", result.Version)
	fmt.Fprintf(tw, "imported:\t%d\n", result.Counts.Imported)
	fmt.Fprintf(tw, "updated:\t%d\n", result.Counts.Updated)
	fmt.Fprintf(tw, "removed:\t%d\n", result.Counts.Removed)
	fmt.Fprintf(tw, "conflicts:\t%d\n", result.Counts.Conflicts)
	if result.Invalid > 0 {
		fmt.Fprintf(tw, "invalid:\t%d\n", result.Invalid)
	}
	if result.Address != "" {
		fmt.Fprintf(tw, "address:\t%s\n", result.Address)
		fmt.Fprintf(tw, "sequence:\t%d\n", result.Sequence)
	}
	if result.ErrorCode != "" {
		fmt.Fprintf(tw, "error:\t%s: %s\n", result.ErrorCode, result.ErrorMessage)
	}
	if result.Offline {
		fmt.Fprintf(tw, "offline:\ttrue (circuit breaker open)\n")
	}
	tw.Flush()
}
