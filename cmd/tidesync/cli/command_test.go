// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecuteDispatchesSubcommand(t *testing.T) {
	ran := false
	root := &Command{
		Name: "tidesync",
		Subcommands: []*Command{
			{Name: "sync", Run: func(args []string) error {
				ran = true
				return nil
			}},
		},
	}
	if err := root.Execute([]string{"sync"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ran {
		t.Error("subcommand did not run")
	}
}

func TestExecuteUnknownCommandSuggests(t *testing.T) {
	root := &Command{
		Name: "tidesync",
		Subcommands: []*Command{
			{Name: "status", Run: func([]string) error { return nil }},
		},
	}
	err := root.Execute([]string{"stauts"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), `did you mean "status"`) {
		t.Errorf("error lacks suggestion: %v", err)
	}
}

func TestExecuteParsesFlags(t *testing.T) {
	var depth int
	cmd := &Command{
		Name: "recover",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("recover", pflag.ContinueOnError)
			flags.IntVar(&depth, "depth", 10, "chain depth")
			return flags
		},
		Run: func(args []string) error { return nil },
	}
	if err := cmd.Execute([]string{"--depth", "3"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if depth != 3 {
		t.Errorf("depth = %d, want 3", depth)
	}
}

func TestExecuteUnknownFlagSuggests(t *testing.T) {
	cmd := &Command{
		Name: "recover",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("recover", pflag.ContinueOnError)
			flags.Int("depth", 10, "chain depth")
			return flags
		},
		Run: func(args []string) error { return nil },
	}
	err := cmd.Execute([]string{"--dpeth", "3"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !strings.Contains(err.Error(), "--depth") {
		t.Errorf("error lacks flag suggestion: %v", err)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"sync", "sync", 0},
		{"stauts", "status", 2},
		{"reset", "recover", 5},
		{"a", "", 1},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}
