// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/policy"
	"github.com/opsconductor/conductor/replay"
)

// replayCmd implements `conductor replay [flags] <artifacts-dir>`:
// re-execute a baseline bundle's recorded scenario and policy, compare
// the result under the resolved normalization settings, and print the
// replay summary. A mismatch surfaces as E_REPLAY_MISMATCH.
func replayCmd(args []string) error {
	flagSet := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	strict := flagSet.Bool("strict", false, "disable every normalization filter and rule")
	filters := flagSet.StringArray("filter", nil, "normalization filter to apply (repeatable); overrides the recorded policy's filters")
	requireEvents := flagSet.Bool("require-events", false, "fail if the baseline bundle has no events.jsonl to compare")
	requireChecksums := flagSet.Bool("require-checksums", false, "verify baseline checksums before comparing")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return invalidArgument("parsing flags: %v", err)
	}

	positional := flagSet.Args()
	if len(positional) != 1 {
		return invalidArgument("expected exactly one artifacts directory argument, got %d", len(positional))
	}

	opts := replay.Options{
		Strict:           *strict,
		RequireEvents:    *requireEvents,
		RequireChecksums: *requireChecksums,
	}
	if len(*filters) > 0 {
		opts.FiltersSpecified = true
		for _, f := range *filters {
			opts.Filters = append(opts.Filters, policy.NormalizationFilter(f))
		}
	}

	result, cerr := replay.Run(context.Background(), positional[0], opts)
	if result != nil {
		encoded, jsonErr := json.MarshalIndent(result.Summary, "", "  ")
		if jsonErr == nil {
			fmt.Println(string(encoded))
		}
	}
	if cerr != nil {
		return cerr
	}
	return nil
}

// replayReportCmd implements `conductor replay-report <artifacts-dir>`:
// print the most recent replay summary (and diff, if any) without
// re-executing anything.
func replayReportCmd(args []string) error {
	flagSet := pflag.NewFlagSet("replay-report", pflag.ContinueOnError)
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return invalidArgument("parsing flags: %v", err)
	}

	positional := flagSet.Args()
	if len(positional) != 1 {
		return invalidArgument("expected exactly one artifacts directory argument, got %d", len(positional))
	}

	summary, diff, dir, cerr := replay.ReadReport(positional[0])
	if cerr != nil {
		return cerr
	}

	report := struct {
		Dir     string          `json:"dir"`
		Summary *replay.Summary `json:"summary"`
		Diff    *replay.Diff    `json:"diff,omitempty"`
	}{Dir: dir, Summary: summary, Diff: diff}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return conderr.New(conderr.CodeInternal, "failed to encode replay report").WithCause(err)
	}
	fmt.Println(string(encoded))

	if summary.Status != "passed" {
		return conderr.New(conderr.CodeReplayMismatch, "most recent replay did not match").WithContext("status", summary.Status)
	}
	return nil
}
