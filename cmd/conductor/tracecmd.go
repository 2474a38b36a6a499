// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/opsconductor/conductor/trace"
)

// traceCmd implements `conductor trace [flags] <artifacts-dir>`: render a
// run's artifact bundle into one self-contained HTML file for interactive
// review, then print the output path.
func traceCmd(args []string) error {
	flagSet := pflag.NewFlagSet("trace", pflag.ContinueOnError)
	output := flagSet.String("output", "", "output HTML file path (default: <artifacts-dir>/trace.html)")
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
	dir := positional[0]

	outputPath := *output
	if outputPath == "" {
		outputPath = filepath.Join(dir, "trace.html")
	}

	if cerr := trace.Render(dir, outputPath); cerr != nil {
		return cerr
	}
	fmt.Println(outputPath)
	return nil
}
