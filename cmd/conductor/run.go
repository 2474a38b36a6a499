// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/muesli/termenv"
	"github.com/spf13/pflag"

	"github.com/opsconductor/conductor/artifacts"
	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/progress"
	"github.com/opsconductor/conductor/runner"
	"github.com/opsconductor/conductor/scenario"
)

// runCmd implements `conductor run <scenario-file>`: load a scenario
// document, resolve its policy reference, run every step, and print the
// resulting RunResult as one JSON document on stdout.
func runCmd(args []string) error {
	flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
	artifactsDir := flagSet.String("artifacts-dir", "", "directory to write the run's artifact bundle into")
	overwrite := flagSet.Bool("overwrite", false, "permit reusing a non-empty --artifacts-dir")
	blobsDir := flagSet.String("blobs-dir", "", "shared content-addressed blob directory for cross-run dedup")
	blobKeyFile := flagSet.String("blob-key-file", "", "path to a key file encrypting shared blobs at rest (generated on first use if absent)")
	verbose := flagSet.Bool("verbose", false, "print human-readable progress to stderr")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return invalidArgument("parsing flags: %v", err)
	}

	positional := flagSet.Args()
	if len(positional) != 1 {
		return invalidArgument("expected exactly one scenario file argument, got %d", len(positional))
	}

	s, err := scenario.Load(positional[0])
	if err != nil {
		return conderr.New(conderr.CodeIO, "failed to load scenario file").WithCause(err)
	}

	logger := newLogger(*verbose)
	opts := runner.Options{Progress: progressReporter(*verbose), ArtifactsDir: *artifactsDir, Logger: logger}

	var writer runner.Artifacts
	if *artifactsDir != "" {
		var blobKey []byte
		if *blobsDir != "" && *blobKeyFile != "" {
			key, err := artifacts.LoadOrCreateBlobKeyFile(*blobKeyFile)
			if err != nil {
				return conderr.New(conderr.CodeIO, "failed to load or create blob encryption key").WithCause(err)
			}
			blobKey = key
		}

		w, cerr := artifacts.New(identity.NewRunID(), artifacts.WriterConfig{
			Dir:           *artifactsDir,
			Overwrite:     *overwrite,
			BlobsDir:      *blobsDir,
			EncryptionKey: blobKey,
			Logger:        logger,
		})
		if cerr != nil {
			return cerr
		}
		writer = w
	}

	result, cerr := runner.RunScenario(context.Background(), s, opts, writer)
	if result != nil {
		encoded, jsonErr := json.MarshalIndent(result, "", "  ")
		if jsonErr == nil {
			fmt.Println(string(encoded))
		}
	}
	if cerr != nil {
		return cerr
	}
	if result.Status != runner.RunPassed {
		return conderr.New(conderr.CodeAssertionFailed, "scenario did not pass").WithContext("status", result.Status)
	}
	return nil
}

// progressReporter returns a stderr Reporter when verbose is set, or a
// NoopProgress otherwise, gating color on termenv's own TTY detection.
func progressReporter(verbose bool) runner.Progress {
	if !verbose {
		return progress.NoopProgress{}
	}
	return progress.New(os.Stderr, termenv.NewOutput(os.Stderr).ColorProfile())
}
