// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"os"
)

// newLogger builds the structured logger threaded into runner.Options,
// driver.Config, and artifacts.WriterConfig for one CLI invocation.
// --verbose lowers the level to Debug; otherwise only Info and above
// reach stderr, keeping a quiet run quiet.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
