// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/opsconductor/conductor/driver"
)

// driverCmd implements `conductor driver [flags] -- <command> [args...]`:
// start the NDJSON action loop against a freshly spawned session, reading
// requests from stdin and writing responses to stdout until the input
// closes or a terminate action ends the session.
func driverCmd(args []string) error {
	flagArgs, commandArgs := splitCommandArgs(args)

	flagSet := pflag.NewFlagSet("driver", pflag.ContinueOnError)
	verbose := flagSet.Bool("verbose", false, "log at debug level to stderr")
	pf := registerPolicyFlags(flagSet)
	if err := flagSet.Parse(flagArgs); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return invalidArgument("parsing flags: %v", err)
	}

	if len(commandArgs) == 0 {
		return invalidArgument("expected a command after --, e.g. conductor driver -- /bin/bash")
	}
	command := commandArgs[0]
	commandArgList := commandArgs[1:]

	cfg := driver.Config{
		Command:      command,
		Args:         commandArgList,
		Cwd:          pf.workingDir,
		Policy:       pf.build(command),
		ArtifactsDir: pf.artifactsDir,
		Overwrite:    pf.overwrite,
		Logger:       newLogger(*verbose),
	}

	result, cerr := driver.Run(context.Background(), os.Stdin, os.Stdout, cfg)
	if result != nil {
		encoded, jsonErr := json.MarshalIndent(result, "", "  ")
		if jsonErr == nil {
			fmt.Fprintln(os.Stderr, string(encoded))
		}
	}
	if cerr != nil {
		return cerr
	}
	return nil
}
