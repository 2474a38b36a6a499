// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// conductor drives terminal-UI child programs through a pseudo-terminal
// and verifies their behavior against deterministic screen snapshots.
//
// Usage:
//
//	conductor exec [flags] -- <command> [args...]
//	conductor run [flags] <scenario-file>
//	conductor driver [flags] -- <command> [args...]
//	conductor replay [flags] <artifacts-dir>
//	conductor replay-report <artifacts-dir>
//	conductor trace [flags] <artifacts-dir>
package main

import (
	"fmt"
	"os"

	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/lib/process"
	"github.com/opsconductor/conductor/lib/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(int(1))
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("conductor %s\n", version.Info())
		return
	case "help", "--help", "-h":
		printUsage()
		return
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "exec":
		err = execCmd(args)
	case "run":
		err = runCmd(args)
	case "driver":
		err = driverCmd(args)
	case "replay":
		err = replayCmd(args)
	case "replay-report":
		err = replayReportCmd(args)
	case "trace":
		err = traceCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		process.Fatal(err)
	}
}

func printUsage() {
	fmt.Print(`conductor - terminal automation and verification harness

USAGE
    conductor <command> [flags] [-- <args>...]

COMMANDS
    exec           Run a single command under policy
    run            Run a scenario file end to end
    driver         Start the NDJSON action driver loop on stdin/stdout
    replay         Replay an existing artifacts bundle and compare
    replay-report  Print the most recent replay result for a bundle
    trace          Render an artifacts bundle to a self-contained HTML file
    version        Show version

EXIT CODES
    0 success            7  terminal parse error
    1 internal error      8  protocol version mismatch
    2 policy denied       9  protocol error
    3 sandbox unavailable 10 io error
    4 timeout/budget      11 replay mismatch
    5 assertion failed    12 invalid argument
    6 process exit
`)
}

// invalidArgument is a small helper for CLI-level argument validation,
// returned before any core entry point is called.
func invalidArgument(format string, args ...any) *conderr.Error {
	return conderr.Newf(conderr.CodeInvalidArgument, format, args...)
}

// splitCommandArgs finds a "--" separator in args and returns the flags
// portion before it and the command/args portion after it. If there is
// no separator, everything is treated as flags and the command portion
// is empty.
func splitCommandArgs(args []string) (flagArgs, commandArgs []string) {
	for i, a := range args {
		if a == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}
