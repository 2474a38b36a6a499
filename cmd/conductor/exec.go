// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/opsconductor/conductor/artifacts"
	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/policy"
	"github.com/opsconductor/conductor/runner"
	"github.com/opsconductor/conductor/session"
	"github.com/opsconductor/conductor/terminal"
)

// execCmd implements `conductor exec [flags] -- <command> [args...]`: run
// one command under a CLI-built policy and print the RunResult as JSON.
// --interactive bypasses the run-to-completion path entirely and instead
// puts the operator's own terminal into raw mode and forwards keystrokes
// directly to the child, for driving a program by hand under sandbox and
// budget enforcement without scripting it as a scenario.
func execCmd(args []string) error {
	flagArgs, commandArgs := splitCommandArgs(args)

	flagSet := pflag.NewFlagSet("exec", pflag.ContinueOnError)
	interactive := flagSet.Bool("interactive", false, "forward the operator's own terminal to the child instead of running to completion")
	verbose := flagSet.Bool("verbose", false, "log at debug level to stderr")
	pf := registerPolicyFlags(flagSet)
	if err := flagSet.Parse(flagArgs); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return invalidArgument("parsing flags: %v", err)
	}

	if len(commandArgs) == 0 {
		return invalidArgument("expected a command after --, e.g. conductor exec -- /bin/sh -c 'echo hi'")
	}
	command := commandArgs[0]
	commandArgList := commandArgs[1:]

	p := pf.build(command)
	logger := newLogger(*verbose)

	if *interactive {
		if cerr := execInteractive(command, commandArgList, p, logger); cerr != nil {
			return cerr
		}
		return nil
	}

	opts := runner.Options{ArtifactsDir: pf.artifactsDir, Logger: logger}

	var writer runner.Artifacts
	if pf.artifactsDir != "" {
		w, cerr := artifacts.New(identity.NewRunID(), artifacts.WriterConfig{
			Dir:       pf.artifactsDir,
			Overwrite: pf.overwrite,
			Logger:    logger,
		})
		if cerr != nil {
			return cerr
		}
		writer = w
	}

	result, cerr := runner.RunExec(context.Background(), command, commandArgList, p.FS.WorkingDir, p, opts, writer)
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
		return conderr.New(conderr.CodeProcessExit, "command did not exit cleanly").WithContext("status", result.Status)
	}
	return nil
}

// execInteractive validates the policy, spawns a session directly, and
// puts the caller's own stdin into raw mode so keystrokes reach the
// child byte for byte until it exits.
func execInteractive(command string, args []string, p policy.Policy, logger *slog.Logger) *conderr.Error {
	effective, cerr := policy.Validate(p, policy.DetectHostInfo())
	if cerr != nil {
		return cerr
	}
	spawnCommand, spawnArgs, cerr := runner.ResolveSpawnCommand(effective, command, args)
	if cerr != nil {
		return cerr
	}

	sess, cerr := session.Spawn(session.Config{
		Command: spawnCommand,
		Args:    spawnArgs,
		Cwd:     p.FS.WorkingDir,
		Size:    terminal.DefaultSize(),
		Env:     p.Env,
		Logger:  logger,
	})
	if cerr != nil {
		return cerr
	}
	defer sess.Close()

	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return conderr.New(conderr.CodeIO, "failed to set terminal raw mode").WithCause(err)
	}
	defer term.Restore(stdinFd, oldState)

	if attachErr := sess.Attach(os.Stdin, os.Stdout); attachErr != nil {
		term.Restore(stdinFd, oldState)
		return conderr.New(conderr.CodeIO, "interactive session ended abnormally").WithCause(attachErr)
	}
	return nil
}
