// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/opsconductor/conductor/conderr"
)

// Sandbox runs one command under a generated Profile.
type Sandbox struct {
	profile   *Profile
	scopeName string
	logger    *slog.Logger
}

// Config holds configuration for creating a new Sandbox.
type Config struct {
	// Profile is the generated profile to run under.
	Profile *Profile

	// ScopeName is the systemd scope name used for resource tracking, when
	// the profile carries resource limits.
	ScopeName string

	// Logger for sandbox operations.
	Logger *slog.Logger
}

// New creates a new Sandbox.
func New(config Config) (*Sandbox, error) {
	if config.Profile == nil {
		return nil, fmt.Errorf("profile is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sandbox{
		profile:   config.Profile,
		scopeName: config.ScopeName,
		logger:    logger,
	}, nil
}

// Run executes the profile's command in the sandbox, streaming its stdio
// to the calling process's own stdio. Callers that need to interact with
// the command over a pty use session.Session instead, which drives
// Command directly.
func (s *Sandbox) Run(ctx context.Context) *conderr.Error {
	cmd, err := s.Command(ctx)
	if err != nil {
		return err
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	s.logger.Info("running sandboxed command",
		"command", s.profile.Command,
		"args", s.profile.Args,
		"working_dir", s.profile.WorkingDir,
	)

	if runErr := cmd.Run(); runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return conderr.New(conderr.CodeProcessExit, "sandboxed command exited with a non-zero status").
				WithContext("exit_code", exitErr.ExitCode()).
				WithCause(runErr)
		}
		return conderr.New(conderr.CodeSandboxUnavailable, "sandbox command failed to run").WithCause(runErr)
	}
	return nil
}

// Command builds the exec.Cmd that runs the profile under bwrap, wrapped
// in a systemd scope when the profile carries resource limits.
func (s *Sandbox) Command(ctx context.Context) (*exec.Cmd, *conderr.Error) {
	fullCmd, err := s.buildCommandLine()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, fullCmd[0], fullCmd[1:]...)

	// Explicitly set a minimal environment for the bwrap process itself.
	// If cmd.Env is nil, Go inherits the parent's full environment; even
	// though bwrap uses --clearenv for the sandboxed process, bwrap's own
	// /proc/<pid>/environ would still carry the parent's env, letting the
	// sandboxed process read it back out via /proc. Only PATH and TERM are
	// needed for bwrap itself; everything else reaches the sandboxed
	// process via --setenv.
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"TERM=" + os.Getenv("TERM"),
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return cmd, nil
}

// DryRun returns the full command line that would be executed, without
// running it.
func (s *Sandbox) DryRun() ([]string, *conderr.Error) {
	return s.buildCommandLine()
}

func (s *Sandbox) buildCommandLine() ([]string, *conderr.Error) {
	builder := NewBwrapBuilder()
	bwrapArgs, err := builder.Build(&BwrapOptions{Profile: s.profile})
	if err != nil {
		return nil, conderr.New(conderr.CodeInternal, "failed to build bwrap command").WithCause(err)
	}

	bwrapPath, err := BwrapPath()
	if err != nil {
		return nil, conderr.New(conderr.CodeSandboxUnavailable, "bwrap is not available on this host").WithCause(err)
	}

	fullCmd := append([]string{bwrapPath}, bwrapArgs...)

	if s.profile.Resources.HasLimits() {
		scope := NewSystemdScope(s.scopeName, s.profile.Resources)
		if scope.Available() {
			fullCmd = scope.WrapCommand(fullCmd)
		} else {
			s.logger.Warn("systemd-run not available, resource limits will not be enforced")
		}
	}

	return fullCmd, nil
}

// Validate runs pre-flight validation checks against the host and the
// profile and writes a human-readable report to w.
func (s *Sandbox) Validate(w io.Writer) error {
	validator := NewValidator()
	validator.ValidateAll(s.profile)
	validator.PrintResults(w)

	if validator.HasErrors() {
		return fmt.Errorf("validation failed")
	}
	return nil
}

// Profile returns the sandbox's profile.
func (s *Sandbox) Profile() *Profile {
	return s.profile
}
