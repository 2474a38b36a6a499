// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opsconductor/conductor/policy"
)

// testCapabilities caches capability detection across tests.
var testCapabilities *Capabilities

func getTestCapabilities(t *testing.T) *Capabilities {
	if testCapabilities == nil {
		testCapabilities = DetectCapabilities()
		t.Logf("Sandbox capabilities: bwrap=%v userns=%v systemd=%v",
			testCapabilities.BwrapAvailable,
			testCapabilities.UserNamespacesEnabled,
			testCapabilities.SystemdRunAvailable)
	}
	return testCapabilities
}

func skipIfNoSandbox(t *testing.T) {
	caps := getTestCapabilities(t)
	if reason := caps.SkipReason(); reason != "" {
		t.Skipf("Skipping sandbox test: %s", reason)
	}
}

func isolatedPolicy(t *testing.T, workdir string) *policy.EffectivePolicy {
	t.Helper()
	p := policy.Default()
	p.FS.AllowedRead = []string{workdir}
	p.FS.AllowedWrite = []string{workdir}
	p.FS.WorkingDir = workdir
	p.FSWriteUnsafeAck = true

	effective, err := policy.Validate(p, policy.DetectHostInfo())
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return effective
}

func TestSandboxDryRun(t *testing.T) {
	t.Parallel()

	worktree := t.TempDir()
	effective := isolatedPolicy(t, worktree)

	profile, err := Generate(effective, "/bin/echo", []string{"hello"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	sb, newErr := New(Config{Profile: profile})
	if newErr != nil {
		t.Fatalf("New failed: %v", newErr)
	}

	cmd, genErr := sb.DryRun()
	if genErr != nil {
		caps := getTestCapabilities(t)
		if !caps.BwrapAvailable {
			t.Skipf("Skipping: %s", caps.SkipReason())
		}
		t.Fatalf("DryRun failed: %v", genErr)
	}

	cmdStr := strings.Join(cmd, " ")
	for _, want := range []string{"bwrap", "--unshare-pid", "/bin/echo", "hello"} {
		if !strings.Contains(cmdStr, want) {
			t.Errorf("expected %q in command: %s", want, cmdStr)
		}
	}
}

func TestSandboxValidate(t *testing.T) {
	t.Parallel()

	worktree := t.TempDir()
	effective := isolatedPolicy(t, worktree)

	profile, err := Generate(effective, "/bin/echo", []string{"hello"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	sb, newErr := New(Config{Profile: profile})
	if newErr != nil {
		t.Fatalf("New failed: %v", newErr)
	}

	var buf bytes.Buffer
	_ = sb.Validate(&buf)

	output := buf.String()
	t.Logf("Validation output:\n%s", output)

	if !strings.Contains(output, worktree) {
		t.Errorf("expected worktree in output")
	}
}

func TestSandboxRunSimple(t *testing.T) {
	skipIfNoSandbox(t)
	t.Parallel()

	worktree := t.TempDir()
	testFile := filepath.Join(worktree, "test.txt")
	if err := os.WriteFile(testFile, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	effective := isolatedPolicy(t, worktree)
	profile, err := Generate(effective, "/bin/cat", []string{testFile})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	sb, newErr := New(Config{Profile: profile})
	if newErr != nil {
		t.Fatalf("New failed: %v", newErr)
	}

	if runErr := sb.Run(context.Background()); runErr != nil {
		t.Errorf("Run failed: %v", runErr)
	}
}

func TestSandboxRunWriteWorktree(t *testing.T) {
	skipIfNoSandbox(t)
	t.Parallel()

	worktree := t.TempDir()
	effective := isolatedPolicy(t, worktree)
	outputFile := filepath.Join(worktree, "output.txt")

	profile, err := Generate(effective, "/bin/sh", []string{"-c", "echo 'sandbox wrote this' > " + outputFile})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	sb, newErr := New(Config{Profile: profile})
	if newErr != nil {
		t.Fatalf("New failed: %v", newErr)
	}

	if runErr := sb.Run(context.Background()); runErr != nil {
		t.Fatalf("Run failed: %v", runErr)
	}

	content, readErr := os.ReadFile(outputFile)
	if readErr != nil {
		t.Fatalf("ReadFile failed: %v", readErr)
	}
	if !strings.Contains(string(content), "sandbox wrote this") {
		t.Errorf("expected 'sandbox wrote this', got: %s", string(content))
	}
}

func TestSandboxExitCode(t *testing.T) {
	skipIfNoSandbox(t)
	t.Parallel()

	worktree := t.TempDir()
	effective := isolatedPolicy(t, worktree)

	profile, err := Generate(effective, "/bin/sh", []string{"-c", "exit 42"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	sb, newErr := New(Config{Profile: profile})
	if newErr != nil {
		t.Fatalf("New failed: %v", newErr)
	}

	runErr := sb.Run(context.Background())
	if runErr == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if code, _ := runErr.Context["exit_code"].(int); code != 42 {
		t.Errorf("expected exit code 42, got %v", runErr.Context["exit_code"])
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := DetectCapabilities()

	t.Logf("BwrapAvailable: %v", caps.BwrapAvailable)
	t.Logf("BwrapPath: %s", caps.BwrapPath)
	t.Logf("BwrapVersion: %s", caps.BwrapVersion)
	t.Logf("UserNamespacesEnabled: %v", caps.UserNamespacesEnabled)
	t.Logf("SystemdRunAvailable: %v", caps.SystemdRunAvailable)
	t.Logf("SystemdUserScopesWork: %v", caps.SystemdUserScopesWork)
	t.Logf("CanRunSandbox: %v", caps.CanRunSandbox())
	t.Logf("SkipReason: %q", caps.SkipReason())
}
