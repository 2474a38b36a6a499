// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opsconductor/conductor/conderr"
)

func testHost(t *testing.T) HostInfo {
	t.Helper()
	home := t.TempDir()
	return HostInfo{HomeDir: home}
}

func requireDenied(t *testing.T, err *conderr.Error, reason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected E_POLICY_DENIED with reason %q, got no error", reason)
	}
	if err.Code != conderr.CodePolicyDenied {
		t.Fatalf("expected code %s, got %s", conderr.CodePolicyDenied, err.Code)
	}
	if reason != "" && err.Context["reason"] != reason {
		t.Errorf("expected reason %q, got %v", reason, err.Context["reason"])
	}
}

func TestValidateRejectsUnsupportedVersion(t *testing.T) {
	p := Default()
	p.PolicyVersion = 999
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "unsupported_policy_version")
}

func TestValidateRequiresSandboxAck(t *testing.T) {
	p := Default()
	p.Sandbox = SandboxNone
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "sandbox_unsafe_ack_required")
}

func TestValidateSandboxNoneRequiresNetworkAckEvenWhenDisabled(t *testing.T) {
	p := Default()
	p.Sandbox = SandboxNone
	p.SandboxUnsafeAck = true
	p.Network = NetworkDisabled
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "network_unsafe_ack_required_for_no_sandbox")
}

func TestValidateRequiresWriteAck(t *testing.T) {
	dir := t.TempDir()
	p := Default()
	p.FS.AllowedWrite = []string{dir}
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "fs_write_unsafe_ack_required")
}

func TestValidateRejectsRelativeWorkingDir(t *testing.T) {
	p := Default()
	p.FS.WorkingDir = "relative/path"
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "not_absolute")
	if err.Context["path"] != "relative/path" {
		t.Errorf("expected context.path %q, got %v", "relative/path", err.Context["path"])
	}
}

// TestValidateRejectsRelativeWorkingDirEvenWhenNominallyContained proves
// the absolute-path check fires unconditionally: with cwd, err := os.Getwd()
// wired into allowed_read, a relative working_dir would resolve (via
// filepath.Abs joining it onto the process's own cwd) to a path that
// happens to sit inside an allowed root, so a bug that skips the
// dedicated absolute-path check and relies solely on the containment
// check would let this policy through instead of denying it.
func TestValidateRejectsRelativeWorkingDirEvenWhenNominallyContained(t *testing.T) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}

	p := Default()
	p.FS.AllowedRead = []string{cwd}
	p.FS.WorkingDir = "relative/path"
	_, cerr := Validate(p, testHost(t))
	requireDenied(t, cerr, "not_absolute")
}

func TestValidateRejectsWorkingDirOutsideAllowedRoots(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()

	p := Default()
	p.FS.AllowedRead = []string{allowed}
	p.FS.WorkingDir = outside
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "working_dir_not_contained")
}

func TestValidateAcceptsWorkingDirInsideAllowedRead(t *testing.T) {
	root := t.TempDir()
	p := Default()
	p.FS.AllowedRead = []string{root}
	p.FS.WorkingDir = root

	effective, err := Validate(p, testHost(t))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if effective.CanonicalWorkingDir == "" {
		t.Error("expected a canonical working dir to be populated")
	}
}

func TestValidateRejectsForbiddenRoot(t *testing.T) {
	p := Default()
	p.FS.AllowedRead = []string{"/"}
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "forbidden_root")
}

func TestValidateRejectsHomeDirectoryAsRoot(t *testing.T) {
	host := testHost(t)
	p := Default()
	p.FS.AllowedRead = []string{host.HomeDir}
	_, err := Validate(p, host)
	requireDenied(t, err, "forbidden_root")
}

func TestValidateRejectsUnsafeMetacharacterInExecutable(t *testing.T) {
	p := Default()
	p.Exec.AllowedExecutables = []string{"/usr/bin/evil\")\n"}
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "unsafe_path_metacharacter")
}

func TestValidateRejectsRelativeExecutable(t *testing.T) {
	p := Default()
	p.Exec.AllowedExecutables = []string{"bin/echo"}
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "exec_not_absolute")
}

func TestValidateRejectsRelativeAllowedReadEntry(t *testing.T) {
	p := Default()
	p.FS.AllowedRead = []string{"relative/read"}
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "not_absolute")
}

func TestValidateRejectsRelativeAllowedWriteEntry(t *testing.T) {
	p := Default()
	p.FS.AllowedWrite = []string{"relative/write"}
	p.FSWriteUnsafeAck = true
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "not_absolute")
}

func TestValidateRejectsRelativeArtifactsDir(t *testing.T) {
	writeRoot := t.TempDir()

	p := Default()
	p.FS.AllowedWrite = []string{writeRoot}
	p.FSWriteUnsafeAck = true
	p.Artifacts = ArtifactsPolicy{Enabled: true, Dir: "relative/artifacts"}
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "not_absolute")
}

func TestValidateArtifactsDirMustBeWithinAllowedWrite(t *testing.T) {
	writeRoot := t.TempDir()
	artifactsDir := t.TempDir() // deliberately a sibling, not nested.

	p := Default()
	p.FS.AllowedWrite = []string{writeRoot}
	p.FSWriteUnsafeAck = true
	p.Artifacts = ArtifactsPolicy{Enabled: true, Dir: artifactsDir}
	_, err := Validate(p, testHost(t))
	requireDenied(t, err, "artifacts_dir_not_contained")
}

func TestValidateAcceptsArtifactsDirWithinAllowedWrite(t *testing.T) {
	writeRoot := t.TempDir()
	artifactsDir := filepath.Join(writeRoot, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	p := Default()
	p.FS.AllowedWrite = []string{writeRoot}
	p.FSWriteUnsafeAck = true
	p.FS.WorkingDir = writeRoot
	p.Artifacts = ArtifactsPolicy{Enabled: true, Dir: artifactsDir}

	effective, err := Validate(p, testHost(t))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if effective.CanonicalArtifactsDir == "" {
		t.Error("expected a canonical artifacts dir")
	}
}

func TestValidateRejectsDotDotEscapingAllowedRoot(t *testing.T) {
	root := t.TempDir()
	escaped := filepath.Join(root, "..", "..", "etc")

	p := Default()
	p.FS.AllowedRead = []string{escaped}
	_, err := Validate(p, testHost(t))
	if err == nil {
		t.Fatal("expected denial for a path that escapes via ..")
	}
}

func TestValidateMinimalSandboxIsolatedPolicyPasses(t *testing.T) {
	p := Default()
	_, err := Validate(p, testHost(t))
	if err != nil {
		t.Fatalf("expected a minimal isolated, no-write, no-network policy to validate: %v", err)
	}
}
