// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/opsconductor/conductor/conderr"
)

// HostInfo supplies the host-specific facts Validate needs to enforce the
// forbidden-root and symlink-allowlist checks: the invoking user's home
// directory and the OS-managed paths symlinks are permitted to resolve
// into (e.g. the canonical temp directory, which on many Linux systems is
// itself a symlink).
type HostInfo struct {
	HomeDir            string
	SymlinkAllowedRoots []string
}

// DetectHostInfo builds a HostInfo from the running process's environment.
func DetectHostInfo() HostInfo {
	home, _ := os.UserHomeDir()
	tempDir := os.TempDir()
	resolvedTemp, err := filepath.EvalSymlinks(tempDir)
	roots := []string{tempDir}
	if err == nil && resolvedTemp != tempDir {
		roots = append(roots, resolvedTemp)
	}
	return HostInfo{HomeDir: home, SymlinkAllowedRoots: roots}
}

// forbiddenMetacharacters are rejected in any string destined for the
// sandbox profile's generated command line: they could otherwise be used
// to inject additional arguments or break out of quoting.
const forbiddenMetacharacters = "\"()\n\r\x00"

// Validate runs every invariant from the data model in the fixed order
// the harness guarantees, so the first failure reported for a given bad
// policy is deterministic: version, canonicalization, absolute-path,
// forbidden-root, acknowledgements, containment, exec-allowlist syntax,
// then symlink checks on policy paths.
func Validate(p Policy, host HostInfo) (*EffectivePolicy, *conderr.Error) {
	if !AcceptedVersions[p.PolicyVersion] {
		return nil, conderr.New(conderr.CodePolicyDenied, "unsupported policy_version").
			WithContext("reason", "unsupported_policy_version").
			WithContext("policy_version", p.PolicyVersion)
	}

	canonicalRead, err := canonicalizeAll(p.FS.AllowedRead)
	if err != nil {
		return nil, err
	}
	canonicalWrite, err := canonicalizeAll(p.FS.AllowedWrite)
	if err != nil {
		return nil, err
	}
	var canonicalWorkingDir string
	if p.FS.WorkingDir != "" {
		canonicalWorkingDir, err = canonicalize(p.FS.WorkingDir)
		if err != nil {
			return nil, err
		}
	}
	var canonicalArtifactsDir string
	if p.Artifacts.Enabled && p.Artifacts.Dir != "" {
		canonicalArtifactsDir, err = canonicalize(p.Artifacts.Dir)
		if err != nil {
			return nil, err
		}
	}

	for _, path := range append(append([]string{}, canonicalRead...), canonicalWrite...) {
		if notErr := checkAbsoluteAndNotForbiddenRoot(path, host); notErr != nil {
			return nil, notErr
		}
	}
	if canonicalWorkingDir != "" {
		if notErr := checkAbsoluteAndNotForbiddenRoot(canonicalWorkingDir, host); notErr != nil {
			return nil, notErr
		}
	}
	if canonicalArtifactsDir != "" {
		if notErr := checkAbsoluteAndNotForbiddenRoot(canonicalArtifactsDir, host); notErr != nil {
			return nil, notErr
		}
	}

	if p.Sandbox == SandboxNone && !p.SandboxUnsafeAck {
		return nil, conderr.New(conderr.CodePolicyDenied, "sandbox disabled without acknowledgement").
			WithContext("reason", "sandbox_unsafe_ack_required")
	}
	if p.Network == NetworkEnabled && !p.NetworkUnsafeAck {
		return nil, conderr.New(conderr.CodePolicyDenied, "network enabled without acknowledgement").
			WithContext("reason", "network_unsafe_ack_required")
	}
	// The sandbox is the only network enforcement surface; running without
	// it means network is de facto enabled regardless of the Network field.
	if p.Sandbox == SandboxNone && !p.NetworkUnsafeAck {
		return nil, conderr.New(conderr.CodePolicyDenied, "sandbox disabled implies unenforced network access").
			WithContext("reason", "network_unsafe_ack_required_for_no_sandbox")
	}
	if (len(canonicalWrite) > 0 || p.FSStrictWrite) && !p.FSWriteUnsafeAck {
		return nil, conderr.New(conderr.CodePolicyDenied, "write access configured without acknowledgement").
			WithContext("reason", "fs_write_unsafe_ack_required")
	}

	if canonicalWorkingDir != "" {
		if !withinAny(canonicalWorkingDir, canonicalRead) && !withinAny(canonicalWorkingDir, canonicalWrite) {
			return nil, conderr.New(conderr.CodePolicyDenied, "working_dir is not within any allowed root").
				WithContext("reason", "working_dir_not_contained").
				WithContext("path", p.FS.WorkingDir)
		}
	}
	if canonicalArtifactsDir != "" {
		if !withinAny(canonicalArtifactsDir, canonicalWrite) {
			return nil, conderr.New(conderr.CodePolicyDenied, "artifacts.dir is not within allowed_write").
				WithContext("reason", "artifacts_dir_not_contained").
				WithContext("path", p.Artifacts.Dir)
		}
	}

	for _, exe := range p.Exec.AllowedExecutables {
		if !filepath.IsAbs(exe) {
			return nil, conderr.New(conderr.CodePolicyDenied, "allowed_executables entry must be absolute").
				WithContext("reason", "exec_not_absolute").
				WithContext("path", exe)
		}
		if strings.ContainsAny(exe, forbiddenMetacharacters) {
			return nil, conderr.New(conderr.CodePolicyDenied, "allowed_executables entry contains unsafe characters").
				WithContext("reason", "unsafe_path_metacharacter").
				WithContext("path", exe)
		}
	}
	for _, raw := range append(append([]string{}, p.FS.AllowedRead...), p.FS.AllowedWrite...) {
		if strings.ContainsAny(raw, forbiddenMetacharacters) {
			return nil, conderr.New(conderr.CodePolicyDenied, "filesystem path contains unsafe characters").
				WithContext("reason", "unsafe_path_metacharacter").
				WithContext("path", raw)
		}
	}

	for _, raw := range append(append([]string{}, p.FS.AllowedRead...), p.FS.AllowedWrite...) {
		if notErr := checkSymlinkAllowlist(raw, host); notErr != nil {
			return nil, notErr
		}
	}

	effective := &EffectivePolicy{
		Policy:                p,
		CanonicalWorkingDir:   canonicalWorkingDir,
		CanonicalAllowedRead:  canonicalRead,
		CanonicalAllowedWrite: canonicalWrite,
		CanonicalArtifactsDir: canonicalArtifactsDir,
	}
	return effective, nil
}

// canonicalize resolves "." and ".." segments and symlinks, following the
// rule in §4.1: after canonicalization, a path escapes its claimed root
// iff the root is not a prefix component sequence of the path.
func canonicalize(path string) (string, *conderr.Error) {
	if path == "" {
		return "", conderr.New(conderr.CodePolicyDenied, "path must not be empty").
			WithContext("reason", "empty_path")
	}
	// filepath.Abs silently joins a relative path onto this process's own
	// working directory instead of erroring, so a relative policy path
	// must be rejected here, before Abs ever runs.
	if !filepath.IsAbs(path) {
		return "", conderr.New(conderr.CodePolicyDenied, "path must be absolute").
			WithContext("reason", "not_absolute").
			WithContext("path", path)
	}
	// A path that climbs with ".." must stay inside the directory named
	// before its first ".." component.
	if idx := strings.Index(path+"/", "/../"); idx >= 0 {
		root := filepath.Clean(path[:idx+1])
		clean := filepath.Clean(path)
		if root != "/" && clean != root && !strings.HasPrefix(clean, root+"/") {
			return "", conderr.New(conderr.CodePolicyDenied, "path escapes its root via ..").
				WithContext("reason", "path_escapes_root").
				WithContext("path", path)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", conderr.New(conderr.CodePolicyDenied, "path could not be made absolute").
			WithContext("reason", "not_absolute").
			WithContext("path", path).
			WithCause(err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet (e.g. an artifacts dir to be
		// created); resolve as far as the existing portion allows.
		resolved = resolveExistingPrefix(abs)
	}
	return filepath.Clean(resolved), nil
}

// resolveExistingPrefix walks up from path until it finds a component
// that exists, resolves symlinks on that component, then reattaches the
// non-existent suffix.
func resolveExistingPrefix(path string) string {
	clean := filepath.Clean(path)
	suffix := ""
	current := clean
	for {
		if _, err := os.Lstat(current); err == nil {
			break
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		parent := filepath.Dir(current)
		if parent == current {
			return clean
		}
		current = parent
	}
	resolved, err := filepath.EvalSymlinks(current)
	if err != nil {
		resolved = current
	}
	if suffix == "" {
		return resolved
	}
	return filepath.Join(resolved, suffix)
}

func canonicalizeAll(paths []string) ([]string, *conderr.Error) {
	result := make([]string, 0, len(paths))
	for _, p := range paths {
		canon, err := canonicalize(p)
		if err != nil {
			return nil, err
		}
		result = append(result, canon)
	}
	return result, nil
}

// checkAbsoluteAndNotForbiddenRoot rejects paths that resolve to the
// filesystem root, the invoking user's home directory, or a known system
// root prefix.
func checkAbsoluteAndNotForbiddenRoot(path string, host HostInfo) *conderr.Error {
	if !filepath.IsAbs(path) {
		return conderr.New(conderr.CodePolicyDenied, "path is not absolute after canonicalization").
			WithContext("reason", "not_absolute").
			WithContext("path", path)
	}

	clean := filepath.Clean(path)
	if clean == string(filepath.Separator) {
		return conderr.New(conderr.CodePolicyDenied, "path resolves to filesystem root").
			WithContext("reason", "forbidden_root").
			WithContext("path", path)
	}
	if host.HomeDir != "" && clean == filepath.Clean(host.HomeDir) {
		return conderr.New(conderr.CodePolicyDenied, "path resolves to the user's home directory").
			WithContext("reason", "forbidden_root").
			WithContext("path", path)
	}
	for _, systemRoot := range []string{"/etc", "/usr", "/bin", "/sbin", "/boot", "/dev", "/proc", "/sys"} {
		if clean == systemRoot {
			return conderr.New(conderr.CodePolicyDenied, "path resolves to a system root").
				WithContext("reason", "forbidden_root").
				WithContext("path", path)
		}
	}
	return nil
}

// checkSymlinkAllowlist rejects raw (pre-canonicalization) paths whose
// resolved form diverges from the literal path outside of the small set
// of OS-managed roots symlinks are permitted to resolve into.
func checkSymlinkAllowlist(raw string, host HostInfo) *conderr.Error {
	abs, err := filepath.Abs(raw)
	if err != nil {
		return nil
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil // does not exist yet; nothing to resolve.
	}
	if filepath.Clean(resolved) == filepath.Clean(abs) {
		return nil // no symlink indirection.
	}
	for _, allowed := range host.SymlinkAllowedRoots {
		if withinRoot(resolved, allowed) || resolved == filepath.Clean(allowed) {
			return nil
		}
	}
	return conderr.New(conderr.CodePolicyDenied, "path resolves through a symlink outside the allowed roots").
		WithContext("reason", "symlink_outside_allowlist").
		WithContext("path", raw).
		WithContext("resolved", resolved)
}

// withinRoot reports whether path lies inside root using path-component
// equality, never substring comparison, so "/allowedfoo" is never treated
// as contained in "/allowed".
func withinRoot(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func withinAny(path string, roots []string) bool {
	for _, root := range roots {
		if withinRoot(path, root) {
			return true
		}
	}
	return false
}
