// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ValidationResult holds the result of a validation check.
type ValidationResult struct {
	Name    string
	Passed  bool
	Message string
	Warning bool // True if this is a warning, not an error.
}

// Validator performs pre-flight validation for sandbox execution. It
// checks host capability, not policy: policy.Validate already rejected
// any profile whose paths are unsafe before Generate ever ran.
type Validator struct {
	results []ValidationResult
	errors  int
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		results: make([]ValidationResult, 0),
	}
}

// Results returns all validation results.
func (v *Validator) Results() []ValidationResult {
	return v.results
}

// HasErrors returns true if any validation failed.
func (v *Validator) HasErrors() bool {
	return v.errors > 0
}

func (v *Validator) pass(name, message string) {
	v.results = append(v.results, ValidationResult{Name: name, Passed: true, Message: message})
}

func (v *Validator) warn(name, message string) {
	v.results = append(v.results, ValidationResult{Name: name, Passed: true, Message: message, Warning: true})
}

func (v *Validator) fail(name, message string) {
	v.results = append(v.results, ValidationResult{Name: name, Passed: false, Message: message})
	v.errors++
}

// ValidateAll runs every host-capability and profile-source check for a
// generated profile.
func (v *Validator) ValidateAll(profile *Profile) {
	v.ValidateBwrap()
	v.ValidateSystemd()
	v.ValidateUserNamespaces()
	v.ValidateProfile(profile)
	v.ValidateProfileSources(profile)
}

// ValidateBwrap checks that bubblewrap is available.
func (v *Validator) ValidateBwrap() {
	path, err := BwrapPath()
	if err != nil {
		v.fail("bwrap", "bubblewrap not found in standard locations")
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		v.fail("bwrap", fmt.Sprintf("cannot stat %s: %v", path, err))
		return
	}
	if info.Mode()&0111 == 0 {
		v.fail("bwrap", fmt.Sprintf("%s is not executable", path))
		return
	}

	cmd := exec.Command(path, "--version")
	output, err := cmd.Output()
	if err != nil {
		v.warn("bwrap", fmt.Sprintf("found at %s but --version failed", path))
		return
	}

	version := strings.TrimSpace(string(output))
	v.pass("bwrap", fmt.Sprintf("available: %s (%s)", path, version))
}

// ValidateSystemd checks that systemd-run is available for resource limits.
func (v *Validator) ValidateSystemd() {
	path, err := exec.LookPath("systemd-run")
	if err != nil {
		v.warn("systemd", "systemd-run not found (resource limits will not be enforced)")
		return
	}

	cmd := exec.Command(path, "--user", "--scope", "--", "true")
	if err := cmd.Run(); err != nil {
		v.warn("systemd", "systemd-run available but cannot create user scopes")
		return
	}

	v.pass("systemd", fmt.Sprintf("available: %s (user scopes supported)", path))
}

// ValidateUserNamespaces checks that user namespaces are enabled.
func (v *Validator) ValidateUserNamespaces() {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err != nil {
		if os.IsNotExist(err) {
			v.pass("userns", "user namespaces supported (no clone restriction)")
			return
		}
		v.warn("userns", fmt.Sprintf("cannot check user namespace support: %v", err))
		return
	}

	value := strings.TrimSpace(string(data))
	if value == "0" {
		v.fail("userns", "unprivileged user namespaces are disabled (set kernel.unprivileged_userns_clone=1)")
		return
	}

	v.pass("userns", "user namespaces enabled")
}

// ValidateProfile checks that a profile was actually generated and names
// a command to run.
func (v *Validator) ValidateProfile(profile *Profile) {
	if profile == nil {
		v.fail("profile", "profile is nil")
		return
	}
	if profile.Command == "" {
		v.fail("profile", "profile has no command")
		return
	}
	v.pass("profile", fmt.Sprintf("command: %s", profile.Command))
}

// ValidateProfileSources checks that every bind root in the profile
// exists, or can be created, on the host.
func (v *Validator) ValidateProfileSources(profile *Profile) {
	if profile == nil {
		return
	}

	for _, root := range profile.ReadOnlyBinds {
		if _, err := os.Stat(root); err != nil {
			v.fail("mount", fmt.Sprintf("read root not found: %s", root))
			continue
		}
		v.pass("mount", fmt.Sprintf("read root exists: %s", root))
	}
	for _, root := range profile.ReadWriteBinds {
		if _, err := os.Stat(root); err != nil {
			parent := filepath.Dir(root)
			if _, parentErr := os.Stat(parent); parentErr != nil {
				v.fail("mount", fmt.Sprintf("write root's parent does not exist: %s", parent))
				continue
			}
			v.warn("mount", fmt.Sprintf("write root will be created: %s", root))
			continue
		}
		v.pass("mount", fmt.Sprintf("write root exists: %s", root))
	}
}

// PrintResults writes validation results to a writer.
func (v *Validator) PrintResults(w io.Writer) {
	for _, r := range v.results {
		var prefix string
		switch {
		case !r.Passed:
			prefix = "✗"
		case r.Warning:
			prefix = "⚠"
		default:
			prefix = "✓"
		}
		fmt.Fprintf(w, "%s %s: %s\n", prefix, r.Name, r.Message)
	}

	fmt.Fprintln(w)
	if v.HasErrors() {
		fmt.Fprintf(w, "Validation failed with %d error(s)\n", v.errors)
	} else {
		fmt.Fprintln(w, "Ready to run sandbox")
	}
}
