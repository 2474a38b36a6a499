// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"sort"
)

// BwrapOptions holds options for building a bwrap command.
type BwrapOptions struct {
	// Profile is the generated profile to build bwrap arguments from.
	Profile *Profile
}

// BwrapBuilder builds bubblewrap command-line arguments.
type BwrapBuilder struct {
	args []string
	env  map[string]string
}

// NewBwrapBuilder creates a new builder.
func NewBwrapBuilder() *BwrapBuilder {
	return &BwrapBuilder{
		args: []string{},
		env:  make(map[string]string),
	}
}

// Build constructs the bwrap arguments from options. Read roots become
// --ro-bind, write roots become --bind, the working directory becomes
// --chdir, and the environment is cleared before setting only the
// profile's own variables plus PATH and TERM.
func (b *BwrapBuilder) Build(opts *BwrapOptions) ([]string, error) {
	if opts.Profile == nil {
		return nil, fmt.Errorf("profile is required")
	}
	if opts.Profile.Command == "" {
		return nil, fmt.Errorf("profile command is required")
	}

	b.args = []string{}
	b.env = make(map[string]string)

	b.addNamespaces(opts.Profile.Namespaces)
	b.addSecurity(opts.Profile.Security)
	b.addBaseMounts()

	if err := b.addProfileBinds(opts.Profile); err != nil {
		return nil, err
	}

	if opts.Profile.WorkingDir != "" {
		b.args = append(b.args, "--chdir", opts.Profile.WorkingDir)
	}

	b.args = append(b.args, "--clearenv")

	b.env["PATH"] = "/usr/bin:/bin"
	b.env["TERM"] = "xterm-256color"
	for key, value := range opts.Profile.Env {
		b.env[key] = value
	}

	envKeys := make([]string, 0, len(b.env))
	for key := range b.env {
		envKeys = append(envKeys, key)
	}
	sort.Strings(envKeys)
	for _, key := range envKeys {
		b.args = append(b.args, "--setenv", key, b.env[key])
	}

	b.args = append(b.args, "--")
	b.args = append(b.args, opts.Profile.Command)
	b.args = append(b.args, opts.Profile.Args...)

	return b.args, nil
}

// addNamespaces adds namespace unsharing options.
func (b *BwrapBuilder) addNamespaces(ns NamespaceConfig) {
	if ns.PID {
		b.args = append(b.args, "--unshare-pid")
	}
	if ns.Net {
		b.args = append(b.args, "--unshare-net")
	}
	if ns.IPC {
		b.args = append(b.args, "--unshare-ipc")
	}
	if ns.UTS {
		b.args = append(b.args, "--unshare-uts")
	}
	if ns.Cgroup {
		b.args = append(b.args, "--unshare-cgroup")
	}
	if ns.User {
		b.args = append(b.args, "--unshare-user")
	}
}

// addSecurity adds security options.
func (b *BwrapBuilder) addSecurity(sec SecurityConfig) {
	if sec.NewSession {
		b.args = append(b.args, "--new-session")
	}
	if sec.DieWithParent {
		b.args = append(b.args, "--die-with-parent")
	}
	// --cap-drop ALL and PR_SET_NO_NEW_PRIVS are always set by bwrap itself.
}

// addBaseMounts adds standard /proc and /dev mounts.
func (b *BwrapBuilder) addBaseMounts() {
	b.args = append(b.args, "--proc", "/proc")
	b.args = append(b.args, "--dev", "/dev")
}

// addProfileBinds binds every read root read-only and every write root
// read-write. A write root that does not yet exist on disk is created as
// an empty directory inside the sandbox via --dir instead of being bound,
// so a write root intended for fresh output does not need to pre-exist on
// the host. A read root that does not exist is skipped.
func (b *BwrapBuilder) addProfileBinds(profile *Profile) error {
	for _, root := range profile.ReadOnlyBinds {
		if _, err := os.Stat(root); err != nil {
			continue // a read root that vanished between policy evaluation and run time is silently skipped.
		}
		b.args = append(b.args, "--ro-bind", root, root)
	}
	for _, root := range profile.ReadWriteBinds {
		if _, err := os.Stat(root); err != nil {
			b.args = append(b.args, "--dir", root)
			continue
		}
		b.args = append(b.args, "--bind", root, root)
	}
	return nil
}

// BwrapPath returns the path to the bwrap executable.
func BwrapPath() (string, error) {
	paths := []string{
		"/usr/bin/bwrap",
		"/usr/local/bin/bwrap",
		"/bin/bwrap",
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("bwrap not found in standard locations")
}
