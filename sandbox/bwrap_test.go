// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"strings"
	"testing"
)

func TestBwrapBuilder(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()

	profile := &Profile{
		ReadOnlyBinds:  []string{"/usr"},
		ReadWriteBinds: []string{tmp},
		WorkingDir:     tmp,
		Command:        "/bin/bash",
		Args:           []string{"-c", "echo hi"},
		Env:            map[string]string{"HOME": tmp},
		Namespaces:     NamespaceConfig{PID: true, Net: true, IPC: true, UTS: true, User: true},
		Security:       DefaultSecurity(),
	}

	builder := NewBwrapBuilder()
	args, err := builder.Build(&BwrapOptions{Profile: profile})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	argStr := strings.Join(args, " ")

	for _, want := range []string{
		"--unshare-pid", "--unshare-net", "--unshare-ipc", "--unshare-uts", "--unshare-user",
		"--new-session", "--die-with-parent",
		"--ro-bind /usr /usr",
		"--bind " + tmp + " " + tmp,
		"--chdir " + tmp,
		"--clearenv",
		"--setenv HOME " + tmp,
		"-- /bin/bash -c echo hi",
	} {
		if !strings.Contains(argStr, want) {
			t.Errorf("missing %q in %q", want, argStr)
		}
	}
}

func TestBwrapBuilderValidation(t *testing.T) {
	t.Parallel()

	builder := NewBwrapBuilder()

	if _, err := builder.Build(&BwrapOptions{}); err == nil {
		t.Error("expected error for missing profile")
	}

	if _, err := builder.Build(&BwrapOptions{Profile: &Profile{}}); err == nil {
		t.Error("expected error for missing command")
	}
}

func TestBwrapBuilderWriteRootCreatedWhenAbsent(t *testing.T) {
	t.Parallel()

	profile := &Profile{
		ReadWriteBinds: []string{"/tmp/conductor-nonexistent-write-root"},
		Command:        "/bin/true",
	}

	builder := NewBwrapBuilder()
	args, err := builder.Build(&BwrapOptions{Profile: profile})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	argStr := strings.Join(args, " ")
	if !strings.Contains(argStr, "--dir /tmp/conductor-nonexistent-write-root") {
		t.Errorf("expected --dir for missing write root, got %q", argStr)
	}
}
