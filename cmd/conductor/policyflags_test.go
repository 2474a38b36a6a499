// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/spf13/pflag"

	"github.com/opsconductor/conductor/policy"
)

func TestRegisterPolicyFlagsAppliesDefaults(t *testing.T) {
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	pf := registerPolicyFlags(flagSet)
	if err := flagSet.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}

	p := pf.build("/bin/cat")
	defaults := policy.Default()

	if p.Sandbox != defaults.Sandbox {
		t.Errorf("Sandbox = %q, want %q", p.Sandbox, defaults.Sandbox)
	}
	if p.Network != defaults.Network {
		t.Errorf("Network = %q, want %q", p.Network, defaults.Network)
	}
	if len(p.Exec.AllowedExecutables) != 1 || p.Exec.AllowedExecutables[0] != "/bin/cat" {
		t.Errorf("AllowedExecutables = %v, want [/bin/cat]", p.Exec.AllowedExecutables)
	}
	if p.Budgets != policy.DefaultBudgets() {
		t.Errorf("Budgets = %+v, want defaults %+v", p.Budgets, policy.DefaultBudgets())
	}
	if p.Artifacts.Enabled {
		t.Error("Artifacts.Enabled should be false when --artifacts-dir is unset")
	}
}

func TestPolicyFlagsBuildAppendsCommandOnce(t *testing.T) {
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	pf := registerPolicyFlags(flagSet)
	if err := flagSet.Parse([]string{"--allowed-exec=/bin/cat", "--allowed-exec=/bin/echo"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	p := pf.build("/bin/cat")
	count := 0
	for _, exe := range p.Exec.AllowedExecutables {
		if exe == "/bin/cat" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected /bin/cat to appear exactly once, appeared %d times in %v", count, p.Exec.AllowedExecutables)
	}
	if len(p.Exec.AllowedExecutables) != 2 {
		t.Errorf("expected 2 allowed executables, got %v", p.Exec.AllowedExecutables)
	}
}

func TestPolicyFlagsBuildAppliesResourceLimits(t *testing.T) {
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	pf := registerPolicyFlags(flagSet)
	if err := flagSet.Parse([]string{"--memory-max=512M", "--cpu-quota=150%", "--tasks-max=64"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	p := pf.build("/bin/cat")
	want := policy.ResourceLimits{MemoryMax: "512M", CPUQuota: "150%", TasksMax: 64}
	if p.Resources != want {
		t.Errorf("Resources = %+v, want %+v", p.Resources, want)
	}
}

func TestSplitCommandArgsHonorsSeparator(t *testing.T) {
	flags, command := splitCommandArgs([]string{"--sandbox", "none", "--", "/bin/echo", "hi"})
	if len(flags) != 2 || flags[0] != "--sandbox" || flags[1] != "none" {
		t.Errorf("flags = %v, want [--sandbox none]", flags)
	}
	if len(command) != 2 || command[0] != "/bin/echo" || command[1] != "hi" {
		t.Errorf("command = %v, want [/bin/echo hi]", command)
	}
}

func TestSplitCommandArgsWithoutSeparator(t *testing.T) {
	flags, command := splitCommandArgs([]string{"--sandbox", "none"})
	if len(flags) != 2 {
		t.Errorf("flags = %v, want length 2", flags)
	}
	if command != nil {
		t.Errorf("command = %v, want nil", command)
	}
}
