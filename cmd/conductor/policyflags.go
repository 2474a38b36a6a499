// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/pflag"

	"github.com/opsconductor/conductor/policy"
)

// policyFlags binds the acknowledgement, filesystem, exec, and budget
// flags shared by exec and driver, since both spawn a single session
// directly from CLI-supplied policy fields rather than a scenario file.
type policyFlags struct {
	sandbox          string
	sandboxUnsafeAck bool
	network          string
	networkUnsafeAck bool
	fsWriteUnsafeAck bool
	fsStrictWrite    bool
	allowedRead      []string
	allowedWrite     []string
	workingDir       string
	allowedExec      []string
	allowShell       bool
	envAllowlist     []string
	envInherit       bool
	maxRuntimeMs     int64
	maxSteps         int64
	maxOutputBytes   int64
	maxSnapshotBytes int64
	maxWaitMs        int64
	artifactsDir     string
	overwrite        bool
	memoryMax        string
	cpuQuota         string
	tasksMax         int
}

func registerPolicyFlags(flagSet *pflag.FlagSet) *policyFlags {
	defaults := policy.DefaultBudgets()
	f := &policyFlags{}
	flagSet.StringVar(&f.sandbox, "sandbox", string(policy.SandboxIsolated), "sandbox mode: isolated or none")
	flagSet.BoolVar(&f.sandboxUnsafeAck, "sandbox-unsafe-ack", false, "acknowledge running with sandbox=none")
	flagSet.StringVar(&f.network, "network", string(policy.NetworkDisabled), "network mode: enabled or disabled")
	flagSet.BoolVar(&f.networkUnsafeAck, "network-unsafe-ack", false, "acknowledge running with network=enabled")
	flagSet.BoolVar(&f.fsWriteUnsafeAck, "fs-write-unsafe-ack", false, "acknowledge an unrestricted filesystem write surface")
	flagSet.BoolVar(&f.fsStrictWrite, "fs-strict-write", false, "require --fs-write-unsafe-ack even when no allowed_write path is given")
	flagSet.StringArrayVar(&f.allowedRead, "allowed-read", nil, "path the child may read (repeatable)")
	flagSet.StringArrayVar(&f.allowedWrite, "allowed-write", nil, "path the child may write (repeatable)")
	flagSet.StringVar(&f.workingDir, "cwd", "", "working directory (must be absolute)")
	flagSet.StringArrayVar(&f.allowedExec, "allowed-exec", nil, "executable the child may run (repeatable)")
	flagSet.BoolVar(&f.allowShell, "allow-shell", false, "permit the child to invoke a shell")
	flagSet.StringArrayVar(&f.envAllowlist, "env-allow", nil, "environment variable name to inherit (repeatable)")
	flagSet.BoolVar(&f.envInherit, "env-inherit", false, "inherit the harness's own environment before applying --env-allow")
	flagSet.Int64Var(&f.maxRuntimeMs, "max-runtime-ms", defaults.MaxRuntimeMs, "overall run time budget")
	flagSet.Int64Var(&f.maxSteps, "max-steps", defaults.MaxSteps, "step count budget")
	flagSet.Int64Var(&f.maxOutputBytes, "max-output-bytes", defaults.MaxOutputBytes, "cumulative output byte budget")
	flagSet.Int64Var(&f.maxSnapshotBytes, "max-snapshot-bytes", defaults.MaxSnapshotBytes, "single-snapshot byte budget")
	flagSet.Int64Var(&f.maxWaitMs, "max-wait-ms", defaults.MaxWaitMs, "single wait-condition budget")
	flagSet.StringVar(&f.artifactsDir, "artifacts-dir", "", "directory to write the run's artifact bundle into")
	flagSet.BoolVar(&f.overwrite, "overwrite", false, "permit reusing a non-empty --artifacts-dir")
	flagSet.StringVar(&f.memoryMax, "memory-max", "", "systemd MemoryMax for the sandboxed scope (e.g. 512M, 2G)")
	flagSet.StringVar(&f.cpuQuota, "cpu-quota", "", "systemd CPUQuota for the sandboxed scope (e.g. 150%)")
	flagSet.IntVar(&f.tasksMax, "tasks-max", 0, "systemd TasksMax for the sandboxed scope")
	return f
}

// build resolves the flags into a Policy. Executables named on the
// command line are always appended to the allowed-exec list so a bare
// exec/driver invocation of one command doesn't require a redundant
// --allowed-exec flag naming it a second time.
func (f *policyFlags) build(command string) policy.Policy {
	p := policy.Default()
	p.Sandbox = policy.SandboxMode(f.sandbox)
	p.SandboxUnsafeAck = f.sandboxUnsafeAck
	p.Network = policy.NetworkMode(f.network)
	p.NetworkUnsafeAck = f.networkUnsafeAck
	p.FSWriteUnsafeAck = f.fsWriteUnsafeAck
	p.FSStrictWrite = f.fsStrictWrite
	p.FS.AllowedRead = f.allowedRead
	p.FS.AllowedWrite = f.allowedWrite
	p.FS.WorkingDir = f.workingDir
	p.Exec.AllowedExecutables = appendUnique(f.allowedExec, command)
	p.Exec.AllowShell = f.allowShell
	p.Env.Allowlist = f.envAllowlist
	p.Env.Inherit = f.envInherit
	p.Budgets = policy.Budgets{
		MaxRuntimeMs:     f.maxRuntimeMs,
		MaxSteps:         f.maxSteps,
		MaxOutputBytes:   f.maxOutputBytes,
		MaxSnapshotBytes: f.maxSnapshotBytes,
		MaxWaitMs:        f.maxWaitMs,
	}
	p.Artifacts = policy.ArtifactsPolicy{
		Enabled:   f.artifactsDir != "",
		Dir:       f.artifactsDir,
		Overwrite: f.overwrite,
	}
	p.Resources = policy.ResourceLimits{
		MemoryMax: f.memoryMax,
		CPUQuota:  f.cpuQuota,
		TasksMax:  f.tasksMax,
	}
	return p
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
