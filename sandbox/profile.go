// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/policy"
)

// Profile is a pure function of one policy.EffectivePolicy: the set of
// bwrap arguments needed to run a command under that policy. Unlike a
// profile-authoring library that loads YAML profiles with inheritance,
// every Profile here is generated — there is no on-disk profile library,
// no merge/inheritance step, and no variable-expansion templating
// language.
type Profile struct {
	ReadOnlyBinds  []string
	ReadWriteBinds []string
	WorkingDir     string
	Command        string
	Args           []string
	Env            map[string]string
	Namespaces     NamespaceConfig
	Security       SecurityConfig
	Resources      ResourceConfig
}

// Generate builds a Profile from an EffectivePolicy and the resolved
// command to run. Read roots become read-only binds, write roots become
// read-write binds (the run's own artifacts directory is included
// automatically when distinct from a write root), network maps to the
// presence or absence of network namespace isolation, and the working
// directory becomes the sandbox's chdir target.
func Generate(effective *policy.EffectivePolicy, command string, args []string) (*Profile, *conderr.Error) {
	if effective.Sandbox == policy.SandboxNone {
		return nil, conderr.New(conderr.CodeInternal, "Generate called for a policy with sandbox=none").
			WithContext("reason", "no_profile_for_unsandboxed_policy")
	}

	writeBinds := append([]string{}, effective.CanonicalAllowedWrite...)
	if effective.CanonicalArtifactsDir != "" && !containsPath(writeBinds, effective.CanonicalArtifactsDir) {
		writeBinds = append(writeBinds, effective.CanonicalArtifactsDir)
	}

	env := make(map[string]string, len(effective.Env.Set))
	for k, v := range effective.Env.Set {
		env[k] = v
	}

	resources, cerr := resolveResources(effective.Resources)
	if cerr != nil {
		return nil, cerr
	}

	profile := &Profile{
		ReadOnlyBinds:  append([]string{}, effective.CanonicalAllowedRead...),
		ReadWriteBinds: writeBinds,
		WorkingDir:     effective.CanonicalWorkingDir,
		Command:        command,
		Args:           args,
		Env:            env,
		Namespaces: NamespaceConfig{
			PID:    true,
			Net:    effective.Network != policy.NetworkEnabled,
			IPC:    true,
			UTS:    true,
			Cgroup: false,
			User:   true,
		},
		Security:  DefaultSecurity(),
		Resources: resources,
	}
	return profile, nil
}

// resolveResources validates the policy's raw resource-limit strings with
// the same parsers systemd-run's own property syntax requires, so a
// malformed limit is rejected before a scope is ever launched rather than
// failing opaquely inside systemd-run.
func resolveResources(limits policy.ResourceLimits) (ResourceConfig, *conderr.Error) {
	if limits.MemoryMax != "" {
		if _, err := ParseMemoryLimit(limits.MemoryMax); err != nil {
			return ResourceConfig{}, conderr.New(conderr.CodePolicyDenied, "resources.memory_max is not a valid limit").
				WithContext("reason", "invalid_resource_limit").
				WithContext("memory_max", limits.MemoryMax).
				WithCause(err)
		}
	}
	if limits.CPUQuota != "" {
		if _, err := ParseCPUQuota(limits.CPUQuota); err != nil {
			return ResourceConfig{}, conderr.New(conderr.CodePolicyDenied, "resources.cpu_quota is not a valid quota").
				WithContext("reason", "invalid_resource_limit").
				WithContext("cpu_quota", limits.CPUQuota).
				WithCause(err)
		}
	}
	return ResourceConfig{
		TasksMax:  limits.TasksMax,
		MemoryMax: limits.MemoryMax,
		CPUQuota:  limits.CPUQuota,
	}, nil
}

func containsPath(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}
