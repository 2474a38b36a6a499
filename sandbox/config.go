// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

// NamespaceConfig defines which Linux namespaces bwrap should unshare.
type NamespaceConfig struct {
	PID    bool
	Net    bool
	IPC    bool
	UTS    bool
	Cgroup bool
	User   bool
}

// ResourceConfig defines resource limits enforced via a systemd scope.
type ResourceConfig struct {
	TasksMax  int
	MemoryMax string
	CPUQuota  string

	// CPUWeight is the cgroup v2 cpu.weight value (1-10000, default 100).
	CPUWeight int
}

// HasLimits returns true if any resource limit is configured.
func (r ResourceConfig) HasLimits() bool {
	return r.TasksMax > 0 || r.MemoryMax != "" || r.CPUQuota != "" || r.CPUWeight > 0
}

// SecurityConfig defines bwrap security flags.
type SecurityConfig struct {
	NewSession    bool
	DieWithParent bool
	NoNewPrivs    bool
}

// DefaultSecurity is the security posture every generated profile uses;
// it is not configurable per policy because loosening it would weaken the
// one enforcement surface the harness has without the caller ever
// choosing to.
func DefaultSecurity() SecurityConfig {
	return SecurityConfig{
		NewSession:    true,
		DieWithParent: true,
		NoNewPrivs:    true,
	}
}
