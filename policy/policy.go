// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy defines the deny-by-default configuration that governs
// one run: what the sandboxed child may read, write, execute, see in its
// environment, and how long it may run. A Policy is untrusted input; it
// becomes an EffectivePolicy only after Validate has run every invariant
// check in the fixed order the harness guarantees.
package policy

// SandboxMode selects the isolation strategy for the child process.
type SandboxMode string

const (
	SandboxIsolated SandboxMode = "isolated"
	SandboxNone     SandboxMode = "none"
)

// NetworkMode selects whether the child may reach the network.
type NetworkMode string

const (
	NetworkDisabled NetworkMode = "disabled"
	NetworkEnabled  NetworkMode = "enabled"
)

// AcceptedVersions is the configurable table of policy_version values this
// build understands. A freshly constructed Policy emits version 1, the
// version confirmed against the reference implementation's own default.
// Extending support for a future version means adding an entry here, not
// touching Validate's control flow.
var AcceptedVersions = map[uint32]bool{
	1: true,
}

// Policy is the untrusted, caller-supplied configuration for one run.
type Policy struct {
	PolicyVersion     uint32          `json:"policy_version" yaml:"policy_version"`
	Sandbox           SandboxMode     `json:"sandbox" yaml:"sandbox"`
	SandboxUnsafeAck  bool            `json:"sandbox_unsafe_ack" yaml:"sandbox_unsafe_ack"`
	Network           NetworkMode     `json:"network" yaml:"network"`
	NetworkUnsafeAck  bool            `json:"network_unsafe_ack" yaml:"network_unsafe_ack"`
	FSWriteUnsafeAck  bool            `json:"fs_write_unsafe_ack" yaml:"fs_write_unsafe_ack"`
	FSStrictWrite     bool            `json:"fs_strict_write" yaml:"fs_strict_write"`
	FS                FSPolicy        `json:"fs" yaml:"fs"`
	Exec              ExecPolicy      `json:"exec" yaml:"exec"`
	Env               EnvPolicy       `json:"env" yaml:"env"`
	Budgets           Budgets         `json:"budgets" yaml:"budgets"`
	Artifacts         ArtifactsPolicy `json:"artifacts" yaml:"artifacts"`
	Replay            ReplayPolicy    `json:"replay" yaml:"replay"`
	Resources         ResourceLimits  `json:"resources" yaml:"resources"`
}

// ResourceLimits declares systemd-scope resource limits enforced around
// the sandboxed child, independent of the runner's own timeout-based
// budgets: these are enforced by the kernel cgroup controller even if the
// runner's polling loop is itself starved. An empty field means
// unlimited. MemoryMax and CPUQuota use systemd's own property syntax
// (e.g. "2G", "512M", "200%") and are validated at sandbox-profile
// generation time.
type ResourceLimits struct {
	MemoryMax string `json:"memory_max" yaml:"memory_max"`
	CPUQuota  string `json:"cpu_quota" yaml:"cpu_quota"`
	TasksMax  int    `json:"tasks_max" yaml:"tasks_max"`
}

// FSPolicy declares the filesystem surface visible to the child. All
// three fields must be absolute paths once canonicalized.
type FSPolicy struct {
	AllowedRead  []string `json:"allowed_read" yaml:"allowed_read"`
	AllowedWrite []string `json:"allowed_write" yaml:"allowed_write"`
	WorkingDir   string   `json:"working_dir" yaml:"working_dir"`
}

// ExecPolicy declares which executables the child may run.
type ExecPolicy struct {
	AllowedExecutables []string `json:"allowed_executables" yaml:"allowed_executables"`
	AllowShell         bool     `json:"allow_shell" yaml:"allow_shell"`
}

// EnvPolicy constructs the child's environment: Inherit copies the
// harness's own environment first, Allowlist narrows which inherited
// names survive, and Set wins over both.
type EnvPolicy struct {
	Allowlist []string          `json:"allowlist" yaml:"allowlist"`
	Set       map[string]string `json:"set" yaml:"set"`
	Inherit   bool              `json:"inherit" yaml:"inherit"`
}

// Budgets bounds runtime, step count, and output volume. Values come from
// the reference implementation's own Budgets::default().
type Budgets struct {
	MaxRuntimeMs     int64 `json:"max_runtime_ms" yaml:"max_runtime_ms"`
	MaxSteps         int64 `json:"max_steps" yaml:"max_steps"`
	MaxOutputBytes   int64 `json:"max_output_bytes" yaml:"max_output_bytes"`
	MaxSnapshotBytes int64 `json:"max_snapshot_bytes" yaml:"max_snapshot_bytes"`
	MaxWaitMs        int64 `json:"max_wait_ms" yaml:"max_wait_ms"`
}

// DefaultBudgets mirrors Budgets::default() from the original implementation.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxRuntimeMs:     60_000,
		MaxSteps:         10_000,
		MaxOutputBytes:   8 * 1024 * 1024,
		MaxSnapshotBytes: 2 * 1024 * 1024,
		MaxWaitMs:        10_000,
	}
}

// ArtifactsPolicy controls whether and where a run's artifact bundle is written.
type ArtifactsPolicy struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Dir       string `json:"dir" yaml:"dir"`
	Overwrite bool   `json:"overwrite" yaml:"overwrite"`
}

// NormalizationFilter names a volatile field ignored during replay comparison.
type NormalizationFilter string

const (
	FilterSnapshotID         NormalizationFilter = "snapshot_id"
	FilterRunID              NormalizationFilter = "run_id"
	FilterRunTimestamps      NormalizationFilter = "run_timestamps"
	FilterStepTimestamps     NormalizationFilter = "step_timestamps"
	FilterObservationTimestamp NormalizationFilter = "observation_timestamp"
	FilterSessionID          NormalizationFilter = "session_id"
)

// DefaultNormalizationFilters returns the full, lenient default filter set
// (default_replay_filters() in the reference implementation).
func DefaultNormalizationFilters() []NormalizationFilter {
	return []NormalizationFilter{
		FilterSnapshotID,
		FilterRunID,
		FilterRunTimestamps,
		FilterStepTimestamps,
		FilterObservationTimestamp,
		FilterSessionID,
	}
}

// NormalizationRuleTarget names what a NormalizationRule rewrites.
type NormalizationRuleTarget string

const (
	RuleTargetTranscript    NormalizationRuleTarget = "transcript"
	RuleTargetSnapshotLines NormalizationRuleTarget = "snapshot_lines"
)

// NormalizationRule is a regex replacement applied before replay comparison.
type NormalizationRule struct {
	Target  NormalizationRuleTarget `json:"target" yaml:"target"`
	Pattern string                  `json:"pattern" yaml:"pattern"`
	Replace string                  `json:"replace" yaml:"replace"`
}

// ReplayPolicy carries the policy-specified replay normalization settings,
// one tier below CLI flags and above the built-in defaults (§4.10).
type ReplayPolicy struct {
	Strict               bool                  `json:"strict" yaml:"strict"`
	NormalizationFilters []NormalizationFilter `json:"normalization_filters" yaml:"normalization_filters"`
	NormalizationRules   []NormalizationRule   `json:"normalization_rules" yaml:"normalization_rules"`
}

// Default returns a Policy with every budget and version field populated,
// deny-by-default: no sandbox bypass, no network, no writes, no
// executables. Callers add exactly what they need and set the matching
// acknowledgement flags.
func Default() Policy {
	return Policy{
		PolicyVersion: 1,
		Sandbox:       SandboxIsolated,
		Network:       NetworkDisabled,
		FS: FSPolicy{
			AllowedRead:  nil,
			AllowedWrite: nil,
		},
		Exec: ExecPolicy{
			AllowedExecutables: nil,
			AllowShell:         false,
		},
		Env: EnvPolicy{
			Inherit: false,
		},
		Budgets:   DefaultBudgets(),
		Artifacts: ArtifactsPolicy{Enabled: false},
	}
}

// EffectivePolicy is a Policy that has passed Validate: every path is
// absolute and canonicalized, every acknowledgement required by the
// requested configuration is present. Only an EffectivePolicy may be
// used to spawn a session.
type EffectivePolicy struct {
	Policy

	// CanonicalWorkingDir, CanonicalAllowedRead, and CanonicalAllowedWrite
	// hold the post-canonicalization paths substituted for the raw Policy
	// fields of the same name.
	CanonicalWorkingDir   string
	CanonicalAllowedRead  []string
	CanonicalAllowedWrite []string
	CanonicalArtifactsDir string
}
