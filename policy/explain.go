// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

// Decision is one allow/deny determination surfaced by Explain.
type Decision struct {
	Name    string `json:"name"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Report is the structured result of Explain: a human-reviewable summary
// of what a policy would permit, without spawning anything.
type Report struct {
	PolicyVersion uint32     `json:"policy_version"`
	Decisions     []Decision `json:"decisions"`
	Valid         bool       `json:"valid"`
	DenialReason  string     `json:"denial_reason,omitempty"`
}

// Explain runs Validate and reports the outcome as structured allow/deny
// decisions for human review, without ever spawning a session.
func Explain(p Policy, host HostInfo) Report {
	report := Report{PolicyVersion: p.PolicyVersion}

	report.Decisions = append(report.Decisions, Decision{
		Name:    "sandbox",
		Allowed: p.Sandbox == SandboxIsolated,
		Reason:  string(p.Sandbox),
	})
	report.Decisions = append(report.Decisions, Decision{
		Name:    "network",
		Allowed: p.Network == NetworkEnabled,
		Reason:  string(p.Network),
	})
	report.Decisions = append(report.Decisions, Decision{
		Name:    "filesystem_write",
		Allowed: len(p.FS.AllowedWrite) > 0,
	})
	report.Decisions = append(report.Decisions, Decision{
		Name:    "shell",
		Allowed: p.Exec.AllowShell,
	})

	_, err := Validate(p, host)
	if err != nil {
		report.Valid = false
		report.DenialReason = err.Message
		return report
	}
	report.Valid = true
	return report
}
