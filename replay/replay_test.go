// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/opsconductor/conductor/artifacts"
	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/policy"
	"github.com/opsconductor/conductor/runner"
	"github.com/opsconductor/conductor/scenario"
)

func unsandboxedPolicy() policy.Policy {
	p := policy.Default()
	p.Sandbox = policy.SandboxNone
	p.SandboxUnsafeAck = true
	p.NetworkUnsafeAck = true
	return p
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

// recordBaseline runs a small deterministic scenario against /bin/cat and
// writes its artifact bundle to dir, mirroring what a real run under
// policy.ArtifactsPolicy{Enabled: true} would leave on disk.
func recordBaseline(t *testing.T, dir string) {
	t.Helper()

	p := unsandboxedPolicy()
	s := &scenario.Scenario{
		ScenarioVersion: scenario.ScenarioVersion,
		Metadata:        scenario.Metadata{Name: "replay-fixture"},
		Run: scenario.RunConfig{
			Command: "/bin/cat",
			Policy:  scenario.PolicyRef{Inline: &p},
		},
		Steps: []scenario.Step{
			{
				ID:        identity.NewStepID("send-text"),
				Name:      "send text",
				Action:    scenario.Action{Type: scenario.ActionText, Payload: mustPayload(t, map[string]string{"text": "hello\r\n"})},
				TimeoutMs: 500,
			},
			{
				ID:        identity.NewStepID("check-output"),
				Name:      "check output",
				Action:    scenario.Action{Type: scenario.ActionWait, Payload: mustPayload(t, map[string]any{"condition": map[string]any{"type": "screen_contains", "payload": map[string]string{"text": "hello"}}})},
				Assert:    []scenario.Assertion{{Type: "screen_contains", Payload: mustPayload(t, map[string]string{"text": "hello"})}},
				TimeoutMs: 1000,
			},
		},
	}

	runID := identity.NewRunID()
	writer, cerr := artifacts.New(runID, artifacts.WriterConfig{Dir: dir})
	if cerr != nil {
		t.Fatalf("artifacts.New: %v", cerr)
	}
	result, runErr := runner.RunScenario(context.Background(), s, runner.Options{}, writer)
	if runErr != nil {
		t.Fatalf("RunScenario: %v", runErr)
	}
	if result.Status != runner.RunPassed {
		t.Fatalf("expected baseline run to pass, got %q", result.Status)
	}
}

func TestRunReplaysIdenticalBundleWithDefaultFilters(t *testing.T) {
	dir := t.TempDir()
	recordBaseline(t, dir)

	result, cerr := Run(context.Background(), dir, Options{})
	if cerr != nil {
		t.Fatalf("Run: %v", cerr)
	}
	if result.Summary.Status != "passed" {
		t.Fatalf("expected replay to pass, got %q (mismatch: %+v)", result.Summary.Status, result.Summary.Mismatch)
	}
	if result.Summary.Source != artifacts.NormalizationSourceDefault {
		t.Errorf("expected default normalization source, got %s", result.Summary.Source)
	}
}

func TestExplainReportsDefaultFilters(t *testing.T) {
	dir := t.TempDir()
	recordBaseline(t, dir)

	explanation, cerr := Explain(dir, Options{})
	if cerr != nil {
		t.Fatalf("Explain: %v", cerr)
	}
	if explanation.Source != artifacts.NormalizationSourceDefault {
		t.Errorf("expected default source, got %s", explanation.Source)
	}
	if len(explanation.Filters) != len(policy.DefaultNormalizationFilters()) {
		t.Errorf("expected %d default filters, got %d", len(policy.DefaultNormalizationFilters()), len(explanation.Filters))
	}
}

func TestExplainHonorsCLIStrictOverride(t *testing.T) {
	dir := t.TempDir()
	recordBaseline(t, dir)

	explanation, cerr := Explain(dir, Options{Strict: true})
	if cerr != nil {
		t.Fatalf("Explain: %v", cerr)
	}
	if !explanation.Strict {
		t.Error("expected strict mode to be reported")
	}
	if explanation.Source != artifacts.NormalizationSourceCLI {
		t.Errorf("expected CLI source, got %s", explanation.Source)
	}
	if len(explanation.Filters) != 0 {
		t.Errorf("expected no filters under strict mode, got %v", explanation.Filters)
	}
}

func TestReadReportReturnsLatestSummary(t *testing.T) {
	dir := t.TempDir()
	recordBaseline(t, dir)

	if _, cerr := Run(context.Background(), dir, Options{}); cerr != nil {
		t.Fatalf("Run: %v", cerr)
	}

	summary, diff, replayDir, cerr := ReadReport(dir)
	if cerr != nil {
		t.Fatalf("ReadReport: %v", cerr)
	}
	if summary.Status != "passed" {
		t.Fatalf("expected passed summary, got %q", summary.Status)
	}
	if diff != nil {
		t.Errorf("expected no diff for a passing replay, got %+v", diff)
	}
	if filepath.Dir(replayDir) != dir {
		t.Errorf("expected replay dir under %q, got %q", dir, replayDir)
	}
}

func TestRunStrictModeCatchesRunIDDifference(t *testing.T) {
	dir := t.TempDir()
	recordBaseline(t, dir)

	_, cerr := Run(context.Background(), dir, Options{Strict: true})
	if cerr == nil {
		t.Fatal("expected strict replay to fail on the unfiltered run_id difference")
	}
	if cerr.Code != "E_REPLAY_MISMATCH" {
		t.Errorf("expected E_REPLAY_MISMATCH, got %s", cerr.Code)
	}
}
