// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package progress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/muesli/termenv"

	"github.com/opsconductor/conductor/runner"
)

func TestNoopProgressDiscardsEvents(t *testing.T) {
	var p NoopProgress
	p.OnProgress(runner.ProgressEvent{Kind: "run_started"})
}

func TestReporterPlainModeReportsLifecycle(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, termenv.Ascii)

	r.OnProgress(runner.ProgressEvent{Kind: "run_started", TotalSteps: 2})
	r.OnProgress(runner.ProgressEvent{Kind: "step_started", Name: "type-username"})
	r.OnProgress(runner.ProgressEvent{Kind: "step_completed", Name: "type-username", Status: runner.StepPassed, DurationMs: 12})
	r.OnProgress(runner.ProgressEvent{Kind: "step_started", Name: "assert-prompt"})
	r.OnProgress(runner.ProgressEvent{Kind: "step_completed", Name: "assert-prompt", Status: runner.StepFailed, DurationMs: 3})
	r.OnProgress(runner.ProgressEvent{Kind: "run_completed", Success: false, DurationMs: 15})

	out := buf.String()
	for _, want := range []string{
		"2 step(s)",
		"running", "type-username",
		"✓", "type-username", "(12ms)",
		"running", "assert-prompt",
		"✗", "assert-prompt", "(3ms)",
		"failed", "(15ms)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q; got:\n%s", want, out)
		}
	}
}

func TestGlyphMapsEveryStepStatus(t *testing.T) {
	cases := map[runner.StepStatus]string{
		runner.StepPassed:  "✓",
		runner.StepFailed:  "✗",
		runner.StepSkipped: "–",
		runner.StepErrored: "!",
	}
	for status, want := range cases {
		got, _ := glyph(status)
		if got != want {
			t.Errorf("glyph(%v) = %q, want %q", status, got, want)
		}
	}
}
