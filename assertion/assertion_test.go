// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package assertion

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/scenario"
	"github.com/opsconductor/conductor/session"
	"github.com/opsconductor/conductor/terminal"
)

func observationWithLines(lines []string, cursor terminal.Cursor) *session.Observation {
	return &session.Observation{
		Screen: terminal.ScreenSnapshot{
			SnapshotID: identity.NewSnapshotID(),
			Lines:      lines,
			Cursor:     cursor,
		},
	}
}

func assertionWith(t *testing.T, assertionType string, payload map[string]any) scenario.Assertion {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return scenario.Assertion{Type: assertionType, Payload: data}
}

func TestScreenContains(t *testing.T) {
	t.Parallel()
	obs := observationWithLines([]string{"Hello World"}, terminal.Cursor{})

	result := Evaluate(obs, assertionWith(t, "screen_contains", map[string]any{"text": "Hello"}), nil)
	if !result.Passed {
		t.Errorf("expected pass, got %+v", result)
	}

	result = Evaluate(obs, assertionWith(t, "screen_contains", map[string]any{"text": "Goodbye"}), nil)
	if result.Passed {
		t.Error("expected failure for missing text")
	}
}

func TestNotContains(t *testing.T) {
	t.Parallel()
	obs := observationWithLines([]string{"ready"}, terminal.Cursor{})

	if !Evaluate(obs, assertionWith(t, "not_contains", map[string]any{"text": "error"}), nil).Passed {
		t.Error("expected pass")
	}
	if Evaluate(obs, assertionWith(t, "not_contains", map[string]any{"text": "ready"}), nil).Passed {
		t.Error("expected failure")
	}
}

func TestRegexMatchRejectsOverlongPattern(t *testing.T) {
	t.Parallel()
	obs := observationWithLines([]string{"x"}, terminal.Cursor{})
	longPattern := strings.Repeat("a", MaxRegexPatternLen+1)

	result := Evaluate(obs, assertionWith(t, "regex_match", map[string]any{"pattern": longPattern}), nil)
	if result.Passed {
		t.Fatal("expected failure for overlong pattern")
	}
	if result.Context["max_length"] != MaxRegexPatternLen {
		t.Errorf("expected max_length in context, got %+v", result.Context)
	}
}

func TestLineEqualsOutOfBounds(t *testing.T) {
	t.Parallel()
	obs := observationWithLines([]string{"only line"}, terminal.Cursor{})

	result := Evaluate(obs, assertionWith(t, "line_equals", map[string]any{"line": 5, "text": "x"}), nil)
	if result.Passed {
		t.Fatal("expected failure for out-of-bounds line")
	}
}

func TestCursorAtAndVisibility(t *testing.T) {
	t.Parallel()
	obs := observationWithLines([]string{"x"}, terminal.Cursor{Row: 2, Col: 3, Visible: true})

	if !Evaluate(obs, assertionWith(t, "cursor_at", map[string]any{"row": 2, "col": 3}), nil).Passed {
		t.Error("expected cursor_at to pass")
	}
	if !Evaluate(obs, assertionWith(t, "cursor_visible", nil), nil).Passed {
		t.Error("expected cursor_visible to pass")
	}
	if Evaluate(obs, assertionWith(t, "cursor_hidden", nil), nil).Passed {
		t.Error("expected cursor_hidden to fail")
	}
}

func TestScreenEmpty(t *testing.T) {
	t.Parallel()
	obs := observationWithLines([]string{"   ", ""}, terminal.Cursor{})
	if !Evaluate(obs, assertionWith(t, "screen_empty", nil), nil).Passed {
		t.Error("expected screen_empty to pass for blank lines")
	}
}

func TestProcessExited(t *testing.T) {
	t.Parallel()
	obs := observationWithLines([]string{""}, terminal.Cursor{})
	code := 0
	exit := &session.ExitStatus{Success: true, ExitCode: &code}

	if !Evaluate(obs, assertionWith(t, "process_exited", map[string]any{"code": 0}), exit).Passed {
		t.Error("expected process_exited to pass when codes match")
	}
	if Evaluate(obs, assertionWith(t, "process_exited", nil), nil).Passed {
		t.Error("expected process_exited to fail when there is no exit status")
	}
}
