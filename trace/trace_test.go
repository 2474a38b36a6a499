// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opsconductor/conductor/runner"
	"github.com/opsconductor/conductor/terminal"
)

func writeJSONFile(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func buildBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	snapshotsDir := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snapshotsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	writeJSONFile(t, filepath.Join(dir, "run.json"), runner.RunResult{
		Command: "/bin/echo",
		Args:    []string{"hi"},
		Status:  runner.RunPassed,
		Steps: []runner.StepResult{
			{Name: "type-hi", Status: runner.StepPassed},
		},
	})

	writeJSONFile(t, filepath.Join(snapshotsDir, "0000.json"), terminal.ScreenSnapshot{
		Rows:  2,
		Cols:  10,
		Lines: []string{"hi", ""},
	})
	writeJSONFile(t, filepath.Join(snapshotsDir, "0001.json"), terminal.ScreenSnapshot{
		Rows: 2,
		Cols: 10,
		Cells: [][]terminal.Cell{
			{
				{Ch: "h", Width: 1, Style: terminal.Style{Bold: true, Fg: terminal.Color{Kind: terminal.ColorRGB, R: 10, G: 20, B: 30}}},
				{Ch: "i", Width: 1},
			},
			{},
		},
	})

	if err := os.WriteFile(filepath.Join(dir, "transcript.log"), []byte("hi\r\n"), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return dir
}

func TestRenderProducesSelfContainedHTML(t *testing.T) {
	dir := buildBundle(t)
	outputPath := filepath.Join(dir, "trace.html")

	if cerr := Render(dir, outputPath); cerr != nil {
		t.Fatalf("Render: %v", cerr)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	html := string(data)

	for _, want := range []string{
		"<!DOCTYPE html>",
		"/bin/echo hi",
		"type-hi",
		"rgb(10,20,30)",
		"font-weight:bold",
		"hi",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestColorCSSCoversEveryColorKind(t *testing.T) {
	cases := []struct {
		name string
		c    terminal.Color
		want string
	}{
		{"default", terminal.Color{Kind: terminal.ColorDefault}, ""},
		{"ansi16", terminal.Color{Kind: terminal.ColorAnsi16, N: 3}, "var(--ansi-3)"},
		{"ansi256", terminal.Color{Kind: terminal.ColorAnsi256, N: 200}, "var(--ansi-200)"},
		{"rgb", terminal.Color{Kind: terminal.ColorRGB, R: 1, G: 2, B: 3}, "rgb(1,2,3)"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := colorCSS(c.c); got != c.want {
				t.Errorf("colorCSS(%+v) = %q, want %q", c.c, got, c.want)
			}
		})
	}
}
