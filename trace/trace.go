// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package trace renders an artifacts bundle into one self-contained HTML
// file for interactive human review: a step list, a keyboard-navigable
// per-step terminal snapshot, and the raw transcript. It performs no
// parsing of VT/ANSI sequences itself — it only re-renders the already
// canonical terminal.ScreenSnapshot cells and lines a run's snapshots/
// directory already contains, so it stays a pure consumer of the
// artifacts a run already wrote rather than a second terminal engine.
package trace

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/runner"
	"github.com/opsconductor/conductor/terminal"
)

// snapshotFrame is one entry in the viewer's client-side snapshot list.
type snapshotFrame struct {
	Index int    `json:"index"`
	Label string `json:"label"`
	HTML  string `json:"html"`
}

// stepView is the sidebar's per-step projection of a runner.StepResult,
// with duration computed since StepResult itself carries only the raw
// started/ended timestamps.
type stepView struct {
	Name       string
	Status     runner.StepStatus
	DurationMs int64
}

// Render reads run.json and the numbered snapshot files from dir and
// writes a single HTML document to outputPath.
func Render(dir, outputPath string) *conderr.Error {
	var result runner.RunResult
	if err := readJSON(filepath.Join(dir, "run.json"), &result); err != nil {
		return conderr.New(conderr.CodeIO, "failed to read run.json").WithCause(err)
	}

	frames, cerr := loadFrames(filepath.Join(dir, "snapshots"))
	if cerr != nil {
		return cerr
	}

	transcript, err := os.ReadFile(filepath.Join(dir, "transcript.log"))
	if err != nil {
		return conderr.New(conderr.CodeIO, "failed to read transcript.log").WithCause(err)
	}

	framesJSON, err := json.Marshal(frames)
	if err != nil {
		return conderr.New(conderr.CodeInternal, "failed to encode snapshot frames").WithCause(err)
	}

	steps := make([]stepView, 0, len(result.Steps))
	for _, step := range result.Steps {
		steps = append(steps, stepView{
			Name:       step.Name,
			Status:     step.Status,
			DurationMs: step.EndedAtMs - step.StartedAtMs,
		})
	}

	data := struct {
		Command    string
		Args       string
		Status     runner.RunStatus
		Steps      []stepView
		FramesJSON template.JS
		Transcript string
	}{
		Command:    result.Command,
		Args:       strings.Join(result.Args, " "),
		Status:     result.Status,
		Steps:      steps,
		FramesJSON: template.JS(framesJSON),
		Transcript: string(transcript),
	}

	tpl, err := template.New("trace").Parse(pageTemplate)
	if err != nil {
		return conderr.New(conderr.CodeInternal, "failed to parse trace template").WithCause(err)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return conderr.New(conderr.CodeIO, "failed to create trace output file").WithCause(err)
	}
	defer out.Close()

	if err := tpl.Execute(out, data); err != nil {
		return conderr.New(conderr.CodeInternal, "failed to render trace document").WithCause(err)
	}
	return nil
}

// loadFrames reads every numbered snapshot file in dir in capture order
// and renders each into a pre-formatted HTML fragment: from Cells when
// present (carrying per-cell style), from Lines otherwise.
func loadFrames(dir string) ([]snapshotFrame, *conderr.Error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, conderr.New(conderr.CodeIO, "failed to read snapshots directory").WithCause(err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	frames := make([]snapshotFrame, 0, len(names))
	for i, name := range names {
		var snapshot terminal.ScreenSnapshot
		if err := readJSON(filepath.Join(dir, name), &snapshot); err != nil {
			return nil, conderr.New(conderr.CodeIO, "failed to read snapshot").WithContext("file", name).WithCause(err)
		}
		frames = append(frames, snapshotFrame{
			Index: i,
			Label: fmt.Sprintf("%s (%dx%d)", strings.TrimSuffix(name, ".json"), snapshot.Cols, snapshot.Rows),
			HTML:  renderSnapshot(snapshot),
		})
	}
	return frames, nil
}

// renderSnapshot turns one canonical snapshot into an HTML fragment: a
// <pre> of styled <span> runs from Cells when present, or plain
// HTML-escaped lines otherwise.
func renderSnapshot(snapshot terminal.ScreenSnapshot) string {
	var b strings.Builder
	b.WriteString(`<pre class="screen">`)
	if len(snapshot.Cells) > 0 {
		for _, row := range snapshot.Cells {
			for _, c := range row {
				if c.Ch == "" {
					continue
				}
				style := cellStyle(c.Style)
				if style != "" {
					fmt.Fprintf(&b, `<span style="%s">%s</span>`, style, template.HTMLEscapeString(c.Ch))
				} else {
					b.WriteString(template.HTMLEscapeString(c.Ch))
				}
			}
			b.WriteString("\n")
		}
	} else {
		for _, line := range snapshot.Lines {
			b.WriteString(template.HTMLEscapeString(line))
			b.WriteString("\n")
		}
	}
	b.WriteString(`</pre>`)
	return b.String()
}

func cellStyle(s terminal.Style) string {
	var parts []string
	if fg := colorCSS(s.Fg); fg != "" {
		parts = append(parts, "color:"+fg)
	}
	if bg := colorCSS(s.Bg); bg != "" {
		parts = append(parts, "background-color:"+bg)
	}
	if s.Bold {
		parts = append(parts, "font-weight:bold")
	}
	if s.Italic {
		parts = append(parts, "font-style:italic")
	}
	if s.Underline {
		parts = append(parts, "text-decoration:underline")
	}
	return strings.Join(parts, ";")
}

func colorCSS(c terminal.Color) string {
	switch c.Kind {
	case terminal.ColorRGB:
		return fmt.Sprintf("rgb(%d,%d,%d)", c.R, c.G, c.B)
	case terminal.ColorAnsi16, terminal.ColorAnsi256:
		return fmt.Sprintf("var(--ansi-%d)", c.N)
	default:
		return ""
	}
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

const pageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>conductor trace: {{.Command}} {{.Args}}</title>
<style>
body { font-family: -apple-system, sans-serif; background: #1e1e1e; color: #ddd; margin: 0; display: flex; height: 100vh; }
.sidebar { width: 320px; overflow-y: auto; border-right: 1px solid #444; padding: 8px; box-sizing: border-box; }
.main { flex: 1; display: flex; flex-direction: column; overflow: hidden; }
.step { padding: 6px 8px; cursor: default; border-radius: 4px; }
.step.passed { color: #6a6; }
.step.failed { color: #d66; }
.step.skipped { color: #888; }
.header { padding: 8px 12px; border-bottom: 1px solid #444; }
.screen { flex: 1; margin: 0; padding: 12px; overflow: auto; background: #000; white-space: pre; font-family: monospace; }
.transcript { height: 200px; overflow-y: auto; background: #111; padding: 8px 12px; white-space: pre-wrap; font-family: monospace; font-size: 12px; border-top: 1px solid #444; }
.nav { padding: 8px 12px; color: #888; font-size: 12px; }
</style>
</head>
<body>
<div class="sidebar">
<div class="header"><strong>{{.Command}} {{.Args}}</strong><br>status: {{.Status}}</div>
{{range .Steps}}<div class="step {{.Status}}">{{.Name}} ({{.DurationMs}}ms)</div>{{end}}
</div>
<div class="main">
<div class="nav">snapshot <span id="frame-index"></span> / <span id="frame-count"></span> — use Left/Right or h/l to navigate</div>
<div id="screen-container"></div>
<div class="transcript">{{.Transcript}}</div>
</div>
<script>
const frames = {{.FramesJSON}};
let current = 0;
const container = document.getElementById("screen-container");
const indexEl = document.getElementById("frame-index");
const countEl = document.getElementById("frame-count");
countEl.textContent = frames.length;
function render() {
  if (frames.length === 0) { container.innerHTML = "<p>no snapshots</p>"; return; }
  container.innerHTML = frames[current].html;
  indexEl.textContent = current + 1;
}
document.addEventListener("keydown", (event) => {
  if (event.key === "ArrowRight" || event.key === "l") {
    current = Math.min(current + 1, frames.length - 1);
    render();
  } else if (event.key === "ArrowLeft" || event.key === "h") {
    current = Math.max(current - 1, 0);
    render();
  }
});
render();
</script>
</body>
</html>
`
