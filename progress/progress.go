// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package progress implements the runner's optional progress-callback
// interface as a human-readable, colorized status line on stderr,
// entirely independent of stdout's JSON/NDJSON stream. It never touches
// stdout, so `conductor run --verbose | jq` keeps working.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/opsconductor/conductor/lib/clock"
	"github.com/opsconductor/conductor/runner"
)

// NoopProgress discards every event. It is the default when --verbose
// is not passed.
type NoopProgress struct{}

// OnProgress implements runner.Progress.
func (NoopProgress) OnProgress(runner.ProgressEvent) {}

var (
	stylePassed = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	styleFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleSkip   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleName   = lipgloss.NewStyle().Bold(true)
)

// glyph reports the step-completion marker for one status: a checkmark
// for passed, a cross for failed, a bang for errored, a dash for
// skipped. Matches the shapes bubbles/spinner's own frame sets use for
// terminal-safe single-rune indicators.
func glyph(status runner.StepStatus) (string, lipgloss.Style) {
	switch status {
	case runner.StepPassed:
		return "✓", stylePassed
	case runner.StepFailed:
		return "✗", styleFailed
	case runner.StepSkipped:
		return "–", styleSkip
	default:
		return "!", styleFailed
	}
}

// Reporter drives a spinner.Dot frame sequence on stderr while a step is
// running, then overwrites the line with a completion glyph and elapsed
// duration once the step finishes. Color is gated on termenv's
// color-profile/TTY detection: writing to a pipe or a dumb terminal
// degrades to plain ASCII with no escape sequences.
type Reporter struct {
	out    io.Writer
	clock  clock.Clock
	color  bool
	frames []string

	mu          sync.Mutex
	spinnerStop chan struct{}
	spinnerDone chan struct{}
}

// New builds a Reporter writing to out. profile is normally
// termenv.NewOutput(out).ColorProfile(); callers in tests can pass
// termenv.Ascii to force plain output deterministically.
func New(out io.Writer, profile termenv.Profile) *Reporter {
	return &Reporter{
		out:    out,
		clock:  clock.Real(),
		color:  profile != termenv.Ascii,
		frames: spinner.Dot.Frames,
	}
}

// OnProgress implements runner.Progress.
func (r *Reporter) OnProgress(event runner.ProgressEvent) {
	switch event.Kind {
	case "run_started":
		fmt.Fprintf(r.out, "%s %d step(s)\n", styleDim.Render("run started"), event.TotalSteps)

	case "step_started":
		r.startSpinner(event.Name)

	case "step_completed":
		r.stopSpinner()
		glyphChar, style := glyph(event.Status)
		fmt.Fprintf(r.out, "%s %s %s\n",
			style.Render(glyphChar),
			styleName.Render(event.Name),
			styleDim.Render(fmt.Sprintf("(%dms)", event.DurationMs)))

	case "run_completed":
		r.stopSpinner()
		style := stylePassed
		label := "passed"
		if !event.Success {
			style = styleFailed
			label = "failed"
		}
		fmt.Fprintf(r.out, "%s %s\n", style.Render(label), styleDim.Render(fmt.Sprintf("(%dms)", event.DurationMs)))
	}
}

// startSpinner begins overwriting the current stderr line with an
// advancing spinner frame plus name until stopSpinner is called. A
// no-color Reporter prints the step name once instead of animating.
func (r *Reporter) startSpinner(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.color {
		fmt.Fprintf(r.out, "%s %s\n", styleDim.Render("running"), name)
		return
	}

	r.spinnerStop = make(chan struct{})
	r.spinnerDone = make(chan struct{})
	ticker := r.clock.NewTicker(100 * time.Millisecond)

	go func() {
		defer close(r.spinnerDone)
		defer ticker.Stop()
		frame := 0
		for {
			select {
			case <-r.spinnerStop:
				fmt.Fprint(r.out, "\r\033[K")
				return
			case <-ticker.C:
				fmt.Fprintf(r.out, "\r%s %s", r.frames[frame%len(r.frames)], name)
				frame++
			}
		}
	}()
}

func (r *Reporter) stopSpinner() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.spinnerStop == nil {
		return
	}
	close(r.spinnerStop)
	<-r.spinnerDone
	r.spinnerStop = nil
	r.spinnerDone = nil
}
