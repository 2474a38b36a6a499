// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"strings"
	"testing"
)

func TestPlainTextAndNewline(t *testing.T) {
	t.Parallel()
	e := New(TerminalSize{Rows: 3, Cols: 10})
	e.ProcessBytes([]byte("hello\r\nworld"))

	snap := e.Snapshot()
	if !strings.HasPrefix(snap.Lines[0], "hello") {
		t.Errorf("line 0 = %q", snap.Lines[0])
	}
	if !strings.HasPrefix(snap.Lines[1], "world") {
		t.Errorf("line 1 = %q", snap.Lines[1])
	}
	if snap.Cursor.Row != 1 || snap.Cursor.Col != 5 {
		t.Errorf("cursor = %+v", snap.Cursor)
	}
}

func TestCarriageReturnOverwrite(t *testing.T) {
	t.Parallel()
	e := New(TerminalSize{Rows: 1, Cols: 10})
	e.ProcessBytes([]byte("abcde\rXY"))

	snap := e.Snapshot()
	if !strings.HasPrefix(snap.Lines[0], "XYcde") {
		t.Errorf("line 0 = %q", snap.Lines[0])
	}
}

func TestCursorMovementCSI(t *testing.T) {
	t.Parallel()
	e := New(TerminalSize{Rows: 5, Cols: 10})
	e.ProcessBytes([]byte("\x1b[3;4H"))

	snap := e.Snapshot()
	if snap.Cursor.Row != 2 || snap.Cursor.Col != 3 {
		t.Errorf("cursor = %+v, want row=2 col=3", snap.Cursor)
	}
}

func TestCursorVisibilityToggle(t *testing.T) {
	t.Parallel()
	e := New(TerminalSize{Rows: 5, Cols: 10})
	e.ProcessBytes([]byte("\x1b[?25l"))
	if e.Snapshot().Cursor.Visible {
		t.Error("expected cursor hidden after CSI ?25l")
	}
	e.ProcessBytes([]byte("\x1b[?25h"))
	if !e.Snapshot().Cursor.Visible {
		t.Error("expected cursor visible after CSI ?25h")
	}
}

func TestAlternateScreenSwap(t *testing.T) {
	t.Parallel()
	e := New(TerminalSize{Rows: 2, Cols: 10})
	e.ProcessBytes([]byte("primary"))
	e.ProcessBytes([]byte("\x1b[?1049h"))
	if !e.Snapshot().AlternateScreen {
		t.Fatal("expected alternate_screen true after ?1049h")
	}
	e.ProcessBytes([]byte("alt-text"))
	altSnap := e.Snapshot()
	if !strings.HasPrefix(altSnap.Lines[0], "alt-text") {
		t.Errorf("alt screen line = %q", altSnap.Lines[0])
	}

	e.ProcessBytes([]byte("\x1b[?1049l"))
	primarySnap := e.Snapshot()
	if primarySnap.AlternateScreen {
		t.Error("expected alternate_screen false after ?1049l")
	}
	if !strings.HasPrefix(primarySnap.Lines[0], "primary") {
		t.Errorf("primary screen should be preserved, got %q", primarySnap.Lines[0])
	}
}

func TestSnapshotIsSideEffectFree(t *testing.T) {
	t.Parallel()
	e := New(TerminalSize{Rows: 3, Cols: 10})
	e.ProcessBytes([]byte("stable"))

	first := e.Snapshot()
	second := e.Snapshot()

	first.SnapshotID = second.SnapshotID
	if fmtSnapshot(first) != fmtSnapshot(second) {
		t.Errorf("snapshots differ beyond snapshot id:\n%+v\n%+v", first, second)
	}
}

func fmtSnapshot(s ScreenSnapshot) string {
	return strings.Join(s.Lines, "\n")
}

func TestSGRStyleTracking(t *testing.T) {
	t.Parallel()
	e := New(TerminalSize{Rows: 1, Cols: 10})
	e.ProcessBytes([]byte("\x1b[1;31mRED\x1b[0m"))

	snap := e.SnapshotWithCells(true)
	if !snap.Cells[0][0].Style.Bold {
		t.Error("expected bold style on first cell")
	}
	if snap.Cells[0][0].Style.Fg.Kind != ColorAnsi16 || snap.Cells[0][0].Style.Fg.N != 1 {
		t.Errorf("expected ansi16 red fg, got %+v", snap.Cells[0][0].Style.Fg)
	}
	if snap.Cells[0][3].Style.Bold {
		t.Error("style should have reset after SGR 0")
	}
}

func TestSplitEscapeSequenceAcrossCalls(t *testing.T) {
	t.Parallel()
	e := New(TerminalSize{Rows: 3, Cols: 10})
	e.ProcessBytes([]byte("\x1b[1"))
	e.ProcessBytes([]byte(";5H"))

	snap := e.Snapshot()
	if snap.Cursor.Row != 0 || snap.Cursor.Col != 4 {
		t.Errorf("split CSI sequence not resumed correctly: %+v", snap.Cursor)
	}
}

func TestSplitUTF8AcrossCalls(t *testing.T) {
	t.Parallel()
	e := New(TerminalSize{Rows: 1, Cols: 10})
	euro := "€" // 3-byte UTF-8 sequence
	e.ProcessBytes([]byte(euro)[:2])
	e.ProcessBytes([]byte(euro)[2:])

	snap := e.Snapshot()
	if !strings.HasPrefix(snap.Lines[0], euro) {
		t.Errorf("split UTF-8 sequence not resumed correctly, got %q", snap.Lines[0])
	}
}

func TestScrollOnLineFeedAtLastRow(t *testing.T) {
	t.Parallel()
	e := New(TerminalSize{Rows: 2, Cols: 10})
	e.ProcessBytes([]byte("one\r\ntwo\r\nthree"))

	snap := e.Snapshot()
	if !strings.HasPrefix(snap.Lines[0], "two") {
		t.Errorf("expected scroll, line 0 = %q", snap.Lines[0])
	}
	if !strings.HasPrefix(snap.Lines[1], "three") {
		t.Errorf("expected scroll, line 1 = %q", snap.Lines[1])
	}
}
