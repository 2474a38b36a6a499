// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal implements a VT/ANSI state machine: bytes from a PTY
// go in, a canonical ScreenSnapshot comes out. There is no host terminal
// emulator dependency behind this package — the byte-stream dispatch
// table below is a direct, hand-built analogue of the full-emulator
// library the reference implementation wraps, since no equivalent
// library exists in this module's dependency graph. Display-width
// accounting for completed lines uses charmbracelet/x/ansi; grapheme
// segmentation of printable text uses rivo/uniseg.
package terminal

import (
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"github.com/rivo/uniseg"

	"github.com/opsconductor/conductor/identity"
)

// TerminalSize is a terminal's dimensions in character cells.
type TerminalSize struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// DefaultSize is the size a session starts with absent an explicit one.
func DefaultSize() TerminalSize { return TerminalSize{Rows: 24, Cols: 80} }

// Cursor is the cursor's position and visibility, 0-based.
type Cursor struct {
	Row     uint16 `json:"row"`
	Col     uint16 `json:"col"`
	Visible bool   `json:"visible"`
}

// ColorKind discriminates a Color's representation.
type ColorKind string

const (
	ColorDefault ColorKind = "default"
	ColorAnsi16  ColorKind = "ansi16"
	ColorAnsi256 ColorKind = "ansi256"
	ColorRGB     ColorKind = "rgb"
)

// Color is a terminal foreground or background color in one of four forms.
type Color struct {
	Kind ColorKind `json:"kind"`
	N    uint8     `json:"n,omitempty"`
	R    uint8     `json:"r,omitempty"`
	G    uint8     `json:"g,omitempty"`
	B    uint8     `json:"b,omitempty"`
}

// DefaultColor is the unset/inherited color.
var DefaultColor = Color{Kind: ColorDefault}

// Style is the SGR attributes in effect for one cell.
type Style struct {
	Fg        Color `json:"fg"`
	Bg        Color `json:"bg"`
	Bold      bool  `json:"bold"`
	Italic    bool  `json:"italic"`
	Underline bool  `json:"underline"`
	Inverse   bool  `json:"inverse"`
}

// Cell is one grapheme cluster plus the style it was written with. Width
// is 2 for the leading cell of a wide character; the trailing
// continuation cell of a wide character is never emitted.
type Cell struct {
	Ch    string `json:"ch"`
	Width uint8  `json:"width"`
	Style Style  `json:"style"`
}

const SnapshotVersion = 1

// ScreenSnapshot is an immutable, canonical view of terminal state at one
// instant. Two captures with no intervening input differ only in
// SnapshotID.
type ScreenSnapshot struct {
	SnapshotVersion uint32              `json:"snapshot_version"`
	SnapshotID      identity.SnapshotID `json:"snapshot_id"`
	Rows            uint16              `json:"rows"`
	Cols            uint16              `json:"cols"`
	Cursor          Cursor              `json:"cursor"`
	AlternateScreen bool                `json:"alternate_screen"`
	Lines           []string            `json:"lines"`
	Cells           [][]Cell            `json:"cells,omitempty"`
}

// Event is a side-channel notice emitted while processing bytes, distinct
// from the screen content itself (e.g. an unsupported glyph).
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type cell struct {
	ch    string
	width int
	style Style
}

func blankCell() cell { return cell{ch: " ", width: 1} }

func blankRow(cols int) []cell {
	row := make([]cell, cols)
	for i := range row {
		row[i] = blankCell()
	}
	return row
}

type parseState int

const (
	stateGround parseState = iota
	stateEscape
	stateCSI
	stateOSC
	stateOSCEscape
)

// Engine is the per-session VT state machine. It is not safe for
// concurrent use; the session that owns a PTY also owns exactly one
// Engine, matching the single-owner terminal-state rule.
type Engine struct {
	size TerminalSize

	primary   [][]cell
	alternate [][]cell
	alt       bool

	cursorRow, cursorCol int
	cursorVisible        bool
	savedRow, savedCol   int

	style Style

	state         parseState
	csiPrivate    bool
	csiParams     []int
	csiParamOpen  bool
	csiIntermed   byte
	oscBuf        []byte
	pendingUTF8   []byte

	pendingEvents []Event
}

// New creates an Engine sized to size, cursor visible, primary screen.
func New(size TerminalSize) *Engine {
	if size.Rows == 0 {
		size.Rows = 24
	}
	if size.Cols == 0 {
		size.Cols = 80
	}
	e := &Engine{size: size, cursorVisible: true}
	e.primary = make([][]cell, size.Rows)
	e.alternate = make([][]cell, size.Rows)
	for i := range e.primary {
		e.primary[i] = blankRow(int(size.Cols))
		e.alternate[i] = blankRow(int(size.Cols))
	}
	return e
}

// Resize changes the grid dimensions, preserving existing content
// top-left-anchored and truncating or padding as needed.
func (e *Engine) Resize(size TerminalSize) {
	if size.Rows == 0 {
		size.Rows = e.size.Rows
	}
	if size.Cols == 0 {
		size.Cols = e.size.Cols
	}
	e.primary = resizeGrid(e.primary, int(size.Rows), int(size.Cols))
	e.alternate = resizeGrid(e.alternate, int(size.Rows), int(size.Cols))
	e.size = size
	if e.cursorRow >= int(size.Rows) {
		e.cursorRow = int(size.Rows) - 1
	}
	if e.cursorCol >= int(size.Cols) {
		e.cursorCol = int(size.Cols) - 1
	}
}

func resizeGrid(grid [][]cell, rows, cols int) [][]cell {
	next := make([][]cell, rows)
	for r := 0; r < rows; r++ {
		next[r] = blankRow(cols)
		if r < len(grid) {
			copy(next[r], grid[r])
		}
	}
	return next
}

func (e *Engine) grid() [][]cell {
	if e.alt {
		return e.alternate
	}
	return e.primary
}

// ProcessBytes feeds PTY output into the state machine. Sequence decoding
// persists across calls: a CSI/OSC sequence or a multi-byte UTF-8
// sequence split across two reads resumes correctly on the next call.
// Returns any events raised while processing (e.g. unsupported_glyph).
func (e *Engine) ProcessBytes(data []byte) []Event {
	if len(e.pendingUTF8) > 0 {
		data = append(append([]byte{}, e.pendingUTF8...), data...)
		e.pendingUTF8 = nil
	}

	i := 0
	for i < len(data) {
		b := data[i]

		switch e.state {
		case stateGround:
			if b == 0x1b {
				e.state = stateEscape
				i++
				continue
			}
			if b < 0x20 || b == 0x7f {
				e.controlChar(b)
				i++
				continue
			}
			if b < 0x80 {
				e.printRune(string(b))
				i++
				continue
			}
			// Multi-byte UTF-8: find the full rune, buffering a partial tail.
			r, size := utf8.DecodeRune(data[i:])
			if r == utf8.RuneError && size <= 1 {
				if !utf8.FullRune(data[i:]) {
					e.pendingUTF8 = append([]byte{}, data[i:]...)
					return e.drainEvents()
				}
				e.pendingEvents = append(e.pendingEvents, Event{Type: "unsupported_glyph", Message: "invalid UTF-8 byte"})
				e.printRune("�")
				i++
				continue
			}
			cluster, rest, width, _ := uniseg.FirstGraphemeClusterInString(string(data[i:]), -1)
			_ = rest
			e.printRune(cluster)
			if width == 0 {
				width = 1
			}
			e.advanceCellsFor(cluster, width)
			i += len(cluster)
			continue

		case stateEscape:
			i++
			switch b {
			case '[':
				e.state = stateCSI
				e.csiPrivate = false
				e.csiParams = nil
				e.csiParamOpen = false
				e.csiIntermed = 0
			case ']':
				e.state = stateOSC
				e.oscBuf = nil
			case '7':
				e.savedRow, e.savedCol = e.cursorRow, e.cursorCol
				e.state = stateGround
			case '8':
				e.cursorRow, e.cursorCol = e.savedRow, e.savedCol
				e.state = stateGround
			default:
				// Single-character escape (charset select, etc.): no state change.
				e.state = stateGround
			}

		case stateCSI:
			i++
			switch {
			case b == '?' && len(e.csiParams) == 0 && !e.csiParamOpen:
				e.csiPrivate = true
			case b >= '0' && b <= '9':
				if !e.csiParamOpen {
					e.csiParams = append(e.csiParams, 0)
					e.csiParamOpen = true
				}
				last := len(e.csiParams) - 1
				e.csiParams[last] = e.csiParams[last]*10 + int(b-'0')
			case b == ';':
				if !e.csiParamOpen {
					e.csiParams = append(e.csiParams, 0)
				}
				e.csiParamOpen = false
			case b >= 0x20 && b <= 0x2f:
				e.csiIntermed = b
			case b >= 0x40 && b <= 0x7e:
				e.dispatchCSI(b)
				e.state = stateGround
			default:
				e.state = stateGround
			}

		case stateOSC:
			i++
			switch b {
			case 0x07:
				e.state = stateGround
			case 0x1b:
				e.state = stateOSCEscape
			default:
				e.oscBuf = append(e.oscBuf, b)
			}

		case stateOSCEscape:
			i++
			if b == '\\' {
				e.state = stateGround
			} else {
				e.state = stateOSC
			}
		}
	}
	return e.drainEvents()
}

func (e *Engine) drainEvents() []Event {
	events := e.pendingEvents
	e.pendingEvents = nil
	return events
}

func (e *Engine) controlChar(b byte) {
	switch b {
	case '\r':
		e.cursorCol = 0
	case '\n':
		e.lineFeed()
	case '\b':
		if e.cursorCol > 0 {
			e.cursorCol--
		}
	case '\t':
		next := (e.cursorCol/8 + 1) * 8
		if next >= int(e.size.Cols) {
			next = int(e.size.Cols) - 1
		}
		e.cursorCol = next
	case 0x07:
		// bell: no screen effect
	}
}

func (e *Engine) lineFeed() {
	grid := e.grid()
	if e.cursorRow == int(e.size.Rows)-1 {
		copy(grid, grid[1:])
		grid[len(grid)-1] = blankRow(int(e.size.Cols))
	} else {
		e.cursorRow++
	}
}

func (e *Engine) printRune(s string) {
	width := uniseg.StringWidth(s)
	if width <= 0 {
		width = 1
	}
	e.advanceCellsFor(s, width)
}

func (e *Engine) advanceCellsFor(s string, width int) {
	if e.cursorCol+width > int(e.size.Cols) {
		e.cursorCol = 0
		e.lineFeed()
	}
	grid := e.grid()
	row := grid[e.cursorRow]
	row[e.cursorCol] = cell{ch: s, width: width, style: e.style}
	for k := 1; k < width && e.cursorCol+k < len(row); k++ {
		row[e.cursorCol+k] = cell{ch: "", width: 0, style: e.style}
	}
	e.cursorCol += width
	if e.cursorCol >= int(e.size.Cols) {
		e.cursorCol = int(e.size.Cols) - 1
	}
}

func (e *Engine) dispatchCSI(final byte) {
	p := func(i, def int) int {
		if i < len(e.csiParams) && e.csiParams[i] != 0 {
			return e.csiParams[i]
		}
		if i < len(e.csiParams) {
			return def
		}
		return def
	}

	switch final {
	case 'A':
		e.cursorRow = clamp(e.cursorRow-p(0, 1), 0, int(e.size.Rows)-1)
	case 'B':
		e.cursorRow = clamp(e.cursorRow+p(0, 1), 0, int(e.size.Rows)-1)
	case 'C':
		e.cursorCol = clamp(e.cursorCol+p(0, 1), 0, int(e.size.Cols)-1)
	case 'D':
		e.cursorCol = clamp(e.cursorCol-p(0, 1), 0, int(e.size.Cols)-1)
	case 'H', 'f':
		row := p(0, 1) - 1
		col := p(1, 1) - 1
		e.cursorRow = clamp(row, 0, int(e.size.Rows)-1)
		e.cursorCol = clamp(col, 0, int(e.size.Cols)-1)
	case 'J':
		e.eraseDisplay(p(0, 0))
	case 'K':
		e.eraseLine(p(0, 0))
	case 'm':
		e.applySGR()
	case 'h', 'l':
		if e.csiPrivate {
			e.applyDECSET(final == 'h')
		}
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *Engine) eraseDisplay(mode int) {
	grid := e.grid()
	switch mode {
	case 0:
		e.eraseLine(0)
		for r := e.cursorRow + 1; r < len(grid); r++ {
			grid[r] = blankRow(int(e.size.Cols))
		}
	case 1:
		for r := 0; r < e.cursorRow; r++ {
			grid[r] = blankRow(int(e.size.Cols))
		}
		savedCol := e.cursorCol
		e.cursorCol = 0
		e.eraseLine(0)
		e.cursorCol = savedCol
	case 2, 3:
		for r := range grid {
			grid[r] = blankRow(int(e.size.Cols))
		}
	}
}

func (e *Engine) eraseLine(mode int) {
	grid := e.grid()
	row := grid[e.cursorRow]
	switch mode {
	case 0:
		for c := e.cursorCol; c < len(row); c++ {
			row[c] = blankCell()
		}
	case 1:
		for c := 0; c <= e.cursorCol && c < len(row); c++ {
			row[c] = blankCell()
		}
	case 2:
		for c := range row {
			row[c] = blankCell()
		}
	}
}

func (e *Engine) applyDECSET(set bool) {
	for _, param := range e.csiParams {
		switch param {
		case 25:
			e.cursorVisible = set
		case 1049, 47, 1047:
			if set && !e.alt {
				e.alternate = make([][]cell, e.size.Rows)
				for i := range e.alternate {
					e.alternate[i] = blankRow(int(e.size.Cols))
				}
				e.savedRow, e.savedCol = e.cursorRow, e.cursorCol
				e.cursorRow, e.cursorCol = 0, 0
				e.alt = true
			} else if !set && e.alt {
				e.alt = false
				e.cursorRow, e.cursorCol = e.savedRow, e.savedCol
			}
		}
	}
}

func (e *Engine) applySGR() {
	if len(e.csiParams) == 0 {
		e.style = Style{}
		return
	}
	params := e.csiParams
	for i := 0; i < len(params); i++ {
		n := params[i]
		switch {
		case n == 0:
			e.style = Style{}
		case n == 1:
			e.style.Bold = true
		case n == 3:
			e.style.Italic = true
		case n == 4:
			e.style.Underline = true
		case n == 7:
			e.style.Inverse = true
		case n == 22:
			e.style.Bold = false
		case n == 23:
			e.style.Italic = false
		case n == 24:
			e.style.Underline = false
		case n == 27:
			e.style.Inverse = false
		case n >= 30 && n <= 37:
			e.style.Fg = Color{Kind: ColorAnsi16, N: uint8(n - 30)}
		case n == 38:
			color, consumed := e.extendedColor(params[i+1:])
			e.style.Fg = color
			i += consumed
		case n == 39:
			e.style.Fg = DefaultColor
		case n >= 40 && n <= 47:
			e.style.Bg = Color{Kind: ColorAnsi16, N: uint8(n - 40)}
		case n == 48:
			color, consumed := e.extendedColor(params[i+1:])
			e.style.Bg = color
			i += consumed
		case n == 49:
			e.style.Bg = DefaultColor
		case n >= 90 && n <= 97:
			e.style.Fg = Color{Kind: ColorAnsi16, N: uint8(n - 90 + 8)}
		case n >= 100 && n <= 107:
			e.style.Bg = Color{Kind: ColorAnsi16, N: uint8(n - 100 + 8)}
		}
	}
}

func (e *Engine) extendedColor(rest []int) (Color, int) {
	if len(rest) == 0 {
		return DefaultColor, 0
	}
	switch rest[0] {
	case 5:
		if len(rest) >= 2 {
			return Color{Kind: ColorAnsi256, N: uint8(rest[1])}, 2
		}
	case 2:
		if len(rest) >= 4 {
			return Color{Kind: ColorRGB, R: uint8(rest[1]), G: uint8(rest[2]), B: uint8(rest[3])}, 4
		}
	}
	return DefaultColor, len(rest)
}

// Snapshot captures the current screen state without cell detail.
func (e *Engine) Snapshot() ScreenSnapshot {
	return e.SnapshotWithCells(false)
}

// SnapshotWithCells captures the current screen state, including the
// per-cell grapheme/style grid when includeCells is true. Capture is
// side-effect-free: two captures with no intervening ProcessBytes call
// differ only in SnapshotID.
func (e *Engine) SnapshotWithCells(includeCells bool) ScreenSnapshot {
	grid := e.grid()
	lines := make([]string, len(grid))
	var cellsOut [][]Cell
	if includeCells {
		cellsOut = make([][]Cell, len(grid))
	}
	for r, row := range grid {
		var b []byte
		var cellRow []Cell
		for _, c := range row {
			if c.width == 0 {
				// trailing continuation cell of a wide character
				continue
			}
			ch := c.ch
			if ch == "" {
				ch = " "
			}
			b = append(b, ch...)
			if includeCells {
				cellRow = append(cellRow, Cell{Ch: ch, Width: uint8(c.width), Style: c.style})
			}
		}
		lines[r] = ansi.Truncate(string(b), int(e.size.Cols), "")
		if includeCells {
			cellsOut[r] = cellRow
		}
	}

	return ScreenSnapshot{
		SnapshotVersion: SnapshotVersion,
		SnapshotID:      identity.NewSnapshotID(),
		Rows:            e.size.Rows,
		Cols:            e.size.Cols,
		Cursor: Cursor{
			Row:     uint16(e.cursorRow),
			Col:     uint16(e.cursorCol),
			Visible: e.cursorVisible,
		},
		AlternateScreen: e.alt,
		Lines:           lines,
		Cells:           cellsOut,
	}
}
