// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package assertion evaluates a scenario.Assertion against an
// observation. Every assertion variant is a pure function of the
// observation; none of them mutate session or terminal state.
package assertion

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/opsconductor/conductor/scenario"
	"github.com/opsconductor/conductor/session"
)

// MaxRegexPatternLen bounds regex-bearing assertions' pattern length,
// rejecting pathological patterns before they are ever compiled.
const MaxRegexPatternLen = 512

// Result is the outcome of evaluating one assertion.
type Result struct {
	Passed  bool           `json:"passed"`
	Message string         `json:"message,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

func pass() Result { return Result{Passed: true} }

func fail(message string) Result { return Result{Message: message} }

func failWithContext(message string, context map[string]any) Result {
	return Result{Message: message, Context: context}
}

// Evaluate checks assertion against observation and, when supplied, the
// most recent ExitStatus (used by process_exited).
func Evaluate(observation *session.Observation, a scenario.Assertion, exit *session.ExitStatus) Result {
	screenText := strings.Join(observation.Screen.Lines, "\n")

	switch a.Type {
	case "screen_contains":
		return evalScreenContains(screenText, a)
	case "not_contains":
		return evalNotContains(screenText, a)
	case "regex_match":
		return evalRegexMatch(screenText, a)
	case "line_equals":
		return evalLineEquals(observation, a)
	case "line_contains":
		return evalLineContains(observation, a)
	case "line_matches":
		return evalLineMatches(observation, a)
	case "cursor_at":
		return evalCursorAt(observation, a)
	case "cursor_visible":
		return evalCursorVisible(observation)
	case "cursor_hidden":
		return evalCursorHidden(observation)
	case "screen_empty":
		return evalScreenEmpty(observation)
	case "process_exited":
		return evalProcessExited(exit, a)
	default:
		return fail(fmt.Sprintf("unsupported assertion type %q", a.Type))
	}
}

func payloadField[T any](payload json.RawMessage, key string) (T, bool) {
	var m map[string]any
	var zero T
	if err := json.Unmarshal(payload, &m); err != nil {
		return zero, false
	}
	raw, ok := m[key]
	if !ok {
		return zero, false
	}
	value, ok := raw.(T)
	return value, ok
}

func textField(a scenario.Assertion) string {
	v, _ := payloadField[string](a.Payload, "text")
	return v
}

func patternField(a scenario.Assertion) string {
	v, _ := payloadField[string](a.Payload, "pattern")
	return v
}

func lineField(a scenario.Assertion) (int, error) {
	v, ok := payloadField[float64](a.Payload, "line")
	if !ok {
		return 0, nil
	}
	if v < 0 {
		return 0, fmt.Errorf("line value %v is negative", v)
	}
	return int(v), nil
}

func evalScreenContains(screenText string, a scenario.Assertion) Result {
	text := textField(a)
	if strings.Contains(screenText, text) {
		return pass()
	}
	return fail(fmt.Sprintf("screen did not contain %q", text))
}

func evalNotContains(screenText string, a scenario.Assertion) Result {
	text := textField(a)
	if !strings.Contains(screenText, text) {
		return pass()
	}
	return fail(fmt.Sprintf("screen unexpectedly contained %q", text))
}

func evalRegexMatch(screenText string, a scenario.Assertion) Result {
	pattern := patternField(a)
	if result, bad := validatePatternLength(pattern); bad {
		return result
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return failWithContext("invalid regex", map[string]any{"error": err.Error()})
	}
	if re.MatchString(screenText) {
		return pass()
	}
	return fail(fmt.Sprintf("screen did not match %q", pattern))
}

func evalLineEquals(observation *session.Observation, a scenario.Assertion) Result {
	line, err := lineField(a)
	if err != nil {
		return fail(err.Error())
	}
	expected := textField(a)
	actual, result, ok := screenLine(observation, line)
	if !ok {
		return result
	}
	if actual == expected {
		return pass()
	}
	return fail(fmt.Sprintf("line %d was %q, expected %q", line, actual, expected))
}

func evalLineContains(observation *session.Observation, a scenario.Assertion) Result {
	line, err := lineField(a)
	if err != nil {
		return fail(err.Error())
	}
	text := textField(a)
	actual, result, ok := screenLine(observation, line)
	if !ok {
		return result
	}
	if strings.Contains(actual, text) {
		return pass()
	}
	return fail(fmt.Sprintf("line %d did not contain %q", line, text))
}

func evalLineMatches(observation *session.Observation, a scenario.Assertion) Result {
	line, err := lineField(a)
	if err != nil {
		return fail(err.Error())
	}
	pattern := patternField(a)
	if result, bad := validatePatternLength(pattern); bad {
		return result
	}
	actual, result, ok := screenLine(observation, line)
	if !ok {
		return result
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return failWithContext("invalid regex", map[string]any{"error": err.Error()})
	}
	if re.MatchString(actual) {
		return pass()
	}
	return fail(fmt.Sprintf("line %d did not match %q", line, pattern))
}

func evalCursorAt(observation *session.Observation, a scenario.Assertion) Result {
	rowF, _ := payloadField[float64](a.Payload, "row")
	colF, _ := payloadField[float64](a.Payload, "col")
	if rowF < 0 || rowF > 65535 {
		return fail(fmt.Sprintf("row value %v exceeds the 16-bit row range", rowF))
	}
	if colF < 0 || colF > 65535 {
		return fail(fmt.Sprintf("col value %v exceeds the 16-bit col range", colF))
	}
	row, col := uint16(rowF), uint16(colF)
	cursor := observation.Screen.Cursor
	if cursor.Row == row && cursor.Col == col {
		return pass()
	}
	return fail(fmt.Sprintf("cursor at (%d, %d)", cursor.Row, cursor.Col))
}

func evalCursorVisible(observation *session.Observation) Result {
	if observation.Screen.Cursor.Visible {
		return pass()
	}
	return fail("cursor is not visible")
}

func evalCursorHidden(observation *session.Observation) Result {
	if !observation.Screen.Cursor.Visible {
		return pass()
	}
	return fail("cursor is not hidden")
}

func evalScreenEmpty(observation *session.Observation) Result {
	for _, line := range observation.Screen.Lines {
		if strings.TrimSpace(line) != "" {
			return fail("screen is not empty")
		}
	}
	return pass()
}

func evalProcessExited(exit *session.ExitStatus, a scenario.Assertion) Result {
	if exit == nil {
		return fail("process has not exited")
	}
	wantCode, hasWant := payloadField[float64](a.Payload, "code")
	if !hasWant {
		return pass()
	}
	if exit.ExitCode == nil {
		return fail("process exited via signal, not an exit code")
	}
	if *exit.ExitCode == int(wantCode) {
		return pass()
	}
	return fail(fmt.Sprintf("process exited with code %d, expected %d", *exit.ExitCode, int(wantCode)))
}

func screenLine(observation *session.Observation, line int) (string, Result, bool) {
	lines := observation.Screen.Lines
	if line < 0 || line >= len(lines) {
		return "", fail(fmt.Sprintf("line %d out of bounds (screen has %d lines)", line, len(lines))), false
	}
	return lines[line], Result{}, true
}

func validatePatternLength(pattern string) (Result, bool) {
	if len(pattern) > MaxRegexPatternLen {
		return failWithContext(
			fmt.Sprintf("regex pattern exceeds maximum length of %d characters", MaxRegexPatternLen),
			map[string]any{"pattern_length": len(pattern), "max_length": MaxRegexPatternLen},
		), true
	}
	return Result{}, false
}
