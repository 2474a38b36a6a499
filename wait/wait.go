// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wait implements wait_for: polling a session's observations
// with bounded backoff until a condition holds or a deadline passes.
package wait

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/opsconductor/conductor/assertion"
	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/session"
)

// pollInterval bounds how often Observe is re-sampled while polling.
const pollInterval = 25 * time.Millisecond

// ConditionType discriminates a Condition's payload shape.
type ConditionType string

const (
	ConditionScreenContains ConditionType = "screen_contains"
	ConditionScreenMatches  ConditionType = "screen_matches"
	ConditionCursorAt       ConditionType = "cursor_at"
	ConditionProcessExited  ConditionType = "process_exited"
)

// Condition is a tagged-variant predicate evaluated against a session's
// latest observation (and, for process_exited, its exit status).
type Condition struct {
	Type    ConditionType   `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// For waits until condition holds against s's observations, polling
// with bounded backoff. deadline is absolute. Returns a Timeout error
// with context {condition, deadline_ms} if the deadline passes first.
func For(ctx context.Context, s *session.Session, condition Condition, deadline time.Time) (*session.Observation, *conderr.Error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, timeoutError(condition, deadline)
		}

		sampleWindow := pollInterval
		if remaining < sampleWindow {
			sampleWindow = remaining
		}

		observation, cerr := s.Observe(ctx, sampleWindow)
		if cerr != nil {
			return nil, cerr
		}

		satisfied, cerr := evaluate(observation, condition, s)
		if cerr != nil {
			return nil, cerr
		}
		if satisfied {
			return observation, nil
		}

		if ctx.Err() != nil {
			return nil, conderr.New(conderr.CodeIO, "wait canceled").WithCause(ctx.Err())
		}
	}
}

func evaluate(observation *session.Observation, condition Condition, s *session.Session) (bool, *conderr.Error) {
	switch condition.Type {
	case ConditionScreenContains:
		text, ok := stringField(condition.Payload, "text")
		if !ok {
			return false, conderr.New(conderr.CodeProtocol, "screen_contains condition requires a 'text' field")
		}
		return strings.Contains(strings.Join(observation.Screen.Lines, "\n"), text), nil

	case ConditionScreenMatches:
		pattern, ok := stringField(condition.Payload, "pattern")
		if !ok {
			return false, conderr.New(conderr.CodeProtocol, "screen_matches condition requires a 'pattern' field")
		}
		if len(pattern) > assertion.MaxRegexPatternLen {
			return false, conderr.New(conderr.CodeProtocol, "regex pattern exceeds maximum length").
				WithContext("pattern_length", len(pattern)).
				WithContext("max_length", assertion.MaxRegexPatternLen)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, conderr.New(conderr.CodeProtocol, "invalid regex pattern").WithCause(err)
		}
		return re.MatchString(strings.Join(observation.Screen.Lines, "\n")), nil

	case ConditionCursorAt:
		row, hasRow := numberField(condition.Payload, "row")
		col, hasCol := numberField(condition.Payload, "col")
		if !hasRow || !hasCol {
			return false, conderr.New(conderr.CodeProtocol, "cursor_at condition requires 'row' and 'col' fields")
		}
		return observation.Screen.Cursor.Row == uint16(row) && observation.Screen.Cursor.Col == uint16(col), nil

	case ConditionProcessExited:
		status, cerr := s.WaitForExit(0)
		if cerr != nil {
			return false, cerr
		}
		return status != nil, nil

	default:
		return false, conderr.New(conderr.CodeProtocol, fmt.Sprintf("unsupported wait condition type %q", condition.Type))
	}
}

func stringField(payload json.RawMessage, key string) (string, bool) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

func numberField(payload json.RawMessage, key string) (float64, bool) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return 0, false
	}
	v, ok := m[key].(float64)
	return v, ok
}

func timeoutError(condition Condition, deadline time.Time) *conderr.Error {
	return conderr.New(conderr.CodeTimeout, "wait condition was not satisfied before the deadline").
		WithContext("condition", condition.Type).
		WithContext("deadline_ms", deadline.UnixMilli())
}
