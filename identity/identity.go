// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity defines the opaque identifiers used throughout a run:
// RunID, SessionID, StepID, and SnapshotID. RunID, SessionID, and
// SnapshotID each wrap a UUIDv4; StepID wraps an author-assigned string.
// Each is comparable, zero-valuable, and round-trips through JSON and YAML as a
// plain string.
package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// RunID identifies one execution of a command or scenario.
type RunID struct{ value uuid.UUID }

// SessionID identifies one PTY session within a run.
type SessionID struct{ value uuid.UUID }

// StepID identifies one step within a scenario. Unlike the other ID
// types, step IDs are author-assigned in the scenario file rather than
// generated, so StepID wraps a string instead of a UUID.
type StepID struct{ value string }

// SnapshotID identifies one captured ScreenSnapshot.
type SnapshotID struct{ value uuid.UUID }

// NewRunID generates a fresh RunID.
func NewRunID() RunID { return RunID{value: uuid.New()} }

// NewSessionID generates a fresh SessionID.
func NewSessionID() SessionID { return SessionID{value: uuid.New()} }

// NewSnapshotID generates a fresh SnapshotID.
func NewSnapshotID() SnapshotID { return SnapshotID{value: uuid.New()} }

// NewStepID wraps a scenario-authored step identifier.
func NewStepID(s string) StepID { return StepID{value: s} }

func (id RunID) String() string      { return id.value.String() }
func (id SessionID) String() string  { return id.value.String() }
func (id StepID) String() string     { return id.value }
func (id SnapshotID) String() string { return id.value.String() }

func (id RunID) IsZero() bool      { return id.value == uuid.Nil }
func (id SessionID) IsZero() bool  { return id.value == uuid.Nil }
func (id StepID) IsZero() bool     { return id.value == "" }
func (id SnapshotID) IsZero() bool { return id.value == uuid.Nil }

// ParseRunID parses a canonical RunID string.
func ParseRunID(s string) (RunID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RunID{}, fmt.Errorf("parsing run id %q: %w", s, err)
	}
	return RunID{value: u}, nil
}

// ParseSessionID parses a canonical SessionID string.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("parsing session id %q: %w", s, err)
	}
	return SessionID{value: u}, nil
}

// ParseSnapshotID parses a canonical SnapshotID string.
func ParseSnapshotID(s string) (SnapshotID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SnapshotID{}, fmt.Errorf("parsing snapshot id %q: %w", s, err)
	}
	return SnapshotID{value: u}, nil
}

func (id RunID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }
func (id SessionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id StepID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }
func (id SnapshotID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *RunID) UnmarshalText(text []byte) error {
	parsed, err := ParseRunID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *SessionID) UnmarshalText(text []byte) error {
	parsed, err := ParseSessionID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *StepID) UnmarshalText(text []byte) error {
	*id = StepID{value: string(text)}
	return nil
}

func (id *SnapshotID) UnmarshalText(text []byte) error {
	parsed, err := ParseSnapshotID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
