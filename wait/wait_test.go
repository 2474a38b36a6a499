// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wait

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/scenario"
	"github.com/opsconductor/conductor/session"
	"github.com/opsconductor/conductor/terminal"
)

func spawnCat(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.Spawn(session.Config{
		Command: "/bin/cat",
		Size:    terminal.TerminalSize{Rows: 10, Cols: 40},
		RunID:   identity.NewRunID(),
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.TerminateProcessGroup(100 * time.Millisecond)
		_ = s.Close()
	})
	return s
}

func TestForScreenContains(t *testing.T) {
	s := spawnCat(t)

	payload, _ := json.Marshal(map[string]string{"text": "ready"})
	if err := s.Send(scenario.Action{Type: scenario.ActionText, Payload: mustJSON(t, map[string]string{"text": "ready\r\n"})}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, cerr := For(context.Background(), s, Condition{Type: ConditionScreenContains, Payload: payload}, time.Now().Add(2*time.Second))
	if cerr != nil {
		t.Fatalf("For: %v", cerr)
	}
}

func TestForTimesOut(t *testing.T) {
	s := spawnCat(t)

	payload, _ := json.Marshal(map[string]string{"text": "never appears"})
	_, cerr := For(context.Background(), s, Condition{Type: ConditionScreenContains, Payload: payload}, time.Now().Add(150*time.Millisecond))
	if cerr == nil {
		t.Fatal("expected a timeout error")
	}
	if cerr.Code != "E_TIMEOUT" {
		t.Errorf("expected E_TIMEOUT, got %s", cerr.Code)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
