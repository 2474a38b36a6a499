// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scenario defines the on-disk shape of a scenario file: an
// ordered list of steps, each an action plus assertions, run against a
// target command under a policy. Scenario values are loaded from
// JSON/YAML and never mutated once loaded.
package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/policy"
	"github.com/opsconductor/conductor/terminal"
)

const ScenarioVersion = 1

// Scenario is an immutable script: metadata, run configuration, and an
// ordered list of steps.
type Scenario struct {
	ScenarioVersion uint32     `json:"scenario_version" yaml:"scenario_version"`
	Metadata        Metadata   `json:"metadata" yaml:"metadata"`
	Run             RunConfig  `json:"run" yaml:"run"`
	Steps           []Step     `json:"steps" yaml:"steps"`
}

// Metadata names a scenario for humans.
type Metadata struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// RunConfig describes the target command and how it is sandboxed.
type RunConfig struct {
	Command     string                 `json:"command" yaml:"command"`
	Args        []string               `json:"args" yaml:"args"`
	Cwd         string                 `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	InitialSize terminal.TerminalSize  `json:"initial_size" yaml:"initial_size"`
	Policy      PolicyRef              `json:"policy" yaml:"policy"`
}

// PolicyRef is either an inline Policy document or a path to one on disk.
// Exactly one of Inline or File must be set.
type PolicyRef struct {
	Inline *policy.Policy `json:"inline,omitempty" yaml:"inline,omitempty"`
	File   string         `json:"file,omitempty" yaml:"file,omitempty"`
}

// Resolve returns the Policy this reference names, loading it from disk
// when File is set.
func (r PolicyRef) Resolve() (policy.Policy, error) {
	if r.Inline != nil {
		return *r.Inline, nil
	}
	if r.File == "" {
		return policy.Policy{}, fmt.Errorf("policy reference has neither inline policy nor file path")
	}
	data, err := os.ReadFile(r.File)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("reading policy file %q: %w", r.File, err)
	}
	var p policy.Policy
	if err := unmarshalByExtension(r.File, data, &p); err != nil {
		return policy.Policy{}, fmt.Errorf("parsing policy file %q: %w", r.File, err)
	}
	return p, nil
}

// Step is one unit of scenario execution: perform an action, then
// evaluate assertions, retrying on assertion failure up to Retries times
// within Timeout.
type Step struct {
	ID        identity.StepID `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	Action    Action          `json:"action" yaml:"action"`
	Assert    []Assertion     `json:"assert,omitempty" yaml:"assert,omitempty"`
	TimeoutMs int64           `json:"timeout_ms" yaml:"timeout_ms"`
	Retries   uint32          `json:"retries" yaml:"retries"`
}

// ActionType discriminates the Action.Payload shape.
type ActionType string

const (
	ActionKey       ActionType = "key"
	ActionText      ActionType = "text"
	ActionResize    ActionType = "resize"
	ActionWait      ActionType = "wait"
	ActionTerminate ActionType = "terminate"
)

// Action is a tagged-variant instruction sent to a session. Payload is
// interpreted according to Type; see Session.Send in package session and
// Condition in package wait.
type Action struct {
	Type    ActionType      `json:"type" yaml:"type"`
	Payload json.RawMessage `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Assertion is a tagged-variant check evaluated against an observation.
// The set of valid Type values and their Payload shapes is defined by
// package assertion.
type Assertion struct {
	Type    string          `json:"type" yaml:"type"`
	Payload json.RawMessage `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Load reads a scenario document from path, choosing a JSON or YAML
// decoder by file extension.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file %q: %w", path, err)
	}
	var s Scenario
	if err := unmarshalByExtension(path, data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario file %q: %w", path, err)
	}
	return &s, nil
}

func unmarshalByExtension(path string, data []byte, out any) error {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return yaml.Unmarshal(data, out)
	}
	return json.Unmarshal(data, out)
}
