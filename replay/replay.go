// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package replay re-executes a recorded scenario from its artifact bundle
// and compares the fresh bundle against the baseline under a resolved set
// of normalization filters and rules, so a caller can assert that a
// terminal-driven scenario behaves identically across runs modulo the
// fields the harness already knows are volatile (timestamps, generated
// IDs).
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"

	"github.com/opsconductor/conductor/artifacts"
	"github.com/opsconductor/conductor/assertion"
	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/policy"
	"github.com/opsconductor/conductor/runner"
	"github.com/opsconductor/conductor/scenario"
)

// ReplayVersion is the format version stamped into replay.json.
const ReplayVersion = 1

// Options overrides the replay normalization settings a caller can supply
// at the CLI, one tier above whatever the recorded policy specifies.
type Options struct {
	Strict           bool
	Filters          []policy.NormalizationFilter
	FiltersSpecified bool
	RequireEvents    bool
	RequireChecksums bool
}

// Source names where a run's resolved settings came from, mirroring
// artifacts.NormalizationSource so replay.json and normalization.json
// agree on vocabulary.
type Source = artifacts.NormalizationSource

// Settings is the fully resolved normalization configuration for one
// replay comparison, after applying the precedence rule from the
// specification: caller-specified > policy-specified > default.
type Settings struct {
	Strict  bool
	Filters []policy.NormalizationFilter
	Rules   []policy.NormalizationRule
	Source  Source
}

// Explanation is what Explain returns: the settings a replay run would
// use, without executing anything.
type Explanation struct {
	Strict  bool                         `json:"strict"`
	Filters []policy.NormalizationFilter `json:"filters"`
	Rules   []policy.NormalizationRule   `json:"rules"`
	Source  Source                       `json:"source"`
}

// Mismatch names what differed between a baseline and its replay.
type Mismatch struct {
	Kind  string `json:"kind"`
	Index *int   `json:"index,omitempty"`
}

// Summary is written to replay.json regardless of outcome.
type Summary struct {
	ReplayVersion uint32                        `json:"replay_version"`
	Status        string                        `json:"status"`
	Source        Source                        `json:"source"`
	Strict        bool                          `json:"strict"`
	Filters       []policy.NormalizationFilter `json:"filters"`
	Rules         []policy.NormalizationRule   `json:"rules"`
	Mismatch      *Mismatch                    `json:"mismatch,omitempty"`
}

// Diff is written to diff.json only when a comparison fails.
type Diff struct {
	Kind    string         `json:"kind"`
	Index   *int           `json:"index,omitempty"`
	Code    conderr.Code   `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Result is what Run returns: the freshly executed RunResult, the replay
// directory it was written into, and the comparison summary.
type Result struct {
	RunResult *runner.RunResult
	Dir       string
	Summary   *Summary
}

// Explain reports which normalization settings a replay of baselineDir
// would apply, without re-executing anything.
func Explain(baselineDir string, opts Options) (*Explanation, *conderr.Error) {
	p, cerr := loadPolicy(baselineDir)
	if cerr != nil {
		return nil, cerr
	}
	settings := resolveSettings(p.Replay, opts)
	return &Explanation{Strict: settings.Strict, Filters: settings.Filters, Rules: settings.Rules, Source: settings.Source}, nil
}

// Run re-executes baselineDir's scenario.json under its recorded
// policy.json into a fresh replay-<run_id> directory, then compares the
// two bundles field by field under the resolved normalization settings.
// A comparison mismatch is returned as an E_REPLAY_MISMATCH error; the
// summary and, on mismatch, the diff are always written to disk first.
func Run(ctx context.Context, baselineDir string, opts Options) (*Result, *conderr.Error) {
	p, cerr := loadPolicy(baselineDir)
	if cerr != nil {
		return nil, cerr
	}
	s, cerr := loadScenario(baselineDir)
	if cerr != nil {
		return nil, cerr
	}
	inlinePolicy := p
	s.Run.Policy = scenario.PolicyRef{Inline: &inlinePolicy}

	replayRunID := identity.NewRunID()
	replayDir := filepath.Join(baselineDir, fmt.Sprintf("replay-%s", replayRunID))
	writer, cerr := artifacts.New(replayRunID, artifacts.WriterConfig{Dir: replayDir, Overwrite: true})
	if cerr != nil {
		return nil, cerr
	}

	runResult, runErr := runner.RunScenario(ctx, s, runner.Options{}, writer)

	settings := resolveSettings(p.Replay, opts)
	record := &artifacts.NormalizationRecord{
		NormalizationVersion: 1,
		Filters:              settings.Filters,
		Rules:                settings.Rules,
		Strict:               settings.Strict,
		Source:               settings.Source,
	}
	if err := writer.WriteNormalization(record); err != nil {
		return nil, conderr.New(conderr.CodeIO, "failed to write normalization record").WithCause(err)
	}

	summary := &Summary{
		ReplayVersion: ReplayVersion,
		Status:        "passed",
		Source:        settings.Source,
		Strict:        settings.Strict,
		Filters:       settings.Filters,
		Rules:         settings.Rules,
	}

	compareErr := compareAll(baselineDir, replayDir, settings, opts)
	if compareErr == nil && runErr != nil {
		compareErr = runErr
	}

	if compareErr != nil {
		summary.Status = "failed"
		summary.Mismatch = mismatchFrom(compareErr)
		writeSummary(replayDir, summary)
		writeDiff(replayDir, compareErr)
		return &Result{RunResult: runResult, Dir: replayDir, Summary: summary}, compareErr
	}

	writeSummary(replayDir, summary)
	return &Result{RunResult: runResult, Dir: replayDir, Summary: summary}, nil
}

// ReadReport loads the most recently created replay-* subdirectory's
// replay.json and, if present, diff.json.
func ReadReport(baselineDir string) (*Summary, *Diff, string, *conderr.Error) {
	dir, cerr := latestReplayDir(baselineDir)
	if cerr != nil {
		return nil, nil, "", cerr
	}
	var summary Summary
	if err := readJSON(filepath.Join(dir, "replay.json"), &summary); err != nil {
		return nil, nil, dir, conderr.New(conderr.CodeIO, "failed to read replay.json").WithCause(err)
	}
	var diff *Diff
	diffPath := filepath.Join(dir, "diff.json")
	if _, err := os.Stat(diffPath); err == nil {
		var d Diff
		if err := readJSON(diffPath, &d); err != nil {
			return nil, nil, dir, conderr.New(conderr.CodeIO, "failed to read diff.json").WithCause(err)
		}
		diff = &d
	}
	return &summary, diff, dir, nil
}

func loadPolicy(dir string) (policy.Policy, *conderr.Error) {
	path := filepath.Join(dir, "policy.json")
	var p policy.Policy
	if err := readJSON(path, &p); err != nil {
		return policy.Policy{}, conderr.New(conderr.CodeIO, "artifacts missing policy.json").
			WithContext("path", path).WithCause(err)
	}
	return p, nil
}

func loadScenario(dir string) (*scenario.Scenario, *conderr.Error) {
	path := filepath.Join(dir, "scenario.json")
	s, err := scenario.Load(path)
	if err != nil {
		return nil, conderr.New(conderr.CodeIO, "artifacts missing scenario.json").
			WithContext("path", path).WithCause(err)
	}
	return s, nil
}

// resolveSettings applies the precedence rule from the specification:
// caller-specified (CLI) settings beat the recorded policy's own replay
// settings, which beat the built-in default filter set. A caller-supplied
// empty filter list is treated as "not specified" rather than "disable
// every filter" — use Strict for that.
func resolveSettings(replayPolicy policy.ReplayPolicy, opts Options) Settings {
	if opts.Strict {
		return Settings{Strict: true, Source: artifacts.NormalizationSourceCLI}
	}
	if opts.FiltersSpecified {
		return Settings{Filters: opts.Filters, Rules: replayPolicy.NormalizationRules, Source: artifacts.NormalizationSourceCLI}
	}
	if replayPolicy.Strict {
		return Settings{Strict: true, Source: artifacts.NormalizationSourcePolicy}
	}
	if len(replayPolicy.NormalizationFilters) > 0 {
		return Settings{Filters: replayPolicy.NormalizationFilters, Rules: replayPolicy.NormalizationRules, Source: artifacts.NormalizationSourcePolicy}
	}
	return Settings{Filters: policy.DefaultNormalizationFilters(), Rules: replayPolicy.NormalizationRules, Source: artifacts.NormalizationSourceDefault}
}

// compareAll runs every comparison stage in turn, stopping at the first
// mismatch so the reported diff names exactly one cause.
func compareAll(baselineDir, replayDir string, settings Settings, opts Options) *conderr.Error {
	if opts.RequireChecksums {
		if cerr := artifacts.VerifyChecksums(baselineDir); cerr != nil {
			return cerr
		}
		if cerr := artifacts.VerifyChecksums(replayDir); cerr != nil {
			return cerr
		}
	}
	if opts.RequireEvents {
		if !fileExists(filepath.Join(baselineDir, "events.jsonl")) || !fileExists(filepath.Join(replayDir, "events.jsonl")) {
			return mismatchError("events", nil, "event stream missing")
		}
	}
	if cerr := compareSnapshots(baselineDir, replayDir, settings); cerr != nil {
		return cerr
	}
	if cerr := compareTranscript(baselineDir, replayDir, settings.Rules); cerr != nil {
		return cerr
	}
	if cerr := compareRunResults(baselineDir, replayDir, settings); cerr != nil {
		return cerr
	}
	if cerr := compareEvents(baselineDir, replayDir, settings, opts.RequireEvents); cerr != nil {
		return cerr
	}
	return nil
}

func compareSnapshots(baselineDir, replayDir string, settings Settings) *conderr.Error {
	baseline, cerr := loadSnapshots(filepath.Join(baselineDir, "snapshots"), settings)
	if cerr != nil {
		return cerr
	}
	replayed, cerr := loadSnapshots(filepath.Join(replayDir, "snapshots"), settings)
	if cerr != nil {
		return cerr
	}
	if len(baseline) != len(replayed) {
		return mismatchError("snapshot", nil, "snapshot count mismatch")
	}
	for i := range baseline {
		if !reflect.DeepEqual(baseline[i], replayed[i]) {
			index := i
			return mismatchError("snapshot", &index, "snapshot content mismatch")
		}
	}
	return nil
}

func loadSnapshots(dir string, settings Settings) ([]map[string]any, *conderr.Error) {
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

	snapshots := make([]map[string]any, 0, len(names))
	for _, name := range names {
		var value map[string]any
		if err := readJSON(filepath.Join(dir, name), &value); err != nil {
			return nil, conderr.New(conderr.CodeIO, "failed to read snapshot").WithContext("file", name).WithCause(err)
		}
		normalizeSnapshotValue(value, settings.Filters, settings.Rules)
		snapshots = append(snapshots, value)
	}
	return snapshots, nil
}

func normalizeSnapshotValue(value map[string]any, filters []policy.NormalizationFilter, rules []policy.NormalizationRule) {
	if hasFilter(filters, policy.FilterSnapshotID) {
		delete(value, "snapshot_id")
	}
	if lines, ok := value["lines"].([]any); ok {
		for i, line := range lines {
			if text, ok := line.(string); ok {
				lines[i] = applyRulesToText(text, rules, policy.RuleTargetSnapshotLines)
			}
		}
	}
}

func compareTranscript(baselineDir, replayDir string, rules []policy.NormalizationRule) *conderr.Error {
	baseline, err := os.ReadFile(filepath.Join(baselineDir, "transcript.log"))
	if err != nil {
		return conderr.New(conderr.CodeIO, "failed to read transcript").WithCause(err)
	}
	replayed, err := os.ReadFile(filepath.Join(replayDir, "transcript.log"))
	if err != nil {
		return conderr.New(conderr.CodeIO, "failed to read replay transcript").WithCause(err)
	}
	baselineText := applyRulesToText(string(baseline), rules, policy.RuleTargetTranscript)
	replayedText := applyRulesToText(string(replayed), rules, policy.RuleTargetTranscript)
	if baselineText != replayedText {
		return mismatchError("transcript", nil, "transcript mismatch")
	}
	return nil
}

func compareRunResults(baselineDir, replayDir string, settings Settings) *conderr.Error {
	var baseline, replayed map[string]any
	if err := readJSON(filepath.Join(baselineDir, "run.json"), &baseline); err != nil {
		return conderr.New(conderr.CodeIO, "failed to read run.json").WithCause(err)
	}
	if err := readJSON(filepath.Join(replayDir, "run.json"), &replayed); err != nil {
		return conderr.New(conderr.CodeIO, "failed to read replay run.json").WithCause(err)
	}
	normalizeRunValue(baseline, settings.Filters, settings.Rules)
	normalizeRunValue(replayed, settings.Filters, settings.Rules)
	if !reflect.DeepEqual(baseline, replayed) {
		return mismatchError("run_result", nil, "run result mismatch")
	}
	return nil
}

func normalizeRunValue(obj map[string]any, filters []policy.NormalizationFilter, rules []policy.NormalizationRule) {
	removeIfFiltered(obj, filters, policy.FilterRunID, "run_id")
	removeIfFiltered(obj, filters, policy.FilterRunTimestamps, "started_at_ms", "ended_at_ms")

	if hasFilter(filters, policy.FilterStepTimestamps) {
		if steps, ok := obj["steps"].([]any); ok {
			for _, step := range steps {
				if stepObj, ok := step.(map[string]any); ok {
					delete(stepObj, "started_at_ms")
					delete(stepObj, "ended_at_ms")
				}
			}
		}
	}

	if finalObs, ok := obj["final_observation"].(map[string]any); ok {
		normalizeObservationValue(finalObs, filters, rules)
	}
}

func normalizeObservationValue(obj map[string]any, filters []policy.NormalizationFilter, rules []policy.NormalizationRule) {
	removeIfFiltered(obj, filters, policy.FilterRunID, "run_id")
	removeIfFiltered(obj, filters, policy.FilterSessionID, "session_id")
	removeIfFiltered(obj, filters, policy.FilterObservationTimestamp, "timestamp_ms")

	if transcript, ok := obj["transcript_delta"].(string); ok {
		obj["transcript_delta"] = applyRulesToText(transcript, rules, policy.RuleTargetTranscript)
	}
	if screen, ok := obj["screen"].(map[string]any); ok {
		normalizeSnapshotValue(screen, filters, rules)
	}
}

func compareEvents(baselineDir, replayDir string, settings Settings, required bool) *conderr.Error {
	baselinePath := filepath.Join(baselineDir, "events.jsonl")
	replayPath := filepath.Join(replayDir, "events.jsonl")
	if !fileExists(baselinePath) || !fileExists(replayPath) {
		if required {
			return mismatchError("events", nil, "event stream missing")
		}
		return nil
	}

	baseline, err := readEventLines(baselinePath, settings)
	if err != nil {
		return conderr.New(conderr.CodeIO, "failed to read events log").WithCause(err)
	}
	replayed, err := readEventLines(replayPath, settings)
	if err != nil {
		return conderr.New(conderr.CodeIO, "failed to read replay events log").WithCause(err)
	}
	if len(baseline) != len(replayed) {
		return mismatchError("events", nil, "event count mismatch")
	}
	for i := range baseline {
		if !reflect.DeepEqual(baseline[i], replayed[i]) {
			index := i
			return mismatchError("events", &index, "event content mismatch")
		}
	}
	return nil
}

func readEventLines(path string, settings Settings) ([]map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var value map[string]any
		if err := json.Unmarshal(line, &value); err != nil {
			return nil, err
		}
		normalizeObservationValue(value, settings.Filters, settings.Rules)
		events = append(events, value)
	}
	return events, scanner.Err()
}

func hasFilter(filters []policy.NormalizationFilter, target policy.NormalizationFilter) bool {
	for _, f := range filters {
		if f == target {
			return true
		}
	}
	return false
}

func removeIfFiltered(obj map[string]any, filters []policy.NormalizationFilter, filter policy.NormalizationFilter, fields ...string) {
	if !hasFilter(filters, filter) {
		return
	}
	for _, field := range fields {
		delete(obj, field)
	}
}

// applyRulesToText applies every rule targeting target, in order, as a
// regex replacement. An unparseable pattern is skipped rather than
// aborting the whole comparison, matching the reference implementation's
// own best-effort normalization.
func applyRulesToText(text string, rules []policy.NormalizationRule, target policy.NormalizationRuleTarget) string {
	for _, rule := range rules {
		if rule.Target != target {
			continue
		}
		if len(rule.Pattern) > assertion.MaxRegexPatternLen {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			continue
		}
		text = re.ReplaceAllString(text, rule.Replace)
	}
	return text
}

func mismatchError(kind string, index *int, message string) *conderr.Error {
	err := conderr.New(conderr.CodeReplayMismatch, message).WithContext("kind", kind)
	if index != nil {
		err = err.WithContext("index", *index)
	}
	return err
}

func mismatchFrom(err *conderr.Error) *Mismatch {
	if err == nil {
		return nil
	}
	kind, _ := err.Context["kind"].(string)
	if kind == "" {
		kind = "unknown"
	}
	m := &Mismatch{Kind: kind}
	if index, ok := err.Context["index"].(int); ok {
		m.Index = &index
	}
	return m
}

func writeSummary(dir string, summary *Summary) {
	writeJSON(filepath.Join(dir, "replay.json"), summary)
}

func writeDiff(dir string, err *conderr.Error) {
	mismatch := mismatchFrom(err)
	diff := &Diff{
		Kind:    "unknown",
		Code:    err.Code,
		Message: err.Message,
		Context: err.Context,
	}
	if mismatch != nil {
		diff.Kind = mismatch.Kind
		diff.Index = mismatch.Index
	}
	writeJSON(filepath.Join(dir, "diff.json"), diff)
}

func writeJSON(path string, value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func latestReplayDir(baselineDir string) (string, *conderr.Error) {
	entries, err := os.ReadDir(baselineDir)
	if err != nil {
		return "", conderr.New(conderr.CodeIO, "failed to read artifacts directory").WithCause(err)
	}

	var best string
	var bestModTime int64
	for _, entry := range entries {
		if !entry.IsDir() || len(entry.Name()) < len("replay-") || entry.Name()[:len("replay-")] != "replay-" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if modTime := info.ModTime().UnixNano(); best == "" || modTime > bestModTime {
			best = entry.Name()
			bestModTime = modTime
		}
	}
	if best == "" {
		return "", conderr.New(conderr.CodeIO, "no replay artifacts found").WithContext("dir", baselineDir)
	}
	return filepath.Join(baselineDir, best), nil
}
