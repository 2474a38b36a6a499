// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner drives a scenario (or a single command) to completion:
// validate the policy, spawn a sandboxed session, execute each step with
// retries against its deadline, enforce the policy's budgets, and
// produce a RunResult. It composes session, terminal, assertion, wait,
// scenario, policy, and sandbox without owning any of their state
// itself.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsconductor/conductor/assertion"
	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/policy"
	"github.com/opsconductor/conductor/sandbox"
	"github.com/opsconductor/conductor/scenario"
	"github.com/opsconductor/conductor/session"
	"github.com/opsconductor/conductor/terminal"
	"github.com/opsconductor/conductor/wait"
)

const RunResultVersion = 1

// RunStatus is the terminal outcome of a run.
type RunStatus string

const (
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunErrored RunStatus = "errored"
	RunCanceled RunStatus = "canceled"
)

// StepStatus is the terminal outcome of one step.
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepErrored StepStatus = "errored"
	StepSkipped StepStatus = "skipped"
)

// ErrorInfo is the serializable projection of a *conderr.Error.
type ErrorInfo struct {
	Code    conderr.Code   `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func errorInfo(err *conderr.Error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Code: err.Code, Message: err.Message, Context: err.Context}
}

// AssertionResult is one assertion's outcome, recorded alongside its step.
type AssertionResult struct {
	AssertionType string         `json:"assertion_type"`
	Passed        bool           `json:"passed"`
	Message       string         `json:"message,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// StepResult records one step's execution, including every attempt made.
type StepResult struct {
	StepID      identity.StepID   `json:"step_id"`
	Name        string            `json:"name"`
	Status      StepStatus        `json:"status"`
	Attempts    uint32            `json:"attempts"`
	StartedAtMs int64             `json:"started_at_ms"`
	EndedAtMs   int64             `json:"ended_at_ms"`
	Action      scenario.Action   `json:"action"`
	Assertions  []AssertionResult `json:"assertions"`
	Error       *ErrorInfo        `json:"error,omitempty"`
}

// RunResult is the complete, serializable outcome of one run: either a
// scenario run (Scenario and Steps populated) or a single exec run
// (neither populated).
type RunResult struct {
	RunResultVersion uint32                   `json:"run_result_version"`
	ProtocolVersion  uint32                   `json:"protocol_version"`
	RunID            identity.RunID           `json:"run_id"`
	Status           RunStatus                `json:"status"`
	StartedAtMs      int64                    `json:"started_at_ms"`
	EndedAtMs        int64                    `json:"ended_at_ms"`
	Command          string                   `json:"command"`
	Args             []string                 `json:"args"`
	Cwd              string                   `json:"cwd"`
	Policy           policy.Policy            `json:"policy"`
	Scenario         *scenario.Scenario       `json:"scenario,omitempty"`
	Steps            []StepResult             `json:"steps,omitempty"`
	FinalObservation *session.Observation     `json:"final_observation,omitempty"`
	ExitStatus       *session.ExitStatus      `json:"exit_status,omitempty"`
	Error            *ErrorInfo               `json:"error,omitempty"`
}

// ProgressEvent is one point-in-time notice of run progress, delivered
// synchronously to a Progress callback as the run advances.
type ProgressEvent struct {
	Kind        string          // run_started | step_started | step_completed | run_completed
	RunID       identity.RunID
	TotalSteps  int
	StepID      identity.StepID
	StepIndex   int
	Name        string
	Status      StepStatus
	DurationMs  int64
	Assertions  []AssertionResult
	Success     bool
}

// Progress receives ProgressEvents as a run advances. A nil Progress is
// valid; emit is a no-op in that case.
type Progress interface {
	OnProgress(event ProgressEvent)
}

func emit(p Progress, event ProgressEvent) {
	if p != nil {
		p.OnProgress(event)
	}
}

// Options configures one call to RunScenario or RunExec.
type Options struct {
	ArtifactsDir string
	Progress     Progress

	// Logger for run lifecycle events. Progress carries the
	// human-facing narration a --verbose flag turns on; Logger carries
	// the structured record of the same events regardless of verbosity.
	// Defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// runLogger returns opts.Logger, or slog.Default() when unset.
func runLogger(opts Options) *slog.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return slog.Default()
}

// Artifacts is the narrow interface the runner needs from an artifacts
// writer, letting package artifacts stay a separate, independently
// testable dependency rather than an import cycle.
type Artifacts interface {
	WriteSnapshot(snapshot terminal.ScreenSnapshot) error
	WriteTranscript(delta string) error
	WriteObservation(observation *session.Observation) error
	WritePolicy(p policy.Policy) error
	WriteScenario(s *scenario.Scenario) error
	WriteRunResult(result *RunResult) error
	FlushChecksums() error
}

// RunScenario executes every step of s in order against a freshly
// spawned, sandboxed session, honoring each step's timeout and retries
// and the policy's overall budgets.
func RunScenario(ctx context.Context, s *scenario.Scenario, opts Options, artifacts Artifacts) (*RunResult, *conderr.Error) {
	runID := identity.NewRunID()
	runStarted := time.Now()
	logger := runLogger(opts)

	emit(opts.Progress, ProgressEvent{Kind: "run_started", RunID: runID, TotalSteps: len(s.Steps)})
	logger.Info("run started", "run_id", runID, "total_steps", len(s.Steps), "command", s.Run.Command)

	rawPolicy, err := s.Run.Policy.Resolve()
	if err != nil {
		return nil, conderr.New(conderr.CodeProtocol, "failed to resolve scenario policy").WithCause(err)
	}

	effective, cerr := policy.Validate(rawPolicy, policy.DetectHostInfo())
	if cerr != nil {
		return errored(runID, runStarted, s.Run.Command, s.Run.Args, s.Run.Cwd, rawPolicy, s, cerr), cerr
	}

	if uint64(len(s.Steps)) > uint64(rawPolicy.Budgets.MaxSteps) {
		cerr := conderr.New(conderr.CodeTimeout, "scenario exceeds max_steps budget").
			WithContext("max_steps", rawPolicy.Budgets.MaxSteps)
		return errored(runID, runStarted, s.Run.Command, s.Run.Args, s.Run.Cwd, rawPolicy, s, cerr), cerr
	}

	if artifacts != nil {
		if err := artifacts.WritePolicy(rawPolicy); err != nil {
			return nil, conderr.New(conderr.CodeIO, "failed to write policy artifact").WithCause(err)
		}
		if err := artifacts.WriteScenario(s); err != nil {
			return nil, conderr.New(conderr.CodeIO, "failed to write scenario artifact").WithCause(err)
		}
	}

	command, args, cerr := ResolveSpawnCommand(effective, s.Run.Command, s.Run.Args)
	if cerr != nil {
		return errored(runID, runStarted, s.Run.Command, s.Run.Args, s.Run.Cwd, rawPolicy, s, cerr), cerr
	}

	cwd := s.Run.Cwd
	if cwd == "" {
		cwd = rawPolicy.FS.WorkingDir
	}

	sess, cerr := session.Spawn(session.Config{
		Command: command,
		Args:    args,
		Cwd:     cwd,
		Size:    s.Run.InitialSize,
		Env:     rawPolicy.Env,
		RunID:   runID,
		Logger:  logger,
	})
	if cerr != nil {
		return errored(runID, runStarted, s.Run.Command, s.Run.Args, cwd, rawPolicy, s, cerr), cerr
	}
	defer sess.Close()

	stepResults, outputBytes, runErr := executeSteps(ctx, sess, s, rawPolicy, runStarted, opts.Progress, artifacts)
	_ = outputBytes

	finalObservation, _ := sess.Observe(ctx, 10*time.Millisecond)
	if artifacts != nil && finalObservation != nil {
		_ = artifacts.WriteObservation(finalObservation)
	}

	exitStatus := awaitExit(sess, rawPolicy, runStarted, runErr != nil)

	status := RunPassed
	for _, sr := range stepResults {
		if sr.Status != StepPassed {
			status = RunFailed
			break
		}
	}
	if runErr != nil && status == RunPassed {
		status = RunFailed
	}

	result := &RunResult{
		RunResultVersion: RunResultVersion,
		ProtocolVersion:  1,
		RunID:            runID,
		Status:           status,
		EndedAtMs:        elapsedMs(runStarted),
		Command:          s.Run.Command,
		Args:             s.Run.Args,
		Cwd:              cwd,
		Policy:           rawPolicy,
		Scenario:         s,
		Steps:            stepResults,
		FinalObservation: finalObservation,
		ExitStatus:       exitStatus,
		Error:            errorInfo(runErr),
	}

	if artifacts != nil {
		if err := artifacts.WriteRunResult(result); err != nil {
			return result, conderr.New(conderr.CodeIO, "failed to write run result artifact").WithCause(err)
		}
		if err := artifacts.FlushChecksums(); err != nil {
			return result, conderr.New(conderr.CodeIO, "failed to flush artifact checksums").WithCause(err)
		}
	}

	emit(opts.Progress, ProgressEvent{Kind: "run_completed", RunID: runID, Success: status == RunPassed, DurationMs: result.EndedAtMs})
	logger.Info("run completed", "run_id", runID, "status", status, "duration_ms", result.EndedAtMs)

	return result, nil
}

func errored(runID identity.RunID, runStarted time.Time, command string, args []string, cwd string, p policy.Policy, s *scenario.Scenario, cerr *conderr.Error) *RunResult {
	return &RunResult{
		RunResultVersion: RunResultVersion,
		ProtocolVersion:  1,
		RunID:            runID,
		Status:           RunErrored,
		EndedAtMs:        elapsedMs(runStarted),
		Command:          command,
		Args:             args,
		Cwd:              cwd,
		Policy:           p,
		Scenario:         s,
		Error:            errorInfo(cerr),
	}
}

// executeSteps runs every step of s in order, skipping the remainder of
// the scenario once a step produces a run-ending error.
func executeSteps(ctx context.Context, sess *session.Session, s *scenario.Scenario, p policy.Policy, runStarted time.Time, progress Progress, artifacts Artifacts) ([]StepResult, int64, *conderr.Error) {
	var results []StepResult
	var runErr *conderr.Error
	var outputBytes int64

	for index, step := range s.Steps {
		if runErr != nil {
			results = append(results, skippedStep(step, elapsedMs(runStarted)))
			continue
		}

		if elapsedMs(runStarted) > p.Budgets.MaxRuntimeMs {
			runErr = conderr.New(conderr.CodeTimeout, "run exceeded max runtime budget").
				WithContext("max_runtime_ms", p.Budgets.MaxRuntimeMs)
			results = append(results, skippedStep(step, elapsedMs(runStarted)))
			continue
		}

		emit(progress, ProgressEvent{Kind: "step_started", StepID: step.ID, StepIndex: index + 1, Name: step.Name})

		startedMs := elapsedMs(runStarted)
		stepResult, stepErr := executeStep(ctx, sess, step, p, &outputBytes, startedMs, runStarted, artifacts)
		endedMs := elapsedMs(runStarted)

		emit(progress, ProgressEvent{
			Kind:       "step_completed",
			StepID:     step.ID,
			Name:       step.Name,
			Status:     stepResult.Status,
			DurationMs: endedMs - startedMs,
			Assertions: stepResult.Assertions,
		})

		if stepErr != nil {
			runErr = stepErr
		}
		results = append(results, stepResult)
	}

	return results, outputBytes, runErr
}

func skippedStep(step scenario.Step, timeMs int64) StepResult {
	return StepResult{
		StepID:      step.ID,
		Name:        step.Name,
		Status:      StepSkipped,
		StartedAtMs: timeMs,
		EndedAtMs:   timeMs,
		Action:      step.Action,
	}
}

// executeStep performs step's action, evaluates its assertions, and
// retries up to step.Retries times within step.TimeoutMs before giving
// up.
func executeStep(ctx context.Context, sess *session.Session, step scenario.Step, p policy.Policy, outputBytes *int64, startedMs int64, runStarted time.Time, artifacts Artifacts) (StepResult, *conderr.Error) {
	var attempts uint32
	var lastErr *conderr.Error
	status := StepFailed
	var assertionResults []AssertionResult

	for attempt := uint32(0); attempt <= step.Retries; attempt++ {
		attempts++

		observation, cerr := performAction(ctx, sess, step.Action, time.Duration(step.TimeoutMs)*time.Millisecond, p)
		if cerr != nil {
			if cerr.Code == conderr.CodeTimeout {
				cerr = cerr.WithContext("step_id", step.ID.String()).WithContext("step_name", step.Name)
			}
			lastErr = cerr
			status = StepErrored
			continue
		}

		if observation.TranscriptDelta != nil {
			*outputBytes += int64(len(*observation.TranscriptDelta))
		}
		if budgetErr := checkStepBudgets(observation, *outputBytes, p); budgetErr != nil {
			lastErr = budgetErr
			status = StepErrored
			break
		}

		if artifacts != nil {
			_ = artifacts.WriteSnapshot(observation.Screen)
			if observation.TranscriptDelta != nil {
				_ = artifacts.WriteTranscript(*observation.TranscriptDelta)
			}
			_ = artifacts.WriteObservation(observation)
		}

		assertionResults = assertionResults[:0]
		allPassed := true
		for _, a := range step.Assert {
			result := assertion.Evaluate(observation, a, nil)
			if !result.Passed {
				allPassed = false
			}
			assertionResults = append(assertionResults, AssertionResult{
				AssertionType: a.Type,
				Passed:        result.Passed,
				Message:       result.Message,
				Context:       result.Context,
			})
		}

		if allPassed {
			status = StepPassed
			lastErr = nil
			break
		}
		lastErr = conderr.New(conderr.CodeAssertionFailed, "one or more assertions failed")
	}

	endedMs := elapsedMs(runStarted)
	var runErr *conderr.Error
	if status != StepPassed {
		runErr = lastErr
	}

	return StepResult{
		StepID:      step.ID,
		Name:        step.Name,
		Status:      status,
		Attempts:    attempts,
		StartedAtMs: startedMs,
		EndedAtMs:   endedMs,
		Action:      step.Action,
		Assertions:  assertionResults,
		Error:       errorInfo(lastErr),
	}, runErr
}

func checkStepBudgets(observation *session.Observation, outputBytes int64, p policy.Policy) *conderr.Error {
	if outputBytes > p.Budgets.MaxOutputBytes {
		return conderr.New(conderr.CodeTimeout, "output budget exceeded").
			WithContext("max_output_bytes", p.Budgets.MaxOutputBytes)
	}
	if size, err := snapshotBytes(observation.Screen); err == nil && size > p.Budgets.MaxSnapshotBytes {
		return conderr.New(conderr.CodeTimeout, "snapshot budget exceeded").
			WithContext("max_snapshot_bytes", p.Budgets.MaxSnapshotBytes)
	}
	return nil
}

func snapshotBytes(snapshot terminal.ScreenSnapshot) (int64, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// performAction dispatches a step's action: wait conditions poll via
// package wait, terminate signals the session and takes one final
// observation, and every other action type sends through the session
// and observes the result.
func performAction(ctx context.Context, sess *session.Session, action scenario.Action, timeout time.Duration, p policy.Policy) (*session.Observation, *conderr.Error) {
	switch action.Type {
	case scenario.ActionWait:
		return performWait(ctx, sess, action, timeout, p)
	case scenario.ActionTerminate:
		if cerr := sess.Terminate(); cerr != nil {
			return nil, cerr
		}
		return sess.Observe(ctx, 10*time.Millisecond)
	default:
		if cerr := sess.Send(action); cerr != nil {
			return nil, cerr
		}
		return sess.Observe(ctx, timeout)
	}
}

type waitPayload struct {
	Condition wait.Condition `json:"condition"`
}

func performWait(ctx context.Context, sess *session.Session, action scenario.Action, timeout time.Duration, p policy.Policy) (*session.Observation, *conderr.Error) {
	var payload waitPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return nil, conderr.New(conderr.CodeProtocol, "invalid wait action payload").
			WithContext("parse_error", err.Error()).
			WithContext("expected", map[string]any{
				"condition": map[string]string{
					"type":    "screen_contains | screen_matches | cursor_at | process_exited",
					"payload": "object (varies by condition type)",
				},
			})
	}

	maxWait := time.Duration(p.Budgets.MaxWaitMs) * time.Millisecond
	waitTimeout := timeout
	if waitTimeout > maxWait {
		waitTimeout = maxWait
	}

	return wait.For(ctx, sess, payload.Condition, time.Now().Add(waitTimeout))
}

// ResolveSpawnCommand returns the actual command and args to exec: the
// scenario's command and args directly when sandboxing is disabled, or
// the bwrap invocation that wraps them when the policy requires
// isolation. Exported so package driver can spawn a session through the
// same sandbox-resolution path as a scenario run.
func ResolveSpawnCommand(effective *policy.EffectivePolicy, command string, args []string) (string, []string, *conderr.Error) {
	if effective.Sandbox == policy.SandboxNone {
		return command, args, nil
	}

	caps := sandbox.DetectCapabilities()
	if !caps.CanRunSandbox() {
		return "", nil, conderr.New(conderr.CodeSandboxUnavailable, "sandbox isolation required by policy is not available on this host").
			WithContext("reason", caps.SkipReason())
	}

	profile, cerr := sandbox.Generate(effective, command, args)
	if cerr != nil {
		return "", nil, cerr
	}
	box, err := sandbox.New(sandbox.Config{Profile: profile, ScopeName: scopeNameFor(effective, command)})
	if err != nil {
		return "", nil, conderr.New(conderr.CodeInternal, "failed to construct sandbox").WithCause(err)
	}
	fullCmd, cerr := box.DryRun()
	if cerr != nil {
		return "", nil, cerr
	}
	if len(fullCmd) == 0 {
		return "", nil, conderr.New(conderr.CodeInternal, "sandbox produced an empty command line")
	}
	return fullCmd[0], fullCmd[1:], nil
}

// scopeNameFor derives a systemd scope name from the command being run,
// so a resource-limited run is identifiable in `systemctl --user status`
// output. Only exercised when the policy sets a resource limit; an empty
// name is harmless (NewSystemdScope falls back to an unnamed scope).
func scopeNameFor(effective *policy.EffectivePolicy, command string) string {
	base := filepath.Base(command)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return "conductor-" + b.String()
}

// awaitExit waits for the child to exit within the run's remaining
// runtime budget, terminating it first when the run already failed.
func awaitExit(sess *session.Session, p policy.Policy, runStarted time.Time, hasError bool) *session.ExitStatus {
	if hasError {
		status, _ := sess.TerminateProcessGroup(200 * time.Millisecond)
		return status
	}

	maxRuntime := time.Duration(p.Budgets.MaxRuntimeMs) * time.Millisecond
	elapsed := time.Since(runStarted)
	if elapsed >= maxRuntime {
		status, _ := sess.TerminateProcessGroup(200 * time.Millisecond)
		return status
	}

	status, cerr := sess.WaitForExit(maxRuntime - elapsed)
	if cerr != nil || status == nil {
		status, _ = sess.TerminateProcessGroup(200 * time.Millisecond)
	}
	return status
}

// RunExec executes a single command under policy control without a
// scenario: no steps, no assertions, just spawn, poll until exit within
// the budget, and report the outcome.
func RunExec(ctx context.Context, command string, args []string, cwd string, p policy.Policy, opts Options, artifacts Artifacts) (*RunResult, *conderr.Error) {
	runID := identity.NewRunID()
	runStarted := time.Now()
	logger := runLogger(opts)
	logger.Info("exec started", "run_id", runID, "command", command)

	effective, cerr := policy.Validate(p, policy.DetectHostInfo())
	if cerr != nil {
		return errored(runID, runStarted, command, args, cwd, p, nil, cerr), cerr
	}

	effectiveCwd := cwd
	if effectiveCwd == "" {
		effectiveCwd = p.FS.WorkingDir
	}

	if artifacts != nil {
		if err := artifacts.WritePolicy(p); err != nil {
			return nil, conderr.New(conderr.CodeIO, "failed to write policy artifact").WithCause(err)
		}
	}

	spawnCommand, spawnArgs, cerr := ResolveSpawnCommand(effective, command, args)
	if cerr != nil {
		return errored(runID, runStarted, command, args, effectiveCwd, p, nil, cerr), cerr
	}

	sess, cerr := session.Spawn(session.Config{
		Command: spawnCommand,
		Args:    spawnArgs,
		Cwd:     effectiveCwd,
		Size:    terminal.DefaultSize(),
		Env:     p.Env,
		RunID:   runID,
		Logger:  logger,
	})
	if cerr != nil {
		return errored(runID, runStarted, command, args, effectiveCwd, p, nil, cerr), cerr
	}
	defer sess.Close()

	deadline := runStarted.Add(time.Duration(p.Budgets.MaxRuntimeMs) * time.Millisecond)
	observation, exitStatus, cerr := pollExecUntilExit(ctx, sess, p, artifacts, deadline)
	if cerr != nil {
		return errored(runID, runStarted, command, args, effectiveCwd, p, nil, cerr), cerr
	}

	status := RunPassed
	var errInfo *ErrorInfo
	if !exitStatus.Success {
		status = RunFailed
		errInfo = &ErrorInfo{Code: conderr.CodeProcessExit, Message: "process exited unsuccessfully"}
	}

	result := &RunResult{
		RunResultVersion: RunResultVersion,
		ProtocolVersion:  1,
		RunID:            runID,
		Status:           status,
		EndedAtMs:        elapsedMs(runStarted),
		Command:          command,
		Args:             args,
		Cwd:              effectiveCwd,
		Policy:           p,
		FinalObservation: observation,
		ExitStatus:       exitStatus,
		Error:            errInfo,
	}

	if artifacts != nil {
		_ = artifacts.WriteSnapshot(observation.Screen)
		if observation.TranscriptDelta != nil {
			_ = artifacts.WriteTranscript(*observation.TranscriptDelta)
		}
		if err := artifacts.WriteRunResult(result); err != nil {
			return result, conderr.New(conderr.CodeIO, "failed to write run result artifact").WithCause(err)
		}
		if err := artifacts.FlushChecksums(); err != nil {
			return result, conderr.New(conderr.CodeIO, "failed to flush artifact checksums").WithCause(err)
		}
	}

	logger.Info("exec completed", "run_id", runID, "status", status, "duration_ms", result.EndedAtMs)
	return result, nil
}

func pollExecUntilExit(ctx context.Context, sess *session.Session, p policy.Policy, artifacts Artifacts, deadline time.Time) (*session.Observation, *session.ExitStatus, *conderr.Error) {
	var outputBytes int64

	observe := func(window time.Duration) (*session.Observation, *conderr.Error) {
		observation, cerr := sess.Observe(ctx, window)
		if cerr != nil {
			return nil, cerr
		}
		if observation.TranscriptDelta != nil {
			outputBytes += int64(len(*observation.TranscriptDelta))
		}
		if budgetErr := checkStepBudgets(observation, outputBytes, p); budgetErr != nil {
			_, _ = sess.TerminateProcessGroup(200 * time.Millisecond)
			return nil, budgetErr
		}
		if artifacts != nil {
			_ = artifacts.WriteObservation(observation)
		}
		return observation, nil
	}

	observation, cerr := observe(50 * time.Millisecond)
	if cerr != nil {
		return nil, nil, cerr
	}

	for {
		if status, cerr := sess.WaitForExit(0); cerr != nil {
			return nil, nil, cerr
		} else if status != nil {
			final, _ := observe(10 * time.Millisecond)
			if final != nil {
				observation = final
			}
			return observation, status, nil
		}

		if time.Now().After(deadline) {
			_, _ = sess.TerminateProcessGroup(200 * time.Millisecond)
			return nil, nil, conderr.New(conderr.CodeTimeout, "run exceeded max runtime budget").
				WithContext("max_runtime_ms", p.Budgets.MaxRuntimeMs)
		}

		observation, cerr = observe(50 * time.Millisecond)
		if cerr != nil {
			return nil, nil, cerr
		}
	}
}

func elapsedMs(startedAt time.Time) int64 {
	return time.Since(startedAt).Milliseconds()
}
