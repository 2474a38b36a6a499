// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package driver implements the protocol-versioned NDJSON request/response
// loop: one line of input is one Action to perform against a spawned
// session, one line of output is exactly one Response naming the same
// request_id. Unlike package runner, which drives a scenario end to end
// from a fixed step list, the driver takes its actions one at a time from
// an external caller (an agent, a script, a test harness) and reports
// each observation as it happens.
package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/opsconductor/conductor/artifacts"
	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/policy"
	"github.com/opsconductor/conductor/runner"
	"github.com/opsconductor/conductor/scenario"
	"github.com/opsconductor/conductor/session"
	"github.com/opsconductor/conductor/terminal"
	"github.com/opsconductor/conductor/wait"
)

// ProtocolVersion is the driver wire protocol version this build speaks.
// A request naming a different version is rejected with
// E_PROTOCOL_VERSION_MISMATCH rather than interpreted loosely.
const ProtocolVersion = 1

// defaultActionTimeoutMs is used when a request omits timeout_ms.
const defaultActionTimeoutMs = 50

// Request is one line of driver input.
type Request struct {
	ProtocolVersion uint32          `json:"protocol_version"`
	RequestID       string          `json:"request_id"`
	Action          scenario.Action `json:"action"`
	TimeoutMs       *int64          `json:"timeout_ms,omitempty"`
}

// ResponseStatus discriminates a successful action from a failed one.
type ResponseStatus string

const (
	StatusOK    ResponseStatus = "ok"
	StatusError ResponseStatus = "error"
)

// ActionMetrics reports one action's position and duration within the
// driver run. Sequence is strictly increasing across the whole run and
// identifies the action globally, independent of request_id, which the
// caller controls and may reuse or omit ordering guarantees for.
type ActionMetrics struct {
	Sequence   uint64 `json:"sequence"`
	DurationMs int64  `json:"duration_ms"`
}

// Response is one line of driver output, always paired 1:1 with a Request.
type Response struct {
	ProtocolVersion uint32               `json:"protocol_version"`
	RequestID       string               `json:"request_id"`
	Status          ResponseStatus       `json:"status"`
	Observation     *session.Observation `json:"observation,omitempty"`
	Error           *runner.ErrorInfo    `json:"error,omitempty"`
	ActionMetrics   *ActionMetrics       `json:"action_metrics,omitempty"`
}

// Config configures one driver run.
type Config struct {
	Command      string
	Args         []string
	Cwd          string
	Policy       policy.Policy
	ArtifactsDir string
	Overwrite    bool

	// Logger for driver and session lifecycle events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

// DefaultPolicy returns the deny-by-default policy the driver falls back
// to when a caller supplies none: every capability denied except running
// command itself, with every acknowledgement left off. Sandbox isolation
// stays on, so no acknowledgement is required for this default to be
// internally consistent.
func DefaultPolicy(command string) policy.Policy {
	p := policy.Default()
	p.Exec.AllowedExecutables = []string{command}
	return p
}

// actionLogRecord is appended to driver-actions.jsonl, one per performed
// action, letting a driver session be replayed as an ordinary scenario.
type actionLogRecord struct {
	Sequence    uint64          `json:"sequence"`
	RequestID   string          `json:"request_id"`
	Action      scenario.Action `json:"action"`
	TimeoutMs   int64           `json:"timeout_ms"`
	StartedAtMs int64           `json:"started_at_ms"`
	EndedAtMs   int64           `json:"ended_at_ms"`
}

// Run reads Requests from input and writes one Response per line to
// output until input is exhausted, a terminate action is performed, or a
// run-ending error occurs. It returns the synthesized RunResult (the
// driver session recast as a scenario, so it can be replayed like any
// other run) and the run-ending error, if any.
func Run(ctx context.Context, input io.Reader, output io.Writer, cfg Config) (*runner.RunResult, *conderr.Error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	effective, cerr := policy.Validate(cfg.Policy, policy.DetectHostInfo())
	if cerr != nil {
		return nil, cerr
	}

	var writer *artifacts.Writer
	if cfg.ArtifactsDir != "" {
		w, cerr := artifacts.New(identity.RunID{}, artifacts.WriterConfig{Dir: cfg.ArtifactsDir, Overwrite: cfg.Overwrite, Logger: logger})
		if cerr != nil {
			return nil, cerr
		}
		writer = w
	}

	runID := identity.NewRunID()
	runStarted := time.Now()
	logger.Info("driver started", "run_id", runID, "command", cfg.Command)

	if writer != nil {
		if err := writer.WritePolicy(cfg.Policy); err != nil {
			return nil, conderr.New(conderr.CodeIO, "failed to write policy artifact").WithCause(err)
		}
		record := &artifacts.NormalizationRecord{
			NormalizationVersion: 1,
			Source:               artifacts.NormalizationSourceNone,
		}
		if err := writer.WriteNormalization(record); err != nil {
			return nil, conderr.New(conderr.CodeIO, "failed to write normalization artifact").WithCause(err)
		}
	}

	cwd := cfg.Cwd
	if cwd == "" {
		cwd = cfg.Policy.FS.WorkingDir
	}

	command, args, cerr := runner.ResolveSpawnCommand(effective, cfg.Command, cfg.Args)
	if cerr != nil {
		return nil, cerr
	}

	sess, cerr := session.Spawn(session.Config{
		Command: command,
		Args:    args,
		Cwd:     cwd,
		Size:    terminal.DefaultSize(),
		Env:     cfg.Policy.Env,
		RunID:   runID,
		Logger:  logger,
	})
	if cerr != nil {
		return nil, cerr
	}
	defer sess.Close()

	loop := &loopState{
		sess:       sess,
		policy:     cfg.Policy,
		writer:     writer,
		runStarted: runStarted,
		encoder:    bufio.NewWriter(output),
	}
	defer loop.encoder.Flush()

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var finalErr *conderr.Error
	var finalObservation *session.Observation

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var request Request
		if err := json.Unmarshal(line, &request); err != nil {
			cerr := conderr.New(conderr.CodeProtocol, "invalid json request").
				WithContext("parse_error", err.Error()).
				WithContext("hint", "request must be {protocol_version, request_id, action, timeout_ms?}")
			loop.emit(Response{
				ProtocolVersion: ProtocolVersion,
				RequestID:       "unknown",
				Status:          StatusError,
				Error:           errorInfo(cerr),
			})
			finalErr = cerr
			continue
		}

		if request.ProtocolVersion != ProtocolVersion {
			cerr := conderr.New(conderr.CodeProtocolVersion, "unsupported protocol version").
				WithContext("provided_version", request.ProtocolVersion).
				WithContext("supported_version", ProtocolVersion)
			loop.emit(Response{
				ProtocolVersion: ProtocolVersion,
				RequestID:       request.RequestID,
				Status:          StatusError,
				Error:           errorInfo(cerr),
			})
			finalErr = cerr
			break
		}

		observation, metrics, cerr := loop.perform(ctx, request)
		if cerr != nil {
			loop.emit(Response{
				ProtocolVersion: ProtocolVersion,
				RequestID:       request.RequestID,
				Status:          StatusError,
				Error:           errorInfo(cerr),
				ActionMetrics:   metrics,
			})
			finalErr = cerr
			break
		}

		loop.emit(Response{
			ProtocolVersion: ProtocolVersion,
			RequestID:       request.RequestID,
			Status:          StatusOK,
			Observation:     observation,
			ActionMetrics:   metrics,
		})
		finalObservation = observation

		if request.Action.Type == scenario.ActionTerminate {
			break
		}
	}
	if err := scanner.Err(); err != nil && finalErr == nil {
		finalErr = conderr.New(conderr.CodeIO, "failed to read driver input").WithCause(err)
	}

	if finalObservation == nil {
		finalObservation, _ = sess.Observe(ctx, 10*time.Millisecond)
	}

	exitStatus := awaitExit(sess, finalErr != nil)

	status := runner.RunPassed
	if finalErr != nil {
		status = runner.RunErrored
	}

	result := &runner.RunResult{
		RunResultVersion: runner.RunResultVersion,
		ProtocolVersion:  ProtocolVersion,
		RunID:            runID,
		Status:           status,
		EndedAtMs:        elapsedMs(runStarted),
		Command:          cfg.Command,
		Args:             cfg.Args,
		Cwd:              cwd,
		Policy:           cfg.Policy,
		Scenario:         loop.scenario(cfg, cwd),
		Steps:            loop.stepResults,
		FinalObservation: finalObservation,
		ExitStatus:       exitStatus,
		Error:            errorInfo(finalErr),
	}

	if writer != nil {
		if finalObservation != nil {
			_ = writer.WriteObservation(finalObservation)
		}
		if err := writer.WriteScenario(result.Scenario); err != nil {
			return result, conderr.New(conderr.CodeIO, "failed to write scenario artifact").WithCause(err)
		}
		if err := writer.WriteRunResult(result); err != nil {
			return result, conderr.New(conderr.CodeIO, "failed to write run result artifact").WithCause(err)
		}
		if err := writer.FlushChecksums(); err != nil {
			return result, conderr.New(conderr.CodeIO, "failed to flush artifact checksums").WithCause(err)
		}
	}

	logger.Info("driver completed", "run_id", runID, "status", status, "duration_ms", result.EndedAtMs)
	return result, finalErr
}

// loopState carries the mutable state threaded through one driver run:
// the session being driven, the running sequence counter, and the
// synthesized scenario steps recorded as each action completes.
type loopState struct {
	sess        *session.Session
	policy      policy.Policy
	writer      *artifacts.Writer
	runStarted  time.Time
	encoder     *bufio.Writer
	sequence    uint64
	outputBytes int64

	scenarioSteps []scenario.Step
	stepResults   []runner.StepResult
}

func (l *loopState) emit(response Response) {
	data, err := json.Marshal(response)
	if err != nil {
		return
	}
	l.encoder.Write(data)
	l.encoder.WriteByte('\n')
	l.encoder.Flush()
}

func (l *loopState) perform(ctx context.Context, request Request) (*session.Observation, *ActionMetrics, *conderr.Error) {
	timeoutMs := int64(defaultActionTimeoutMs)
	if request.TimeoutMs != nil {
		timeoutMs = *request.TimeoutMs
	}

	startedAtMs := elapsedMs(l.runStarted)
	actionStarted := time.Now()

	observation, cerr := performAction(ctx, l.sess, request.Action, time.Duration(timeoutMs)*time.Millisecond, l.policy)
	metrics := &ActionMetrics{Sequence: l.sequence + 1, DurationMs: time.Since(actionStarted).Milliseconds()}
	if cerr != nil {
		return nil, metrics, cerr
	}

	if observation.TranscriptDelta != nil {
		l.outputBytes += int64(len(*observation.TranscriptDelta))
	}
	if l.outputBytes > l.policy.Budgets.MaxOutputBytes {
		return nil, metrics, conderr.New(conderr.CodeTimeout, "output budget exceeded").
			WithContext("max_output_bytes", l.policy.Budgets.MaxOutputBytes)
	}
	if size, err := snapshotBytes(observation.Screen); err == nil && size > l.policy.Budgets.MaxSnapshotBytes {
		return nil, metrics, conderr.New(conderr.CodeTimeout, "snapshot budget exceeded").
			WithContext("max_snapshot_bytes", l.policy.Budgets.MaxSnapshotBytes)
	}

	l.sequence++
	endedAtMs := elapsedMs(l.runStarted)
	stepID := identity.NewStepID(fmt.Sprintf("driver-step-%d", l.sequence))

	l.scenarioSteps = append(l.scenarioSteps, scenario.Step{
		ID:        stepID,
		Name:      stepID.String(),
		Action:    request.Action,
		TimeoutMs: timeoutMs,
	})
	l.stepResults = append(l.stepResults, runner.StepResult{
		StepID:      stepID,
		Name:        stepID.String(),
		Status:      runner.StepPassed,
		Attempts:    1,
		StartedAtMs: startedAtMs,
		EndedAtMs:   endedAtMs,
		Action:      request.Action,
	})

	if l.writer != nil {
		_ = l.writer.WriteSnapshot(observation.Screen)
		if observation.TranscriptDelta != nil {
			_ = l.writer.WriteTranscript(*observation.TranscriptDelta)
		}
		_ = l.writer.WriteObservation(observation)
		_ = l.writer.WriteJSONLine("driver-actions.jsonl", actionLogRecord{
			Sequence:    l.sequence,
			RequestID:   request.RequestID,
			Action:      request.Action,
			TimeoutMs:   timeoutMs,
			StartedAtMs: startedAtMs,
			EndedAtMs:   endedAtMs,
		})
	}

	return observation, metrics, nil
}

func (l *loopState) scenario(cfg Config, cwd string) *scenario.Scenario {
	return &scenario.Scenario{
		ScenarioVersion: scenario.ScenarioVersion,
		Metadata: scenario.Metadata{
			Name:        "driver-session",
			Description: "generated from driver-actions.jsonl",
		},
		Run: scenario.RunConfig{
			Command:     cfg.Command,
			Args:        cfg.Args,
			Cwd:         cwd,
			InitialSize: terminal.DefaultSize(),
			Policy:      scenario.PolicyRef{Inline: &cfg.Policy},
		},
		Steps: l.scenarioSteps,
	}
}

// performAction mirrors runner's own action dispatch: wait conditions
// poll via package wait, terminate signals then takes one last
// observation, and every other action type sends through the session and
// observes the result.
func performAction(ctx context.Context, sess *session.Session, action scenario.Action, timeout time.Duration, p policy.Policy) (*session.Observation, *conderr.Error) {
	switch action.Type {
	case scenario.ActionWait:
		var payload struct {
			Condition wait.Condition `json:"condition"`
		}
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return nil, conderr.New(conderr.CodeProtocol, "invalid wait action payload").WithCause(err)
		}
		maxWait := time.Duration(p.Budgets.MaxWaitMs) * time.Millisecond
		waitTimeout := timeout
		if waitTimeout > maxWait {
			waitTimeout = maxWait
		}
		return wait.For(ctx, sess, payload.Condition, time.Now().Add(waitTimeout))

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

func awaitExit(sess *session.Session, hasError bool) *session.ExitStatus {
	if hasError {
		status, _ := sess.TerminateProcessGroup(200 * time.Millisecond)
		return status
	}
	status, cerr := sess.WaitForExit(50 * time.Millisecond)
	if cerr != nil || status == nil {
		status, _ = sess.TerminateProcessGroup(200 * time.Millisecond)
	}
	return status
}

func snapshotBytes(snapshot terminal.ScreenSnapshot) (int64, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func errorInfo(err *conderr.Error) *runner.ErrorInfo {
	if err == nil {
		return nil
	}
	return &runner.ErrorInfo{Code: err.Code, Message: err.Message, Context: err.Context}
}

func elapsedMs(startedAt time.Time) int64 {
	return time.Since(startedAt).Milliseconds()
}

