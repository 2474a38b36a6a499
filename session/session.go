// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns one PTY-attached child process: spawning it,
// sending it keys/text/resize/terminate actions, and turning its output
// into canonical observations via the terminal package. A session
// exclusively owns its PTY file descriptors and the child's process
// group for its entire lifetime.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opsconductor/conductor/conderr"
	"github.com/opsconductor/conductor/identity"
	"github.com/opsconductor/conductor/policy"
	"github.com/opsconductor/conductor/scenario"
	"github.com/opsconductor/conductor/terminal"
)

const protocolVersion = 1

// Config is the configuration for spawning a Session.
type Config struct {
	Command string
	Args    []string
	Cwd     string
	Size    terminal.TerminalSize
	Env     policy.EnvPolicy
	RunID   identity.RunID

	// Logger for session lifecycle and pty read events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

// Observation is one point-in-time view of a session: the canonical
// screen, the raw bytes observed since the previous call, and any
// side-channel events the terminal engine raised while decoding them.
type Observation struct {
	ProtocolVersion  uint32                  `json:"protocol_version"`
	RunID            identity.RunID          `json:"run_id"`
	SessionID        identity.SessionID      `json:"session_id"`
	TimestampMs      int64                   `json:"timestamp_ms"`
	Screen           terminal.ScreenSnapshot `json:"screen"`
	TranscriptDelta  *string                 `json:"transcript_delta,omitempty"`
	Events           []terminal.Event        `json:"events"`
}

// ExitStatus is the outcome of a terminated child process.
type ExitStatus struct {
	Success             bool  `json:"success"`
	ExitCode            *int  `json:"exit_code,omitempty"`
	Signal              *int  `json:"signal,omitempty"`
	TerminatedByHarness bool  `json:"terminated_by_harness"`
}

// Session is a PTY-backed handle to one child process.
type Session struct {
	runID     identity.RunID
	sessionID identity.SessionID

	master *os.File
	cmd    *exec.Cmd
	engine *terminal.Engine
	logger *slog.Logger

	startedAt time.Time

	exitDone   chan struct{}
	exitResult error

	// readMu guards readBuf and readErr, which the single background
	// reader goroutine started in Spawn appends to and Observe drains.
	// A pty read is destructive: bytes handed to a timed-out Observe
	// call must still reach the next one, so they live here between
	// calls rather than inside a per-call goroutine's local channel.
	readMu     sync.Mutex
	readBuf    []byte
	readErr    error
	readNotify chan struct{}

	mu                  sync.Mutex
	terminatedByHarness bool
}

// Spawn opens a controller-side PTY by hand against /dev/ptmx, attaches
// the child as the follower's controlling terminal, and starts it in its
// own process group.
func Spawn(config Config) (*Session, *conderr.Error) {
	size := config.Size
	if size.Rows == 0 || size.Cols == 0 {
		size = terminal.DefaultSize()
	}

	master, slavePath, err := openPTY()
	if err != nil {
		return nil, conderr.New(conderr.CodeIO, "failed to open pty").WithCause(err)
	}
	if err := setWindowSize(int(master.Fd()), size.Cols, size.Rows); err != nil {
		master.Close()
		return nil, conderr.New(conderr.CodeIO, "failed to set initial pty window size").WithCause(err)
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, conderr.New(conderr.CodeIO, "failed to open pty follower").WithCause(err)
	}

	cmd := exec.Command(config.Command, config.Args...)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	if config.Cwd != "" {
		cmd.Dir = config.Cwd
	}
	cmd.Env = buildEnv(config.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, conderr.New(conderr.CodeIO, "failed to start command").WithCause(err)
	}
	slave.Close()

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		runID:      config.RunID,
		sessionID:  identity.NewSessionID(),
		master:     master,
		cmd:        cmd,
		engine:     terminal.New(size),
		logger:     logger,
		startedAt:  time.Now(),
		exitDone:   make(chan struct{}),
		readNotify: make(chan struct{}, 1),
	}
	go func() {
		s.exitResult = cmd.Wait()
		close(s.exitDone)
	}()
	go s.readLoop()

	logger.Debug("spawned session",
		"session_id", s.sessionID,
		"command", config.Command,
		"args", config.Args,
	)
	return s, nil
}

// readLoop is the single goroutine that ever calls master.Read: exactly
// one background reader per session, started here and running for the
// session's lifetime, so a pty read is never abandoned mid-flight the
// way a fresh per-call goroutine would be. It appends every chunk it
// reads to readBuf and wakes any Observe call waiting on readNotify.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.readMu.Lock()
			s.readBuf = append(s.readBuf, chunk...)
			s.readMu.Unlock()
			s.wakeObserve()
		}
		if err != nil {
			s.readMu.Lock()
			s.readErr = err
			s.readMu.Unlock()
			s.wakeObserve()
			if !isBenignReadError(err) {
				s.logger.Warn("pty read failed", "session_id", s.sessionID, "error", err)
			}
			return
		}
	}
}

func (s *Session) wakeObserve() {
	select {
	case s.readNotify <- struct{}{}:
	default:
	}
}

// drainReadBuffer hands the caller everything readLoop has accumulated
// since the last drain and clears it, so the same bytes are never
// returned to two different Observe calls.
func (s *Session) drainReadBuffer() ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	data := s.readBuf
	s.readBuf = nil
	return data, s.readErr
}

// buildEnv assembles the child's environment from an EnvPolicy: Inherit
// copies the harness's own environment first, Allowlist narrows which
// inherited names survive, and Set wins over both.
func buildEnv(env policy.EnvPolicy) []string {
	var result []string
	if env.Inherit {
		allow := make(map[string]bool, len(env.Allowlist))
		for _, name := range env.Allowlist {
			allow[name] = true
		}
		for _, kv := range os.Environ() {
			name := kv
			if idx := strings.IndexByte(kv, '='); idx >= 0 {
				name = kv[:idx]
			}
			if len(env.Allowlist) == 0 || allow[name] {
				result = append(result, kv)
			}
		}
	}
	for k, v := range env.Set {
		result = append(result, k+"="+v)
	}
	return result
}

// SessionID returns this session's identifier.
func (s *Session) SessionID() identity.SessionID { return s.sessionID }

// Send encodes one scenario action and writes it to the PTY, or performs
// its non-I/O effect (resize, wait, terminate).
func (s *Session) Send(action scenario.Action) *conderr.Error {
	switch action.Type {
	case scenario.ActionKey:
		key, cerr := payloadString(action.Payload, "key", "key action")
		if cerr != nil {
			return cerr
		}
		bytes, cerr := KeyToBytes(key)
		if cerr != nil {
			return cerr
		}
		return s.write(bytes)

	case scenario.ActionText:
		text, cerr := payloadString(action.Payload, "text", "text action")
		if cerr != nil {
			return cerr
		}
		return s.write([]byte(text))

	case scenario.ActionResize:
		var payload struct {
			Rows uint16 `json:"rows"`
			Cols uint16 `json:"cols"`
		}
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return conderr.New(conderr.CodeProtocol, "invalid resize action payload").WithCause(err)
		}
		if payload.Rows == 0 || payload.Cols == 0 {
			return conderr.New(conderr.CodeProtocol, "resize action requires non-zero rows and cols")
		}
		if err := setWindowSize(int(s.master.Fd()), payload.Cols, payload.Rows); err != nil {
			return conderr.New(conderr.CodeIO, "failed to resize pty").WithCause(err)
		}
		s.engine.Resize(terminal.TerminalSize{Rows: payload.Rows, Cols: payload.Cols})
		return nil

	case scenario.ActionWait:
		return nil

	case scenario.ActionTerminate:
		return s.Terminate()

	default:
		return conderr.New(conderr.CodeProtocol, fmt.Sprintf("unsupported action type %q", action.Type))
	}
}

func payloadString(payload json.RawMessage, key, context string) (string, *conderr.Error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", conderr.New(conderr.CodeProtocol, fmt.Sprintf("invalid %s payload", context)).WithCause(err)
	}
	value, ok := m[key].(string)
	if !ok {
		return "", conderr.New(conderr.CodeProtocol, fmt.Sprintf("missing or invalid %q field in %s payload", key, context)).
			WithContext("expected", map[string]string{key: "string"})
	}
	return value, nil
}

func (s *Session) write(data []byte) *conderr.Error {
	if _, err := s.master.Write(data); err != nil {
		return conderr.New(conderr.CodeIO, "failed to write to pty").WithCause(err)
	}
	return nil
}

// Observe reads available PTY output up to deadline, feeds it through
// the terminal engine, and returns a fresh observation. The blocking
// read happens on the single reader goroutine started in Spawn; Observe
// only ever drains the bytes that goroutine has already accumulated, so
// a call that times out before new data arrives loses nothing — the
// next call picks up exactly where this one left off.
func (s *Session) Observe(ctx context.Context, deadline time.Duration) (*Observation, *conderr.Error) {
	collected, readErr := s.drainReadBuffer()

	if len(collected) == 0 && readErr == nil {
		timer := time.NewTimer(deadline)
		defer timer.Stop()

		select {
		case <-s.readNotify:
		case <-timer.C:
		case <-ctx.Done():
			return nil, conderr.New(conderr.CodeIO, "observe canceled").WithCause(ctx.Err())
		}

		collected, readErr = s.drainReadBuffer()
	}

	if readErr != nil && !isBenignReadError(readErr) {
		return nil, conderr.New(conderr.CodeIO, "failed to read pty").WithCause(readErr)
	}

	events := s.engine.ProcessBytes(collected)

	var delta *string
	if len(collected) > 0 {
		text := string(collected)
		delta = &text
	}

	return &Observation{
		ProtocolVersion: protocolVersion,
		RunID:           s.runID,
		SessionID:       s.sessionID,
		TimestampMs:     time.Since(s.startedAt).Milliseconds(),
		Screen:          s.engine.Snapshot(),
		TranscriptDelta: delta,
		Events:          events,
	}, nil
}

func isBenignReadError(err error) bool {
	// Linux reports EIO on the pty controller once the child side closes.
	return err == io.EOF || errors.Is(err, syscall.EIO)
}

// WaitForExit polls the child, returning its ExitStatus within timeout
// or nil if the timeout elapses first.
func (s *Session) WaitForExit(timeout time.Duration) (*ExitStatus, *conderr.Error) {
	select {
	case <-s.exitDone:
		return s.exitStatus(s.exitResult), nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (s *Session) exitStatus(waitErr error) *ExitStatus {
	s.mu.Lock()
	harness := s.terminatedByHarness
	s.mu.Unlock()

	status := &ExitStatus{TerminatedByHarness: harness}
	if waitErr == nil {
		status.Success = true
		code := 0
		status.ExitCode = &code
		return status
	}
	var exitErr *exec.ExitError
	if ok := asExitError(waitErr, &exitErr); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := int(ws.Signal())
			status.Signal = &sig
			return status
		}
		code := exitErr.ExitCode()
		status.ExitCode = &code
		status.Success = code == 0
		return status
	}
	return status
}

func asExitError(err error, target **exec.ExitError) bool {
	if exitErr, ok := err.(*exec.ExitError); ok {
		*target = exitErr
		return true
	}
	return false
}

// Terminate sends SIGTERM to the process group.
func (s *Session) Terminate() *conderr.Error {
	return s.signalGroup(syscall.SIGTERM)
}

// TerminateProcessGroup delivers SIGTERM to the whole process group,
// waits grace for exit, then sends SIGKILL. Returns the exit status if
// the process terminates within the combined wait.
func (s *Session) TerminateProcessGroup(grace time.Duration) (*ExitStatus, *conderr.Error) {
	s.mu.Lock()
	s.terminatedByHarness = true
	s.mu.Unlock()

	if cerr := s.signalGroup(syscall.SIGTERM); cerr != nil {
		return nil, cerr
	}
	if status, cerr := s.WaitForExit(grace); cerr != nil {
		return nil, cerr
	} else if status != nil {
		return status, nil
	}
	if cerr := s.signalGroup(syscall.SIGKILL); cerr != nil {
		return nil, cerr
	}
	return s.WaitForExit(200 * time.Millisecond)
}

func (s *Session) signalGroup(sig syscall.Signal) *conderr.Error {
	if s.cmd.Process == nil {
		return nil
	}
	pgid := s.cmd.Process.Pid
	if err := syscall.Kill(-pgid, sig); err != nil && err != syscall.ESRCH {
		return conderr.New(conderr.CodeIO, "failed to signal process group").WithCause(err)
	}
	return nil
}

// Close releases the controller-side PTY file descriptor. It does not
// wait for or signal the child; callers that need guaranteed cleanup
// should call TerminateProcessGroup first.
func (s *Session) Close() error {
	return s.master.Close()
}

// Attach copies bytes bidirectionally between the PTY and stdin/stdout,
// bypassing the Action/Observation protocol entirely. It exists for the
// interactive CLI path, where an operator's own keystrokes should reach
// the child directly rather than through a scripted action list; it
// returns once the PTY-to-stdout copy hits EOF, which happens when the
// child exits and closes its side of the pty.
func (s *Session) Attach(stdin io.Reader, stdout io.Writer) error {
	go io.Copy(s.master, stdin)
	_, err := io.Copy(stdout, s.master)
	if isBenignReadError(err) {
		return nil
	}
	return err
}

// openPTY allocates a controller/follower PTY pair using the Linux
// devpts interface: open /dev/ptmx, discover the follower number with
// TIOCGPTN, then unlock it with TIOCSPTLCK.
func openPTY() (controller *os.File, followerPath string, err error) {
	controller, err = os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	fd := int(controller.Fd())

	number, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		controller.Close()
		return nil, "", fmt.Errorf("get pty number (TIOCGPTN): %w", err)
	}

	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		controller.Close()
		return nil, "", fmt.Errorf("unlock pty follower (TIOCSPTLCK): %w", err)
	}

	return controller, fmt.Sprintf("/dev/pts/%d", number), nil
}

// setWindowSize sets the PTY's dimensions via TIOCSWINSZ, which delivers
// SIGWINCH to the foreground process group attached to the follower.
func setWindowSize(fd int, cols, rows uint16) error {
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{Col: cols, Row: rows})
}

// KeyToBytes encodes a key name into the byte sequence a real terminal
// would send for it. Single-character keys are sent literally.
func KeyToBytes(key string) ([]byte, *conderr.Error) {
	switch key {
	case "Enter":
		return []byte{'\r'}, nil
	case "Tab":
		return []byte{'\t'}, nil
	case "Escape":
		return []byte{0x1b}, nil
	case "Backspace":
		return []byte{0x7f}, nil
	case "Up":
		return []byte("\x1b[A"), nil
	case "Down":
		return []byte("\x1b[B"), nil
	case "Right":
		return []byte("\x1b[C"), nil
	case "Left":
		return []byte("\x1b[D"), nil
	case "Home":
		return []byte("\x1b[H"), nil
	case "End":
		return []byte("\x1b[F"), nil
	case "Delete":
		return []byte("\x1b[3~"), nil
	case "PageUp":
		return []byte("\x1b[5~"), nil
	case "PageDown":
		return []byte("\x1b[6~"), nil
	}
	for n := 1; n <= 12; n++ {
		if key == fmt.Sprintf("F%d", n) {
			return functionKeyBytes(n), nil
		}
	}
	if strings.HasPrefix(key, "Ctrl+") && len([]rune(key)) == len([]rune("Ctrl+"))+1 {
		ch := []rune(key)[len([]rune("Ctrl+"))]
		return []byte{byte(ch) & 0x1f}, nil
	}
	if len([]rune(key)) == 1 {
		return []byte(key), nil
	}
	return nil, conderr.New(conderr.CodeProtocol, fmt.Sprintf("unsupported key %q", key)).
		WithContext("received_key", key)
}

func functionKeyBytes(n int) []byte {
	// xterm-style function key encodings.
	switch n {
	case 1:
		return []byte("\x1bOP")
	case 2:
		return []byte("\x1bOQ")
	case 3:
		return []byte("\x1bOR")
	case 4:
		return []byte("\x1bOS")
	case 5:
		return []byte("\x1b[15~")
	case 6:
		return []byte("\x1b[17~")
	case 7:
		return []byte("\x1b[18~")
	case 8:
		return []byte("\x1b[19~")
	case 9:
		return []byte("\x1b[20~")
	case 10:
		return []byte("\x1b[21~")
	case 11:
		return []byte("\x1b[23~")
	default:
		return []byte("\x1b[24~")
	}
}
