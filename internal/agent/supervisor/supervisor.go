// Package supervisor launches and monitors agent subprocesses: piped stdio,
// injected environment, line-oriented output fan-out and graceful shutdown.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
	v1 "github.com/memnexus/memnexus/pkg/api/v1"
)

var (
	ErrNotRunning     = errors.New("agent process not running")
	ErrAlreadyStarted = errors.New("agent process already started")
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 5 * time.Second

// maxLineSize bounds a single output line read from the agent.
const maxLineSize = 1024 * 1024

// OutputCallback receives one line of agent output. Stream is "stdout" or
// "stderr".
type OutputCallback func(agentName, stream, line string)

// ProcessStatus is the subprocess lifecycle state, separate from the agent's
// operational status in the session model.
type ProcessStatus string

const (
	ProcessIdle     ProcessStatus = "idle"
	ProcessStarting ProcessStatus = "starting"
	ProcessRunning  ProcessStatus = "running"
	ProcessStopped  ProcessStatus = "stopped"
	ProcessError    ProcessStatus = "error"
)

// Supervisor owns one agent subprocess.
type Supervisor struct {
	config    v1.AgentConfig
	sessionID string
	stopGrace time.Duration
	log       *logger.Logger

	// handoff leaves stdout unread so a protocol adapter can own it.
	handoff bool

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	status    atomic.Value // ProcessStatus
	callbacks []OutputCallback
	buffer    *OutputBuffer
	readers   sync.WaitGroup
	done      chan struct{}
	exitErr   error
	startedAt time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStopGrace overrides the SIGTERM grace period.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// WithStdoutHandoff leaves stdout unread by the supervisor so the caller can
// attach a protocol connection to it. Must be set before Start.
func WithStdoutHandoff() Option {
	return func(s *Supervisor) { s.handoff = true }
}

// WithOutputCallback registers a line callback for stdout/stderr output.
func WithOutputCallback(cb OutputCallback) Option {
	return func(s *Supervisor) { s.callbacks = append(s.callbacks, cb) }
}

// New creates a supervisor for the given agent config within a session.
func New(cfg v1.AgentConfig, sessionID string, log *logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		config:    cfg,
		sessionID: sessionID,
		stopGrace: DefaultStopGrace,
		buffer:    NewOutputBuffer(1000),
		done:      make(chan struct{}),
		log: log.WithFields(
			zap.String("component", "agent-supervisor"),
			zap.String("agent", cfg.Name),
			zap.String("session_id", sessionID)),
	}
	s.status.Store(ProcessIdle)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start resolves the command on PATH, launches the process with piped stdio
// and the injected environment, and begins reading its output.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return ErrAlreadyStarted
	}
	if len(s.config.Command) == 0 {
		return fmt.Errorf("agent %s has no command", s.config.Name)
	}

	path, err := exec.LookPath(s.config.Command[0])
	if err != nil {
		return fmt.Errorf("command %q not found on PATH: %w", s.config.Command[0], err)
	}

	cmd := exec.Command(path, s.config.Command[1:]...)
	if s.config.WorkingDir != "" {
		cmd.Dir = s.config.WorkingDir
	}
	cmd.Env = append(os.Environ(),
		"MEMNEXUS_SESSION_ID="+s.sessionID,
		"MEMNEXUS_AGENT_NAME="+s.config.Name,
		"MEMNEXUS_ENABLED=1",
	)
	for k, v := range s.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	s.status.Store(ProcessStarting)
	if err := cmd.Start(); err != nil {
		s.status.Store(ProcessError)
		return fmt.Errorf("failed to start agent %s: %w", s.config.Name, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.startedAt = time.Now().UTC()
	s.status.Store(ProcessRunning)
	s.log.Info("agent started", zap.Int("pid", cmd.Process.Pid), zap.String("path", path))

	if !s.handoff {
		s.readers.Add(1)
		go s.readLines("stdout", stdout)
	}
	s.readers.Add(1)
	go s.readLines("stderr", stderr)

	go s.reap()
	return nil
}

// readLines scans a stream line by line, buffers each line prefixed with the
// agent name and fans it out to callbacks.
func (s *Supervisor) readLines(stream string, r io.Reader) {
	defer s.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		s.buffer.Append(fmt.Sprintf("[%s] %s", s.config.Name, line))
		for _, cb := range s.callbacks {
			cb(s.config.Name, stream, line)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.WithError(err).Debug("output stream closed", zap.String("stream", stream))
	}
}

// reap waits for readers and the process, then records the exit status.
func (s *Supervisor) reap() {
	s.readers.Wait()
	err := s.cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()

	if err != nil {
		s.status.Store(ProcessError)
		s.log.WithError(err).Warn("agent exited with error")
	} else {
		s.status.Store(ProcessStopped)
		s.log.Info("agent exited")
	}
	close(s.done)
}

// Stop shuts the agent down: close stdin, SIGTERM, wait for the grace
// period, SIGKILL if it is still alive.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return ErrNotRunning
	}
	select {
	case <-s.done:
		return nil
	default:
	}

	if stdin != nil {
		_ = stdin.Close()
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.log.WithError(err).Debug("SIGTERM failed, process may have exited")
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(s.stopGrace):
	case <-ctx.Done():
	}

	s.log.Warn("agent did not exit in time, killing")
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill agent %s: %w", s.config.Name, err)
	}
	<-s.done
	return nil
}

// SendInput writes one line to the agent's stdin.
func (s *Supervisor) SendInput(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return ErrNotRunning
	}
	if _, err := io.WriteString(s.stdin, msg+"\n"); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	return nil
}

// Streams returns the agent's stdin and stdout for a protocol adapter.
// Only valid after Start with WithStdoutHandoff.
func (s *Supervisor) Streams() (io.WriteCloser, io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil, nil, ErrNotRunning
	}
	if !s.handoff {
		return nil, nil, errors.New("stdout is owned by the supervisor's line reader")
	}
	return s.stdin, s.stdout, nil
}

// Status returns the current process lifecycle state.
func (s *Supervisor) Status() ProcessStatus {
	return s.status.Load().(ProcessStatus)
}

// PID returns the process ID, or 0 before Start.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Running reports whether the process is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	started := s.cmd != nil
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done is closed when the process has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// ExitErr returns the process exit error after Done is closed.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Output returns the ring buffer of captured output lines.
func (s *Supervisor) Output() *OutputBuffer {
	return s.buffer
}

// Name returns the agent name.
func (s *Supervisor) Name() string {
	return s.config.Name
}

// Role returns the agent role.
func (s *Supervisor) Role() string {
	return s.config.Role
}
