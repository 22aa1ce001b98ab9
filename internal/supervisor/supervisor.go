// Package supervisor spawns the backend, learns its port from a stdout
// handshake, waits for its health endpoint, and tears it down on request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattjoyce/sidecar/internal/log"
	"github.com/mattjoyce/sidecar/internal/metrics"
	"github.com/mattjoyce/sidecar/internal/platform"
)

// stopWaitLimit bounds how long Stop waits for exit after a kill.
const stopWaitLimit = 10 * time.Second

// Command describes how to launch the backend.
type Command struct {
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env []string
	Dir string
}

// Supervisor owns one backend process at a time.
type Supervisor struct {
	command Command

	marker         string
	host           string
	portWait       time.Duration
	healthPath     string
	healthInterval time.Duration
	healthAttempts int
	stopGrace      time.Duration
	client         *http.Client

	metrics metrics.Collector
	logger  *slog.Logger
	onState func(from, to State)

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
	port    uint16
	pid     int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMarker sets the stdout handshake marker.
func WithMarker(marker string) Option {
	return func(s *Supervisor) { s.marker = marker }
}

// WithHost sets the host used for health checks.
func WithHost(host string) Option {
	return func(s *Supervisor) { s.host = host }
}

// WithPortWait bounds the port handshake.
func WithPortWait(d time.Duration) Option {
	return func(s *Supervisor) { s.portWait = d }
}

// WithHealth configures the readiness poll.
func WithHealth(path string, interval time.Duration, attempts int, requestTimeout time.Duration) Option {
	return func(s *Supervisor) {
		s.healthPath = path
		s.healthInterval = interval
		s.healthAttempts = attempts
		s.client = &http.Client{Timeout: requestTimeout}
	}
}

// WithStopGrace makes Stop interrupt first and kill only after d.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.stopGrace = d }
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(mc metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = mc }
}

// WithStateHook registers fn to observe state transitions. fn runs outside
// the supervisor's lock.
func WithStateHook(fn func(from, to State)) Option {
	return func(s *Supervisor) { s.onState = fn }
}

// New creates an idle Supervisor for command.
func New(command Command, opts ...Option) *Supervisor {
	s := &Supervisor{
		command:        command,
		marker:         "SERVER_PORT:",
		host:           "127.0.0.1",
		portWait:       60 * time.Second,
		healthPath:     "/config",
		healthInterval: 500 * time.Millisecond,
		healthAttempts: 30,
		client:         &http.Client{Timeout: 2 * time.Second},
		metrics:        metrics.NewNoop(),
		logger:         log.WithComponent("supervisor"),
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the negotiated port and whether the backend is Ready.
func (s *Supervisor) Port() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port, s.state == StateReady
}

// PID returns the backend process id, or 0 when none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// ExitErr returns the error from the last process exit, if any.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Exited is closed when the current backend process exits. It is nil when
// no process has been spawned.
func (s *Supervisor) Exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// failUnlessStopped moves to Failed unless Stop already won the race.
func (s *Supervisor) failUnlessStopped() {
	s.mu.Lock()
	from := s.state
	if from == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()
	s.transitioned(from, StateFailed)
}

// advance moves to the next startup state. It refuses once Stop has run so
// a late transition never revives a stopped supervisor.
func (s *Supervisor) advance(to State) error {
	s.mu.Lock()
	from := s.state
	if from == StateStopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.state = to
	s.mu.Unlock()
	s.transitioned(from, to)
	return nil
}

// halt tears down a process that Stop raced past.
func (s *Supervisor) halt(err error) error {
	s.logger.Info("startup interrupted by stop")
	s.terminate()
	return err
}

func (s *Supervisor) transitioned(from, to State) {
	if from == to {
		return
	}
	s.logger.Debug("state transition", "from", from.String(), "to", to.String())
	s.metrics.StateTransition(from.String(), to.String())
	if s.onState != nil {
		s.onState(from, to)
	}
}

// Start spawns the backend and blocks until it is Ready or has failed. On
// any failure the process is stopped before Start returns. ctx bounds the
// waits, not the lifetime of the backend.
func (s *Supervisor) Start(ctx context.Context) (uint16, error) {
	if err := s.begin(StateSpawning, 0); err != nil {
		return 0, err
	}

	portCh, stdoutDone, err := s.spawn()
	if err != nil {
		s.metrics.Error("spawn")
		s.failUnlessStopped()
		return 0, err
	}

	// Stop may have run before the handle was installed.
	if err := s.advance(StateAwaitingPort); err != nil {
		return 0, s.halt(err)
	}
	started := time.Now()
	port, err := s.awaitPort(ctx, portCh, stdoutDone)
	s.metrics.PortNegotiation(time.Since(started), err)
	if err != nil {
		s.metrics.Error("port_timeout")
		return 0, s.abort(err)
	}
	s.logger.Info("backend reported port", "port", port)

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	if err := s.advance(StateHealthChecking); err != nil {
		return 0, s.halt(err)
	}
	if err := s.awaitHealthy(ctx, port, s.Exited()); err != nil {
		s.metrics.Error("health_timeout")
		return 0, s.abort(err)
	}

	if err := s.advance(StateReady); err != nil {
		return 0, s.halt(err)
	}
	return port, nil
}

// Attach adopts a backend that was started elsewhere: it health-checks port
// and publishes it without spawning anything.
func (s *Supervisor) Attach(ctx context.Context, port uint16) error {
	if err := s.begin(StateHealthChecking, port); err != nil {
		return err
	}

	if err := s.awaitHealthy(ctx, port, nil); err != nil {
		s.metrics.Error("health_timeout")
		s.failUnlessStopped()
		return err
	}
	return s.advance(StateReady)
}

// begin claims the supervisor for a new attempt, moving it to first.
func (s *Supervisor) begin(first State, port uint16) error {
	s.mu.Lock()
	from := s.state
	if !from.Terminal() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = first
	s.port = port
	s.mu.Unlock()
	s.transitioned(from, first)
	return nil
}

func (s *Supervisor) spawn() (<-chan uint16, <-chan struct{}, error) {
	cmd := exec.Command(s.command.Path, s.command.Args...)
	cmd.Env = append(os.Environ(), s.command.Env...)
	cmd.Dir = s.command.Dir
	platform.PrepareCommand(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	// The child holds its own copies of the write ends.
	_ = outW.Close()
	_ = errW.Close()

	pid := cmd.Process.Pid
	backendLog := log.WithComponent("backend").With("pid", pid)
	s.logger.Info("backend spawned", "pid", pid, "path", s.command.Path)

	// Fresh per attempt so a previous attempt can never leak a port.
	portCh := make(chan uint16, 1)
	stdoutDone := make(chan struct{})
	exited := make(chan struct{})

	s.mu.Lock()
	s.cmd = cmd
	s.pid = pid
	s.exited = exited
	s.exitErr = nil
	s.mu.Unlock()

	go func() {
		defer close(stdoutDone)
		defer outR.Close()
		scanStdout(outR, s.marker, portCh, backendLog)
	}()
	go func() {
		defer errR.Close()
		scanStderr(errR, backendLog)
	}()
	go s.reap(cmd, exited)

	return portCh, stdoutDone, nil
}

// reap waits for cmd and records its exit. An exit while Ready that Stop
// did not cause moves the supervisor to Failed.
func (s *Supervisor) reap(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	owned := s.cmd == cmd
	if owned || s.cmd == nil {
		s.pid = 0
	}
	state := s.state
	s.mu.Unlock()
	close(exited)

	if owned && state == StateReady {
		s.logger.Error("backend exited unexpectedly", "pid", cmd.Process.Pid, "error", err)
		s.failUnlessStopped()
		return
	}
	s.logger.Debug("backend exited", "pid", cmd.Process.Pid, "error", err)
}

func (s *Supervisor) awaitPort(ctx context.Context, portCh <-chan uint16, stdoutDone <-chan struct{}) (uint16, error) {
	timer := time.NewTimer(s.portWait)
	defer timer.Stop()

	// A port delivered just before the stream closed still wins.
	late := func(reason string) (uint16, error) {
		select {
		case port := <-portCh:
			return port, nil
		default:
			return 0, fmt.Errorf("%w: %s", ErrPortTimeout, reason)
		}
	}

	select {
	case port := <-portCh:
		return port, nil
	case <-stdoutDone:
		return late("backend output closed before the port was reported")
	case <-timer.C:
		return late(fmt.Sprintf("no port reported within %s", s.portWait))
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// awaitHealthy polls the health endpoint. exited, when non-nil, ends the
// poll early if the process dies.
func (s *Supervisor) awaitHealthy(ctx context.Context, port uint16, exited <-chan struct{}) error {
	url := HealthURL(s.host, port, s.healthPath)
	started := time.Now()

	var lastErr error
	for attempt := 1; attempt <= s.healthAttempts; attempt++ {
		timer := time.NewTimer(s.healthInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.metrics.HealthCheck(attempt, time.Since(started), ctx.Err())
			return ctx.Err()
		case <-exited:
			timer.Stop()
			err := fmt.Errorf("%w: backend exited during health check", ErrHealthTimeout)
			s.metrics.HealthCheck(attempt, time.Since(started), err)
			return err
		case <-timer.C:
		}

		lastErr = Probe(ctx, s.client, url)
		if lastErr == nil {
			s.logger.Info("backend ready", "port", port, "attempts", attempt)
			s.metrics.HealthCheck(attempt, time.Since(started), nil)
			return nil
		}
		s.logger.Debug("health check not ready", "attempt", attempt, "error", lastErr)
	}

	err := fmt.Errorf("%w: %s not ready after %d attempts: %v", ErrHealthTimeout, url, s.healthAttempts, lastErr)
	s.metrics.HealthCheck(s.healthAttempts, time.Since(started), err)
	return err
}

// abort stops any partially started process and records the failure.
func (s *Supervisor) abort(cause error) error {
	s.logger.Error("backend startup failed", "error", cause)
	s.terminate()
	s.failUnlessStopped()
	return cause
}

// Stop terminates the backend and waits for it to exit. It is safe to call
// repeatedly and on a supervisor that never started.
func (s *Supervisor) Stop() error {
	stopped := s.terminate()

	s.mu.Lock()
	from := s.state
	if from != StateIdle && from != StateStopped {
		s.state = StateStopped
	}
	to := s.state
	s.mu.Unlock()
	s.transitioned(from, to)

	if stopped {
		s.logger.Info("backend stopped")
	}
	return nil
}

// terminate kills the current process, if any, and waits for it. It holds
// the lock only to take the handle.
func (s *Supervisor) terminate() bool {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.cmd = nil
	s.port = 0
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return false
	}

	started := time.Now()
	defer func() { s.metrics.StopDuration(time.Since(started)) }()

	select {
	case <-exited:
		return true
	default:
	}

	if s.stopGrace > 0 {
		if err := platform.Interrupt(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("interrupt failed", "error", err)
		}
		select {
		case <-exited:
			return true
		case <-time.After(s.stopGrace):
		}
	}

	if err := platform.Terminate(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("kill backend failed", "pid", cmd.Process.Pid, "error", err)
	}
	select {
	case <-exited:
	case <-time.After(stopWaitLimit):
		s.logger.Warn("backend did not exit after kill", "pid", cmd.Process.Pid)
	}
	return true
}
