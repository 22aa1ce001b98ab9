// Package bootstrap runs the startup sequence: provision the environment,
// sync assets, write the shim, then spawn and supervise the backend.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/sidecar/internal/assetsync"
	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/events"
	"github.com/mattjoyce/sidecar/internal/journal"
	"github.com/mattjoyce/sidecar/internal/lifecycle"
	"github.com/mattjoyce/sidecar/internal/log"
	"github.com/mattjoyce/sidecar/internal/metrics"
	"github.com/mattjoyce/sidecar/internal/provision"
	"github.com/mattjoyce/sidecar/internal/shim"
	"github.com/mattjoyce/sidecar/internal/supervisor"
)

// Deps are the collaborators Run needs. Only Config and Version are required.
type Deps struct {
	Config  *config.Config
	Version string
	Runner  provision.CommandRunner
	Hub     *events.Hub
	Journal *journal.Store
	Metrics metrics.Collector
}

// Session is a running backend plus what it took to get there.
type Session struct {
	Owner      *lifecycle.Owner
	Supervisor *supervisor.Supervisor
	Port       uint16
	Attached   bool
	LaunchID   string
	Provision  *provision.Report
	Sync       *assetsync.Report
	ShimPath   string

	// ready is set while the backend is serving. Only a stop from that
	// state is announced, so a failure stays the last event.
	ready atomic.Bool
}

// Stop stops the backend. It is safe to call more than once.
func (s *Session) Stop() error {
	if s == nil || s.Owner == nil {
		return nil
	}
	return s.Owner.Stop()
}

type runner struct {
	Deps
	logger *slog.Logger
}

// Run executes the startup sequence. It returns the first fatal error and
// never leaves a backend process running when it does.
func Run(ctx context.Context, d Deps) (*Session, error) {
	r, err := newRunner(d)
	if err != nil {
		return nil, err
	}
	r.Hub.Publish(events.TypeStarting, nil)

	if port := d.Config.Backend.AttachPort; port > 0 {
		return r.attach(ctx, uint16(port))
	}
	return r.spawn(ctx)
}

// Prepare runs provisioning, asset sync and shim generation without
// starting the backend, and returns the environment interpreter.
func Prepare(ctx context.Context, d Deps) (*Session, string, error) {
	r, err := newRunner(d)
	if err != nil {
		return nil, "", err
	}
	sess := &Session{}
	py, err := r.prepare(ctx, sess)
	return sess, py, err
}

func newRunner(d Deps) (*runner, error) {
	if d.Config == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if d.Hub == nil {
		d.Hub = events.NewHub(0)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNoop()
	}
	return &runner{Deps: d, logger: log.WithComponent("bootstrap")}, nil
}

func (r *runner) prepare(ctx context.Context, sess *Session) (string, error) {
	cfg := r.Config
	if err := os.MkdirAll(cfg.Paths.DataRoot, 0o755); err != nil {
		return "", fmt.Errorf("create data root: %w", err)
	}

	p := provision.New(cfg, r.Version, r.Runner, provision.WithBeginHook(func(reason string) {
		r.Hub.Publish(events.TypeProvisioning, events.ProvisioningPayload{Version: r.Version, Reason: reason})
	}))
	rep, err := p.Ensure(ctx)
	sess.Provision = rep
	r.recordProvision(ctx, rep, err)
	if err != nil {
		return "", err
	}

	syncer := assetsync.New(cfg.Paths.ResourceRoot, cfg.Paths.DataRoot, cfg.Assets.ExampleInfix)
	syncRep, err := syncer.SyncAll(ctx, cfg.Assets.Dirs)
	sess.Sync = syncRep
	if syncRep != nil {
		for _, dr := range syncRep.Dirs {
			r.Metrics.AssetSync(dr.Name, dr.Copied+dr.Refreshed+dr.Seeded)
		}
	}
	if err != nil {
		r.Metrics.Error("sync")
		return "", err
	}

	py, err := p.Interpreter()
	if err != nil {
		return "", err
	}

	gen := shim.Generator{
		Dir:    filepath.Join(cfg.Paths.DataRoot, cfg.Shim.Dir),
		Name:   cfg.Shim.Name,
		Module: cfg.Backend.CLIModule,
	}
	sess.ShimPath, err = gen.Ensure(py)
	if err != nil {
		return "", err
	}
	return py, nil
}

func (r *runner) spawn(ctx context.Context) (*Session, error) {
	sess := &Session{}
	py, err := r.prepare(ctx, sess)
	if err != nil {
		return nil, r.fail(err)
	}

	cfg := r.Config
	sup := supervisor.New(supervisor.Command{
		Path: py,
		Args: []string{"-m", cfg.Backend.Module},
		Env:  supervisor.BackendEnv(cfg),
		Dir:  cfg.Paths.DataRoot,
	}, r.supervisorOptions(sess)...)

	return r.launch(ctx, sess, sup, journal.ModeSpawn, func() (uint16, error) {
		return sup.Start(ctx)
	})
}

func (r *runner) attach(ctx context.Context, port uint16) (*Session, error) {
	sess := &Session{Attached: true}
	sup := supervisor.New(supervisor.Command{}, r.supervisorOptions(sess)...)
	r.logger.Info("attaching to external backend", "port", port)

	return r.launch(ctx, sess, sup, journal.ModeAttach, func() (uint16, error) {
		return port, sup.Attach(ctx, port)
	})
}

func (r *runner) launch(ctx context.Context, sess *Session, sup *supervisor.Supervisor, mode string, start func() (uint16, error)) (*Session, error) {
	sess.Supervisor = sup
	sess.LaunchID = r.beginLaunch(ctx, mode)
	sess.Owner = lifecycle.New(func(lifecycle.Backend) {
		r.markStopped(sess.LaunchID)
		if sess.ready.Swap(false) {
			r.Hub.Publish(events.TypeStopped, nil)
		}
	})
	if err := sess.Owner.Adopt(sup); err != nil {
		return nil, r.fail(err)
	}

	logger := r.logger
	if sess.LaunchID != "" {
		logger = log.WithLaunch(sess.LaunchID).With("component", "bootstrap")
	}
	logger.Info("launching backend", "mode", mode)

	port, err := start()
	if err != nil {
		logger.Error("backend launch failed", "error", err)
		r.markFailed(sess.LaunchID, sup.PID(), err)
		r.fail(err)
		_ = sess.Owner.Stop()
		return nil, err
	}

	sess.Port = port
	logger.Info("backend launched", "port", port, "pid", sup.PID())
	r.markReady(sess.LaunchID, sup.PID(), port)
	sess.ready.Store(true)
	r.Hub.Publish(events.TypeReady, events.ReadyPayload{Port: port, Attached: sess.Attached})
	return sess, nil
}

func (r *runner) supervisorOptions(sess *Session) []supervisor.Option {
	tc := r.Config.Timeouts
	return []supervisor.Option{
		supervisor.WithMarker(r.Config.Backend.Marker),
		supervisor.WithHost(r.Config.Backend.Host),
		supervisor.WithPortWait(tc.PortWait),
		supervisor.WithHealth(tc.HealthPath, tc.HealthInterval, tc.HealthAttempts, tc.HealthRequest),
		supervisor.WithStopGrace(tc.StopGrace),
		supervisor.WithMetricsCollector(r.Metrics),
		supervisor.WithStateHook(func(from, to supervisor.State) {
			if from == supervisor.StateReady && to == supervisor.StateFailed {
				sess.ready.Store(false)
				msg := "backend exited unexpectedly"
				if sess.Supervisor != nil {
					if exitErr := sess.Supervisor.ExitErr(); exitErr != nil {
						msg = fmt.Sprintf("%s: %v", msg, exitErr)
					}
				}
				r.markFailed(sess.LaunchID, 0, errors.New(msg))
				r.Hub.Publish(events.TypeError, events.ErrorPayload{Message: msg})
			}
		}),
	}
}

func (r *runner) fail(err error) error {
	r.Hub.Publish(events.TypeError, events.ErrorPayload{Message: err.Error()})
	return err
}

// Journal writes are best effort and never block startup.
const journalTimeout = 5 * time.Second

func (r *runner) recordProvision(ctx context.Context, rep *provision.Report, cause error) {
	if rep == nil {
		return
	}
	r.Metrics.ProvisionRun(string(rep.Outcome), rep.Duration)
	if cause != nil {
		r.Metrics.Error("provision")
	}
	if r.Journal == nil || rep.Outcome == provision.OutcomeFresh {
		return
	}

	run := journal.ProvisionRun{
		Version:        rep.Version,
		Outcome:        string(rep.Outcome),
		Reason:         rep.Reason,
		Artifact:       rep.Artifact,
		ArtifactDigest: rep.ArtifactDigest,
		StartedAt:      rep.StartedAt,
		Duration:       rep.Duration,
	}
	if rep.OptionalErr != nil {
		run.OptionalError = rep.OptionalErr.Error()
	}
	if cause != nil {
		run.Error = cause.Error()
	}

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if _, err := r.Journal.RecordProvision(jctx, run); err != nil {
		r.logger.Warn("journal write failed", "error", err)
	}
}

func (r *runner) beginLaunch(ctx context.Context, mode string) string {
	if r.Journal == nil {
		return ""
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	id, err := r.Journal.BeginLaunch(jctx, mode, time.Now())
	if err != nil {
		r.logger.Warn("journal write failed", "error", err)
		return ""
	}
	return id
}

func (r *runner) markReady(id string, pid int, port uint16) {
	r.journalUpdate(id, func(ctx context.Context) error { return r.Journal.MarkReady(ctx, id, pid, port) })
}

func (r *runner) markFailed(id string, pid int, cause error) {
	r.journalUpdate(id, func(ctx context.Context) error { return r.Journal.MarkFailed(ctx, id, pid, cause) })
}

func (r *runner) markStopped(id string) {
	r.journalUpdate(id, func(ctx context.Context) error { return r.Journal.MarkStopped(ctx, id) })
}

func (r *runner) journalUpdate(id string, fn func(context.Context) error) {
	if r.Journal == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.Warn("journal write failed", "launch_id", id, "error", err)
	}
}
