package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/sidecar/internal/api"
	"github.com/mattjoyce/sidecar/internal/bootstrap"
	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/events"
	"github.com/mattjoyce/sidecar/internal/journal"
	"github.com/mattjoyce/sidecar/internal/lifecycle"
	"github.com/mattjoyce/sidecar/internal/log"
	"github.com/mattjoyce/sidecar/internal/metrics"
	"github.com/mattjoyce/sidecar/internal/supervisor"
	"github.com/mattjoyce/sidecar/internal/tui"
)

func runStart(args []string) int {
	fs, configPath := newFlagSet("start")
	useTUI := fs.Bool("tui", false, "Show startup progress in the terminal")
	if err := fs.Parse(args); err != nil {
		return flagExit(err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ver := effectiveVersion(cfg)
	logger := log.WithComponent("main")
	logger.Info("sidecar starting", "version", ver, "data_root", cfg.Paths.DataRoot)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Paths.DataRoot, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data root: %v\n", err)
		return 1
	}
	store := openJournal(ctx, cfg)
	defer store.Close()

	hub := events.NewHub(0)
	prom := metrics.NewPrometheus("sidecar")
	deps := bootstrap.Deps{
		Config:  cfg,
		Version: ver,
		Hub:     hub,
		Journal: store,
		Metrics: prom,
	}

	// The owner is shared with the API so /backend reports the backend
	// that bootstrap adopts.
	owner := &ownerProxy{}
	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen}, ver, owner, hub, prom.Handler(), log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("api server stopped", "error", err)
			}
		}()
	}

	if *useTUI {
		return runStartTUI(ctx, deps, owner)
	}

	sess, err := bootstrap.Run(ctx, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backend failed to start: %v\n", err)
		return 1
	}
	owner.set(sess.Owner)
	defer sess.Stop()

	fmt.Printf("backend ready on port %d\n", sess.Port)
	return waitForExit(ctx, sess)
}

// waitForExit blocks until a signal arrives or a spawned backend dies.
func waitForExit(ctx context.Context, sess *bootstrap.Session) int {
	var exited <-chan struct{}
	if !sess.Attached {
		exited = sess.Supervisor.Exited()
	}
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		return 0
	case <-exited:
		fmt.Fprintf(os.Stderr, "Backend exited unexpectedly: %v\n", sess.Supervisor.ExitErr())
		return 1
	}
}

func runStartTUI(ctx context.Context, deps bootstrap.Deps, owner *ownerProxy) int {
	model := tui.NewProgress(deps.Hub, deps.Version)
	defer model.Close()

	type result struct {
		sess *bootstrap.Session
		err  error
	}
	started := make(chan result, 1)
	go func() {
		sess, err := bootstrap.Run(ctx, deps)
		if err == nil {
			owner.set(sess.Owner)
		}
		started <- result{sess, err}
	}()

	prog := tea.NewProgram(*model, tea.WithContext(ctx), tea.WithAltScreen())
	_, progErr := prog.Run()

	res := <-started
	if res.err != nil {
		fmt.Fprintf(os.Stderr, "Backend failed to start: %v\n", res.err)
		return 1
	}
	if err := res.sess.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Stop backend: %v\n", err)
	}
	if progErr != nil && !errors.Is(progErr, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "Terminal view failed: %v\n", progErr)
		return 1
	}
	return 0
}

func openJournal(ctx context.Context, cfg *config.Config) *journal.Store {
	store, err := journal.Open(ctx, cfg.JournalPath())
	if err != nil {
		log.Warn("journal unavailable, history will not be recorded", "path", cfg.JournalPath(), "error", err)
		return nil
	}
	return store
}

// ownerProxy lets the API start before bootstrap has produced an owner.
type ownerProxy struct {
	owner atomic.Pointer[lifecycle.Owner]
}

func (p *ownerProxy) set(o *lifecycle.Owner) { p.owner.Store(o) }

func (p *ownerProxy) State() supervisor.State {
	if o := p.owner.Load(); o != nil {
		return o.State()
	}
	return supervisor.StateIdle
}

func (p *ownerProxy) Port() (uint16, error) {
	if o := p.owner.Load(); o != nil {
		return o.Port()
	}
	return 0, lifecycle.ErrNotReady
}
