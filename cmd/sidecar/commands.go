package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/sidecar/internal/assetsync"
	"github.com/mattjoyce/sidecar/internal/bootstrap"
	"github.com/mattjoyce/sidecar/internal/doctor"
	"github.com/mattjoyce/sidecar/internal/journal"
	"github.com/mattjoyce/sidecar/internal/provision"
	"github.com/mattjoyce/sidecar/internal/shim"
	"github.com/mattjoyce/sidecar/internal/supervisor"
)

// flagExit maps a flag parse error to an exit code; --help is success.
func flagExit(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	return 2
}

func runProvision(args []string) int {
	fs, configPath := newFlagSet("provision")
	if err := fs.Parse(args); err != nil {
		return flagExit(err)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	if err := os.MkdirAll(cfg.Paths.DataRoot, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data root: %v\n", err)
		return 1
	}
	store := openJournal(ctx, cfg)
	defer store.Close()

	sess, py, err := bootstrap.Prepare(ctx, bootstrap.Deps{Config: cfg, Version: effectiveVersion(cfg), Journal: store})
	if sess != nil && sess.Provision != nil {
		printProvisionReport(sess.Provision)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Provisioning failed: %v\n", err)
		return 1
	}
	fmt.Printf("interpreter: %s\n", py)
	fmt.Printf("cli shim:    %s\n", sess.ShimPath)
	return 0
}

func printProvisionReport(rep *provision.Report) {
	fmt.Printf("environment: %s (version %s)\n", rep.Outcome, rep.Version)
	if rep.Reason != "" {
		fmt.Printf("reason:      %s\n", rep.Reason)
	}
	if rep.Artifact != "" {
		fmt.Printf("artifact:    %s\n", filepath.Base(rep.Artifact))
	}
	if rep.OptionalErr != nil {
		fmt.Printf("warning:     %v\n", rep.OptionalErr)
	}
}

func runSync(args []string) int {
	fs, configPath := newFlagSet("sync")
	if err := fs.Parse(args); err != nil {
		return flagExit(err)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	s := assetsync.New(cfg.Paths.ResourceRoot, cfg.Paths.DataRoot, cfg.Assets.ExampleInfix)
	rep, err := s.SyncAll(context.Background(), cfg.Assets.Dirs)
	if rep != nil {
		for _, d := range rep.Dirs {
			if d.Missing {
				fmt.Printf("%-10s no template source\n", d.Name)
				continue
			}
			fmt.Printf("%-10s copied=%d refreshed=%d seeded=%d preserved=%d unchanged=%d\n",
				d.Name, d.Copied, d.Refreshed, d.Seeded, d.Preserved, d.Unchanged)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
		return 1
	}
	return 0
}

func runShim(args []string) int {
	fs, configPath := newFlagSet("shim")
	if err := fs.Parse(args); err != nil {
		return flagExit(err)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	py, err := provision.New(cfg, effectiveVersion(cfg), nil).Interpreter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Environment not provisioned: %v\n", err)
		return 1
	}
	g := shim.Generator{
		Dir:    filepath.Join(cfg.Paths.DataRoot, cfg.Shim.Dir),
		Name:   cfg.Shim.Name,
		Module: cfg.Backend.CLIModule,
	}
	path, err := g.Ensure(py)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Println(path)
	return 0
}

func runDoctor(args []string) int {
	fs, configPath := newFlagSet("doctor")
	asJSON := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		return flagExit(err)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	r := doctor.New(cfg, effectiveVersion(cfg)).Validate()
	if *asJSON {
		out, err := doctor.FormatJSON(r)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(r))
	}
	if !r.Valid {
		return 1
	}
	return 0
}

func runStatus(args []string) int {
	fs, configPath := newFlagSet("status")
	limit := fs.Int("n", 5, "Number of history entries to show")
	if err := fs.Parse(args); err != nil {
		return flagExit(err)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	code := 0
	port, err := readPortFile(cfg.PortFilePath())
	switch {
	case err != nil:
		fmt.Printf("backend: not running (%v)\n", err)
		code = 1
	default:
		url := supervisor.HealthURL(cfg.Backend.Host, port, cfg.Timeouts.HealthPath)
		client := &http.Client{Timeout: cfg.Timeouts.HealthRequest}
		if err := supervisor.Probe(ctx, client, url); err != nil {
			fmt.Printf("backend: down on port %d (%v)\n", port, err)
			code = 1
		} else {
			fmt.Printf("backend: up on port %d\n", port)
		}
	}

	store, err := journal.OpenExisting(ctx, cfg.JournalPath())
	if errors.Is(err, journal.ErrNoJournal) {
		fmt.Println("history: none recorded")
		return code
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer store.Close()
	printHistory(ctx, store, *limit)
	return code
}

// readPortFile parses the port the backend wrote at startup.
func readPortFile(path string) (uint16, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("no port file at %s", path)
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port file %s", path)
	}
	return uint16(n), nil
}

func printHistory(ctx context.Context, store *journal.Store, limit int) {
	launches, err := store.RecentLaunches(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read launches: %v\n", err)
	}
	fmt.Println("recent launches:")
	if len(launches) == 0 {
		fmt.Println("  none")
	}
	for _, l := range launches {
		line := fmt.Sprintf("  %s  %-6s %-8s", l.StartedAt.Local().Format(time.DateTime), l.Mode, l.Outcome)
		if l.Port != 0 {
			line += fmt.Sprintf(" port=%d", l.Port)
		}
		if l.PID != 0 {
			line += fmt.Sprintf(" pid=%d", l.PID)
		}
		if l.ReadyAt != nil {
			line += fmt.Sprintf(" ready_in=%s", l.ReadyAt.Sub(l.StartedAt).Round(time.Millisecond))
		}
		if l.Error != "" {
			line += " error=" + strconv.Quote(l.Error)
		}
		fmt.Println(line)
	}

	runs, err := store.RecentProvisions(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read provisioning runs: %v\n", err)
	}
	fmt.Println("recent provisioning:")
	if len(runs) == 0 {
		fmt.Println("  none")
	}
	for _, r := range runs {
		line := fmt.Sprintf("  %s  %-14s version=%s took=%s", r.StartedAt.Local().Format(time.DateTime), r.Outcome, r.Version, r.Duration)
		if len(r.ArtifactDigest) >= 12 {
			line += " artifact=" + r.ArtifactDigest[:12]
		}
		if r.Error != "" {
			line += " error=" + strconv.Quote(r.Error)
		}
		fmt.Println(line)
	}
}
