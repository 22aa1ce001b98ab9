// Package provision keeps the backend's isolated runtime environment in step
// with the application version. It creates the environment with the bundled
// provisioning tool, installs the bundled artifact, and writes a version
// marker only once every mandatory step has succeeded.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/digest"
	"github.com/mattjoyce/sidecar/internal/lock"
	"github.com/mattjoyce/sidecar/internal/log"
	"github.com/mattjoyce/sidecar/internal/platform"
)

// Outcome describes what Ensure did.
type Outcome string

const (
	OutcomeFresh       Outcome = "fresh"
	OutcomeProvisioned Outcome = "provisioned"
	OutcomeSkippedBusy Outcome = "skipped_in_use"
	OutcomeFailed      Outcome = "failed"
)

// Report summarizes one Ensure call. It is filled in as far as provisioning
// got, so it is useful on failure too.
type Report struct {
	Outcome        Outcome
	Reason         string
	Version        string
	Tool           string
	Runtime        string
	Artifact       string
	ArtifactDigest string
	OptionalErr    error
	StartedAt      time.Time
	Duration       time.Duration
}

// Provisioner ensures the environment root under the data root is current.
type Provisioner struct {
	resourceRoot string
	envRoot      string
	markerPath   string
	lockPath     string
	version      string

	tool        string
	smokeImport string
	artifactExt string
	optional    []string
	cmdTimeout  time.Duration

	runner  CommandRunner
	logger  *slog.Logger
	onBegin func(reason string)
	inUse   func(path string) bool
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithBeginHook registers fn to run when Ensure decides to provision, before
// any work starts.
func WithBeginHook(fn func(reason string)) Option {
	return func(p *Provisioner) { p.onBegin = fn }
}

// WithInUseCheck replaces the check that the environment interpreter is held
// by a running instance.
func WithInUseCheck(fn func(path string) bool) Option {
	return func(p *Provisioner) { p.inUse = fn }
}

// New creates a Provisioner for cfg targeting version. A nil runner runs
// real commands.
func New(cfg *config.Config, version string, runner CommandRunner, opts ...Option) *Provisioner {
	if runner == nil {
		runner = ExecRunner{}
	}
	envRoot := cfg.EnvironmentRoot()
	p := &Provisioner{
		resourceRoot: cfg.Paths.ResourceRoot,
		envRoot:      envRoot,
		markerPath:   filepath.Join(envRoot, cfg.Environment.Marker),
		lockPath:     filepath.Join(cfg.Paths.DataRoot, cfg.Environment.LockFile),
		version:      version,
		tool:         cfg.Environment.Tool,
		smokeImport:  cfg.Environment.SmokeImport,
		artifactExt:  cfg.Environment.ArtifactExt,
		optional:     cfg.Environment.OptionalComponent,
		cmdTimeout:   cfg.Environment.CommandTimeout,
		runner:       runner,
		logger:       log.WithComponent("provision"),
		inUse:        platform.FileInUse,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnvRoot returns the environment root directory.
func (p *Provisioner) EnvRoot() string { return p.envRoot }

// MarkerPath returns the version marker file path.
func (p *Provisioner) MarkerPath() string { return p.markerPath }

// Interpreter returns the environment's interpreter path, or
// ErrRuntimeNotFound if it does not exist.
func (p *Provisioner) Interpreter() (string, error) {
	py := platform.EnvInterpreter(p.envRoot)
	if info, err := os.Stat(py); err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: interpreter not found at %s", ErrRuntimeNotFound, py)
	}
	return py, nil
}

// MarkerVersion returns the recorded version, or "" if there is no marker.
func (p *Provisioner) MarkerVersion() string {
	b, err := os.ReadFile(p.markerPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Stale returns nil when the environment is current, otherwise an error
// wrapping ErrEnvironmentStale that names the reason.
func (p *Provisioner) Stale(ctx context.Context) error {
	stored := p.MarkerVersion()
	if stored == "" {
		return fmt.Errorf("%w: version marker missing", ErrEnvironmentStale)
	}
	if stored != p.version {
		return fmt.Errorf("%w: marker records %s, want %s", ErrEnvironmentStale, stored, p.version)
	}

	py, err := p.Interpreter()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnvironmentStale, err)
	}
	if _, err := p.run(ctx, py, "-c", "import "+p.smokeImport); err != nil {
		return fmt.Errorf("%w: entry point import failed: %v", ErrEnvironmentStale, err)
	}
	return nil
}

// Ensure provisions the environment if it is missing, stale, or broken.
// The fast path performs no filesystem writes and logs nothing.
func (p *Provisioner) Ensure(ctx context.Context) (*Report, error) {
	rep := &Report{Version: p.version, StartedAt: time.Now()}
	defer func() { rep.Duration = time.Since(rep.StartedAt) }()

	staleErr := p.Stale(ctx)
	if staleErr == nil {
		rep.Outcome = OutcomeFresh
		return rep, nil
	}
	rep.Reason = staleErr.Error()

	logger := p.logger.With("version", p.version)
	logger.Info("provisioning backend environment", "reason", rep.Reason, "env_root", p.envRoot)

	if py := platform.EnvInterpreter(p.envRoot); p.inUse(py) {
		logger.Warn("backend environment is in use by another instance, skipping update", "interpreter", py)
		rep.Outcome = OutcomeSkippedBusy
		return rep, nil
	}

	if p.onBegin != nil {
		p.onBegin(rep.Reason)
	}

	l, err := lock.TryAcquire(p.lockPath)
	if errors.Is(err, lock.ErrHeld) {
		logger.Warn("another instance is provisioning, skipping update", "lock", p.lockPath)
		rep.Outcome = OutcomeSkippedBusy
		return rep, nil
	}
	if err != nil {
		rep.Outcome = OutcomeFailed
		return rep, fmt.Errorf("provision lock: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.Warn("release provision lock", "error", err)
		}
	}()

	if err := p.provision(ctx, rep, logger); err != nil {
		rep.Outcome = OutcomeFailed
		logger.Error("backend environment provisioning failed", "error", err)
		return rep, err
	}

	rep.Outcome = OutcomeProvisioned
	logger.Info("backend environment ready", "artifact", rep.Artifact)
	return rep, nil
}

func (p *Provisioner) provision(ctx context.Context, rep *Report, logger *slog.Logger) error {
	tool, ok := platform.FindTool(p.resourceRoot, p.tool)
	if !ok {
		return fmt.Errorf("%w: %s not found in %s", ErrToolNotFound, p.tool, p.resourceRoot)
	}
	rep.Tool = tool

	runtime, ok := platform.FindBundledRuntime(p.resourceRoot)
	if !ok {
		return fmt.Errorf("%w: bundled interpreter not found in %s", ErrRuntimeNotFound, p.resourceRoot)
	}
	rep.Runtime = runtime

	logger.Info("creating environment", "tool", tool, "runtime", runtime)
	if out, err := p.run(ctx, tool, "venv", p.envRoot, "--python", runtime); err != nil {
		return toolError("environment creation", err, out)
	}

	artifact, err := p.FindArtifact()
	if err != nil {
		return err
	}
	rep.Artifact = artifact
	if d, err := digest.File(artifact); err == nil {
		rep.ArtifactDigest = d
	} else {
		logger.Warn("artifact digest failed", "artifact", artifact, "error", err)
	}

	py := platform.EnvInterpreter(p.envRoot)
	logger.Info("installing artifact", "artifact", filepath.Base(artifact))
	if out, err := p.run(ctx, tool, "pip", "install", artifact, "--python", py, "--force-reinstall"); err != nil {
		return toolError("artifact install", err, out)
	}

	if len(p.optional) > 0 {
		logger.Info("installing optional component", "args", strings.Join(p.optional, " "))
		if out, err := p.run(ctx, py, p.optional...); err != nil {
			rep.OptionalErr = fmt.Errorf("%w: %v", ErrOptionalComponent, err)
			logger.Warn("optional component install failed, will retry on first use",
				"error", err, "output", tail(out))
		}
	}

	if err := writeMarker(p.markerPath, p.version); err != nil {
		return fmt.Errorf("write version marker: %w", err)
	}
	return nil
}

// artifactDirs lists the directories searched for the installable artifact,
// in order.
func (p *Provisioner) artifactDirs() []string {
	return []string{
		filepath.Join(p.resourceRoot, "resources", "wheel"),
		filepath.Join(p.resourceRoot, "wheel"),
		p.resourceRoot,
	}
}

// FindArtifact returns the first installable artifact in the search order.
func (p *Provisioner) FindArtifact() (string, error) {
	for _, dir := range p.artifactDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), p.artifactExt) {
				continue
			}
			found = append(found, filepath.Join(dir, e.Name()))
		}
		if len(found) == 0 {
			continue
		}
		if len(found) > 1 {
			p.logger.Warn("multiple artifacts found, using the first", "dir", dir, "using", filepath.Base(found[0]), "count", len(found))
		}
		return found[0], nil
	}
	return "", fmt.Errorf("%w: no *%s in %s", ErrArtifactNotFound, p.artifactExt, strings.Join(p.artifactDirs(), ", "))
}

func (p *Provisioner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if p.cmdTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cmdTimeout)
		defer cancel()
	}
	return p.runner.Run(ctx, name, args...)
}

// writeMarker replaces the marker atomically via a temp file in the same
// directory.
func writeMarker(path, version string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".marker-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(version); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func toolError(step string, err error, out []byte) error {
	if t := tail(out); t != "" {
		return fmt.Errorf("%w: %s: %v: %s", ErrToolFailed, step, err, t)
	}
	return fmt.Errorf("%w: %s: %v", ErrToolFailed, step, err)
}

// tail returns the last few lines of command output for error messages.
func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
