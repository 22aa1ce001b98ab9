// Package doctor inspects the resource layout and the data root and reports
// anything that would stop the backend from starting.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/sidecar/internal/assetsync"
	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/lock"
	"github.com/mattjoyce/sidecar/internal/platform"
	"github.com/mattjoyce/sidecar/internal/provision"
	"github.com/mattjoyce/sidecar/internal/shim"
	"github.com/mattjoyce/sidecar/internal/storage"
)

// Result holds the outcome of a diagnostics run.
type Result struct {
	Valid    bool    `json:"valid"`
	Version  string  `json:"version"`
	Marker   string  `json:"marker_version,omitempty"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single problem.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor inspects one configuration.
type Doctor struct {
	cfg     *config.Config
	version string
}

// New creates a Doctor for cfg and the version the binary would provision.
func New(cfg *config.Config, version string) *Doctor {
	return &Doctor{cfg: cfg, version: version}
}

// Validate runs all checks and returns a result. It runs no external
// commands and writes nothing except the transient lock probe.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true, Version: d.version}

	if d.cfg.Backend.AttachPort > 0 {
		d.addWarning(r, "backend", "backend.attach_port",
			fmt.Sprintf("attach mode on port %d: provisioning and spawn are skipped", d.cfg.Backend.AttachPort))
	}

	d.checkResources(r)
	d.checkAssets(r)
	d.checkDataRoot(r)
	d.checkEnvironment(r)
	d.checkShim(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkResources probes the read-only bundle for what provisioning needs.
func (d *Doctor) checkResources(r *Result) {
	root := d.cfg.Paths.ResourceRoot
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		d.addError(r, "resources", "paths.resource_root", fmt.Sprintf("resource root %s is not a directory", root))
		return
	}

	if _, ok := platform.FindTool(root, d.cfg.Environment.Tool); !ok {
		d.addError(r, "resources", "environment.tool",
			fmt.Sprintf("%s not found in %s", strings.Join(platform.ToolNames(d.cfg.Environment.Tool), " or "), root))
	}
	if _, ok := platform.FindBundledRuntime(root); !ok {
		d.addError(r, "resources", "", fmt.Sprintf("bundled interpreter not found in %s", root))
	}
	p := provision.New(d.cfg, d.version, nil)
	if _, err := p.FindArtifact(); err != nil {
		d.addError(r, "resources", "environment.artifact_ext", err.Error())
	}
}

func (d *Doctor) checkAssets(r *Result) {
	s := assetsync.New(d.cfg.Paths.ResourceRoot, d.cfg.Paths.DataRoot, d.cfg.Assets.ExampleInfix)
	for _, name := range d.cfg.Assets.Dirs {
		if _, ok := s.Source(name); !ok {
			d.addWarning(r, "assets", "assets.dirs", fmt.Sprintf("asset directory %q not found in resources", name))
		}
	}
}

func (d *Doctor) checkDataRoot(r *Result) {
	if err := storage.CheckLocalFilesystem(d.cfg.Paths.DataRoot); err != nil {
		d.addError(r, "data_root", "paths.data_root", err.Error())
	}
}

// checkEnvironment reports marker state, concurrent use and the provisioning
// lock. None of these are errors: the next start repairs them or skips.
func (d *Doctor) checkEnvironment(r *Result) {
	p := provision.New(d.cfg, d.version, nil)
	r.Marker = p.MarkerVersion()

	switch {
	case r.Marker == "":
		d.addWarning(r, "environment", "", "environment not provisioned; the next start will provision it")
		return
	case r.Marker != d.version:
		d.addWarning(r, "environment", "",
			fmt.Sprintf("environment provisioned for %s, current version is %s; the next start will reprovision", r.Marker, d.version))
	}

	py, err := p.Interpreter()
	if err != nil {
		d.addWarning(r, "environment", "", err.Error())
		return
	}
	if platform.FileInUse(py) {
		d.addWarning(r, "environment", "", "environment interpreter is in use by another instance")
	}

	l, err := lock.TryAcquire(filepath.Join(d.cfg.Paths.DataRoot, d.cfg.Environment.LockFile))
	switch {
	case errors.Is(err, lock.ErrHeld):
		d.addWarning(r, "environment", "environment.lock_file", "another instance is provisioning right now")
	case err != nil:
		d.addWarning(r, "environment", "environment.lock_file", fmt.Sprintf("lock probe failed: %v", err))
	default:
		_ = l.Release()
	}
}

func (d *Doctor) checkShim(r *Result) {
	g := shim.Generator{
		Dir:    filepath.Join(d.cfg.Paths.DataRoot, d.cfg.Shim.Dir),
		Name:   d.cfg.Shim.Name,
		Module: d.cfg.Backend.CLIModule,
	}
	if _, err := os.Stat(g.Path()); err != nil {
		d.addWarning(r, "shim", "shim.dir", fmt.Sprintf("cli launcher missing at %s; the next start writes it", g.Path()))
	}
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		fmt.Fprintf(&b, "Environment ready (version %s).\n", r.Version)
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Environment usable")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Environment broken (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
