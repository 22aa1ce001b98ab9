// Package assetsync merges bundled template asset directories into the
// persistent data root. The merge is additive: nothing is ever deleted, and
// a user's live files are never overwritten.
package assetsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/sidecar/internal/digest"
	"github.com/mattjoyce/sidecar/internal/log"
)

// ErrSyncFailed wraps any filesystem failure during synchronization.
var ErrSyncFailed = errors.New("asset sync failed")

// DirReport counts what happened to one asset directory.
type DirReport struct {
	Name   string
	Source string
	Dest   string
	// Missing is set when no template source exists.
	Missing  bool
	FirstRun bool

	Copied    int // plain files written because they were absent
	Refreshed int // example files overwritten with the template
	Seeded    int // live files created from an example
	Preserved int // existing files left untouched
	Unchanged int // example files already identical to the template
}

// Report aggregates per-directory reports in sync order.
type Report struct {
	Dirs []DirReport
}

// Syncer synchronizes named directories from a resource root to a data root.
type Syncer struct {
	resourceRoot string
	dataRoot     string
	infix        string
	logger       *slog.Logger
}

// New creates a Syncer. infix marks example files, e.g. ".example.".
func New(resourceRoot, dataRoot, infix string) *Syncer {
	return &Syncer{
		resourceRoot: resourceRoot,
		dataRoot:     dataRoot,
		infix:        infix,
		logger:       log.WithComponent("sync"),
	}
}

// IsExample reports whether name follows the example naming convention.
func (s *Syncer) IsExample(name string) bool {
	return strings.Contains(name, s.infix)
}

// LiveName maps an example file name to its live counterpart. Every
// occurrence of the infix is collapsed.
func (s *Syncer) LiveName(name string) string {
	return strings.ReplaceAll(name, s.infix, ".")
}

// Source returns the template directory for name, probing the nested layout
// first. ok is false when neither layout has it.
func (s *Syncer) Source(name string) (string, bool) {
	for _, prefix := range []string{filepath.Join(s.resourceRoot, "resources"), s.resourceRoot} {
		candidate := filepath.Join(prefix, name)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// SyncAll synchronizes each directory in order and stops at the first error.
func (s *Syncer) SyncAll(ctx context.Context, names []string) (*Report, error) {
	rep := &Report{}
	for _, name := range names {
		dr, err := s.SyncDir(ctx, name)
		rep.Dirs = append(rep.Dirs, dr)
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// SyncDir synchronizes one named directory. A missing template is logged as
// a warning and is not an error.
func (s *Syncer) SyncDir(ctx context.Context, name string) (DirReport, error) {
	dr := DirReport{Name: name, Dest: filepath.Join(s.dataRoot, name)}

	src, ok := s.Source(name)
	if !ok {
		dr.Missing = true
		s.logger.Warn("bundled asset directory not found, skipping", "dir", name)
		return dr, nil
	}
	dr.Source = src

	if _, err := os.Stat(dr.Dest); errors.Is(err, os.ErrNotExist) {
		dr.FirstRun = true
		s.logger.Info("initializing asset directory", "dir", name, "dest", dr.Dest)
	} else if err != nil {
		return dr, fmt.Errorf("%w: stat %s: %v", ErrSyncFailed, dr.Dest, err)
	}

	if err := s.merge(ctx, src, dr.Dest, &dr); err != nil {
		return dr, fmt.Errorf("%w: %s: %v", ErrSyncFailed, name, err)
	}

	s.logger.Debug("asset directory synced",
		"dir", name,
		"copied", dr.Copied,
		"refreshed", dr.Refreshed,
		"seeded", dr.Seeded,
		"preserved", dr.Preserved,
	)
	return dr, nil
}

func (s *Syncer) merge(ctx context.Context, srcDir, dstDir string, dr *DirReport) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dstDir, err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dstDir, relPath)

		if d.IsDir() {
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
			return nil
		}

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			s.logger.Debug("skipping non-regular template entry", "path", path)
			return nil
		}

		if s.IsExample(d.Name()) {
			return s.applyExample(path, dstPath, info.Mode().Perm(), dr)
		}
		return s.applyPlain(path, dstPath, info.Mode().Perm(), dr)
	})
}

// applyPlain copies a template file only when the destination is absent.
func (s *Syncer) applyPlain(src, dst string, perm fs.FileMode, dr *DirReport) error {
	exists, err := fileExists(dst)
	if err != nil {
		return err
	}
	if exists {
		dr.Preserved++
		return nil
	}
	if err := copyFile(src, dst, perm); err != nil {
		return err
	}
	dr.Copied++
	if !dr.FirstRun {
		s.logger.Info("restored missing file", "path", dst)
	}
	return nil
}

// applyExample refreshes the example copy and seeds the live file if absent.
func (s *Syncer) applyExample(src, dst string, perm fs.FileMode, dr *DirReport) error {
	same, err := digest.SameContent(src, dst)
	if err != nil {
		return err
	}
	if same {
		dr.Unchanged++
	} else {
		if err := copyFile(src, dst, perm); err != nil {
			return err
		}
		dr.Refreshed++
	}

	live := filepath.Join(filepath.Dir(dst), s.LiveName(filepath.Base(dst)))
	exists, err := fileExists(live)
	if err != nil {
		return err
	}
	if exists {
		dr.Preserved++
		return nil
	}
	if err := copyFile(src, live, perm); err != nil {
		return err
	}
	dr.Seeded++
	s.logger.Info("created default configuration", "path", live)
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %q: %w", path, err)
}

// copyFile writes src to dst through a temp file so dst is never left
// half-written.
func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %q: %w", dst, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("copy %q: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp for %q: %w", dst, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod %q: %w", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		cleanup()
		return fmt.Errorf("rename into %q: %w", dst, err)
	}
	return nil
}
