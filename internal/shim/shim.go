// Package shim writes the command-line launcher that runs the backend's CLI
// entry point with the provisioned interpreter.
package shim

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/sidecar/internal/platform"
)

// ErrShimWrite wraps any failure to write the launcher.
var ErrShimWrite = errors.New("failed to write cli shim")

// Generator writes the launcher into dir.
type Generator struct {
	Dir    string
	Name   string
	Module string
}

// Path returns where the launcher for this platform is written.
func (g Generator) Path() string {
	name, _ := platform.ShimFile(g.Name, "", g.Module)
	return filepath.Join(g.Dir, name)
}

// Ensure (re)writes the launcher for interpreter. The file is replaced
// atomically and marked executable where the platform has an exec bit.
func (g Generator) Ensure(interpreter string) (string, error) {
	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrShimWrite, g.Dir, err)
	}

	name, content := platform.ShimFile(g.Name, interpreter, g.Module)
	path := filepath.Join(g.Dir, name)

	tmp, err := os.CreateTemp(g.Dir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrShimWrite, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrShimWrite, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrShimWrite, err)
	}
	if err := platform.MarkExecutable(tmpName); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: chmod: %v", ErrShimWrite, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrShimWrite, err)
	}
	return path, nil
}
