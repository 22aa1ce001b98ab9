package provision

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/mattjoyce/sidecar/internal/platform"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/sidecar/internal/provision CommandRunner

// CommandRunner runs an external command to completion.
type CommandRunner interface {
	// Run executes name with args and returns its combined output.
	// A non-zero exit is reported as an error.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands as child processes with no console window and
// no stdin.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	platform.PrepareCommand(cmd)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Stdin = nil

	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return out.Bytes(), nil
}
