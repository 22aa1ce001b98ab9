package provision

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/lock"
	"github.com/mattjoyce/sidecar/internal/platform"
	"github.com/mattjoyce/sidecar/internal/provision/mocks"
)

const testVersion = "1.2.0"

type fixture struct {
	cfg      *config.Config
	tool     string
	runtime  string
	artifact string
	envPy    string
	marker   string
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newFixture lays out a resource root with the tool, a bundled runtime and
// one artifact, plus an empty data root.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	cfg := config.Defaults()
	cfg.Paths.ResourceRoot = filepath.Join(base, "resources")
	cfg.Paths.DataRoot = filepath.Join(base, "data")

	f := &fixture{cfg: cfg}
	f.tool = filepath.Join(cfg.Paths.ResourceRoot, platform.ToolNames(cfg.Environment.Tool)[0])
	f.runtime = platform.BundledRuntimeCandidates(cfg.Paths.ResourceRoot)[1]
	f.artifact = filepath.Join(cfg.Paths.ResourceRoot, "wheel", "suzent-1.2.0-py3-none-any.whl")
	f.envPy = platform.EnvInterpreter(cfg.EnvironmentRoot())
	f.marker = filepath.Join(cfg.EnvironmentRoot(), cfg.Environment.Marker)

	writeFile(t, f.tool, "uv")
	writeFile(t, f.runtime, "python")
	writeFile(t, f.artifact, "wheel")
	return f
}

// createsEnv simulates the tool creating the environment interpreter.
func (f *fixture) createsEnv(t *testing.T) func(context.Context, string, ...string) ([]byte, error) {
	return func(context.Context, string, ...string) ([]byte, error) {
		writeFile(t, f.envPy, "venv-python")
		return nil, nil
	}
}

func (f *fixture) expectFullRun(t *testing.T, runner *mocks.MockCommandRunner) {
	gomock.InOrder(
		runner.EXPECT().
			Run(gomock.Any(), f.tool, "venv", f.cfg.EnvironmentRoot(), "--python", f.runtime).
			DoAndReturn(f.createsEnv(t)),
		runner.EXPECT().
			Run(gomock.Any(), f.tool, "pip", "install", f.artifact, "--python", f.envPy, "--force-reinstall").
			Return(nil, nil),
		runner.EXPECT().
			Run(gomock.Any(), f.envPy, "-m", "playwright", "install", "chromium").
			Return(nil, nil),
	)
}

func readMarker(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ""
	}
	require.NoError(t, err)
	return string(b)
}

func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out[path] = info.ModTime().String() + "|" + info.Mode().String()
		if !d.IsDir() {
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			out[path] += "|" + string(b)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestEnsureFirstRun(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockCommandRunner(ctrl)
	f.expectFullRun(t, runner)

	p := New(f.cfg, testVersion, runner)
	rep, err := p.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeProvisioned, rep.Outcome)
	assert.Equal(t, f.artifact, rep.Artifact)
	assert.Len(t, rep.ArtifactDigest, 64)
	assert.NoError(t, rep.OptionalErr)
	assert.Equal(t, testVersion, readMarker(t, f.marker))
}

func TestEnsureSecondCallIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockCommandRunner(ctrl)
	f.expectFullRun(t, runner)

	p := New(f.cfg, testVersion, runner)
	_, err := p.Ensure(context.Background())
	require.NoError(t, err)

	before := snapshot(t, f.cfg.Paths.DataRoot)
	runner.EXPECT().
		Run(gomock.Any(), f.envPy, "-c", "import suzent.cli.__main__").
		Return(nil, nil)

	rep, err := p.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFresh, rep.Outcome)
	assert.Equal(t, before, snapshot(t, f.cfg.Paths.DataRoot))
}

func TestEnsureVersionChangeReprovisions(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.envPy, "old-python")
	writeFile(t, f.marker, "1.1.0")

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockCommandRunner(ctrl)
	f.expectFullRun(t, runner)

	rep, err := New(f.cfg, testVersion, runner).Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeProvisioned, rep.Outcome)
	assert.Contains(t, rep.Reason, "1.1.0")
	assert.Equal(t, testVersion, readMarker(t, f.marker))
}

func TestEnsureBrokenEntryPointReprovisions(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.envPy, "python")
	writeFile(t, f.marker, testVersion)

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockCommandRunner(ctrl)
	runner.EXPECT().
		Run(gomock.Any(), f.envPy, "-c", "import suzent.cli.__main__").
		Return([]byte("ModuleNotFoundError"), errors.New("exit status 1"))
	f.expectFullRun(t, runner)

	rep, err := New(f.cfg, testVersion, runner).Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeProvisioned, rep.Outcome)
	assert.Contains(t, rep.Reason, "entry point")
}

func TestEnsureMandatoryFailureLeavesMarker(t *testing.T) {
	tests := []struct {
		name      string
		oldMarker string
		setup     func(t *testing.T, f *fixture, runner *mocks.MockCommandRunner)
		wantErr   error
	}{
		{
			name: "environment creation fails",
			setup: func(t *testing.T, f *fixture, runner *mocks.MockCommandRunner) {
				runner.EXPECT().
					Run(gomock.Any(), f.tool, "venv", gomock.Any(), "--python", f.runtime).
					Return([]byte("boom"), errors.New("exit status 2"))
			},
			wantErr: ErrToolFailed,
		},
		{
			name:      "install fails keeps old marker",
			oldMarker: "1.1.0",
			setup: func(t *testing.T, f *fixture, runner *mocks.MockCommandRunner) {
				gomock.InOrder(
					runner.EXPECT().
						Run(gomock.Any(), f.tool, "venv", gomock.Any(), "--python", f.runtime).
						DoAndReturn(f.createsEnv(t)),
					runner.EXPECT().
						Run(gomock.Any(), f.tool, "pip", "install", f.artifact, "--python", f.envPy, "--force-reinstall").
						Return(nil, errors.New("exit status 1")),
				)
			},
			wantErr: ErrToolFailed,
		},
		{
			name: "tool missing",
			setup: func(t *testing.T, f *fixture, runner *mocks.MockCommandRunner) {
				require.NoError(t, os.Remove(f.tool))
			},
			wantErr: ErrToolNotFound,
		},
		{
			name: "bundled runtime missing",
			setup: func(t *testing.T, f *fixture, runner *mocks.MockCommandRunner) {
				require.NoError(t, os.Remove(f.runtime))
			},
			wantErr: ErrRuntimeNotFound,
		},
		{
			name: "artifact missing",
			setup: func(t *testing.T, f *fixture, runner *mocks.MockCommandRunner) {
				require.NoError(t, os.Remove(f.artifact))
				runner.EXPECT().
					Run(gomock.Any(), f.tool, "venv", gomock.Any(), "--python", f.runtime).
					DoAndReturn(f.createsEnv(t))
			},
			wantErr: ErrArtifactNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.oldMarker != "" {
				writeFile(t, f.marker, tt.oldMarker)
			}
			ctrl := gomock.NewController(t)
			runner := mocks.NewMockCommandRunner(ctrl)
			tt.setup(t, f, runner)

			rep, err := New(f.cfg, testVersion, runner).Ensure(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "error %v is not %v", err, tt.wantErr)
			assert.Equal(t, OutcomeFailed, rep.Outcome)
			assert.Equal(t, tt.oldMarker, readMarker(t, f.marker))
		})
	}
}

func TestEnsureOptionalComponentFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockCommandRunner(ctrl)
	gomock.InOrder(
		runner.EXPECT().
			Run(gomock.Any(), f.tool, "venv", gomock.Any(), "--python", f.runtime).
			DoAndReturn(f.createsEnv(t)),
		runner.EXPECT().
			Run(gomock.Any(), f.tool, "pip", "install", f.artifact, "--python", f.envPy, "--force-reinstall").
			Return(nil, nil),
		runner.EXPECT().
			Run(gomock.Any(), f.envPy, "-m", "playwright", "install", "chromium").
			Return([]byte("download failed"), errors.New("exit status 1")),
	)

	rep, err := New(f.cfg, testVersion, runner).Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeProvisioned, rep.Outcome)
	assert.True(t, errors.Is(rep.OptionalErr, ErrOptionalComponent))
	assert.Equal(t, testVersion, readMarker(t, f.marker))
}

func TestEnsureNoOptionalComponent(t *testing.T) {
	f := newFixture(t)
	f.cfg.Environment.OptionalComponent = []string{}
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockCommandRunner(ctrl)
	gomock.InOrder(
		runner.EXPECT().
			Run(gomock.Any(), f.tool, "venv", gomock.Any(), "--python", f.runtime).
			DoAndReturn(f.createsEnv(t)),
		runner.EXPECT().
			Run(gomock.Any(), f.tool, "pip", "install", f.artifact, "--python", f.envPy, "--force-reinstall").
			Return(nil, nil),
	)

	_, err := New(f.cfg, testVersion, runner).Ensure(context.Background())
	require.NoError(t, err)
}

func TestEnsureSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	held, err := lock.TryAcquire(filepath.Join(f.cfg.Paths.DataRoot, f.cfg.Environment.LockFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release() })

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockCommandRunner(ctrl)

	rep, err := New(f.cfg, testVersion, runner).Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedBusy, rep.Outcome)
	assert.Empty(t, readMarker(t, f.marker))
}

func TestEnsureSkipsWhenInterpreterInUse(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.envPy, "venv-python")
	writeFile(t, f.marker, "1.0.0")
	before := snapshot(t, f.cfg.Paths.DataRoot)

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockCommandRunner(ctrl)

	var checked string
	began := false
	p := New(f.cfg, testVersion, runner,
		WithInUseCheck(func(path string) bool {
			checked = path
			return true
		}),
		WithBeginHook(func(string) { began = true }),
	)
	rep, err := p.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkippedBusy, rep.Outcome)
	assert.Equal(t, f.envPy, checked)
	assert.False(t, began, "no provisioning is announced for a busy environment")
	assert.Equal(t, "1.0.0", readMarker(t, f.marker))
	assert.Equal(t, before, snapshot(t, f.cfg.Paths.DataRoot))
}

func TestArtifactSearchOrder(t *testing.T) {
	f := newFixture(t)
	nested := filepath.Join(f.cfg.Paths.ResourceRoot, "resources", "wheel", "suzent-nested.whl")
	writeFile(t, nested, "nested")

	p := New(f.cfg, testVersion, nil)
	got, err := p.FindArtifact()
	require.NoError(t, err)
	assert.Equal(t, nested, got)
}

func TestInterpreter(t *testing.T) {
	f := newFixture(t)
	p := New(f.cfg, testVersion, nil)

	_, err := p.Interpreter()
	assert.True(t, errors.Is(err, ErrRuntimeNotFound))

	writeFile(t, f.envPy, "python")
	got, err := p.Interpreter()
	require.NoError(t, err)
	assert.Equal(t, f.envPy, got)
}

func TestStaleReasons(t *testing.T) {
	f := newFixture(t)
	p := New(f.cfg, testVersion, nil)

	err := p.Stale(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEnvironmentStale))
	assert.Contains(t, err.Error(), "marker missing")

	writeFile(t, f.marker, testVersion)
	err = p.Stale(context.Background())
	assert.True(t, errors.Is(err, ErrEnvironmentStale))
	assert.Contains(t, err.Error(), "interpreter not found")
}
