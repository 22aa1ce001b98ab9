package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/journal"
	"github.com/mattjoyce/sidecar/internal/platform"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCmd(t *testing.T, cmd string, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return run(cmd, args) })
}

type layout struct {
	configPath string
	resources  string
	data       string
}

func writeConfig(t *testing.T, extra string) layout {
	t.Helper()
	base := t.TempDir()
	l := layout{
		configPath: filepath.Join(base, "sidecar.yaml"),
		resources:  filepath.Join(base, "resources"),
		data:       filepath.Join(base, "data"),
	}
	require.NoError(t, os.MkdirAll(l.resources, 0o755))
	yaml := fmt.Sprintf(`
app:
  version: 9.9.9
  log_level: error
paths:
  resource_root: %s
  data_root: %s
%s`, l.resources, l.data, extra)
	require.NoError(t, os.WriteFile(l.configPath, []byte(yaml), 0o644))
	return l
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestVersionAndHelp(t *testing.T) {
	code, stdout, _ := runCmd(t, "version")
	assert.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(stdout, "sidecar version "))

	code, stdout, _ = runCmd(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Usage:")
	assert.Contains(t, stdout, "doctor")

	code, _, stderr := runCmd(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestSubcommandHelpFlag(t *testing.T) {
	code, _, stderr := runCmd(t, "doctor", "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr, "-json")
}

func TestEffectiveVersion(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, buildVersion(), effectiveVersion(cfg))
	cfg.App.Version = "2.5.0"
	assert.Equal(t, "2.5.0", effectiveVersion(cfg))
}

func TestConfigLoadFailure(t *testing.T) {
	code, _, stderr := runCmd(t, "sync", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Failed to load config")
}

func TestDoctorJSONReportsMissingResources(t *testing.T) {
	l := writeConfig(t, "")
	code, stdout, _ := runCmd(t, "doctor", "--config", l.configPath, "--json")
	assert.Equal(t, 1, code)

	var report struct {
		Valid   bool   `json:"valid"`
		Version string `json:"version"`
		Errors  []struct {
			Category string `json:"category"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.False(t, report.Valid)
	assert.Equal(t, "9.9.9", report.Version)
	require.NotEmpty(t, report.Errors)
	assert.Equal(t, "resources", report.Errors[0].Category)
}

func TestSyncSeedsExamples(t *testing.T) {
	l := writeConfig(t, "")
	writeFile(t, filepath.Join(l.resources, "config", "app.example.yaml"), "a: 1\n")
	writeFile(t, filepath.Join(l.resources, "skills", "notes.md"), "notes")

	code, stdout, stderr := runCmd(t, "sync", "--config", l.configPath)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "config     copied=0 refreshed=1 seeded=1")
	assert.Contains(t, stdout, "skills     copied=1")

	b, err := os.ReadFile(filepath.Join(l.data, "config", "app.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", string(b))
}

func TestShim(t *testing.T) {
	l := writeConfig(t, "")
	code, _, stderr := runCmd(t, "shim", "--config", l.configPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Environment not provisioned")

	cfg, err := config.Load(l.configPath)
	require.NoError(t, err)
	py := platform.EnvInterpreter(cfg.EnvironmentRoot())
	writeFile(t, py, "venv-python")

	code, stdout, stderr := runCmd(t, "shim", "--config", l.configPath)
	require.Equal(t, 0, code, stderr)
	path := strings.TrimSpace(stdout)
	assert.Equal(t, filepath.Join(l.data, "bin"), filepath.Dir(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), py)
}

func TestStatusNotRunning(t *testing.T) {
	l := writeConfig(t, "")
	code, stdout, _ := runCmd(t, "status", "--config", l.configPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "backend: not running (no port file at")
	assert.Contains(t, stdout, "history: none recorded")
}

func TestStatusUpWithHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	port := srv.Listener.Addr().(*net.TCPAddr).Port

	l := writeConfig(t, "")
	writeFile(t, filepath.Join(l.data, "server.port"), fmt.Sprintf("%d\n", port))

	ctx := context.Background()
	store, err := journal.Open(ctx, filepath.Join(l.data, "sidecar.db"))
	require.NoError(t, err)
	id, err := store.BeginLaunch(ctx, journal.ModeSpawn, time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NoError(t, store.MarkReady(ctx, id, 4321, uint16(port)))
	_, err = store.RecordProvision(ctx, journal.ProvisionRun{Version: "9.9.9", Outcome: "provisioned", ArtifactDigest: strings.Repeat("ab", 32)})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	code, stdout, stderr := runCmd(t, "status", "--config", l.configPath)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, fmt.Sprintf("backend: up on port %d", port))
	assert.Contains(t, stdout, "spawn  ready")
	assert.Contains(t, stdout, "pid=4321")
	assert.Contains(t, stdout, "version=9.9.9")
	assert.Contains(t, stdout, "artifact=abababababab")
}

func TestReadPortFile(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    uint16
		wantErr string
	}{
		{name: "plain", content: "54321", want: 54321},
		{name: "trailing newline", content: "8000\n", want: 8000},
		{name: "garbage", content: "port", wantErr: "invalid port file"},
		{name: "zero", content: "0", wantErr: "invalid port file"},
		{name: "out of range", content: "70000", wantErr: "invalid port file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			writeFile(t, path, tt.content)
			got, err := readPortFile(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := readPortFile(filepath.Join(dir, "absent"))
	assert.ErrorContains(t, err, "no port file at")
}
