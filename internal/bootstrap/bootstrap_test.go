package bootstrap

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sidecar/internal/config"
	"github.com/mattjoyce/sidecar/internal/events"
	"github.com/mattjoyce/sidecar/internal/journal"
	"github.com/mattjoyce/sidecar/internal/lifecycle"
	"github.com/mattjoyce/sidecar/internal/provision"
	"github.com/mattjoyce/sidecar/internal/supervisor"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Defaults()
	cfg.Paths.ResourceRoot = filepath.Join(base, "resources")
	cfg.Paths.DataRoot = filepath.Join(base, "data")
	cfg.Environment.OptionalComponent = nil
	cfg.Timeouts.PortWait = 10 * time.Second
	cfg.Timeouts.HealthInterval = 10 * time.Millisecond
	cfg.Timeouts.HealthAttempts = 5
	cfg.Timeouts.HealthRequest = time.Second
	return cfg
}

func openJournal(t *testing.T) *journal.Store {
	t.Helper()
	store, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func healthServer(t *testing.T, status int) uint16 {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return uint16(srv.Listener.Addr().(*net.TCPAddr).Port)
}

func eventTypes(hub *events.Hub) []string {
	var out []string
	for _, ev := range hub.SnapshotSince(0) {
		out = append(out, ev.Type)
	}
	return out
}

func TestRunRequiresConfig(t *testing.T) {
	_, err := Run(context.Background(), Deps{})
	require.Error(t, err)
}

func TestRunAttach(t *testing.T) {
	cfg := testConfig(t)
	port := healthServer(t, http.StatusOK)
	cfg.Backend.AttachPort = int(port)
	hub := events.NewHub(0)
	store := openJournal(t)

	sess, err := Run(context.Background(), Deps{Config: cfg, Version: "1.0.0", Hub: hub, Journal: store})
	require.NoError(t, err)
	assert.True(t, sess.Attached)
	assert.Equal(t, port, sess.Port)
	assert.Nil(t, sess.Provision, "attach mode skips provisioning")

	got, err := sess.Owner.Port()
	require.NoError(t, err)
	assert.Equal(t, port, got)
	assert.Equal(t, supervisor.StateReady, sess.Owner.State())

	last, ok := hub.Latest()
	require.True(t, ok)
	require.Equal(t, events.TypeReady, last.Type)
	var ready events.ReadyPayload
	require.NoError(t, last.Decode(&ready))
	assert.Equal(t, port, ready.Port)
	assert.True(t, ready.Attached)

	require.NoError(t, sess.Stop())
	require.NoError(t, sess.Stop())
	assert.Equal(t, []string{events.TypeStarting, events.TypeReady, events.TypeStopped}, eventTypes(hub))

	_, err = sess.Owner.Port()
	assert.ErrorIs(t, err, lifecycle.ErrNotReady)

	launches, err := store.RecentLaunches(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, launches, 1)
	assert.Equal(t, journal.ModeAttach, launches[0].Mode)
	assert.Equal(t, journal.LaunchStopped, launches[0].Outcome)
	assert.Equal(t, port, launches[0].Port)
}

func TestRunAttachUnhealthy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.AttachPort = int(healthServer(t, http.StatusInternalServerError))
	hub := events.NewHub(0)
	store := openJournal(t)

	sess, err := Run(context.Background(), Deps{Config: cfg, Version: "1.0.0", Hub: hub, Journal: store})
	require.ErrorIs(t, err, supervisor.ErrHealthTimeout)
	assert.Nil(t, sess)

	// The failure is the last word; no stopped event follows it.
	assert.Equal(t, []string{events.TypeStarting, events.TypeError}, eventTypes(hub))

	launches, err := store.RecentLaunches(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, launches, 1)
	assert.Equal(t, journal.LaunchFailed, launches[0].Outcome)
	assert.NotEmpty(t, launches[0].Error)
}

func TestRunProvisionFailure(t *testing.T) {
	cfg := testConfig(t)
	hub := events.NewHub(0)
	store := openJournal(t)

	// Nothing in the resource root, so the tool lookup fails before any
	// command runs.
	sess, err := Run(context.Background(), Deps{Config: cfg, Version: "1.0.0", Hub: hub, Journal: store})
	require.ErrorIs(t, err, provision.ErrToolNotFound)
	assert.Nil(t, sess)

	assert.Equal(t, []string{events.TypeStarting, events.TypeProvisioning, events.TypeError}, eventTypes(hub))

	last, _ := hub.Latest()
	var payload events.ErrorPayload
	require.NoError(t, last.Decode(&payload))
	assert.Contains(t, payload.Message, "not found")

	runs, err := store.RecentProvisions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, string(provision.OutcomeFailed), runs[0].Outcome)
	assert.Equal(t, "1.0.0", runs[0].Version)
	assert.NotEmpty(t, runs[0].Error)

	launches, err := store.RecentLaunches(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, launches, "no launch is attempted after a provisioning failure")
}
