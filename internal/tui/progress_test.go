package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sidecar/internal/events"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	got, ok := next.(Model)
	require.True(t, ok)
	return got, cmd
}

func TestNewProgressReplaysBufferedEvents(t *testing.T) {
	hub := events.NewHub(0)
	hub.Publish(events.TypeStarting, nil)
	hub.Publish(events.TypeProvisioning, events.ProvisioningPayload{Version: "1.0.0", Reason: "version marker missing"})

	m := NewProgress(hub, "1.0.0")
	defer m.Close()

	assert.Equal(t, PhaseProvisioning, m.Phase())
	view := m.View()
	assert.Contains(t, view, "Backend 1.0.0")
	assert.Contains(t, view, "provisioning environment")
	assert.Contains(t, view, "version marker missing")
	assert.Contains(t, view, events.TypeStarting)
}

func TestProgressLiveEvents(t *testing.T) {
	hub := events.NewHub(0)
	m := NewProgress(hub, "1.0.0")
	defer m.Close()
	assert.Equal(t, PhaseWaiting, m.Phase())
	assert.Contains(t, m.View(), "No events yet...")

	ready := hub.Publish(events.TypeReady, events.ReadyPayload{Port: 54321})
	model, cmd := update(t, *m, eventMsg(ready))
	require.NotNil(t, cmd, "keeps listening after ready")
	assert.Equal(t, PhaseReady, model.Phase())
	assert.Equal(t, uint16(54321), model.Port())
	assert.Contains(t, model.View(), "ready on port 54321 (spawned")

	// The same event arriving twice is applied once.
	model, _ = update(t, model, eventMsg(ready))
	assert.Len(t, model.eventLog, 1)

	stopped := hub.Publish(events.TypeStopped, nil)
	model, cmd = update(t, model, eventMsg(stopped))
	assert.Equal(t, PhaseStopped, model.Phase())
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestProgressError(t *testing.T) {
	hub := events.NewHub(0)
	hub.Publish(events.TypeError, events.ErrorPayload{Message: "backend did not report a port"})

	m := NewProgress(hub, "1.0.0")
	defer m.Close()
	assert.Equal(t, PhaseError, m.Phase())
	assert.Contains(t, m.View(), "backend did not report a port")
}

func TestProgressAttached(t *testing.T) {
	hub := events.NewHub(0)
	hub.Publish(events.TypeReady, events.ReadyPayload{Port: 8000, Attached: true})

	m := NewProgress(hub, "dev")
	defer m.Close()
	assert.Contains(t, m.View(), "ready on port 8000 (attached")
}

func TestProgressEventLogIsBounded(t *testing.T) {
	hub := events.NewHub(0)
	for i := 0; i < maxLogLines+5; i++ {
		hub.Publish(events.TypeStarting, nil)
	}
	m := NewProgress(hub, "1.0.0")
	defer m.Close()
	assert.Len(t, m.eventLog, maxLogLines)
}

func TestProgressQuitKey(t *testing.T) {
	m := NewProgress(events.NewHub(0), "1.0.0")
	defer m.Close()

	_, cmd := update(t, *m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestWaitForEventReportsClosedHub(t *testing.T) {
	m := NewProgress(events.NewHub(0), "1.0.0")
	m.Close()

	msg := m.waitForEvent()()
	assert.IsType(t, hubClosedMsg{}, msg)
}
