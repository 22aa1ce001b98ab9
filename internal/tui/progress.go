// Package tui renders backend startup progress in the terminal from the
// lifecycle event hub.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sidecar/internal/events"
)

// Phases shown in the header.
const (
	PhaseWaiting      = "waiting"
	PhaseStarting     = "starting"
	PhaseProvisioning = "provisioning"
	PhaseReady        = "ready"
	PhaseError        = "error"
	PhaseStopped      = "stopped"
)

const maxLogLines = 10

type eventMsg events.Event

type hubClosedMsg struct{}

// Model is the bubbletea model for `start --tui`.
type Model struct {
	theme   Theme
	version string
	sub     <-chan events.Event
	cancel  func()
	lastID  int64

	spinner spinner.Model
	width   int

	phase    string
	port     uint16
	attached bool
	reason   string
	errText  string
	started  time.Time
	elapsed  time.Duration
	eventLog []events.Event
}

// NewProgress subscribes to hub and replays what it has already buffered.
// Call Close when the program exits.
func NewProgress(hub *events.Hub, version string) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := &Model{
		theme:   NewDefaultTheme(),
		version: version,
		spinner: sp,
		phase:   PhaseWaiting,
		started: time.Now(),
	}
	m.spinner.Style = m.theme.StatusRunning

	// Subscribe before the snapshot so nothing falls between them.
	m.sub, m.cancel = hub.Subscribe()
	for _, ev := range hub.SnapshotSince(0) {
		m.apply(ev)
	}
	return m
}

// Close releases the hub subscription.
func (m *Model) Close() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Phase returns the current startup phase.
func (m Model) Phase() string { return m.phase }

// Port returns the backend port once ready.
func (m Model) Port() uint16 { return m.port }

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case eventMsg:
		m.apply(events.Event(msg))
		if m.phase == PhaseStopped {
			return m, tea.Quit
		}
		return m, m.waitForEvent()

	case hubClosedMsg:
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// apply folds one event into the model. Replayed and live copies of the
// same event are applied once.
func (m *Model) apply(ev events.Event) {
	if ev.ID != 0 && ev.ID <= m.lastID {
		return
	}
	m.lastID = ev.ID

	m.eventLog = append([]events.Event{ev}, m.eventLog...)
	if len(m.eventLog) > maxLogLines {
		m.eventLog = m.eventLog[:maxLogLines]
	}

	switch ev.Type {
	case events.TypeStarting:
		m.phase = PhaseStarting
	case events.TypeProvisioning:
		m.phase = PhaseProvisioning
		var p events.ProvisioningPayload
		if err := ev.Decode(&p); err == nil {
			m.reason = p.Reason
		}
	case events.TypeReady:
		m.phase = PhaseReady
		m.elapsed = ev.At.Sub(m.started)
		var p events.ReadyPayload
		if err := ev.Decode(&p); err == nil {
			m.port = p.Port
			m.attached = p.Attached
		}
	case events.TypeError:
		m.phase = PhaseError
		var p events.ErrorPayload
		if err := ev.Decode(&p); err == nil {
			m.errText = p.Message
		}
	case events.TypeStopped:
		m.phase = PhaseStopped
	}
}

func (m Model) waitForEvent() tea.Cmd {
	sub := m.sub
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return hubClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) View() string {
	width := m.width
	if width == 0 {
		width = 80
	}
	box := m.theme.Border.Width(width - 4)

	header := box.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("Backend "+m.version),
		"  "+m.renderStatus(),
	))
	log := box.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("Events"),
		m.renderEvents(),
	))
	help := m.theme.Dim.Render(" [q] Stop backend and quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, log, help)
}

func (m Model) renderStatus() string {
	switch m.phase {
	case PhaseReady:
		mode := "spawned"
		if m.attached {
			mode = "attached"
		}
		return m.theme.StatusOK.Render("●") +
			fmt.Sprintf(" ready on port %d (%s, %s)", m.port, mode, m.elapsed.Round(time.Millisecond))
	case PhaseError:
		return m.theme.StatusFailed.Render("∅") + " " + m.errText
	case PhaseStopped:
		return m.theme.StatusStopped.Render("○") + " stopped"
	case PhaseProvisioning:
		line := m.spinner.View() + " provisioning environment"
		if m.reason != "" {
			line += m.theme.Dim.Render(" (" + m.reason + ")")
		}
		return line
	default:
		return m.spinner.View() + " " + m.phase
	}
}

func (m Model) renderEvents() string {
	var lines []string
	for _, e := range m.eventLog {
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-20s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
