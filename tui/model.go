package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/prd-orchestrator/internal/status"
)

// refreshInterval is how often the dashboard re-derives the snapshot.
const refreshInterval = 2 * time.Second

// SnapshotFunc produces a fresh project snapshot for the dashboard.
type SnapshotFunc func() (*status.Snapshot, error)

// Model is the TUI application model
type Model struct {
	// Data
	refresh SnapshotFunc
	snap    *status.Snapshot
	loadErr error

	// UI state
	width       int
	height      int
	selectedRow int
	scroll      int

	// Refresh
	lastRefresh time.Time
}

// NewModel creates a new TUI model
func NewModel(refresh SnapshotFunc) Model {
	return Model{refresh: refresh}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.refreshCmd(),
		tickCmd(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// SnapshotMsg carries a freshly built snapshot (or the error building it).
type SnapshotMsg struct {
	Snap *status.Snapshot
	Err  error
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.refresh()
		return SnapshotMsg{Snap: snap, Err: err}
	}
}
