package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "j", "down":
			if m.snap != nil && m.selectedRow < len(m.snap.Items)-1 {
				m.selectedRow++
				if m.selectedRow >= m.scroll+m.visibleRows() {
					m.scroll = m.selectedRow - m.visibleRows() + 1
				}
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
				if m.selectedRow < m.scroll {
					m.scroll = m.selectedRow
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case SnapshotMsg:
		m.loadErr = msg.Err
		if msg.Err == nil {
			m.snap = msg.Snap
			m.lastRefresh = time.Now()
			if m.selectedRow >= len(m.snap.Items) {
				m.selectedRow = 0
				m.scroll = 0
			}
		}
	}

	return m, nil
}

// visibleRows is how many item rows fit between header and status bar.
func (m Model) visibleRows() int {
	rows := m.height - 8
	if rows < 3 {
		rows = 3
	}
	return rows
}
