package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/prd-orchestrator/internal/status"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	sectionTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("39"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	stateStyles = map[status.ItemState]lipgloss.Style{
		status.StateReady:         lipgloss.NewStyle().Foreground(lipgloss.Color("255")),
		status.StateBlocked:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		status.StateInProgress:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		status.StatePendingReview: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		status.StateDone:          lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(headerStyle.Width(m.width).Render(m.renderHeader()))
	b.WriteString("\n")

	if m.loadErr != nil {
		b.WriteString(warningStyle.Width(m.width).Render(" Error: " + m.loadErr.Error() + " "))
		b.WriteString("\n")
	}

	if m.snap == nil {
		b.WriteString(dimmedStyle.Render(" Deriving project state..."))
		return b.String()
	}

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRoles()))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderItems()))
	b.WriteString("\n")

	if len(m.snap.Warnings) > 0 {
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderWarnings()))
		b.WriteString("\n")
	}

	statusBar := " [j/k]move [r]efresh [q]uit "
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderHeader() string {
	if m.snap == nil {
		return " PRD Orchestrator "
	}
	counts := make(map[status.ItemState]int)
	for _, item := range m.snap.Items {
		counts[item.State]++
	}
	return fmt.Sprintf(" PRD Orchestrator │ %s │ ready: %d │ blocked: %d │ in-progress: %d │ review: %d │ done: %d ",
		m.snap.ProjectKey,
		counts[status.StateReady], counts[status.StateBlocked], counts[status.StateInProgress],
		counts[status.StatePendingReview], counts[status.StateDone])
}

func (m Model) renderRoles() string {
	var b strings.Builder
	b.WriteString(sectionTitleStyle.Render("Roles"))
	b.WriteString("\n")
	for _, r := range m.snap.Roles {
		if r.Running {
			b.WriteString(fmt.Sprintf("  %-10s running (pid %d)\n", r.Role, r.PID))
		} else {
			b.WriteString(dimmedStyle.Render(fmt.Sprintf("  %-10s idle", r.Role)))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderItems() string {
	var b strings.Builder
	b.WriteString(sectionTitleStyle.Render(fmt.Sprintf("Work items (%d)", len(m.snap.Items))))
	b.WriteString("\n")

	if len(m.snap.Items) == 0 {
		b.WriteString(dimmedStyle.Render("  no work items"))
		return b.String()
	}

	end := m.scroll + m.visibleRows()
	if end > len(m.snap.Items) {
		end = len(m.snap.Items)
	}
	for i := m.scroll; i < end; i++ {
		item := m.snap.Items[i]
		line := fmt.Sprintf("  %-30s %-16s", truncate(item.Name, 30), item.State)
		if len(item.UnmetDependencies) > 0 {
			line += " needs: " + strings.Join(item.UnmetDependencies, ", ")
		}
		if item.Claimed {
			line += " [claimed]"
		}
		line = truncate(line, m.width-6)

		style, ok := stateStyles[item.State]
		if !ok {
			style = dimmedStyle
		}
		if i == m.selectedRow {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(style.Render(line))
		}
		b.WriteString("\n")
	}
	if end < len(m.snap.Items) {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  ... %d more", len(m.snap.Items)-end)))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderWarnings() string {
	var b strings.Builder
	b.WriteString(sectionTitleStyle.Render("Warnings"))
	b.WriteString("\n")
	for _, w := range m.snap.Warnings {
		b.WriteString(warningStyle.Render("  ⚠ " + w))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
