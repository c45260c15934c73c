package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/sift/internal/controlplane"
	"github.com/fentz26/sift/internal/models"
)

var (
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusAssigned  = lipgloss.NewStyle().Foreground(lipgloss.Color("4")) // Blue
	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	statusAbandoned = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func formatTaskStatus(status models.TaskStatus) string {
	label := strings.ToLower(string(status))
	switch status {
	case models.TaskStatusPending:
		return statusPending.Render("○ " + label)
	case models.TaskStatusAssigned:
		return statusAssigned.Render("◐ " + label)
	case models.TaskStatusRunning:
		return statusRunning.Render("● " + label)
	case models.TaskStatusDone:
		return statusCompleted.Render("✓ " + label)
	case models.TaskStatusFailed:
		return statusFailed.Render("✗ " + label)
	case models.TaskStatusAbandoned:
		return statusAbandoned.Render("⊘ " + label)
	default:
		return label
	}
}

func formatSessionStatus(status models.SessionStatus) string {
	label := strings.ToLower(string(status))
	switch status {
	case models.SessionStatusDone:
		return statusCompleted.Render("✓ " + label)
	case models.SessionStatusFailed:
		return statusFailed.Render("✗ " + label)
	case models.SessionStatusPlanning:
		return statusPending.Render("○ " + label)
	default:
		return statusRunning.Render("● " + label)
	}
}

func (a *App) renderSessionList(height int) string {
	if a.loading {
		return "\n  Loading sessions...\n"
	}
	if len(a.sessions) == 0 {
		return "\n  No sessions found. Run: sift research <query>\n"
	}

	var lines []string
	for i, s := range a.sessions {
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %-14s %3d%%  %s", s.Status, s.Percent, truncate(s.Query, a.width-30))))
			continue
		}
		lines = append(lines, taskItemStyle.Render(fmt.Sprintf("  %s %3d%%  %s", padStatus(s), s.Percent, truncate(s.Query, a.width-30))))
	}

	if len(lines) > height {
		start := a.selectedIdx - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

func padStatus(s controlplane.SessionSummary) string {
	label := formatSessionStatus(s.Status)
	if pad := 16 - lipgloss.Width(label); pad > 0 {
		label += strings.Repeat(" ", pad)
	}
	return label
}

// renderTasks lists the tasks of a session grouped by dispatch group.
func renderTasks(s *models.Session) string {
	if len(s.Tasks) == 0 {
		return "  " + helpStyle.Render("No tasks planned yet") + "\n"
	}

	var b strings.Builder
	group := -1
	for _, t := range s.Tasks {
		if t.Group != group {
			group = t.Group
			b.WriteString(labelStyle.Render(fmt.Sprintf("  Group %d", group+1)) + "\n")
		}
		attempts := ""
		if t.Attempts > 1 {
			attempts = labelStyle.Render(fmt.Sprintf(" (attempt %d)", t.Attempts))
		}
		b.WriteString(fmt.Sprintf("    %s  %s%s\n", formatTaskStatus(t.Status), t.Objective, attempts))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n < 10 {
		n = 10
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
