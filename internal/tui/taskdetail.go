package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/sift/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

func (a *App) renderSessionDetail() string {
	s := a.session
	if s == nil {
		return "\n  Loading...\n"
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(truncate(s.Query, a.width-4)) + "\n")
	b.WriteString(fmt.Sprintf("  %s %s   %s %s\n",
		labelStyle.Render("ID:"), valueStyle.Render(shortID(s.ID)),
		labelStyle.Render("Status:"), formatSessionStatus(s.Status)))

	percent := 0
	phase := ""
	if a.update != nil {
		percent = a.update.Percent
		phase = a.update.Message
	} else if s.Status == models.SessionStatusDone {
		percent = 100
	}
	b.WriteString("  " + a.bar.ViewAs(float64(percent)/100) + "\n")
	if phase != "" {
		b.WriteString("  " + helpStyle.Render(truncate(phase, a.width-4)) + "\n")
	}
	if a.workers != nil {
		b.WriteString(fmt.Sprintf("  %s %d/%d running, %d dispatched\n",
			labelStyle.Render("Slots:"), a.workers.Running, a.workers.Slots, a.workers.Dispatched))
	}

	if s.Rationale != "" {
		b.WriteString(sectionStyle.Render("Plan") + "\n")
		b.WriteString("  " + truncate(s.Rationale, a.width-4) + "\n")
	}
	b.WriteString(sectionStyle.Render("Tasks") + "\n")
	b.WriteString(renderTasks(s))

	if len(s.Errors) > 0 {
		b.WriteString(sectionStyle.Render("Errors") + "\n")
		start := 0
		if len(s.Errors) > 5 {
			start = len(s.Errors) - 5
		}
		for _, e := range s.Errors[start:] {
			style := statusFailed
			if e.Recovered {
				style = labelStyle
			}
			b.WriteString("  " + style.Render(fmt.Sprintf("[%s] %s", e.Kind, truncate(e.Message, a.width-20))) + "\n")
		}
	}

	if s.Metadata != nil {
		b.WriteString(fmt.Sprintf("\n  %s %d tasks, %d sources, %.1fs\n",
			labelStyle.Render("Summary:"), s.Metadata.TaskCount, s.Metadata.SourceCount, s.Metadata.DurationSeconds))
	}

	if s.Report != nil {
		b.WriteString(sectionStyle.Render("Report") + "\n")
		b.WriteString(a.viewport.View())
	}
	return b.String()
}

// reportText renders the cited document and its bibliography.
func reportText(r *models.Report) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	doc := r.CitedDocument
	if doc == "" {
		doc = r.Document
	}
	b.WriteString(doc + "\n")
	if len(r.Bibliography) > 0 {
		b.WriteString("\nSources:\n")
		for i, src := range r.Bibliography {
			title := src.Title
			if title == "" {
				title = src.URL
			}
			b.WriteString(fmt.Sprintf("  [%d] %s  %s\n", i+1, title, src.URL))
		}
	}
	if len(r.Uncited) > 0 {
		b.WriteString(fmt.Sprintf("\n%d sentence(s) without a supporting source.\n", len(r.Uncited)))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
