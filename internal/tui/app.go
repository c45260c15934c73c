// Package tui provides the terminal session monitor for sift.
package tui

import (
	"fmt"
	"strings"
	"time"

	bprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/sift/internal/controlplane"
	"github.com/fentz26/sift/internal/models"
	"github.com/fentz26/sift/internal/progress"
	"github.com/fentz26/sift/internal/scheduler"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	taskItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

const (
	modeList   = "list"
	modeDetail = "detail"
)

// App is the session monitor model.
type App struct {
	client       *Client
	sessions     []controlplane.SessionSummary
	selectedIdx  int
	mode         string
	sessionID    string
	session      *models.Session
	update       *progress.Update
	workers      *scheduler.Stats
	viewport     viewport.Model
	bar          bprogress.Model
	width        int
	height       int
	message      string
	loading      bool
	daemonOnline bool
	reportFor    string
}

// New creates a monitor. With a session id it opens that session directly.
func New(apiAddr, sessionID string) *App {
	a := &App{
		client:   NewClient(apiAddr),
		viewport: viewport.New(80, 10),
		bar:      bprogress.New(bprogress.WithDefaultGradient(), bprogress.WithWidth(40)),
		mode:     modeList,
		loading:  true,
		width:    80,
		height:   24,
	}
	if sessionID != "" {
		a.mode = modeDetail
		a.sessionID = sessionID
	}
	return a
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.refresh(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = msg.Width - 4
		a.viewport.Height = max(3, msg.Height/2-4)
		a.bar.Width = max(10, min(60, msg.Width-10))

	case sessionsLoadedMsg:
		a.loading = false
		a.sessions = msg.sessions
		if a.selectedIdx >= len(a.sessions) {
			a.selectedIdx = max(0, len(a.sessions)-1)
		}

	case sessionLoadedMsg:
		a.loading = false
		a.session = msg.session
		a.update = msg.progress
		a.workers = msg.workers
		if msg.session.Report != nil && a.reportFor != msg.session.ID {
			a.viewport.SetContent(reportText(msg.session.Report))
			a.viewport.GotoTop()
			a.reportFor = msg.session.ID
		}

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.checkDaemon(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return a, tea.Quit

	case "esc":
		if a.mode == modeDetail {
			a.mode = modeList
			a.session = nil
			a.update = nil
			a.workers = nil
			a.message = ""
			return a, a.refresh()
		}

	case "up", "k":
		if a.mode == modeList && a.selectedIdx > 0 {
			a.selectedIdx--
		} else if a.mode == modeDetail {
			a.viewport.LineUp(1)
		}

	case "down", "j":
		if a.mode == modeList && a.selectedIdx < len(a.sessions)-1 {
			a.selectedIdx++
		} else if a.mode == modeDetail {
			a.viewport.LineDown(1)
		}

	case "pgup":
		a.viewport.HalfViewUp()
	case "pgdown":
		a.viewport.HalfViewDown()

	case "enter":
		if a.mode == modeList && len(a.sessions) > 0 {
			a.mode = modeDetail
			a.sessionID = a.sessions[a.selectedIdx].ID
			a.session = nil
			return a, a.refresh()
		}

	case "r":
		return a, a.refresh()

	case "c":
		if id := a.targetID(); id != "" {
			return a, a.cancelSession(id)
		}

	case "u":
		if id := a.targetID(); id != "" {
			return a, a.resumeSession(id)
		}
	}
	return a, nil
}

// targetID is the session the cancel and resume keys act on.
func (a *App) targetID() string {
	if a.mode == modeDetail {
		return a.sessionID
	}
	if len(a.sessions) > 0 {
		return a.sessions[a.selectedIdx].ID
	}
	return ""
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("sift") + "  " + daemonStatus
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(0, a.width)) + "\n")

	contentHeight := a.height - 6
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case modeList:
		b.WriteString(a.renderSessionList(contentHeight))
	case modeDetail:
		b.WriteString(a.renderSessionDetail())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Sessions: %d | ↑↓:nav | Enter:open | c:cancel | u:resume | r:refresh | q:quit", len(a.sessions))
	default:
		status = " Esc:back | ↑↓/PgUp/PgDn:scroll report | c:cancel | u:resume | q:quit"
	}
	b.WriteString(statusBarStyle.Width(max(0, a.width)).Render(status))
	return b.String()
}

func (a *App) refresh() tea.Cmd {
	if a.mode == modeDetail {
		return a.fetchSession(a.sessionID)
	}
	return a.fetchSessions()
}

func (a *App) fetchSessions() tea.Cmd {
	return func() tea.Msg {
		sessions, err := a.client.ListSessions()
		if err != nil {
			return errMsg{err}
		}
		return sessionsLoadedMsg{sessions}
	}
}

func (a *App) fetchSession(id string) tea.Cmd {
	return func() tea.Msg {
		session, err := a.client.GetSession(id)
		if err != nil {
			return errMsg{err}
		}
		msg := sessionLoadedMsg{session: session}
		if u, err := a.client.GetProgress(id); err == nil {
			msg.progress = u
		}
		if !session.Status.Terminal() {
			if w, err := a.client.GetWorkers(id); err == nil {
				msg.workers = w
			}
		}
		return msg
	}
}

func (a *App) cancelSession(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.CancelSession(id); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{fmt.Sprintf("✓ Cancelling %s", shortID(id))}
	}
}

func (a *App) resumeSession(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.ResumeSession(id); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{fmt.Sprintf("✓ Resumed %s", shortID(id))}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, _ := a.client.CheckHealth()
		return daemonStatusMsg{online: ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
