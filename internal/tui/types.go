package tui

import (
	"time"

	"github.com/fentz26/sift/internal/controlplane"
	"github.com/fentz26/sift/internal/models"
	"github.com/fentz26/sift/internal/progress"
	"github.com/fentz26/sift/internal/scheduler"
)

// pollInterval is how often the UI refreshes from the daemon.
const pollInterval = time.Second

type sessionsLoadedMsg struct {
	sessions []controlplane.SessionSummary
}

type sessionLoadedMsg struct {
	session  *models.Session
	progress *progress.Update
	workers  *scheduler.Stats
}

type daemonStatusMsg struct {
	online bool
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type tickMsg time.Time
