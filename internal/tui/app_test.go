package tui

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fentz26/sift/internal/controlplane"
	"github.com/fentz26/sift/internal/models"
	"github.com/fentz26/sift/internal/progress"
	"github.com/fentz26/sift/internal/scheduler"
)

func testSession() *models.Session {
	return &models.Session{
		ID:        "0123456789abcdef",
		Query:     "how do heat pumps work",
		Status:    models.SessionStatusDone,
		Rationale: "split by mechanism and cost",
		Tasks: []*models.Task{
			{ID: "t1", Objective: "refrigeration cycle", Status: models.TaskStatusDone, Attempts: 1},
			{ID: "t2", Objective: "running costs", Group: 1, Status: models.TaskStatusAbandoned, Attempts: 3},
		},
		Errors: []models.ErrorEntry{{TaskID: "t2", Kind: "TASK_PERSISTENT", Message: "blocked"}},
		Report: &models.Report{
			Document:      "Heat pumps move heat.",
			CitedDocument: "Heat pumps move heat [1].",
			Bibliography:  []models.Source{{URL: "https://example.com/hp", Title: "HP guide"}},
		},
		Metadata: &models.Metadata{TaskCount: 2, SourceCount: 1, DurationSeconds: 4.2},
	}
}

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(controlplane.HealthResponse{OK: true, DB: "ok"})
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]controlplane.SessionSummary{{ID: "0123456789abcdef", Query: "how do heat pumps work", Status: models.SessionStatusDone, Percent: 100}})
	})
	mux.HandleFunc("/sessions/0123456789abcdef", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(testSession())
	})
	mux.HandleFunc("/sessions/0123456789abcdef/progress", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(progress.Update{SessionID: "0123456789abcdef", Percent: 100, Message: "complete"})
	})
	mux.HandleFunc("/sessions/0123456789abcdef/cancel", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, controlplane.ErrAlreadyFinished.Error(), http.StatusConflict)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	srv := newTestAPI(t)
	c := NewClient(srv.URL)

	ok, err := c.CheckHealth()
	if err != nil || !ok {
		t.Fatalf("Expected healthy daemon, got %v %v", ok, err)
	}
	sessions, err := c.ListSessions()
	if err != nil || len(sessions) != 1 {
		t.Fatalf("Expected one session, got %v %v", sessions, err)
	}
	s, err := c.GetSession(sessions[0].ID)
	if err != nil || len(s.Tasks) != 2 {
		t.Fatalf("Unexpected session %+v %v", s, err)
	}
	u, err := c.GetProgress(s.ID)
	if err != nil || u.Percent != 100 {
		t.Errorf("Unexpected progress %+v %v", u, err)
	}
	if err := c.CancelSession(s.ID); err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("Expected conflict error, got %v", err)
	}
	if _, err := c.GetSession("missing"); err == nil {
		t.Error("Expected error for unknown session")
	}
}

func TestAppListNavigation(t *testing.T) {
	a := New("http://127.0.0.1:0", "")
	a.Update(sessionsLoadedMsg{sessions: []controlplane.SessionSummary{
		{ID: "aaaaaaaaaaaa", Query: "first", Status: models.SessionStatusRunning, Percent: 40},
		{ID: "bbbbbbbbbbbb", Query: "second", Status: models.SessionStatusDone, Percent: 100},
	}})

	view := a.View()
	if !strings.Contains(view, "first") || !strings.Contains(view, "second") {
		t.Errorf("Expected both sessions listed:\n%s", view)
	}

	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	if a.selectedIdx != 1 {
		t.Errorf("Expected selection to move down, got %d", a.selectedIdx)
	}
	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	if a.selectedIdx != 1 {
		t.Errorf("Expected selection to stop at the end, got %d", a.selectedIdx)
	}

	_, cmd := a.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if a.mode != modeDetail || a.sessionID != "bbbbbbbbbbbb" || cmd == nil {
		t.Errorf("Expected detail of second session, got mode %s id %s", a.mode, a.sessionID)
	}

	a.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if a.mode != modeList {
		t.Errorf("Expected list mode after esc, got %s", a.mode)
	}
}

func TestAppSessionDetail(t *testing.T) {
	a := New("http://127.0.0.1:0", "0123456789abcdef")
	a.Update(tea.WindowSizeMsg{Width: 100, Height: 60})
	a.Update(sessionLoadedMsg{
		session:  testSession(),
		progress: &progress.Update{Percent: 100, Message: "complete"},
		workers:  &scheduler.Stats{Slots: 5},
	})

	view := a.View()
	for _, want := range []string{"how do heat pumps work", "01234567", "refrigeration cycle", "running costs", "attempt 3", "TASK_PERSISTENT", "Heat pumps move heat [1].", "HP guide"} {
		if !strings.Contains(view, want) {
			t.Errorf("Expected %q in view:\n%s", want, view)
		}
	}
}

func TestAppMessages(t *testing.T) {
	a := New("http://127.0.0.1:0", "")
	a.Update(errMsg{errors.New("connection refused")})
	if !strings.Contains(a.View(), "Error: connection refused") {
		t.Error("Expected error message in view")
	}
	a.Update(daemonStatusMsg{online: true})
	if !a.daemonOnline {
		t.Error("Expected daemon online")
	}
	if !strings.Contains(a.View(), "No sessions found") {
		t.Error("Expected empty list hint")
	}

	_, cmd := a.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("Expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("Expected tea.QuitMsg")
	}
}

func TestReportText(t *testing.T) {
	out := reportText(testSession().Report)
	if !strings.HasPrefix(out, "Heat pumps move heat [1].") || !strings.Contains(out, "[1] HP guide  https://example.com/hp") {
		t.Errorf("Unexpected report text:\n%s", out)
	}
	if reportText(nil) != "" {
		t.Error("Expected empty text for nil report")
	}
}
