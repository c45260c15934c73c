package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fentz26/sift/internal/models"
)

func newTestServer(t *testing.T) (*Server, *Service) {
	svc, _ := newTestService(t, succeed)
	return NewServer(svc, "127.0.0.1:0"), svc
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func TestHealthEndpoint_OK(t *testing.T) {
	s, _ := newTestServer(t)

	resp := do(t, s.Handler(), http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK || health.DB != "ok" {
		t.Errorf("Expected healthy response, got %+v", health)
	}
	if health.Version == "" || health.Time == "" {
		t.Error("Expected version and time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	resp := do(t, s.Handler(), http.MethodPost, "/health", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	svc, st := newTestService(t, succeed)
	s := NewServer(svc, "127.0.0.1:0")

	// Close the store to simulate DB error
	st.Close()

	resp := do(t, s.Handler(), http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK || health.DB == "ok" {
		t.Errorf("Expected DB error reported, got %+v", health)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	s, svc := newTestServer(t)
	h := s.Handler()

	resp := do(t, h, http.MethodPost, "/sessions", StartRequest{Query: "how do tides work"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var started StartResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil || started.ID == "" {
		t.Fatalf("Expected session id, got %+v (%v)", started, err)
	}

	if _, err := svc.Wait(waitCtx(t), started.ID); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	resp = do(t, h, http.MethodGet, "/sessions/"+started.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var sess models.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("Failed to decode session: %v", err)
	}
	if sess.Status != models.SessionStatusDone || sess.Report == nil {
		t.Errorf("Expected finished session with report, got %s", sess.Status)
	}

	resp = do(t, h, http.MethodGet, "/sessions", nil)
	var list []SessionSummary
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil || len(list) != 1 {
		t.Errorf("Expected one session listed, got %+v (%v)", list, err)
	}

	resp = do(t, h, http.MethodGet, "/sessions/"+started.ID+"/progress", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected progress, got %d", resp.StatusCode)
	}

	resp = do(t, h, http.MethodPost, "/sessions/"+started.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 cancelling a finished session, got %d", resp.StatusCode)
	}
	resp = do(t, h, http.MethodPost, "/sessions/"+started.ID+"/resume", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 resuming a finished session, got %d", resp.StatusCode)
	}
	resp = do(t, h, http.MethodGet, "/sessions/"+started.ID+"/workers", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for workers of a finished session, got %d", resp.StatusCode)
	}
}

func TestSessionErrorsOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"empty query", http.MethodPost, "/sessions", StartRequest{}, http.StatusBadRequest},
		{"bad options", http.MethodPost, "/sessions", StartRequest{Query: "q", Options: &models.Options{MinTasks: 8, MaxTasks: 2}}, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/sessions/nope", nil, http.StatusNotFound},
		{"unknown cancel", http.MethodPost, "/sessions/nope/cancel", nil, http.StatusNotFound},
		{"unknown action", http.MethodGet, "/sessions/nope/bogus", nil, http.StatusNotFound},
		{"missing id", http.MethodGet, "/sessions/", nil, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/sessions", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, h, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req.WithContext(context.Background()))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid json, got %d", w.Code)
	}
}
