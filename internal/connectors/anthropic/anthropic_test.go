package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fentz26/sift/internal/connectors"
	"github.com/fentz26/sift/internal/failure"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func messageReply(text string) map[string]interface{} {
	return map[string]interface{}{
		"id":          "msg_1",
		"type":        "message",
		"role":        "assistant",
		"model":       "claude-sonnet-4-20250514",
		"stop_reason": "end_turn",
		"content":     []map[string]interface{}{{"type": "text", "text": text}},
		"usage":       map[string]interface{}{"input_tokens": 10, "output_tokens": 5},
	}
}

func TestCompleteJSON(t *testing.T) {
	var gotSystem string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			System []struct {
				Text string `json:"text"`
			} `json:"system"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.System) > 0 {
			gotSystem = body.System[0].Text
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageReply("Here you go: {\"direct\": true} done"))
	})

	out, err := c.Complete(context.Background(), "plan this", connectors.Constraints{
		Purpose: connectors.PurposePlan,
		System:  "You plan research.",
		Format:  connectors.FormatJSON,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if string(out.Structured) != `{"direct": true}` {
		t.Errorf("unexpected structured reply %q", out.Structured)
	}
	if !strings.Contains(gotSystem, jsonInstruction) {
		t.Errorf("expected JSON instruction in system prompt, got %q", gotSystem)
	}

	in, outTok, calls := c.Usage()
	if in != 10 || outTok != 5 || calls != 1 {
		t.Errorf("unexpected usage %d/%d/%d", in, outTok, calls)
	}
}

func TestCompleteMissingJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageReply("no object here"))
	})

	_, err := c.Complete(context.Background(), "p", connectors.Constraints{Format: connectors.FormatJSON})
	var se *failure.ServiceError
	if !errors.As(err, &se) || se.Code != failure.CodeMalformed {
		t.Fatalf("expected malformed service error, got %v", err)
	}
}

func TestCompleteStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   failure.Code
	}{
		{http.StatusTooManyRequests, failure.CodeRateLimit},
		{http.StatusInternalServerError, failure.CodeTimeout},
		{529, failure.CodeTimeout},
		{http.StatusRequestTimeout, failure.CodeTimeout},
		{http.StatusBadRequest, failure.CodeInvalidRequest},
		{http.StatusUnauthorized, failure.CodeInvalidRequest},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
		})
		_, err := c.Complete(context.Background(), "p", connectors.Constraints{})
		var se *failure.ServiceError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: expected ServiceError, got %v", tt.status, err)
		}
		if se.Code != tt.want {
			t.Errorf("status %d: got code %s, want %s", tt.status, se.Code, tt.want)
		}
	}
}

func TestCodeForStatus(t *testing.T) {
	if codeForStatus(404) != failure.CodeInvalidRequest {
		t.Error("404 should be persistent")
	}
	if codeForStatus(503).Class() != failure.Transient {
		t.Error("503 should be transient")
	}
}

func TestNewRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestBedrockModel(t *testing.T) {
	if got := bedrockModel("claude-sonnet-4-20250514"); got != "us.anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("unexpected bedrock model %s", got)
	}
	if got := bedrockModel("custom"); got != "custom" {
		t.Errorf("unknown models should pass through, got %s", got)
	}
}
