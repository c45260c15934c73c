package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/sift/internal/controlplane"
	"github.com/fentz26/sift/internal/models"
	"github.com/fentz26/sift/internal/progress"
	"github.com/fentz26/sift/internal/scheduler"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the sift API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListSessions fetches session summaries.
func (c *Client) ListSessions() ([]controlplane.SessionSummary, error) {
	var out []controlplane.SessionSummary
	if err := c.get("/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession fetches the full state of one session.
func (c *Client) GetSession(id string) (*models.Session, error) {
	var out models.Session
	if err := c.get("/sessions/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProgress fetches the latest progress update of a session.
func (c *Client) GetProgress(id string) (*progress.Update, error) {
	var out progress.Update
	if err := c.get("/sessions/"+id+"/progress", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWorkers fetches slot usage of a running session.
func (c *Client) GetWorkers(id string) (*scheduler.Stats, error) {
	var out scheduler.Stats
	if err := c.get("/sessions/"+id+"/workers", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSession asks the daemon to cancel a session.
func (c *Client) CancelSession(id string) error {
	_, err := c.post("/sessions/"+id+"/cancel", nil)
	return err
}

// ResumeSession asks the daemon to resume a session from its checkpoint.
func (c *Client) ResumeSession(id string) error {
	_, err := c.post("/sessions/"+id+"/resume", nil)
	return err
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health controlplane.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) get(path string, v interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	var payload []byte
	if data != nil {
		var err error
		payload, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
