// Package tavily implements connectors.Searcher with the Tavily search API
// and a plain HTTP page fetcher.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fentz26/sift/internal/connectors"
	"github.com/fentz26/sift/internal/failure"
	"github.com/fentz26/sift/internal/models"
)

const (
	serviceName     = "search"
	defaultEndpoint = "https://api.tavily.com/search"
	maxFetchBytes   = 32 * 1024
	userAgent       = "Mozilla/5.0 (compatible; sift/1.0)"
)

// Config configures the search client.
type Config struct {
	// APIKey falls back to TAVILY_API_KEY.
	APIKey string
	// Depth is Tavily's search depth, basic or advanced.
	Depth      string
	MaxResults int
	Endpoint   string
	Timeout    time.Duration
}

// Client implements connectors.Searcher.
type Client struct {
	apiKey     string
	depth      string
	maxResults int
	endpoint   string
	client     *http.Client
}

// New creates a search client.
func New(cfg Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("TAVILY_API_KEY")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("tavily: API key is missing")
	}
	c := &Client{
		apiKey:     apiKey,
		depth:      cfg.Depth,
		maxResults: cfg.MaxResults,
		endpoint:   cfg.Endpoint,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
	if c.depth == "" {
		c.depth = "basic"
	}
	if c.maxResults <= 0 {
		c.maxResults = 5
	}
	if c.endpoint == "" {
		c.endpoint = defaultEndpoint
	}
	if c.client.Timeout <= 0 {
		c.client.Timeout = 15 * time.Second
	}
	return c, nil
}

type searchResponse struct {
	Results []struct {
		Title   string   `json:"title"`
		URL     string   `json:"url"`
		Content string   `json:"content"`
		Score   *float64 `json:"score"`
	} `json:"results"`
}

// Search posts a query to Tavily.
func (c *Client) Search(ctx context.Context, query string) ([]models.Source, error) {
	payload, err := json.Marshal(map[string]any{
		"query":        query,
		"api_key":      c.apiKey,
		"search_depth": c.depth,
		"max_results":  c.maxResults,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var response searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, failure.NewServiceError(serviceName, failure.CodeMalformed, err)
	}

	now := time.Now().UTC()
	n := len(response.Results)
	sources := make([]models.Source, 0, n)
	for i, r := range response.Results {
		if r.URL == "" {
			continue
		}
		quality := connectors.RankQuality(i, n)
		if r.Score != nil {
			quality = clamp(*r.Score)
		}
		sources = append(sources, models.Source{
			URL:         r.URL,
			Title:       r.Title,
			RetrievedAt: now,
			Quality:     quality,
		})
		if len(sources) >= c.maxResults {
			break
		}
	}
	return sources, nil
}

// Fetch downloads the source, strips HTML to plain text, and truncates.
func (c *Client) Fetch(ctx context.Context, source models.Source) (*connectors.Document, error) {
	url := strings.TrimSpace(source.URL)
	if url == "" {
		return nil, failure.NewServiceError(serviceName, failure.CodeInvalidRequest, errors.New("fetch url is empty"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, failure.NewServiceError(serviceName, failure.CodeInvalidRequest, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*maxFetchBytes))
	if err != nil {
		return nil, transportError(ctx, err)
	}

	text := stripHTML(string(body))
	if len(text) > maxFetchBytes {
		text = text[:maxFetchBytes] + "\n[TRUNCATED]"
	}
	source.RetrievedAt = time.Now().UTC()
	return &connectors.Document{Source: source, Content: text}, nil
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return failure.NewServiceError(serviceName, failure.CodeTimeout, err)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return failure.NewServiceError(serviceName, failure.CodeRateLimit, err)
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return failure.NewServiceError(serviceName, failure.CodeTimeout, err)
	default:
		return failure.NewServiceError(serviceName, failure.CodeInvalidRequest, err)
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
