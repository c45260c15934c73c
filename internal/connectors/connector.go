// Package connectors defines the interfaces sift uses to reach the
// reasoning and search services.
package connectors

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/fentz26/sift/internal/models"
)

// Purpose identifies why the reasoner is being called.
type Purpose string

const (
	PurposePlan       Purpose = "plan"
	PurposeResearch   Purpose = "research"
	PurposeDedup      Purpose = "dedup"
	PurposeSynthesize Purpose = "synthesize"
	PurposeSegment    Purpose = "segment"
)

// Format is the requested reply format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Constraints shape a single reasoner call.
type Constraints struct {
	Purpose   Purpose
	System    string
	Format    Format
	MaxTokens int
}

// Completion is a reasoner reply. Structured is set when JSON was requested
// and the reply contained a JSON object.
type Completion struct {
	Text       string          `json:"text"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// Decode unmarshals the structured part of the reply into v.
func (c *Completion) Decode(v interface{}) error {
	data := c.Structured
	if len(data) == 0 {
		raw := ExtractJSON(c.Text)
		if raw == "" {
			return ErrNoStructuredReply
		}
		data = json.RawMessage(raw)
	}
	return json.Unmarshal(data, v)
}

// Reasoner is the language reasoning service.
type Reasoner interface {
	// Complete runs one prompt and returns the reply.
	Complete(ctx context.Context, prompt string, c Constraints) (*Completion, error)
}

// Document is the fetched body of a source.
type Document struct {
	Source  models.Source `json:"source"`
	Content string        `json:"content"`
}

// Searcher is the web search and fetch service.
type Searcher interface {
	// Search returns sources for a query, best first.
	Search(ctx context.Context, query string) ([]models.Source, error)

	// Fetch retrieves the content of a source.
	Fetch(ctx context.Context, source models.Source) (*Document, error)
}

// ExtractJSON returns the substring from the first '{' to the last '}',
// or "" when the text holds no object.
func ExtractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// RankQuality scores the result at rank (0-based) among n results.
func RankQuality(rank, n int) float64 {
	if n <= 0 {
		return 0
	}
	return 1 - float64(rank+1)/float64(n+1)
}
