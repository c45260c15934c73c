// Package connectorstest provides scripted connectors for tests.
package connectorstest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/fentz26/sift/internal/connectors"
	"github.com/fentz26/sift/internal/models"
)

// Reply is one scripted reasoner answer.
type Reply struct {
	Text string
	// JSON is marshalled into the reply when non-nil.
	JSON interface{}
	Err  error
}

// Call records a reasoner invocation.
type Call struct {
	Prompt      string
	Constraints connectors.Constraints
}

// Reasoner answers by purpose. Queued replies are consumed in order; the
// last reply of a purpose repeats once the queue is drained.
type Reasoner struct {
	mu      sync.Mutex
	replies map[connectors.Purpose][]Reply
	calls   []Call
	// Handler, when set, answers purposes that have no scripted reply.
	Handler func(ctx context.Context, prompt string, c connectors.Constraints) (*connectors.Completion, error)
}

// NewReasoner creates an empty scripted reasoner.
func NewReasoner() *Reasoner {
	return &Reasoner{replies: make(map[connectors.Purpose][]Reply)}
}

// On queues replies for a purpose.
func (r *Reasoner) On(p connectors.Purpose, replies ...Reply) *Reasoner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[p] = append(r.replies[p], replies...)
	return r
}

// Calls returns the recorded invocations.
func (r *Reasoner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsFor counts invocations of a purpose.
func (r *Reasoner) CallsFor(p connectors.Purpose) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Constraints.Purpose == p {
			n++
		}
	}
	return n
}

// Complete implements connectors.Reasoner.
func (r *Reasoner) Complete(ctx context.Context, prompt string, c connectors.Constraints) (*connectors.Completion, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Prompt: prompt, Constraints: c})
	queue := r.replies[c.Purpose]
	var reply *Reply
	if len(queue) > 0 {
		reply = &queue[0]
		if len(queue) > 1 {
			r.replies[c.Purpose] = queue[1:]
		}
	}
	handler := r.Handler
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reply == nil {
		if handler != nil {
			return handler(ctx, prompt, c)
		}
		return nil, fmt.Errorf("no scripted reply for purpose %q", c.Purpose)
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	out := &connectors.Completion{Text: reply.Text}
	if reply.JSON != nil {
		data, err := json.Marshal(reply.JSON)
		if err != nil {
			return nil, err
		}
		out.Text = string(data)
		out.Structured = data
	}
	return out, nil
}

// Searcher returns fixed sources per query and fixed page content.
type Searcher struct {
	mu       sync.Mutex
	Results  map[string][]models.Source
	Default  []models.Source
	Content  string
	Err      error
	searches []string
}

// Search implements connectors.Searcher.
func (s *Searcher) Search(ctx context.Context, query string) ([]models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches = append(s.searches, query)
	if s.Err != nil {
		return nil, s.Err
	}
	if res, ok := s.Results[strings.TrimSpace(query)]; ok {
		return append([]models.Source(nil), res...), nil
	}
	return append([]models.Source(nil), s.Default...), nil
}

// Fetch implements connectors.Searcher.
func (s *Searcher) Fetch(ctx context.Context, source models.Source) (*connectors.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := s.Content
	if content == "" {
		content = "Content of " + source.URL
	}
	return &connectors.Document{Source: source, Content: content}, nil
}

// Searches returns the queries issued so far.
func (s *Searcher) Searches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.searches...)
}
