// Package researcher implements the default research worker: it searches,
// reads the top sources and asks the reasoning service for findings.
package researcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/fentz26/sift/internal/connectors"
	"github.com/fentz26/sift/internal/failure"
	"github.com/fentz26/sift/internal/models"
)

const systemPrompt = `You are a research agent with one focused objective.

Evaluate source quality and relevance, extract key facts and data, and
cross-verify important claims when possible. You may request more web
searches when the material is insufficient.

Reply with JSON, either a search request:
{"search": ["query one", "query two"]}
or your final findings:
{"findings": [{"claim": "one atomic factual statement", "source": "url it came from", "confidence": 0.0-1.0}],
 "confidence": "high|medium|low",
 "follow_ups": ["open question worth researching next"]}

Only cite URLs that appear in the provided sources.`

const (
	defaultMaxRounds    = 3
	defaultFetchLimit   = 3
	spiralThreshold     = 3
	maxContentPerSource = 6000
)

type reply struct {
	Search   []string `json:"search"`
	Findings []struct {
		Claim      string   `json:"claim"`
		Source     string   `json:"source"`
		Confidence *float64 `json:"confidence"`
	} `json:"findings"`
	Confidence string   `json:"confidence"`
	FollowUps  []string `json:"follow_ups"`
}

// Options tune the research loop.
type Options struct {
	// MaxRounds bounds reasoner turns per attempt, including the final one.
	MaxRounds int
	// FetchLimit is how many new sources are read after each search.
	FetchLimit int
}

// Researcher implements supervisor.Worker.
type Researcher struct {
	reasoner connectors.Reasoner
	searcher connectors.Searcher
	opts     Options
}

// New creates a researcher.
func New(r connectors.Reasoner, s connectors.Searcher, opts Options) *Researcher {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = defaultFetchLimit
	}
	return &Researcher{reasoner: r, searcher: s, opts: opts}
}

// attempt holds the state of one research attempt.
type attempt struct {
	queries map[string]int
	sources []models.Source
	seen    map[string]bool
	docs    []*connectors.Document
}

// Research runs one attempt for the task.
func (r *Researcher) Research(ctx context.Context, task *models.Task, upstream []models.Finding) (*models.WorkerResult, error) {
	a := &attempt{queries: make(map[string]int), seen: make(map[string]bool)}

	if err := r.search(ctx, a, task.Objective); err != nil {
		return nil, err
	}

	for round := 1; ; round++ {
		final := round >= r.opts.MaxRounds
		prompt := buildPrompt(task.Objective, upstream, a.docs, a.sources, final)

		completion, err := r.reasoner.Complete(ctx, prompt, connectors.Constraints{
			Purpose: connectors.PurposeResearch,
			System:  systemPrompt,
			Format:  connectors.FormatJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("research reasoning: %w", err)
		}

		var rep reply
		if err := completion.Decode(&rep); err != nil {
			return nil, failure.NewServiceError("reasoner", failure.CodeMalformed, err)
		}

		if len(rep.Search) > 0 && len(rep.Findings) == 0 && !final {
			for _, q := range rep.Search {
				if err := r.search(ctx, a, q); err != nil {
					return nil, err
				}
			}
			continue
		}
		return buildResult(task.ID, rep, a.sources), nil
	}
}

// search issues a query, guarding against repeated queries, and reads the
// best new sources.
func (r *Researcher) search(ctx context.Context, a *attempt, query string) error {
	key := normalize(query)
	if key == "" {
		return nil
	}
	a.queries[key]++
	if a.queries[key] >= spiralThreshold {
		return failure.NewServiceError("researcher", failure.CodeSpiral,
			fmt.Errorf("query %q issued %d times", query, a.queries[key]))
	}

	results, err := r.searcher.Search(ctx, query)
	if err != nil {
		return fmt.Errorf("search %q: %w", query, err)
	}

	fetched := 0
	for _, src := range results {
		if a.seen[src.URL] {
			continue
		}
		a.seen[src.URL] = true
		a.sources = append(a.sources, src)
		if fetched >= r.opts.FetchLimit {
			continue
		}
		doc, err := r.searcher.Fetch(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("Fetch %s failed: %v", src.URL, err)
			continue
		}
		fetched++
		a.docs = append(a.docs, doc)
	}
	return nil
}

func buildPrompt(objective string, upstream []models.Finding, docs []*connectors.Document, sources []models.Source, final bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Objective: %s\n", objective)

	if len(upstream) > 0 {
		sb.WriteString("\nFindings from earlier research:\n")
		for _, f := range upstream {
			fmt.Fprintf(&sb, "- %s\n", f.Claim)
		}
	}

	sb.WriteString("\nSources:\n")
	for i, s := range sources {
		fmt.Fprintf(&sb, "[%d] %s (%s) quality=%.2f\n", i+1, s.Title, s.URL, s.Quality)
	}

	for _, d := range docs {
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", d.Source.URL, truncateContent(d.Content, maxContentPerSource))
	}

	if final {
		sb.WriteString("\nNo more searches are available. Report your findings now.\n")
	}
	return sb.String()
}

// truncateContent cuts s to at most n bytes on a rune boundary.
func truncateContent(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func buildResult(taskID string, rep reply, sources []models.Source) *models.WorkerResult {
	known := make(map[string]bool, len(sources))
	for _, s := range sources {
		known[s.URL] = true
	}

	result := &models.WorkerResult{
		TaskID:     taskID,
		Sources:    sources,
		Confidence: parseConfidence(rep.Confidence),
	}
	for _, f := range rep.Findings {
		claim := strings.TrimSpace(f.Claim)
		if claim == "" {
			continue
		}
		ref := strings.TrimSpace(f.Source)
		if !known[ref] {
			ref = ""
		}
		conf := 0.5
		if f.Confidence != nil {
			conf = clamp(*f.Confidence)
		}
		result.Findings = append(result.Findings, models.Finding{
			TaskID:     taskID,
			Claim:      claim,
			SourceRef:  ref,
			Confidence: conf,
		})
	}
	for _, q := range rep.FollowUps {
		if q = strings.TrimSpace(q); q != "" {
			result.FollowUps = append(result.FollowUps, q)
		}
	}
	return result
}

func parseConfidence(s string) models.ConfidenceLabel {
	switch models.ConfidenceLabel(strings.ToUpper(strings.TrimSpace(s))) {
	case models.ConfidenceHigh:
		return models.ConfidenceHigh
	case models.ConfidenceLow:
		return models.ConfidenceLow
	default:
		return models.ConfidenceMedium
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

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// IsSpiral reports whether err is a repeated-query failure.
func IsSpiral(err error) bool {
	var se *failure.ServiceError
	return errors.As(err, &se) && se.Code == failure.CodeSpiral
}
