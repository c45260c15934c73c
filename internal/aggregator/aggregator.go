// Package aggregator merges worker findings and has the reasoning service
// write the final document.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/fentz26/sift/internal/connectors"
	"github.com/fentz26/sift/internal/failure"
	"github.com/fentz26/sift/internal/models"
)

const dedupPrompt = `Group the numbered claims that state the same fact. Claims that are
merely related are not equivalent. Every index must appear in exactly one group.

Reply with JSON: {"groups": [[0, 3], [1], [2]]}`

const synthesisPrompt = `You synthesize findings from several research agents into one report.

Identify common themes, note contradictions, and build a coherent narrative.
Organize by theme, not by agent. Structure the report as:
# Executive Summary
# Detailed Findings (one ## section per theme)
# Key Insights
# Limitations and Uncertainties

Be factual and precise, use specific data from the findings, and do not add
citations; they are added afterwards.`

// ErrNoFindings is returned by Synthesize when there is nothing to write about.
var ErrNoFindings = errors.New("no usable findings")

// Section holds the merged findings that originated from one task.
type Section struct {
	TaskID    string           `json:"task_id"`
	Objective string           `json:"objective"`
	Findings  []models.Finding `json:"findings"`
}

// SynthesisInput is the deterministic, deduplicated view of a session's results.
type SynthesisInput struct {
	Findings []models.Finding `json:"findings"`
	Sections []Section        `json:"sections"`
	Sources  []models.Source  `json:"sources"`
	// Excluded lists ABANDONED task ids whose results were left out.
	Excluded []string `json:"excluded,omitempty"`
}

// Aggregator merges results and drives synthesis.
type Aggregator struct {
	reasoner connectors.Reasoner
}

// New creates an aggregator.
func New(r connectors.Reasoner) *Aggregator {
	return &Aggregator{reasoner: r}
}

// Aggregate collects findings from DONE tasks in task creation order, then
// worker order, and merges equivalent claims.
func (a *Aggregator) Aggregate(ctx context.Context, session *models.Session) (*SynthesisInput, error) {
	in := &SynthesisInput{}
	var raw []models.Finding
	seenURL := make(map[string]bool)
	objectives := make(map[string]string)

	for _, t := range session.Tasks {
		switch t.Status {
		case models.TaskStatusDone:
		case models.TaskStatusAbandoned:
			in.Excluded = append(in.Excluded, t.ID)
			log.Printf("Excluding abandoned task %s (%q) from aggregation", t.ID, t.Objective)
			continue
		default:
			continue
		}
		objectives[t.ID] = t.Objective
		in.Sections = append(in.Sections, Section{TaskID: t.ID, Objective: t.Objective})
		if t.Result == nil {
			continue
		}
		for _, f := range t.Result.Findings {
			f.TaskID = t.ID
			raw = append(raw, f)
		}
		for _, s := range t.Result.Sources {
			if s.URL == "" || seenURL[s.URL] {
				continue
			}
			seenURL[s.URL] = true
			in.Sources = append(in.Sources, s)
		}
	}

	merged, err := a.dedup(ctx, raw)
	if err != nil {
		return nil, err
	}
	in.Findings = merged

	index := make(map[string]int, len(in.Sections))
	for i, s := range in.Sections {
		index[s.TaskID] = i
	}
	for _, f := range merged {
		i := index[f.TaskID]
		in.Sections[i].Findings = append(in.Sections[i].Findings, f)
	}
	return in, nil
}

type dedupReply struct {
	Groups [][]int `json:"groups"`
}

// dedup asks the reasoner which claims are equivalent and collapses each
// group into its lowest index.
func (a *Aggregator) dedup(ctx context.Context, findings []models.Finding) ([]models.Finding, error) {
	if len(findings) < 2 {
		return findings, nil
	}

	var sb strings.Builder
	for i, f := range findings {
		fmt.Fprintf(&sb, "%d. %s\n", i, f.Claim)
	}
	completion, err := a.reasoner.Complete(ctx, sb.String(), connectors.Constraints{
		Purpose: connectors.PurposeDedup,
		System:  dedupPrompt,
		Format:  connectors.FormatJSON,
	})
	if err != nil {
		return nil, &failure.AggregationError{Stage: "dedup", Err: err}
	}
	var rep dedupReply
	if err := completion.Decode(&rep); err != nil {
		return nil, &failure.AggregationError{Stage: "dedup", Err: err}
	}

	groups, err := normalizeGroups(rep.Groups, len(findings))
	if err != nil {
		return nil, &failure.AggregationError{Stage: "dedup", Err: err}
	}

	out := make([]models.Finding, 0, len(groups))
	for _, g := range groups {
		out = append(out, merge(findings, g))
	}
	return out, nil
}

// normalizeGroups validates the reply and returns groups sorted internally
// and by first member. Missing indices become singletons.
func normalizeGroups(groups [][]int, n int) ([][]int, error) {
	assigned := make([]bool, n)
	var out [][]int
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		members := append([]int(nil), g...)
		for _, idx := range members {
			if idx < 0 || idx >= n {
				return nil, fmt.Errorf("unknown claim index %d", idx)
			}
			if assigned[idx] {
				return nil, fmt.Errorf("claim index %d appears more than once", idx)
			}
			assigned[idx] = true
		}
		sort.Ints(members)
		out = append(out, members)
	}
	for i, ok := range assigned {
		if !ok {
			out = append(out, []int{i})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}

func merge(findings []models.Finding, group []int) models.Finding {
	primary := findings[group[0]]
	if len(group) == 1 {
		return primary
	}

	seen := map[string]bool{primary.SourceRef: true}
	var corroborating []string
	for _, ref := range primary.Corroborating {
		if !seen[ref] {
			seen[ref] = true
			corroborating = append(corroborating, ref)
		}
	}

	total := 0.0
	for _, idx := range group {
		f := findings[idx]
		total += f.Confidence
		if idx == group[0] {
			continue
		}
		for _, ref := range f.Refs() {
			if ref != "" && !seen[ref] {
				seen[ref] = true
				corroborating = append(corroborating, ref)
			}
		}
	}

	primary.Confidence = total / float64(len(group))
	primary.Corroborating = corroborating
	if primary.SourceRef == "" && len(corroborating) > 0 {
		primary.SourceRef = corroborating[0]
		primary.Corroborating = corroborating[1:]
	}
	return primary
}

// Synthesize has the reasoning service write the report for query.
func (a *Aggregator) Synthesize(ctx context.Context, query string, in *SynthesisInput) (string, error) {
	if in == nil || len(in.Findings) == 0 {
		return "", &failure.AggregationError{Stage: "synthesize", Err: ErrNoFindings}
	}

	completion, err := a.reasoner.Complete(ctx, formatInput(query, in), connectors.Constraints{
		Purpose: connectors.PurposeSynthesize,
		System:  synthesisPrompt,
		Format:  connectors.FormatText,
	})
	if err != nil {
		return "", &failure.AggregationError{Stage: "synthesize", Err: err}
	}
	doc := strings.TrimSpace(completion.Text)
	if doc == "" {
		return "", &failure.AggregationError{Stage: "synthesize", Err: errors.New("empty document")}
	}
	return doc, nil
}

func formatInput(query string, in *SynthesisInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original query: %s\n\nResearch findings:\n", query)
	for i, s := range in.Sections {
		sep := strings.Repeat("=", 60)
		fmt.Fprintf(&sb, "\n%s\nTOPIC %d: %s\n%s\n", sep, i+1, s.Objective, sep)
		if len(s.Findings) == 0 {
			sb.WriteString("(no findings)\n")
		}
		for _, f := range s.Findings {
			fmt.Fprintf(&sb, "- %s (confidence %.2f)\n", f.Claim, f.Confidence)
		}
	}
	if len(in.Sources) > 0 {
		fmt.Fprintf(&sb, "\nSources consulted (%d):\n", len(in.Sources))
		for _, s := range in.Sources {
			fmt.Fprintf(&sb, "- %s %s\n", s.Title, s.URL)
		}
	}
	sb.WriteString("\nSynthesize these findings into a comprehensive research report.")
	return sb.String()
}
