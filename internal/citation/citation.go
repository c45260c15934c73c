// Package citation binds the claims of a synthesized document to the
// sources that support them.
package citation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fentz26/sift/internal/connectors"
	"github.com/fentz26/sift/internal/failure"
	"github.com/fentz26/sift/internal/models"
)

const segmentPrompt = `Split the report into its factual claims. For each claim give its exact
text as it appears in the report and the indices of the numbered findings that
support it. A claim with no supporting finding gets an empty list. General
knowledge and headings are not claims.

Reply with JSON: {"claims": [{"text": "exact sentence from the report", "findings": [0, 2]}]}`

// Result is an annotated document.
type Result struct {
	CitedDocument string
	Citations     []models.Citation
	Bibliography  []models.Source
	Uncited       []string
}

type segmentReply struct {
	Claims []struct {
		Text     string `json:"text"`
		Findings []int  `json:"findings"`
	} `json:"claims"`
}

// Matcher annotates documents using claim segmentation from the reasoning service.
type Matcher struct {
	reasoner connectors.Reasoner
}

// New creates a matcher.
func New(r connectors.Reasoner) *Matcher {
	return &Matcher{reasoner: r}
}

type claim struct {
	text    string
	sources []models.Source
	offset  int // -1 when the text is not found in the document
	order   int
}

// Annotate segments document into claims and cites each from the sources
// backing its supporting findings. When segmentation fails the document is
// returned unchanged with every sentence uncited, together with a
// *failure.CitationError.
func (m *Matcher) Annotate(ctx context.Context, document string, findings []models.Finding, sources []models.Source) (*Result, error) {
	rep, err := m.segment(ctx, document, findings)
	if err != nil {
		return degraded(document), &failure.CitationError{Err: err}
	}

	byURL := make(map[string]models.Source, len(sources))
	for _, s := range sources {
		if _, ok := byURL[s.URL]; !ok {
			byURL[s.URL] = s
		}
	}

	claims := make([]*claim, 0, len(rep.Claims))
	searchFrom := 0
	for i, c := range rep.Claims {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		cl := &claim{text: text, order: i, offset: -1}
		if idx := strings.Index(document[searchFrom:], text); idx >= 0 {
			cl.offset = searchFrom + idx
			searchFrom = cl.offset + len(text)
		} else if idx := strings.Index(document, text); idx >= 0 {
			cl.offset = idx
		}
		cl.sources = candidates(c.Findings, findings, byURL)
		claims = append(claims, cl)
	}

	sort.SliceStable(claims, func(i, j int) bool {
		a, b := claims[i], claims[j]
		if (a.offset < 0) != (b.offset < 0) {
			return a.offset >= 0
		}
		if a.offset >= 0 && a.offset != b.offset {
			return a.offset < b.offset
		}
		return a.order < b.order
	})

	res := &Result{}
	number := make(map[string]int)
	markers := make(map[*claim][]int)
	for _, cl := range claims {
		if len(cl.sources) == 0 {
			res.Uncited = append(res.Uncited, cl.text)
			res.Citations = append(res.Citations, models.Citation{Claim: cl.text, Uncited: true})
			continue
		}
		// Only the primary source is cited; the rest stay on the Citation.
		primary := cl.sources[0]
		n, ok := number[primary.URL]
		if !ok {
			res.Bibliography = append(res.Bibliography, primary)
			n = len(res.Bibliography)
			number[primary.URL] = n
		}
		markers[cl] = []int{n}
		res.Citations = append(res.Citations, models.Citation{Claim: cl.text, Sources: cl.sources})
	}

	res.CitedDocument = insertMarkers(document, claims, markers)
	return res, nil
}

func (m *Matcher) segment(ctx context.Context, document string, findings []models.Finding) (*segmentReply, error) {
	var sb strings.Builder
	sb.WriteString("Findings:\n")
	for i, f := range findings {
		fmt.Fprintf(&sb, "%d. %s\n", i, f.Claim)
	}
	sb.WriteString("\nReport:\n")
	sb.WriteString(document)

	completion, err := m.reasoner.Complete(ctx, sb.String(), connectors.Constraints{
		Purpose: connectors.PurposeSegment,
		System:  segmentPrompt,
		Format:  connectors.FormatJSON,
	})
	if err != nil {
		return nil, err
	}
	var rep segmentReply
	if err := completion.Decode(&rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// candidates returns the sources behind the given findings ordered by
// quality desc, retrieval time desc, then URL.
func candidates(indices []int, findings []models.Finding, byURL map[string]models.Source) []models.Source {
	seen := make(map[string]bool)
	var out []models.Source
	for _, i := range indices {
		if i < 0 || i >= len(findings) {
			continue
		}
		for _, ref := range findings[i].Refs() {
			src, ok := byURL[ref]
			if !ok || seen[ref] {
				continue
			}
			seen[ref] = true
			out = append(out, src)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Quality != b.Quality {
			return a.Quality > b.Quality
		}
		if !a.RetrievedAt.Equal(b.RetrievedAt) {
			return a.RetrievedAt.After(b.RetrievedAt)
		}
		return a.URL < b.URL
	})
	return out
}

// insertMarkers places "[n, m]" after each located cited claim, before a
// trailing sentence terminator.
func insertMarkers(document string, claims []*claim, markers map[*claim][]int) string {
	type insertion struct {
		at   int
		text string
	}
	var ins []insertion
	for _, cl := range claims {
		nums, ok := markers[cl]
		if !ok || cl.offset < 0 {
			continue
		}
		at := cl.offset + len(cl.text)
		if last := cl.text[len(cl.text)-1]; last == '.' || last == '!' || last == '?' {
			at--
		}
		ins = append(ins, insertion{at: at, text: " " + formatMarker(nums)})
	}
	sort.SliceStable(ins, func(i, j int) bool { return ins[i].at < ins[j].at })

	var sb strings.Builder
	prev := 0
	for _, in := range ins {
		if in.at < prev {
			continue
		}
		sb.WriteString(document[prev:in.at])
		sb.WriteString(in.text)
		prev = in.at
	}
	sb.WriteString(document[prev:])
	return sb.String()
}

func formatMarker(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

var sentenceEnd = regexp.MustCompile(`[.!?]+(\s+|$)`)

// Sentences splits text into trimmed sentences, skipping markdown headings.
func Sentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prev := 0
		for _, loc := range sentenceEnd.FindAllStringIndex(line, -1) {
			if s := strings.TrimSpace(line[prev:loc[1]]); s != "" {
				out = append(out, s)
			}
			prev = loc[1]
		}
		if s := strings.TrimSpace(line[prev:]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func degraded(document string) *Result {
	res := &Result{CitedDocument: document}
	for _, s := range Sentences(document) {
		res.Uncited = append(res.Uncited, s)
		res.Citations = append(res.Citations, models.Citation{Claim: s, Uncited: true})
	}
	return res
}
