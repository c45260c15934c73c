package researcher

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/fentz26/sift/internal/connectors"
	"github.com/fentz26/sift/internal/connectors/connectorstest"
	"github.com/fentz26/sift/internal/failure"
	"github.com/fentz26/sift/internal/models"
)

type obj = map[string]interface{}

func testSearcher() *connectorstest.Searcher {
	return &connectorstest.Searcher{
		Default: []models.Source{
			{URL: "https://a.example", Title: "A", Quality: 0.9},
			{URL: "https://b.example", Title: "B", Quality: 0.5},
		},
		Results: map[string][]models.Source{
			"deeper": {{URL: "https://c.example", Title: "C", Quality: 0.7}},
		},
	}
}

func TestResearchFindings(t *testing.T) {
	r := connectorstest.NewReasoner().On(connectors.PurposeResearch, connectorstest.Reply{JSON: obj{
		"findings": []obj{
			{"claim": "Panels convert 20% of light", "source": "https://a.example", "confidence": 0.9},
			{"claim": "Made up", "source": "https://unknown.example", "confidence": 1.7},
			{"claim": "  "},
		},
		"confidence": "high",
		"follow_ups": []string{"What about storage?"},
	}})
	s := testSearcher()
	res, err := New(r, s, Options{}).Research(context.Background(), &models.Task{ID: "t1", Objective: "solar efficiency"}, nil)
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}

	if len(res.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(res.Findings))
	}
	if res.Findings[0].SourceRef != "https://a.example" || res.Findings[0].TaskID != "t1" {
		t.Errorf("unexpected first finding %+v", res.Findings[0])
	}
	if res.Findings[1].SourceRef != "" {
		t.Error("expected unknown source ref to be dropped")
	}
	if res.Findings[1].Confidence != 1 {
		t.Errorf("expected confidence clamped to 1, got %v", res.Findings[1].Confidence)
	}
	if res.Confidence != models.ConfidenceHigh {
		t.Errorf("expected HIGH confidence, got %s", res.Confidence)
	}
	if len(res.Sources) != 2 || len(res.FollowUps) != 1 {
		t.Errorf("unexpected sources/follow-ups %+v", res)
	}
	if got := s.Searches(); len(got) != 1 || got[0] != "solar efficiency" {
		t.Errorf("expected objective search, got %v", got)
	}
}

func TestResearchFollowsSearchRequests(t *testing.T) {
	r := connectorstest.NewReasoner().On(connectors.PurposeResearch,
		connectorstest.Reply{JSON: obj{"search": []string{"deeper"}}},
		connectorstest.Reply{JSON: obj{"findings": []obj{{"claim": "c", "source": "https://c.example"}}}},
	)
	s := testSearcher()
	res, err := New(r, s, Options{}).Research(context.Background(), &models.Task{ID: "t", Objective: "topic"}, nil)
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}
	if len(res.Sources) != 3 {
		t.Errorf("expected sources from both searches, got %d", len(res.Sources))
	}
	if res.Findings[0].SourceRef != "https://c.example" || res.Findings[0].Confidence != 0.5 {
		t.Errorf("unexpected finding %+v", res.Findings[0])
	}
	if res.Confidence != models.ConfidenceMedium {
		t.Errorf("expected default MEDIUM, got %s", res.Confidence)
	}
}

func TestResearchFinalRoundForcesFindings(t *testing.T) {
	r := connectorstest.NewReasoner().On(connectors.PurposeResearch,
		connectorstest.Reply{JSON: obj{"search": []string{"deeper"}}},
	)
	res, err := New(r, testSearcher(), Options{MaxRounds: 2}).Research(context.Background(), &models.Task{ID: "t", Objective: "topic"}, nil)
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}
	if len(res.Findings) != 0 {
		t.Errorf("expected no findings, got %d", len(res.Findings))
	}
	calls := r.Calls()
	if len(calls) != 2 || !strings.Contains(calls[1].Prompt, "No more searches") {
		t.Errorf("expected final round prompt, got %d calls", len(calls))
	}
}

func TestResearchSpiralGuard(t *testing.T) {
	r := connectorstest.NewReasoner().On(connectors.PurposeResearch,
		connectorstest.Reply{JSON: obj{"search": []string{"Topic"}}},
		connectorstest.Reply{JSON: obj{"search": []string{"  topic "}}},
	)
	_, err := New(r, testSearcher(), Options{MaxRounds: 5}).Research(context.Background(), &models.Task{ID: "t", Objective: "topic"}, nil)
	if !IsSpiral(err) {
		t.Fatalf("expected spiral failure, got %v", err)
	}
	if failure.Classify(err) != failure.Persistent {
		t.Error("spiral must be persistent")
	}
}

func TestResearchUpstreamInPrompt(t *testing.T) {
	r := connectorstest.NewReasoner().On(connectors.PurposeResearch, connectorstest.Reply{JSON: obj{"findings": []obj{}}})
	upstream := []models.Finding{{Claim: "earlier result"}}
	if _, err := New(r, testSearcher(), Options{}).Research(context.Background(), &models.Task{ID: "t", Objective: "o"}, upstream); err != nil {
		t.Fatalf("Research failed: %v", err)
	}
	if !strings.Contains(r.Calls()[0].Prompt, "earlier result") {
		t.Error("expected upstream findings in prompt")
	}
}

func TestResearchPropagatesServiceErrors(t *testing.T) {
	s := testSearcher()
	s.Err = failure.NewServiceError("search", failure.CodeRateLimit, errors.New("429"))
	_, err := New(connectorstest.NewReasoner(), s, Options{}).Research(context.Background(), &models.Task{ID: "t", Objective: "o"}, nil)
	if failure.Classify(err) != failure.Transient {
		t.Errorf("expected transient classification, got %v", err)
	}

	r := connectorstest.NewReasoner().On(connectors.PurposeResearch, connectorstest.Reply{Text: "garbage"})
	_, err = New(r, testSearcher(), Options{}).Research(context.Background(), &models.Task{ID: "t", Objective: "o"}, nil)
	var se *failure.ServiceError
	if !errors.As(err, &se) || se.Code != failure.CodeMalformed {
		t.Errorf("expected malformed reply error, got %v", err)
	}
}

func TestTruncateContentKeepsRunes(t *testing.T) {
	s := strings.Repeat("é", 10) // two bytes per rune
	for n := 0; n <= len(s)+1; n++ {
		got := truncateContent(s, n)
		if !utf8.ValidString(got) {
			t.Fatalf("n=%d: invalid UTF-8 %q", n, got)
		}
		if len(got) > n {
			t.Fatalf("n=%d: got %d bytes", n, len(got))
		}
		if want := n - n%2; n <= len(s) && len(got) != want {
			t.Errorf("n=%d: expected %d bytes, got %d", n, want, len(got))
		}
	}
	if got := truncateContent("abc", 2); got != "ab" {
		t.Errorf("expected ab, got %q", got)
	}
}
