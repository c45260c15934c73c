package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fentz26/sift/internal/models"
)

type memSink struct {
	mu      sync.Mutex
	entries []*models.PDREntry
	err     error
}

func (m *memSink) WritePDR(ctx context.Context, pdr *models.PDREntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, pdr)
	return nil
}

func TestRecordHashesInputs(t *testing.T) {
	sink := &memSink{}
	w := NewPDRWriter(sink)

	a := w.Record(context.Background(), ActionSessionStart, map[string]string{"query": "q"}, "success", "s1", "", "")
	b := w.Record(context.Background(), ActionSessionStart, map[string]string{"query": "q"}, "success", "s2", "", "")
	c := w.Record(context.Background(), ActionSessionStart, map[string]string{"query": "other"}, "success", "s3", "", "")

	if a.InputsHash != b.InputsHash {
		t.Error("expected identical inputs to hash identically")
	}
	if a.InputsHash == c.InputsHash {
		t.Error("expected different inputs to hash differently")
	}
	if len(sink.entries) != 3 {
		t.Errorf("expected 3 entries written, got %d", len(sink.entries))
	}
	if sink.entries[0].SessionID != "s1" {
		t.Errorf("unexpected session id %s", sink.entries[0].SessionID)
	}
}

func TestRecordSurvivesSinkFailure(t *testing.T) {
	w := NewPDRWriter(&memSink{err: errors.New("disk full")})
	entry := w.Record(context.Background(), ActionTaskFinish, nil, "failure", "s", "t", "")
	if entry == nil || entry.ID == "" {
		t.Error("expected entry even when sink fails")
	}
}

func TestNilWriter(t *testing.T) {
	var w *PDRWriter
	if e := w.Record(context.Background(), ActionTaskDispatch, nil, "ok", "s", "t", ""); e == nil {
		t.Error("expected entry from nil writer")
	}
}

func TestHashInputsUnmarshalable(t *testing.T) {
	if got := hashInputs(make(chan int)); got != "hash_error" {
		t.Errorf("expected hash_error, got %s", got)
	}
}
