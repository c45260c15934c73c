package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/sift/internal/failure"
	"github.com/fentz26/sift/internal/models"
)

func testPolicy() Policy {
	return Policy{Attempts: 3, Timeout: time.Second, BackoffBase: time.Millisecond, BackoffMax: 4 * time.Millisecond}
}

// newInstant returns a supervisor whose backoff waits complete immediately
// and records the requested delays.
func newInstant(w Worker, p Policy, delays *[]time.Duration) *Supervisor {
	s := New(w, p)
	s.after = func(d time.Duration) <-chan time.Time {
		if delays != nil {
			*delays = append(*delays, d)
		}
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return s
}

func collect(events chan Event) []Event {
	close(events)
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func eventTypes(evs []Event) []EventType {
	var out []EventType
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func transientErr() error {
	return failure.NewServiceError("search", failure.CodeRateLimit, errors.New("429"))
}

func TestBackoff(t *testing.T) {
	p := Policy{BackoffBase: 2 * time.Second, BackoffMax: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	w := WorkerFunc(func(ctx context.Context, task *models.Task, up []models.Finding) (*models.WorkerResult, error) {
		return &models.WorkerResult{Findings: []models.Finding{{Claim: "c"}}}, nil
	})
	events := make(chan Event, 16)
	out := newInstant(w, testPolicy(), nil).Execute(context.Background(), Assignment{Task: &models.Task{ID: "t1"}}, events)

	if out.Result == nil || out.Err != nil {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Result.TaskID != "t1" || out.Attempts != 1 {
		t.Errorf("unexpected outcome %+v", out)
	}
	got := eventTypes(collect(events))
	if len(got) != 2 || got[0] != EventStarted || got[1] != EventFinished {
		t.Errorf("unexpected events %v", got)
	}
}

func TestExecuteRetriesTransient(t *testing.T) {
	var calls int32
	w := WorkerFunc(func(ctx context.Context, task *models.Task, up []models.Finding) (*models.WorkerResult, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, transientErr()
		}
		return &models.WorkerResult{}, nil
	})
	var delays []time.Duration
	events := make(chan Event, 16)
	out := newInstant(w, testPolicy(), &delays).Execute(context.Background(), Assignment{Task: &models.Task{ID: "t"}}, events)

	if out.Result == nil {
		t.Fatalf("expected eventual success, got %v", out.Err)
	}
	if out.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", out.Attempts)
	}
	if len(delays) != 2 || delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Errorf("unexpected backoff delays %v", delays)
	}
	want := []EventType{EventStarted, EventFailed, EventRetrying, EventStarted, EventFailed, EventRetrying, EventStarted, EventFinished}
	got := eventTypes(collect(events))
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	var calls int32
	w := WorkerFunc(func(ctx context.Context, task *models.Task, up []models.Finding) (*models.WorkerResult, error) {
		atomic.AddInt32(&calls, 1)
		return nil, transientErr()
	})
	events := make(chan Event, 16)
	out := newInstant(w, testPolicy(), nil).Execute(context.Background(), Assignment{Task: &models.Task{ID: "t"}}, events)
	collect(events)

	if out.Err == nil || out.Result != nil {
		t.Fatal("expected terminal failure")
	}
	if calls != 3 || out.Attempts != 3 {
		t.Errorf("expected 3 attempts, got calls=%d attempts=%d", calls, out.Attempts)
	}
	if out.Class != failure.Transient || out.Cancelled {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestExecutePersistentSkipsRetry(t *testing.T) {
	var calls int32
	w := WorkerFunc(func(ctx context.Context, task *models.Task, up []models.Finding) (*models.WorkerResult, error) {
		atomic.AddInt32(&calls, 1)
		return nil, failure.NewServiceError("reasoner", failure.CodeInvalidRequest, errors.New("400"))
	})
	events := make(chan Event, 16)
	out := newInstant(w, testPolicy(), nil).Execute(context.Background(), Assignment{Task: &models.Task{ID: "t"}}, events)
	collect(events)

	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
	if out.Class != failure.Persistent {
		t.Errorf("expected persistent class, got %s", out.Class)
	}
}

func TestExecuteTimeoutIsTransient(t *testing.T) {
	var calls int32
	w := WorkerFunc(func(ctx context.Context, task *models.Task, up []models.Finding) (*models.WorkerResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &models.WorkerResult{}, nil
	})
	p := testPolicy()
	p.Timeout = 10 * time.Millisecond
	events := make(chan Event, 16)
	out := newInstant(w, p, nil).Execute(context.Background(), Assignment{Task: &models.Task{ID: "t"}}, events)
	evs := collect(events)

	if out.Result == nil || out.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %+v", out)
	}
	var se *failure.ServiceError
	if !errors.As(evs[1].Err, &se) || se.Code != failure.CodeTimeout {
		t.Errorf("expected timeout failure event, got %v", evs[1].Err)
	}
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	w := WorkerFunc(func(ctx context.Context, task *models.Task, up []models.Finding) (*models.WorkerResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	events := make(chan Event, 16)
	done := make(chan Outcome, 1)
	go func() {
		done <- New(w, testPolicy()).Execute(ctx, Assignment{Task: &models.Task{ID: "t"}}, events)
	}()

	<-started
	cancel()

	select {
	case out := <-done:
		if !out.Cancelled {
			t.Errorf("expected cancelled outcome, got %+v", out)
		}
		if !errors.Is(out.Err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", out.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not observe cancellation")
	}
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := WorkerFunc(func(ctx context.Context, task *models.Task, up []models.Finding) (*models.WorkerResult, error) {
		return nil, transientErr()
	})
	p := testPolicy()
	p.BackoffBase = time.Hour
	p.BackoffMax = time.Hour
	s := New(w, p)

	events := make(chan Event, 16)
	done := make(chan Outcome, 1)
	go func() { done <- s.Execute(ctx, Assignment{Task: &models.Task{ID: "t"}}, events) }()

	for e := range events {
		if e.Type == EventFailed {
			break
		}
	}
	cancel()

	select {
	case out := <-done:
		if !out.Cancelled || out.Attempts != 1 {
			t.Errorf("expected cancellation after 1 attempt, got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backoff wait ignored cancellation")
	}
}

func TestExecuteResumesAttemptNumbering(t *testing.T) {
	var calls int32
	w := WorkerFunc(func(ctx context.Context, task *models.Task, up []models.Finding) (*models.WorkerResult, error) {
		atomic.AddInt32(&calls, 1)
		return nil, transientErr()
	})
	events := make(chan Event, 16)
	out := newInstant(w, testPolicy(), nil).Execute(context.Background(), Assignment{Task: &models.Task{ID: "t"}, FirstAttempt: 3}, events)
	collect(events)

	if calls != 1 || out.Attempts != 3 {
		t.Errorf("expected only the final attempt to run, got calls=%d attempts=%d", calls, out.Attempts)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	w := WorkerFunc(func(ctx context.Context, task *models.Task, up []models.Finding) (*models.WorkerResult, error) {
		panic("boom")
	})
	events := make(chan Event, 16)
	out := newInstant(w, testPolicy(), nil).Execute(context.Background(), Assignment{Task: &models.Task{ID: "t"}}, events)
	collect(events)

	if out.Err == nil || out.Class != failure.Persistent {
		t.Errorf("expected persistent failure from panic, got %+v", out)
	}
}
