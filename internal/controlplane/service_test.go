package controlplane

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/sift/internal/audit"
	"github.com/fentz26/sift/internal/checkpoint"
	"github.com/fentz26/sift/internal/connectors"
	"github.com/fentz26/sift/internal/connectors/connectorstest"
	"github.com/fentz26/sift/internal/models"
	"github.com/fentz26/sift/internal/scheduler"
	"github.com/fentz26/sift/internal/supervisor"
)

type obj = map[string]interface{}

func testReasoner() *connectorstest.Reasoner {
	return connectorstest.NewReasoner().
		On(connectors.PurposePlan, connectorstest.Reply{JSON: obj{"groups": [][]obj{{{"objective": "a"}, {"objective": "b"}, {"objective": "c"}}}}}).
		On(connectors.PurposeDedup, connectorstest.Reply{JSON: obj{"groups": [][]int{}}}).
		On(connectors.PurposeSynthesize, connectorstest.Reply{Text: "Report."}).
		On(connectors.PurposeSegment, connectorstest.Reply{JSON: obj{"claims": []obj{}}})
}

var succeed = supervisor.WorkerFunc(func(ctx context.Context, task *models.Task, upstream []models.Finding) (*models.WorkerResult, error) {
	url := "https://example.com/" + task.Objective
	return &models.WorkerResult{
		Findings: []models.Finding{{Claim: task.Objective, SourceRef: url, Confidence: 0.5}},
		Sources:  []models.Source{{URL: url}},
	}, nil
})

func testDefaults() models.Options {
	return models.Options{
		ConcurrencyLimit:   2,
		BackoffBase:        time.Millisecond,
		BackoffMax:         time.Millisecond,
		CheckpointInterval: time.Hour,
	}
}

func newTestService(t *testing.T, worker supervisor.Worker) (*Service, *checkpoint.SQLite) {
	t.Helper()
	st, err := checkpoint.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	svc := NewService(scheduler.Deps{
		Reasoner: testReasoner(),
		Worker:   worker,
		Store:    st,
		Audit:    audit.NewPDRWriter(st),
	}, testDefaults())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Close(ctx)
		st.Close()
	})
	return svc, st
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServiceStartAndWait(t *testing.T) {
	svc, _ := newTestService(t, succeed)

	id, err := svc.Start(context.Background(), "  what is sift  ", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess, err := svc.Wait(waitCtx(t), id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sess.Status != models.SessionStatusDone || sess.Query != "what is sift" {
		t.Errorf("Unexpected session %s %q", sess.Status, sess.Query)
	}
	if sess.Options.ConcurrencyLimit != 2 || sess.Options.RetryAttempts != 3 {
		t.Errorf("Expected defaults merged, got %+v", sess.Options)
	}

	u, ok := svc.Progress(id)
	if !ok || u.Percent != 100 {
		t.Errorf("Expected final progress 100, got %+v", u)
	}

	list, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != id || list[0].Done != 3 || list[0].Active {
		t.Errorf("Unexpected listing %+v", list)
	}

	if err := svc.Cancel(id); !errors.Is(err, ErrAlreadyFinished) {
		t.Errorf("Expected ErrAlreadyFinished, got %v", err)
	}
	if _, err := svc.Resume(context.Background(), id); !errors.Is(err, ErrAlreadyFinished) {
		t.Errorf("Expected ErrAlreadyFinished on resume, got %v", err)
	}
}

func TestServiceStartValidation(t *testing.T) {
	svc, _ := newTestService(t, succeed)
	if _, err := svc.Start(context.Background(), " ", nil); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Expected ErrEmptyQuery, got %v", err)
	}
	bad := &models.Options{MinTasks: 9, MaxTasks: 4}
	if _, err := svc.Start(context.Background(), "q", bad); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("Expected ErrInvalidOptions, got %v", err)
	}
}

func TestServiceCancel(t *testing.T) {
	started := make(chan struct{}, 3)
	worker := supervisor.WorkerFunc(func(ctx context.Context, task *models.Task, upstream []models.Finding) (*models.WorkerResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	svc, _ := newTestService(t, worker)

	id, err := svc.Start(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a worker")
	}

	live, err := svc.Status(context.Background(), id)
	if err != nil || live.Status != models.SessionStatusRunning {
		t.Fatalf("Expected live RUNNING status, got %v %v", live, err)
	}
	if _, err := svc.Resume(context.Background(), id); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
	if stats, err := svc.Stats(id); err != nil || stats.Slots != 2 {
		t.Errorf("Unexpected stats %+v %v", stats, err)
	}

	if err := svc.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	sess, err := svc.Wait(waitCtx(t), id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sess.Status != models.SessionStatusFailed {
		t.Errorf("Expected FAILED after cancel, got %s", sess.Status)
	}
}

func TestServiceResumeInterrupted(t *testing.T) {
	svc, st := newTestService(t, succeed)

	now := time.Now().UTC()
	snap := &models.Session{
		ID:      "interrupted",
		Query:   "q",
		Status:  models.SessionStatusRunning,
		Options: testDefaults().WithDefaults(),
		Tasks: []*models.Task{
			{ID: "t1", Objective: "a", Status: models.TaskStatusRunning, Attempts: 1, CreatedAt: now},
			{ID: "t2", Objective: "b", Status: models.TaskStatusPending, CreatedAt: now},
		},
		Groups:    [][]string{{"t1", "t2"}},
		CreatedAt: now,
	}
	if _, err := st.Save(context.Background(), snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := svc.Cancel("interrupted"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}

	id, err := svc.Resume(context.Background(), "interrupted")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	sess, err := svc.Wait(waitCtx(t), id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sess.Status != models.SessionStatusDone || sess.TaskByID("t1").Attempts != 1 {
		t.Errorf("Unexpected resumed session %s, t1 attempts %d", sess.Status, sess.TaskByID("t1").Attempts)
	}

	if _, err := svc.Resume(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestServiceSetDefaults(t *testing.T) {
	svc, _ := newTestService(t, succeed)
	svc.SetDefaults(models.Options{ConcurrencyLimit: 1, RetryAttempts: 5})
	d := svc.Defaults()
	if d.ConcurrencyLimit != 1 || d.RetryAttempts != 5 || d.TaskTimeout == 0 {
		t.Errorf("Unexpected defaults %+v", d)
	}
}

func TestServicePrune(t *testing.T) {
	svc, _ := newTestService(t, succeed)
	id, err := svc.Start(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := svc.Wait(waitCtx(t), id); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	n, err := svc.Prune(context.Background(), 0)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n == 0 {
		t.Error("Expected older checkpoints pruned")
	}
	if sess, err := svc.Status(context.Background(), id); err != nil || sess.Status != models.SessionStatusDone {
		t.Errorf("Expected latest checkpoint kept, got %v %v", sess, err)
	}
}

type slowLoadStore struct {
	*checkpoint.SQLite
	delay time.Duration
}

func (s slowLoadStore) Load(ctx context.Context, id string) (*models.Checkpoint, error) {
	time.Sleep(s.delay)
	return s.SQLite.Load(ctx, id)
}

func TestServiceConcurrentResume(t *testing.T) {
	st, err := checkpoint.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()

	var mu sync.Mutex
	runs := make(map[string]int)
	worker := supervisor.WorkerFunc(func(ctx context.Context, task *models.Task, upstream []models.Finding) (*models.WorkerResult, error) {
		mu.Lock()
		runs[task.ID]++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return succeed(ctx, task, upstream)
	})

	svc := NewService(scheduler.Deps{
		Reasoner: testReasoner(),
		Worker:   worker,
		Store:    slowLoadStore{SQLite: st, delay: 20 * time.Millisecond},
		Audit:    audit.NewPDRWriter(st),
	}, testDefaults())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Close(ctx)
	}()

	now := time.Now().UTC()
	snap := &models.Session{
		ID:      "x",
		Query:   "q",
		Status:  models.SessionStatusRunning,
		Options: testDefaults().WithDefaults(),
		Tasks: []*models.Task{
			{ID: "t1", Objective: "a", Status: models.TaskStatusRunning, Attempts: 1, CreatedAt: now},
			{ID: "t2", Objective: "b", Status: models.TaskStatusPending, CreatedAt: now},
			{ID: "t3", Objective: "c", Status: models.TaskStatusPending, CreatedAt: now},
		},
		Groups:    [][]string{{"t1", "t2", "t3"}},
		CreatedAt: now,
	}
	if _, err := st.Save(context.Background(), snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var ok, busy int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Resume(context.Background(), "x")
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrAlreadyRunning):
				atomic.AddInt32(&busy, 1)
			default:
				t.Errorf("Unexpected Resume error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || busy != 1 {
		t.Fatalf("Expected one resume and one ErrAlreadyRunning, got %d and %d", ok, busy)
	}

	sess, err := svc.Wait(waitCtx(t), "x")
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sess.Status != models.SessionStatusDone {
		t.Errorf("Expected DONE, got %s", sess.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	for id, n := range runs {
		if n != 1 {
			t.Errorf("Task %s executed %d times", id, n)
		}
	}
}

func TestServiceResumeFailureReleasesID(t *testing.T) {
	svc, _ := newTestService(t, succeed)

	for i := 0; i < 2; i++ {
		if _, err := svc.Resume(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("Attempt %d: expected ErrSessionNotFound, got %v", i, err)
		}
	}
}
