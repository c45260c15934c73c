// Package controlplane provides the session control service and its HTTP API.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/sift/internal/checkpoint"
	"github.com/fentz26/sift/internal/models"
	"github.com/fentz26/sift/internal/progress"
	"github.com/fentz26/sift/internal/scheduler"
	"github.com/google/uuid"
)

// SessionSummary is one row of a session listing.
type SessionSummary struct {
	ID        string               `json:"id"`
	Query     string               `json:"query"`
	Status    models.SessionStatus `json:"status"`
	Tasks     int                  `json:"tasks"`
	Done      int                  `json:"done"`
	Abandoned int                  `json:"abandoned"`
	Percent   int                  `json:"percent"`
	Active    bool                 `json:"active"`
	UpdatedAt time.Time            `json:"updated_at"`
}

type run struct {
	sched   *scheduler.Scheduler
	initial *models.Session
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Service runs research sessions in the background and answers questions
// about them from live schedulers or the checkpoint store.
type Service struct {
	deps  scheduler.Deps
	store checkpoint.Store
	cache *progress.Cache

	mu       sync.Mutex
	defaults models.Options
	runs     map[string]*run
	resuming map[string]bool
	wg       sync.WaitGroup
}

// NewService creates a service. deps.Store must be set; deps.Progress is
// wrapped so the service can report the latest progress of each session.
func NewService(deps scheduler.Deps, defaults models.Options) *Service {
	cache := progress.NewCache()
	sinks := progress.Fanout{cache}
	if deps.Progress != nil {
		sinks = append(sinks, deps.Progress)
	} else {
		sinks = append(sinks, progress.Log{})
	}
	deps.Progress = sinks
	return &Service{
		deps:     deps,
		store:    deps.Store,
		cache:    cache,
		defaults: defaults.WithDefaults(),
		runs:     make(map[string]*run),
		resuming: make(map[string]bool),
	}
}

// SetDefaults replaces the options applied to sessions started afterwards.
func (s *Service) SetDefaults(o models.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = o.WithDefaults()
	log.Printf("Research defaults updated: concurrency=%d retries=%d timeout=%s",
		s.defaults.ConcurrencyLimit, s.defaults.RetryAttempts, s.defaults.TaskTimeout)
}

// Defaults returns the options applied to new sessions.
func (s *Service) Defaults() models.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaults
}

// Start creates a session for query and runs it in the background. Zero
// fields of opts are taken from the service defaults.
func (s *Service) Start(ctx context.Context, query string, opts *models.Options) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}

	merged := s.Defaults()
	if opts != nil {
		merged = mergeOptions(*opts, merged)
	}
	if err := merged.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:        uuid.New().String(),
		Query:     query,
		Status:    models.SessionStatusPlanning,
		Options:   merged,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.launch(session)
	log.Printf("Started session %s: %q", session.ID, query)
	return session.ID, nil
}

// Resume restores a session from its latest checkpoint and runs it again.
// The id stays reserved from the check until the scheduler is registered, so
// concurrent calls for one session launch at most one scheduler.
func (s *Service) Resume(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	if _, active := s.runs[id]; active || s.resuming[id] {
		s.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	s.resuming[id] = true
	s.mu.Unlock()

	session, seq, err := s.restore(ctx, id)
	if err != nil {
		s.mu.Lock()
		delete(s.resuming, id)
		s.mu.Unlock()
		return "", err
	}
	s.launch(session)
	log.Printf("Resumed session %s from checkpoint %d", id, seq)
	return id, nil
}

func (s *Service) restore(ctx context.Context, id string) (*models.Session, int64, error) {
	cp, err := s.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, 0, ErrSessionNotFound
		}
		return nil, 0, fmt.Errorf("load checkpoint: %w", err)
	}
	session, err := scheduler.Restore(cp.Snapshot)
	if err != nil {
		if errors.Is(err, scheduler.ErrTerminal) {
			return nil, 0, ErrAlreadyFinished
		}
		return nil, 0, err
	}
	return session, cp.Seq, nil
}

// launch runs session on a context detached from any request.
func (s *Service) launch(session *models.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		sched:   scheduler.New(s.deps),
		initial: session.Clone(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[session.ID] = r
	delete(s.resuming, session.ID)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		r.err = r.sched.Run(ctx, session)
		if r.err != nil {
			log.Printf("Session %s could not run: %v", session.ID, r.err)
		}
		close(r.done)

		s.mu.Lock()
		if s.runs[session.ID] == r {
			delete(s.runs, session.ID)
		}
		s.mu.Unlock()
	}()
}

// Cancel stops a running session. Its tasks end ABANDONED and the session FAILED.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		log.Printf("Cancelling session %s", id)
		r.cancel()
		return nil
	}

	session, err := s.Status(context.Background(), id)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return ErrAlreadyFinished
	}
	return ErrNotRunning
}

// Status returns the current state of a session.
func (s *Service) Status(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		if snap := r.sched.Snapshot(); snap != nil {
			return snap, nil
		}
		return r.initial.Clone(), nil
	}

	cp, err := s.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp.Snapshot, nil
}

// Progress returns the latest progress update of a session seen by this process.
func (s *Service) Progress(id string) (progress.Update, bool) {
	return s.cache.Latest(id)
}

// Stats returns slot usage of a running session.
func (s *Service) Stats(id string) (scheduler.Stats, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return scheduler.Stats{}, ErrNotRunning
	}
	return r.sched.Stats(), nil
}

// Wait blocks until the session finishes in this process or ctx ends, then
// returns its state.
func (s *Service) Wait(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.err != nil {
			return nil, r.err
		}
		if snap := r.sched.Snapshot(); snap != nil {
			return snap, nil
		}
	}
	return s.Status(ctx, id)
}

// List returns a summary of every known session, most recently updated first.
func (s *Service) List(ctx context.Context) ([]SessionSummary, error) {
	cps, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	byID := make(map[string]*models.Session, len(cps))
	for _, cp := range cps {
		byID[cp.SessionID] = cp.Snapshot
	}

	s.mu.Lock()
	active := make(map[string]bool, len(s.runs))
	for id, r := range s.runs {
		active[id] = true
		if snap := r.sched.Snapshot(); snap != nil {
			byID[id] = snap
		} else {
			byID[id] = r.initial
		}
	}
	s.mu.Unlock()

	out := make([]SessionSummary, 0, len(byID))
	for id, sess := range byID {
		counts := sess.CountByStatus()
		sum := SessionSummary{
			ID:        id,
			Query:     sess.Query,
			Status:    sess.Status,
			Tasks:     len(sess.Tasks),
			Done:      counts[models.TaskStatusDone],
			Abandoned: counts[models.TaskStatusAbandoned],
			Active:    active[id],
			UpdatedAt: sess.UpdatedAt,
		}
		if u, ok := s.cache.Latest(id); ok {
			sum.Percent = u.Percent
		} else if sess.Status == models.SessionStatusDone {
			sum.Percent = progress.PercentDone
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Active returns the number of sessions running in this process.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Prune removes checkpoints older than retention, keeping the latest per session.
func (s *Service) Prune(ctx context.Context, retention time.Duration) (int, error) {
	n, err := s.store.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	if n > 0 {
		log.Printf("Pruned %d checkpoints older than %s", n, retention)
	}
	return n, nil
}

// Ping reports whether the checkpoint store is reachable, when it can tell.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close waits up to ctx for running sessions. Sessions still running are
// left at their last checkpoint and can be resumed later.
func (s *Service) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if n := s.Active(); n > 0 {
			log.Printf("%d session(s) still running; resume them with `sift session resume`", n)
		}
	}
}

// mergeOptions fills zero fields of o from d.
func mergeOptions(o, d models.Options) models.Options {
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = d.ConcurrencyLimit
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = d.RetryAttempts
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = d.TaskTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = d.CheckpointInterval
	}
	if o.SessionDeadline == 0 {
		o.SessionDeadline = d.SessionDeadline
	}
	if o.MinTasks <= 0 {
		o.MinTasks = d.MinTasks
	}
	if o.MaxTasks <= 0 {
		o.MaxTasks = d.MaxTasks
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	return o
}
