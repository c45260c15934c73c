// Package scheduler drives a research session from plan to cited report
// with a bounded pool of task slots.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fentz26/sift/internal/aggregator"
	"github.com/fentz26/sift/internal/audit"
	"github.com/fentz26/sift/internal/checkpoint"
	"github.com/fentz26/sift/internal/citation"
	"github.com/fentz26/sift/internal/connectors"
	"github.com/fentz26/sift/internal/failure"
	"github.com/fentz26/sift/internal/models"
	"github.com/fentz26/sift/internal/planner"
	"github.com/fentz26/sift/internal/progress"
	"github.com/fentz26/sift/internal/supervisor"
)

// ErrTerminal is returned when running or restoring a finished session.
var ErrTerminal = errors.New("session already finished")

// finalSaveTimeout bounds checkpoint writes made after the session context ended.
const finalSaveTimeout = 10 * time.Second

// Deps are the collaborators of a scheduler.
type Deps struct {
	Reasoner connectors.Reasoner
	Worker   supervisor.Worker
	Store    checkpoint.Store
	Progress progress.Sink
	Audit    *audit.PDRWriter
}

// Stats describes slot usage of the current or last run.
type Stats struct {
	Slots       int `json:"slots"`
	Running     int `json:"running"`
	PeakRunning int `json:"peak_running"`
	Dispatched  int `json:"dispatched"`
}

// Scheduler owns one session while it runs. It is the only writer of task
// and session state; supervisors report through a single event channel.
type Scheduler struct {
	deps Deps

	mu      sync.Mutex
	session *models.Session
	slots   []string       // task id per slot, "" when free
	held    map[string]int // task id -> slot
	stats   Stats

	wg sync.WaitGroup
}

// New creates a scheduler.
func New(deps Deps) *Scheduler {
	if deps.Progress == nil {
		deps.Progress = progress.Log{}
	}
	return &Scheduler{deps: deps, held: make(map[string]int)}
}

// Stats returns slot usage counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Snapshot returns a deep copy of the session being run, or nil before Run.
func (s *Scheduler) Snapshot() *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone()
}

// Run drives session to DONE or FAILED. Handled failures (planning,
// abandoned groups, synthesis, cancellation, deadline) leave the session
// FAILED and return nil. An error is returned only when the session cannot
// be started at all.
func (s *Scheduler) Run(ctx context.Context, session *models.Session) error {
	if session.Status.Terminal() {
		return ErrTerminal
	}
	opts := session.Options.WithDefaults()
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	s.mu.Lock()
	session.Options = opts
	if session.Status == "" {
		session.Status = models.SessionStatusPlanning
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	s.session = session
	s.slots = make([]string, opts.ConcurrencyLimit)
	s.held = make(map[string]int)
	s.stats = Stats{Slots: opts.ConcurrencyLimit}
	s.mu.Unlock()

	if opts.SessionDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.SessionDeadline)
		defer cancel()
	}

	if _, err := s.deps.Store.Save(ctx, s.Snapshot()); err != nil {
		return fmt.Errorf("save initial checkpoint: %w", err)
	}
	s.deps.Audit.Record(ctx, audit.ActionSessionStart, map[string]interface{}{
		"query":   session.Query,
		"options": opts,
	}, "success", session.ID, "", fmt.Sprintf("Session started in %s", session.Status))
	log.Printf("Running session %s: %q", session.ID, session.Query)

	if session.Status == models.SessionStatusPlanning {
		if err := s.plan(ctx); err != nil {
			s.fail(ctx, failure.KindPlanning, err)
			return nil
		}
	}

	if err := s.runGroups(ctx); err != nil {
		s.fail(ctx, failure.KindTaskPersistent, err)
		return nil
	}

	in, err := s.aggregate(ctx)
	if err != nil {
		s.fail(ctx, failure.KindAggregation, err)
		return nil
	}
	s.cite(ctx, in)
	s.complete(ctx, in)
	return nil
}

// plan decomposes the query and installs the tasks.
func (s *Scheduler) plan(ctx context.Context) error {
	s.report(progress.PercentPlanning, "planning", "", "Decomposing query")

	s.mu.Lock()
	sess := s.session
	opts := sess.Options
	s.mu.Unlock()

	p, err := planner.New(s.deps.Reasoner, opts.MinTasks, opts.MaxTasks).Plan(ctx, sess.ID, sess.Query)
	if err != nil {
		return err
	}

	s.mu.Lock()
	sess.Tasks = p.Tasks()
	sess.Groups = p.GroupIDs()
	sess.Rationale = p.Rationale
	sess.Status = models.SessionStatusRunning
	sess.UpdatedAt = time.Now().UTC()
	n := len(sess.Tasks)
	s.mu.Unlock()

	msg := fmt.Sprintf("Planned %d tasks in %d groups", n, len(p.Groups))
	if p.Direct {
		msg = "Planned a direct answer"
	}
	log.Printf("Session %s: %s", sess.ID, msg)
	s.report(progress.PercentPlanned, "planned", "", msg)
	s.checkpoint(ctx)
	return nil
}

// runGroups executes the groups in order. It returns an error when the
// session context ends or a group is entirely abandoned.
func (s *Scheduler) runGroups(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	sess.Status = models.SessionStatusRunning
	groups := sess.Groups
	opts := sess.Options
	s.mu.Unlock()

	sup := supervisor.New(s.deps.Worker, supervisor.PolicyFrom(opts))
	events := make(chan supervisor.Event)
	ticker := time.NewTicker(opts.CheckpointInterval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for gi, ids := range groups {
		for {
			if ctx.Err() == nil {
				s.dispatchReady(ctx, sup, ids, events)
			}
			s.mu.Lock()
			running := s.stats.Running
			s.mu.Unlock()
			if running == 0 {
				break
			}
			select {
			case ev := <-events:
				s.handle(ctx, ev)
			case <-ticker.C:
				s.checkpoint(ctx)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.groupAbandoned(ids) {
			return fmt.Errorf("all %d tasks in group %d were abandoned", len(ids), gi+1)
		}
	}
	return nil
}

// dispatchReady assigns free slots to ready tasks of the group in creation order.
func (s *Scheduler) dispatchReady(ctx context.Context, sup *supervisor.Supervisor, ids []string, events chan<- supervisor.Event) {
	for _, id := range ids {
		s.mu.Lock()
		t := s.session.TaskByID(id)
		_, busy := s.held[id]
		if t == nil || busy || !s.ready(t) {
			s.mu.Unlock()
			continue
		}
		slot := s.freeSlot()
		if slot < 0 {
			s.mu.Unlock()
			return
		}

		first := t.Attempts + 1
		if t.Status == models.TaskStatusPending && t.Attempts > 0 {
			// Interrupted by a restart; the attempt never reported an outcome.
			first = t.Attempts
		}
		if !s.transition(t, models.TaskStatusAssigned) {
			s.mu.Unlock()
			continue
		}
		s.slots[slot] = id
		s.held[id] = slot
		t.Slot = slot
		s.stats.Running++
		s.stats.Dispatched++
		if s.stats.Running > s.stats.PeakRunning {
			s.stats.PeakRunning = s.stats.Running
		}
		a := supervisor.Assignment{Task: t.Clone(), FirstAttempt: first, Upstream: s.upstream(t)}
		sessionID := s.session.ID
		s.mu.Unlock()

		s.deps.Audit.Record(ctx, audit.ActionTaskDispatch, map[string]interface{}{
			"task_id": id,
			"slot":    slot,
			"attempt": first,
		}, "success", sessionID, id, fmt.Sprintf("Dispatched to slot %d", slot))
		log.Printf("Dispatched task %s (%s) to slot %d", id, t.Objective, slot)
		s.reportTask(id, "dispatched", fmt.Sprintf("Assigned to slot %d", slot))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sup.Execute(ctx, a, events)
		}()
	}
}

// ready reports whether t may be dispatched. Caller holds s.mu.
func (s *Scheduler) ready(t *models.Task) bool {
	if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusFailed {
		return false
	}
	for _, dep := range t.DependsOn {
		if d := s.session.TaskByID(dep); d != nil && !d.Status.Terminal() {
			return false
		}
	}
	return true
}

// upstream collects findings of DONE dependencies. Caller holds s.mu.
func (s *Scheduler) upstream(t *models.Task) []models.Finding {
	var out []models.Finding
	for _, dep := range t.DependsOn {
		d := s.session.TaskByID(dep)
		if d == nil || d.Status != models.TaskStatusDone || d.Result == nil {
			continue
		}
		out = append(out, d.Result.Findings...)
	}
	return out
}

// freeSlot returns the lowest free slot or -1. Caller holds s.mu.
func (s *Scheduler) freeSlot() int {
	for i, id := range s.slots {
		if id == "" {
			return i
		}
	}
	return -1
}

// transition moves t to next if the state table allows it. Caller holds s.mu.
func (s *Scheduler) transition(t *models.Task, next models.TaskStatus) bool {
	if !t.Status.CanTransition(next) {
		log.Printf("Ignoring illegal transition of task %s: %s -> %s", t.ID, t.Status, next)
		return false
	}
	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	s.session.UpdatedAt = t.UpdatedAt
	return true
}

// handle applies one supervisor event to the session.
func (s *Scheduler) handle(ctx context.Context, ev supervisor.Event) {
	s.mu.Lock()
	t := s.session.TaskByID(ev.TaskID)
	if t == nil {
		s.mu.Unlock()
		log.Printf("Event %s for unknown task %s", ev.Type, ev.TaskID)
		return
	}
	attempts := s.session.Options.RetryAttempts

	var msg string
	terminal := false
	switch ev.Type {
	case supervisor.EventStarted:
		s.transition(t, models.TaskStatusRunning)
		t.Attempts = ev.Attempt
		msg = fmt.Sprintf("Attempt %d started", ev.Attempt)

	case supervisor.EventFailed:
		s.transition(t, models.TaskStatusFailed)
		msg = fmt.Sprintf("Attempt %d failed (%s): %v", ev.Attempt, ev.Class, ev.Err)
		if !interrupted(ctx, ev.Err) {
			s.recordError(t.ID, failure.TaskKind(ev.Err), ev.Err, ev.Class == failure.Transient && ev.Attempt < attempts)
		}

	case supervisor.EventRetrying:
		s.transition(t, models.TaskStatusAssigned)
		msg = fmt.Sprintf("Retrying as attempt %d after %s", ev.Attempt, ev.Delay)

	case supervisor.EventFinished:
		terminal = true
		out := ev.Outcome
		if out != nil && out.Result != nil {
			s.transition(t, models.TaskStatusDone)
			t.Result = out.Result
			msg = fmt.Sprintf("Done after %d attempt(s) with %d findings", out.Attempts, len(out.Result.Findings))
		} else {
			if t.Status == models.TaskStatusRunning {
				s.transition(t, models.TaskStatusFailed)
			}
			s.transition(t, models.TaskStatusAbandoned)
			if out != nil && out.Cancelled {
				s.recordError(t.ID, contextKind(ctx), ctx.Err(), false)
			}
			msg = fmt.Sprintf("Abandoned after %d attempt(s): %v", t.Attempts, ev.Err)
		}
		if slot, ok := s.held[t.ID]; ok {
			s.slots[slot] = ""
			delete(s.held, t.ID)
			s.stats.Running--
		}
	}
	sessionID := s.session.ID
	status := t.Status
	s.mu.Unlock()

	log.Printf("Task %s: %s", ev.TaskID, msg)
	s.reportTask(ev.TaskID, string(ev.Type), msg)
	if terminal {
		outcome := "success"
		if status != models.TaskStatusDone {
			outcome = "abandoned"
		}
		auditCtx, cancel := detached(ctx)
		defer cancel()
		s.deps.Audit.Record(auditCtx, audit.ActionTaskFinish, map[string]interface{}{
			"task_id":  ev.TaskID,
			"attempts": ev.Attempt,
		}, outcome, sessionID, ev.TaskID, msg)
		s.checkpoint(ctx)
	}
}

// interrupted reports whether err is the session context ending rather
// than a failure of the task itself.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func contextKind(ctx context.Context) failure.Kind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.KindDeadline
	}
	return failure.KindCancelled
}

// recordError appends to the session error log. Caller holds s.mu.
func (s *Scheduler) recordError(taskID string, kind failure.Kind, err error, recovered bool) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	s.session.Errors = append(s.session.Errors, models.ErrorEntry{
		TaskID:    taskID,
		Kind:      string(kind),
		Message:   msg,
		Timestamp: time.Now().UTC(),
		Recovered: recovered,
	})
}

func (s *Scheduler) groupAbandoned(ids []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if t := s.session.TaskByID(id); t == nil || t.Status != models.TaskStatusAbandoned {
			return false
		}
	}
	return len(ids) > 0
}

// aggregate merges results and writes the document.
func (s *Scheduler) aggregate(ctx context.Context) (*aggregator.SynthesisInput, error) {
	s.setStatus(models.SessionStatusSynthesizing)
	s.report(progress.PercentSynthesizing, "synthesizing", "", "Merging findings and writing report")
	s.checkpoint(ctx)

	snap := s.Snapshot()
	agg := aggregator.New(s.deps.Reasoner)
	in, err := agg.Aggregate(ctx, snap)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.session.Findings = in.Findings
	s.mu.Unlock()

	doc, err := agg.Synthesize(ctx, snap.Query, in)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.session.Report = &models.Report{Document: doc}
	s.session.Status = models.SessionStatusCiting
	s.session.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
	s.checkpoint(ctx)
	return in, nil
}

// cite annotates the document. Citation failures degrade the report but
// never fail the session.
func (s *Scheduler) cite(ctx context.Context, in *aggregator.SynthesisInput) {
	s.report(progress.PercentCiting, "citing", "", "Matching claims to sources")

	s.mu.Lock()
	doc := s.session.Report.Document
	s.mu.Unlock()

	res, err := citation.New(s.deps.Reasoner).Annotate(ctx, doc, in.Findings, in.Sources)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		log.Printf("Citation failed for session %s, keeping uncited report: %v", s.session.ID, err)
		s.recordError("", failure.KindCitation, err, true)
	}
	if res != nil {
		r := s.session.Report
		r.CitedDocument = res.CitedDocument
		r.Citations = res.Citations
		r.Bibliography = res.Bibliography
		r.Uncited = res.Uncited
	}
}

func (s *Scheduler) complete(ctx context.Context, in *aggregator.SynthesisInput) {
	now := time.Now().UTC()
	s.mu.Lock()
	sess := s.session
	sess.Status = models.SessionStatusDone
	sess.CompletedAt = &now
	sess.UpdatedAt = now
	sess.Metadata = &models.Metadata{
		TaskCount:       len(sess.Tasks),
		SourceCount:     len(in.Sources),
		DurationSeconds: now.Sub(sess.CreatedAt).Seconds(),
	}
	msg := fmt.Sprintf("Report ready: %d tasks, %d sources, %d uncited claims",
		len(sess.Tasks), len(in.Sources), len(sess.Report.Uncited))
	s.mu.Unlock()

	auditCtx, cancel := detached(ctx)
	defer cancel()
	s.report(progress.PercentDone, "done", "", msg)
	s.checkpoint(ctx)
	s.deps.Audit.Record(auditCtx, audit.ActionSessionFinish, map[string]interface{}{"session_id": sess.ID}, "success", sess.ID, "", msg)
	log.Printf("Session %s done: %s", sess.ID, msg)
}

// fail ends the session as FAILED. When the session context has ended the
// recorded kind is CANCELLED or DEADLINE instead of kind.
func (s *Scheduler) fail(ctx context.Context, kind failure.Kind, err error) {
	if ctx.Err() != nil {
		kind = contextKind(ctx)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	sess := s.session
	s.recordError("", kind, err, false)
	sess.Status = models.SessionStatusFailed
	sess.CompletedAt = &now
	sess.UpdatedAt = now
	sess.Metadata = &models.Metadata{
		TaskCount:       len(sess.Tasks),
		DurationSeconds: now.Sub(sess.CreatedAt).Seconds(),
	}
	s.mu.Unlock()

	msg := fmt.Sprintf("Session failed (%s): %v", kind, err)
	log.Printf("Session %s: %s", sess.ID, msg)

	auditCtx, cancel := detached(ctx)
	defer cancel()
	s.report(0, "failed", "", msg)
	s.checkpoint(ctx)
	s.deps.Audit.Record(auditCtx, audit.ActionSessionFinish, map[string]interface{}{"session_id": sess.ID}, "failed", sess.ID, "", msg)
}

// detached returns a context for final writes that survives cancellation of ctx.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalSaveTimeout)
}

func (s *Scheduler) setStatus(status models.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Status = status
	s.session.UpdatedAt = time.Now().UTC()
}

// checkpoint saves a snapshot, also after the session context ended.
// Failures are logged and recorded on the session without aborting it.
func (s *Scheduler) checkpoint(ctx context.Context) {
	saveCtx, cancel := detached(ctx)
	defer cancel()
	snap := s.Snapshot()
	cp, err := s.deps.Store.Save(saveCtx, snap)
	if err != nil {
		log.Printf("Checkpoint of session %s failed: %v", snap.ID, err)
		s.mu.Lock()
		s.recordError("", failure.KindCheckpoint, err, true)
		s.mu.Unlock()
		return
	}
	s.report(s.percent(), "checkpoint", "", fmt.Sprintf("Checkpoint %d saved", cp.Seq))
}

// percent maps the current session state onto the progress scale.
func (s *Scheduler) percent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.session.Status {
	case models.SessionStatusPlanning:
		return progress.PercentPlanning
	case models.SessionStatusRunning:
		terminal := 0
		for _, t := range s.session.Tasks {
			if t.Status.Terminal() {
				terminal++
			}
		}
		return progress.DispatchPercent(terminal, len(s.session.Tasks))
	case models.SessionStatusSynthesizing:
		return progress.PercentSynthesizing
	case models.SessionStatusCiting:
		return progress.PercentCiting
	case models.SessionStatusDone:
		return progress.PercentDone
	}
	return 0
}

func (s *Scheduler) report(percent int, phase, taskID, msg string) {
	s.mu.Lock()
	u := progress.Update{
		SessionID: s.session.ID,
		TaskID:    taskID,
		Phase:     phase,
		Status:    s.session.Status,
		Percent:   percent,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
	s.mu.Unlock()
	s.deps.Progress.Report(u)
}

func (s *Scheduler) reportTask(taskID, phase, msg string) {
	s.report(s.percent(), phase, taskID, msg)
}

// Restore prepares a checkpointed session for another Run. ASSIGNED and
// RUNNING tasks go back to PENDING with their attempt counts kept; DONE and
// ABANDONED tasks are untouched. FAILED tasks stay eligible for
// reassignment unless their attempts are spent or their last failure was
// not recoverable, in which case they are abandoned.
func Restore(snapshot *models.Session) (*models.Session, error) {
	if snapshot == nil {
		return nil, errors.New("nil snapshot")
	}
	if snapshot.Status.Terminal() {
		return nil, ErrTerminal
	}
	sess := snapshot.Clone()
	opts := sess.Options.WithDefaults()
	now := time.Now().UTC()

	for _, t := range sess.Tasks {
		switch t.Status {
		case models.TaskStatusAssigned, models.TaskStatusRunning:
			log.Printf("Restoring interrupted task %s (attempt %d) as PENDING", t.ID, t.Attempts)
			t.Status = models.TaskStatusPending
			t.UpdatedAt = now
		case models.TaskStatusFailed:
			if t.Attempts < opts.RetryAttempts && lastErrorRecovered(sess, t.ID) {
				continue
			}
			t.Status = models.TaskStatusAbandoned
			t.UpdatedAt = now
			sess.Errors = append(sess.Errors, models.ErrorEntry{
				TaskID:    t.ID,
				Kind:      string(failure.KindTaskPersistent),
				Message:   fmt.Sprintf("abandoned on restore after %d attempt(s)", t.Attempts),
				Timestamp: now,
			})
		}
	}
	return sess, nil
}

func lastErrorRecovered(sess *models.Session, taskID string) bool {
	for i := len(sess.Errors) - 1; i >= 0; i-- {
		if sess.Errors[i].TaskID == taskID {
			return sess.Errors[i].Recovered
		}
	}
	return true
}
