// Package supervisor runs a single research task with a per-attempt timeout,
// bounded retries and exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/sift/internal/failure"
	"github.com/fentz26/sift/internal/models"
)

// Worker performs one attempt of a task.
type Worker interface {
	Research(ctx context.Context, task *models.Task, upstream []models.Finding) (*models.WorkerResult, error)
}

// WorkerFunc adapts a function to a Worker.
type WorkerFunc func(ctx context.Context, task *models.Task, upstream []models.Finding) (*models.WorkerResult, error)

// Research calls f.
func (f WorkerFunc) Research(ctx context.Context, task *models.Task, upstream []models.Finding) (*models.WorkerResult, error) {
	return f(ctx, task, upstream)
}

// Policy bounds the attempts of one task.
type Policy struct {
	Attempts    int
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// PolicyFrom extracts the supervision policy from session options.
func PolicyFrom(o models.Options) Policy {
	return Policy{
		Attempts:    o.RetryAttempts,
		Timeout:     o.TaskTimeout,
		BackoffBase: o.BackoffBase,
		BackoffMax:  o.BackoffMax,
	}
}

// Backoff returns the delay after the given failed attempt (1-based):
// min(base * 2^(attempt-1), max).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax || d <= 0 {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// EventType identifies a supervisor report.
type EventType string

const (
	EventStarted  EventType = "started"
	EventFailed   EventType = "failed"
	EventRetrying EventType = "retrying"
	EventFinished EventType = "finished"
)

// Event is sent to the scheduler for every state change of a task.
type Event struct {
	Type    EventType
	TaskID  string
	Attempt int
	Err     error
	Class   failure.Class
	Delay   time.Duration
	Outcome *Outcome
}

// Outcome is the terminal result of Execute. Exactly one of Result or Err is set.
type Outcome struct {
	TaskID    string
	Result    *models.WorkerResult
	Attempts  int
	Err       error
	Class     failure.Class
	Cancelled bool
}

// Assignment is one dispatch of a task to a supervisor.
type Assignment struct {
	Task *models.Task
	// FirstAttempt is the attempt number of the first run in this dispatch.
	FirstAttempt int
	Upstream     []models.Finding
}

// Supervisor executes tasks with a Worker under a Policy.
type Supervisor struct {
	worker Worker
	policy Policy
	after  func(time.Duration) <-chan time.Time
}

// New creates a supervisor.
func New(worker Worker, policy Policy) *Supervisor {
	return &Supervisor{worker: worker, policy: policy, after: time.After}
}

// Execute runs the assignment until it succeeds, fails persistently,
// exhausts its attempts, or ctx is cancelled. Every transition is sent on
// events, ending with EventFinished.
func (s *Supervisor) Execute(ctx context.Context, a Assignment, events chan<- Event) Outcome {
	taskID := a.Task.ID
	attempt := a.FirstAttempt
	if attempt < 1 {
		attempt = 1
	}

	finish := func(out Outcome) Outcome {
		out.TaskID = taskID
		events <- Event{Type: EventFinished, TaskID: taskID, Attempt: out.Attempts, Err: out.Err, Class: out.Class, Outcome: &out}
		return out
	}

	for {
		events <- Event{Type: EventStarted, TaskID: taskID, Attempt: attempt}

		result, err := s.runAttempt(ctx, a, attempt)
		if err == nil {
			result.TaskID = taskID
			return finish(Outcome{Result: result, Attempts: attempt})
		}

		if ctx.Err() != nil {
			err = ctx.Err()
			events <- Event{Type: EventFailed, TaskID: taskID, Attempt: attempt, Err: err, Class: failure.Persistent}
			return finish(Outcome{Attempts: attempt, Err: err, Class: failure.Persistent, Cancelled: true})
		}

		class := failure.Classify(err)
		events <- Event{Type: EventFailed, TaskID: taskID, Attempt: attempt, Err: err, Class: class}

		if class == failure.Persistent || attempt >= s.policy.Attempts {
			return finish(Outcome{Attempts: attempt, Err: err, Class: class})
		}

		delay := s.policy.Backoff(attempt)
		select {
		case <-ctx.Done():
			return finish(Outcome{Attempts: attempt, Err: ctx.Err(), Class: failure.Persistent, Cancelled: true})
		case <-s.after(delay):
		}

		attempt++
		events <- Event{Type: EventRetrying, TaskID: taskID, Attempt: attempt, Delay: delay}
	}
}

// runAttempt calls the worker under the per-attempt timeout.
func (s *Supervisor) runAttempt(ctx context.Context, a Assignment, attempt int) (result *models.WorkerResult, err error) {
	attemptCtx := ctx
	if s.policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.policy.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = failure.NewServiceError("worker", failure.CodeInvalidRequest, fmt.Errorf("panic: %v", r))
		}
	}()

	result, err = s.worker.Research(attemptCtx, a.Task, a.Upstream)
	if err == nil && result == nil {
		err = failure.NewServiceError("worker", failure.CodeMalformed, errors.New("worker returned no result"))
	}
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = failure.NewServiceError("worker", failure.CodeTimeout,
			fmt.Errorf("attempt %d timed out after %s: %w", attempt, s.policy.Timeout, err))
	}
	return result, err
}
