// Package models defines the core domain types for sift.
package models

import "time"

// SessionStatus represents the lifecycle phase of a research session.
type SessionStatus string

const (
	SessionStatusPlanning     SessionStatus = "PLANNING"
	SessionStatusRunning      SessionStatus = "RUNNING"
	SessionStatusSynthesizing SessionStatus = "SYNTHESIZING"
	SessionStatusCiting       SessionStatus = "CITING"
	SessionStatusDone         SessionStatus = "DONE"
	SessionStatusFailed       SessionStatus = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusDone || s == SessionStatusFailed
}

// TaskStatus represents the current state of a research task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusAssigned  TaskStatus = "ASSIGNED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusDone      TaskStatus = "DONE"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusAbandoned TaskStatus = "ABANDONED"
)

// taskTransitions lists the permitted next states for each task state.
// FAILED -> ASSIGNED is the explicit reassignment edge.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusAssigned},
	TaskStatusAssigned: {TaskStatusRunning},
	TaskStatusRunning:  {TaskStatusDone, TaskStatusFailed},
	TaskStatusFailed:   {TaskStatusAssigned, TaskStatusAbandoned},
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the task has reached DONE or ABANDONED.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusAbandoned
}

// ConfidenceLabel is a worker's overall confidence in its result.
type ConfidenceLabel string

const (
	ConfidenceHigh   ConfidenceLabel = "HIGH"
	ConfidenceMedium ConfidenceLabel = "MEDIUM"
	ConfidenceLow    ConfidenceLabel = "LOW"
)

// Session is one end-to-end research request and its full lifecycle state.
type Session struct {
	ID          string        `json:"id"`
	Query       string        `json:"query"`
	Status      SessionStatus `json:"status"`
	Rationale   string        `json:"rationale,omitempty"`
	Tasks       []*Task       `json:"tasks"`
	Groups      [][]string    `json:"groups"`
	Findings    []Finding     `json:"findings,omitempty"`
	Report      *Report       `json:"report,omitempty"`
	Errors      []ErrorEntry  `json:"errors,omitempty"`
	Options     Options       `json:"options"`
	Metadata    *Metadata     `json:"metadata,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Task represents one unit of delegated research work.
type Task struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Objective string        `json:"objective"`
	Group     int           `json:"group"`
	DependsOn []string      `json:"depends_on,omitempty"`
	Status    TaskStatus    `json:"status"`
	Attempts  int           `json:"attempts"`
	Slot      int           `json:"slot"`
	Result    *WorkerResult `json:"result,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// WorkerResult is the structured output of a finished task.
type WorkerResult struct {
	TaskID     string          `json:"task_id"`
	Findings   []Finding       `json:"findings"`
	Sources    []Source        `json:"sources"`
	Confidence ConfidenceLabel `json:"confidence"`
	FollowUps  []string        `json:"follow_ups,omitempty"`
}

// Finding is an atomic claim with its supporting source.
type Finding struct {
	TaskID        string   `json:"task_id,omitempty"`
	Claim         string   `json:"claim"`
	SourceRef     string   `json:"source_ref,omitempty"`
	Confidence    float64  `json:"confidence"`
	Corroborating []string `json:"corroborating,omitempty"`
}

// Refs returns every source reference backing the finding, primary first.
func (f Finding) Refs() []string {
	var refs []string
	if f.SourceRef != "" {
		refs = append(refs, f.SourceRef)
	}
	return append(refs, f.Corroborating...)
}

// Source is a retrieved document handle.
type Source struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Quality     float64   `json:"quality"`
}

// Citation binds a claim to the sources that support it.
type Citation struct {
	Claim   string   `json:"claim"`
	Sources []Source `json:"sources,omitempty"`
	Uncited bool     `json:"uncited,omitempty"`
}

// Report is the synthesized and cited research output.
type Report struct {
	Document      string     `json:"document"`
	CitedDocument string     `json:"cited_document,omitempty"`
	Citations     []Citation `json:"citations,omitempty"`
	Bibliography  []Source   `json:"bibliography,omitempty"`
	Uncited       []string   `json:"uncited,omitempty"`
}

// Metadata summarizes a finished session.
type Metadata struct {
	TaskCount       int     `json:"task_count"`
	SourceCount     int     `json:"source_count"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Checkpoint is a durable snapshot of a session.
type Checkpoint struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Snapshot  *Session  `json:"snapshot"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorEntry is one record in a session's error log.
type ErrorEntry struct {
	TaskID    string    `json:"task_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Recovered bool      `json:"recovered"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	SessionID  string    `json:"session_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
