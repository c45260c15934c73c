package models

import (
	"fmt"
	"time"
)

// Options are the per-session orchestration settings.
type Options struct {
	// ConcurrencyLimit is the maximum number of tasks running at once.
	ConcurrencyLimit int `json:"concurrency_limit" mapstructure:"concurrency_limit" yaml:"concurrency_limit"`
	// RetryAttempts is the total attempt budget for a task.
	RetryAttempts int `json:"retry_attempts" mapstructure:"retry_attempts" yaml:"retry_attempts"`
	// TaskTimeout bounds a single attempt.
	TaskTimeout time.Duration `json:"task_timeout" mapstructure:"task_timeout" yaml:"task_timeout"`
	// BackoffBase is the delay before the second attempt.
	BackoffBase time.Duration `json:"backoff_base" mapstructure:"backoff_base" yaml:"backoff_base"`
	// BackoffMax caps the exponential backoff delay.
	BackoffMax time.Duration `json:"backoff_max" mapstructure:"backoff_max" yaml:"backoff_max"`
	// CheckpointInterval is the periodic snapshot interval while RUNNING.
	CheckpointInterval time.Duration `json:"checkpoint_interval" mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	// SessionDeadline bounds the whole session; zero disables it.
	SessionDeadline time.Duration `json:"session_deadline,omitempty" mapstructure:"session_deadline" yaml:"session_deadline"`
	// MinTasks and MaxTasks bound a decomposed plan.
	MinTasks int `json:"min_tasks" mapstructure:"min_tasks" yaml:"min_tasks"`
	MaxTasks int `json:"max_tasks" mapstructure:"max_tasks" yaml:"max_tasks"`
	// Retention is how long checkpoints are kept before pruning.
	Retention time.Duration `json:"retention" mapstructure:"retention" yaml:"retention"`
}

// DefaultOptions returns the default orchestration settings.
func DefaultOptions() Options {
	return Options{
		ConcurrencyLimit:   5,
		RetryAttempts:      3,
		TaskTimeout:        300 * time.Second,
		BackoffBase:        2 * time.Second,
		BackoffMax:         30 * time.Second,
		CheckpointInterval: 60 * time.Second,
		MinTasks:           3,
		MaxTasks:           5,
		Retention:          7 * 24 * time.Hour,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
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

// Validate checks option consistency.
func (o Options) Validate() error {
	if o.MinTasks > o.MaxTasks {
		return fmt.Errorf("min_tasks (%d) exceeds max_tasks (%d)", o.MinTasks, o.MaxTasks)
	}
	if o.BackoffBase > o.BackoffMax {
		return fmt.Errorf("backoff_base (%s) exceeds backoff_max (%s)", o.BackoffBase, o.BackoffMax)
	}
	if o.SessionDeadline < 0 {
		return fmt.Errorf("session_deadline must not be negative")
	}
	return nil
}
