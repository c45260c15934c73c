package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyQuery      = errors.New("query is required")
	ErrInvalidOptions  = errors.New("invalid research options")
	ErrAlreadyRunning  = errors.New("session is already running")
	ErrAlreadyFinished = errors.New("session already finished")
	ErrNotRunning      = errors.New("session is not running in this process")
)
