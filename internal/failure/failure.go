// Package failure classifies errors raised while orchestrating a research
// session.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Class separates failures worth retrying from those that are not.
type Class string

const (
	Transient  Class = "TRANSIENT"
	Persistent Class = "PERSISTENT"
)

// Kind names an entry in a session's error log.
type Kind string

const (
	KindPlanning       Kind = "PLANNING"
	KindTaskTransient  Kind = "TASK_TRANSIENT"
	KindTaskPersistent Kind = "TASK_PERSISTENT"
	KindAggregation    Kind = "AGGREGATION"
	KindCitation       Kind = "CITATION"
	KindCancelled      Kind = "CANCELLED"
	KindDeadline       Kind = "DEADLINE"
	KindCheckpoint     Kind = "CHECKPOINT"
)

// Code is the external-service error code carried by adapter errors.
type Code string

const (
	CodeRateLimit      Code = "RATE_LIMIT"
	CodeTimeout        Code = "TIMEOUT"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeSpiral         Code = "SPIRAL"
	CodeMalformed      Code = "MALFORMED_RESPONSE"
)

// Class returns the retry class implied by the code.
func (c Code) Class() Class {
	switch c {
	case CodeRateLimit, CodeTimeout, CodeMalformed:
		return Transient
	default:
		return Persistent
	}
}

// ServiceError is returned by the reasoning and search adapters.
type ServiceError struct {
	Service string
	Code    Code
	Message string
	Err     error
}

// NewServiceError builds a ServiceError wrapping err.
func NewServiceError(service string, code Code, err error) *ServiceError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ServiceError{Service: service, Code: code, Message: msg, Err: err}
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.Service, e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Class returns the retry class of the error.
func (e *ServiceError) Class() Class { return e.Code.Class() }

// PlanningError means the query could not be decomposed into a valid plan.
type PlanningError struct {
	Reason string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning failed: %s: %v", e.Reason, e.Err)
	}
	return "planning failed: " + e.Reason
}

func (e *PlanningError) Unwrap() error { return e.Err }

// AggregationError means findings could not be merged or synthesized.
type AggregationError struct {
	Stage string
	Err   error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation failed at %s: %v", e.Stage, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// CitationError means claim segmentation failed. It is always recoverable.
type CitationError struct {
	Err error
}

func (e *CitationError) Error() string {
	return fmt.Sprintf("citation failed: %v", e.Err)
}

func (e *CitationError) Unwrap() error { return e.Err }

// Classify returns the retry class for err. Deadline expiry is transient,
// cancellation persistent, and anything unrecognized transient.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Class()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Persistent
	}
	var pe *PlanningError
	if errors.As(err, &pe) {
		return Persistent
	}
	return Transient
}

// TaskKind maps a task failure to its error-log kind.
func TaskKind(err error) Kind {
	if Classify(err) == Persistent {
		return KindTaskPersistent
	}
	return KindTaskTransient
}
