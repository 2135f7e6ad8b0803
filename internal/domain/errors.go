package domain

import "fmt"

// AppError is the base error type surfaced by the ops API.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// Standard error constructors.

func ErrNotFound(entity, id string) *AppError {
	return &AppError{Code: "NOT_FOUND", Message: fmt.Sprintf("%s %s not found", entity, id), Status: 404}
}

func ErrValidation(msg string) *AppError {
	return &AppError{Code: "VALIDATION_ERROR", Message: msg, Status: 400}
}

func ErrConflict(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Message: msg, Status: 409}
}

func ErrInternal(msg string, cause error) *AppError {
	return &AppError{Code: "INTERNAL_ERROR", Message: msg, Status: 500, Cause: cause}
}

// ErrorKind classifies collection failures. The orchestrator's retry policy
// and the failure-pattern detector both key off this classification.
type ErrorKind string

const (
	// ErrTransient covers timeouts, HTTP 5xx, and refused connections.
	// Retried with exponential backoff.
	ErrTransient ErrorKind = "transient"
	// ErrThrottled covers HTTP 429 and explicit rate-limit messages.
	// Retried with longer backoff; feeds the adaptive rate limiter.
	ErrThrottled ErrorKind = "throttled"
	// ErrSchema covers parse results with zero items or missing required
	// fields. Never retried; requires manual intervention.
	ErrSchema ErrorKind = "schema"
	// ErrResolution covers game-id mapping failures. Rows are stored
	// without a canonical id and reprocessed later.
	ErrResolution ErrorKind = "resolution"
	// ErrFatal covers unrecoverable failures (DB loss beyond retry,
	// plan deadline exceeded).
	ErrFatal ErrorKind = "fatal"
)

// CollectError is a categorized collection failure.
type CollectError struct {
	Kind    ErrorKind
	Source  string
	Message string
	Cause   error
}

func (e *CollectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Source, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Source, e.Kind, e.Message)
}

func (e *CollectError) Unwrap() error { return e.Cause }

// NewCollectError builds a categorized collection error for a source.
func NewCollectError(kind ErrorKind, source, msg string, cause error) *CollectError {
	return &CollectError{Kind: kind, Source: source, Message: msg, Cause: cause}
}

// Retryable reports whether the error kind participates in task retries.
func (e *CollectError) Retryable() bool {
	return e.Kind == ErrTransient || e.Kind == ErrThrottled
}
