package domain

import (
	"errors"
	"net/http"
)

// HTTPError defines errors that can be mapped to HTTP status codes.
// Implementing this interface enables extensible error handling.
type HTTPError interface {
	error
	StatusCode() int
}

// Domain error types implementing HTTPError interface
type (
	// NotFoundError indicates a resource was not found
	NotFoundError struct {
		Message string
	}

	// ValidationError indicates invalid input
	ValidationError struct {
		Message string
	}

	// ConflictError indicates a resource conflict
	ConflictError struct {
		Message string
	}
)

// Error implementations
func (e *NotFoundError) Error() string   { return e.Message }
func (e *ValidationError) Error() string { return e.Message }
func (e *ConflictError) Error() string   { return e.Message }

// StatusCode implementations (HTTPError interface)
func (e *NotFoundError) StatusCode() int   { return http.StatusNotFound }
func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }
func (e *ConflictError) StatusCode() int   { return http.StatusConflict }

// Is allows errors.Is() to match against the sentinels below
func (e *NotFoundError) Is(target error) bool   { return target == ErrNotFound }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
func (e *ConflictError) Is(target error) bool   { return target == ErrConflict }

// Sentinel errors - use with errors.Is()
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("already exists")
	ErrValidation = errors.New("validation failed")

	// ErrGenerationActive is returned when a generation is started for a
	// session that already has one in flight. Exactly one generation may be
	// active per session; callers must stop the current one first.
	ErrGenerationActive = errors.New("generation already in progress")

	// ErrEmptyCompletion is returned after the retry policy exhausts all
	// attempts against a model that keeps returning empty completions.
	ErrEmptyCompletion = errors.New("model returned an empty completion")

	// ErrGhostRequest is returned when generation is attempted with no chat
	// history, no greeting and no user input - there is nothing to prompt
	// the model with.
	ErrGhostRequest = errors.New("nothing to generate from: empty context")
)
