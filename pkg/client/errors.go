package client

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents a classification of query failures.
type ErrorClass string

const (
	// ErrorClassValidation represents malformed local input. Never retried.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassNetwork represents connection failures (refused, reset, DNS).
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents an expired attempt or watchdog timeout.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassProtocol represents non-2xx responses and unparseable payloads.
	ErrorClassProtocol ErrorClass = "protocol"

	// ErrorClassCancelled represents user or system initiated cancellation.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassInternal represents a crashed execution (recovered panic).
	ErrorClassInternal ErrorClass = "internal"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrCancelled is returned when a query is cancelled before completion.
	ErrCancelled = errors.New("query cancelled")

	// ErrIncompleteStream is returned when a stream closes without a
	// record carrying isComplete=true.
	ErrIncompleteStream = errors.New("stream ended without a complete record")
)

// QueryError is the single terminal error surfaced for a failed query.
type QueryError struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	msg := fmt.Sprintf("query %s error: %s", e.Class, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("query %s error (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// NewTimeoutError builds the error reported when a deadline reclaims a query.
func NewTimeoutError(message string) *QueryError {
	return &QueryError{Class: ErrorClassTimeout, Message: message, Err: context.DeadlineExceeded}
}

// NewCancelledError builds the error reported for a cancelled query.
func NewCancelledError(cause error) *QueryError {
	err := ErrCancelled
	if cause != nil && !errors.Is(cause, ErrCancelled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return &QueryError{Class: ErrorClassCancelled, Message: "query cancelled", Err: err}
}

// ClassOf returns the error class of err, or "" if err is not a QueryError.
func ClassOf(err error) ErrorClass {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Class
	}
	return ""
}

// UserMessage returns a human readable description of a terminal query
// error, distinguishing failures that need different corrective actions.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var qe *QueryError
	if !errors.As(err, &qe) {
		return err.Error()
	}

	switch qe.Class {
	case ErrorClassValidation:
		return fmt.Sprintf("Invalid input: %s. Correct the search term and try again.", qe.Message)
	case ErrorClassTimeout:
		return "The server did not respond in time. It may be overloaded or unavailable; wait and try again."
	case ErrorClassNetwork:
		return "Could not connect to the server. Check the host and port and that the server is reachable."
	case ErrorClassProtocol:
		return fmt.Sprintf("The server returned an unexpected response: %s.", qe.Message)
	case ErrorClassCancelled:
		return "The query was cancelled."
	default:
		return qe.Error()
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassNetwork, ErrorClassTimeout, ErrorClassProtocol:
		return true
	default:
		return false
	}
}

// asQueryError converts err into a QueryError, treating unknown errors as
// network failures.
func asQueryError(err error) *QueryError {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}
	return &QueryError{Class: ErrorClassNetwork, Message: "request failed", Err: err}
}

// exhaustedError wraps the last observed failure once no attempts remain.
func exhaustedError(last *QueryError, attempts int) *QueryError {
	cause := fmt.Errorf("%w after %d attempts", ErrRetryExhausted, attempts)
	if last.Err != nil {
		cause = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, last.Err)
	}
	return &QueryError{
		Class:      last.Class,
		StatusCode: last.StatusCode,
		Message:    last.Message,
		Attempts:   attempts,
		Err:        cause,
	}
}
