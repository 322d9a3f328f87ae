package execution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Structural problem codes reported by New.
const (
	ReasonMissingStarter     = "missing_starter"
	ReasonDisabledStarter    = "disabled_starter"
	ReasonMultipleStarters   = "multiple_starters"
	ReasonStarterHasIncoming = "starter_has_incoming"
	ReasonStarterNoOutgoing  = "starter_no_outgoing"
	ReasonDanglingConnection = "dangling_connection"
	ReasonNoHandler          = "no_handler"
	ReasonAmbiguousHandler   = "ambiguous_handler"
)

// StructuralError is returned when a workflow graph cannot be executed at all.
type StructuralError struct {
	Reason  string
	BlockID string
	Message string
}

func (e *StructuralError) Error() string {
	return e.Message
}

func structuralError(reason, blockID, format string, args ...any) *StructuralError {
	return &StructuralError{Reason: reason, BlockID: blockID, Message: fmt.Sprintf(format, args...)}
}

// IsStructural reports whether err is a StructuralError with the given reason.
// An empty reason matches any structural error.
func IsStructural(err error, reason string) bool {
	var se *StructuralError
	if !errors.As(err, &se) {
		return false
	}
	return reason == "" || se.Reason == reason
}

// BlockExecutionError describes a single block failure. It never aborts a run: it is
// either routed through an error connection or terminates the failing branch.
type BlockExecutionError struct {
	BlockID   string
	BlockName string
	Message   string
	Cause     error
}

func (e *BlockExecutionError) Error() string {
	return fmt.Sprintf("block '%s' failed: %s", e.BlockName, e.Message)
}

func (e *BlockExecutionError) Unwrap() error {
	return e.Cause
}

// SubWorkflowCyclicError is reported when a sub-workflow invocation is already in flight.
type SubWorkflowCyclicError struct {
	Identifier string
}

func (e *SubWorkflowCyclicError) Error() string {
	return fmt.Sprintf("cyclic sub-workflow invocation detected: %s is already executing", e.Identifier)
}

// SubWorkflowDepthError is reported when nesting would exceed the depth limit.
type SubWorkflowDepthError struct {
	Depth int
	Limit int
}

func (e *SubWorkflowDepthError) Error() string {
	return fmt.Sprintf("maximum sub-workflow depth (%d) exceeded at depth %d", e.Limit, e.Depth)
}

// ErrorCategory classifies errors for retry decisions
type ErrorCategory int

const (
	ErrorCategoryUnknown ErrorCategory = iota
	// temporary failures that may succeed on retry: timeout, 429, 5xx, network
	ErrorCategoryTransient
	// will not succeed on retry: 4xx, parse errors, bad config
	ErrorCategoryPermanent
)

// String returns a human-readable category name
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryTransient:
		return "transient"
	case ErrorCategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ExecutionError wraps errors with classification for retry logic
type ExecutionError struct {
	Category   ErrorCategory
	Message    string
	StatusCode int // HTTP status code if applicable
	Retryable  bool
	Cause      error
}

func (e *ExecutionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// ClassifyHTTPError classifies an HTTP response error
func ClassifyHTTPError(statusCode int, body string) *ExecutionError {
	err := &ExecutionError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", statusCode, truncateString(body, 200)),
	}

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= 500 && statusCode < 600:
		err.Category = ErrorCategoryTransient
		err.Retryable = true
	case statusCode >= 400 && statusCode < 500:
		err.Category = ErrorCategoryPermanent
	default:
		err.Category = ErrorCategoryUnknown
	}

	return err
}

// ClassifyError classifies a general error
func ClassifyError(err error) *ExecutionError {
	if err == nil {
		return nil
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{
			Category:  ErrorCategoryTransient,
			Message:   "timeout",
			Retryable: true,
			Cause:     err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &ExecutionError{Category: ErrorCategoryPermanent, Message: "canceled", Cause: err}
	}

	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "EOF") {
		return &ExecutionError{
			Category:  ErrorCategoryTransient,
			Message:   fmt.Sprintf("network error: %s", truncateString(errStr, 100)),
			Retryable: true,
			Cause:     err,
		}
	}

	if strings.Contains(errStr, "certificate") ||
		strings.Contains(errStr, "tls:") ||
		strings.Contains(errStr, "x509:") {
		return &ExecutionError{
			Category: ErrorCategoryPermanent,
			Message:  "TLS/certificate error",
			Cause:    err,
		}
	}

	return &ExecutionError{
		Category: ErrorCategoryUnknown,
		Message:  truncateString(errStr, 200),
		Cause:    err,
	}
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
