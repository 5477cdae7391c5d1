// Package errors provides the error taxonomy for query execution and benchmarking.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error codes surfaced to callers.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeQuerySyntax      = "QUERY_SYNTAX"
	CodeHintUnsupported  = "HINT_UNSUPPORTED"
	CodeQueryTimeout     = "QUERY_TIMEOUT"
	CodeQueryFailed      = "QUERY_FAILED"
	CodeBenchmarkFailed  = "BENCHMARK_FAILED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error is a classified failure with code, message, and optional details.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons. Only the code is compared.
var (
	ErrInvalidRequest  = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrConnection      = &Error{Code: CodeConnectionFailed, Message: "database connection failed"}
	ErrQuerySyntax     = &Error{Code: CodeQuerySyntax, Message: "query rejected by engine"}
	ErrHintUnsupported = &Error{Code: CodeHintUnsupported, Message: "hint extension not available"}
	ErrQueryTimeout    = &Error{Code: CodeQueryTimeout, Message: "query execution timeout"}
	ErrQueryFailed     = &Error{Code: CodeQueryFailed, Message: "query execution failed"}
	ErrBenchmark       = &Error{Code: CodeBenchmarkFailed, Message: "benchmark iteration failed"}
)

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps err with a code and message. It returns nil for a nil err.
func Wrap(err error, code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// BenchmarkExecutionError reports a failure in the middle of a benchmark run.
// Partial holds the durations of the iterations that completed before the
// failing one, so len(Partial) == Iteration.
type BenchmarkExecutionError struct {
	Query     string
	Iteration int
	Partial   []time.Duration
	Cause     error
}

// Error implements the error interface.
func (e *BenchmarkExecutionError) Error() string {
	return fmt.Sprintf("%s: iteration %d failed after %d successful runs (caused by: %v)",
		CodeBenchmarkFailed, e.Iteration, len(e.Partial), e.Cause)
}

// Unwrap returns the classified cause of the failing iteration.
func (e *BenchmarkExecutionError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrBenchmark) match.
func (e *BenchmarkExecutionError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == CodeBenchmarkFailed
}

// IsConnection reports whether err is a connection failure.
func IsConnection(err error) bool {
	return hasCode(err, CodeConnectionFailed)
}

// IsQuerySyntax reports whether the engine rejected the query text.
func IsQuerySyntax(err error) bool {
	return hasCode(err, CodeQuerySyntax)
}

// IsHintUnsupported reports whether err signals a missing hint extension.
func IsHintUnsupported(err error) bool {
	return hasCode(err, CodeHintUnsupported)
}

// IsTimeout reports whether err is a query timeout.
func IsTimeout(err error) bool {
	return hasCode(err, CodeQueryTimeout)
}

// IsInvalidRequest checks if an error is an invalid request error.
func IsInvalidRequest(err error) bool {
	return hasCode(err, CodeInvalidRequest)
}

// AsBenchmarkError extracts a BenchmarkExecutionError from err.
func AsBenchmarkError(err error) (*BenchmarkExecutionError, bool) {
	var benchErr *BenchmarkExecutionError
	if errors.As(err, &benchErr) {
		return benchErr, true
	}
	return nil, false
}

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error. A benchmark failure reports
// BENCHMARK_FAILED even though it wraps a more specific cause.
func GetCode(err error) string {
	if _, ok := AsBenchmarkError(err); ok {
		return CodeBenchmarkFailed
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
