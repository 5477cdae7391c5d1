// Package models provides data structures used throughout the harness.
package models

import (
	"strings"
	"time"
)

// DefaultRepetitions is used when a request does not set a repetition count.
const DefaultRepetitions = 5

// Query is SQL text plus an optional planner hint annotation.
// It is passed by value and never mutated.
type Query struct {
	SQL  string `json:"sql"`
	Hint string `json:"hint,omitempty"`
}

// NewQuery creates a query with an optional hint.
func NewQuery(sql, hint string) Query {
	return Query{SQL: sql, Hint: hint}
}

// HasHint reports whether a non-blank hint is attached.
func (q Query) HasHint() bool {
	return strings.TrimSpace(q.Hint) != ""
}

// ExecutionRequest describes one benchmark invocation.
type ExecutionRequest struct {
	Query       Query         `json:"query"`
	Repetitions int           `json:"repetitions"`
	Verbose     bool          `json:"verbose"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// EffectiveRepetitions returns the repetition count, substituting fallback
// (or DefaultRepetitions when fallback is not positive) for zero. Negative
// counts are returned as given so callers can reject them.
func (r ExecutionRequest) EffectiveRepetitions(fallback int) int {
	if r.Repetitions != 0 {
		return r.Repetitions
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultRepetitions
}
