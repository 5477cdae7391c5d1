package models

import (
	"encoding/json"
	"time"
)

// PlanFormat tags which representation a Plan carries.
type PlanFormat string

const (
	// PlanFormatJSON plans carry a structured document.
	PlanFormatJSON PlanFormat = "json"
	// PlanFormatText plans carry the engine's rendered text.
	PlanFormatText PlanFormat = "text"
	// PlanFormatXML plans carry a raw XML showplan.
	PlanFormatXML PlanFormat = "xml"
)

// Plan is the engine's own execution plan. It is kept opaque: Document is set
// for PlanFormatJSON, Text for the other formats. Summary is a best-effort
// digest for display and may be partially empty.
type Plan struct {
	Format   PlanFormat      `json:"format"`
	Document json.RawMessage `json:"document,omitempty"`
	Text     string          `json:"text,omitempty"`
	Analyzed bool            `json:"analyzed"`
	Summary  PlanSummary     `json:"summary"`
}

// PlanSummary is a shallow digest of a plan.
type PlanSummary struct {
	RootNode        string  `json:"root_node,omitempty"`
	NodeCount       int     `json:"node_count"`
	EstimatedCost   float64 `json:"estimated_cost,omitempty"`
	EstimatedRows   float64 `json:"estimated_rows,omitempty"`
	PlanningTimeMs  float64 `json:"planning_time_ms,omitempty"`
	ExecutionTimeMs float64 `json:"execution_time_ms,omitempty"`
}

// IsZero reports whether no plan was captured.
func (p Plan) IsZero() bool {
	return p.Format == ""
}

// IsStructured reports whether the plan carries a JSON document.
func (p Plan) IsStructured() bool {
	return p.Format == PlanFormatJSON
}

// Raw returns the plan body as text regardless of format.
func (p Plan) Raw() string {
	if p.IsStructured() {
		return string(p.Document)
	}
	return p.Text
}

// Trimmed returns a copy of the plan with the body dropped and only the
// summary retained.
func (p Plan) Trimmed() Plan {
	return Plan{
		Format:   p.Format,
		Analyzed: p.Analyzed,
		Summary:  p.Summary,
	}
}

// ExplainOptions controls the explain request submitted to the engine.
type ExplainOptions struct {
	// Analyze asks the engine to execute the statement and report actual
	// timings. Engines that cannot do so return an estimated plan.
	Analyze bool
}

// ExplainResult is the outcome of one explain call.
type ExplainResult struct {
	Engine       string        `json:"engine"`
	Query        Query         `json:"query"`
	SubmittedSQL string        `json:"submitted_sql"`
	Plan         Plan          `json:"plan"`
	HintApplied  bool          `json:"hint_applied"`
	HintDegraded bool          `json:"hint_degraded"`
	ExplainTime  time.Duration `json:"explain_time_ns"`
}
