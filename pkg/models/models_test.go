package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery_HasHint(t *testing.T) {
	tests := []struct {
		name     string
		query    Query
		expected bool
	}{
		{"no hint", NewQuery("SELECT 1", ""), false},
		{"blank hint", NewQuery("SELECT 1", "  \n\t"), false},
		{"hint", NewQuery("SELECT 1", "/*+ SeqScan(t) */"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.query.HasHint())
		})
	}
}

func TestExecutionRequest_EffectiveRepetitions(t *testing.T) {
	tests := []struct {
		name     string
		reps     int
		fallback int
		expected int
	}{
		{"explicit", 3, 7, 3},
		{"zero uses fallback", 0, 7, 7},
		{"zero without fallback", 0, 0, DefaultRepetitions},
		{"negative kept", -1, 7, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExecutionRequest{Repetitions: tt.reps}.EffectiveRepetitions(tt.fallback))
		})
	}
}

func TestPlan(t *testing.T) {
	t.Run("structured", func(t *testing.T) {
		p := Plan{
			Format:   PlanFormatJSON,
			Document: json.RawMessage(`[{"Plan":{"Node Type":"Result"}}]`),
			Summary:  PlanSummary{RootNode: "Result", NodeCount: 1},
		}
		assert.True(t, p.IsStructured())
		assert.False(t, p.IsZero())
		assert.Equal(t, `[{"Plan":{"Node Type":"Result"}}]`, p.Raw())

		trimmed := p.Trimmed()
		assert.Empty(t, trimmed.Document)
		assert.Equal(t, p.Summary, trimmed.Summary)
		assert.Equal(t, PlanFormatJSON, trimmed.Format)
	})

	t.Run("text", func(t *testing.T) {
		p := Plan{Format: PlanFormatText, Text: "PROJECTION\n  DUMMY_SCAN"}
		assert.False(t, p.IsStructured())
		assert.Equal(t, "PROJECTION\n  DUMMY_SCAN", p.Raw())
		assert.Empty(t, p.Trimmed().Text)
	})

	t.Run("zero", func(t *testing.T) {
		assert.True(t, Plan{}.IsZero())
	})
}

func TestBenchmarkResult_JSON(t *testing.T) {
	result := BenchmarkResult{
		RunID:       "run-1",
		Engine:      "duckdb",
		Query:       NewQuery("SELECT 1", ""),
		Repetitions: 2,
		Durations:   []time.Duration{time.Millisecond, 3 * time.Millisecond},
		Stats:       Stats{Count: 2, Min: time.Millisecond, Max: 3 * time.Millisecond, Mean: 2 * time.Millisecond},
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "duckdb", decoded["engine"])
	assert.Len(t, decoded["durations_ns"], 2)
	assert.NotContains(t, decoded["query"], "hint")
}

func TestComparisonResult_BestStrategy(t *testing.T) {
	c := &ComparisonResult{
		Query: "SELECT 1",
		Strategies: []StrategyResult{
			{Name: "default", Result: &BenchmarkResult{Engine: "postgres"}},
			{Name: "hint_1", Hint: "/*+ SeqScan(t) */", Error: "QUERY_FAILED: boom"},
		},
		Best: "default",
	}

	best, ok := c.BestStrategy()
	require.True(t, ok)
	assert.Equal(t, "default", best.Name)

	c.Best = ""
	_, ok = c.BestStrategy()
	assert.False(t, ok)
}
