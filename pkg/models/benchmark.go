package models

import "time"

// Stats aggregates an ordered sequence of run durations.
type Stats struct {
	Count  int           `json:"count"`
	Total  time.Duration `json:"total_ns"`
	Min    time.Duration `json:"min_ns"`
	Max    time.Duration `json:"max_ns"`
	Mean   time.Duration `json:"mean_ns"`
	Median time.Duration `json:"median_ns"`
	StdDev time.Duration `json:"stddev_ns"`
}

// Environment captures where a benchmark ran.
type Environment struct {
	Engine        string `json:"engine"`
	EngineVersion string `json:"engine_version"`
	GoVersion     string `json:"go_version"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
}

// BenchmarkResult is valid for one benchmark call. Durations has exactly
// Repetitions entries in submission order.
type BenchmarkResult struct {
	RunID        string          `json:"run_id"`
	Engine       string          `json:"engine"`
	Query        Query           `json:"query"`
	SubmittedSQL string          `json:"submitted_sql"`
	Repetitions  int             `json:"repetitions"`
	Durations    []time.Duration `json:"durations_ns"`
	Stats        Stats           `json:"stats"`
	Plan         Plan            `json:"plan"`
	HintApplied  bool            `json:"hint_applied"`
	HintDegraded bool            `json:"hint_degraded"`
	RowCount     int64           `json:"row_count"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	Environment  Environment     `json:"environment"`
}

// StrategyResult is one entry of a comparison.
type StrategyResult struct {
	Name   string           `json:"name"`
	Hint   string           `json:"hint,omitempty"`
	Result *BenchmarkResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// ComparisonResult holds the benchmark of one query under several hint
// variations. Best names the strategy with the lowest mean, or is empty if
// every strategy failed.
type ComparisonResult struct {
	Query      string           `json:"query"`
	Strategies []StrategyResult `json:"strategies"`
	Best       string           `json:"best,omitempty"`
}

// BestStrategy returns the winning strategy, if any.
func (c *ComparisonResult) BestStrategy() (StrategyResult, bool) {
	for _, s := range c.Strategies {
		if s.Name == c.Best && s.Result != nil {
			return s, true
		}
	}
	return StrategyResult{}, false
}
