// Package harness explains and benchmarks single queries on one engine
// session.
package harness

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TFMV/cardinal/pkg/engine"
	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/hints"
	"github.com/TFMV/cardinal/pkg/infrastructure/metrics"
	"github.com/TFMV/cardinal/pkg/models"
	"github.com/TFMV/cardinal/pkg/statement"
	"github.com/TFMV/cardinal/pkg/stats"
)

// Options configures a Harness.
type Options struct {
	// DefaultRepetitions replaces a zero repetition count.
	DefaultRepetitions int
	// QueryTimeout bounds each explain and each iteration unless the request
	// sets its own timeout. Zero means no bound.
	QueryTimeout time.Duration
	// ExplainAnalyze asks the engine for actual rather than estimated plans.
	ExplainAnalyze bool
}

// Harness runs explain and benchmark calls on a single session. It issues
// one statement at a time and is not safe for concurrent use.
type Harness struct {
	session    engine.Session
	logger     zerolog.Logger
	metrics    metrics.Collector
	classifier *statement.Classifier
	opts       Options
}

// New creates a harness over session. The caller keeps ownership of the
// session and must close it.
func New(session engine.Session, logger zerolog.Logger, collector metrics.Collector, opts Options) *Harness {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	if opts.DefaultRepetitions <= 0 {
		opts.DefaultRepetitions = models.DefaultRepetitions
	}
	return &Harness{
		session:    session,
		logger:     logger.With().Str("component", "harness").Str("engine", session.Engine()).Logger(),
		metrics:    collector,
		classifier: statement.NewClassifier(),
		opts:       opts,
	}
}

// hintDecision is the outcome of resolving a query's hint against the
// session.
type hintDecision struct {
	submitted string
	applied   bool
	degraded  bool
}

// resolveHint decides whether the query's hint can be sent. A missing hint
// extension degrades to the bare query; any other probe failure is returned.
func (h *Harness) resolveHint(ctx context.Context, q models.Query) (hintDecision, error) {
	if !q.HasHint() {
		return hintDecision{submitted: q.SQL}, nil
	}

	err := h.session.HintSupport(ctx)
	switch {
	case err == nil:
		return hintDecision{submitted: hints.Apply(q.Hint, q.SQL), applied: true}, nil
	case cerrors.IsHintUnsupported(err):
		h.logger.Warn().
			Err(err).
			Str("hint", q.Hint).
			Msg("Hint extension unavailable, running query without hint")
		h.metrics.IncrementCounter(metrics.HintDegradations, "engine", h.session.Engine())
		return hintDecision{submitted: q.SQL, degraded: true}, nil
	default:
		return hintDecision{}, err
	}
}

func (h *Harness) timeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return h.opts.QueryTimeout
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func validateQuery(q models.Query) error {
	if strings.TrimSpace(q.SQL) == "" {
		return cerrors.New(cerrors.CodeInvalidRequest, "query is empty")
	}
	return nil
}

// Explain asks the engine for its plan of q, with the hint prepended when
// the engine honors hints.
func (h *Harness) Explain(ctx context.Context, q models.Query) (*models.ExplainResult, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	if err := h.session.Ping(ctx); err != nil {
		return nil, err
	}

	decision, err := h.resolveHint(ctx, q)
	if err != nil {
		return nil, err
	}

	plan, elapsed, err := h.explain(ctx, decision.submitted, h.opts.QueryTimeout)
	if err != nil {
		h.logger.Error().Err(err).Str("query", q.SQL).Msg("Explain failed")
		return nil, err
	}

	h.logger.Debug().
		Str("format", string(plan.Format)).
		Int("plan_nodes", plan.Summary.NodeCount).
		Dur("explain_time", elapsed).
		Bool("hint_applied", decision.applied).
		Msg("Plan captured")

	return &models.ExplainResult{
		Engine:       h.session.Engine(),
		Query:        q,
		SubmittedSQL: decision.submitted,
		Plan:         plan,
		HintApplied:  decision.applied,
		HintDegraded: decision.degraded,
		ExplainTime:  elapsed,
	}, nil
}

func (h *Harness) explain(ctx context.Context, sql string, timeout time.Duration) (models.Plan, time.Duration, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	timer := h.metrics.StartTimer(metrics.ExplainDuration, "engine", h.session.Engine())
	start := time.Now()
	plan, err := h.session.ExplainPlan(ctx, sql, models.ExplainOptions{Analyze: h.opts.ExplainAnalyze})
	elapsed := time.Since(start)
	timer.Stop()
	if err == nil && plan.IsZero() {
		err = cerrors.New(cerrors.CodeQueryFailed, "engine returned no plan")
	}
	return plan, elapsed, err
}

// Benchmark captures the plan once and then executes the query
// req.Repetitions times, one after another on the session. A failing
// iteration ends the run with a *errors.BenchmarkExecutionError holding the
// durations collected before it.
func (h *Harness) Benchmark(ctx context.Context, req models.ExecutionRequest) (*models.BenchmarkResult, error) {
	q := req.Query
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	n := req.EffectiveRepetitions(h.opts.DefaultRepetitions)
	if n < 0 {
		return nil, cerrors.New(cerrors.CodeInvalidRequest, "repetitions must be positive").
			WithDetail("repetitions", req.Repetitions)
	}

	if err := h.session.Ping(ctx); err != nil {
		return nil, err
	}

	if info, err := h.classifier.Analyze(q.SQL); err == nil && !info.IsReadOnly {
		h.logger.Warn().
			Str("statement_type", info.Type.String()).
			Str("complexity", info.Complexity.String()).
			Strs("tables", info.Tables).
			Bool("dangerous", info.IsDangerous).
			Int("repetitions", n).
			Msg("Benchmarking a statement with side effects")
	}

	decision, err := h.resolveHint(ctx, q)
	if err != nil {
		return nil, err
	}

	timeout := h.timeout(req.Timeout)
	plan, _, err := h.explain(ctx, decision.submitted, timeout)
	if err != nil {
		h.logger.Error().Err(err).Str("query", q.SQL).Msg("Plan capture failed")
		return nil, err
	}
	if !req.Verbose {
		plan = plan.Trimmed()
	}

	engineName := h.session.Engine()
	durations := make([]time.Duration, 0, n)
	var rows int64
	startTime := time.Now()

	for i := 0; i < n; i++ {
		d, count, err := h.iterate(ctx, decision.submitted, timeout)
		if err != nil {
			h.metrics.IncrementCounter(metrics.QueryExecutions, "engine", engineName, "status", cerrors.GetCode(err))
			h.metrics.IncrementCounter(metrics.BenchmarkFailures, "engine", engineName)
			h.logger.Error().
				Err(err).
				Int("iteration", i).
				Int("completed", len(durations)).
				Msg("Benchmark iteration failed")

			partial := make([]time.Duration, len(durations))
			copy(partial, durations)
			return nil, &cerrors.BenchmarkExecutionError{
				Query:     decision.submitted,
				Iteration: i,
				Partial:   partial,
				Cause:     err,
			}
		}

		durations = append(durations, d)
		rows = count
		h.metrics.IncrementCounter(metrics.QueryExecutions, "engine", engineName, "status", "ok")
		h.metrics.RecordHistogram(metrics.QueryDuration, d.Seconds(), "engine", engineName)

		if req.Verbose {
			h.logger.Debug().Int("iteration", i).Dur("duration", d).Int64("rows", count).Msg("Iteration complete")
		}
	}

	summary := stats.Summarize(durations)
	h.metrics.RecordGauge(metrics.BenchmarkMean, summary.Mean.Seconds(), "engine", engineName)

	result := &models.BenchmarkResult{
		RunID:        uuid.NewString(),
		Engine:       engineName,
		Query:        q,
		SubmittedSQL: decision.submitted,
		Repetitions:  n,
		Durations:    durations,
		Stats:        summary,
		Plan:         plan,
		HintApplied:  decision.applied,
		HintDegraded: decision.degraded,
		RowCount:     rows,
		StartTime:    startTime,
		EndTime:      time.Now(),
		Environment:  h.session.Environment(ctx),
	}

	h.logger.Info().
		Str("run_id", result.RunID).
		Int("repetitions", n).
		Dur("mean", summary.Mean).
		Dur("min", summary.Min).
		Dur("max", summary.Max).
		Int64("rows", rows).
		Msg("Benchmark complete")

	return result, nil
}

func (h *Harness) iterate(ctx context.Context, sql string, timeout time.Duration) (time.Duration, int64, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rows, err := h.session.Execute(ctx, sql)
	return time.Since(start), rows, err
}
