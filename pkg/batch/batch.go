// Package batch benchmarks every query of a CSV file, each on its own
// session, and writes the file back with timings.
package batch

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TFMV/cardinal/pkg/engine"
	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/harness"
	"github.com/TFMV/cardinal/pkg/hints"
	"github.com/TFMV/cardinal/pkg/infrastructure/metrics"
	"github.com/TFMV/cardinal/pkg/models"
	"github.com/TFMV/cardinal/pkg/stats"
)

// Column names read from and added to the CSV.
const (
	ColumnQuery         = "query"
	ColumnSQLText       = "sql_text"
	ColumnPlanJSON      = "plan_json"
	ColumnExecutionTime = "execution_time_ms"
	ColumnHint          = "hint"
	ColumnError         = "error"
)

const (
	DefaultWorkers     = 4
	DefaultRepetitions = 1
	progressEvery      = 100
)

// SessionFactory opens a fresh session. Each row gets its own.
type SessionFactory func(ctx context.Context) (engine.Session, error)

// EngineFactory opens sessions with engine.Open.
func EngineFactory(cfg engine.Config, logger zerolog.Logger) SessionFactory {
	return func(ctx context.Context) (engine.Session, error) {
		session, err := engine.Open(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

// Options configures a Runner.
type Options struct {
	Workers      int
	Repetitions  int
	UseHints     bool
	QueryTimeout time.Duration
}

// Summary reports how a batch went.
type Summary struct {
	Rows      int           `json:"rows"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Output    string        `json:"output,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Runner executes batches.
type Runner struct {
	open    SessionFactory
	base    zerolog.Logger
	logger  zerolog.Logger
	metrics metrics.Collector
	opts    Options
}

// NewRunner creates a batch runner.
func NewRunner(open SessionFactory, logger zerolog.Logger, collector metrics.Collector, opts Options) *Runner {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Repetitions <= 0 {
		opts.Repetitions = DefaultRepetitions
	}
	return &Runner{
		open:    open,
		base:    logger,
		logger:  logger.With().Str("component", "batch").Logger(),
		metrics: collector,
		opts:    opts,
	}
}

// DefaultOutputPath derives "<base>_with_times<ext>" from the input path.
func DefaultOutputPath(input string) string {
	ext := filepath.Ext(input)
	base := strings.TrimSuffix(input, ext)
	if ext == "" {
		ext = ".csv"
	}
	return base + "_with_times" + ext
}

// RunFile reads input and writes the annotated CSV to output, or to
// DefaultOutputPath(input) when output is empty.
func (r *Runner) RunFile(ctx context.Context, input, output string) (Summary, error) {
	in, err := os.Open(input)
	if err != nil {
		return Summary{}, cerrors.Wrapf(err, cerrors.CodeInvalidRequest, "failed to open %s", input)
	}
	defer in.Close()

	if output == "" {
		output = DefaultOutputPath(input)
	}
	out, err := os.CreateTemp(filepath.Dir(output), "."+filepath.Base(output)+".*")
	if err != nil {
		return Summary{}, cerrors.Wrapf(err, cerrors.CodeInternal, "failed to create %s", output)
	}
	tmp := out.Name()

	summary, err := r.Run(ctx, in, out)
	if err == nil {
		if cerr := out.Chmod(0o644); cerr != nil {
			err = cerrors.Wrapf(cerr, cerrors.CodeInternal, "failed to write %s", output)
		}
	}
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerrors.Wrapf(cerr, cerrors.CodeInternal, "failed to write %s", output)
	}
	if err == nil {
		if rerr := os.Rename(tmp, output); rerr != nil {
			err = cerrors.Wrapf(rerr, cerrors.CodeInternal, "failed to write %s", output)
		}
	}
	if err != nil {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			r.logger.Warn().Err(rmErr).Str("file", tmp).Msg("Failed to remove partial results")
		}
		return summary, err
	}

	summary.Output = output
	r.logger.Info().Str("output", output).Msg("Saved results")
	return summary, nil
}

type task struct {
	sql  string
	plan string
}

type outcome struct {
	meanMs float64
	hint   string
	err    error
}

// Run reads a CSV from in, benchmarks each row and writes the rows to out
// in input order with the timing columns appended. A failing row is
// recorded in its error column and does not stop the batch.
func (r *Runner) Run(ctx context.Context, in io.Reader, out io.Writer) (Summary, error) {
	start := time.Now()

	header, records, err := readCSV(in)
	if err != nil {
		return Summary{}, err
	}
	queryCol := columnIndex(header, ColumnQuery)
	if queryCol < 0 {
		queryCol = columnIndex(header, ColumnSQLText)
	}
	if queryCol < 0 {
		return Summary{}, cerrors.New(cerrors.CodeInvalidRequest,
			fmt.Sprintf("CSV must have a %q or %q column", ColumnQuery, ColumnSQLText))
	}
	planCol := columnIndex(header, ColumnPlanJSON)

	tasks := make([]task, len(records))
	for i, rec := range records {
		tasks[i] = task{sql: field(rec, queryCol), plan: field(rec, planCol)}
	}

	r.logger.Info().
		Int("rows", len(tasks)).
		Int("workers", r.opts.Workers).
		Bool("use_hints", r.opts.UseHints).
		Int("repetitions", r.opts.Repetitions).
		Msg("Processing batch")

	results := make([]outcome, len(tasks))
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for i := range tasks {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.runOne(gctx, i, tasks[i])

			if n := completed.Add(1); n%progressEvery == 0 || int(n) == len(tasks) {
				r.logger.Info().Int64("completed", n).Int("total", len(tasks)).Msg("Batch progress")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		code := cerrors.CodeQueryFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = cerrors.CodeQueryTimeout
		}
		return Summary{}, cerrors.Wrap(err, code, "batch interrupted")
	}

	summary := Summary{Rows: len(tasks)}
	for _, res := range results {
		if res.err != nil {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}

	if err := writeCSV(out, header, records, results); err != nil {
		return summary, cerrors.Wrap(err, cerrors.CodeInternal, "failed to write results")
	}
	summary.Elapsed = time.Since(start)
	return summary, nil
}

func (r *Runner) runOne(ctx context.Context, idx int, t task) outcome {
	logger := r.logger.With().Int("row", idx).Logger()

	if strings.TrimSpace(t.sql) == "" {
		r.metrics.IncrementCounter(metrics.BatchRows, "status", "error")
		return outcome{err: cerrors.New(cerrors.CodeInvalidRequest, "query is empty")}
	}

	var hint string
	if r.opts.UseHints && strings.TrimSpace(t.plan) != "" {
		b, err := hints.FromJSON([]byte(t.plan))
		if err != nil {
			logger.Warn().Err(err).Msg("Plan could not be converted to hints, running without")
		} else {
			hint = b.Hint
		}
	}

	session, err := r.open(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open session")
		r.metrics.IncrementCounter(metrics.BatchRows, "status", "error")
		return outcome{hint: hint, err: err}
	}
	defer session.Close()

	h := harness.New(session, r.base.With().Int("row", idx).Logger(), r.metrics, harness.Options{QueryTimeout: r.opts.QueryTimeout})
	res, err := h.Benchmark(ctx, models.ExecutionRequest{
		Query:       models.NewQuery(t.sql, hint),
		Repetitions: r.opts.Repetitions,
	})
	if err != nil {
		logger.Debug().Err(err).Msg("Row failed")
		r.metrics.IncrementCounter(metrics.BatchRows, "status", "error")
		return outcome{hint: hint, err: err}
	}

	mean := stats.Milliseconds(res.Stats.Mean)
	logger.Debug().Float64("execution_time_ms", mean).Msg("Row complete")
	r.metrics.IncrementCounter(metrics.BatchRows, "status", "ok")
	if !res.HintApplied {
		hint = ""
	}
	return outcome{meanMs: mean, hint: hint}
}

func readCSV(in io.Reader) ([]string, [][]string, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, cerrors.New(cerrors.CodeInvalidRequest, "CSV is empty")
	}
	if err != nil {
		return nil, nil, cerrors.Wrap(err, cerrors.CodeInvalidRequest, "failed to read CSV header")
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, cerrors.Wrap(err, cerrors.CodeInvalidRequest, "failed to read CSV")
	}
	// Short rows are padded on output; longer ones have nowhere to go.
	for i, rec := range records {
		if len(rec) > len(header) {
			return nil, nil, cerrors.New(cerrors.CodeInvalidRequest,
				fmt.Sprintf("CSV record %d has %d fields, header has %d", i+1, len(rec), len(header)))
		}
	}
	return header, records, nil
}

func writeCSV(out io.Writer, header []string, records [][]string, results []outcome) error {
	w := csv.NewWriter(out)

	extended := append(append([]string{}, header...), ColumnExecutionTime, ColumnHint, ColumnError)
	if err := w.Write(extended); err != nil {
		return err
	}

	for i, rec := range records {
		row := make([]string, len(header), len(header)+3)
		copy(row, rec)

		res := results[i]
		timing := ""
		errText := ""
		if res.err != nil {
			errText = res.err.Error()
		} else {
			timing = strconv.FormatFloat(res.meanMs, 'f', 3, 64)
		}
		row = append(row, timing, res.hint, errText)
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func field(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return rec[idx]
}
