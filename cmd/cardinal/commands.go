package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/cardinal/cmd/cardinal/config"
	"github.com/TFMV/cardinal/pkg/batch"
	"github.com/TFMV/cardinal/pkg/engine"
	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/harness"
	"github.com/TFMV/cardinal/pkg/hints"
	"github.com/TFMV/cardinal/pkg/infrastructure/metrics"
	"github.com/TFMV/cardinal/pkg/models"
	"github.com/TFMV/cardinal/pkg/report"
	"github.com/TFMV/cardinal/pkg/suite"
)

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics metrics.Collector
	out     io.Writer
	closers []func()
}

// newApp loads configuration and sets up logging, metrics and the report
// destination. The caller must call close.
func newApp(cmd *cobra.Command, v *viper.Viper) (*app, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: setupLogging(cfg.LogLevel, cmd.ErrOrStderr()),
		out:    cmd.OutOrStdout(),
	}

	if cfg.OutputFile != "" {
		f, err := os.Create(cfg.OutputFile)
		if err != nil {
			return nil, cerrors.Wrapf(err, cerrors.CodeInvalidRequest, "failed to create %s", cfg.OutputFile)
		}
		a.out = f
		a.closers = append(a.closers, func() {
			if err := f.Close(); err != nil {
				a.logger.Error().Err(err).Str("file", cfg.OutputFile).Msg("Failed to close report file")
			}
		})
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewPrometheusCollector()
		server := metrics.NewMetricsServer(cfg.Metrics.Address, collector.Registry())
		go func() {
			a.logger.Info().Str("address", server.Address()).Msg("Starting metrics server")
			if err := server.Start(); err != nil {
				a.logger.Error().Err(err).Msg("Failed to start metrics server")
			}
		}()
		a.metrics = collector
		a.closers = append(a.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(ctx); err != nil {
				a.logger.Error().Err(err).Msg("Error stopping metrics server")
			}
		})
	} else {
		a.metrics = metrics.NewNoOpCollector()
	}

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) harnessOptions() harness.Options {
	return harness.Options{
		DefaultRepetitions: a.cfg.Repetitions,
		QueryTimeout:       a.cfg.QueryTimeout,
		ExplainAnalyze:     a.cfg.ExplainAnalyze,
	}
}

// withHarness opens a session, runs fn and closes the session on every path.
func withHarness(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, a *app, h *harness.Harness) error) error {
	a, err := newApp(cmd, v)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := engine.Open(ctx, a.cfg.EngineConfig(), a.logger)
	if err != nil {
		return err
	}
	defer session.Close()

	return fn(ctx, a, harness.New(session, a.logger, a.metrics, a.harnessOptions()))
}

// readQuery returns the SQL from --query-file ("-" reads stdin) or the
// positional arguments.
func readQuery(cmd *cobra.Command, args []string) (string, error) {
	path, _ := cmd.Flags().GetString("query-file")
	var sql string
	switch {
	case path == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", cerrors.Wrap(err, cerrors.CodeInvalidRequest, "failed to read query from stdin")
		}
		sql = string(b)
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return "", cerrors.Wrapf(err, cerrors.CodeInvalidRequest, "failed to read query file %s", path)
		}
		sql = string(b)
	default:
		sql = strings.Join(args, " ")
	}

	sql = strings.TrimSpace(sql)
	if sql == "" {
		return "", cerrors.New(cerrors.CodeInvalidRequest, "no query given")
	}
	return sql, nil
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("query-file", "", "read the query from a file (- for stdin)")
	cmd.Flags().String("hint", "", "planner hint comment to prepend, e.g. /*+ SeqScan(t) */")
}

func newExplainCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain [query]",
		Short: "Print the engine's execution plan for a query",
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readQuery(cmd, args)
			if err != nil {
				return err
			}
			hint, _ := cmd.Flags().GetString("hint")

			return withHarness(cmd, v, func(ctx context.Context, a *app, h *harness.Harness) error {
				res, err := h.Explain(ctx, models.NewQuery(sql, hint))
				if err != nil {
					return err
				}
				return report.WriteExplain(a.cfg.Format(), res, a.out)
			})
		},
	}
	addQueryFlags(cmd)
	return cmd
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [query]",
		Short: "Benchmark a query",
		Long: `Capture the plan once, then execute the query --repetitions times in a
row on one connection and report min, max, mean and median run time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readQuery(cmd, args)
			if err != nil {
				return err
			}
			hint, _ := cmd.Flags().GetString("hint")

			return withHarness(cmd, v, func(ctx context.Context, a *app, h *harness.Harness) error {
				res, err := h.Benchmark(ctx, models.ExecutionRequest{
					Query:       models.NewQuery(sql, hint),
					Repetitions: a.cfg.Repetitions,
					Verbose:     a.cfg.Verbose,
				})
				if err != nil {
					if benchErr, ok := cerrors.AsBenchmarkError(err); ok {
						a.logger.Error().
							Int("iteration", benchErr.Iteration).
							Interface("completed_ns", benchErr.Partial).
							Msg("Benchmark stopped early")
					}
					return err
				}
				return report.WriteBenchmark(a.cfg.Format(), res, a.out)
			})
		},
	}
	addQueryFlags(cmd)
	return cmd
}

func newCompareCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare [query]",
		Short: "Benchmark a query with and without hint variations",
		Long: `Benchmark the query as written and once for every --hint given,
then report each strategy and the one with the lowest mean.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readQuery(cmd, args)
			if err != nil {
				return err
			}
			variations, _ := cmd.Flags().GetStringArray("hint")

			return withHarness(cmd, v, func(ctx context.Context, a *app, h *harness.Harness) error {
				res, err := h.Compare(ctx, sql, variations, a.cfg.Repetitions)
				if err != nil {
					return err
				}
				return report.WriteComparison(a.cfg.Format(), res, a.out)
			})
		},
	}
	cmd.Flags().String("query-file", "", "read the query from a file (- for stdin)")
	cmd.Flags().StringArray("hint", nil, "hint variation to compare (repeatable)")
	return cmd
}

func newHintsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hints <plan.json|->",
		Short: "Convert a PostgreSQL JSON plan into pg_hint_plan hints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return cerrors.Wrap(err, cerrors.CodeInvalidRequest, "failed to read plan")
			}

			b, err := hints.FromJSON(data)
			if err != nil {
				return err
			}

			format, err := report.ParseFormat(v.GetString("output"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if format == report.FormatJSON {
				return report.WriteJSON(b, out)
			}

			if b.Hint == "" {
				return cerrors.New(cerrors.CodeInvalidRequest, "plan contains no hintable scans or joins")
			}
			query, _ := cmd.Flags().GetString("query")
			if query != "" {
				_, err = fmt.Fprintln(out, hints.Apply(b.Hint, query))
				return err
			}
			_, err = fmt.Fprintln(out, b.Hint)
			return err
		},
	}
	cmd.Flags().String("query", "", "print the query with the hint prepended")
	return cmd
}

func newBatchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <queries.csv>",
		Short: "Benchmark every query of a CSV file",
		Long: `Read a CSV with a "query" (or "sql_text") column and an optional
"plan_json" column, benchmark each row on its own connection and write the
file back with execution_time_ms, hint and error columns. Each row runs
once unless --repetitions is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, v)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results, _ := cmd.Flags().GetString("results")
			runner := batch.NewRunner(
				batch.EngineFactory(a.cfg.EngineConfig(), a.logger),
				a.logger,
				a.metrics,
				batchOptions(v, a.cfg),
			)
			summary, err := runner.RunFile(ctx, args[0], results)
			if err != nil {
				return err
			}

			if a.cfg.Format() == report.FormatJSON {
				return report.WriteJSON(summary, a.out)
			}
			_, err = fmt.Fprintf(a.out, "Processed %d queries (%d ok, %d failed) in %s\nSaved results to %s\n",
				summary.Rows, summary.Succeeded, summary.Failed, summary.Elapsed.Round(time.Millisecond), summary.Output)
			return err
		},
	}
	cmd.Flags().String("results", "", "output CSV path (default <input>_with_times.csv)")
	cmd.Flags().IntP("workers", "w", config.DefaultBatchWorkers, "queries run in parallel, each on its own connection")
	cmd.Flags().Bool("use-hints", false, "derive hints from the plan_json column")
	if err := v.BindPFlag("workers", cmd.Flags().Lookup("workers")); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	if err := v.BindPFlag("use-hints", cmd.Flags().Lookup("use-hints")); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	return cmd
}

// batchOptions runs each row once unless repetitions were set explicitly
// by flag, environment or config file.
func batchOptions(v *viper.Viper, cfg *config.Config) batch.Options {
	reps := batch.DefaultRepetitions
	if v.IsSet("repetitions") {
		reps = cfg.Repetitions
	}
	return batch.Options{
		Workers:      cfg.Batch.Workers,
		Repetitions:  reps,
		UseHints:     cfg.Batch.UseHints,
		QueryTimeout: cfg.QueryTimeout,
	}
}

func newSuiteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "suite <suite.yaml> [query or category...]",
		Short: "Compare hint variations for every query of a YAML suite",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := suite.Load(args[0])
			if err != nil {
				return err
			}

			return withHarness(cmd, v, func(ctx context.Context, a *app, h *harness.Harness) error {
				outcomes, runErr := suite.Run(ctx, h, s, a.logger, args[1:]...)
				if err := writeSuite(a.cfg.Format(), outcomes, a.out); err != nil {
					return err
				}
				return runErr
			})
		},
	}
}

func writeSuite(format report.Format, outcomes []suite.Outcome, w io.Writer) error {
	switch format {
	case report.FormatJSON:
		return report.WriteJSON(outcomes, w)
	case report.FormatCSV, report.FormatArrow:
		var rows []report.Row
		for _, o := range outcomes {
			if o.Comparison == nil {
				rows = append(rows, report.Row{Name: o.Entry.Name, Error: o.Error})
				continue
			}
			for _, r := range report.FromComparison(o.Comparison) {
				r.Name = o.Entry.Name + "/" + r.Name
				rows = append(rows, r)
			}
		}
		return report.WriteRows(format, rows, w)
	}

	for i, o := range outcomes {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "== %s ==\n", o.Entry.Name); err != nil {
			return err
		}
		if o.Comparison == nil {
			if _, err := fmt.Fprintf(w, "error: %s\n", o.Error); err != nil {
				return err
			}
			continue
		}
		if err := report.WriteComparison(format, o.Comparison, w); err != nil {
			return err
		}
	}
	return nil
}
