// Package main provides the cardinal command: explain and benchmark SQL
// queries against PostgreSQL, DuckDB and SQL Server.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/cardinal/cmd/cardinal/config"
	"github.com/TFMV/cardinal/pkg/engine"
	cerrors "github.com/TFMV/cardinal/pkg/errors"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cardinal",
		Short: "Query explain and benchmark harness",
		Long: `Cardinal asks a database engine for its own execution plan of a query
and times repeated executions of it, optionally with pg_hint_plan hints.

Example:
  cardinal explain --engine postgres --dsn postgres://localhost/so "SELECT 1"
  cardinal run -n 10 --hint "/*+ SeqScan(u) */" "SELECT * FROM users u"
  cardinal hints plan.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path")
	flags.StringP("engine", "e", "", "database engine ("+strings.Join(engine.Engines(), ", ")+")")
	flags.String("dsn", "", "connection string")
	flags.Duration("connect-timeout", config.DefaultConnectTimeout, "connection timeout")
	flags.Duration("query-timeout", config.DefaultQueryTimeout, "timeout for each explain and each execution")
	flags.Duration("slow-query-threshold", engine.DefaultSlowQueryThreshold, "log statements slower than this")
	flags.Bool("log-queries", false, "log every statement sent to the engine")
	flags.IntP("repetitions", "n", config.DefaultRepetitions, "executions per benchmark")
	flags.Int("max-repetitions", config.DefaultMaxRepetitions, "upper bound for --repetitions")
	flags.Bool("analyze", false, "request actual (EXPLAIN ANALYZE) plans")
	flags.BoolP("verbose", "v", false, "keep the full plan in benchmark results")
	flags.StringP("output", "o", "table", "output format (table, json, csv, markdown, arrow)")
	flags.String("output-file", "", "write the report to a file instead of stdout")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.Bool("metrics", false, "expose Prometheus metrics while running")
	flags.String("metrics-address", config.DefaultMetricsAddress, "metrics server address")

	// Bind flags to viper
	if err := v.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	v.SetEnvPrefix("CARDINAL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(
		newExplainCmd(v),
		newRunCmd(v),
		newCompareCmd(v),
		newHintsCmd(v),
		newBatchCmd(v),
		newSuiteCmd(v),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Cardinal\n")
				fmt.Fprintf(out, "Version:    %s\n", version)
				fmt.Fprintf(out, "Commit:     %s\n", commit)
				fmt.Fprintf(out, "Build Date: %s\n", buildDate)
			},
		},
	)
	return rootCmd
}

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch cerrors.GetCode(err) {
	case cerrors.CodeInvalidRequest:
		return 2
	case cerrors.CodeConnectionFailed:
		return 3
	case cerrors.CodeQuerySyntax:
		return 4
	case cerrors.CodeQueryTimeout:
		return 5
	case cerrors.CodeBenchmarkFailed:
		return 6
	default:
		return 1
	}
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, cerrors.Wrapf(err, cerrors.CodeInvalidRequest, "failed to read config file %s", configFile)
		}
	}

	cfg := &config.Config{
		Engine:             v.GetString("engine"),
		DSN:                v.GetString("dsn"),
		ConnectTimeout:     v.GetDuration("connect-timeout"),
		SlowQueryThreshold: v.GetDuration("slow-query-threshold"),
		LogQueries:         v.GetBool("log-queries"),
		Repetitions:        v.GetInt("repetitions"),
		MaxRepetitions:     v.GetInt("max-repetitions"),
		QueryTimeout:       v.GetDuration("query-timeout"),
		ExplainAnalyze:     v.GetBool("analyze"),
		Verbose:            v.GetBool("verbose"),
		LogLevel:           v.GetString("log-level"),
		Output:             v.GetString("output"),
		OutputFile:         v.GetString("output-file"),
		Metrics: config.MetricsConfig{
			Enabled: v.GetBool("metrics"),
			Address: v.GetString("metrics-address"),
		},
		Batch: config.BatchConfig{
			Workers:  v.GetInt("workers"),
			UseHints: v.GetBool("use-hints"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInvalidRequest, "invalid configuration")
	}
	return cfg, nil
}

func setupLogging(level string, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			return fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(w).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "cardinal")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}
