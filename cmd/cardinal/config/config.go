// Package config provides configuration for the cardinal command.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/TFMV/cardinal/pkg/engine"
	"github.com/TFMV/cardinal/pkg/report"
)

// Config represents the command configuration.
type Config struct {
	// Connection settings
	Engine             string        `yaml:"engine" json:"engine"`
	DSN                string        `yaml:"dsn" json:"-"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold"`
	LogQueries         bool          `yaml:"log_queries" json:"log_queries"`

	// Benchmark settings
	Repetitions    int           `yaml:"repetitions" json:"repetitions"`
	MaxRepetitions int           `yaml:"max_repetitions" json:"max_repetitions"`
	QueryTimeout   time.Duration `yaml:"query_timeout" json:"query_timeout"`
	ExplainAnalyze bool          `yaml:"analyze" json:"analyze"`
	Verbose        bool          `yaml:"verbose" json:"verbose"`

	// Output settings
	LogLevel   string `yaml:"log_level" json:"log_level"`
	Output     string `yaml:"output" json:"output"`
	OutputFile string `yaml:"output_file" json:"output_file"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Batch configuration
	Batch BatchConfig `yaml:"batch" json:"batch"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// BatchConfig represents batch execution configuration.
type BatchConfig struct {
	Workers  int  `yaml:"workers" json:"workers"`
	UseHints bool `yaml:"use_hints" json:"use_hints"`
}

// Defaults applied by Validate.
const (
	DefaultRepetitions    = 5
	DefaultMaxRepetitions = 20
	DefaultQueryTimeout   = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultMetricsAddress = ":9090"
	DefaultBatchWorkers   = 4
)

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Engine == "" {
		return fmt.Errorf("engine is required (one of %s)", strings.Join(engine.Engines(), ", "))
	}
	dialect, err := engine.LookupDialect(c.Engine)
	if err != nil {
		return err
	}
	c.Engine = dialect.Name()

	if c.DSN == "" {
		if c.Engine != "duckdb" {
			return fmt.Errorf("dsn is required for %s", c.Engine)
		}
		c.DSN = ":memory:"
	}

	if c.MaxRepetitions <= 0 {
		c.MaxRepetitions = DefaultMaxRepetitions
	}

	if c.Repetitions < 0 {
		return fmt.Errorf("repetitions must be positive, got %d", c.Repetitions)
	}
	if c.Repetitions == 0 {
		c.Repetitions = DefaultRepetitions
	}
	if c.Repetitions > c.MaxRepetitions {
		return fmt.Errorf("repetitions %d exceeds the maximum of %d", c.Repetitions, c.MaxRepetitions)
	}

	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}

	if c.SlowQueryThreshold <= 0 {
		c.SlowQueryThreshold = engine.DefaultSlowQueryThreshold
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Output == "" {
		c.Output = string(report.FormatTable)
	}
	format, err := report.ParseFormat(c.Output)
	if err != nil {
		return err
	}
	c.Output = string(format)

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}

	if c.Batch.Workers <= 0 {
		c.Batch.Workers = DefaultBatchWorkers
	}

	return nil
}

// Format returns the validated output format.
func (c *Config) Format() report.Format {
	return report.Format(c.Output)
}

// EngineConfig returns the session settings.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Engine:             c.Engine,
		DSN:                c.DSN,
		ConnectTimeout:     c.ConnectTimeout,
		SlowQueryThreshold: c.SlowQueryThreshold,
		LogQueries:         c.LogQueries,
	}
}
