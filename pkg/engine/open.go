package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	cerrors "github.com/TFMV/cardinal/pkg/errors"
)

// Config describes how to open a session.
type Config struct {
	Engine             string        `mapstructure:"engine" json:"engine"`
	DSN                string        `mapstructure:"dsn" json:"dsn"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold" json:"slow_query_threshold"`
	LogQueries         bool          `mapstructure:"log_queries" json:"log_queries"`
}

// Open connects to the configured engine, validates the connection and pins
// it in a new session. The caller owns the session and must Close it.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*SQLSession, error) {
	dialect, err := LookupDialect(cfg.Engine)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInvalidRequest, "invalid engine")
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	logger.Debug().
		Str("engine", dialect.Name()).
		Str("dsn", MaskDSN(cfg.DSN)).
		Msg("Opening session")

	db, err := sqlx.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.CodeConnectionFailed, "failed to open %s connection", dialect.Name())
	}

	session, err := NewSession(ctx, db, dialect, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := NewConnectionValidator(logger).Validate(ctx, session.conn); err != nil {
		_ = session.Close()
		return nil, cerrors.Wrapf(err, cerrors.CodeConnectionFailed, "failed to connect to %s at %s", dialect.Name(), MaskDSN(cfg.DSN))
	}

	threshold := cfg.SlowQueryThreshold
	if threshold == 0 {
		threshold = DefaultSlowQueryThreshold
	}
	session.SetQueryLogger(NewQueryLogger(session.logger, threshold, cfg.LogQueries))

	if v, ok := dialect.(versioned); ok {
		env := session.Environment(ctx)
		if sv, err := ParseServerVersion(env.EngineVersion); err == nil {
			v.SetServerVersion(sv)
		} else {
			logger.Debug().Err(err).Msg("Server version not recognized")
		}
	}

	return session, nil
}

// ConnectionValidator checks that a freshly opened connection answers.
type ConnectionValidator struct {
	logger zerolog.Logger
}

// NewConnectionValidator creates a new connection validator.
func NewConnectionValidator(logger zerolog.Logger) *ConnectionValidator {
	return &ConnectionValidator{logger: logger}
}

// Validate pings the connection and runs SELECT 1.
func (cv *ConnectionValidator) Validate(ctx context.Context, conn *sqlx.Conn) error {
	start := time.Now()
	defer func() {
		cv.logger.Debug().
			Dur("validation_duration", time.Since(start)).
			Msg("Connection validation completed")
	}()

	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var result int
	if err := conn.QueryRowxContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("query test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("query test returned unexpected result: %d", result)
	}
	return nil
}
