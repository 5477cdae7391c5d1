package engine

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/models"
)

// Session is a single dedicated database connection. Calls are expected to
// be issued sequentially by one owner; a Session makes no promise about
// concurrent in-flight statements.
type Session interface {
	// Engine returns the dialect name.
	Engine() string
	// Execute runs sql for real, drains every row and returns the row count.
	Execute(ctx context.Context, sql string) (int64, error)
	// ExplainPlan asks the engine for its plan of sql.
	ExplainPlan(ctx context.Context, sql string, opts models.ExplainOptions) (models.Plan, error)
	// HintSupport returns nil when hint comments are honored.
	HintSupport(ctx context.Context) error
	// Ping checks that the connection is usable.
	Ping(ctx context.Context) error
	// Environment describes the engine and host.
	Environment(ctx context.Context) models.Environment
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// SQLSession implements Session over one pinned sqlx connection.
type SQLSession struct {
	db          *sqlx.DB
	conn        *sqlx.Conn
	dialect     Dialect
	logger      zerolog.Logger
	queryLogger *QueryLogger

	closed atomic.Bool

	hintChecked bool
	hintErr     error
	version     string
}

// NewSession pins a connection from db. The pool is limited to that one
// connection so no statement can run on another.
func NewSession(ctx context.Context, db *sqlx.DB, dialect Dialect, logger zerolog.Logger) (*SQLSession, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeConnectionFailed, "failed to acquire connection")
	}

	logger = logger.With().Str("component", "session").Str("engine", dialect.Name()).Logger()
	return &SQLSession{
		db:          db,
		conn:        conn,
		dialect:     dialect,
		logger:      logger,
		queryLogger: NewQueryLogger(logger, DefaultSlowQueryThreshold, true),
	}, nil
}

// SetQueryLogger replaces the slow-query logger.
func (s *SQLSession) SetQueryLogger(ql *QueryLogger) {
	s.queryLogger = ql
}

// Engine implements Session.
func (s *SQLSession) Engine() string {
	return s.dialect.Name()
}

// Dialect returns the session's dialect.
func (s *SQLSession) Dialect() Dialect {
	return s.dialect
}

func (s *SQLSession) checkOpen() error {
	if s.closed.Load() {
		return cerrors.New(cerrors.CodeConnectionFailed, "session is closed")
	}
	return nil
}

// Execute implements Session.
func (s *SQLSession) Execute(ctx context.Context, sql string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	start := time.Now()
	count, err := s.drain(ctx, sql)
	s.queryLogger.LogQuery(sql, time.Since(start), err)
	if err != nil {
		return count, wrapError(err, s.dialect, "execute")
	}
	return count, nil
}

func (s *SQLSession) drain(ctx context.Context, sql string) (int64, error) {
	rows, err := s.conn.QueryxContext(ctx, sql)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		count++
	}
	return count, rows.Err()
}

// ExplainPlan implements Session.
func (s *SQLSession) ExplainPlan(ctx context.Context, sql string, opts models.ExplainOptions) (models.Plan, error) {
	if err := s.checkOpen(); err != nil {
		return models.Plan{}, err
	}

	start := time.Now()
	plan, err := s.dialect.Explain(ctx, s.conn, sql, opts)
	s.queryLogger.LogQuery("EXPLAIN "+sql, time.Since(start), err)
	if err != nil {
		return models.Plan{}, wrapError(err, s.dialect, "explain")
	}
	return plan, nil
}

// HintSupport implements Session. A definite answer is cached for the
// lifetime of the session; probe failures are not.
func (s *SQLSession) HintSupport(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.hintChecked {
		return s.hintErr
	}

	err := s.dialect.HintSupport(ctx, s.conn)
	if err != nil && !cerrors.IsHintUnsupported(err) {
		return wrapError(err, s.dialect, "hint probe")
	}

	s.hintChecked = true
	s.hintErr = err
	return err
}

// Ping implements Session.
func (s *SQLSession) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.conn.PingContext(ctx); err != nil {
		return cerrors.Wrap(err, cerrors.CodeConnectionFailed, "ping failed")
	}
	return nil
}

// Environment implements Session. The server version is looked up once.
func (s *SQLSession) Environment(ctx context.Context) models.Environment {
	if s.version == "" && !s.closed.Load() {
		v, err := s.dialect.Version(ctx, s.conn)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Server version lookup failed")
		} else {
			s.version = v
		}
	}
	return models.Environment{
		Engine:        s.dialect.Name(),
		EngineVersion: s.version,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
	}
}

// Close implements Session.
func (s *SQLSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	if err := s.conn.Close(); err != nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		s.logger.Warn().Err(firstErr).Msg("Error closing session")
	}
	return firstErr
}
