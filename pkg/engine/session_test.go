package engine

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/DATA-DOG/go-sqlmock.v1"

	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/models"
)

const samplePlan = `[{"Plan":{"Node Type":"Hash Join","Total Cost":42.5,"Plan Rows":100,` +
	`"Plans":[{"Node Type":"Seq Scan","Relation Name":"posts","Alias":"p"},` +
	`{"Node Type":"Hash","Plans":[{"Node Type":"Seq Scan","Relation Name":"users","Alias":"u"}]}]},` +
	`"Planning Time":0.25}]`

func newMockSession(t *testing.T, dialect Dialect) (*SQLSession, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	session, err := NewSession(context.Background(), sqlx.NewDb(mockDB, "sqlmock"), dialect, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)

	t.Cleanup(func() {
		mock.ExpectClose()
		_ = session.Close()
	})
	return session, mock
}

func TestSQLSession_Execute(t *testing.T) {
	session, mock := newMockSession(t, &Postgres{})

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2).AddRow(3))

	count, err := session.Execute(context.Background(), "SELECT id FROM users")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSession_Execute_Errors(t *testing.T) {
	tests := []struct {
		name      string
		driverErr error
		predicate func(error) bool
	}{
		{
			name:      "syntax error",
			driverErr: &pgconn.PgError{Code: "42601", Message: `syntax error at or near "SELEC"`},
			predicate: cerrors.IsQuerySyntax,
		},
		{
			name:      "undefined table",
			driverErr: &pgconn.PgError{Code: "42P01", Message: `relation "nope" does not exist`},
			predicate: cerrors.IsQuerySyntax,
		},
		{
			name:      "statement timeout",
			driverErr: &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"},
			predicate: cerrors.IsTimeout,
		},
		{
			name:      "context deadline",
			driverErr: context.DeadlineExceeded,
			predicate: cerrors.IsTimeout,
		},
		{
			name:      "admin shutdown",
			driverErr: &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"},
			predicate: cerrors.IsConnection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, mock := newMockSession(t, &Postgres{})
			mock.ExpectQuery("SELECT").WillReturnError(tt.driverErr)

			_, err := session.Execute(context.Background(), "SELECT 1")
			require.Error(t, err)
			assert.True(t, tt.predicate(err), "unexpected classification: %v", err)
			assert.True(t, errors.Is(err, tt.driverErr), "driver error must stay reachable")
		})
	}
}

func TestSQLSession_ExplainPlan_Postgres(t *testing.T) {
	session, mock := newMockSession(t, &Postgres{})

	mock.ExpectQuery(regexp.QuoteMeta("EXPLAIN (FORMAT JSON) SELECT * FROM posts p JOIN users u ON p.owner_id = u.id")).
		WillReturnRows(sqlmock.NewRows([]string{"QUERY PLAN"}).AddRow(samplePlan))

	plan, err := session.ExplainPlan(context.Background(), "SELECT * FROM posts p JOIN users u ON p.owner_id = u.id", models.ExplainOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.PlanFormatJSON, plan.Format)
	assert.JSONEq(t, samplePlan, string(plan.Document))
	assert.False(t, plan.Analyzed)
	assert.Equal(t, "Hash Join", plan.Summary.RootNode)
	assert.Equal(t, 4, plan.Summary.NodeCount)
	assert.Equal(t, 42.5, plan.Summary.EstimatedCost)
	assert.Equal(t, 100.0, plan.Summary.EstimatedRows)
	assert.Equal(t, 0.25, plan.Summary.PlanningTimeMs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSession_ExplainPlan_SQLServer(t *testing.T) {
	const showplan = `<ShowPlanXML xmlns="http://schemas.microsoft.com/sqlserver/2004/07/showplan"></ShowPlanXML>`

	t.Run("setting restored", func(t *testing.T) {
		session, mock := newMockSession(t, &SQLServer{})

		mock.ExpectExec("SET SHOWPLAN_XML ON").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).
			WillReturnRows(sqlmock.NewRows([]string{"Microsoft SQL Server 2005 XML Showplan"}).AddRow(showplan))
		mock.ExpectExec("SET SHOWPLAN_XML OFF").WillReturnResult(sqlmock.NewResult(0, 0))

		plan, err := session.ExplainPlan(context.Background(), "SELECT 1", models.ExplainOptions{})
		require.NoError(t, err)
		assert.Equal(t, models.PlanFormatXML, plan.Format)
		assert.Equal(t, showplan, plan.Raw())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hung reset is bounded", func(t *testing.T) {
		prev := showplanResetTimeout
		showplanResetTimeout = 50 * time.Millisecond
		t.Cleanup(func() { showplanResetTimeout = prev })

		session, mock := newMockSession(t, &SQLServer{})

		mock.ExpectExec("SET SHOWPLAN_XML ON").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).
			WillReturnRows(sqlmock.NewRows([]string{"Microsoft SQL Server 2005 XML Showplan"}).AddRow(showplan))
		mock.ExpectExec("SET SHOWPLAN_XML OFF").WillDelayFor(10 * time.Second).WillReturnResult(sqlmock.NewResult(0, 0))

		start := time.Now()
		_, err := session.ExplainPlan(context.Background(), "SELECT 1", models.ExplainOptions{})
		require.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestSQLSession_HintSupport(t *testing.T) {
	t.Run("preloaded", func(t *testing.T) {
		session, mock := newMockSession(t, &Postgres{})
		mock.ExpectQuery(regexp.QuoteMeta(hintSettingProbe)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		assert.NoError(t, session.HintSupport(context.Background()))
		assert.NoError(t, session.HintSupport(context.Background()), "answer is cached")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("loaded on demand", func(t *testing.T) {
		session, mock := newMockSession(t, &Postgres{})
		mock.ExpectQuery(regexp.QuoteMeta(hintSettingProbe)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta(hintExtensionLoad)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(hintSettingProbe)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		assert.NoError(t, session.HintSupport(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not installed", func(t *testing.T) {
		session, mock := newMockSession(t, &Postgres{})
		mock.ExpectQuery(regexp.QuoteMeta(hintSettingProbe)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta(hintExtensionLoad)).
			WillReturnError(&pgconn.PgError{Code: "58P01", Message: `could not access file "pg_hint_plan"`})

		err := session.HintSupport(context.Background())
		assert.True(t, cerrors.IsHintUnsupported(err))

		err = session.HintSupport(context.Background())
		assert.True(t, cerrors.IsHintUnsupported(err), "answer is cached")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("probe failure is not cached", func(t *testing.T) {
		session, mock := newMockSession(t, &Postgres{})
		mock.ExpectQuery(regexp.QuoteMeta(hintSettingProbe)).
			WillReturnError(context.DeadlineExceeded)
		mock.ExpectQuery(regexp.QuoteMeta(hintSettingProbe)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		err := session.HintSupport(context.Background())
		assert.True(t, cerrors.IsTimeout(err))
		assert.NoError(t, session.HintSupport(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLSession_Closed(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	session, err := NewSession(context.Background(), sqlx.NewDb(mockDB, "sqlmock"), &Postgres{}, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, session.Close())
	require.NoError(t, session.Close(), "close is idempotent")

	ctx := context.Background()
	_, err = session.Execute(ctx, "SELECT 1")
	assert.True(t, cerrors.IsConnection(err))

	_, err = session.ExplainPlan(ctx, "SELECT 1", models.ExplainOptions{})
	assert.True(t, cerrors.IsConnection(err))

	assert.True(t, cerrors.IsConnection(session.Ping(ctx)))
	assert.True(t, cerrors.IsConnection(session.HintSupport(ctx)))

	// No statement reached the driver.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSession_Environment(t *testing.T) {
	session, mock := newMockSession(t, &Postgres{})
	mock.ExpectQuery(regexp.QuoteMeta("SHOW server_version")).
		WillReturnRows(sqlmock.NewRows([]string{"server_version"}).AddRow("16.2 (Debian 16.2-1.pgdg120+2)"))

	env := session.Environment(context.Background())
	assert.Equal(t, "postgres", env.Engine)
	assert.Equal(t, "16.2 (Debian 16.2-1.pgdg120+2)", env.EngineVersion)
	assert.NotEmpty(t, env.GoVersion)

	// Second call is served from the cached version.
	env = session.Environment(context.Background())
	assert.Equal(t, "16.2 (Debian 16.2-1.pgdg120+2)", env.EngineVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}
