package harness

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/cardinal/pkg/engine"
	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/infrastructure/metrics"
	"github.com/TFMV/cardinal/pkg/models"
)

func openDuckDBHarness(t *testing.T) (*Harness, *engine.SQLSession) {
	t.Helper()

	logger := zerolog.New(zerolog.NewTestWriter(t))
	session, err := engine.Open(context.Background(), engine.Config{
		Engine:         "duckdb",
		DSN:            ":memory:",
		ConnectTimeout: 5 * time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return New(session, logger, metrics.NewNoOpCollector(), Options{QueryTimeout: 30 * time.Second}), session
}

func TestDuckDB_BenchmarkSelectOne(t *testing.T) {
	h, _ := openDuckDBHarness(t)

	res, err := h.Benchmark(context.Background(), models.ExecutionRequest{
		Query:       models.NewQuery("SELECT 1", ""),
		Repetitions: 3,
		Verbose:     true,
	})
	require.NoError(t, err)

	assert.Len(t, res.Durations, 3)
	for _, d := range res.Durations {
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
	assert.Equal(t, "duckdb", res.Engine)
	assert.Equal(t, models.PlanFormatText, res.Plan.Format)
	assert.NotEmpty(t, res.Plan.Text)
	assert.Equal(t, int64(1), res.RowCount)
	assert.NotEmpty(t, res.Environment.EngineVersion)
}

func TestDuckDB_HintDegrades(t *testing.T) {
	h, _ := openDuckDBHarness(t)
	q := models.NewQuery("SELECT 1", "/*+ SeqScan(t) */")

	explained, err := h.Explain(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, explained.HintDegraded)
	assert.False(t, explained.HintApplied)
	assert.Equal(t, "SELECT 1", explained.SubmittedSQL)

	res, err := h.Benchmark(context.Background(), models.ExecutionRequest{Query: q, Repetitions: 2})
	require.NoError(t, err)
	assert.True(t, res.HintDegraded)
	assert.Len(t, res.Durations, 2)
}

func TestDuckDB_SyntaxError(t *testing.T) {
	h, _ := openDuckDBHarness(t)

	_, err := h.Explain(context.Background(), models.NewQuery("SELEC 1", ""))
	require.Error(t, err)
	assert.True(t, cerrors.IsQuerySyntax(err), "got %v", err)
}

func TestDuckDB_ClosedSession(t *testing.T) {
	h, session := openDuckDBHarness(t)
	require.NoError(t, session.Close())

	_, err := h.Benchmark(context.Background(), models.ExecutionRequest{
		Query:       models.NewQuery("SELECT 1", ""),
		Repetitions: 3,
	})
	require.Error(t, err)
	assert.True(t, cerrors.IsConnection(err))
}

func TestDuckDB_Compare(t *testing.T) {
	h, _ := openDuckDBHarness(t)

	res, err := h.Compare(context.Background(), "SELECT sum(range) FROM range(1000)", []string{"/*+ SeqScan(t) */"}, 2)
	require.NoError(t, err)
	require.Len(t, res.Strategies, 2)
	assert.Equal(t, DefaultStrategy, res.Strategies[0].Name)
	assert.Equal(t, "hint_1", res.Strategies[1].Name)
	assert.True(t, res.Strategies[1].Result.HintDegraded)
	assert.NotEmpty(t, res.Best)
}
