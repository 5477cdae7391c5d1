package suite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/cardinal/pkg/engine"
	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/harness"
	"github.com/TFMV/cardinal/pkg/infrastructure/metrics"
)

const sampleSuite = `
name: smoke
repetitions: 2
queries:
  - name: constant
    category: trivial
    sql: SELECT 1
  - name: range_sum
    category: aggregate
    sql: SELECT sum(range) FROM range(1000)
    repetitions: 3
    hints:
      - /*+ SeqScan(range) */
  - name: broken
    category: aggregate
    sql: SELEC 1
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sampleSuite))
	require.NoError(t, err)

	assert.Equal(t, "smoke", s.Name)
	assert.Equal(t, 2, s.Repetitions)
	require.Len(t, s.Queries, 3)
	assert.Equal(t, "range_sum", s.Queries[1].Name)
	assert.Equal(t, []string{"/*+ SeqScan(range) */"}, s.Queries[1].Hints)
	assert.Equal(t, 3, s.Queries[1].Repetitions)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "queries: [\n"},
		{"unknown field", "queries:\n  - name: a\n    sql: SELECT 1\n    timeout: 5\n"},
		{"no queries", "name: empty\n"},
		{"missing name", "queries:\n  - sql: SELECT 1\n"},
		{"duplicate name", "queries:\n  - name: a\n    sql: SELECT 1\n  - name: a\n    sql: SELECT 2\n"},
		{"empty sql", "queries:\n  - name: a\n    sql: '  '\n"},
		{"unbalanced parentheses", "queries:\n  - name: a\n    sql: SELECT count(1\n"},
		{"negative repetitions", "repetitions: -1\nqueries:\n  - name: a\n    sql: SELECT 1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, cerrors.IsInvalidRequest(err), "got %v", err)
		})
	}
}

func TestParse_CommentsAndDollarQuotes(t *testing.T) {
	doc := `
queries:
  - name: commented
    sql: |
      -- don't scan the archive (yet
      SELECT 1 /* it's cheap */
  - name: function_body
    sql: SELECT $body$ can't ) $body$
`
	s, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, s.Queries, 2)
	assert.Contains(t, s.Queries[0].SQL, "don't")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSuite), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, s.Queries, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalidRequest(err))
}

func TestFilter(t *testing.T) {
	s, err := Parse([]byte(sampleSuite))
	require.NoError(t, err)

	tests := []struct {
		name  string
		names []string
		want  []string
	}{
		{"everything", nil, []string{"constant", "range_sum", "broken"}},
		{"by name", []string{"constant"}, []string{"constant"}},
		{"by category", []string{"aggregate"}, []string{"range_sum", "broken"}},
		{"no match", []string{"nope"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range s.Filter(tt.names...) {
				got = append(got, e.Name)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRun_DuckDB(t *testing.T) {
	s, err := Parse([]byte(sampleSuite))
	require.NoError(t, err)

	logger := zerolog.New(zerolog.NewTestWriter(t))
	session, err := engine.Open(context.Background(), engine.Config{
		Engine:         "duckdb",
		DSN:            ":memory:",
		ConnectTimeout: 5 * time.Second,
	}, logger)
	require.NoError(t, err)
	defer session.Close()

	h := harness.New(session, logger, metrics.NewNoOpCollector(), harness.Options{})
	outcomes, err := Run(context.Background(), h, s, logger)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	constant := outcomes[0].Comparison
	require.NotNil(t, constant)
	require.Len(t, constant.Strategies, 1)
	assert.Len(t, constant.Strategies[0].Result.Durations, 2, "suite repetitions apply")

	rangeSum := outcomes[1].Comparison
	require.NotNil(t, rangeSum)
	require.Len(t, rangeSum.Strategies, 2)
	assert.Len(t, rangeSum.Strategies[0].Result.Durations, 3, "entry repetitions win")
	assert.True(t, rangeSum.Strategies[1].Result.HintDegraded)

	broken := outcomes[2].Comparison
	require.NotNil(t, broken, "a failing strategy is recorded in the comparison")
	assert.Empty(t, broken.Best)
	assert.Contains(t, broken.Strategies[0].Error, "QUERY_SYNTAX")
}

func TestRun_NoMatch(t *testing.T) {
	s, err := Parse([]byte(sampleSuite))
	require.NoError(t, err)

	_, err = Run(context.Background(), nil, s, zerolog.New(zerolog.NewTestWriter(t)), "nope")
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalidRequest(err))
}
