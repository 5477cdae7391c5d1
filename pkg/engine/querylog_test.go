package engine

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestMaskDSN(t *testing.T) {
	tests := []struct {
		name     string
		dsn      string
		expected string
	}{
		{"empty", "", ""},
		{"memory", ":memory:", ":memory:"},
		{"file path", "/data/stack.duckdb", "/data/stack.duckdb"},
		{"postgres url", "postgres://app:s3cret@db:5432/stack?sslmode=disable", "postgres://app:*****@db:5432/stack?sslmode=disable"},
		{"url without password", "postgres://app@db/stack", "postgres://app@db/stack"},
		{"sqlserver url", "sqlserver://sa@db:1433?database=stack&password=x", "sqlserver://sa@db:1433?database=stack&password=%2A%2A%2A%2A%2A"},
		{"keyword dsn", "host=db user=app password=s3cret dbname=stack", "host=db user=app password=***** dbname=stack"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskDSN(tt.dsn))
		})
	}
}

func TestTruncateQuery(t *testing.T) {
	assert.Equal(t, "SELECT 1 FROM t", truncateQuery("SELECT 1\n  FROM t"))

	long := "SELECT " + strings.Repeat("x, ", 60) + "1"
	out := truncateQuery(long)
	assert.Len(t, out, 103)
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestQueryLogger(t *testing.T) {
	tests := []struct {
		name      string
		enabled   bool
		duration  time.Duration
		err       error
		wantSlow  bool
		wantEmpty bool
	}{
		{name: "disabled", enabled: false, duration: time.Hour, wantEmpty: true},
		{name: "fast", enabled: true, duration: time.Millisecond},
		{name: "slow", enabled: true, duration: 2 * time.Second, wantSlow: true},
		{name: "failed", enabled: true, duration: time.Millisecond, err: fmt.Errorf("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			ql := NewQueryLogger(zerolog.New(&buf).Level(zerolog.DebugLevel), time.Second, tt.enabled)
			ql.LogQuery("SELECT 1", tt.duration, tt.err)

			if tt.wantEmpty {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), `"query":"SELECT 1"`)
			assert.Equal(t, tt.wantSlow, strings.Contains(buf.String(), `"slow_query":true`))
			assert.Equal(t, tt.err != nil, strings.Contains(buf.String(), "boom"))
		})
	}

	var nilLogger *QueryLogger
	assert.NotPanics(t, func() { nilLogger.LogQuery("SELECT 1", time.Second, nil) })
}
