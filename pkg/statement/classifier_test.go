package statement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifier_Analyze_Type(t *testing.T) {
	classifier := NewClassifier()

	tests := []struct {
		name     string
		sql      string
		expected Type
	}{
		// DDL statements
		{"CREATE TABLE", "CREATE TABLE test (id INT)", TypeDDL},
		{"CREATE INDEX", "CREATE INDEX idx_test ON test(id)", TypeDDL},
		{"DROP TABLE", "DROP TABLE test", TypeDDL},
		{"TRUNCATE", "TRUNCATE TABLE test", TypeDDL},
		{"CREATE lowercase", "create table test3 (id int)", TypeDDL},

		// DML statements
		{"INSERT", "INSERT INTO test VALUES (1)", TypeDML},
		{"UPDATE", "UPDATE test SET id = 2", TypeDML},
		{"DELETE", "DELETE FROM test WHERE id = 1", TypeDML},
		{"MERGE", "MERGE INTO test USING source ON test.id = source.id", TypeDML},
		{"SELECT INTO", "SELECT * INTO new_t FROM t", TypeDML},

		// DQL statements
		{"SELECT", "SELECT * FROM test", TypeDQL},
		{"SELECT 1", "SELECT 1", TypeDQL},
		{"WITH CTE", "WITH cte AS (SELECT * FROM test) SELECT * FROM cte", TypeDQL},
		{"VALUES", "VALUES (1), (2)", TypeDQL},
		{"hinted SELECT", "/*+ SeqScan(t) */\nSELECT * FROM test t", TypeDQL},
		{"line comment prefix", "-- lookup\nSELECT 1", TypeDQL},

		// TCL and DCL
		{"BEGIN", "BEGIN", TypeTCL},
		{"COMMIT", "COMMIT", TypeTCL},
		{"GRANT", "GRANT SELECT ON test TO bob", TypeDCL},
		{"CREATE USER", "CREATE USER alice", TypeDCL},

		// Utility statements
		{"EXPLAIN", "EXPLAIN SELECT * FROM test", TypeUtility},
		{"SET", "SET statement_timeout = 1000", TypeUtility},
		{"PRAGMA", "PRAGMA table_info(test)", TypeUtility},

		{"Unknown statement", "UNKNOWN STATEMENT", TypeOther},
		{"CALL", "CALL archive_orders()", TypeOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := classifier.Analyze(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, info.Type, "Analyze(%q)", tt.sql)
		})
	}
}

func TestClassifier_Analyze_Empty(t *testing.T) {
	classifier := NewClassifier()

	for _, sql := range []string{"", "   ", "-- only a comment", "/*+ SeqScan(t) */"} {
		_, err := classifier.Analyze(sql)
		assert.Error(t, err, "Analyze(%q)", sql)
	}
}

func TestClassifier_Analyze_ReadOnly(t *testing.T) {
	classifier := NewClassifier()

	tests := []struct {
		name     string
		sql      string
		expected bool
	}{
		{"select", "SELECT * FROM users", true},
		{"hinted select", "/*+ HashJoin(a b) */\nSELECT * FROM a JOIN b ON a.id = b.id", true},
		{"cte", "WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"column named like a keyword", "SELECT last_update FROM t", true},
		{"modifying cte", "WITH d AS (DELETE FROM t RETURNING *) SELECT * FROM d", false},
		{"insert", "INSERT INTO t VALUES (1)", false},
		{"ddl", "DROP TABLE t", false},
		{"explain analyze update", "EXPLAIN ANALYZE UPDATE t SET x = 1", false},
		{"explain", "EXPLAIN SELECT * FROM t", true},
		{"show", "SHOW search_path", true},
		{"set", "SET work_mem = '64MB'", false},
		{"vacuum", "VACUUM t", false},
		{"select into", "SELECT * INTO new_t FROM t", false},
		{"sequence advance", "SELECT nextval('orders_id_seq')", false},
		{"call", "CALL archive_orders()", false},
		{"do block", "DO $$ BEGIN DELETE FROM t; END $$", false},
		{"refresh", "REFRESH MATERIALIZED VIEW mv", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := classifier.Analyze(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, info.IsReadOnly, "Analyze(%q)", tt.sql)
		})
	}
}

func TestClassifier_Analyze_Details(t *testing.T) {
	classifier := NewClassifier()

	info, err := classifier.Analyze("SELECT * FROM votes v JOIN posts p ON v.post_id = p.id JOIN users u ON p.owner_id = u.id")
	require.NoError(t, err)
	assert.Equal(t, []string{"votes", "posts", "users"}, info.Tables)
	assert.NotEqual(t, ComplexitySimple, info.Complexity)
	assert.False(t, info.IsDangerous)

	info, err = classifier.Analyze("SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, ComplexitySimple, info.Complexity)
	assert.Empty(t, info.Tables)

	info, err = classifier.Analyze("DELETE FROM users")
	require.NoError(t, err)
	assert.True(t, info.IsDangerous)
}

func TestClassifier_Validate(t *testing.T) {
	classifier := NewClassifier()

	tests := []struct {
		name    string
		sql     string
		wantErr string
	}{
		{"valid", "SELECT count(*) FROM t WHERE name = 'a(b'", ""},
		{"empty", "", "cannot be empty"},
		{"whitespace", "  \n", "only whitespace"},
		{"unbalanced parentheses", "SELECT count(* FROM t", "unbalanced parentheses"},
		{"closing first", "SELECT ) FROM (t", "unbalanced parentheses"},
		{"unbalanced quotes", "SELECT 'abc FROM t", "unbalanced quotes"},
		{"apostrophe in line comment", "SELECT 1 -- it's fine", ""},
		{"apostrophe in block comment", "SELECT /* don't ( */ 1", ""},
		{"nested block comment", "SELECT /* a /* it's */ b */ 1", ""},
		{"dollar quoted body", "DO $$ BEGIN RAISE NOTICE 'it''s ('; END $$", ""},
		{"tagged dollar quote", "SELECT $fn$ can't ) $fn$", ""},
		{"positional parameter", "SELECT * FROM t WHERE id = $1", ""},
		{"quoted identifier", `SELECT "it's" FROM t`, ""},
		{"unterminated dollar quote", "SELECT $$ abc", "unbalanced quotes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifier.Validate(tt.sql)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStripLeadingComments(t *testing.T) {
	assert.Equal(t, "SELECT 1", StripLeadingComments("/*+ SeqScan(t) */\n-- note\n  SELECT 1"))
	assert.Equal(t, "SELECT 1 /* tail */", StripLeadingComments("SELECT 1 /* tail */"))
	assert.Equal(t, "", StripLeadingComments("/* a */ /* b */"))
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "DQL", TypeDQL.String())
	assert.Equal(t, "UTILITY", TypeUtility.String())
	assert.Equal(t, "UNKNOWN", Type(99).String())
	assert.Equal(t, "very_complex", ComplexityVeryComplex.String())
}
