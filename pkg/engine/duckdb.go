package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/marcboeker/go-duckdb/v2"

	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/models"
)

// DuckDB explains with EXPLAIN / EXPLAIN ANALYZE and returns the rendered
// operator tree. DuckDB has no planner hint extension.
type DuckDB struct{}

// Name implements Dialect.
func (d *DuckDB) Name() string { return "duckdb" }

// DriverName implements Dialect.
func (d *DuckDB) DriverName() string { return "duckdb" }

// Explain implements Dialect.
func (d *DuckDB) Explain(ctx context.Context, conn *sqlx.Conn, query string, opts models.ExplainOptions) (models.Plan, error) {
	stmt := "EXPLAIN " + query
	if opts.Analyze {
		stmt = "EXPLAIN ANALYZE " + query
	}

	rows, err := conn.QueryxContext(ctx, stmt)
	if err != nil {
		return models.Plan{}, err
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		cols, err := rows.SliceScan()
		if err != nil {
			return models.Plan{}, err
		}
		// explain_key, explain_value: the tree is in the last column.
		if len(cols) > 0 {
			parts = append(parts, asString(cols[len(cols)-1]))
		}
	}
	if err := rows.Err(); err != nil {
		return models.Plan{}, err
	}

	text := strings.TrimRight(strings.Join(parts, "\n"), "\n")
	return models.Plan{
		Format:   models.PlanFormatText,
		Text:     text,
		Analyzed: opts.Analyze,
		Summary:  SummarizeDuckDBPlan(text),
	}, nil
}

// HintSupport implements Dialect.
func (d *DuckDB) HintSupport(context.Context, *sqlx.Conn) error {
	return cerrors.New(cerrors.CodeHintUnsupported, "duckdb does not support planner hints")
}

// Version implements Dialect.
func (d *DuckDB) Version(ctx context.Context, conn *sqlx.Conn) (string, error) {
	return queryString(ctx, conn, "SELECT version()")
}

// Classify implements Dialect.
func (d *DuckDB) Classify(err error) string {
	var duckErr *duckdb.Error
	if !errors.As(err, &duckErr) {
		return ""
	}
	switch duckErr.Type {
	case duckdb.ErrorTypeParser, duckdb.ErrorTypeSyntax, duckdb.ErrorTypeBinder, duckdb.ErrorTypeCatalog:
		return cerrors.CodeQuerySyntax
	case duckdb.ErrorTypeInterrupt:
		return cerrors.CodeQueryTimeout
	case duckdb.ErrorTypeConnection:
		return cerrors.CodeConnectionFailed
	}
	return cerrors.CodeQueryFailed
}

var (
	duckOperatorLine = regexp.MustCompile(`│\s*([A-Z][A-Z_ ]*[A-Z_])\s*│`)
	duckRowEstimate  = regexp.MustCompile(`~(\d+)\s+[Rr]ows?`)
)

// SummarizeDuckDBPlan extracts the root operator, operator count and the
// root's row estimate from a rendered DuckDB plan.
func SummarizeDuckDBPlan(text string) models.PlanSummary {
	summary := models.PlanSummary{
		NodeCount: strings.Count(text, "┌─"),
	}
	if m := duckOperatorLine.FindStringSubmatch(text); m != nil {
		summary.RootNode = strings.TrimSpace(m[1])
	}
	if m := duckRowEstimate.FindStringSubmatch(text); m != nil {
		if rows, err := strconv.ParseFloat(m[1], 64); err == nil {
			summary.EstimatedRows = rows
		}
	}
	return summary
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
