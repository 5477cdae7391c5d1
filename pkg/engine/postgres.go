package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"

	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/models"
)

const (
	hintSettingProbe  = "SELECT count(*) FROM pg_settings WHERE name = 'pg_hint_plan.enable_hint'"
	hintExtensionLoad = "LOAD 'pg_hint_plan'"
)

// Postgres explains with EXPLAIN (FORMAT JSON) and honors pg_hint_plan
// comments when the extension is loaded.
type Postgres struct {
	version semver.Version
}

// Name implements Dialect.
func (p *Postgres) Name() string { return "postgres" }

// DriverName implements Dialect.
func (p *Postgres) DriverName() string { return "pgx" }

// SetServerVersion enables options that depend on the server release.
func (p *Postgres) SetServerVersion(v semver.Version) { p.version = v }

// ExplainStatement builds the EXPLAIN statement submitted for query.
func (p *Postgres) ExplainStatement(query string, opts models.ExplainOptions) string {
	options := []string{"FORMAT JSON"}
	if opts.Analyze {
		options = append(options, "ANALYZE true", "BUFFERS true")
	}
	if p.version.Major >= 12 {
		options = append(options, "SETTINGS true")
	}
	return fmt.Sprintf("EXPLAIN (%s) %s", strings.Join(options, ", "), query)
}

// Explain implements Dialect.
func (p *Postgres) Explain(ctx context.Context, conn *sqlx.Conn, query string, opts models.ExplainOptions) (models.Plan, error) {
	var doc []byte
	if err := conn.QueryRowxContext(ctx, p.ExplainStatement(query, opts)).Scan(&doc); err != nil {
		return models.Plan{}, err
	}

	plan := models.Plan{
		Format:   models.PlanFormatJSON,
		Document: json.RawMessage(doc),
		Analyzed: opts.Analyze,
	}
	summary, err := SummarizePostgresPlan(doc)
	if err == nil {
		plan.Summary = summary
	}
	return plan, nil
}

// HintSupport implements Dialect. The extension is loaded on demand for the
// session when it is installed but not preloaded.
func (p *Postgres) HintSupport(ctx context.Context, conn *sqlx.Conn) error {
	ok, err := p.hintSettingPresent(ctx, conn)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if _, err := conn.ExecContext(ctx, hintExtensionLoad); err != nil {
		return cerrors.Wrap(err, cerrors.CodeHintUnsupported, "pg_hint_plan is not installed")
	}

	ok, err = p.hintSettingPresent(ctx, conn)
	if err != nil {
		return err
	}
	if !ok {
		return cerrors.New(cerrors.CodeHintUnsupported, "pg_hint_plan is not loaded")
	}
	return nil
}

func (p *Postgres) hintSettingPresent(ctx context.Context, conn *sqlx.Conn) (bool, error) {
	var count int
	if err := conn.QueryRowxContext(ctx, hintSettingProbe).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Version implements Dialect.
func (p *Postgres) Version(ctx context.Context, conn *sqlx.Conn) (string, error) {
	return queryString(ctx, conn, "SHOW server_version")
}

// Classify implements Dialect using SQLSTATE classes.
func (p *Postgres) Classify(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014":
			return cerrors.CodeQueryTimeout
		case strings.HasPrefix(pgErr.Code, "42"):
			return cerrors.CodeQuerySyntax
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return cerrors.CodeConnectionFailed
		}
		return cerrors.CodeQueryFailed
	}
	if pgconn.Timeout(err) {
		return cerrors.CodeQueryTimeout
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return cerrors.CodeConnectionFailed
	}
	return ""
}

// SummarizePostgresPlan digests an EXPLAIN (FORMAT JSON) document.
func SummarizePostgresPlan(doc []byte) (models.PlanSummary, error) {
	var entries []struct {
		Plan          map[string]interface{} `json:"Plan"`
		PlanningTime  float64                `json:"Planning Time"`
		ExecutionTime float64                `json:"Execution Time"`
	}
	if err := json.Unmarshal(doc, &entries); err != nil {
		return models.PlanSummary{}, fmt.Errorf("decode plan: %w", err)
	}
	if len(entries) == 0 || entries[0].Plan == nil {
		return models.PlanSummary{}, fmt.Errorf("plan document has no Plan node")
	}

	root := entries[0].Plan
	summary := models.PlanSummary{
		NodeCount:       countPlanNodes(root),
		PlanningTimeMs:  entries[0].PlanningTime,
		ExecutionTimeMs: entries[0].ExecutionTime,
	}
	if nt, ok := root["Node Type"].(string); ok {
		summary.RootNode = nt
	}
	if cost, ok := root["Total Cost"].(float64); ok {
		summary.EstimatedCost = cost
	}
	if rows, ok := root["Plan Rows"].(float64); ok {
		summary.EstimatedRows = rows
	}
	return summary, nil
}

func countPlanNodes(node map[string]interface{}) int {
	n := 1
	children, _ := node["Plans"].([]interface{})
	for _, c := range children {
		if child, ok := c.(map[string]interface{}); ok {
			n += countPlanNodes(child)
		}
	}
	return n
}
