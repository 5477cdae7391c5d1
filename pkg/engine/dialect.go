// Package engine provides database sessions and per-engine dialects for
// explaining and executing queries.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/jmoiron/sqlx"

	"github.com/TFMV/cardinal/pkg/models"
)

// Dialect captures what differs between engines: how to ask for a plan,
// whether planner hints are available, and how driver errors map onto the
// error taxonomy.
type Dialect interface {
	// Name is the engine name used in configuration and results.
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	// Explain asks the engine for its own plan of query.
	Explain(ctx context.Context, conn *sqlx.Conn, query string, opts models.ExplainOptions) (models.Plan, error)
	// HintSupport returns nil when hint comments are honored, or an error
	// with code HINT_UNSUPPORTED when they are not.
	HintSupport(ctx context.Context, conn *sqlx.Conn) error
	// Version reports the server version string.
	Version(ctx context.Context, conn *sqlx.Conn) (string, error)
	// Classify maps a driver error to an error code, or "" if unknown.
	Classify(err error) string
}

// versioned is implemented by dialects whose SQL depends on server version.
type versioned interface {
	SetServerVersion(v semver.Version)
}

var dialects = map[string]func() Dialect{
	"postgres":  func() Dialect { return &Postgres{} },
	"duckdb":    func() Dialect { return &DuckDB{} },
	"sqlserver": func() Dialect { return &SQLServer{} },
}

var dialectAliases = map[string]string{
	"postgresql": "postgres",
	"pg":         "postgres",
	"mssql":      "sqlserver",
}

// LookupDialect returns a fresh dialect for name.
func LookupDialect(name string) (Dialect, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := dialectAliases[key]; ok {
		key = alias
	}
	ctor, ok := dialects[key]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (supported: %s)", name, strings.Join(Engines(), ", "))
	}
	return ctor(), nil
}

// Engines lists the supported engine names.
func Engines() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var versionRegex = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)

// ParseServerVersion extracts a semantic version from a server banner such as
// "PostgreSQL 16.2 on x86_64" or "v1.3.0".
func ParseServerVersion(banner string) (semver.Version, error) {
	match := versionRegex.FindString(banner)
	if match == "" {
		return semver.Version{}, fmt.Errorf("could not parse version from %q", banner)
	}
	return semver.ParseTolerant(match)
}

func queryString(ctx context.Context, conn *sqlx.Conn, query string) (string, error) {
	var s string
	if err := conn.QueryRowxContext(ctx, query).Scan(&s); err != nil {
		return "", err
	}
	return s, nil
}
