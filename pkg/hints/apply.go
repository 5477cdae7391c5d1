// Package hints prepends planner hint comments to queries and derives
// pg_hint_plan hints from PostgreSQL plans.
package hints

import "strings"

// Apply returns query with hint prepended verbatim on its own line. A blank
// hint leaves the query unchanged. The hint's syntax is not checked; the
// engine decides whether it is valid.
func Apply(hint, query string) string {
	if strings.TrimSpace(hint) == "" {
		return query
	}
	return hint + "\n" + query
}
