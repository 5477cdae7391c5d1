// Package suite loads named query collections from YAML and runs them.
package suite

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/harness"
	"github.com/TFMV/cardinal/pkg/models"
	"github.com/TFMV/cardinal/pkg/statement"
)

// Entry is one query of a suite with the hint variations to compare.
type Entry struct {
	Name        string   `yaml:"name" json:"name"`
	SQL         string   `yaml:"sql" json:"sql"`
	Category    string   `yaml:"category" json:"category,omitempty"`
	Hints       []string `yaml:"hints" json:"hints,omitempty"`
	Repetitions int      `yaml:"repetitions" json:"repetitions,omitempty"`
}

// Suite is a YAML query collection:
//
//	name: stackoverflow
//	repetitions: 5
//	queries:
//	  - name: top_posts
//	    category: join
//	    sql: SELECT ...
//	    hints:
//	      - /*+ HashJoin(p u) */
type Suite struct {
	Name        string  `yaml:"name" json:"name,omitempty"`
	Repetitions int     `yaml:"repetitions" json:"repetitions,omitempty"`
	Queries     []Entry `yaml:"queries" json:"queries"`
}

// Load reads and validates a suite file.
func Load(path string) (*Suite, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.CodeInvalidRequest, "failed to read suite %s", path)
	}
	return Parse(b)
}

// Parse decodes and validates a suite document.
func Parse(data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInvalidRequest, "failed to parse suite")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks names and SQL text of every entry.
func (s *Suite) Validate() error {
	if len(s.Queries) == 0 {
		return cerrors.New(cerrors.CodeInvalidRequest, "suite has no queries")
	}
	if s.Repetitions < 0 {
		return cerrors.New(cerrors.CodeInvalidRequest, "suite repetitions must not be negative")
	}

	classifier := statement.NewClassifier()
	seen := make(map[string]bool, len(s.Queries))
	for i, q := range s.Queries {
		if strings.TrimSpace(q.Name) == "" {
			return cerrors.New(cerrors.CodeInvalidRequest, fmt.Sprintf("query %d has no name", i))
		}
		if seen[q.Name] {
			return cerrors.New(cerrors.CodeInvalidRequest, fmt.Sprintf("duplicate query name %q", q.Name))
		}
		seen[q.Name] = true

		if q.Repetitions < 0 {
			return cerrors.New(cerrors.CodeInvalidRequest, fmt.Sprintf("query %q: repetitions must not be negative", q.Name))
		}
		if err := classifier.Validate(q.SQL); err != nil {
			return cerrors.Wrapf(err, cerrors.CodeInvalidRequest, "query %q", q.Name)
		}
	}
	return nil
}

// Filter returns the entries whose name or category matches one of names.
// No names selects every entry.
func (s *Suite) Filter(names ...string) []Entry {
	if len(names) == 0 {
		return s.Queries
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out []Entry
	for _, q := range s.Queries {
		if want[q.Name] || (q.Category != "" && want[q.Category]) {
			out = append(out, q)
		}
	}
	return out
}

// Outcome is the comparison of one entry, or the error that stopped it.
type Outcome struct {
	Entry      Entry                    `json:"entry"`
	Comparison *models.ComparisonResult `json:"comparison,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Run compares every selected entry in order on h. An entry error is
// recorded and the run continues unless the session is lost.
func Run(ctx context.Context, h *harness.Harness, s *Suite, logger zerolog.Logger, names ...string) ([]Outcome, error) {
	logger = logger.With().Str("component", "suite").Str("suite", s.Name).Logger()

	entries := s.Filter(names...)
	if len(entries) == 0 {
		return nil, cerrors.New(cerrors.CodeInvalidRequest, "no suite queries match the selection")
	}

	outcomes := make([]Outcome, 0, len(entries))
	for _, e := range entries {
		reps := e.Repetitions
		if reps == 0 {
			reps = s.Repetitions
		}

		logger.Info().Str("query", e.Name).Int("variations", len(e.Hints)).Msg("Running suite query")
		cmp, err := h.Compare(ctx, e.SQL, e.Hints, reps)
		if err != nil {
			outcomes = append(outcomes, Outcome{Entry: e, Error: err.Error()})
			if cerrors.IsConnection(err) {
				return outcomes, err
			}
			logger.Warn().Err(err).Str("query", e.Name).Msg("Suite query failed")
			continue
		}
		outcomes = append(outcomes, Outcome{Entry: e, Comparison: cmp})
	}
	return outcomes, nil
}
