package harness

import (
	"context"
	"fmt"

	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/models"
)

// DefaultStrategy names the unhinted run of a comparison.
const DefaultStrategy = "default"

// Compare benchmarks sql without a hint and then once per hint variation, in
// order, on the same session. A failing strategy is recorded in the result
// and the remaining strategies still run. Errors that make every further
// strategy pointless (an invalid request or a lost connection) are returned.
func (h *Harness) Compare(ctx context.Context, sql string, hintVariations []string, repetitions int) (*models.ComparisonResult, error) {
	if err := validateQuery(models.Query{SQL: sql}); err != nil {
		return nil, err
	}

	result := &models.ComparisonResult{
		Query:      sql,
		Strategies: make([]models.StrategyResult, 0, len(hintVariations)+1),
	}

	run := func(name, hint string) error {
		req := models.ExecutionRequest{
			Query:       models.NewQuery(sql, hint),
			Repetitions: repetitions,
		}
		res, err := h.Benchmark(ctx, req)
		entry := models.StrategyResult{Name: name, Hint: hint, Result: res}
		if err != nil {
			entry.Error = err.Error()
			h.logger.Warn().Err(err).Str("strategy", name).Msg("Strategy failed")
		}
		result.Strategies = append(result.Strategies, entry)

		if cerrors.IsInvalidRequest(err) || (cerrors.IsConnection(err) && !isBenchmarkFailure(err)) {
			return err
		}
		return nil
	}

	if err := run(DefaultStrategy, ""); err != nil {
		return nil, err
	}
	for i, hint := range hintVariations {
		if err := run(fmt.Sprintf("hint_%d", i+1), hint); err != nil {
			return nil, err
		}
	}

	var best *models.StrategyResult
	for i := range result.Strategies {
		s := &result.Strategies[i]
		if s.Result == nil {
			continue
		}
		if best == nil || s.Result.Stats.Mean < best.Result.Stats.Mean {
			best = s
		}
	}
	if best != nil {
		result.Best = best.Name
		h.logger.Info().
			Str("best", best.Name).
			Dur("mean", best.Result.Stats.Mean).
			Int("strategies", len(result.Strategies)).
			Msg("Comparison complete")
	}
	return result, nil
}

func isBenchmarkFailure(err error) bool {
	_, ok := cerrors.AsBenchmarkError(err)
	return ok
}
