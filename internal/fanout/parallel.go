package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"mailrlm/internal/governor"
	"mailrlm/internal/invoker"
	"mailrlm/internal/models"
	"mailrlm/internal/primitives"
)

// Pair is one prompt/context unit of fan-out work.
type Pair struct {
	Prompt  string
	Context string
}

// IsGovernorError reports whether a fan-out abort was caused by a budget or
// depth violation rather than a plain failure.
func IsGovernorError(err error) bool {
	var budgetErr *governor.BudgetExceededError
	var depthErr *governor.DepthExceededError
	return errors.As(err, &budgetErr) || errors.As(err, &depthErr)
}

// ParallelMap fans one prompt out over chunks, building each call's context
// with contextFn. Results keep the chunk order regardless of completion
// order; a failed call leaves its sentinel in its slot. Budget and depth
// violations cancel outstanding work and propagate. maxWorkers defaults
// to 5 when non-positive.
func ParallelMap(ctx context.Context, inv *invoker.Invoker, prompt string, chunks [][]models.EmailRecord, contextFn func([]models.EmailRecord) string, maxWorkers int) ([]string, error) {
	if contextFn == nil {
		contextFn = primitives.BatchExtractSummaries
	}
	pairs := make([]Pair, len(chunks))
	for i, chunk := range chunks {
		pairs[i] = Pair{Prompt: prompt, Context: contextFn(chunk)}
	}
	return ParallelQuery(ctx, inv, pairs, maxWorkers)
}

// ParallelQuery is the lower-level fan-out over pre-built pairs.
func ParallelQuery(ctx context.Context, inv *invoker.Invoker, pairs []Pair, maxWorkers int) ([]string, error) {
	results, _, err := parallelQuery(ctx, inv, pairs, maxWorkers, nil, nil)
	return results, err
}

// parallelQuery runs the pool. skip marks slots already filled (their values
// must be preset in preset); onDone, when set, observes each completed slot
// under the pool's own serialization.
func parallelQuery(ctx context.Context, inv *invoker.Invoker, pairs []Pair, maxWorkers int, skip map[int]bool, onDone func(index int, result string)) ([]string, map[int]bool, error) {
	if maxWorkers <= 0 {
		maxWorkers = 5
	}

	results := make([]string, len(pairs))
	completed := make(map[int]bool, len(pairs))
	for i := range skip {
		completed[i] = true
	}

	var mu sync.Mutex
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for i := range pairs {
		if skip[i] {
			continue
		}
		g.Go(func() error {
			result, err := inv.Invoke(groupCtx, pairs[i].Prompt, pairs[i].Context)
			if err != nil {
				slog.Debug("fan-out worker aborted", "index", i, "error", err)
				return err
			}
			mu.Lock()
			results[i] = result
			completed[i] = true
			if onDone != nil {
				onDone(i, result)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, completed, err
	}
	return results, completed, nil
}
