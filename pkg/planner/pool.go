// Package planner implements the optimization engine: the price-threshold
// sweep, region refinement, per-window tuning and post-processing that turn
// a set of forecasts and tariffs into a committed charge/export plan.
package planner

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// pool runs a batch of pure simulation tasks, optionally in parallel.
// Threads == 0 runs every task synchronously on the calling goroutine with
// no goroutines spawned at all, matching the threads=0 boundary behavior
// (§8 "threads = 0: identical output to threads = 1").
type pool struct {
	threads int
}

func newPool(threads int) *pool {
	return &pool{threads: threads}
}

// run executes fn(i) for i in [0,n) and returns their results in order.
// Submission order is preserved regardless of completion order, so callers
// comparing results in order get the deterministic "first one wins"
// tie-break the spec requires.
func (p *pool) run(ctx context.Context, n int, fn func(ctx context.Context, i int) (float64, error)) ([]float64, error) {
	results := make([]float64, n)
	if n == 0 {
		return results, nil
	}
	if p.threads == 0 {
		for i := 0; i < n; i++ {
			v, err := fn(ctx, i)
			if err != nil {
				results[i] = posInf
				continue
			}
			results[i] = v
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.threads)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			v, err := fn(gctx, i)
			if err != nil {
				// worker failure: score as +Inf and keep going (§7 Error
				// Handling, "Worker failure"). Failures are not counted and
				// never abort the pass.
				results[i] = posInf
				return nil
			}
			results[i] = v
			return nil
		})
	}
	// g.Wait only returns an error if fn itself returned one, which we
	// never do above, so this is always nil; kept for future task kinds
	// that may legitimately abort the whole pass.
	_ = g.Wait()
	return results, nil
}

const posInf = 1e18
