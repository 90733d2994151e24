package planner

import (
	"context"
	"log/slog"

	"github.com/wattplan/wattplan/pkg/log"
	"github.com/wattplan/wattplan/pkg/types"
)

// refineRegions implements component F: repeated threshold sweeps over
// shrinking time regions to escape local optima left by the coarse
// (modulo, divide) lattice. Starts at a 16h region, halving down to 1h; the
// optimizer only accepts a region's result if it improves on the running
// best (§4.F).
func refineRegions(ctx context.Context, t *thresholdOptimizer, state types.PlanState, pvStepMid, loadStepMid, pvStep10, loadStep10 map[int]float64, horizonMinutes int) types.PlanState {
	regionSize := 16 * 60
	for regionSize >= 60 {
		stepSize := regionSize / 2
		if stepSize < 60 {
			stepSize = 60
		}

		for re := horizonMinutes; ; re -= stepSize {
			rs := re - regionSize
			if re <= t.inputs.MinutesNow {
				break
			}

			result := t.Sweep(ctx, state, pvStepMid, loadStepMid, pvStep10, loadStep10, rs, re)
			if result.found && result.metric < state.BestMetric {
				log.Ctx(ctx).Debug("region refinement improved plan",
					slog.Int("regionStart", rs), slog.Int("regionEnd", re),
					slog.Float64("oldMetric", state.BestMetric), slog.Float64("newMetric", result.metric),
				)
				state = result.state
			}

			if rs <= t.inputs.MinutesNow {
				break
			}
		}

		regionSize /= 2
	}
	return state
}
