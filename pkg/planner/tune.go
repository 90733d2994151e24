package planner

import (
	"context"
	"math"
	"sort"

	"github.com/wattplan/wattplan/pkg/planner/metric"
	"github.com/wattplan/wattplan/pkg/planner/simulate"
	"github.com/wattplan/wattplan/pkg/types"
)

// tuner implements component G: per-window fine tuning of charge SoC
// targets and export limits/start times.
type tuner struct {
	inputs  *types.PlanInputs
	carStep map[int]float64
}

func (tn *tuner) weights() metric.Weights {
	cfg := tn.inputs.Config
	rateMinFwd := metric.RateMinForward(tn.inputs.RateImport, tn.inputs.MinutesNow+cfg.ForecastMinutes,
		tn.inputs.MinutesNow+cfg.ForecastMinutes+24*60,
		tn.inputs.Battery.InverterLoss, tn.inputs.Battery.BatteryLoss, tn.inputs.Battery.ChargeRateMaxKW, 0)
	return metric.Weights{
		BatteryValueScaling: cfg.MetricBatteryValueScaling,
		BatteryCycle:        cfg.MetricBatteryCycle,
		SelfSufficiency:     cfg.MetricSelfSufficiency,
		PVMetric10Weight:    cfg.PVMetric10Weight,
		CarbonEnable:        cfg.CarbonEnable,
		CarbonMetric:        cfg.CarbonMetric,
		IBoostScale:         cfg.IBoostScale,
		RateMinFwd:          rateMinFwd,
		RateExportFloor:     cfg.RateExportFloor,
	}
}

func (tn *tuner) score(state types.PlanState, pvStepMid, loadStepMid, pvStep10, loadStep10 map[int]float64) float64 {
	cfg := tn.inputs.Config
	req := simRequestBase(tn.inputs, tn.carStep)
	req.ChargeWindows, req.ChargeLimits = state.ChargeWindows, state.ChargeLimits
	req.ExportWindows, req.ExportLimits = state.ExportWindows, state.ExportLimits
	req.EndRecordMinute, req.StepMinutes = cfg.ForecastMinutes, cfg.StepMinutes

	midReq := req
	midReq.PVStep, midReq.LoadStep = pvStepMid, loadStepMid
	mid := simulate.Run(tn.inputs, midReq)

	p10Req := req
	p10Req.PVStep, p10Req.LoadStep = pvStep10, loadStep10
	p10 := simulate.Run(tn.inputs, p10Req)

	return metric.Evaluate(mid, p10, tn.weights()).Metric
}

// OptimiseChargeLimit implements optimise_charge_limit for window index n
// (§4.G). It mutates state.ChargeLimits[n] in place when it finds an
// accepted improvement and returns the (possibly unchanged) best metric.
func (tn *tuner) OptimiseChargeLimit(ctx context.Context, state *types.PlanState, n int, pvStepMid, loadStepMid, pvStep10, loadStep10 map[int]float64, bestMetric float64) float64 {
	w := state.ChargeWindows[n]
	if w.Locked {
		return bestMetric
	}
	cfg := tn.inputs.Config
	reserve := tn.inputs.Battery.ReserveKWh
	socMax := tn.inputs.Battery.SoCMaxKWh
	floor := math.Max(reserve, cfg.BestSoCMinKWh)

	step := cfg.BestSoCStepKWh
	if step <= 0 {
		step = 0.5
	}

	candidates := []float64{socMax}
	for s := socMax; s >= floor; s -= step {
		candidates = append(candidates, s)
	}
	if cfg.SetChargeFreeze {
		candidates = append(candidates, reserve)
	}
	candidates = dedupeSorted(candidates)

	currentTarget := state.ChargeLimits[n]
	isCharging := currentTarget > reserve

	best := bestMetric
	bestVal := currentTarget
	improved := false

	for _, cand := range candidates {
		trial := state.Clone()
		trial.ChargeLimits[n] = cand
		m := tn.score(trial, pvStepMid, loadStepMid, pvStep10, loadStep10)

		// soft biases to break ties toward stable extremes (§4.G step 4).
		switch {
		case cand == floor:
			m -= 0.003
		case cand == socMax:
			m -= 0.002
		case cfg.SetChargeFreeze && cand == reserve:
			m -= 0.001
		}

		if isCharging && math.Abs(cand-currentTarget) < 0.01 {
			m -= math.Max(0.1, cfg.MetricMinImprovement)
		}

		minImprovementScaled := cfg.MetricMinImprovement * float64(w.Minutes()) / 30.0
		if m+minImprovementScaled <= best {
			best = m
			bestVal = cand
			improved = true
		}
	}

	if improved {
		bestVal += cfg.BestSoCMarginKWh
		if bestVal > socMax {
			bestVal = socMax
		}
		state.ChargeLimits[n] = bestVal
		state.BestMetric = best
	}
	return best
}

// OptimiseExport implements optimise_export for window index n (§4.G),
// including the window-start search.
func (tn *tuner) OptimiseExport(ctx context.Context, state *types.PlanState, n int, pvStepMid, loadStepMid, pvStep10, loadStep10 map[int]float64, bestMetric float64) float64 {
	w := state.ExportWindows[n]
	if w.Locked {
		return bestMetric
	}
	cfg := tn.inputs.Config

	var candidates []float64
	switch {
	case cfg.SetExportFreezeOnly:
		candidates = []float64{100, 99}
	case cfg.SetExportFreeze:
		candidates = []float64{100, 99, 0}
	default:
		candidates = []float64{100, 0}
	}
	if cfg.SetExportLowPower {
		candidates = append(candidates, 0.3, 0.5, 0.7)
	}

	currentLimit := types.DecodeExportLimit(state.ExportLimits[n])
	isRunning := currentLimit.Mode == types.ExportTo

	best := bestMetric
	bestVal := state.ExportLimits[n]
	bestStart := w.Start
	improved := false

	canSlide := currentLimit.Mode != types.ExportOff && currentLimit.Mode != types.ExportFreeze

	starts := []int{w.Start}
	if canSlide {
		for s := w.End - 5; s > w.Start; s -= 5 {
			starts = append(starts, s)
		}
	}

	for _, cand := range candidates {
		for _, start := range starts {
			trial := state.Clone()
			trial.ExportLimits[n] = cand
			trial.ExportWindows = append([]types.Window(nil), state.ExportWindows...)
			trial.ExportWindows[n].Start = start

			m := tn.score(trial, pvStepMid, loadStepMid, pvStep10, loadStep10)

			if isRunning && math.Abs(cand-state.ExportLimits[n]) < 0.01 {
				m -= math.Max(0.5, cfg.MetricMinImprovementExport)
			}

			minImprovementScaled := cfg.MetricMinImprovementExport * float64(w.Minutes()) / 30.0
			if m+minImprovementScaled <= best {
				best = m
				bestVal = cand
				bestStart = start
				improved = true
			}
		}
	}

	if improved {
		state.ExportLimits[n] = bestVal
		state.ExportWindows[n].Start = bestStart
		state.BestMetric = best
	}
	return best
}

// RunSecondPass implements the "Main pass ordering" of §4.G: three
// sub-passes: freeze (export windows, newest first), normal (charge windows,
// highest price first) and low (export windows, lowest price first).
func RunSecondPass(ctx context.Context, inputs *types.PlanInputs, state *types.PlanState, pvStepMid, loadStepMid, pvStep10, loadStep10 map[int]float64, carStep map[int]float64) {
	tn := &tuner{inputs: inputs, carStep: carStep}
	best := state.BestMetric

	// freeze: newest-first, freeze-to-export transitions only.
	order := timeOrderNewestFirst(len(state.ExportWindows), state.ExportWindows)
	for _, j := range order {
		lim := types.DecodeExportLimit(state.ExportLimits[j])
		if lim.Mode != types.ExportFreeze {
			continue
		}
		best = tn.OptimiseExport(ctx, state, j, pvStepMid, loadStepMid, pvStep10, loadStep10, best)
	}

	// normal: charge windows in descending price order; windows already at
	// soc_max are skipped.
	priceOrder := priceOrderDescending(state.ChargeWindows)
	for _, i := range priceOrder {
		if state.ChargeLimits[i] == inputs.Battery.SoCMaxKWh {
			continue
		}
		best = tn.OptimiseChargeLimit(ctx, state, i, pvStepMid, loadStepMid, pvStep10, loadStep10, best)
	}

	// low: ascending price order over export windows whose export limit is
	// currently off (§4.G "low" pass); no price threshold is applied.
	exportPriceOrder := priceOrderDescending(state.ExportWindows)
	for i := len(exportPriceOrder) - 1; i >= 0; i-- {
		j := exportPriceOrder[i]
		lim := types.DecodeExportLimit(state.ExportLimits[j])
		if lim.Mode != types.ExportOff {
			continue
		}
		best = tn.OptimiseExport(ctx, state, j, pvStepMid, loadStepMid, pvStep10, loadStep10, best)
	}

	state.BestMetric = best
}

func timeOrderNewestFirst(n int, windows []types.Window) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return windows[idx[a]].Start > windows[idx[b]].Start })
	return idx
}

func priceOrderDescending(windows []types.Window) []int {
	idx := make([]int, len(windows))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return windows[idx[a]].AverageRate > windows[idx[b]].AverageRate })
	return idx
}

func dedupeSorted(vals []float64) []float64 {
	sort.Sort(sort.Reverse(sort.Float64Slice(vals)))
	out := vals[:0:0]
	var last float64
	first := true
	for _, v := range vals {
		if first || math.Abs(v-last) > 1e-9 {
			out = append(out, v)
			last = v
			first = false
		}
	}
	return out
}
