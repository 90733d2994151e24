package planner

import (
	"context"
	"log/slog"

	"github.com/wattplan/wattplan/pkg/log"
	"github.com/wattplan/wattplan/pkg/planner/simulate"
	"github.com/wattplan/wattplan/pkg/types"
)

// PostProcess runs component H in this order: overlap removal, discarding
// unused windows, charge then export clipping, merging, a second discard,
// manual overrides, then target-value publication (§4.H; §4.I step 10 lists the order as
// "overlap -> discard -> clip -> merge -> discard -> finalize targets").
func PostProcess(ctx context.Context, inputs *types.PlanInputs, state *types.PlanState, pvStepMid, loadStepMid map[int]float64, carStep map[int]float64) {
	removeOverlaps(inputs, state)
	discardUnused(state)
	clipCharge(inputs, state, pvStepMid, loadStepMid, carStep)
	clipExport(inputs, state, pvStepMid, loadStepMid, carStep)
	mergeAdjacent(state)
	discardUnused(state)
	applyManualOverrides(inputs, state)
	publishTargets(state)

	log.Ctx(ctx).Debug("post-processing complete",
		slog.Int("chargeWindows", len(state.ChargeWindows)),
		slog.Int("exportWindows", len(state.ExportWindows)),
	)
}

// removeOverlaps cancels any charge window that overlaps an active
// (non-freeze) export window, then cancels any export window wholly inside
// an active charge window. Ties are broken by leaving the
// first-set-in-final-ordering window intact, i.e. the charge window loses
// to an export window that was already accepted earlier in the optimizer
// passes (§4.H step 2).
func removeOverlaps(inputs *types.PlanInputs, state *types.PlanState) {
	reserve := inputs.Battery.ReserveKWh

	for i, cw := range state.ChargeWindows {
		if state.ChargeLimits[i] <= reserve || cw.Locked {
			continue
		}
		for j, ew := range state.ExportWindows {
			lim := types.DecodeExportLimit(state.ExportLimits[j])
			if lim.Mode == types.ExportOff || lim.Mode == types.ExportFreeze {
				continue
			}
			if cw.Start < ew.End && cw.End > ew.Start {
				state.ChargeLimits[i] = 0
				break
			}
		}
	}

	for j, ew := range state.ExportWindows {
		if ew.Locked {
			continue
		}
		lim := types.DecodeExportLimit(state.ExportLimits[j])
		if lim.Mode == types.ExportOff {
			continue
		}
		for i, cw := range state.ChargeWindows {
			if state.ChargeLimits[i] <= reserve || cw.Locked {
				continue
			}
			if ew.Start >= cw.Start && ew.End <= cw.End {
				state.ExportLimits[j] = 100
				break
			}
		}
	}
}

// applyManualOverrides forces the limit for every window whose start is in
// one of the six manual maps and marks it immutable (§4.H step 3, invariant
// 6).
func applyManualOverrides(inputs *types.PlanInputs, state *types.PlanState) {
	ov := inputs.Overrides
	reserve := inputs.Battery.ReserveKWh
	socMax := inputs.Battery.SoCMaxKWh

	for i := range state.ChargeWindows {
		start := state.ChargeWindows[i].Start
		switch {
		case ov.FreezeChargeTimes[start] || ov.AllTimes[start]:
			state.ChargeLimits[i] = reserve
			state.ChargeWindows[i].Locked = true
		case ov.ChargeTimes[start]:
			state.ChargeLimits[i] = socMax
			state.ChargeWindows[i].Locked = true
		case ov.DemandTimes[start]:
			state.ChargeLimits[i] = 0
			state.ChargeWindows[i].Locked = true
		}
	}
	for j := range state.ExportWindows {
		start := state.ExportWindows[j].Start
		switch {
		case ov.FreezeExportTimes[start] || ov.AllTimes[start]:
			state.ExportLimits[j] = 99
			state.ExportWindows[j].Locked = true
		case ov.ExportTimes[start]:
			state.ExportLimits[j] = 0
			state.ExportWindows[j].Locked = true
		}
	}
}

// clipCharge re-derives the SoC reached inside each window from a
// simulation trace: a window whose lowest SoC stays more than 1% above its
// target is disabled, and a limit the trace never reaches is pinned to the
// highest SoC reached, which is also recorded as the window's TargetKWh
// (§4.H step 4).
func clipCharge(inputs *types.PlanInputs, state *types.PlanState, pvStep, loadStep map[int]float64, carStep map[int]float64) {
	cfg := inputs.Config
	reserve := inputs.Battery.ReserveKWh
	socMax := inputs.Battery.SoCMaxKWh

	req := simRequestBase(inputs, carStep)
	req.ChargeWindows, req.ChargeLimits = state.ChargeWindows, state.ChargeLimits
	req.ExportWindows, req.ExportLimits = state.ExportWindows, state.ExportLimits
	req.PVStep, req.LoadStep = pvStep, loadStep
	req.EndRecordMinute, req.StepMinutes, req.RecordSeries = cfg.ForecastMinutes, cfg.StepMinutes, true
	result := simulate.Run(inputs, req)
	if len(result.Series.SoCKWh) == 0 {
		return
	}

	step := cfg.StepMinutes
	for i, w := range state.ChargeWindows {
		if state.ChargeWindows[i].Locked || state.ChargeLimits[i] <= reserve {
			continue
		}
		startK := (w.Start - inputs.MinutesNow) / step
		endK := (w.End - inputs.MinutesNow) / step
		if startK < 0 {
			startK = 0
		}
		if endK > len(result.Series.SoCKWh) {
			endK = len(result.Series.SoCKWh)
		}
		if startK >= endK {
			continue
		}
		var achievedMax float64
		achievedMin := result.Series.SoCKWh[startK]
		for k := startK; k < endK; k++ {
			if result.Series.SoCKWh[k] > achievedMax {
				achievedMax = result.Series.SoCKWh[k]
			}
			if result.Series.SoCKWh[k] < achievedMin {
				achievedMin = result.Series.SoCKWh[k]
			}
		}
		target := state.ChargeLimits[i]
		targetPct := 100 * target / socMax
		if 100*achievedMin/socMax > targetPct+1 {
			// SoC never comes down to the target inside the window.
			state.ChargeLimits[i] = 0
			continue
		}
		state.ChargeWindows[i].TargetKWh = achievedMax
		if achievedMax < target {
			state.ChargeLimits[i] = achievedMax
		}
	}
}

// clipExport disables export windows whose SoC trace never drops below
// target, and when the window starts more than ten minutes of full-rate
// discharge below its target, moves the limit's target percent down to the
// starting SoC minus that margin, keeping any low-power fraction (§4.H step 5).
func clipExport(inputs *types.PlanInputs, state *types.PlanState, pvStep, loadStep map[int]float64, carStep map[int]float64) {
	cfg := inputs.Config
	socMax := inputs.Battery.SoCMaxKWh
	rateD := inputs.Battery.DischargeRateMaxKW

	req := simRequestBase(inputs, carStep)
	req.ChargeWindows, req.ChargeLimits = state.ChargeWindows, state.ChargeLimits
	req.ExportWindows, req.ExportLimits = state.ExportWindows, state.ExportLimits
	req.PVStep, req.LoadStep = pvStep, loadStep
	req.EndRecordMinute, req.StepMinutes, req.RecordSeries = cfg.ForecastMinutes, cfg.StepMinutes, true
	result := simulate.Run(inputs, req)
	if len(result.Series.SoCKWh) == 0 {
		return
	}

	step := cfg.StepMinutes
	for j, w := range state.ExportWindows {
		if state.ExportWindows[j].Locked {
			continue
		}
		lim := types.DecodeExportLimit(state.ExportLimits[j])
		if lim.Mode != types.ExportTo {
			continue
		}
		startK := (w.Start - inputs.MinutesNow) / step
		endK := (w.End - inputs.MinutesNow) / step
		if startK < 0 {
			startK = 0
		}
		if endK > len(result.Series.SoCKWh) {
			endK = len(result.Series.SoCKWh)
		}
		if startK >= endK {
			continue
		}

		target := socMax * lim.TargetPct / 100.0
		startSoC := result.Series.SoCKWh[startK]
		minSoC := startSoC
		for k := startK; k < endK; k++ {
			if result.Series.SoCKWh[k] < minSoC {
				minSoC = result.Series.SoCKWh[k]
			}
		}

		if minSoC > target {
			state.ExportLimits[j] = 100
			continue
		}
		margin := 10.0 / 60.0 * rateD
		if startSoC < target-margin {
			raised := startSoC - margin
			if raised < 0 {
				raised = 0
			}
			lim.TargetPct = float64(int(100 * raised / socMax))
			state.ExportLimits[j] = lim.Encode()
		}
	}
}

// mergeAdjacent combines two adjacent enabled windows that share a boundary
// and the same limit, per §4.H step 6. The merge-tie-break open question
// (spec §9) is resolved by the literal condition recorded in DESIGN.md:
// the second window's limit wins only if it is strictly greater and the
// first window never reached its own target.
func mergeAdjacent(state *types.PlanState) {
	state.ChargeWindows, state.ChargeLimits = mergeChargeList(state.ChargeWindows, state.ChargeLimits)
	state.ExportWindows, state.ExportLimits = mergeExportList(state.ExportWindows, state.ExportLimits)
}

func mergeChargeList(windows []types.Window, limits []float64) ([]types.Window, []float64) {
	if len(windows) == 0 {
		return windows, limits
	}
	outW := []types.Window{windows[0]}
	outL := []float64{limits[0]}
	for i := 1; i < len(windows); i++ {
		w := windows[i]
		last := &outW[len(outW)-1]
		lastLimit := outL[len(outL)-1]
		sameLimit := lastLimit == limits[i]
		samePrice := last.AverageRate == w.AverageRate
		firstNeverReachedTarget := last.TargetKWh < lastLimit
		canMerge := last.End == w.Start && !last.Locked && !w.Locked &&
			((sameLimit && samePrice) || (firstNeverReachedTarget && limits[i] > lastLimit))

		if canMerge {
			last.End = w.End
			if limits[i] > lastLimit {
				outL[len(outL)-1] = limits[i]
			}
			continue
		}
		outW = append(outW, w)
		outL = append(outL, limits[i])
	}
	return outW, outL
}

func mergeExportList(windows []types.Window, limits []float64) ([]types.Window, []float64) {
	if len(windows) == 0 {
		return windows, limits
	}
	outW := []types.Window{windows[0]}
	outL := []float64{limits[0]}
	for i := 1; i < len(windows); i++ {
		w := windows[i]
		last := &outW[len(outW)-1]
		lastLimit := outL[len(outL)-1]
		if last.End == w.Start && !last.Locked && !w.Locked && lastLimit == limits[i] {
			last.End = w.End
			continue
		}
		outW = append(outW, w)
		outL = append(outL, limits[i])
	}
	return outW, outL
}

// discardUnused removes charge windows with limit 0 and export windows with
// limit 100, unless they were manually placed (§4.H step 7).
func discardUnused(state *types.PlanState) {
	var keptW []types.Window
	var keptL []float64
	for i, w := range state.ChargeWindows {
		if state.ChargeLimits[i] == 0 && !w.Locked {
			continue
		}
		keptW = append(keptW, w)
		keptL = append(keptL, state.ChargeLimits[i])
	}
	state.ChargeWindows, state.ChargeLimits = keptW, keptL

	keptW = nil
	keptL = nil
	for j, w := range state.ExportWindows {
		lim := types.DecodeExportLimit(state.ExportLimits[j])
		if lim.Mode == types.ExportOff && !w.Locked {
			continue
		}
		keptW = append(keptW, w)
		keptL = append(keptL, state.ExportLimits[j])
	}
	state.ExportWindows, state.ExportLimits = keptW, keptL
}

// publishTargets copies the committed limits into each window's TargetKWh
// field for downstream reporting (§4.H step 1).
func publishTargets(state *types.PlanState) {
	for i := range state.ChargeWindows {
		state.ChargeWindows[i].TargetKWh = state.ChargeLimits[i]
	}
	for j := range state.ExportWindows {
		state.ExportWindows[j].TargetKWh = state.ExportLimits[j]
	}
}
