package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/wattplan/wattplan/pkg/log"
	"github.com/wattplan/wattplan/pkg/planner/gridstep"
	"github.com/wattplan/wattplan/pkg/planner/metric"
	"github.com/wattplan/wattplan/pkg/planner/simulate"
	"github.com/wattplan/wattplan/pkg/types"
)

// Orchestrator drives components A through H in the documented order each
// recompute tick, compares the result against the previously committed
// plan, and commits or reverts (component I). It is the planner's single
// long-lived, stateful piece; everything it calls is a pure function of its
// arguments (§9 design note: split the source's god-object into
// PlanInputs/PlanState/Simulator).
type Orchestrator struct {
	previous *types.PlanOutputs
}

// NewOrchestrator creates an Orchestrator with no prior committed plan.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{}
}

// Tick runs one recompute per §4.I. It never mutates inputs.
func (o *Orchestrator) Tick(ctx context.Context, inputs *types.PlanInputs) (types.PlanOutputs, error) {
	cfg := inputs.Config
	if cfg.ForecastMinutes <= 0 {
		return types.PlanOutputs{PlanValid: true}, nil
	}

	// step 1: time-advance. Drop windows whose end has already passed; a
	// day-wrap (caller-detected) forces a full recompute by simply
	// discarding o.previous before calling Tick, so there is nothing further
	// to do here beyond dropping stale windows from the carried-forward
	// state, which does not apply on a fresh PlanInputs.

	state, err := seedWindows(inputs)
	if err != nil {
		return types.PlanOutputs{}, fmt.Errorf("seed windows: %w", err)
	}
	lockManualOverrideWindows(inputs, &state)

	endRecord := computeEndRecord(inputs)

	cloudMid, cloudP10 := gridstep.PVCloudFactors(cfg.MetricCloudFactor)

	pvStepMidCoarse := gridstep.StepData(inputs.PVForecastMinute, inputs.MinutesNow, cfg.ForecastMinutes, cfg.FastStepMinutes, 1, 1, cloudMid)
	loadStepCoarse := gridstep.StepData(inputs.LoadMinutes, inputs.MinutesNow, cfg.ForecastMinutes, cfg.FastStepMinutes, 1, 1, 1)
	pvStep10Coarse := gridstep.StepData(inputs.PVForecastMinute10, inputs.MinutesNow, cfg.ForecastMinutes, cfg.FastStepMinutes, 1, 1, cloudP10)

	tOpt := &thresholdOptimizer{inputs: inputs, fast: true, pool: newPool(cfg.Threads)}

	// step 5: first pass, fast mode, full horizon.
	if cfg.CalculateBestCharge || cfg.CalculateBestExport {
		if res := tOpt.Sweep(ctx, state, pvStepMidCoarse, loadStepCoarse, pvStep10Coarse, loadStepCoarse, 0, 0); res.found {
			state = res.state
		}
	}

	// step 6: region refinement.
	if cfg.CalculateRegions {
		state = refineRegions(ctx, tOpt, state, pvStepMidCoarse, loadStepCoarse, pvStep10Coarse, loadStepCoarse, inputs.MinutesNow+cfg.ForecastMinutes)
	}

	// step 7: recompute end_record now that the best charge threshold is
	// known; here that just means re-deriving it from the now-populated
	// charge windows.
	endRecord = computeEndRecordFromState(inputs, state, endRecord)

	pvStepMid := gridstep.StepData(inputs.PVForecastMinute, inputs.MinutesNow, cfg.ForecastMinutes, cfg.StepMinutes, 1, 1, cloudMid)
	loadStep := gridstep.StepData(inputs.LoadMinutes, inputs.MinutesNow, cfg.ForecastMinutes, cfg.StepMinutes, 1, 1, 1)
	pvStep10 := gridstep.StepData(inputs.PVForecastMinute10, inputs.MinutesNow, cfg.ForecastMinutes, cfg.StepMinutes, 1, 1, cloudP10)
	carStepFine := carStepData(inputs, cfg.StepMinutes)

	// step 8: second pass, fine-grained per-window tuning.
	RunSecondPass(ctx, inputs, &state, pvStepMid, loadStep, pvStep10, loadStep, carStepFine)

	// step 9: optional tweak_plan, one more strict-improvement-only pass
	// over up to 8 time-ordered windows.
	if cfg.CalculateTweakPlan {
		tweakPlan(ctx, inputs, &state, pvStepMid, loadStep, pvStep10, loadStep, carStepFine, 8)
	}

	// step 10: post-process.
	PostProcess(ctx, inputs, &state, pvStepMid, loadStep, carStepFine)

	if err := validatePlan(inputs, state); err != nil {
		log.Ctx(ctx).Warn("plan failed consistency check, reverting", slog.String("error", err.Error()))
		if o.previous != nil {
			return *o.previous, nil
		}
		return types.PlanOutputs{PlanValid: false, StatusMessage: err.Error()}, nil
	}

	// step 11: compare against the previous committed plan; revert if the
	// improvement is below the noise floor.
	if o.previous != nil && o.previous.BestMetric-state.BestMetric < 0.1 {
		log.Ctx(ctx).Debug("improvement below threshold, reverting to previous plan",
			slog.Float64("previousMetric", o.previous.BestMetric),
			slog.Float64("newMetric", state.BestMetric),
		)
		return *o.previous, nil
	}

	// step 12: final simulations for reportable series.
	finalMidReq := simRequestBase(inputs, carStepFine)
	finalMidReq.ChargeWindows, finalMidReq.ChargeLimits = state.ChargeWindows, state.ChargeLimits
	finalMidReq.ExportWindows, finalMidReq.ExportLimits = state.ExportWindows, state.ExportLimits
	finalMidReq.PVStep, finalMidReq.LoadStep = pvStepMid, loadStep
	finalMidReq.EndRecordMinute, finalMidReq.StepMinutes, finalMidReq.RecordSeries = endRecord, cfg.StepMinutes, true
	finalMid := simulate.Run(inputs, finalMidReq)

	finalP10Req := finalMidReq
	finalP10Req.PVStep = pvStep10
	finalP10 := simulate.Run(inputs, finalP10Req)

	rateMinFwd := metric.RateMinForward(inputs.RateImport, inputs.MinutesNow+endRecord,
		inputs.MinutesNow+cfg.ForecastMinutes+24*60,
		inputs.Battery.InverterLoss, inputs.Battery.BatteryLoss, inputs.Battery.ChargeRateMaxKW, 0)

	metricResult := metric.Evaluate(finalMid, finalP10, metric.Weights{
		BatteryValueScaling: cfg.MetricBatteryValueScaling,
		BatteryCycle:        cfg.MetricBatteryCycle,
		SelfSufficiency:     cfg.MetricSelfSufficiency,
		PVMetric10Weight:    cfg.PVMetric10Weight,
		CarbonEnable:        cfg.CarbonEnable,
		CarbonMetric:        cfg.CarbonMetric,
		IBoostScale:         cfg.IBoostScale,
		RateMinFwd:          rateMinFwd,
		RateExportFloor:     cfg.RateExportFloor,
	})

	out := types.PlanOutputs{
		ChargeWindowBest: state.ChargeWindows,
		ChargeLimitBest:  state.ChargeLimits,
		ExportWindowBest: state.ExportWindows,
		ExportLimitsBest: state.ExportLimits,

		BestMetric:        metricResult.Metric,
		BestCost:          finalMid.Cost,
		BestCycleKWh:      finalMid.BatteryCycleKWh,
		BestCarbonGrams:   finalMid.FinalCarbonGrams,
		BestImportKWh:     finalMid.ImportToHouse + finalMid.ImportToBattery,
		BestResidualValue: metricResult.BatteryValueMid,
		SoCMinKWh:         finalMid.SoCMinKWh,
		SoCMinMinute:      finalMid.SoCMinMinute,
		EndRecordMinute:   endRecord,

		Series: map[string]types.PredictionSeries{
			"best":   finalMid.Series,
			"best10": finalP10.Series,
		},

		ChargeLimitPercentBest: percentOf(state.ChargeLimits, inputs.Battery.SoCMaxKWh),

		PlanValid:       true,
		PlanLastUpdated: inputs.MinutesNow,
	}

	// step 13 is implicit: o.previous now holds this tick's committed plan.
	o.previous = &out
	return out, nil
}

// seedWindows implements §4.I step 2: seed charge/export windows from the
// tariff low/high slot lists, with limits initialized to "no change yet".
func seedWindows(inputs *types.PlanInputs) (types.PlanState, error) {
	if inputs.MinutesNow < 0 {
		return types.PlanState{}, fmt.Errorf("minutes_now must be non-negative, got %d", inputs.MinutesNow)
	}

	state := types.PlanState{}
	for _, slot := range inputs.LowRates {
		if slot.End <= slot.Start {
			return types.PlanState{}, fmt.Errorf("malformed tariff slot: end %d <= start %d", slot.End, slot.Start)
		}
		if slot.End <= inputs.MinutesNow {
			continue
		}
		state.ChargeWindows = append(state.ChargeWindows, types.Window{
			Start: max(slot.Start, inputs.MinutesNow), End: slot.End, AverageRate: slot.AverageRate,
		})
		state.ChargeLimits = append(state.ChargeLimits, projectedCurrentLimit(inputs))
	}
	for _, slot := range inputs.HighExportRates {
		if slot.End <= slot.Start {
			return types.PlanState{}, fmt.Errorf("malformed tariff slot: end %d <= start %d", slot.End, slot.Start)
		}
		if slot.End <= inputs.MinutesNow {
			continue
		}
		state.ExportWindows = append(state.ExportWindows, types.Window{
			Start: max(slot.Start, inputs.MinutesNow), End: slot.End, AverageRate: slot.AverageRate,
		})
		state.ExportLimits = append(state.ExportLimits, 100)
	}
	addOverrideWindows(inputs, &state)
	return state, nil
}

// projectedCurrentLimit returns the initial seed limit for a charge window
// (§4.I step 2). It always returns 0 (window off): PlanInputs carries no
// current inverter charge limit, so none is projected.
func projectedCurrentLimit(inputs *types.PlanInputs) float64 {
	return 0
}

// addOverrideWindows synthesizes charge/export windows for manual-override
// start minutes the tariff slot lists (low_rates/high_export_rates) never
// covered — e.g. a manual_freeze_charge slot outside the cheap-rate window —
// so invariant 6 ("a window marked in manual_overrides is immutable") has a
// window to apply to at all. Contiguous override minutes one step apart are
// grouped into a single window, the same way a tariff slot already spans
// several steps.
func addOverrideWindows(inputs *types.PlanInputs, state *types.PlanState) {
	ov := inputs.Overrides
	step := inputs.Config.StepMinutes
	if step <= 0 {
		step = 5
	}

	chargeMaps := []map[int]bool{ov.ChargeTimes, ov.FreezeChargeTimes, ov.DemandTimes, ov.AllTimes}
	for _, start := range overrideStarts(inputs.MinutesNow, chargeMaps...) {
		if windowAt(state.ChargeWindows, start) {
			continue
		}
		if start > inputs.MinutesNow && isAnyOverride(start-step, chargeMaps...) {
			continue // continuation of a run already covered by an earlier start
		}
		end := start + step
		for isAnyOverride(end, chargeMaps...) && !windowAt(state.ChargeWindows, end) {
			end += step
		}
		state.ChargeWindows = append(state.ChargeWindows, types.Window{Start: start, End: end})
		state.ChargeLimits = append(state.ChargeLimits, 0)
	}
	sortWindowsByStart(state.ChargeWindows, state.ChargeLimits)

	exportMaps := []map[int]bool{ov.ExportTimes, ov.FreezeExportTimes, ov.AllTimes}
	for _, start := range overrideStarts(inputs.MinutesNow, exportMaps...) {
		if windowAt(state.ExportWindows, start) {
			continue
		}
		if start > inputs.MinutesNow && isAnyOverride(start-step, exportMaps...) {
			continue // continuation of a run already covered by an earlier start
		}
		end := start + step
		for isAnyOverride(end, exportMaps...) && !windowAt(state.ExportWindows, end) {
			end += step
		}
		state.ExportWindows = append(state.ExportWindows, types.Window{Start: start, End: end})
		state.ExportLimits = append(state.ExportLimits, 100)
	}
	sortWindowsByStart(state.ExportWindows, state.ExportLimits)
}

// windowAt reports whether windows already has an entry starting exactly at
// start.
func windowAt(windows []types.Window, start int) bool {
	for _, w := range windows {
		if w.Start == start {
			return true
		}
	}
	return false
}

// overrideStarts returns the sorted, de-duplicated set of override minutes
// at or after minutesNow across the given maps.
func overrideStarts(minutesNow int, maps ...map[int]bool) []int {
	set := make(map[int]bool)
	for _, m := range maps {
		for k := range m {
			if k >= minutesNow {
				set[k] = true
			}
		}
	}
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func isAnyOverride(m int, maps ...map[int]bool) bool {
	for _, mp := range maps {
		if mp[m] {
			return true
		}
	}
	return false
}

// sortWindowsByStart re-sorts windows and their parallel limits by Start in
// place, restoring invariant 1 after addOverrideWindows appends synthesized
// entries out of order.
func sortWindowsByStart(windows []types.Window, limits []float64) {
	idx := make([]int, len(windows))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return windows[idx[a]].Start < windows[idx[b]].Start })
	sortedW := make([]types.Window, len(windows))
	sortedL := make([]float64, len(limits))
	for i, j := range idx {
		sortedW[i] = windows[j]
		sortedL[i] = limits[j]
	}
	copy(windows, sortedW)
	copy(limits, sortedL)
}

// lockManualOverrideWindows marks Locked on every seeded window (tariff-
// backed or synthesized by addOverrideWindows) whose start is in one of the
// six manual maps, before any optimizer or post-process pass runs. Locking
// here — rather than only inside applyManualOverrides, which runs after
// mergeAdjacent/discardUnused — keeps these windows out of
// mergeChargeList/mergeExportList and every tuner pass, not just the final
// clip/merge step.
func lockManualOverrideWindows(inputs *types.PlanInputs, state *types.PlanState) {
	ov := inputs.Overrides
	for i := range state.ChargeWindows {
		if ov.Locked(state.ChargeWindows[i].Start) {
			state.ChargeWindows[i].Locked = true
		}
	}
	for j := range state.ExportWindows {
		if ov.Locked(state.ExportWindows[j].Start) {
			state.ExportWindows[j].Locked = true
		}
	}
}

// carStepData resamples every car's scheduled charging slots onto the step
// grid, summing kWh across all cars per step bucket; mirrors
// gridstep.StepData's bucket semantics but over the sparse CarCharging slot
// input rather than a dense per-minute series (§4.B "net house demand").
func carStepData(inputs *types.PlanInputs, step int) map[int]float64 {
	if step <= 0 {
		step = 1
	}
	horizonMinutes := inputs.Config.ForecastMinutes
	steps := horizonMinutes / step
	out := make(map[int]float64)
	for _, slots := range inputs.CarCharging {
		for _, slot := range slots {
			if slot.End <= slot.Start || slot.KWh <= 0 {
				continue
			}
			perMinute := slot.KWh / float64(slot.End-slot.Start)
			for k := 0; k <= steps; k++ {
				bucketStart := inputs.MinutesNow + k*step
				bucketEnd := bucketStart + step
				if bucketStart >= inputs.MinutesNow+horizonMinutes {
					break
				}
				overlapStart := max(bucketStart, slot.Start)
				overlapEnd := min(bucketEnd, slot.End)
				if overlapEnd > overlapStart {
					out[k] += perMinute * float64(overlapEnd-overlapStart)
				}
			}
		}
	}
	return out
}

// simRequestBase builds the config-driven fields every simulate.Request
// across the optimizer passes must carry — car-charging load and iBoost
// diversion — so no call site can silently leave them zero-valued (§4.B
// edge cases).
func simRequestBase(inputs *types.PlanInputs, carStep map[int]float64) simulate.Request {
	cfg := inputs.Config
	return simulate.Request{
		CarChargingStep:        carStep,
		CarChargingFromBattery: cfg.CarChargingFromBattery,
		IBoostEnable:           cfg.IBoostEnable,
		IBoostMaxPowerKW:       cfg.IBoostMaxPowerKW,
		IBoostMinSurplusKW:     cfg.IBoostMinPVSurplusKW,
		IBoostFromGrid:         cfg.IBoostFromGrid,
	}
}

// computeEndRecord derives end_record = min(forecast_minutes,
// forecast_plan_hours*60) (§4.I step 3). It does not add the start of the
// next charge window and does not bound the result by max_charge_windows;
// computeEndRecordFromState later extends it from the optimised windows.
func computeEndRecord(inputs *types.PlanInputs) int {
	cfg := inputs.Config
	endRecord := cfg.ForecastMinutes
	planHorizon := cfg.ForecastPlanHours * 60
	if planHorizon > 0 && planHorizon < endRecord {
		endRecord = planHorizon
	}
	return endRecord
}

// computeEndRecordFromState re-derives end_record from the charge windows
// the optimizer enabled (§4.I step 7): it extends fallback to the latest end
// (relative to minutes_now) among the first max_charge_windows enabled
// windows, ignoring any window that ends past forecast_minutes.
func computeEndRecordFromState(inputs *types.PlanInputs, state types.PlanState, fallback int) int {
	cfg := inputs.Config
	limit := fallback
	count := 0
	for i, w := range state.ChargeWindows {
		if state.ChargeLimits[i] <= 0 {
			continue
		}
		count++
		if cfg.MaxChargeWindows > 0 && count > cfg.MaxChargeWindows {
			break
		}
		end := w.End - inputs.MinutesNow
		if end > limit && end <= cfg.ForecastMinutes {
			limit = end
		}
	}
	return limit
}

// tweakPlan implements the optional one-more time-ordered pass of up to n
// windows, accepting only strict improvements (§4.I step 9).
func tweakPlan(ctx context.Context, inputs *types.PlanInputs, state *types.PlanState, pvStepMid, loadStep, pvStep10, loadStep10 map[int]float64, carStep map[int]float64, n int) {
	tn := &tuner{inputs: inputs, carStep: carStep}
	best := state.BestMetric
	count := 0
	for i := range state.ChargeWindows {
		if count >= n {
			break
		}
		trial := state.Clone()
		m := tn.OptimiseChargeLimit(ctx, &trial, i, pvStepMid, loadStep, pvStep10, loadStep10, best)
		if m < best {
			best = m
			*state = trial
		}
		count++
	}
	state.BestMetric = best
}

// validatePlan checks the post-condition invariants after H; a violation
// aborts the tick per §7 "Consistency" error kind.
func validatePlan(inputs *types.PlanInputs, state types.PlanState) error {
	for i := 1; i < len(state.ChargeWindows); i++ {
		if state.ChargeWindows[i-1].End > state.ChargeWindows[i].Start {
			return fmt.Errorf("overlapping charge windows at index %d", i)
		}
	}
	for j := 1; j < len(state.ExportWindows); j++ {
		if state.ExportWindows[j-1].End > state.ExportWindows[j].Start {
			return fmt.Errorf("overlapping export windows at index %d", j)
		}
	}
	reserve := inputs.Battery.ReserveKWh
	socMax := inputs.Battery.SoCMaxKWh
	for i, l := range state.ChargeLimits {
		if l != 0 && (l < reserve || l > socMax) {
			return fmt.Errorf("charge limit %d out of bounds: %f", i, l)
		}
	}
	for m := range state.ExportLimits {
		dec := types.DecodeExportLimit(state.ExportLimits[m])
		if dec.TargetPct < 0 || dec.TargetPct > 100 {
			return fmt.Errorf("export limit %d out of bounds: %f", m, state.ExportLimits[m])
		}
	}
	return nil
}

func percentOf(limits []float64, socMax float64) []int {
	if socMax <= 0 {
		return make([]int, len(limits))
	}
	out := make([]int, len(limits))
	for i, l := range limits {
		out[i] = int(100 * l / socMax)
	}
	return out
}
