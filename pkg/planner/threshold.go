package planner

import (
	"context"
	"log/slog"

	"github.com/wattplan/wattplan/pkg/log"
	"github.com/wattplan/wattplan/pkg/planner/metric"
	"github.com/wattplan/wattplan/pkg/planner/simulate"
	"github.com/wattplan/wattplan/pkg/planner/windowsort"
	"github.com/wattplan/wattplan/pkg/types"
)

// lattice is the (modulo, divide) selection grid the coarse sweep searches,
// exposed as data rather than magic constants per §9 design notes
// ("hard-coded modulo/divide lattice ... expose as configuration").
var lattice = []struct{ modulo, divide int }{
	{2, 96}, {2, 48}, {2, 32}, {2, 16}, {2, 8}, {2, 4}, {2, 3}, {2, 2}, {2, 1},
	{3, 96}, {3, 48}, {3, 32}, {3, 16}, {3, 8}, {3, 4}, {3, 3}, {3, 2}, {3, 1},
	{4, 96}, {4, 48}, {4, 32}, {4, 16}, {4, 8}, {4, 4}, {4, 3}, {4, 2}, {4, 1},
	{6, 96}, {6, 48}, {6, 32}, {6, 16}, {6, 8}, {6, 4}, {6, 3}, {6, 2}, {6, 1},
	{8, 96}, {8, 48}, {8, 32}, {8, 16}, {8, 8}, {8, 4}, {8, 3}, {8, 2}, {8, 1},
	{16, 96}, {16, 48}, {16, 32}, {16, 16}, {16, 8}, {16, 4}, {16, 3}, {16, 2}, {16, 1},
	{32, 96}, {32, 48}, {32, 32}, {32, 16}, {32, 8}, {32, 4}, {32, 3}, {32, 2}, {32, 1},
}

// candidate is one fully-materialized (charge_limits, export_limits) pair
// considered by the threshold sweep, with its dedup hash.
type candidate struct {
	chargeLimits []float64
	exportLimits []float64
	hash         uint64
}

func candidateHash(charge, export []float64) uint64 {
	// 64-bit structural hash over the candidate tuple (§9 design note:
	// "stringly-typed hashes for deduplication ... structural equality over
	// the candidate plan tuple; a 64-bit hash suffices").
	var h uint64 = 14695981039346656037 // FNV-1a offset basis
	mix := func(f float64) {
		bits := uint64(f * 1000)
		h ^= bits
		h *= 1099511628211
	}
	for _, v := range charge {
		mix(v)
	}
	for _, v := range export {
		mix(v)
	}
	return h
}

// thresholdOptimizer implements component E: the first-pass sweep over a
// price threshold and the (modulo, divide) lattice.
type thresholdOptimizer struct {
	inputs *types.PlanInputs
	pool   *pool
	fast   bool
}

// sweepResult is the best candidate found by one call to Sweep, along with
// its metric.
type sweepResult struct {
	state  types.PlanState
	metric float64
	found  bool
}

// Sweep runs component E over the given window set, constrained to the
// region [regionStart, regionEnd) if nonzero-width (used by the region
// refiner, component F); a zero-width region means "the full horizon".
func (t *thresholdOptimizer) Sweep(ctx context.Context, base types.PlanState, pvStepMid, loadStepMid, pvStep10, loadStep10 map[int]float64, regionStart, regionEnd int) sweepResult {
	cfg := t.inputs.Config
	step := cfg.StepMinutes
	if t.fast {
		step = cfg.FastStepMinutes
	}
	carStep := carStepData(t.inputs, step)

	lossRates := windowsort.LossRates{
		InverterLoss:         t.inputs.Battery.InverterLoss,
		BatteryLoss:          t.inputs.Battery.BatteryLoss,
		BatteryLossDischarge: t.inputs.Battery.BatteryLossDischarge,
	}
	chargeRates := make([]float64, len(base.ChargeWindows))
	for i, w := range base.ChargeWindows {
		chargeRates[i] = windowsort.EffectiveChargeRate(w.AverageRate, lossRates)
	}
	exportRates := make([]float64, len(base.ExportWindows))
	for j, w := range base.ExportWindows {
		exportRates[j] = windowsort.EffectiveExportRate(w.AverageRate, lossRates)
	}

	_, _, priceSet, priceLinks := windowsort.SortByPriceCombined(base.ChargeWindows, chargeRates, base.ExportWindows, exportRates, cfg.CalculateExportFirst)
	if len(priceSet) == 0 {
		return sweepResult{}
	}
	thresholds := append([]float64{}, priceSet...)
	thresholds = append(thresholds, priceSet[len(priceSet)-1]-1)

	inRegion := func(w types.Window) bool {
		if regionEnd <= regionStart {
			return true
		}
		return w.Start < regionEnd && w.End > regionStart
	}

	seen := make(map[uint64]bool)
	var candidates []candidate

	// most expensive threshold first, per §4.E.
	for ti := len(thresholds) - 1; ti >= 0; ti-- {
		p := thresholds[ti]

		for _, lat := range lattice {
			candCharge := append([]float64(nil), base.ChargeLimits...)
			candExport := append([]float64(nil), base.ExportLimits...)

			for i, w := range base.ChargeWindows {
				if w.Locked || !inRegion(w) {
					continue
				}
				if chargeRates[i] > p {
					continue
				}
				if chargeRates[i] == p && !subsample(i, lat.modulo, lat.divide) {
					continue
				}
				candCharge[i] = t.inputs.Battery.SoCMaxKWh
			}
			if cfg.CalculateBestExport {
				for j, w := range base.ExportWindows {
					if w.Locked || !inRegion(w) {
						continue
					}
					if exportRates[j] <= p {
						continue
					}
					if exportRates[j] == p && !subsample(j, lat.modulo, lat.divide) {
						continue
					}
					if !cfg.CalculateExportOnCharge && overlapsActiveCharge(w, base.ChargeWindows, candCharge, t.inputs.Battery.ReserveKWh) {
						continue
					}
					candExport[j] = 0
				}
			}

			h := candidateHash(candCharge, candExport)
			if seen[h] {
				continue
			}
			seen[h] = true
			candidates = append(candidates, candidate{chargeLimits: candCharge, exportLimits: candExport, hash: h})
		}
	}

	best := sweepResult{metric: base.BestMetric, found: false}
	if len(candidates) == 0 {
		return best
	}

	rateMinFwd := metric.RateMinForward(t.inputs.RateImport, t.inputs.MinutesNow+cfg.ForecastMinutes,
		t.inputs.MinutesNow+cfg.ForecastMinutes+24*60,
		t.inputs.Battery.InverterLoss, t.inputs.Battery.BatteryLoss, t.inputs.Battery.ChargeRateMaxKW, 0)

	p := t.pool
	if p == nil {
		p = newPool(0)
	}

	// launch both PV percentiles per candidate, in parallel across
	// candidates when a worker pool is configured (§4.E step 4, §5).
	metrics, _ := p.run(ctx, len(candidates), func(_ context.Context, i int) (float64, error) {
		c := candidates[i]
		req := simRequestBase(t.inputs, carStep)
		req.ChargeWindows, req.ChargeLimits = base.ChargeWindows, c.chargeLimits
		req.ExportWindows, req.ExportLimits = base.ExportWindows, c.exportLimits
		req.EndRecordMinute, req.StepMinutes = cfg.ForecastMinutes, step

		midReq := req
		midReq.PVStep, midReq.LoadStep = pvStepMid, loadStepMid
		mid := simulate.Run(t.inputs, midReq)

		p10Req := req
		p10Req.PVStep, p10Req.LoadStep = pvStep10, loadStep10
		p10 := simulate.Run(t.inputs, p10Req)

		res := metric.Evaluate(mid, p10, metric.Weights{
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
		return res.Metric, nil
	})

	for i, m := range metrics {
		if !best.found || m < best.metric {
			best = sweepResult{
				state: types.PlanState{
					ChargeWindows: base.ChargeWindows, ChargeLimits: candidates[i].chargeLimits,
					ExportWindows: base.ExportWindows, ExportLimits: candidates[i].exportLimits,
					BestMetric: m,
				},
				metric: m,
				found:  true,
			}
		}
	}

	log.Ctx(ctx).Debug("threshold sweep complete",
		slog.Int("priceLevels", len(priceSet)),
		slog.Int("latticeSize", len(lattice)),
		slog.Int("candidates", len(candidates)),
		slog.Float64("bestMetric", best.metric),
		slog.Int("priceLinks", len(priceLinks)),
	)

	return best
}

// subsample decides whether index i is included at the boundary price for
// the given (modulo, divide) pair, approximating the source's partial-set
// exploration at a tied threshold (§4.E step 1).
func subsample(i, modulo, divide int) bool {
	if divide <= 0 {
		return true
	}
	return (i % modulo) < (modulo*divide)/96
}

// overlapsActiveCharge reports whether export window w overlaps any
// non-freeze charge window, used to honor calculate_export_oncharge=false
// during candidate construction (§4.E step 2 exclusion rules).
func overlapsActiveCharge(w types.Window, chargeWindows []types.Window, chargeLimits []float64, reserve float64) bool {
	for i, cw := range chargeWindows {
		if chargeLimits[i] <= reserve {
			continue
		}
		if w.Start < cw.End && w.End > cw.Start {
			return true
		}
	}
	return false
}
