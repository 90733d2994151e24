// Package metric combines a mid-PV and a p10-PV prediction into the single
// scalar the optimizer passes compare candidates by (component C).
package metric

import (
	"math"

	"github.com/wattplan/wattplan/pkg/types"
)

// Weights carries the scalar weights from PlanConfig that the formula in
// §4.C needs, so callers don't have to pass the whole config around.
type Weights struct {
	BatteryValueScaling float64
	BatteryCycle        float64
	SelfSufficiency     float64
	PVMetric10Weight    float64
	CarbonEnable        bool
	CarbonMetric        float64

	// IBoostScale weights the virtual hot-water store's residual kWh
	// alongside final_soc in the battery_value term (§4.C).
	IBoostScale float64

	// RateMinFwd is the minimum forward import rate from end_record onward,
	// de-rated by inverter+battery losses, already clamped by the caller to
	// [0, rate_max*losses - cycle_cost] (§4.C).
	RateMinFwd float64
	// RateExportFloor is the configured floor on the battery_value
	// multiplier alongside RateMinFwd and 1.0 (§4.C).
	RateExportFloor float64
}

// Result is the breakdown behind one scalar metric value, kept for
// diagnostics and tests; only Metric is used for comparisons.
type Result struct {
	BatteryValueMid float64
	MetricMid       float64
	MetricP10       float64
	RiskComponent   float64
	CarbonComponent float64
	SelfSuff        float64
	CycleComponent  float64
	Metric          float64
}

// Evaluate combines mid and p10 prediction results into one scalar per the
// formula in spec §4.C.
func Evaluate(mid, p10 types.PredictionResult, w Weights) Result {
	valueFloor := math.Max(w.RateMinFwd, math.Max(1.0, w.RateExportFloor))

	batteryValueMid := (mid.FinalSoCKWh*w.BatteryValueScaling + mid.FinalIBoostKWh*w.IBoostScale) * valueFloor
	batteryValueP10 := (p10.FinalSoCKWh*w.BatteryValueScaling + p10.FinalIBoostKWh*w.IBoostScale) * valueFloor

	metricMid := mid.Cost - batteryValueMid
	metricP10 := p10.Cost - batteryValueP10

	risk := metricP10 - metricMid
	if risk < 0 {
		risk = 0
	}
	risk *= w.PVMetric10Weight

	var carbonComponent float64
	if w.CarbonEnable {
		carbonComponent = (mid.FinalCarbonGrams / 1000) * w.CarbonMetric
	}

	selfSuff := (mid.ImportToHouse + mid.ImportToBattery) * w.SelfSufficiency
	cycle := mid.BatteryCycleKWh*w.BatteryCycle + mid.KeepPenalty

	total := metricMid + risk + carbonComponent + selfSuff + cycle

	return Result{
		BatteryValueMid: batteryValueMid,
		MetricMid:       metricMid,
		MetricP10:       metricP10,
		RiskComponent:   risk,
		CarbonComponent: carbonComponent,
		SelfSuff:        selfSuff,
		CycleComponent:  cycle,
		Metric:          total,
	}
}

// RateMinForward computes the minimum forward import rate from endRecord
// onward, de-rated by inverter+battery losses and clamped to
// [0, rateMax*losses-cycleCost] as described in §4.C.
func RateMinForward(rateImport map[int]float64, fromMinute, horizonMinutes int, invLoss, battLoss, rateMax, cycleCost float64) float64 {
	min := rateMax
	found := false
	for m := fromMinute; m < horizonMinutes; m++ {
		r, ok := rateImport[m]
		if !ok {
			continue
		}
		found = true
		if r < min {
			min = r
		}
	}
	if !found {
		min = rateMax
	}
	derated := min * invLoss * battLoss
	ceiling := rateMax*invLoss*battLoss - cycleCost
	if derated > ceiling {
		derated = ceiling
	}
	if derated < 0 {
		derated = 0
	}
	return derated
}
