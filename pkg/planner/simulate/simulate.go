// Package simulate implements the Forward Simulator (component B): a pure
// function of its inputs that walks a candidate plan forward step by step
// and produces a scalar + time-series prediction result. It is invoked many
// thousands of times per planning tick by the optimizer passes in
// pkg/planner, so it allocates nothing it does not have to and never
// mutates its arguments.
package simulate

import (
	"math"

	"github.com/wattplan/wattplan/pkg/types"
)

// mode is the simulator's internal per-step battery mode, resolved from the
// candidate charge/export windows at the current minute (§4.B step 3).
type mode int

const (
	modeSelfConsume mode = iota
	modeCharge
	modeFreezeCharge
	modeExport
)

// Request bundles one candidate plan plus the resampled step series it
// should be simulated against. PVStep/LoadStep are keyed by step index
// (0-based from MinutesNow), already scaled by gridstep.StepData.
type Request struct {
	ChargeWindows []types.Window
	ChargeLimits  []float64
	ExportWindows []types.Window
	ExportLimits  []float64

	PVStep   map[int]float64
	LoadStep map[int]float64

	CarChargingStep map[int]float64 // kWh of car load landing in each step, grid-only if CarChargingFromBattery is false
	CarChargingFromBattery bool

	IBoostEnable         bool
	IBoostMaxPowerKW     float64
	IBoostMinSurplusKW   float64
	IBoostFromGrid       bool

	EndRecordMinute int
	StepMinutes     int
	RecordSeries    bool
}

// Run simulates a candidate plan over inputs' horizon and returns the
// scalar + series prediction result (§4.B). It never mutates inputs or req.
func Run(inputs *types.PlanInputs, req Request) types.PredictionResult {
	step := req.StepMinutes
	if step <= 0 {
		step = 5
	}
	steps := inputs.Config.ForecastMinutes / step

	soc := inputs.Battery.SoCKWh
	reserve := inputs.Battery.ReserveKWh
	socMax := inputs.Battery.SoCMaxKWh
	rateC := inputs.Battery.ChargeRateMaxKW
	rateD := inputs.Battery.DischargeRateMaxKW
	battLoss := nonZero(inputs.Battery.BatteryLoss, 1.0)
	battLossDis := nonZero(inputs.Battery.BatteryLossDischarge, 1.0)
	invLoss := nonZero(inputs.Battery.InverterLoss, 1.0)

	result := types.PredictionResult{
		SoCMinKWh: soc,
	}
	var series types.PredictionSeries
	if req.RecordSeries {
		series = types.PredictionSeries{
			SoCKWh: make([]float64, 0, steps), BatteryKW: make([]float64, 0, steps),
			PVKW: make([]float64, 0, steps), GridKW: make([]float64, 0, steps),
			LoadKW: make([]float64, 0, steps), ImportKWh: make([]float64, 0, steps),
			ExportKWh: make([]float64, 0, steps), IBoostKWh: make([]float64, 0, steps),
			CarbonG: make([]float64, 0, steps), MetricValue: make([]float64, 0, steps),
		}
	}

	var iboostStored float64
	var cost, carbon, cycle, keepPenalty float64
	var importBattery, importHouse, exportKWh float64
	socMinMinute := 0
	stepHours := float64(step) / 60.0

	for k := 0; k < steps; k++ {
		m := inputs.MinutesNow + k*step

		load := req.LoadStep[k]
		pv := req.PVStep[k]
		carKWh := req.CarChargingStep[k]

		md, chargeTarget, exportTargetSoC, exportScale := resolveMode(m, req, reserve)

		demand := load - pv
		if !req.CarChargingFromBattery {
			// car load is grid-only; it never competes with the battery.
			importHouse += carKWh
			cost += carKWh * nonZero(inputs.RateImport[m], 0)
		} else {
			demand += carKWh
		}

		var batteryDeltaKWh, importKWh, exportStepKWh float64

		switch md {
		case modeCharge:
			room := chargeTarget - soc
			if room < 0 {
				room = 0
			}
			draw := math.Min(rateC*stepHours, room)
			soc += draw * battLoss
			batteryDeltaKWh = draw
			if demand > 0 {
				importKWh = demand
			} else {
				exportStepKWh = -demand
			}
			importKWh += draw

		case modeFreezeCharge:
			if demand > 0 {
				importKWh = demand
			} else {
				exportStepKWh = -demand
			}

		case modeExport:
			target := socMax * exportTargetSoC / 100.0
			room := soc - target
			if room < 0 {
				room = 0
			}
			rate := rateD * exportScale
			discharge := math.Min(rate*stepHours, room)
			soc -= discharge
			batteryDeltaKWh = -discharge
			exportFromBattery := discharge * battLossDis * invLoss
			netAvail := exportFromBattery - demand
			if demand > 0 {
				if netAvail >= 0 {
					exportStepKWh = netAvail
				} else {
					importKWh = -netAvail
				}
			} else {
				exportStepKWh = exportFromBattery + (-demand)
			}

		default: // modeSelfConsume
			if demand <= 0 {
				surplus := -demand
				room := socMax - soc
				if room < 0 {
					room = 0
				}
				toBattery := math.Min(math.Min(rateC*stepHours, room), surplus)
				soc += toBattery * battLoss
				batteryDeltaKWh = toBattery
				surplus -= toBattery

				if req.IBoostEnable && surplus >= req.IBoostMinSurplusKW*stepHours {
					iboostDraw := math.Min(req.IBoostMaxPowerKW*stepHours, surplus)
					iboostStored += iboostDraw
					surplus -= iboostDraw
				}
				exportStepKWh = surplus
			} else {
				deficit := demand
				room := soc - reserve
				if room < 0 {
					room = 0
				}
				fromBattery := math.Min(rateD*stepHours, room)
				fromBattery = math.Min(fromBattery, deficit)
				soc -= fromBattery
				batteryDeltaKWh = -fromBattery
				deficit -= fromBattery * battLossDis * invLoss
				if deficit > 0 {
					importKWh = deficit
					if req.IBoostEnable && req.IBoostFromGrid {
						// iboost from grid is accounted separately; left as
						// a configuration hook for the device driver.
						_ = iboostStored
					}
				}
			}
		}

		if soc > socMax {
			soc = socMax
		}
		if soc < reserve {
			soc = reserve
		}

		cost += importKWh*nonZero(inputs.RateImport[m], 0) - exportStepKWh*nonZero(inputs.RateExport[m], 0)
		carbonG := importKWh * nonZero(inputs.CarbonIntensity[m], 0)
		carbon += carbonG
		cycle += math.Abs(batteryDeltaKWh)

		keepFloor := inputs.Config.BestSoCKeepKWh
		if keepFloor > 0 && soc < keepFloor {
			keepPenalty += (keepFloor - soc) * 0.01 * float64(step)
		}

		importBattery += batteryDeltaKWhImport(md, importKWh)
		importHouse += importHouseOnly(md, importKWh, batteryDeltaKWh)
		exportKWh += exportStepKWh

		if soc < result.SoCMinKWh {
			result.SoCMinKWh = soc
			socMinMinute = m
		}

		if req.RecordSeries {
			series.SoCKWh = append(series.SoCKWh, soc)
			series.BatteryKW = append(series.BatteryKW, batteryDeltaKWh/stepHours)
			series.PVKW = append(series.PVKW, pv/stepHours)
			series.LoadKW = append(series.LoadKW, load/stepHours)
			series.GridKW = append(series.GridKW, (importKWh-exportStepKWh)/stepHours)
			series.ImportKWh = append(series.ImportKWh, importKWh)
			series.ExportKWh = append(series.ExportKWh, exportStepKWh)
			series.IBoostKWh = append(series.IBoostKWh, iboostStored)
			series.CarbonG = append(series.CarbonG, carbonG)
		}

		if m >= inputs.MinutesNow+req.EndRecordMinute {
			break
		}
	}

	result.Cost = cost
	result.ImportToBattery = importBattery
	result.ImportToHouse = importHouse
	result.Export = exportKWh
	result.FinalSoCKWh = soc
	result.SoCMinMinute = socMinMinute
	result.BatteryCycleKWh = cycle
	result.KeepPenalty = keepPenalty
	result.FinalIBoostKWh = iboostStored
	result.FinalCarbonGrams = carbon
	if req.RecordSeries {
		result.Series = series
	}
	return result
}

// resolveMode determines the step's battery mode from the candidate
// charge/export windows (§4.B step 3).
func resolveMode(m int, req Request, reserve float64) (md mode, chargeTarget, exportTargetPct, exportScale float64) {
	for i, w := range req.ChargeWindows {
		if m < w.Start || m >= w.End {
			continue
		}
		limit := req.ChargeLimits[i]
		if limit <= 0 {
			continue
		}
		if limit <= reserve {
			return modeFreezeCharge, 0, 0, 0
		}
		return modeCharge, limit, 0, 0
	}
	for j, w := range req.ExportWindows {
		if m < w.Start || m >= w.End {
			continue
		}
		lim := types.DecodeExportLimit(req.ExportLimits[j])
		switch lim.Mode {
		case types.ExportOff:
			continue
		case types.ExportFreeze:
			return modeFreezeCharge, 0, 0, 0
		default:
			scale := lim.PowerScale
			if scale <= 0 {
				scale = 1.0
			}
			return modeExport, 0, lim.TargetPct, scale
		}
	}
	return modeSelfConsume, 0, 0, 0
}

func nonZero(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func batteryDeltaKWhImport(md mode, importKWh float64) float64 {
	if md == modeCharge {
		return importKWh
	}
	return 0
}

func importHouseOnly(md mode, importKWh, batteryDelta float64) float64 {
	if md == modeCharge {
		return importKWh - batteryDelta
	}
	return importKWh
}
