package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wattplan/wattplan/pkg/types"
)

// Decision represents the result of the decision logic.
type Decision struct {
	Action      types.Action
	Explanation string
}

// Controller handles the decision-making logic for the ESS.
type Controller struct {
}

// NewController creates a new Controller.
func NewController() *Controller {
	return &Controller{}
}

// Decide determines the best action to take based on current state and
// history. When plan is non-nil and PlanValid, the multi-window plan is
// consulted first (Rule 0): the battery/solar modes are read off whichever
// charge or export window covers planMinutesNow, since the planner has
// already solved the same arbitrage/deficit tradeoffs Rules 2-4 approximate
// hour-by-hour. The hourly heuristic below runs when no valid plan is
// available, and also when a valid plan has no enabled window covering
// planMinutesNow, so the site still has a safe, deterministic fallback
// behavior if planning input collection or the optimizer itself fails.
func (c *Controller) Decide(
	ctx context.Context,
	currentStatus types.SystemStatus,
	currentPrice types.Price,
	futurePrices []types.Price,
	history []types.EnergyStats,
	settings types.Settings,
	plan *types.PlanOutputs,
	planMinutesNow int,
) (Decision, error) {
	slog.DebugContext(ctx, "controller decide started",
		slog.Float64("soc", currentStatus.BatterySOC),
		slog.Float64("batteryKW", currentStatus.BatteryKW),
		slog.Float64("solarKW", currentStatus.SolarKW),
		slog.Float64("homeKW", currentStatus.HomeKW),
		slog.Float64("currentPrice", currentPrice.DollarsPerKWH),
	)

	now := time.Now()

	if plan != nil && plan.PlanValid {
		if decision, ok := c.decideFromPlan(ctx, now, currentStatus, currentPrice, settings, plan, planMinutesNow); ok {
			return decision, nil
		}
	}

	// Build Energy Model
	model := c.buildHourlyEnergyModel(ctx, now, history, settings)

	solarMode := types.SolarModeAny
	if !settings.GridExportSolar {
		solarMode = types.SolarModeNoExport
	}

	// Rule 1: If the price is negative, then don't export anything to the grid.
	if currentPrice.DollarsPerKWH < 0 {
		solarMode = types.SolarModeNoExport
		slog.DebugContext(ctx, "price is negative, disabling solar export", slog.Float64("price", currentPrice.DollarsPerKWH))
		// We do NOT return here. We fall through to allow charging logic to trigger.
	}

	// Helper to determine final action with "No Change" optimizations
	finalizeAction := func(batteryMode types.BatteryMode, modeReason string, explanation string) Decision {
		finalBatMode := batteryMode
		switch batteryMode {
		case types.BatteryModeChargeAny:
			// If we want to charge, and we are already charging (negative BatteryKW),
			// then don't change anything.
			// we might not be charging if Battery is already full
			// also make sure we've elevated the min SOC to force charging
			if (currentStatus.BatteryKW < 0 || currentStatus.BatterySOC >= 99) && currentStatus.ElevatedMinBatterySOC && (!settings.GridChargeBatteries || currentStatus.CanImportBattery) {
				finalBatMode = types.BatteryModeNoChange
			}
		case types.BatteryModeChargeSolar:
			// If we want to charge from solar, and we are already charging from
			// only solar (negative BatteryKW), then don't change anything.
			// we might not be charging if Battery is already full
			// also make sure we've elevated the min SOC to force charging
			if (currentStatus.BatteryKW < 0 || currentStatus.BatterySOC >= 99) && currentStatus.ElevatedMinBatterySOC && !currentStatus.CanImportBattery {
				finalBatMode = types.BatteryModeNoChange
			}
		case types.BatteryModeStandby:
			// If we want to standby:
			// 1. If charging (BatteryKW < 0), we must change to Stop charging.
			// 2. If effectively charging from grid, we want to stop
			// 3. If charging from solar, we can't stop that so assume standby
			// 4. If Idle (BatteryKW == 0), return NoChange.

			// battery is charging from the grid if the battery charge rate exceeds
			// the solar surplus (solar generation minus home consumption)
			// give a little bit of tolerance to account for energy losses/floats/etc
			isChargingFromGrid := false
			if currentStatus.BatteryKW < -0.1 && currentStatus.GridKW > 0 {
				solarSurplus := currentStatus.SolarKW - currentStatus.HomeKW
				// remember BatteryKW is negative when charging
				// give a little bit of tolerance to account for energy losses/floats/etc
				if solarSurplus < 0 || solarSurplus+currentStatus.BatteryKW > 0.1 {
					isChargingFromGrid = true
				}
			}

			slog.DebugContext(
				ctx,
				"determined if we are charging from grid for standby calculation",
				slog.Float64("batteryKW", currentStatus.BatteryKW),
				slog.Float64("gridKW", currentStatus.GridKW),
				slog.Float64("solarKW", currentStatus.SolarKW),
				slog.Float64("homeKW", currentStatus.HomeKW),
				slog.Bool("isChargingFromGrid", isChargingFromGrid),
				slog.Float64("batterySOC", currentStatus.BatterySOC),
				slog.Bool("batteryAboveMinSOC", currentStatus.BatteryAboveMinSOC),
				slog.Bool("elevatedMinBatterySOC", currentStatus.ElevatedMinBatterySOC),
			)

			if currentStatus.BatteryKW > 0 {
				// we're using the battery but it might be because we're greater than
				// the elevated reserve SOC and maybe solar was charging us up
				if currentStatus.BatteryAboveMinSOC && currentStatus.ElevatedMinBatterySOC {
					// we're already above reserve SOC and we've elevated the reserve SOC
					// probably because of a previous standby request
					finalBatMode = types.BatteryModeNoChange
				}
				// discharging, switch to standby
			} else if isChargingFromGrid {
				// charging from grid, switch to standby
			} else if currentStatus.BatteryKW < 0 {
				// charging from solar (not grid), ignore
				finalBatMode = types.BatteryModeNoChange
			} else {
				// already standby, ignore
				finalBatMode = types.BatteryModeNoChange
			}
		case types.BatteryModeNoChange:
			// nothing to do
		case types.BatteryModeLoad:
			slog.DebugContext(
				ctx,
				"determined if we are using the battery as much as possible",
				slog.Float64("batterySOC", currentStatus.BatterySOC),
				slog.Float64("minBatterySOC", settings.MinBatterySOC),
				slog.Bool("elevatedMinBatterySOC", currentStatus.ElevatedMinBatterySOC),
				slog.Bool("gridChargeBatteries", settings.GridChargeBatteries),
				slog.Bool("canImportBattery", currentStatus.CanImportBattery),
			)
			// if the minimum SOC is not elevated then we're already using the battery
			// as much as possible
			if !currentStatus.ElevatedMinBatterySOC && (!settings.GridChargeBatteries || currentStatus.CanImportBattery) {
				finalBatMode = types.BatteryModeNoChange
			}
		default:

		}

		// Check Solar Mode
		finalSolarMode := solarMode
		switch solarMode {
		case types.SolarModeNoExport:
			if !currentStatus.CanExportSolar {
				finalSolarMode = types.SolarModeNoChange
			}
		case types.SolarModeAny:
			if currentStatus.CanExportSolar {
				finalSolarMode = types.SolarModeNoChange
			}
		case types.SolarModeNoChange:
			// nothing to do
		}

		return Decision{
			Action: types.Action{
				Timestamp:    now,
				BatteryMode:  finalBatMode,
				SolarMode:    finalSolarMode,
				Description:  modeReason,
				CurrentPrice: currentPrice,
			},
			Explanation: explanation,
		}
	}

	// Rule 2: If the price is below the Always Charge Threshold, then charge the
	// battery.
	if currentPrice.DollarsPerKWH < settings.AlwaysChargeUnderDollarsPerKWH {
		desc := fmt.Sprintf(
			"Price Low (%.3f < %.3f). Charging.",
			currentPrice.DollarsPerKWH,
			settings.AlwaysChargeUnderDollarsPerKWH,
		)
		if solarMode == types.SolarModeNoExport {
			desc += " (Export Disabled due to Negative Price)"
		}
		// If negative, we charge.
		slog.DebugContext(ctx, "price below always charge threshold", slog.Float64("price", currentPrice.DollarsPerKWH), slog.Float64("threshold", settings.AlwaysChargeUnderDollarsPerKWH))
		return finalizeAction(types.BatteryModeChargeAny, desc, "Always Charge Threshold"), nil
	}

	// Rule 3: Charge now if its cheaper than later, if we will run out of energy
	// or if we can make more money buying now and selling later (arbitrage)

	capacityKWH := currentStatus.BatteryCapacityKWH
	if capacityKWH <= 0 {
		return finalizeAction(types.BatteryModeStandby, "Battery Config Missing or Capacity 0. Standby.", "Zero Battery Capacity"), nil
	}

	currentSOC := currentStatus.BatterySOC
	availableKWH := capacityKWH * (currentSOC / 100.0)
	minKWH := capacityKWH * (settings.MinBatterySOC / 100.0)
	chargeKW := currentStatus.MaxBatteryChargeKW
	if chargeKW <= 0 {
		// conservatively assume it takes 3 hours to charge the battery from 0->100
		chargeKW = capacityKWH / 3.0
	}

	type simHour struct {
		ts             time.Time
		hour           int
		netLoadSolar   float64
		gridChargeCost float64
		solarOppCost   float64
	}

	// simulate our energy state and prices for the next 24 hours
	simData := make([]simHour, 0, 24)

	// We simulate starting from the *next* hour usually, but we need to cover "Now".
	// Let's create a timeline of prices per hour for the next 24 hours.
	// TODO: support non-hourly prices

	// helper to find price at time t
	getPriceAt := func(t time.Time) float64 {
		for _, fp := range futurePrices {
			if fp.TSStart.Truncate(time.Hour).Equal(t.Truncate(time.Hour)) {
				return fp.DollarsPerKWH
			}
		}
		// default to current price if no future price found
		// TODO: use historical price from last 72 hours
		return currentPrice.DollarsPerKWH
	}

	// build our simulation timeline
	todaySolarTrend := c.calculateSolarTrend(ctx, now, history, model, settings)
	slog.DebugContext(ctx, "solar trend calculated", slog.Float64("trend", todaySolarTrend))

	maxFuturePrice := currentPrice.DollarsPerKWH

	simTime := now
	for i := 0; i < 24; i++ {
		h := simTime.Hour()
		price := getPriceAt(simTime)
		if price > maxFuturePrice {
			maxFuturePrice = price
		}
		solarOppCost := price
		if !settings.GridExportSolar {
			solarOppCost = 0
		}

		profile := model[h]
		predictedAvgSolar := profile.avgSolarKWH * todaySolarTrend

		netLoadSolar := profile.avgHomeLoadKWH - predictedAvgSolar

		// if we're in the "now" hour, scale the load by the current minute
		if i == 0 {
			netLoadSolar *= (float64(now.Minute()) / 60.0)
		}

		simData = append(simData, simHour{
			ts:             simTime,
			hour:           h,
			netLoadSolar:   netLoadSolar,
			gridChargeCost: price + settings.AdditionalFeesDollarsPerKWH,
			solarOppCost:   solarOppCost,
		})
		simTime = simTime.Add(1 * time.Hour)
	}

	chargeNowCost := currentPrice.DollarsPerKWH + settings.AdditionalFeesDollarsPerKWH
	shouldCharge := false
	chargeReason := ""

	// track simulated energy
	simEnergy := availableKWH
	hitCapacity := simEnergy >= capacityKWH
	var hitDeficitAt time.Time
	minEnergy := availableKWH
	maxEnergy := availableKWH

	// track the costs to charge until/including the simulated hour
	chargeCosts := make([]float64, 0, len(simData))

	for _, slot := range simData {
		chargeCosts = append(chargeCosts, slot.gridChargeCost)

		netLoadSolar := slot.netLoadSolar

		// update simulated energy state
		if slot.netLoadSolar > 0 {
			// make sure we don't simulate discharging more than we can
			if currentStatus.MaxBatteryDischargeKW > 0 && netLoadSolar > currentStatus.MaxBatteryDischargeKW {
				netLoadSolar = currentStatus.MaxBatteryDischargeKW
			}
			// Load > Solar: We consume battery
			simEnergy -= netLoadSolar
		} else {
			// Solar > Load: We charge battery
			// make sure we don't simulate charging more than we can
			if currentStatus.MaxBatteryChargeKW > 0 && -netLoadSolar > currentStatus.MaxBatteryChargeKW {
				netLoadSolar = -currentStatus.MaxBatteryChargeKW
			}
			simEnergy += (-netLoadSolar)
			if simEnergy > capacityKWH {
				simEnergy = capacityKWH
			}
			// if we ever hit the capacity of the battery, we can't store any more power
			// so we set hitCapacity to true so we never try to charge since that power
			// would be meaningless to pull from the grid since we end up filling up
			// the batteries without the grid in the simulation anyways
			if simEnergy >= capacityKWH {
				if !hitCapacity {
					slog.DebugContext(
						ctx,
						"simulated energy hit capacity",
						slog.Float64("simEnergy", simEnergy),
						slog.Float64("capacityKWH", capacityKWH),
						slog.Int("simHour", slot.hour),
					)
				}
				hitCapacity = true
			}
		}

		if simEnergy < minEnergy {
			minEnergy = simEnergy
		}
		if simEnergy > maxEnergy {
			maxEnergy = simEnergy
		}

		// check if we are below the minimum SOC and when we need to charge
		if simEnergy < minKWH {
			if hitDeficitAt.IsZero() {
				slog.DebugContext(
					ctx,
					"simulated energy below minimum SOC",
					slog.Float64("simEnergy", simEnergy),
					slog.Float64("minKWH", minKWH),
					slog.Int("simHour", slot.hour),
				)
			}
			hitDeficitAt = slot.ts
			deficitAmount := minKWH - simEnergy

			// only consider charging if GridCharging is enabled
			if settings.GridChargeBatteries {
				sort.Float64s(chargeCosts)
				var cheapestChargeCost float64

				// factor in the cost of charging for the duration of the charge which
				// means we need to look at the nth cheapest charge cost
				// round up the hours we need to charge except for a little buffer
				chargeDurationHours := max(1, int((float64(deficitAmount)/chargeKW + 0.84)))
				if chargeDurationHours > len(chargeCosts) {
					cheapestChargeCost = chargeCosts[len(chargeCosts)-1]
				} else {
					cheapestChargeCost = chargeCosts[chargeDurationHours-1]
				}

				// if we have determined we'll run out of energy and it's cheaper to
				// charge now than later, charge now
				if chargeNowCost+settings.MinDeficitPriceDifferenceDollarsPerKWH <= cheapestChargeCost {
					shouldCharge = true
					chargeReason = fmt.Sprintf("Projected Deficit at %s. Charge Now ($%.3f) <= Later ($%.3f) - Delta ($%.3f).", slot.ts.Format(time.Kitchen), chargeNowCost, cheapestChargeCost, settings.MinDeficitPriceDifferenceDollarsPerKWH)
					slog.DebugContext(
						ctx,
						"deficit predicted, charging now",
						slog.Float64("deficit", deficitAmount),
						slog.Time("deficitAt", hitDeficitAt),
						slog.Float64("chargeCost", chargeNowCost),
						slog.Float64("cheapestFutureCost", cheapestChargeCost),
					)
					break
				} else {
					slog.DebugContext(
						ctx,
						"deficit predicted, charging later",
						slog.Float64("deficit", deficitAmount),
						slog.Time("deficitAt", hitDeficitAt),
						slog.Float64("chargeCost", chargeNowCost),
						slog.Float64("cheapestFutureCost", cheapestChargeCost),
						slog.Int("chargeDurationHours", chargeDurationHours),
					)
				}
			}
		}

		// at this point it's opportunity cost because we either have enough energy
		// or it'll be cheaper later to charge

		// assume we need to charge for at least 10 minutes for it to be worth it
		chargeDurationHours := 10.0 / 60.0
		simEnergyAfterCharge := simEnergy + chargeKW*chargeDurationHours

		// make sure we can charge the batteries, we can export solar, and we have
		// enough headroom to charge
		if settings.GridChargeBatteries && settings.GridExportSolar && simEnergyAfterCharge < capacityKWH && !hitCapacity {
			var value float64
			// if we are importing, we avoid the import cost
			// if we are exporting, we get the export value
			if slot.netLoadSolar > 0 {
				value = slot.gridChargeCost
			} else {
				value = slot.solarOppCost
			}

			// if the value we get later minus our cost to charge now is greater than
			// the minimum arbitrage difference, we should charge now
			if value-chargeNowCost > settings.MinArbitrageDifferenceDollarsPerKWH {
				shouldCharge = true
				chargeReason = fmt.Sprintf("Arbitrage Opportunity at %s. Buy@%.3f -> Sell/Save@%.3f.", slot.ts.Format(time.Kitchen), chargeNowCost, value)
				slog.DebugContext(
					ctx,
					"arbitrage opportunity found",
					slog.Float64("buyAt", chargeNowCost),
					slog.Float64("sellAt", value),
					slog.Float64("diff", value-chargeNowCost),
				)
				break
			} else {
				slog.DebugContext(
					ctx,
					"arbitrage opportunity too small",
					slog.Float64("buyAt", chargeNowCost),
					slog.Float64("sellAt", value),
					slog.Float64("minDiff", settings.MinArbitrageDifferenceDollarsPerKWH),
				)
			}
		}
	}

	// if we should charge, return now.
	if shouldCharge {
		desc := fmt.Sprintf("Charging Optimized: %s", chargeReason)
		return finalizeAction(types.BatteryModeChargeAny, desc, "Simulation Optimized Charge"), nil
	}

	// Rule 4: Logic for Battery Usage vs Standby
	// If we have plenty of battery (no deficit), Use it (Load).
	// If we have a deficit, but we are at the Highest Price, Use it (Load).
	// If we have a deficit, and cheaper now than later, Standby (Save for later).

	if !hitDeficitAt.IsZero() {
		// We are going to run out. Should we save it?
		// Check if there is a significantly more expensive time later.
		// If current price is lower than maxFuturePrice, we should probably save it.
		if currentPrice.DollarsPerKWH < maxFuturePrice {
			standbyReason := fmt.Sprintf("Deficit predicted at %s and higher prices later ($%.3f < $%.3f).", hitDeficitAt.Format(time.Kitchen), currentPrice.DollarsPerKWH, maxFuturePrice)
			slog.DebugContext(
				ctx,
				"deficit predicted, saving for peak",
				slog.Float64("currentPrice", currentPrice.DollarsPerKWH),
				slog.Float64("maxFuturePrice", maxFuturePrice),
			)
			return finalizeAction(types.BatteryModeStandby, standbyReason, "Deficit + Save for Peak"), nil
		}
		// If we are at the peak (or flat), use it until empty.
		slog.DebugContext(
			ctx,
			"deficit predicted but at peak price",
			slog.Float64("currentPrice", currentPrice.DollarsPerKWH),
		)
		return finalizeAction(types.BatteryModeLoad, "Deficit predicted but Current Price is Peak.", "Use Battery at Peak"), nil
	}

	// No deficit predicted, use battery.
	slog.DebugContext(
		ctx,
		"no deficit predicted, using battery",
		slog.Float64("minEnergy", minEnergy),
		slog.Float64("maxEnergy", maxEnergy),
	)
	return finalizeAction(types.BatteryModeLoad, "Sufficient Battery.", "Sufficient Battery"), nil
}

// decideFromPlan checks whether planMinutesNow falls inside a planner
// charge or export window and, if so, returns the mode that window implies.
// Charge windows take priority over export windows since the planner never
// emits overlapping windows (see pkg/planner postprocess.removeOverlaps).
func (c *Controller) decideFromPlan(
	ctx context.Context,
	now time.Time,
	currentStatus types.SystemStatus,
	currentPrice types.Price,
	settings types.Settings,
	plan *types.PlanOutputs,
	planMinutesNow int,
) (Decision, bool) {
	reserveKWh := currentStatus.BatteryCapacityKWH * (settings.MinBatterySOC / 100.0)

	for i, w := range plan.ChargeWindowBest {
		if planMinutesNow < w.Start || planMinutesNow >= w.End {
			continue
		}
		var raw float64
		if i < len(plan.ChargeLimitBest) {
			raw = plan.ChargeLimitBest[i]
		}
		limit := types.DecodeChargeLimit(raw, reserveKWh)
		switch limit.Mode {
		case types.ChargeOff:
			continue
		case types.ChargeFreeze:
			return c.planDecision(now, currentPrice, types.BatteryModeStandby,
				fmt.Sprintf("Plan: freeze charge window through minute %d.", w.End)), true
		default:
			return c.planDecision(now, currentPrice, types.BatteryModeChargeAny,
				fmt.Sprintf("Plan: charge to %.2f kWh through minute %d.", limit.TargetKWh, w.End)), true
		}
	}

	for i, w := range plan.ExportWindowBest {
		if planMinutesNow < w.Start || planMinutesNow >= w.End {
			continue
		}
		var raw float64
		if i < len(plan.ExportLimitsBest) {
			raw = plan.ExportLimitsBest[i]
		}
		limit := types.DecodeExportLimit(raw)
		switch limit.Mode {
		case types.ExportOff:
			return c.planDecision(now, currentPrice, types.BatteryModeStandby,
				fmt.Sprintf("Plan: export window off through minute %d.", w.End)), true
		case types.ExportFreeze:
			return c.planDecision(now, currentPrice, types.BatteryModeStandby,
				fmt.Sprintf("Plan: export window frozen through minute %d.", w.End)), true
		default:
			return c.planDecision(now, currentPrice, types.BatteryModeLoad,
				fmt.Sprintf("Plan: export window through minute %d.", w.End)), true
		}
	}

	return Decision{}, false
}

// planDecision builds the Action for a plan-driven mode, bypassing the
// "No Change" optimizations finalizeAction applies for the hourly heuristic;
// the planner has already accounted for current battery flow when it chose
// this window, so the mode it implies is applied directly.
func (c *Controller) planDecision(now time.Time, currentPrice types.Price, mode types.BatteryMode, reason string) Decision {
	return Decision{
		Action: types.Action{
			Timestamp:    now,
			BatteryMode:  mode,
			SolarMode:    types.SolarModeNoChange,
			Description:  reason,
			CurrentPrice: currentPrice,
		},
		Explanation: "Plan",
	}
}
