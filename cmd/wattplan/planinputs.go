package main

import (
	"context"
	"fmt"
	"time"

	"github.com/wattplan/wattplan/pkg/ess"
	"github.com/wattplan/wattplan/pkg/storage"
	"github.com/wattplan/wattplan/pkg/types"
	"github.com/wattplan/wattplan/pkg/utility"
)

// hourlyAverages regroups history by hour of day, the same bucketing
// controller.buildHourlyEnergyModel uses, so the PV/load forecast a fresh
// site gets before a real ingestion pipeline is wired in is at least shaped
// by its own recent history rather than flat zeros.
func hourlyAverages(history []types.EnergyStats) (solar, load [24]float64) {
	var count [24]int
	for _, h := range history {
		if h.TSHourStart.IsZero() {
			continue
		}
		hr := h.TSHourStart.Hour()
		solar[hr] += h.SolarKWH
		load[hr] += h.HomeKWH
		count[hr]++
	}
	for hr := range solar {
		if count[hr] > 0 {
			solar[hr] /= float64(count[hr])
			load[hr] /= float64(count[hr])
		}
	}
	return solar, load
}

// expandHourly spreads an hourly kWh total evenly across each minute of that
// hour, indexed by absolute minute of the horizon starting at horizonStart.
func expandHourly(perHour [24]float64, horizonStart time.Time, horizonMinutes int) map[int]float64 {
	out := make(map[int]float64, horizonMinutes)
	for m := 0; m < horizonMinutes; m++ {
		t := horizonStart.Add(time.Duration(m) * time.Minute)
		out[m] = perHour[t.Hour()] / 60
	}
	return out
}

// buildPlanInputsFor assembles one tick's PlanInputs for siteID from the
// utility, ESS and storage collaborators. Forecasting PV/load from scratch
// (weather data, learned models) belongs to a separate ingestion
// collaborator; until one is wired in, the recent-history hourly average
// serves as the forecast.
func buildPlanInputsFor(u *utility.Map, e *ess.Map, s storage.Database) func(ctx context.Context, siteID string) (*types.PlanInputs, error) {
	return func(ctx context.Context, siteID string) (*types.PlanInputs, error) {
		settings, version, err := s.GetSettings(ctx, siteID)
		if err != nil {
			return nil, fmt.Errorf("failed to get settings: %w", err)
		}
		if version < types.CurrentSettingsVersion {
			if migrated, changed, err := types.MigrateSettings(settings, version); err == nil && changed {
				settings = migrated
			}
		}

		essSystem, err := e.Site(ctx, siteID, settings)
		if err != nil {
			return nil, fmt.Errorf("failed to get ess system: %w", err)
		}
		status, err := essSystem.GetStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get ess status: %w", err)
		}

		utilitySite, err := u.Site(ctx, siteID, settings)
		if err != nil {
			return nil, fmt.Errorf("failed to get utility system: %w", err)
		}
		currentPrice, err := utilitySite.GetCurrentPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get current price: %w", err)
		}
		futurePrices, err := utilitySite.GetFuturePrices(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get future prices: %w", err)
		}

		now := time.Now().In(status.Timestamp.Location())
		horizonStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		minutesNow := int(now.Sub(horizonStart).Minutes())

		cfg := types.DefaultPlanConfig()
		rateImport, lowRates := utility.ToTariffSlots(now, minutesNow, append([]types.Price{currentPrice}, futurePrices...))

		history, err := s.GetEnergyHistory(ctx, siteID, now.Add(-7*24*time.Hour), now)
		if err != nil {
			return nil, fmt.Errorf("failed to get energy history: %w", err)
		}
		solarByHour, loadByHour := hourlyAverages(history)

		socMax := status.BatteryCapacityKWH
		battery := types.BatteryState{
			SoCKWh:             socMax * status.BatterySOC / 100,
			SoCMaxKWh:          socMax,
			ReserveKWh:         socMax * settings.MinBatterySOC / 100,
			ChargeRateMaxKW:    status.MaxBatteryChargeKW,
			DischargeRateMaxKW: status.MaxBatteryDischargeKW,
			// Loss factors are left at zero; simulate.Run treats an unset
			// loss as lossless (factor 1.0) until the ESS driver reports
			// real round-trip efficiency.
		}

		return &types.PlanInputs{
			MinutesNow:         minutesNow,
			PVForecastMinute:   expandHourly(solarByHour, horizonStart, minutesNow+cfg.ForecastMinutes),
			PVForecastMinute10: expandHourly(solarByHour, horizonStart, minutesNow+cfg.ForecastMinutes),
			LoadMinutes:        expandHourly(loadByHour, horizonStart, minutesNow+cfg.ForecastMinutes),
			RateImport:         rateImport,
			RateExport:         rateImport,
			LowRates:           lowRates,
			HighExportRates:    lowRates,
			Battery:            battery,
			Config:             cfg,
		}, nil
	}
}
