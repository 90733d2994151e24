package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wattplan/wattplan/pkg/types"
)

func TestCandidateHashIsStableAndDistinguishesCandidates(t *testing.T) {
	a := candidateHash([]float64{10, 0}, []float64{100, 100})
	b := candidateHash([]float64{10, 0}, []float64{100, 100})
	c := candidateHash([]float64{10, 5}, []float64{100, 100})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSubsampleAlwaysIncludesWhenDivideIsZero(t *testing.T) {
	assert.True(t, subsample(7, 2, 0))
}

func TestOverlapsActiveChargeIgnoresFrozenWindows(t *testing.T) {
	chargeWindows := []types.Window{{Start: 0, End: 60}}
	frozen := overlapsActiveCharge(types.Window{Start: 30, End: 90}, chargeWindows, []float64{1}, 1) // limit == reserve: frozen
	assert.False(t, frozen)

	active := overlapsActiveCharge(types.Window{Start: 30, End: 90}, chargeWindows, []float64{10}, 1)
	assert.True(t, active)
}

func TestSweepFindsChargingCheaperThanNoChargeWhenBatteryValueIsPositive(t *testing.T) {
	inputs := &types.PlanInputs{
		MinutesNow: 0,
		Battery:    types.BatteryState{SoCKWh: 1, SoCMaxKWh: 10, ReserveKWh: 1, ChargeRateMaxKW: 3, DischargeRateMaxKW: 3, BatteryLoss: 1, BatteryLossDischarge: 1, InverterLoss: 1},
		RateImport: map[int]float64{0: 0.05},
		Config: types.PlanConfig{
			ForecastMinutes: 60, StepMinutes: 60, FastStepMinutes: 60,
			MetricBatteryValueScaling: 1.0,
		},
	}
	tOpt := &thresholdOptimizer{inputs: inputs, fast: true, pool: newPool(0)}
	base := types.PlanState{
		ChargeWindows: []types.Window{{Start: 0, End: 60, AverageRate: 5}},
		ChargeLimits:  []float64{0},
		BestMetric:    0, // cost of doing nothing is 0
	}

	result := tOpt.Sweep(context.Background(), base, map[int]float64{0: 0}, map[int]float64{0: 1}, map[int]float64{0: 0}, map[int]float64{0: 1}, 0, 0)
	if assert.True(t, result.found) {
		assert.Less(t, result.metric, base.BestMetric)
		assert.Equal(t, 10.0, result.state.ChargeLimits[0])
	}
}

func TestSweepSkipsLockedWindows(t *testing.T) {
	inputs := &types.PlanInputs{
		MinutesNow: 0,
		Battery:    types.BatteryState{SoCKWh: 1, SoCMaxKWh: 10, ReserveKWh: 1, ChargeRateMaxKW: 3, DischargeRateMaxKW: 3, BatteryLoss: 1, BatteryLossDischarge: 1, InverterLoss: 1},
		RateImport: map[int]float64{0: 0.05},
		Config: types.PlanConfig{
			ForecastMinutes: 60, StepMinutes: 60, FastStepMinutes: 60,
			MetricBatteryValueScaling: 1.0,
		},
	}
	tOpt := &thresholdOptimizer{inputs: inputs, fast: true, pool: newPool(0)}
	base := types.PlanState{
		ChargeWindows: []types.Window{{Start: 0, End: 60, AverageRate: 5, Locked: true}},
		ChargeLimits:  []float64{0},
		BestMetric:    0,
	}

	result := tOpt.Sweep(context.Background(), base, map[int]float64{0: 0}, map[int]float64{0: 1}, map[int]float64{0: 0}, map[int]float64{0: 1}, 0, 0)
	if result.found {
		assert.Equal(t, 0.0, result.state.ChargeLimits[0])
	}
}
