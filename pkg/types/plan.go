package types

import "fmt"

// TariffSlot is a priced interval on one tariff stream (import or export).
// Start and End are minutes-since-local-midnight; slots never overlap
// within a single stream.
type TariffSlot struct {
	Start         int     `json:"start"`
	End           int     `json:"end"`
	AverageRate   float64 `json:"averageRate"`
	SecondaryRate float64 `json:"secondaryRate,omitempty"`
	HasSecondary  bool    `json:"hasSecondary,omitempty"`
}

// Contains reports whether minute m falls within the half-open slot.
func (s TariffSlot) Contains(m int) bool {
	return m >= s.Start && m < s.End
}

// WindowKind distinguishes charge windows from export windows when both are
// carried in a single merged list (see pkg/planner/windowsort).
type WindowKind int

const (
	WindowKindCharge WindowKind = iota
	WindowKindExport
)

// Window is a half-open minute interval with an associated rate, shared
// shape for both charge and export windows.
type Window struct {
	Start          int     `json:"start"`
	End            int     `json:"end"`
	AverageRate    float64 `json:"averageRate"`
	SecondaryRate  float64 `json:"secondaryRate,omitempty"`
	// TargetKWh is published by the post-processor for reporting; it mirrors
	// the committed limit for this window once finalized.
	TargetKWh float64 `json:"target,omitempty"`
	// Locked is set once a manual override has pinned this window's limit;
	// the optimizer must never mutate a locked window.
	Locked bool `json:"locked,omitempty"`
}

func (w Window) Minutes() int { return w.End - w.Start }

// ChargeMode is the tagged-variant replacement for the source's overloaded
// single-float charge limit. Off carries no target. Freeze pauses discharge
// without drawing from the grid. Charge draws the battery up to TargetKWh.
type ChargeMode int

const (
	ChargeOff ChargeMode = iota
	ChargeFreeze
	ChargeTo
)

// ChargeLimit is the decoded form of a charge window's limit entry.
type ChargeLimit struct {
	Mode      ChargeMode `json:"mode"`
	TargetKWh float64    `json:"targetKWh,omitempty"`
}

// DecodeChargeLimit converts the wire-compatible single-float encoding
// (0 = off, (0,reserve] = freeze, (reserve,socMax] = charge-to) into the
// tagged variant. See spec data model §3 "Charge Limit".
func DecodeChargeLimit(raw, reserve float64) ChargeLimit {
	switch {
	case raw <= 0:
		return ChargeLimit{Mode: ChargeOff}
	case raw <= reserve:
		return ChargeLimit{Mode: ChargeFreeze, TargetKWh: raw}
	default:
		return ChargeLimit{Mode: ChargeTo, TargetKWh: raw}
	}
}

// Encode returns the legacy single-float wire form used at the reporting
// boundary (PlanOutputs), preserving compatibility with downstream device
// drivers that still expect the sentinel-encoded scalar.
func (c ChargeLimit) Encode() float64 {
	switch c.Mode {
	case ChargeOff:
		return 0
	default:
		return c.TargetKWh
	}
}

// ExportMode is the tagged-variant replacement for the source's overloaded
// export limit float (100 = off, 99 = freeze, fractional = low power).
type ExportMode int

const (
	ExportOff ExportMode = iota
	ExportFreeze
	ExportTo
)

// ExportLimit is the decoded form of an export window's limit entry.
type ExportLimit struct {
	Mode      ExportMode `json:"mode"`
	TargetPct float64    `json:"targetPct,omitempty"`
	// PowerScale is the low-power discharge fraction of max rate, in (0,1].
	// 1.0 means full rate.
	PowerScale float64 `json:"powerScale,omitempty"`
}

// DecodeExportLimit converts the legacy single-float encoding into the
// tagged variant per spec data model §3 "Export Limit".
func DecodeExportLimit(raw float64) ExportLimit {
	switch {
	case raw >= 100:
		return ExportLimit{Mode: ExportOff}
	case raw >= 99 && raw < 100:
		return ExportLimit{Mode: ExportFreeze}
	default:
		targetPct := float64(int(raw))
		scale := raw - targetPct
		if scale <= 0 {
			scale = 1.0
		}
		return ExportLimit{Mode: ExportTo, TargetPct: targetPct, PowerScale: scale}
	}
}

// Encode returns the legacy single-float wire form.
func (e ExportLimit) Encode() float64 {
	switch e.Mode {
	case ExportOff:
		return 100
	case ExportFreeze:
		return 99
	default:
		if e.PowerScale > 0 && e.PowerScale < 1 {
			return e.TargetPct + e.PowerScale
		}
		return e.TargetPct
	}
}

// BatteryState is the inverter snapshot the planner treats as read-only
// input for one tick.
type BatteryState struct {
	SoCKWh               float64 `json:"socKWh"`
	SoCMaxKWh            float64 `json:"socMaxKWh"`
	ReserveKWh           float64 `json:"reserveKWh"`
	ChargeRateMaxKW      float64 `json:"chargeRateMaxKW"`
	DischargeRateMaxKW   float64 `json:"dischargeRateMaxKW"`
	BatteryLoss          float64 `json:"batteryLoss"`
	BatteryLossDischarge float64 `json:"batteryLossDischarge"`
	InverterLoss         float64 `json:"inverterLoss"`
	TemperatureC         float64 `json:"temperatureC"`
}

// ReservePct returns the reserve floor expressed as a percent of SoCMaxKWh.
func (b BatteryState) ReservePct() float64 {
	if b.SoCMaxKWh <= 0 {
		return 0
	}
	return 100 * b.ReserveKWh / b.SoCMaxKWh
}

// CarChargingSlot is one scheduled car-charging interval.
type CarChargingSlot struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	KWh   float64 `json:"kWh"`
}

// PVMode selects which PV forecast percentile a simulation uses.
type PVMode int

const (
	PVModeMid PVMode = iota
	PVModeP10
)

// PredictionResult is the scalar + time-series output of one Forward
// Simulator run (component B).
type PredictionResult struct {
	Cost              float64 `json:"cost"`
	ImportToBattery   float64 `json:"importToBattery"`
	ImportToHouse     float64 `json:"importToHouse"`
	Export            float64 `json:"export"`
	SoCMinKWh         float64 `json:"socMin"`
	FinalSoCKWh       float64 `json:"finalSoc"`
	SoCMinMinute      int     `json:"socMinMinute"`
	BatteryCycleKWh   float64 `json:"batteryCycle"`
	KeepPenalty       float64 `json:"keepPenalty"`
	FinalIBoostKWh    float64 `json:"finalIboost"`
	FinalCarbonGrams  float64 `json:"finalCarbonG"`

	// Series are dense, one entry per step, for reporting only.
	Series PredictionSeries `json:"series,omitempty"`
}

// PredictionSeries holds the reportable per-step time series for one
// simulation run, keyed by step index (see PlanOutputs for the
// timestamp-keyed reporting form).
type PredictionSeries struct {
	SoCKWh      []float64 `json:"soc,omitempty"`
	BatteryKW   []float64 `json:"batteryKW,omitempty"`
	PVKW        []float64 `json:"pvKW,omitempty"`
	GridKW      []float64 `json:"gridKW,omitempty"`
	LoadKW      []float64 `json:"loadKW,omitempty"`
	ImportKWh   []float64 `json:"importKWh,omitempty"`
	ExportKWh   []float64 `json:"exportKWh,omitempty"`
	IBoostKWh   []float64 `json:"iboostKWh,omitempty"`
	CarbonG     []float64 `json:"carbonG,omitempty"`
	MetricValue []float64 `json:"metric,omitempty"`
}

// ManualOverrides holds the six manual override maps keyed by window start
// minute. A minute present in a map pins the corresponding limit and marks
// the window immutable (invariant 6).
type ManualOverrides struct {
	ChargeTimes       map[int]bool `json:"chargeTimes,omitempty"`
	FreezeChargeTimes map[int]bool `json:"freezeChargeTimes,omitempty"`
	DemandTimes       map[int]bool `json:"demandTimes,omitempty"`
	ExportTimes       map[int]bool `json:"exportTimes,omitempty"`
	FreezeExportTimes map[int]bool `json:"freezeExportTimes,omitempty"`
	AllTimes          map[int]bool `json:"allTimes,omitempty"`
}

// Locked reports whether the window starting at minute start is pinned by
// any manual override map.
func (m ManualOverrides) Locked(start int) bool {
	for _, set := range []map[int]bool{m.ChargeTimes, m.FreezeChargeTimes, m.DemandTimes, m.ExportTimes, m.FreezeExportTimes, m.AllTimes} {
		if set[start] {
			return true
		}
	}
	return false
}

// PlanConfig is the planner's configuration surface (spec §6 table). It is
// versioned the same way Settings is, via PlanConfigCurrentVersion /
// MigratePlanConfig.
type PlanConfig struct {
	CalculateBestCharge  bool `json:"calculateBestCharge"`
	CalculateBestExport  bool `json:"calculateBestExport"`
	CalculateExportFirst bool `json:"calculateExportFirst"`
	CalculateExportOnCharge bool `json:"calculateExportOnCharge"`
	CalculateRegions     bool `json:"calculateRegions"`
	CalculateTweakPlan   bool `json:"calculateTweakPlan"`
	CalculateSecondPass  bool `json:"calculateSecondPass"`

	SetChargeFreeze     bool `json:"setChargeFreeze"`
	SetExportFreeze     bool `json:"setExportFreeze"`
	SetExportFreezeOnly bool `json:"setExportFreezeOnly"`
	SetExportLowPower   bool `json:"setExportLowPower"`
	SetChargeLowPower   bool `json:"setChargeLowPower"`
	ChargeLowPowerMarginMinutes int `json:"chargeLowPowerMarginMinutes"`

	IBoostEnable    bool    `json:"iboostEnable"`
	IBoostMaxPowerKW float64 `json:"iboostMaxPowerKW"`
	IBoostMinPVSurplusKW float64 `json:"iboostMinPvSurplusKW"`
	IBoostFromGrid  bool    `json:"iboostFromGrid"`
	// IBoostScale weights the virtual hot-water store's residual kWh in the
	// metric's battery_value term (§4.C); 0 means iBoost has no residual
	// value to the metric.
	IBoostScale float64 `json:"iboostScale"`

	// CarChargingFromBattery mirrors predbat's car_charging_from_battery:
	// when false, scheduled car load is billed as grid import only and
	// never competes with the battery for PV/charge (§4.B edge cases).
	CarChargingFromBattery bool `json:"carChargingFromBattery"`

	CarbonEnable bool    `json:"carbonEnable"`
	CarbonMetric float64 `json:"carbonMetric"`

	MetricBatteryValueScaling      float64 `json:"metricBatteryValueScaling"`
	MetricBatteryCycle             float64 `json:"metricBatteryCycle"`
	MetricSelfSufficiency          float64 `json:"metricSelfSufficiency"`
	MetricMinImprovement           float64 `json:"metricMinImprovement"`
	MetricMinImprovementExport     float64 `json:"metricMinImprovementExport"`
	MetricMinImprovementExportFreeze float64 `json:"metricMinImprovementExportFreeze"`
	PVMetric10Weight               float64 `json:"pvMetric10Weight"`
	// RateExportFloor is a configured floor on the metric's battery_value
	// multiplier, alongside rate_min_fwd and 1.0 (§4.C).
	RateExportFloor float64 `json:"rateExportFloor"`

	// MetricCloudFactor de-rates the mid-PV step series for cloud coverage
	// / load divergence (§4.A); the pessimistic (p10) series always uses
	// min(MetricCloudFactor+0.2, 1.0), per gridstep.PVCloudFactors.
	MetricCloudFactor float64 `json:"metricCloudFactor"`

	BestSoCStepKWh   float64 `json:"bestSocStepKWh"`
	BestSoCMinKWh    float64 `json:"bestSocMinKWh"`
	BestSoCMaxKWh    float64 `json:"bestSocMaxKWh"`
	BestSoCMarginKWh float64 `json:"bestSocMarginKWh"`
	BestSoCKeepKWh   float64 `json:"bestSocKeepKWh"`

	ForecastPlanHours int `json:"forecastPlanHours"`
	ForecastMinutes   int `json:"forecastMinutes"`
	MaxChargeWindows  int `json:"maxChargeWindows"`

	// Threads is the worker pool size. 0 means run synchronously.
	Threads int `json:"threads"`

	// StepMinutes is the internal planning step; FastStepMinutes is used by
	// coarse passes (§4.A, "fast mode").
	StepMinutes     int `json:"stepMinutes"`
	FastStepMinutes int `json:"fastStepMinutes"`
}

// PlanConfigCurrentVersion is the current version of PlanConfig.
const PlanConfigCurrentVersion = 1

// DefaultPlanConfig returns a PlanConfig with the defaults predbat.py ships,
// adapted to this repo's naming.
func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		CalculateBestCharge:  true,
		CalculateBestExport:  true,
		CalculateRegions:     true,
		CalculateTweakPlan:   true,
		CalculateSecondPass:  false,
		SetChargeFreeze:      true,
		SetExportFreeze:      true,
		MetricBatteryValueScaling: 1.0,
		MetricMinImprovement:      0.0,
		MetricMinImprovementExport: 0.0,
		PVMetric10Weight:          0.15,
		MetricCloudFactor: 1.0,
		BestSoCStepKWh:   0.5,
		BestSoCMarginKWh: 0,
		ForecastPlanHours: 24,
		ForecastMinutes:   48 * 60,
		MaxChargeWindows:  96,
		Threads:           0,
		StepMinutes:       5,
		FastStepMinutes:   30,
	}
}

// MigratePlanConfig fills in zero-valued fields that must never be zero,
// mirroring the Settings migration pattern.
func MigratePlanConfig(c PlanConfig, currentVersion int) (PlanConfig, bool, error) {
	if currentVersion >= PlanConfigCurrentVersion {
		return c, false, nil
	}
	migrated := false
	for version := currentVersion + 1; version <= PlanConfigCurrentVersion; version++ {
		switch version {
		case 1:
			if c.StepMinutes == 0 {
				c.StepMinutes = 5
				migrated = true
			}
			if c.FastStepMinutes == 0 {
				c.FastStepMinutes = 30
				migrated = true
			}
			if c.ForecastMinutes == 0 {
				c.ForecastMinutes = 48 * 60
				migrated = true
			}
			if c.MetricCloudFactor == 0 {
				c.MetricCloudFactor = 1.0
				migrated = true
			}
		default:
			return c, false, fmt.Errorf("unknown plan config version: %d", version)
		}
	}
	return c, migrated, nil
}

// PlanInputs is the immutable bundle of forecasts, tariffs, and device state
// a single recompute tick reads. Never mutated once built (§9 design note:
// split the source's mutable god-object into PlanInputs/PlanState/Simulator).
type PlanInputs struct {
	MinutesNow int

	LoadMinutes         map[int]float64 // kWh per minute, indexed by absolute minute and read forward from MinutesNow like PVForecastMinute; backward (history) indexing is not supported
	PVForecastMinute    map[int]float64 // kW per minute, indexed by minutes after local midnight
	PVForecastMinute10  map[int]float64
	RateImport          map[int]float64 // currency per kWh, indexed by absolute minute of horizon
	RateExport          map[int]float64
	CarbonIntensity     map[int]float64 // g per kWh, indexed relative to MinutesNow; nil if disabled

	LowRates       []TariffSlot
	HighExportRates []TariffSlot

	Battery BatteryState

	CarCharging map[string][]CarChargingSlot
	IBoost      []CarChargingSlot

	Overrides ManualOverrides

	Config PlanConfig
}

// PlanState is the orchestrator-owned mutable working set: the charge and
// export window lists plus their parallel limit arrays. Mutated in place
// across passes within one tick, per spec §3 Lifecycle; never shared
// across goroutines without a copy (see PlanState.Clone).
type PlanState struct {
	ChargeWindows []Window
	ChargeLimits  []float64 // legacy encoding; decode via DecodeChargeLimit

	ExportWindows []Window
	ExportLimits  []float64 // legacy encoding; decode via DecodeExportLimit

	BestMetric float64
}

// Clone returns a deep copy so a candidate pass can mutate without aliasing
// the orchestrator's committed state (§5 parallel safety invariants).
func (s PlanState) Clone() PlanState {
	out := PlanState{
		ChargeWindows: append([]Window(nil), s.ChargeWindows...),
		ChargeLimits:  append([]float64(nil), s.ChargeLimits...),
		ExportWindows: append([]Window(nil), s.ExportWindows...),
		ExportLimits:  append([]float64(nil), s.ExportLimits...),
		BestMetric:    s.BestMetric,
	}
	return out
}

// PlanOutputs is the reportable result of one orchestrator tick (spec §6
// Outputs).
type PlanOutputs struct {
	ChargeWindowBest        []Window  `json:"chargeWindowBest"`
	ChargeLimitBest         []float64 `json:"chargeLimitBest"`
	ChargeLimitPercentBest  []int     `json:"chargeLimitPercentBest"`

	ExportWindowBest []Window  `json:"exportWindowBest"`
	ExportLimitsBest []float64 `json:"exportLimitsBest"`

	BestMetric        float64 `json:"bestMetric"`
	BestCost          float64 `json:"bestCost"`
	BestCycleKWh      float64 `json:"bestCycle"`
	BestCarbonGrams   float64 `json:"bestCarbon"`
	BestImportKWh     float64 `json:"bestImport"`
	BestResidualValue float64 `json:"bestResidualValue"`
	SoCMinKWh         float64 `json:"socMin"`
	SoCMinMinute      int     `json:"socMinMinute"`
	EndRecordMinute   int     `json:"endRecord"`

	Series map[string]PredictionSeries `json:"series,omitempty"`

	PlanValid       bool      `json:"planValid"`
	PlanLastUpdated int       `json:"planLastUpdated"`
	StatusMessage   string    `json:"statusMessage,omitempty"`
}
