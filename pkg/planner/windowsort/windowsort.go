// Package windowsort builds price-ordered and time-ordered merged views over
// charge and export windows (component D: Rate Scanner & Window Sorter).
package windowsort

import (
	"fmt"
	"sort"

	"github.com/wattplan/wattplan/pkg/types"
)

// Kind distinguishes a merged key's origin list.
type Kind = types.WindowKind

const (
	Charge = types.WindowKindCharge
	Export = types.WindowKindExport
)

// Entry is one merged charge-or-export window, addressable by Key.
type Entry struct {
	Key             string
	Kind            Kind
	ID              int
	Average         float64
	AverageSecondary float64
	Start           int
}

// LossRates carries the loss factors the effective-rate formulas need
// (§4.D).
type LossRates struct {
	InverterLoss         float64
	BatteryLoss          float64
	BatteryLossDischarge float64
	CycleCost            float64
	CarbonAdder          float64
	SelfSuffAdder        float64
}

// EffectiveChargeRate computes the loss-adjusted rate used for sorting a
// charge window (§4.D).
func EffectiveChargeRate(nominal float64, l LossRates) float64 {
	denom := l.InverterLoss * l.BatteryLoss
	if denom == 0 {
		denom = 1
	}
	return nominal/denom + l.CycleCost + l.CarbonAdder + l.SelfSuffAdder
}

// EffectiveExportRate computes the loss-adjusted rate used for sorting an
// export window (§4.D).
func EffectiveExportRate(nominal float64, l LossRates) float64 {
	return nominal*l.InverterLoss*l.BatteryLossDischarge - l.CycleCost + l.CarbonAdder
}

// SortByPriceCombined merges charge and export windows into one
// price-ordered view. Key composition follows §4.D exactly: higher prices
// sort first, ties broken by later start time, then id; export keys are
// prefixed "zz_" when exportFirst is false so they always sort after every
// charge key.
func SortByPriceCombined(chargeWindows []types.Window, chargeRates []float64, exportWindows []types.Window, exportRates []float64, exportFirst bool) (keys []string, byKey map[string]Entry, priceSet []float64, priceLinks map[float64][]string) {
	byKey = make(map[string]Entry)
	priceLinks = make(map[float64][]string)

	addEntry := func(kind Kind, id int, w types.Window, avg, avg2 float64, prefixZZ bool) {
		key := fmt.Sprintf("%04.2f_%04.2f_%04d_%s%02d", 5000-avg, 5000-avg2, 9999-w.Start, kindLetter(kind), id)
		if prefixZZ {
			key = "zz_" + key
		}
		byKey[key] = Entry{Key: key, Kind: kind, ID: id, Average: avg, AverageSecondary: avg2, Start: w.Start}
		keys = append(keys, key)
		rounded := roundTo1(avg)
		priceLinks[rounded] = append(priceLinks[rounded], key)
	}

	for i, w := range chargeWindows {
		addEntry(Charge, i, w, chargeRates[i], w.SecondaryRate, false)
	}
	for j, w := range exportWindows {
		addEntry(Export, j, w, exportRates[j], w.SecondaryRate, !exportFirst)
	}

	sort.Strings(keys)

	seen := make(map[float64]bool)
	for _, e := range byKey {
		r := roundTo1(e.Average)
		if !seen[r] {
			seen[r] = true
			priceSet = append(priceSet, r)
		}
	}
	sort.Float64s(priceSet)

	return keys, byKey, priceSet, priceLinks
}

// TimeEntry is one merged window addressed by (start, id, kind) for
// time-ordered passes.
type TimeEntry struct {
	Kind  Kind
	ID    int
	Start int
}

// SortByTimeCombined returns charge and export windows merged and ordered
// by (start, id, kind), matching sort_window_by_time_combined (§4.D).
func SortByTimeCombined(chargeWindows []types.Window, exportWindows []types.Window) []TimeEntry {
	entries := make([]TimeEntry, 0, len(chargeWindows)+len(exportWindows))
	for i, w := range chargeWindows {
		entries = append(entries, TimeEntry{Kind: Charge, ID: i, Start: w.Start})
	}
	for j, w := range exportWindows {
		entries = append(entries, TimeEntry{Kind: Export, ID: j, Start: w.Start})
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].Start != entries[b].Start {
			return entries[a].Start < entries[b].Start
		}
		if entries[a].ID != entries[b].ID {
			return entries[a].ID < entries[b].ID
		}
		return entries[a].Kind < entries[b].Kind
	})
	return entries
}

func kindLetter(k Kind) string {
	if k == Charge {
		return "c"
	}
	return "d"
}

func roundTo1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
