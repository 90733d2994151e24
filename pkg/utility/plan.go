package utility

import (
	"time"

	"github.com/wattplan/wattplan/pkg/types"
)

// ToTariffSlots buckets a raw price feed into the planner's minute-indexed
// rate map and the TariffSlot list it scans for cheap/expensive windows.
// minutesNow is the absolute minute (since local midnight of the horizon's
// first day) that corresponds to now. Slots keep the order of the input
// prices, and prices are not filtered against minutesNow: a price that
// started before now maps to minutes below it.
func ToTariffSlots(now time.Time, minutesNow int, prices []types.Price) (rates map[int]float64, slots []types.TariffSlot) {
	rates = make(map[int]float64, len(prices)*30)

	for _, p := range prices {
		startMin := minutesNow + int(p.TSStart.Sub(now).Minutes())
		endMin := minutesNow + int(p.TSEnd.Sub(now).Minutes())
		if endMin <= startMin {
			continue
		}
		rate := p.DollarsPerKWH + p.GridAddlDollarsPerKWH
		for m := startMin; m < endMin; m++ {
			rates[m] = rate
		}
		slots = append(slots, types.TariffSlot{
			Start:       startMin,
			End:         endMin,
			AverageRate: rate,
		})
	}

	return rates, slots
}
