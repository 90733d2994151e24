// Package gridstep resamples per-minute forecast and tariff series onto the
// planner's internal step grid (component A: Time Grid & Step Resampler).
package gridstep

// Direction names the two ends a [k*step, (k+1)*step) bucket can be anchored
// to. StepData takes no Direction: it always reads forward from
// horizonStart, for load as well as PV.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// StepData sums the per-minute values of series falling in each step bucket
// over [horizonStart, horizonStart+horizonMinutes), scaling by scaleToday
// for buckets inside the first 24h and scaleFixed beyond that, then by
// cloudFactor uniformly. Missing samples are treated as zero; the function
// never reads past horizonMinutes (§4.A "Failure").
func StepData(series map[int]float64, horizonStart, horizonMinutes, step int, scaleToday, scaleFixed, cloudFactor float64) map[int]float64 {
	if step <= 0 {
		step = 1
	}
	out := make(map[int]float64, horizonMinutes/step+1)
	steps := horizonMinutes / step
	for k := 0; k <= steps; k++ {
		bucketStart := horizonStart + k*step
		bucketEnd := bucketStart + step
		if bucketStart >= horizonStart+horizonMinutes {
			break
		}
		var sum float64
		for m := bucketStart; m < bucketEnd; m++ {
			sum += series[m]
		}
		scale := scaleFixed
		if k*step < 24*60 {
			scale = scaleToday
		}
		if scale == 0 {
			scale = 1
		}
		out[k] = sum * scale * cloudFactor
	}
	return out
}

// PVCloudFactors returns the (mid, p10) cloud de-rating factors for one
// planning tick. The pessimistic (p10) factor is always at least as
// aggressive as the mid factor, clamped to 1.0 (§4.A).
func PVCloudFactors(metricCloudFactor float64) (mid, p10 float64) {
	mid = metricCloudFactor
	p10 = metricCloudFactor + 0.2
	if p10 > 1.0 {
		p10 = 1.0
	}
	return mid, p10
}

// Truncate drops any minute offsets beyond horizonMinutes from series,
// matching "series longer than the horizon are truncated" (§4.A).
func Truncate(series map[int]float64, horizonMinutes int) map[int]float64 {
	out := make(map[int]float64, len(series))
	for m, v := range series {
		if m < 0 || m >= horizonMinutes {
			continue
		}
		out[m] = v
	}
	return out
}
