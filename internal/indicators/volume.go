package indicators

import "github.com/vyx/screener/internal/model"

// VWAP returns the volume-weighted average price over the full input
// window (no anchor), grounded on the teacher's CalculateVWAP.
func VWAP(klines []model.Kline) (float64, bool) {
	return VWAPAnchored(klines, len(klines))
}

// VWAPAnchored computes VWAP over only the last anchor bars, letting
// callers reset VWAP at a session/day boundary (new: the teacher's
// CalculateVWAP had no anchor window).
func VWAPAnchored(klines []model.Kline, anchor int) (float64, bool) {
	if anchor <= 0 || len(klines) == 0 {
		return 0, false
	}
	if anchor > len(klines) {
		anchor = len(klines)
	}
	window := klines[len(klines)-anchor:]

	cumulativeTPV, cumulativeVolume := 0.0, 0.0
	for _, k := range window {
		typicalPrice := (k.High + k.Low + k.Close) / 3
		cumulativeTPV += typicalPrice * k.Volume
		cumulativeVolume += k.Volume
	}
	if cumulativeVolume == 0 {
		return 0, false
	}
	return cumulativeTPV / cumulativeVolume, true
}

// VWAPSeries returns a rolling VWAP computed over a trailing anchor-bar
// window at every point.
func VWAPSeries(klines []model.Kline, anchor int) []float64 {
	out := nanSlice(len(klines))
	if anchor <= 0 {
		return out
	}
	for i := range klines {
		lo := i - anchor + 1
		if lo < 0 {
			continue
		}
		if v, ok := VWAPAnchored(klines[:i+1], anchor); ok {
			out[i] = v
		}
	}
	return out
}

// VWAPBands returns VWAP +/- k standard deviations of price from VWAP over
// the anchor window.
func VWAPBands(klines []model.Kline, anchor int, k float64) (upper, lower float64, ok bool) {
	vwap, ok := VWAPAnchored(klines, anchor)
	if !ok {
		return 0, 0, false
	}
	if anchor > len(klines) {
		anchor = len(klines)
	}
	window := klines[len(klines)-anchor:]
	prices := make([]float64, len(window))
	for i, bar := range window {
		prices[i] = (bar.High + bar.Low + bar.Close) / 3
	}
	sd := stddev(prices, vwap)
	return vwap + k*sd, vwap - k*sd, true
}

// PositiveVolumeIndex returns the latest Positive Volume Index: a
// cumulative index, seeded at 100, that only updates on bars where volume
// increased versus the prior bar.
func PositiveVolumeIndex(klines []model.Kline) (float64, bool) {
	series := PositiveVolumeIndexSeries(klines)
	return lastValid(series)
}

// PositiveVolumeIndexSeries returns the full PVI series.
func PositiveVolumeIndexSeries(klines []model.Kline) []float64 {
	out := nanSlice(len(klines))
	if len(klines) == 0 {
		return out
	}
	out[0] = 100
	for i := 1; i < len(klines); i++ {
		prev := out[i-1]
		if klines[i].Volume > klines[i-1].Volume && klines[i-1].Close != 0 {
			change := (klines[i].Close - klines[i-1].Close) / klines[i-1].Close
			out[i] = prev + prev*change
		} else {
			out[i] = prev
		}
	}
	return out
}
