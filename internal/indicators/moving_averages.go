// Package indicators is a pure, allocation-light set of numerical
// primitives over a kline view, grounded on the teacher's
// pkg/indicators/helpers.go and extended with the series the teacher
// lacked. Every function is deterministic and never panics: insufficient
// input yields a NaN-filled series or a false "ok" latest-value result.
package indicators

import "github.com/vyx/screener/internal/model"

// SMA returns the latest simple moving average over period closes.
func SMA(klines []model.Kline, period int) (float64, bool) {
	series := SMASeries(klines, period)
	return lastValid(series)
}

// SMASeries returns a parallel slice; entries before the warm-up period are
// NaN.
func SMASeries(klines []model.Kline, period int) []float64 {
	out := nanSlice(len(klines))
	if period <= 0 || len(klines) < period {
		return out
	}
	sum := 0.0
	for i, k := range klines {
		sum += k.Close
		if i >= period {
			sum -= klines[i-period].Close
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the latest exponential moving average over period closes.
func EMA(klines []model.Kline, period int) (float64, bool) {
	series := EMASeries(klines, period)
	return lastValid(series)
}

// EMASeries returns a parallel slice seeded by the period-length SMA, then
// smoothed with the standard k = 2/(period+1) factor; NaN before warm-up.
func EMASeries(klines []model.Kline, period int) []float64 {
	out := nanSlice(len(klines))
	if period <= 0 || len(klines) < period {
		return out
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += klines[i].Close
	}
	out[period-1] = sum / float64(period)

	k := 2.0 / float64(period+1)
	for i := period; i < len(klines); i++ {
		out[i] = klines[i].Close*k + out[i-1]*(1-k)
	}
	return out
}

// emaFromValues is EMASeries generalized over an arbitrary value series
// (used to derive the MACD signal line from the MACD line).
func emaFromValues(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	start := 0
	for start < len(values) && isNaN(values[start]) {
		start++
	}
	if period <= 0 || len(values)-start < period {
		return out
	}
	sum := 0.0
	for i := start; i < start+period; i++ {
		sum += values[i]
	}
	out[start+period-1] = sum / float64(period)

	k := 2.0 / float64(period+1)
	for i := start + period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// AvgVolume returns the mean traded volume over the last period bars.
func AvgVolume(klines []model.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Volume
	}
	return sum / float64(period), true
}
