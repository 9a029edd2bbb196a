package indicators

import "github.com/vyx/screener/internal/model"

// BollingerBandsResult holds the three Bollinger Bands output series.
type BollingerBandsResult struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// BollingerBandsSeries returns the full upper/middle/lower series, grounded
// on the teacher's CalculateBollingerBands.
func BollingerBandsSeries(klines []model.Kline, period int, stdDevK float64) (BollingerBandsResult, bool) {
	if period <= 0 || len(klines) < period {
		return BollingerBandsResult{}, false
	}
	middle := SMASeries(klines, period)
	upper := nanSlice(len(klines))
	lower := nanSlice(len(klines))

	for i := period - 1; i < len(klines); i++ {
		closes := make([]float64, period)
		for j := 0; j < period; j++ {
			closes[j] = klines[i-period+1+j].Close
		}
		sd := stddev(closes, middle[i])
		upper[i] = middle[i] + stdDevK*sd
		lower[i] = middle[i] - stdDevK*sd
	}
	return BollingerBandsResult{Upper: upper, Middle: middle, Lower: lower}, true
}

// BollingerBands returns the latest (upper, middle, lower) triple.
func BollingerBands(klines []model.Kline, period int, stdDevK float64) (upper, middle, lower float64, ok bool) {
	result, ok := BollingerBandsSeries(klines, period, stdDevK)
	if !ok {
		return 0, 0, 0, false
	}
	u, uok := lastValid(result.Upper)
	m, mok := lastValid(result.Middle)
	l, lok := lastValid(result.Lower)
	if !uok || !mok || !lok {
		return 0, 0, 0, false
	}
	return u, m, l, true
}

// HighestHigh returns the highest High over the last period bars.
func HighestHigh(klines []model.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	window := klines[len(klines)-period:]
	hh := window[0].High
	for _, k := range window {
		if k.High > hh {
			hh = k.High
		}
	}
	return hh, true
}

// LowestLow returns the lowest Low over the last period bars.
func LowestLow(klines []model.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}
	window := klines[len(klines)-period:]
	ll := window[0].Low
	for _, k := range window {
		if k.Low < ll {
			ll = k.Low
		}
	}
	return ll, true
}
