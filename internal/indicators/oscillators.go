package indicators

import "github.com/vyx/screener/internal/model"

// RSI returns the latest Wilder-smoothed Relative Strength Index.
func RSI(klines []model.Kline, period int) (float64, bool) {
	return lastValid(RSISeries(klines, period))
}

// RSISeries computes Wilder's RSI over period, grounded on the teacher's
// CalculateRSI but NaN-leading instead of zero-leading so callers can tell
// "not yet warmed up" from "RSI is exactly zero".
func RSISeries(klines []model.Kline, period int) []float64 {
	out := nanSlice(len(klines))
	if period <= 0 || len(klines) < period+1 {
		return out
	}

	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	out[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain > 0 {
			return 100
		}
		return 50
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACDResult holds the three MACD output series.
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACDSeries returns the full MACD/signal/histogram series.
func MACDSeries(klines []model.Kline, shortPeriod, longPeriod, signalPeriod int) (MACDResult, bool) {
	if shortPeriod <= 0 || longPeriod <= 0 || signalPeriod <= 0 || len(klines) < longPeriod {
		return MACDResult{}, false
	}
	shortEMA := EMASeries(klines, shortPeriod)
	longEMA := EMASeries(klines, longPeriod)

	macdLine := make([]float64, len(klines))
	for i := range klines {
		macdLine[i] = subOrNaN(shortEMA[i], longEMA[i])
	}
	signalLine := emaFromValues(macdLine, signalPeriod)

	histogram := make([]float64, len(klines))
	for i := range klines {
		histogram[i] = subOrNaN(macdLine[i], signalLine[i])
	}
	return MACDResult{MACD: macdLine, Signal: signalLine, Histogram: histogram}, true
}

// MACD returns the latest (macd, signal, histogram) triple.
func MACD(klines []model.Kline, shortPeriod, longPeriod, signalPeriod int) (macd, signal, histogram float64, ok bool) {
	result, ok := MACDSeries(klines, shortPeriod, longPeriod, signalPeriod)
	if !ok {
		return 0, 0, 0, false
	}
	m, mok := lastValid(result.MACD)
	s, sok := lastValid(result.Signal)
	h, hok := lastValid(result.Histogram)
	if !mok || !sok || !hok {
		return 0, 0, 0, false
	}
	return m, s, h, true
}

func subOrNaN(a, b float64) float64 {
	if isNaN(a) || isNaN(b) {
		return nanValue
	}
	return a - b
}

// Stochastic returns the latest (%K, %D) where %D is a true simple moving
// average of %K over dPeriod, correcting the teacher's placeholder
// `%D = %K * 0.9`.
func Stochastic(klines []model.Kline, kPeriod, dPeriod int) (k, d float64, ok bool) {
	kSeries := stochasticKSeries(klines, kPeriod)
	dSeries := smaOfSeries(kSeries, dPeriod)
	kv, kok := lastValid(kSeries)
	dv, dok := lastValid(dSeries)
	if !kok || !dok {
		return 0, 0, false
	}
	return kv, dv, true
}

func stochasticKSeries(klines []model.Kline, kPeriod int) []float64 {
	out := nanSlice(len(klines))
	if kPeriod <= 0 || len(klines) < kPeriod {
		return out
	}
	for i := kPeriod - 1; i < len(klines); i++ {
		window := klines[i-kPeriod+1 : i+1]
		hh, ll := window[0].High, window[0].Low
		for _, b := range window {
			if b.High > hh {
				hh = b.High
			}
			if b.Low < ll {
				ll = b.Low
			}
		}
		if hh > ll {
			out[i] = ((klines[i].Close - ll) / (hh - ll)) * 100
		} else {
			out[i] = 50
		}
	}
	return out
}

func smaOfSeries(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		window := values[i-period+1 : i+1]
		sum, valid := 0.0, true
		for _, v := range window {
			if isNaN(v) {
				valid = false
				break
			}
			sum += v
		}
		if valid {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// StochRSI computes the Stochastic RSI (k, d): a stochastic oscillator
// applied to the RSI series rather than price, distinct from Stochastic's
// price-based %K/%D and not derived from it.
func StochRSI(klines []model.Kline, rsiPeriod, stochPeriod, kSmooth, dSmooth int) (k, d float64, ok bool) {
	rsiSeries := RSISeries(klines, rsiPeriod)
	rawStochRSI := stochOfValues(rsiSeries, stochPeriod)
	kSeries := smaOfSeries(rawStochRSI, kSmooth)
	dSeries := smaOfSeries(kSeries, dSmooth)

	kv, kok := lastValid(kSeries)
	dv, dok := lastValid(dSeries)
	if !kok || !dok {
		return 0, 0, false
	}
	return kv, dv, true
}

func stochOfValues(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		window := values[i-period+1 : i+1]
		hh, ll, valid := window[0], window[0], true
		for _, v := range window {
			if isNaN(v) {
				valid = false
				break
			}
			if v > hh {
				hh = v
			}
			if v < ll {
				ll = v
			}
		}
		if !valid {
			continue
		}
		if hh > ll {
			out[i] = ((values[i] - ll) / (hh - ll)) * 100
		} else {
			out[i] = 50
		}
	}
	return out
}

// ADX computes the Average Directional Index over period using Wilder
// smoothing of the directional movement and true range series.
func ADX(klines []model.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period*2 {
		return 0, false
	}

	n := len(klines)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)

	for i := 1; i < n; i++ {
		upMove := klines[i].High - klines[i-1].High
		downMove := klines[i-1].Low - klines[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		highLow := klines[i].High - klines[i].Low
		highClose := absFloat(klines[i].High - klines[i-1].Close)
		lowClose := absFloat(klines[i].Low - klines[i-1].Close)
		tr[i] = maxFloat3(highLow, highClose, lowClose)
	}

	smoothedTR := wilderSmooth(tr, period)
	smoothedPlusDM := wilderSmooth(plusDM, period)
	smoothedMinusDM := wilderSmooth(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothedTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothedPlusDM[i] / smoothedTR[i]
		minusDI := 100 * smoothedMinusDM[i] / smoothedTR[i]
		sum := plusDI + minusDI
		if sum == 0 {
			continue
		}
		dx[i] = 100 * absFloat(plusDI-minusDI) / sum
	}

	adxSeries := wilderSmooth(dx, period)
	for i := len(adxSeries) - 1; i >= period*2; i-- {
		if adxSeries[i] != 0 {
			return adxSeries[i], true
		}
	}
	return 0, false
}

// wilderSmooth applies Wilder's running-sum smoothing (the same recurrence
// used for RSI's average gain/loss) to an arbitrary value series.
func wilderSmooth(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) <= period {
		return out
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += values[i]
	}
	out[period] = sum
	for i := period + 1; i < len(values); i++ {
		out[i] = out[i-1] - out[i-1]/float64(period) + values[i]
	}
	return out
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxFloat3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
