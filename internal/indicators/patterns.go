package indicators

import "github.com/vyx/screener/internal/model"

// DetectEngulfingPattern reports "bullish", "bearish", or "" for the last
// two closed bars, carried over from the teacher's helper unchanged. The
// final element of klines is taken to be the still-forming bar and is
// skipped, so the pattern is read from klines[len-3] and klines[len-2].
func DetectEngulfingPattern(klines []model.Kline) string {
	if len(klines) < 3 {
		return ""
	}
	currentIdx := len(klines) - 2
	prevIdx := len(klines) - 3

	curO, curC := klines[currentIdx].Open, klines[currentIdx].Close
	prevO, prevC := klines[prevIdx].Open, klines[prevIdx].Close

	currentBullish := curC > curO
	currentBearish := curC < curO
	prevBullish := prevC > prevO
	prevBearish := prevC < prevO

	if prevBearish && currentBullish && curO < prevC && curC > prevO {
		return "bullish"
	}
	if prevBullish && currentBearish && curO > prevC && curC < prevO {
		return "bearish"
	}
	return ""
}

// DetectDivergence is a generic bullish/bearish divergence detector
// parameterized over any oscillator series (RSI, MACD histogram, StochRSI
// %K, ...) paired with the underlying price series. New relative to the
// teacher, which had no divergence logic; grounded on the shape of the
// RSI/MACD calculations already present and generalized over any
// oscillator.
//
// Bullish divergence: price makes a lower low over lookback while the
// oscillator makes a higher low. Bearish divergence: price makes a higher
// high while the oscillator makes a lower high.
func DetectDivergence(oscillator []float64, prices []float64, lookback int) (string, bool) {
	n := len(prices)
	if n != len(oscillator) || lookback <= 1 || n < lookback {
		return "", false
	}
	window := prices[n-lookback:]
	oscWindow := oscillator[n-lookback:]

	priceLoIdx, priceHiIdx := 0, 0
	for i, p := range window {
		if isNaN(p) {
			continue
		}
		if p < window[priceLoIdx] || isNaN(window[priceLoIdx]) {
			priceLoIdx = i
		}
		if p > window[priceHiIdx] || isNaN(window[priceHiIdx]) {
			priceHiIdx = i
		}
	}

	last := lookback - 1
	if priceLoIdx == last && !isNaN(oscWindow[priceLoIdx]) {
		oscLowIdx := indexOfMin(oscWindow[:last])
		if !isNaN(oscWindow[oscLowIdx]) && oscWindow[last] > oscWindow[oscLowIdx] && window[last] < window[oscLowIdx] {
			return "bullish", true
		}
	}
	if priceHiIdx == last && !isNaN(oscWindow[priceHiIdx]) {
		oscHighIdx := indexOfMax(oscWindow[:last])
		if !isNaN(oscWindow[oscHighIdx]) && oscWindow[last] < oscWindow[oscHighIdx] && window[last] > window[oscHighIdx] {
			return "bearish", true
		}
	}
	return "", false
}

func indexOfMin(values []float64) int {
	best := 0
	for i, v := range values {
		if isNaN(v) {
			continue
		}
		if isNaN(values[best]) || v < values[best] {
			best = i
		}
	}
	return best
}

func indexOfMax(values []float64) int {
	best := 0
	for i, v := range values {
		if isNaN(v) {
			continue
		}
		if isNaN(values[best]) || v > values[best] {
			best = i
		}
	}
	return best
}

// ClosePrices extracts the Close series, a convenience for callers pairing
// an oscillator series with price for DetectDivergence.
func ClosePrices(klines []model.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}
