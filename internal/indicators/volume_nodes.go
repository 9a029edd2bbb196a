package indicators

import "github.com/vyx/screener/internal/model"

// HVNNode is one price bin of a High Volume Node profile: a price level
// where a disproportionate share of volume traded within the lookback
// window, analogous to a volume-profile point of control.
type HVNNode struct {
	Price          float64
	Volume         float64
	Strength       float64 // 0..100, relative to the busiest bin in the profile
	BuyVolume      float64
	SellVolume     float64
	PriceRangeLow  float64
	PriceRangeHigh float64
}

// HighVolumeNodes bins (price x volume) over the last lookback bars into
// bins buckets and returns them ranked by Volume descending.
func HighVolumeNodes(klines []model.Kline, lookback, bins int) []HVNNode {
	if lookback <= 0 || bins <= 0 || len(klines) == 0 {
		return nil
	}
	if lookback > len(klines) {
		lookback = len(klines)
	}
	window := klines[len(klines)-lookback:]

	lo, hi := window[0].Low, window[0].High
	for _, k := range window {
		if k.Low < lo {
			lo = k.Low
		}
		if k.High > hi {
			hi = k.High
		}
	}
	if hi <= lo {
		return nil
	}
	binWidth := (hi - lo) / float64(bins)

	nodes := make([]HVNNode, bins)
	for i := range nodes {
		nodes[i].PriceRangeLow = lo + float64(i)*binWidth
		nodes[i].PriceRangeHigh = lo + float64(i+1)*binWidth
		nodes[i].Price = (nodes[i].PriceRangeLow + nodes[i].PriceRangeHigh) / 2
	}

	for _, k := range window {
		typicalPrice := (k.High + k.Low + k.Close) / 3
		idx := int((typicalPrice - lo) / binWidth)
		if idx >= bins {
			idx = bins - 1
		}
		if idx < 0 {
			idx = 0
		}
		nodes[idx].Volume += k.Volume
		nodes[idx].BuyVolume += k.BuyVolume
		nodes[idx].SellVolume += k.SellVolume
	}

	maxVolume := 0.0
	for _, n := range nodes {
		if n.Volume > maxVolume {
			maxVolume = n.Volume
		}
	}
	if maxVolume > 0 {
		for i := range nodes {
			nodes[i].Strength = nodes[i].Volume / maxVolume * 100
		}
	}

	sortHVNByVolumeDesc(nodes)
	return nodes
}

func sortHVNByVolumeDesc(nodes []HVNNode) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].Volume > nodes[j-1].Volume; j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

// IsNearHVN reports whether price falls within tolerance (absolute price
// units) of any node's range.
func IsNearHVN(price float64, nodes []HVNNode, tolerance float64) bool {
	_, ok := ClosestHVN(price, nodes)
	if !ok {
		return false
	}
	for _, n := range nodes {
		if price >= n.PriceRangeLow-tolerance && price <= n.PriceRangeHigh+tolerance {
			return true
		}
	}
	return false
}

// ClosestHVN returns the node whose range midpoint is nearest to price.
func ClosestHVN(price float64, nodes []HVNNode) (HVNNode, bool) {
	if len(nodes) == 0 {
		return HVNNode{}, false
	}
	best := nodes[0]
	bestDist := absFloat(price - best.Price)
	for _, n := range nodes[1:] {
		if d := absFloat(price - n.Price); d < bestDist {
			best, bestDist = n, d
		}
	}
	return best, true
}

// CountHVNInRange counts how many nodes have a range midpoint within
// [low, high].
func CountHVNInRange(nodes []HVNNode, low, high float64) int {
	count := 0
	for _, n := range nodes {
		if n.Price >= low && n.Price <= high {
			count++
		}
	}
	return count
}
