package internals

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"zerodha-trading-engine/internal/market"
)

// computeBreadth counts participation across the snapshot. Index and
// option symbols are excluded; only cash equities vote.
func (a *Analyzer) computeBreadth(snapshot map[string]market.Quote) Breadth {
	b := Breadth{}
	var aboveVWAP, withVWAP int

	for sym, q := range snapshot {
		if isIndexSymbol(sym) || market.IsOption(sym) {
			continue
		}

		switch {
		case q.ChangePercent > a.cfg.BreadthChangeThreshold:
			b.Advancing++
		case q.ChangePercent < -a.cfg.BreadthChangeThreshold:
			b.Declining++
		default:
			b.Unchanged++
		}

		if q.VWAP > 0 {
			withVWAP++
			if q.AboveVWAP() {
				aboveVWAP++
			}
		}

		if q.YearHigh > 0 && q.LTP >= q.YearHigh*(1-a.cfg.HighLowProximityPercent/100) {
			b.NewHighs++
		}
		if q.YearLow > 0 && q.LTP <= q.YearLow*(1+a.cfg.HighLowProximityPercent/100) {
			b.NewLows++
		}
	}

	if b.Declining > 0 {
		b.AdvanceDeclineRatio = float64(b.Advancing) / float64(b.Declining)
	} else if b.Advancing > 0 {
		b.AdvanceDeclineRatio = float64(b.Advancing)
	} else {
		b.AdvanceDeclineRatio = 1
	}

	a.cumulativeAD += float64(b.Advancing - b.Declining)
	b.CumulativeADLine = a.cumulativeAD

	if withVWAP > 0 {
		b.PercentAboveVWAP = float64(aboveVWAP) / float64(withVWAP) * 100
	}
	b.NetHighLow = b.NewHighs - b.NewLows

	// Feed the rolling breadth series used for realized vol.
	a.breadthHistory = append(a.breadthHistory, b.AdvanceDeclineRatio)
	if len(a.breadthHistory) > 30 {
		a.breadthHistory = a.breadthHistory[len(a.breadthHistory)-30:]
	}
	return b
}

// computeVolume aggregates where volume is concentrated. The institutional
// flow proxy is the signed share of volume printing in symbols moving more
// than 1%: conviction-sized moves on real volume.
func (a *Analyzer) computeVolume(snapshot map[string]market.Quote) VolumeProfile {
	v := VolumeProfile{}
	var upVolume, downVolume, bigMoveFlow int64

	for sym, q := range snapshot {
		if isIndexSymbol(sym) || market.IsOption(sym) {
			continue
		}
		v.TotalVolume += q.Volume

		switch {
		case q.ChangePercent > a.cfg.BreadthChangeThreshold:
			upVolume += q.Volume
		case q.ChangePercent < -a.cfg.BreadthChangeThreshold:
			downVolume += q.Volume
		}

		if q.ChangePercent > 1.0 {
			bigMoveFlow += q.Volume
		} else if q.ChangePercent < -1.0 {
			bigMoveFlow -= q.Volume
		}
	}

	directional := upVolume + downVolume
	if directional > 0 {
		v.UpVolumeRatio = float64(upVolume) / float64(directional)
	} else {
		v.UpVolumeRatio = 0.5
	}
	v.VolumeBreadth = float64(upVolume - downVolume)
	if v.TotalVolume > 0 {
		v.InstitutionalFlow = float64(bigMoveFlow) / float64(v.TotalVolume)
	}
	return v
}

// computeVolatility averages intraday ranges and reads the VIX quote.
// Realized vol is the standard deviation of the recent breadth series,
// scaled to a percent-like figure.
func (a *Analyzer) computeVolatility(snapshot map[string]market.Quote) Volatility {
	v := Volatility{}
	var rangeSum float64
	var rangeCount int

	for sym, q := range snapshot {
		if isIndexSymbol(sym) || market.IsOption(sym) {
			continue
		}
		if r := q.IntradayRangePercent(); r > 0 {
			rangeSum += r
			rangeCount++
		}
	}
	if rangeCount > 0 {
		v.AvgIntradayRange = rangeSum / float64(rangeCount)
	}

	if vix, ok := snapshot[market.SymbolIndiaVIX]; ok {
		v.VIXLevel = vix.LTP
		if a.prevVIX > 0 {
			v.VIXChange = vix.LTP - a.prevVIX
		}
		a.prevVIX = vix.LTP
	}

	if len(a.breadthHistory) >= 5 {
		v.RealizedVol = stat.StdDev(a.breadthHistory, nil) * math.Sqrt(float64(len(a.breadthHistory)))
	}
	return v
}

func isIndexSymbol(symbol string) bool {
	switch symbol {
	case market.SymbolNifty, market.SymbolBankNIFT, market.SymbolIndiaVIX:
		return true
	}
	return false
}
