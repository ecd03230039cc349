package internals

import (
	"context"
	"math"
	"time"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
)

// detectRegime applies the classification rules in strict priority order.
func detectRegime(niftyChange, adr, vix, choppiness, trendStrength, avgRange float64) Regime {
	absNifty := math.Abs(niftyChange)

	// 1. Decisive index move confirmed by breadth. Both bounds inclusive:
	// an A/D reading of exactly 1.2 counts as one-sided.
	if absNifty >= 0.5 && (adr >= 1.2 || adr <= 0.8) {
		if vix > 25 {
			return RegimeVolatileTrending
		}
		return RegimeTrending
	}

	// 2. Range-bound tape.
	if choppiness > 61.8 && absNifty < 0.5 {
		if vix > 20 {
			return RegimeVolatileChoppy
		}
		return RegimeChoppy
	}

	// 3. Trend strength without the headline index move.
	if trendStrength > 60 {
		return RegimeTrending
	}

	// 4. Nothing moving.
	if avgRange > 0 && avgRange < 0.5 {
		return RegimeQuiet
	}

	return RegimeNormal
}

// trendStrength scores 0-100 how one-sided the tape is: index move up to
// 40 points, breadth skew up to 35, directional volume up to 25.
func trendStrength(niftyChange, adr, upVolumeRatio float64) float64 {
	score := math.Min(40, math.Abs(niftyChange)*40)

	if adr > 0 {
		skew := adr
		if skew < 1 {
			skew = 1 / skew
		}
		score += math.Min(35, (skew-1)*35)
	}

	score += math.Abs(upVolumeRatio-0.5) * 2 * 25
	return math.Min(100, score)
}

// choppiness returns the cached choppiness index, refreshing from broker
// candles at most once per TTL. The index needs N distinct intraday
// candles; anything less falls back to a range heuristic on the current
// NIFTY move. Same-day OHLC repeated N times is never used: that always
// degenerates to a reading of 100.
func (a *Analyzer) choppiness(ctx context.Context, niftyChange float64) float64 {
	if time.Since(a.chopFetchedAt) < a.cfg.ChoppinessCacheTTL && a.chopFetchedAt != (time.Time{}) {
		return a.chopValue
	}

	value, ok := a.choppinessFromCandles(ctx)
	if !ok {
		value = choppinessEstimate(niftyChange)
	}

	a.chopValue = value
	a.chopFetchedAt = time.Now()
	return value
}

func (a *Analyzer) choppinessFromCandles(ctx context.Context) (float64, bool) {
	if a.candles == nil {
		return 0, false
	}

	n := a.cfg.ChoppinessPeriod
	now := a.clock.Now()
	from := now.Add(-time.Duration(3*n) * 5 * time.Minute)

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	candles, err := a.candles.GetHistoricalData(fetchCtx, market.SymbolNifty, "5minute", from, now)
	if err != nil {
		a.logger.Warn().Err(err).Msg("choppiness candles unavailable, estimating")
		return 0, false
	}

	distinct := distinctCandles(candles)
	if len(distinct) < n {
		a.logger.Debug().Int("have", len(distinct)).Int("need", n).Msg("too few distinct candles for choppiness")
		return 0, false
	}
	window := distinct[len(distinct)-n:]

	var trSum float64
	highest := window[0].High
	lowest := window[0].Low
	for i, c := range window {
		tr := c.High - c.Low
		if i > 0 {
			prevClose := window[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		}
		trSum += tr
		highest = math.Max(highest, c.High)
		lowest = math.Min(lowest, c.Low)
	}

	span := highest - lowest
	if span <= 0 || trSum <= 0 {
		return 0, false
	}
	chop := 100 * math.Log10(trSum/span) / math.Log10(float64(n))
	return math.Max(0, math.Min(100, chop)), true
}

// distinctCandles drops duplicate timestamps and zero-range bars so a
// repeated same-day OHLC row cannot masquerade as history.
func distinctCandles(in []broker.Candle) []broker.Candle {
	out := make([]broker.Candle, 0, len(in))
	var lastTS time.Time
	for _, c := range in {
		if !c.Timestamp.After(lastTS) && len(out) > 0 {
			continue
		}
		if c.High == c.Low && c.Open == c.Close && c.High == c.Open {
			continue
		}
		out = append(out, c)
		lastTS = c.Timestamp
	}
	return out
}

// choppinessEstimate maps the current intraday |change| to a plausible
// choppiness reading: a flat index reads range-bound, a 1%+ move reads
// trending.
func choppinessEstimate(niftyChange float64) float64 {
	move := math.Min(math.Abs(niftyChange), 1.0)
	return 70 - move*40
}
