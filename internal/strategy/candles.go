package strategy

import (
	"context"
	"sync"
	"time"

	"zerodha-trading-engine/internal/broker"
)

// CandleSource is the slice of the broker the pool needs.
type CandleSource interface {
	GetHistoricalData(ctx context.Context, symbol, interval string, from, to time.Time) ([]broker.Candle, error)
}

// candleCache throttles historical fetches to once per symbol+interval per
// TTL, per the broker resource policy.
type candleCache struct {
	source CandleSource
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]candleEntry
}

type candleEntry struct {
	candles   []broker.Candle
	fetchedAt time.Time
}

func newCandleCache(source CandleSource, ttl time.Duration) *candleCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &candleCache{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]candleEntry),
	}
}

// get returns cached candles when fresh, refetching otherwise. A fetch
// failure returns the stale slice when one exists.
func (cc *candleCache) get(ctx context.Context, symbol, interval string, bars int, now time.Time) ([]broker.Candle, error) {
	key := symbol + "|" + interval

	cc.mu.Lock()
	entry, ok := cc.entries[key]
	cc.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < cc.ttl {
		return entry.candles, nil
	}

	if cc.source == nil {
		return entry.candles, nil
	}

	span := intervalSpan(interval) * time.Duration(bars+5)
	candles, err := cc.source.GetHistoricalData(ctx, symbol, interval, now.Add(-span), now)
	if err != nil {
		if ok {
			return entry.candles, nil
		}
		return nil, err
	}

	cc.mu.Lock()
	cc.entries[key] = candleEntry{candles: candles, fetchedAt: now}
	cc.mu.Unlock()
	return candles, nil
}

func intervalSpan(interval string) time.Duration {
	switch interval {
	case "minute":
		return time.Minute
	case "5minute":
		return 5 * time.Minute
	case "15minute":
		return 15 * time.Minute
	case "60minute":
		return time.Hour
	case "day":
		return 24 * time.Hour
	default:
		return 5 * time.Minute
	}
}

// closes extracts close prices for indicator math.
func closes(candles []broker.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func highs(candles []broker.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

func lows(candles []broker.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

func volumes(candles []broker.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = float64(c.Volume)
	}
	return out
}
