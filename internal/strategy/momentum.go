package strategy

import (
	"math"

	"github.com/markcheno/go-talib"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
)

// MomentumConfig tunes the EMA/RSI trend-following strategy.
type MomentumConfig struct {
	FastEMA           int     `json:"fast_ema"`
	SlowEMA           int     `json:"slow_ema"`
	RSIPeriod         int     `json:"rsi_period"`
	ATRPeriod         int     `json:"atr_period"`
	MinEMASpreadPct   float64 `json:"min_ema_spread_pct"` // fast/slow separation proving the trend
	RSIEntryFloor     float64 `json:"rsi_entry_floor"`    // long entries want RSI above this
	RSIEntryCeil      float64 `json:"rsi_entry_ceil"`     // and below this (not exhausted)
	ATRStopMultiplier float64 `json:"atr_stop_multiplier"`
	TargetRR          float64 `json:"target_rr"`
	MaxATRPercent     float64 `json:"max_atr_percent"` // skip symbols too volatile to bracket
}

func (c *MomentumConfig) defaults() {
	if c.FastEMA <= 0 {
		c.FastEMA = 9
	}
	if c.SlowEMA <= 0 {
		c.SlowEMA = 21
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.MinEMASpreadPct <= 0 {
		c.MinEMASpreadPct = 0.1
	}
	if c.RSIEntryFloor <= 0 {
		c.RSIEntryFloor = 52
	}
	if c.RSIEntryCeil <= 0 {
		c.RSIEntryCeil = 70
	}
	if c.ATRStopMultiplier <= 0 {
		c.ATRStopMultiplier = 1.5
	}
	if c.TargetRR <= 0 {
		c.TargetRR = 2.0
	}
	if c.MaxATRPercent <= 0 {
		c.MaxATRPercent = 3.0
	}
}

// Momentum rides an established intraday trend: fast EMA pulled away from
// slow, RSI confirming without being exhausted, and price on the right side
// of VWAP. Stops are ATR-scaled so quiet and noisy symbols carry comparable
// risk per unit.
type Momentum struct {
	cfg MomentumConfig
}

func NewMomentum(cfg MomentumConfig) *Momentum {
	cfg.defaults()
	return &Momentum{cfg: cfg}
}

func (s *Momentum) Name() string { return "momentum" }

func (s *Momentum) Interval() string { return "5minute" }

func (s *Momentum) LookbackBars() int { return s.cfg.SlowEMA + s.cfg.RSIPeriod + 25 }

func (s *Momentum) Evaluate(q market.Quote, candles []broker.Candle) (*Signal, error) {
	if len(candles) < s.cfg.SlowEMA+s.cfg.RSIPeriod {
		return nil, nil
	}

	cl := closes(candles)
	fast := last(talib.Ema(cl, s.cfg.FastEMA))
	slow := last(talib.Ema(cl, s.cfg.SlowEMA))
	rsi := last(talib.Rsi(cl, s.cfg.RSIPeriod))
	atr := last(talib.Atr(highs(candles), lows(candles), cl, s.cfg.ATRPeriod))

	if slow <= 0 || atr <= 0 {
		return nil, nil
	}
	if atr/q.LTP*100 > s.cfg.MaxATRPercent {
		return nil, nil
	}

	spreadPct := (fast - slow) / slow * 100
	stopDist := s.cfg.ATRStopMultiplier * atr

	longSetup := spreadPct >= s.cfg.MinEMASpreadPct &&
		rsi >= s.cfg.RSIEntryFloor && rsi < s.cfg.RSIEntryCeil &&
		(q.VWAP == 0 || q.LTP > q.VWAP)
	shortSetup := spreadPct <= -s.cfg.MinEMASpreadPct &&
		rsi <= 100-s.cfg.RSIEntryFloor && rsi > 100-s.cfg.RSIEntryCeil &&
		(q.VWAP == 0 || q.LTP < q.VWAP)

	switch {
	case longSetup:
		return &Signal{
			Action:     ActionBuy,
			EntryPrice: q.LTP,
			StopLoss:   q.LTP - stopDist,
			Target:     q.LTP + s.cfg.TargetRR*stopDist,
			Confidence: s.confidence(spreadPct, rsi),
			Reason:     "ema trend up, rsi confirming",
			Metadata: map[string]interface{}{
				"ema_fast": fast,
				"ema_slow": slow,
				"rsi":      rsi,
				"atr":      atr,
			},
		}, nil

	case shortSetup:
		return &Signal{
			Action:     ActionSell,
			EntryPrice: q.LTP,
			StopLoss:   q.LTP + stopDist,
			Target:     q.LTP - s.cfg.TargetRR*stopDist,
			Confidence: s.confidence(-spreadPct, 100-rsi),
			Reason:     "ema trend down, rsi confirming",
			Metadata: map[string]interface{}{
				"ema_fast": fast,
				"ema_slow": slow,
				"rsi":      rsi,
				"atr":      atr,
			},
		}, nil
	}
	return nil, nil
}

// confidence rewards EMA separation and an RSI in the healthy middle of the
// entry band. Mirrored inputs score shorts identically to longs.
func (s *Momentum) confidence(spreadPct, rsi float64) float64 {
	conf := 6.0 + math.Min(1.5, spreadPct*3)
	if rsi >= 55 && rsi <= 65 {
		conf += 0.5
	}
	return math.Min(conf, 9.0)
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
