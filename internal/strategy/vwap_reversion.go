package strategy

import (
	"math"

	"github.com/markcheno/go-talib"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
)

// VWAPReversionConfig tunes the mean-reversion strategy.
type VWAPReversionConfig struct {
	StretchPercent float64 `json:"stretch_percent"` // distance from VWAP that arms a reversion
	RSIPeriod      int     `json:"rsi_period"`
	RSIOversold    float64 `json:"rsi_oversold"`
	RSIOverbought  float64 `json:"rsi_overbought"`
	StopFraction   float64 `json:"stop_fraction"` // stop distance as a fraction of the reversion distance
}

func (c *VWAPReversionConfig) defaults() {
	if c.StretchPercent <= 0 {
		c.StretchPercent = 0.8
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.RSIOversold <= 0 {
		c.RSIOversold = 35
	}
	if c.RSIOverbought <= 0 {
		c.RSIOverbought = 65
	}
	if c.StopFraction <= 0 {
		c.StopFraction = 0.5
	}
}

// VWAPReversion fades price stretched away from VWAP once RSI agrees and the
// last bar has turned back toward it. The target is VWAP itself, so reward
// scales with the stretch and the stop stays a fixed fraction of it.
type VWAPReversion struct {
	cfg VWAPReversionConfig
}

func NewVWAPReversion(cfg VWAPReversionConfig) *VWAPReversion {
	cfg.defaults()
	return &VWAPReversion{cfg: cfg}
}

func (s *VWAPReversion) Name() string { return "vwap_reversion" }

func (s *VWAPReversion) Interval() string { return "5minute" }

func (s *VWAPReversion) LookbackBars() int { return s.cfg.RSIPeriod + 20 }

func (s *VWAPReversion) Evaluate(q market.Quote, candles []broker.Candle) (*Signal, error) {
	if q.VWAP <= 0 || len(candles) < s.cfg.RSIPeriod+2 {
		return nil, nil
	}

	stretchPct := (q.LTP - q.VWAP) / q.VWAP * 100
	rsi := last(talib.Rsi(closes(candles), s.cfg.RSIPeriod))
	lastBar := candles[len(candles)-1]
	prevBar := candles[len(candles)-2]

	switch {
	// Stretched below VWAP, oversold, last bar turned up.
	case stretchPct <= -s.cfg.StretchPercent && rsi <= s.cfg.RSIOversold && lastBar.Close > prevBar.Close:
		reversion := q.VWAP - q.LTP
		return &Signal{
			Action:     ActionBuy,
			EntryPrice: q.LTP,
			StopLoss:   q.LTP - s.cfg.StopFraction*reversion,
			Target:     q.VWAP,
			Confidence: s.confidence(-stretchPct, s.cfg.RSIOversold-rsi),
			Reason:     "oversold stretch below vwap",
			Metadata: map[string]interface{}{
				"vwap":        q.VWAP,
				"stretch_pct": stretchPct,
				"rsi":         rsi,
			},
		}, nil

	// Stretched above VWAP, overbought, last bar turned down.
	case stretchPct >= s.cfg.StretchPercent && rsi >= s.cfg.RSIOverbought && lastBar.Close < prevBar.Close:
		reversion := q.LTP - q.VWAP
		return &Signal{
			Action:     ActionSell,
			EntryPrice: q.LTP,
			StopLoss:   q.LTP + s.cfg.StopFraction*reversion,
			Target:     q.VWAP,
			Confidence: s.confidence(stretchPct, rsi-s.cfg.RSIOverbought),
			Reason:     "overbought stretch above vwap",
			Metadata: map[string]interface{}{
				"vwap":        q.VWAP,
				"stretch_pct": stretchPct,
				"rsi":         rsi,
			},
		}, nil
	}
	return nil, nil
}

// confidence grows with how far past the arming thresholds the stretch and
// RSI sit. Both arguments are positive by construction at call sites.
func (s *VWAPReversion) confidence(stretchPct, rsiExcess float64) float64 {
	conf := 5.5 + math.Min(2.0, (stretchPct-s.cfg.StretchPercent)*1.5)
	if rsiExcess >= 5 {
		conf += 0.5
	}
	return math.Min(conf, 9.0)
}
