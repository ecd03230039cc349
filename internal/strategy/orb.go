package strategy

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
)

// First tradable minute of the NSE session, 09:15 IST.
const sessionOpenMinute = 9*60 + 15

// ORBConfig tunes the opening range breakout strategy.
type ORBConfig struct {
	RangeBars       int     `json:"range_bars"`        // 5-minute bars forming the opening range
	BreakoutBuffer  float64 `json:"breakout_buffer"`   // fraction beyond the edge that arms a breakout
	MaxChasePercent float64 `json:"max_chase_percent"` // skip entries stretched further than this past the edge
	MinRangePercent float64 `json:"min_range_percent"` // narrower ranges are noise
	MaxRangePercent float64 `json:"max_range_percent"` // wider ranges are gap days
	VolumePeriod    int     `json:"volume_period"`
	MinVolumeRatio  float64 `json:"min_volume_ratio"`
	TargetRR        float64 `json:"target_rr"` // reward as a multiple of the stop distance
}

func (c *ORBConfig) defaults() {
	if c.RangeBars <= 0 {
		c.RangeBars = 3 // 09:15-09:30
	}
	if c.BreakoutBuffer <= 0 {
		c.BreakoutBuffer = 0.0005
	}
	if c.MaxChasePercent <= 0 {
		c.MaxChasePercent = 1.0
	}
	if c.MinRangePercent <= 0 {
		c.MinRangePercent = 0.2
	}
	if c.MaxRangePercent <= 0 {
		c.MaxRangePercent = 2.0
	}
	if c.VolumePeriod <= 0 {
		c.VolumePeriod = 20
	}
	if c.MinVolumeRatio <= 0 {
		c.MinVolumeRatio = 1.2
	}
	if c.TargetRR <= 0 {
		c.TargetRR = 2.0
	}
}

// ORB trades breakouts of the first half hour's range. The stop sits at the
// opposite edge of the range, so range width bounds the risk per unit.
type ORB struct {
	cfg ORBConfig
	loc *time.Location
}

// NewORB builds the strategy with zero-value defaults filled in.
func NewORB(cfg ORBConfig) *ORB {
	cfg.defaults()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+30*60)
	}
	return &ORB{cfg: cfg, loc: loc}
}

func (s *ORB) Name() string { return "orb" }

func (s *ORB) Interval() string { return "5minute" }

func (s *ORB) LookbackBars() int { return 75 }

// Evaluate emits a breakout signal once the opening range is complete and
// price clears an edge with volume behind it. Opening range bars are taken
// from the quote's own session day so stale history never defines the range.
func (s *ORB) Evaluate(q market.Quote, candles []broker.Candle) (*Signal, error) {
	today := s.sessionBars(candles, q.Timestamp)
	if len(today) <= s.cfg.RangeBars {
		return nil, nil // range still forming
	}

	rangeHigh, rangeLow := rangeExtremes(today[:s.cfg.RangeBars])
	if rangeLow <= 0 {
		return nil, nil
	}
	widthPct := (rangeHigh - rangeLow) / rangeLow * 100
	if widthPct < s.cfg.MinRangePercent || widthPct > s.cfg.MaxRangePercent {
		return nil, nil
	}

	volRatio := lastVolumeRatio(candles, s.cfg.VolumePeriod)
	if volRatio < s.cfg.MinVolumeRatio {
		return nil, nil
	}

	last := today[len(today)-1]
	buyArm := rangeHigh * (1 + s.cfg.BreakoutBuffer)
	sellArm := rangeLow * (1 - s.cfg.BreakoutBuffer)

	switch {
	case q.LTP > buyArm && q.LTP <= rangeHigh*(1+s.cfg.MaxChasePercent/100):
		risk := q.LTP - rangeLow
		return &Signal{
			Action:     ActionBuy,
			EntryPrice: q.LTP,
			StopLoss:   rangeLow,
			Target:     q.LTP + s.cfg.TargetRR*risk,
			Confidence: s.confidence(volRatio, last.Close > rangeHigh),
			Reason:     "opening range high breakout",
			Metadata: map[string]interface{}{
				"range_high": rangeHigh,
				"range_low":  rangeLow,
				"vol_ratio":  volRatio,
			},
		}, nil

	case q.LTP < sellArm && q.LTP >= rangeLow*(1-s.cfg.MaxChasePercent/100):
		risk := rangeHigh - q.LTP
		return &Signal{
			Action:     ActionSell,
			EntryPrice: q.LTP,
			StopLoss:   rangeHigh,
			Target:     q.LTP - s.cfg.TargetRR*risk,
			Confidence: s.confidence(volRatio, last.Close < rangeLow),
			Reason:     "opening range low breakdown",
			Metadata: map[string]interface{}{
				"range_high": rangeHigh,
				"range_low":  rangeLow,
				"vol_ratio":  volRatio,
			},
		}, nil
	}
	return nil, nil
}

// confidence scores a breakout from volume conviction and whether the last
// bar closed beyond the range rather than just wicking through it.
func (s *ORB) confidence(volRatio float64, closedBeyond bool) float64 {
	conf := 6.0 + math.Min(1.5, (volRatio-1.0)*1.0)
	if closedBeyond {
		conf += 0.5
	}
	return math.Min(conf, 9.0)
}

// sessionBars filters candles to the quote's IST calendar day at or after
// the session open.
func (s *ORB) sessionBars(candles []broker.Candle, asOf time.Time) []broker.Candle {
	y, m, d := asOf.In(s.loc).Date()
	var out []broker.Candle
	for _, c := range candles {
		ct := c.Timestamp.In(s.loc)
		cy, cm, cd := ct.Date()
		if cy == y && cm == m && cd == d && ct.Hour()*60+ct.Minute() >= sessionOpenMinute {
			out = append(out, c)
		}
	}
	return out
}

func rangeExtremes(bars []broker.Candle) (high, low float64) {
	for i, c := range bars {
		if i == 0 || c.High > high {
			high = c.High
		}
		if i == 0 || c.Low < low {
			low = c.Low
		}
	}
	return high, low
}

// lastVolumeRatio compares the newest bar's volume to its trailing average.
// Returns 1 when history is too short to judge, which neither blocks nor
// boosts a setup on thin data.
func lastVolumeRatio(candles []broker.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 1.0
	}
	vols := volumes(candles[:len(candles)-1])
	avg := talib.Sma(vols, period)
	mean := avg[len(avg)-1]
	if mean <= 0 {
		return 1.0
	}
	return float64(candles[len(candles)-1].Volume) / mean
}
