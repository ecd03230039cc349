package strategy

import (
	"math"

	"github.com/markcheno/go-talib"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
)

// ScalpConfig tunes the burst scalping strategy.
type ScalpConfig struct {
	BurstBars       int     `json:"burst_bars"`        // consecutive one-way closes that arm a burst
	MinBurstPercent float64 `json:"min_burst_percent"` // cumulative move across the burst
	VolumePeriod    int     `json:"volume_period"`
	VolumeSpikeMin  float64 `json:"volume_spike_min"` // last bar volume vs trailing average
	StopPercent     float64 `json:"stop_percent"`
	TargetPercent   float64 `json:"target_percent"`
	MaxHoldMinutes  int     `json:"max_hold_minutes"`
}

func (c *ScalpConfig) defaults() {
	if c.BurstBars <= 0 {
		c.BurstBars = 3
	}
	if c.MinBurstPercent <= 0 {
		c.MinBurstPercent = 0.25
	}
	if c.VolumePeriod <= 0 {
		c.VolumePeriod = 20
	}
	if c.VolumeSpikeMin <= 0 {
		c.VolumeSpikeMin = 2.0
	}
	if c.StopPercent <= 0 {
		c.StopPercent = 0.3
	}
	if c.TargetPercent <= 0 {
		c.TargetPercent = 0.6
	}
	if c.MaxHoldMinutes <= 0 {
		c.MaxHoldMinutes = 15
	}
}

// Scalp hunts short volume-backed bursts on one-minute bars and exits fast:
// tight fixed brackets, and a hold budget the position monitor enforces via
// the SCALP hybrid mode.
type Scalp struct {
	cfg ScalpConfig
}

func NewScalp(cfg ScalpConfig) *Scalp {
	cfg.defaults()
	return &Scalp{cfg: cfg}
}

func (s *Scalp) Name() string { return "scalp" }

func (s *Scalp) Interval() string { return "minute" }

func (s *Scalp) LookbackBars() int { return s.cfg.VolumePeriod + s.cfg.BurstBars + 7 }

func (s *Scalp) Evaluate(q market.Quote, candles []broker.Candle) (*Signal, error) {
	if len(candles) < s.cfg.VolumePeriod+s.cfg.BurstBars+1 {
		return nil, nil
	}

	volRatio := s.volumeSpike(candles)
	if volRatio < s.cfg.VolumeSpikeMin {
		return nil, nil
	}

	dir, burstPct := s.burst(candles)
	if burstPct < s.cfg.MinBurstPercent {
		return nil, nil
	}

	switch {
	case dir > 0 && (q.VWAP == 0 || q.LTP >= q.VWAP):
		return &Signal{
			Action:         ActionBuy,
			EntryPrice:     q.LTP,
			StopLoss:       q.LTP * (1 - s.cfg.StopPercent/100),
			Target:         q.LTP * (1 + s.cfg.TargetPercent/100),
			Confidence:     s.confidence(volRatio),
			HybridMode:     ModeScalp,
			MaxHoldMinutes: s.cfg.MaxHoldMinutes,
			Reason:         "volume burst up",
			Metadata: map[string]interface{}{
				"burst_pct": burstPct,
				"vol_ratio": volRatio,
			},
		}, nil

	case dir < 0 && (q.VWAP == 0 || q.LTP <= q.VWAP):
		return &Signal{
			Action:         ActionSell,
			EntryPrice:     q.LTP,
			StopLoss:       q.LTP * (1 + s.cfg.StopPercent/100),
			Target:         q.LTP * (1 - s.cfg.TargetPercent/100),
			Confidence:     s.confidence(volRatio),
			HybridMode:     ModeScalp,
			MaxHoldMinutes: s.cfg.MaxHoldMinutes,
			Reason:         "volume burst down",
			Metadata: map[string]interface{}{
				"burst_pct": burstPct,
				"vol_ratio": volRatio,
			},
		}, nil
	}
	return nil, nil
}

// burst reports the direction of the last BurstBars closes when they are
// strictly one-way, and the cumulative move in percent. dir 0 means mixed.
func (s *Scalp) burst(candles []broker.Candle) (dir int, movePct float64) {
	n := len(candles)
	bars := candles[n-s.cfg.BurstBars-1:]

	up, down := true, true
	for i := 1; i < len(bars); i++ {
		if bars[i].Close <= bars[i-1].Close {
			up = false
		}
		if bars[i].Close >= bars[i-1].Close {
			down = false
		}
	}

	base := bars[0].Close
	if base <= 0 {
		return 0, 0
	}
	movePct = math.Abs(bars[len(bars)-1].Close-base) / base * 100

	switch {
	case up:
		return 1, movePct
	case down:
		return -1, movePct
	default:
		return 0, 0
	}
}

func (s *Scalp) volumeSpike(candles []broker.Candle) float64 {
	vols := volumes(candles[:len(candles)-1])
	avg := talib.Sma(vols, s.cfg.VolumePeriod)
	mean := avg[len(avg)-1]
	if mean <= 0 {
		return 0
	}
	return float64(candles[len(candles)-1].Volume) / mean
}

// confidence scales with how hard the spike beats the minimum ratio.
func (s *Scalp) confidence(volRatio float64) float64 {
	return math.Min(6.5+math.Min(1.5, (volRatio-s.cfg.VolumeSpikeMin)*0.75), 9.0)
}
