// Package internals turns the raw quote snapshot into market-wide metrics:
// breadth, volume profile, volatility, regime, sector rotation and the
// composite bullish/bearish/neutral scores consumed by the bias engine.
package internals

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
)

// Regime is the qualitative market state.
type Regime string

const (
	RegimeNormal           Regime = "NORMAL"
	RegimeTrending         Regime = "TRENDING"
	RegimeChoppy           Regime = "CHOPPY"
	RegimeVolatileTrending Regime = "VOLATILE_TRENDING"
	RegimeVolatileChoppy   Regime = "VOLATILE_CHOPPY"
	RegimeQuiet            Regime = "QUIET"
)

// Breadth describes market participation.
type Breadth struct {
	Advancing           int     `json:"advancing"`
	Declining           int     `json:"declining"`
	Unchanged           int     `json:"unchanged"`
	AdvanceDeclineRatio float64 `json:"advance_decline_ratio"`
	CumulativeADLine    float64 `json:"cumulative_ad_line"`
	PercentAboveVWAP    float64 `json:"percent_above_vwap"`
	NewHighs            int     `json:"new_highs"`
	NewLows             int     `json:"new_lows"`
	NetHighLow          int     `json:"net_high_low"`
}

// VolumeProfile describes where volume is flowing.
type VolumeProfile struct {
	UpVolumeRatio     float64 `json:"up_volume_ratio"`
	VolumeBreadth     float64 `json:"volume_breadth"` // up minus down volume
	InstitutionalFlow float64 `json:"institutional_flow"`
	TotalVolume       int64   `json:"total_volume"`
}

// Volatility describes how stretched the tape is.
type Volatility struct {
	AvgIntradayRange float64 `json:"avg_intraday_range"`
	VIXLevel         float64 `json:"vix_level"`
	VIXChange        float64 `json:"vix_change"`
	RealizedVol      float64 `json:"realized_vol"`
}

// SectorRotation describes sector leadership.
type SectorRotation struct {
	SectorChanges       map[string]float64 `json:"sector_changes"`
	Leaders             []string           `json:"leaders"`
	CyclicalLeadership  bool               `json:"cyclical_leadership"`
	DefensiveLeadership bool               `json:"defensive_leadership"`
}

// MarketInternals is one full analysis of the snapshot.
type MarketInternals struct {
	Breadth       Breadth         `json:"breadth"`
	Volume        VolumeProfile   `json:"volume"`
	Volatility    Volatility      `json:"volatility"`
	Sector        SectorRotation  `json:"sector"`
	Regime        Regime          `json:"regime"`
	Choppiness    float64         `json:"choppiness"`
	TrendStrength float64         `json:"trend_strength"`
	TimePhase     market.TimePhase `json:"time_phase"`

	NiftyChangePercent float64 `json:"nifty_change_percent"`

	BullishScore float64 `json:"bullish_score"`
	BearishScore float64 `json:"bearish_score"`
	NeutralScore float64 `json:"neutral_score"`

	Timestamp time.Time `json:"timestamp"`
}

// CandleSource is the slice of the broker the analyzer needs for
// choppiness candles.
type CandleSource interface {
	GetHistoricalData(ctx context.Context, symbol, interval string, from, to time.Time) ([]broker.Candle, error)
}

// Config tunes the analyzer.
type Config struct {
	// BreadthChangeThreshold is the |change%| above which a stock counts
	// as advancing/declining.
	BreadthChangeThreshold float64 `json:"breadth_change_threshold"`
	// ChoppinessPeriod is the number of distinct 5-minute candles fed to
	// the choppiness index.
	ChoppinessPeriod int `json:"choppiness_period"`
	// ChoppinessCacheTTL bounds how often candles are re-fetched.
	ChoppinessCacheTTL time.Duration `json:"choppiness_cache_ttl"`
	// HighLowProximityPercent is the distance from the year extreme that
	// counts as a new high/low.
	HighLowProximityPercent float64 `json:"high_low_proximity_percent"`
}

func (c *Config) defaults() {
	if c.BreadthChangeThreshold <= 0 {
		c.BreadthChangeThreshold = 0.1
	}
	if c.ChoppinessPeriod <= 0 {
		c.ChoppinessPeriod = 14
	}
	if c.ChoppinessCacheTTL <= 0 {
		c.ChoppinessCacheTTL = 5 * time.Minute
	}
	if c.HighLowProximityPercent <= 0 {
		c.HighLowProximityPercent = 2.0
	}
}

// Analyzer computes MarketInternals from quote snapshots. It keeps small
// rolling buffers (cumulative A/D line, breadth history for realized vol)
// and a cached choppiness reading. Not safe for concurrent Analyze calls;
// the engine invokes it from a single goroutine.
type Analyzer struct {
	cfg     Config
	candles CandleSource
	clock   *market.SessionClock
	logger  zerolog.Logger

	mu             sync.Mutex
	cumulativeAD   float64
	breadthHistory []float64 // rolling A/D ratios for realized vol
	prevVIX        float64

	chopValue     float64
	chopFetchedAt time.Time
}

// NewAnalyzer builds the analyzer. candles may be nil in tests; the
// choppiness fallback then always applies.
func NewAnalyzer(cfg Config, candles CandleSource, clock *market.SessionClock, logger zerolog.Logger) *Analyzer {
	cfg.defaults()
	return &Analyzer{
		cfg:     cfg,
		candles: candles,
		clock:   clock,
		logger:  logger.With().Str("component", "market_internals").Logger(),
	}
}

// Analyze runs every subcomputation over the snapshot. A panic or error in
// any one section degrades that section to neutral defaults; analysis
// itself never fails.
func (a *Analyzer) Analyze(ctx context.Context, snapshot map[string]market.Quote) MarketInternals {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	out := MarketInternals{
		Regime:    RegimeNormal,
		TimePhase: a.clock.Phase(now),
		Timestamp: now,
	}

	nifty, niftyOK := snapshot[market.SymbolNifty]
	if niftyOK {
		out.NiftyChangePercent = nifty.ChangePercent
	}

	a.section("breadth", func() {
		out.Breadth = a.computeBreadth(snapshot)
	})
	a.section("volume", func() {
		out.Volume = a.computeVolume(snapshot)
	})
	a.section("volatility", func() {
		out.Volatility = a.computeVolatility(snapshot)
	})
	a.section("sector", func() {
		out.Sector = a.computeSectorRotation(snapshot)
	})
	a.section("choppiness", func() {
		out.Choppiness = a.choppiness(ctx, out.NiftyChangePercent)
	})
	a.section("regime", func() {
		out.TrendStrength = trendStrength(out.NiftyChangePercent, out.Breadth.AdvanceDeclineRatio, out.Volume.UpVolumeRatio)
		out.Regime = detectRegime(out.NiftyChangePercent, out.Breadth.AdvanceDeclineRatio,
			out.Volatility.VIXLevel, out.Choppiness, out.TrendStrength, out.Volatility.AvgIntradayRange)
	})
	a.section("composite", func() {
		out.BullishScore, out.BearishScore, out.NeutralScore = a.compositeScores(out)
	})

	a.logger.Debug().
		Float64("ad_ratio", out.Breadth.AdvanceDeclineRatio).
		Float64("nifty_change", out.NiftyChangePercent).
		Str("regime", string(out.Regime)).
		Float64("bullish", out.BullishScore).
		Float64("bearish", out.BearishScore).
		Msg("internals computed")
	return out
}

// section isolates one subcomputation: a panic degrades to defaults.
func (a *Analyzer) section(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Str("section", name).Msg("internals section failed, using neutral defaults")
		}
	}()
	fn()
}

// compositeScores blends the section signals into bullish/bearish/neutral
// scores normalized to sum 100. Weights: breadth 35, volume 25,
// volatility 20, regime 15, sector rotation 5.
func (a *Analyzer) compositeScores(m MarketInternals) (bullish, bearish, neutral float64) {
	contribs := []scoreContribution{
		breadthContribution(m.Breadth, 0.35),
		volumeContribution(m.Volume, 0.25),
		volatilityContribution(m.Volatility, 0.20),
		regimeContribution(m.Regime, m.NiftyChangePercent, 0.15),
		sectorContribution(m.Sector, 0.05),
	}

	for _, c := range contribs {
		total := c.bull + c.bear + c.neut
		if total <= 0 {
			neutral += c.weight
			continue
		}
		bullish += c.weight * c.bull / total
		bearish += c.weight * c.bear / total
		neutral += c.weight * c.neut / total
	}

	// Elevated VIX decays conviction in the bullish case.
	if m.Volatility.VIXLevel > 20 {
		decay := math.Min(0.3, (m.Volatility.VIXLevel-20)*0.03)
		shift := bullish * decay
		bullish -= shift
		neutral += shift
	}

	total := bullish + bearish + neutral
	if total <= 0 {
		return 0, 0, 100
	}
	return bullish / total * 100, bearish / total * 100, neutral / total * 100
}

// scoreContribution is one section's weighted vote in the composite.
type scoreContribution struct {
	weight           float64
	bull, bear, neut float64
}

func breadthContribution(b Breadth, w float64) (c scoreContribution) {
	c.weight = w
	adr := b.AdvanceDeclineRatio
	switch {
	case adr >= 1:
		c.bull = math.Min(1, (adr-1)/1.5)
	case adr > 0:
		c.bear = math.Min(1, (1/adr-1)/1.5)
	}
	// VWAP positioning refines the raw A/D read.
	if b.PercentAboveVWAP > 55 {
		c.bull += (b.PercentAboveVWAP - 55) / 45 * 0.5
	} else if b.PercentAboveVWAP < 45 && b.PercentAboveVWAP > 0 {
		c.bear += (45 - b.PercentAboveVWAP) / 45 * 0.5
	}
	if b.NetHighLow > 0 {
		c.bull += math.Min(0.3, float64(b.NetHighLow)*0.02)
	} else if b.NetHighLow < 0 {
		c.bear += math.Min(0.3, float64(-b.NetHighLow)*0.02)
	}
	c.neut = math.Max(0.2, 1-c.bull-c.bear)
	return c
}

func volumeContribution(v VolumeProfile, w float64) (c scoreContribution) {
	c.weight = w
	c.bull = clamp01((v.UpVolumeRatio - 0.5) * 2)
	c.bear = clamp01((0.5 - v.UpVolumeRatio) * 2)
	if v.InstitutionalFlow > 0 {
		c.bull += clamp01(v.InstitutionalFlow) * 0.5
	} else {
		c.bear += clamp01(-v.InstitutionalFlow) * 0.5
	}
	c.neut = math.Max(0.2, 1-c.bull-c.bear)
	return c
}

func volatilityContribution(v Volatility, w float64) (c scoreContribution) {
	c.weight = w
	switch {
	case v.VIXLevel <= 0:
		c.neut = 1
	case v.VIXLevel < 15:
		c.bull = (15 - v.VIXLevel) / 7
		c.neut = 1 - c.bull
	case v.VIXLevel > 22:
		c.bear = math.Min(1, (v.VIXLevel-22)/8)
		c.neut = 1 - c.bear
	default:
		c.neut = 1
	}
	if v.VIXChange > 1.5 {
		c.bear += 0.3
	}
	return c
}

func regimeContribution(r Regime, niftyChange float64, w float64) (c scoreContribution) {
	c.weight = w
	switch r {
	case RegimeTrending, RegimeVolatileTrending:
		if niftyChange >= 0 {
			c.bull = 1
		} else {
			c.bear = 1
		}
		if r == RegimeVolatileTrending {
			c.neut = 0.5
		}
	case RegimeChoppy, RegimeVolatileChoppy, RegimeQuiet:
		c.neut = 1
	default:
		c.neut = 0.6
		if niftyChange > 0.2 {
			c.bull = 0.4
		} else if niftyChange < -0.2 {
			c.bear = 0.4
		}
	}
	return c
}

func sectorContribution(s SectorRotation, w float64) (c scoreContribution) {
	c.weight = w
	switch {
	case s.CyclicalLeadership:
		c.bull = 1
	case s.DefensiveLeadership:
		c.bear = 1
	default:
		c.neut = 1
	}
	return c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
