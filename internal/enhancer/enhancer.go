// Package enhancer re-scores raw strategy signals against live
// microstructure and the strategy's own recent record, and deduplicates
// what survives. It is the stage between the strategy pool and the
// position-opening decision.
package enhancer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/strategy"
)

// Config tunes the scoring weights and history depths.
type Config struct {
	AcceptThreshold    float64 `json:"accept_threshold"`
	HistorySize        int     `json:"history_size"`
	OutcomeWindow      int     `json:"outcome_window"`
	MinOutcomeSamples  int     `json:"min_outcome_samples"`
	WarmupDays         int     `json:"warmup_days"`
	WarmupInterval     string  `json:"warmup_interval"`
	ConfluenceWeight   float64 `json:"confluence_weight"`
	VolumeWeight       float64 `json:"volume_weight"`
	MicroWeight        float64 `json:"micro_weight"`
	TimeframeWeight    float64 `json:"timeframe_weight"`
}

func (c *Config) defaults() {
	if c.AcceptThreshold == 0 {
		c.AcceptThreshold = 0.60
	}
	if c.HistorySize == 0 {
		c.HistorySize = 50
	}
	if c.OutcomeWindow == 0 {
		c.OutcomeWindow = 100
	}
	if c.MinOutcomeSamples == 0 {
		c.MinOutcomeSamples = 10
	}
	if c.WarmupDays == 0 {
		c.WarmupDays = 3
	}
	if c.WarmupInterval == "" {
		c.WarmupInterval = "5minute"
	}
	if c.ConfluenceWeight == 0 {
		c.ConfluenceWeight = 0.30
	}
	if c.VolumeWeight == 0 {
		c.VolumeWeight = 0.25
	}
	if c.MicroWeight == 0 {
		c.MicroWeight = 0.25
	}
	if c.TimeframeWeight == 0 {
		c.TimeframeWeight = 0.20
	}
}

// Breakdown records how a signal scored, for logs and rejection reasons.
type Breakdown struct {
	Confluence         float64 `json:"confluence"`
	VolumeQuality      float64 `json:"volume_quality"`
	Microstructure     float64 `json:"microstructure"`
	Timeframe          float64 `json:"timeframe"`
	Composite          float64 `json:"composite"`
	PerformanceFactor  float64 `json:"performance_factor"`
	EnhancedConfidence float64 `json:"enhanced_confidence"`
	Accepted           bool    `json:"accepted"`
}

type symbolHistory struct {
	ltps    []float64
	volumes []float64
}

type strategyRecord struct {
	outcomes []bool // win/loss ring, newest last
	totalPnL float64
}

// CandleSource supplies warmup candles; *broker.Kite and the paper venue
// both satisfy it.
type CandleSource interface {
	GetHistoricalData(ctx context.Context, symbol, interval string, from, to time.Time) ([]broker.Candle, error)
}

// Enhancer scores signals. All state is in-memory and day-scoped.
type Enhancer struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	history map[string]*symbolHistory
	records map[string]*strategyRecord
}

func New(cfg Config, logger zerolog.Logger) *Enhancer {
	cfg.defaults()
	return &Enhancer{
		cfg:     cfg,
		logger:  logger.With().Str("component", "signal_enhancer").Logger(),
		history: make(map[string]*symbolHistory),
		records: make(map[string]*strategyRecord),
	}
}

// Observe feeds one tick into the rolling per-symbol windows.
func (e *Enhancer) Observe(q market.Quote) {
	if q.LTP <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history[q.Symbol]
	if h == nil {
		h = &symbolHistory{}
		e.history[q.Symbol] = h
	}
	h.ltps = appendCapped(h.ltps, q.LTP, e.cfg.HistorySize)
	h.volumes = appendCapped(h.volumes, float64(q.Volume), e.cfg.HistorySize)
}

func appendCapped(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// Enhance scores sig against the current quote. On acceptance the returned
// signal carries the enhanced confidence; on rejection the original signal
// comes back with Accepted=false in the breakdown.
func (e *Enhancer) Enhance(sig strategy.Signal, q market.Quote) (strategy.Signal, Breakdown) {
	e.mu.RLock()
	h := e.history[sig.Symbol]
	var ltps, vols []float64
	if h != nil {
		ltps = append([]float64(nil), h.ltps...)
		vols = append([]float64(nil), h.volumes...)
	}
	e.mu.RUnlock()

	bd := Breakdown{
		Confluence:        e.confluenceScore(sig, ltps, vols, q),
		VolumeQuality:     volumeQualityScore(vols),
		Microstructure:    microstructureScore(q),
		Timeframe:         timeframeScore(sig.Action, ltps),
		PerformanceFactor: e.PerformanceFactor(sig.Strategy),
	}
	bd.Composite = bd.Confluence*e.cfg.ConfluenceWeight +
		bd.VolumeQuality*e.cfg.VolumeWeight +
		bd.Microstructure*e.cfg.MicroWeight +
		bd.Timeframe*e.cfg.TimeframeWeight

	if bd.Composite < e.cfg.AcceptThreshold {
		e.logger.Debug().
			Str("symbol", sig.Symbol).
			Str("strategy", sig.Strategy).
			Float64("composite", bd.Composite).
			Msg("signal rejected by enhancement score")
		return sig, bd
	}

	bd.Accepted = true
	bd.EnhancedConfidence = math.Min(10, sig.Confidence*bd.Composite*bd.PerformanceFactor)
	sig.Confidence = bd.EnhancedConfidence
	return sig, bd
}

// confluenceScore averages momentum alignment, volume surge and market
// structure. With too little history it degrades to a confidence-derived
// prior in [0.65, 0.85] instead of guessing.
func (e *Enhancer) confluenceScore(sig strategy.Signal, ltps, vols []float64, q market.Quote) float64 {
	if len(ltps) < 5 || len(vols) == 0 {
		return 0.65 + sig.Confidence/10*0.20
	}

	momentum := 0.5
	r5 := sampleReturn(ltps, 5)
	switch {
	case r5 > 0.0005:
		momentum = alignScore(sig.Action == strategy.ActionBuy)
	case r5 < -0.0005:
		momentum = alignScore(sig.Action == strategy.ActionSell)
	}

	surge := math.Min(1.0, volumeRatio(vols)/1.5)

	structure := 0.5
	switch {
	case q.ChangePercent > 0.05:
		structure = alignScore(sig.Action == strategy.ActionBuy)
	case q.ChangePercent < -0.05:
		structure = alignScore(sig.Action == strategy.ActionSell)
	}

	return (momentum + surge + structure) / 3
}

func alignScore(aligned bool) float64 {
	if aligned {
		return 1.0
	}
	return 0.0
}

// volumeQualityScore grades the current volume against its 20-sample mean.
func volumeQualityScore(vols []float64) float64 {
	if len(vols) < 2 {
		return 0.65
	}
	switch vr := volumeRatio(vols); {
	case vr >= 2.0:
		return 1.0
	case vr >= 1.5:
		return 0.9
	case vr >= 1.2:
		return 0.8
	case vr >= 0.8:
		return 0.65
	default:
		return 0.5
	}
}

func volumeRatio(vols []float64) float64 {
	n := len(vols)
	if n < 2 {
		return 1.0
	}
	window := vols[:n-1]
	if len(window) > 20 {
		window = window[len(window)-20:]
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))
	if mean <= 0 {
		return 1.0
	}
	return vols[n-1] / mean
}

// microstructureScore penalizes wide intraday ranges: a stretched bar is a
// worse fill.
func microstructureScore(q market.Quote) float64 {
	switch spread := q.IntradayRangePercent(); {
	case spread < 1.0:
		return 1.0
	case spread < 2.0:
		return 0.85
	case spread < 4.0:
		return 0.70
	default:
		return 0.55
	}
}

// timeframeScore checks sign concordance of the 3/10/20-sample returns with
// the signal direction.
func timeframeScore(action string, ltps []float64) float64 {
	lookbacks := []int{3, 10, 20}
	available, aligned := 0, 0
	for _, k := range lookbacks {
		if len(ltps) <= k {
			continue
		}
		available++
		r := sampleReturn(ltps, k)
		if (action == strategy.ActionBuy && r > 0) || (action == strategy.ActionSell && r < 0) {
			aligned++
		}
	}
	if available == 0 {
		return 0.5
	}
	return 0.2 + 0.8*float64(aligned)/float64(available)
}

// sampleReturn is the fractional move over the last k samples.
func sampleReturn(ltps []float64, k int) float64 {
	n := len(ltps)
	if n <= k || ltps[n-1-k] == 0 {
		return 0
	}
	return ltps[n-1]/ltps[n-1-k] - 1
}

// RecordOutcome feeds a round-trip result back into the strategy's record.
func (e *Enhancer) RecordOutcome(strategyName string, pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.records[strategyName]
	if rec == nil {
		rec = &strategyRecord{}
		e.records[strategyName] = rec
	}
	rec.outcomes = append(rec.outcomes, pnl > 0)
	if len(rec.outcomes) > e.cfg.OutcomeWindow {
		rec.outcomes = rec.outcomes[len(rec.outcomes)-e.cfg.OutcomeWindow:]
	}
	rec.totalPnL += pnl
}

// PerformanceFactor maps a strategy's recent win rate into [0.8, 1.15].
// Strategies without enough history score a flat 1.0.
func (e *Enhancer) PerformanceFactor(strategyName string) float64 {
	wr, n := e.winRate(strategyName)
	if n < e.cfg.MinOutcomeSamples {
		return 1.0
	}
	return 0.8 + wr*0.35
}

// StrategyWeight ranks a strategy for the allocator in [0.2, 1.0]. Poor
// recent records shrink allocations; the allocator skips weights under 0.3.
func (e *Enhancer) StrategyWeight(strategyName string) float64 {
	wr, n := e.winRate(strategyName)
	if n < e.cfg.MinOutcomeSamples {
		return 1.0
	}
	w := 0.2 + wr
	if w > 1.0 {
		w = 1.0
	}
	return w
}

func (e *Enhancer) winRate(strategyName string) (float64, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec := e.records[strategyName]
	if rec == nil || len(rec.outcomes) == 0 {
		return 0, 0
	}
	wins := 0
	for _, w := range rec.outcomes {
		if w {
			wins++
		}
	}
	return float64(wins) / float64(len(rec.outcomes)), len(rec.outcomes)
}

// PurgeSymbol drops the rolling windows for a symbol after its position
// exits, so the next entry starts from fresh tape.
func (e *Enhancer) PurgeSymbol(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.history, symbol)
}

// Warmup seeds the rolling windows from recent candles so the first signals
// of the day are scored on real history instead of the cold-start prior.
func (e *Enhancer) Warmup(ctx context.Context, src CandleSource, symbols []string) {
	if src == nil {
		return
	}
	to := time.Now()
	from := to.AddDate(0, 0, -e.cfg.WarmupDays)
	seeded := 0
	for _, sym := range symbols {
		candles, err := src.GetHistoricalData(ctx, sym, e.cfg.WarmupInterval, from, to)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", sym).Msg("warmup fetch failed")
			continue
		}
		if len(candles) == 0 {
			continue
		}
		e.mu.Lock()
		h := &symbolHistory{}
		for _, c := range candles {
			h.ltps = appendCapped(h.ltps, c.Close, e.cfg.HistorySize)
			h.volumes = appendCapped(h.volumes, float64(c.Volume), e.cfg.HistorySize)
		}
		e.history[sym] = h
		e.mu.Unlock()
		seeded++
		if ctx.Err() != nil {
			break
		}
	}
	e.logger.Info().Int("symbols", seeded).Msg("enhancer warmup complete")
}
