// Package bias maintains the engine's view of intraday market direction.
// The bias is deliberately sticky: hysteresis stops it flapping between
// directions on every tick batch, and a stability score measures how
// consistently recent computations agree with a candidate flip.
package bias

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/events"
	"zerodha-trading-engine/internal/internals"
	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/store"
)

// Direction is the inferred market direction.
type Direction string

const (
	Bullish Direction = "BULLISH"
	Bearish Direction = "BEARISH"
	Neutral Direction = "NEUTRAL"
)

// Snapshot is the externally visible bias state.
type Snapshot struct {
	Direction     Direction        `json:"direction"`
	Confidence    float64          `json:"confidence"` // 0-10
	Regime        internals.Regime `json:"regime"`
	Stability     float64          `json:"stability"` // 0-1
	LastChangedAt time.Time        `json:"last_changed_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Config tunes the engine.
type Config struct {
	// MinBiasDuration is the hold time before a direction may flip
	// without a high-confidence override.
	MinBiasDuration time.Duration `json:"min_bias_duration"`
	// MinimumConfidence below which the direction is forced NEUTRAL.
	MinimumConfidence float64 `json:"minimum_confidence"`
	// FlipConfidenceMargin is how far the new confidence must exceed the
	// held one for a direction change.
	FlipConfidenceMargin float64 `json:"flip_confidence_margin"`
	// OverrideConfidence lets a flip through before MinBiasDuration.
	OverrideConfidence float64 `json:"override_confidence"`
	// MinStability required for a flip.
	MinStability float64 `json:"min_stability"`
	// BlockedFlipDecay multiplies the held confidence when a flip is
	// rejected, bleeding conviction out of a stale bias.
	BlockedFlipDecay float64 `json:"blocked_flip_decay"`
}

func (c *Config) defaults() {
	if c.MinBiasDuration <= 0 {
		c.MinBiasDuration = 5 * time.Minute
	}
	if c.MinimumConfidence <= 0 {
		c.MinimumConfidence = 3.0
	}
	if c.FlipConfidenceMargin <= 0 {
		c.FlipConfidenceMargin = 2.0
	}
	if c.OverrideConfidence <= 0 {
		c.OverrideConfidence = 7.0
	}
	if c.MinStability <= 0 {
		c.MinStability = 0.3
	}
	if c.BlockedFlipDecay <= 0 {
		c.BlockedFlipDecay = 0.95
	}
}

// Engine computes and holds the market bias.
type Engine struct {
	cfg    Config
	clock  *market.SessionClock
	shared store.SharedStore
	bus    *events.Bus
	logger zerolog.Logger

	mu           sync.RWMutex
	current      Snapshot
	niftySamples []float64   // rolling intraday change-percents
	history      []Direction // last computed candidate directions
}

// NewEngine restores the last persisted snapshot when one exists so a
// restart does not reset a held bias mid-session.
func NewEngine(cfg Config, clock *market.SessionClock, shared store.SharedStore, bus *events.Bus, logger zerolog.Logger) *Engine {
	cfg.defaults()
	e := &Engine{
		cfg:    cfg,
		clock:  clock,
		shared: shared,
		bus:    bus,
		logger: logger.With().Str("component", "bias_engine").Logger(),
		current: Snapshot{
			Direction: Neutral,
			Regime:    internals.RegimeNormal,
			Stability: 1.0,
		},
	}

	if shared != nil {
		var persisted Snapshot
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := shared.GetJSON(ctx, store.KeyBiasSnapshot, &persisted); err == nil {
			if e.clock.TradeDate(persisted.UpdatedAt) == e.clock.TradeDate(e.clock.Now()) {
				e.current = persisted
				e.logger.Info().
					Str("direction", string(persisted.Direction)).
					Float64("confidence", persisted.Confidence).
					Msg("restored persisted bias snapshot")
			}
		}
	}
	return e
}

// Current returns a copy of the held bias.
func (e *Engine) Current() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Update recomputes the bias from fresh internals and the NIFTY snapshot.
// It returns the (possibly unchanged) held snapshot.
func (e *Engine) Update(ctx context.Context, m internals.MarketInternals, nifty market.Quote) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()

	// 1. Index momentum over the last five change-percent samples,
	// weighted by how consistently they point the same way.
	e.niftySamples = append(e.niftySamples, nifty.ChangePercent)
	if len(e.niftySamples) > 5 {
		e.niftySamples = e.niftySamples[len(e.niftySamples)-5:]
	}
	momentum := weightedMomentum(e.niftySamples)

	momentumDir := Neutral
	momentumConf := 0.0
	if math.Abs(momentum) >= 0.1 {
		if momentum > 0 {
			momentumDir = Bullish
		} else {
			momentumDir = Bearish
		}
		momentumConf = math.Min(10, math.Abs(momentum)*10)
	}

	// 2. Internals direction from the composite score spread.
	internalsDir := Neutral
	internalsConf := 0.0
	spread := m.BullishScore - m.BearishScore
	if spread >= 10 {
		internalsDir = Bullish
		internalsConf = math.Min(10, spread/5)
	} else if spread <= -10 {
		internalsDir = Bearish
		internalsConf = math.Min(10, -spread/5)
	}

	// 3. Combine the two reads.
	direction, confidence := combine(momentumDir, momentumConf, internalsDir, internalsConf)

	// 4. Opening gap adjustment.
	if m.TimePhase == market.PhaseOpening && nifty.PrevClose > 0 && nifty.Open > 0 {
		gap := (nifty.Open - nifty.PrevClose) / nifty.PrevClose * 100
		if math.Abs(gap) >= 0.5 {
			weight := 0.35
			if m.Regime == internals.RegimeChoppy || m.Regime == internals.RegimeVolatileChoppy {
				weight = 0.15
			}
			adj := math.Abs(gap) * weight
			gapBullish := gap > 0
			aligned := (gapBullish && direction == Bullish) || (!gapBullish && direction == Bearish)
			if direction == Neutral {
				// A large unfaded gap can set direction on its own.
				confidence = adj
				if gapBullish {
					direction = Bullish
				} else {
					direction = Bearish
				}
			} else if aligned {
				confidence += adj
			} else {
				confidence -= adj
			}
		}
	}

	// 5. Regime and time-phase multipliers.
	confidence *= regimeMultiplier(m.Regime)
	confidence *= phaseMultiplier(m.TimePhase)
	confidence = math.Max(0, math.Min(10, confidence))

	// 6. Weak conviction forces neutral.
	if confidence < e.cfg.MinimumConfidence {
		direction = Neutral
	}

	// 8 (computed before 7 needs it). Stability of the candidate.
	stability := e.stability(direction)
	e.pushHistory(direction)

	// 7. Hysteresis gate.
	candidate := Snapshot{
		Direction:     direction,
		Confidence:    confidence,
		Regime:        m.Regime,
		Stability:     stability,
		LastChangedAt: e.current.LastChangedAt,
		UpdatedAt:     now,
	}
	e.apply(ctx, candidate, now)
	return e.current
}

// apply merges the candidate into the held snapshot under the hysteresis
// rule and persists the result.
func (e *Engine) apply(ctx context.Context, candidate Snapshot, now time.Time) {
	held := e.current

	if candidate.Direction == held.Direction {
		candidate.LastChangedAt = held.LastChangedAt
		e.current = candidate
		e.persist(ctx)
		return
	}

	elapsed := now.Sub(held.LastChangedAt)
	timeOK := held.LastChangedAt.IsZero() || elapsed >= e.cfg.MinBiasDuration
	overrideOK := candidate.Confidence >= e.cfg.OverrideConfidence
	marginOK := candidate.Confidence >= held.Confidence+e.cfg.FlipConfidenceMargin
	stabilityOK := candidate.Stability >= e.cfg.MinStability

	if (timeOK || overrideOK) && marginOK && stabilityOK {
		candidate.LastChangedAt = now
		e.transition(ctx, held, candidate)
		return
	}

	// Blocked: keep the held direction but bleed its conviction so a
	// persistent disagreement eventually wins.
	held.Confidence *= e.cfg.BlockedFlipDecay
	held.Regime = candidate.Regime
	held.Stability = candidate.Stability
	held.UpdatedAt = candidate.UpdatedAt
	e.current = held
	e.logger.Debug().
		Str("held", string(held.Direction)).
		Str("candidate", string(candidate.Direction)).
		Float64("held_confidence", held.Confidence).
		Float64("candidate_confidence", candidate.Confidence).
		Msg("bias flip blocked by hysteresis")
	e.persist(ctx)
}

func (e *Engine) transition(ctx context.Context, from, to Snapshot) {
	e.current = to
	e.logger.Info().
		Str("from", string(from.Direction)).
		Str("to", string(to.Direction)).
		Float64("confidence", to.Confidence).
		Str("regime", string(to.Regime)).
		Float64("stability", to.Stability).
		Msg("bias changed")
	if e.bus != nil {
		e.bus.PublishBiasChanged(events.BiasChanged{
			Previous:   string(from.Direction),
			Direction:  string(to.Direction),
			Confidence: to.Confidence,
			Regime:     string(to.Regime),
			Stability:  to.Stability,
		})
	}
	e.persist(ctx)
}

func (e *Engine) persist(ctx context.Context) {
	if e.shared == nil {
		return
	}
	if err := e.shared.SetJSON(ctx, store.KeyBiasSnapshot, e.current, 24*time.Hour); err != nil {
		e.logger.Warn().Err(err).Msg("bias snapshot persist failed")
	}
}

// stability is the fraction of the last five candidate directions matching
// dir, with a bonus when the most recent three agree unanimously.
func (e *Engine) stability(dir Direction) float64 {
	if len(e.history) == 0 {
		return 1.0
	}

	window := e.history
	if len(window) > 5 {
		window = window[len(window)-5:]
	}
	matches := 0
	for _, d := range window {
		if d == dir {
			matches++
		}
	}
	s := float64(matches) / float64(len(window))

	if len(window) >= 3 {
		last3 := window[len(window)-3:]
		if last3[0] == dir && last3[1] == dir && last3[2] == dir {
			s += 0.2
		}
	}
	return math.Min(1, s)
}

func (e *Engine) pushHistory(dir Direction) {
	e.history = append(e.history, dir)
	if len(e.history) > 5 {
		e.history = e.history[len(e.history)-5:]
	}
}

// ShouldAllowSignal gates a signal action against the held bias.
// Confidence is on the 0-10 scale. Returns the decision and the reason.
func (e *Engine) ShouldAllowSignal(action string, signalConfidence float64) (bool, string) {
	e.mu.RLock()
	held := e.current
	e.mu.RUnlock()

	if signalConfidence >= 8.5 {
		return true, "high-confidence override"
	}

	effective := held.Direction
	if held.Confidence < e.cfg.MinimumConfidence {
		effective = Neutral
	}

	if effective == Neutral {
		if signalConfidence >= 6.5 {
			return true, "neutral bias"
		}
		return false, "confidence below neutral-bias threshold 6.5"
	}

	if alignedWithBias(effective, action) {
		if signalConfidence >= 5.5 {
			return true, "aligned with bias"
		}
		return false, "confidence below aligned threshold 5.5"
	}

	required := math.Min(7.5+held.Confidence, 9.9)
	if signalConfidence >= required {
		return true, "counter-trend override"
	}
	return false, "counter-trend signal below required confidence"
}

// PositionSizeMultiplier scales quantity by bias alignment.
func (e *Engine) PositionSizeMultiplier(action string) float64 {
	e.mu.RLock()
	held := e.current
	e.mu.RUnlock()

	effective := held.Direction
	if held.Confidence < e.cfg.MinimumConfidence {
		effective = Neutral
	}
	if effective == Neutral {
		return 1.0
	}
	if alignedWithBias(effective, action) {
		return 1.0 + 0.5*(held.Confidence/10)
	}
	return 0.7
}

func alignedWithBias(dir Direction, action string) bool {
	return (dir == Bullish && action == "BUY") || (dir == Bearish && action == "SELL")
}

// combine merges the momentum and internals reads per the alignment rules.
func combine(mDir Direction, mConf float64, iDir Direction, iConf float64) (Direction, float64) {
	switch {
	case mDir == iDir && mDir != Neutral:
		return mDir, math.Min(10, mConf+iConf)
	case mDir == Neutral && iDir != Neutral:
		return iDir, iConf
	case iDir == Neutral && mDir != Neutral:
		return mDir, mConf
	case mDir != iDir && mDir != Neutral && iDir != Neutral:
		if mConf >= iConf {
			return mDir, mConf - iConf
		}
		return iDir, iConf - mConf
	default:
		return Neutral, math.Max(mConf, iConf)
	}
}

// weightedMomentum is the sample mean scaled by sign consistency: five
// samples all pointing one way count fully, a mixed tape is discounted.
func weightedMomentum(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))
	if mean == 0 {
		return 0
	}

	agree := 0
	for _, s := range samples {
		if (s >= 0) == (mean >= 0) {
			agree++
		}
	}
	consistency := float64(agree) / float64(len(samples))
	return mean * consistency
}

func regimeMultiplier(r internals.Regime) float64 {
	switch r {
	case internals.RegimeTrending:
		return 1.2
	case internals.RegimeVolatileTrending:
		return 1.0
	case internals.RegimeChoppy:
		return 0.5
	case internals.RegimeVolatileChoppy:
		return 0.3
	case internals.RegimeQuiet:
		return 0.4
	default:
		return 1.0
	}
}

func phaseMultiplier(p market.TimePhase) float64 {
	switch p {
	case market.PhaseOpening:
		return 1.2
	case market.PhaseMorning:
		return 1.0
	case market.PhaseAfternoon:
		return 0.9
	case market.PhaseClosing:
		return 1.1
	default:
		return 0
	}
}
