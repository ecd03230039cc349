// Package decision is the position-opening gate: a sequential validator
// that turns an enhanced signal into an approved, sized trade or a typed
// rejection. It never returns errors to its caller; every failure is a
// Result with a reason code.
package decision

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/bias"
	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/risk"
	"zerodha-trading-engine/internal/strategy"
)

// Reason codes for rejections, in check order.
type Reason string

const (
	ReasonConfidence       Reason = "CONFIDENCE"
	ReasonBias             Reason = "BIAS"
	ReasonRisk             Reason = "RISK"
	ReasonTiming           Reason = "TIMING"
	ReasonCapital          Reason = "CAPITAL"
	ReasonDuplicate        Reason = "DUPLICATE"
	ReasonMarketConditions Reason = "MARKET_CONDITIONS"
)

// Result is the typed outcome of Evaluate. Callers never see an error.
type Result struct {
	Approved        bool     `json:"approved"`
	Reason          Reason   `json:"reason,omitempty"`
	Detail          string   `json:"detail,omitempty"`
	PositionSize    int      `json:"position_size,omitempty"`
	RiskScore       float64  `json:"risk_score,omitempty"`
	FinalConfidence float64  `json:"final_confidence,omitempty"`
	Reasoning       []string `json:"reasoning,omitempty"`
}

func rejected(reason Reason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// BiasView is the slice of the bias engine the gate consults.
type BiasView interface {
	ShouldAllowSignal(action string, signalConfidence float64) (bool, string)
	PositionSizeMultiplier(action string) float64
	Current() bias.Snapshot
}

// Book answers whether a symbol already has an open position.
type Book interface {
	Has(symbol string) bool
}

// StructuralValidator is the risk manager's signal-shape check.
type StructuralValidator interface {
	ValidateSignal(action string, entry, stop, target float64) error
}

// CapitalSource supplies the executing account's capital.
type CapitalSource interface {
	MasterCapital() float64
}

// Config tunes the gate.
type Config struct {
	RiskPerTradePercent    float64 `json:"risk_per_trade_percent"`
	MaxPositionRiskPercent float64 `json:"max_position_risk_percent"`
	MinFinalConfidence     float64 `json:"min_final_confidence"`
	StrongBiasConfidence   float64 `json:"strong_bias_confidence"`
	StrongBiasBonus        float64 `json:"strong_bias_bonus"`
	TrendingNiftyBonus     float64 `json:"trending_nifty_bonus"`
	NiftySanityCapPercent  float64 `json:"nifty_sanity_cap_percent"`
	EquityMarginFactor     float64 `json:"equity_margin_factor"`
}

func (c *Config) defaults() {
	if c.RiskPerTradePercent == 0 {
		c.RiskPerTradePercent = 2.0
	}
	if c.MaxPositionRiskPercent == 0 {
		c.MaxPositionRiskPercent = 2.0
	}
	if c.MinFinalConfidence == 0 {
		c.MinFinalConfidence = 7.0
	}
	if c.StrongBiasConfidence == 0 {
		c.StrongBiasConfidence = 7.0
	}
	if c.StrongBiasBonus == 0 {
		c.StrongBiasBonus = 0.5
	}
	if c.TrendingNiftyBonus == 0 {
		c.TrendingNiftyBonus = 0.3
	}
	if c.NiftySanityCapPercent == 0 {
		c.NiftySanityCapPercent = 25.0
	}
	if c.EquityMarginFactor == 0 {
		c.EquityMarginFactor = 0.25
	}
}

// Engine runs the seven checks in order.
type Engine struct {
	cfg     Config
	clock   *market.SessionClock
	bias    BiasView
	book    Book
	riskVal StructuralValidator
	capital CapitalSource
	quotes  *market.QuoteCache
	logger  zerolog.Logger
}

func NewEngine(cfg Config, clock *market.SessionClock, b BiasView, book Book, rv StructuralValidator, capital CapitalSource, quotes *market.QuoteCache, logger zerolog.Logger) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:     cfg,
		clock:   clock,
		bias:    b,
		book:    book,
		riskVal: rv,
		capital: capital,
		quotes:  quotes,
		logger:  logger.With().Str("component", "position_decision").Logger(),
	}
}

// Evaluate runs the gate. The first failing check decides the reason code.
func (e *Engine) Evaluate(sig strategy.Signal) Result {
	reasoning := make([]string, 0, 6)

	// 1. Basic validation.
	if err := sig.Validate(); err != nil {
		return rejected(ReasonConfidence, err.Error())
	}

	// 2. Timing: weekday, 09:15 <= now < 15:00.
	now := e.clock.Now()
	if !e.clock.CanOpenNewPosition(now) {
		return rejected(ReasonTiming, fmt.Sprintf("entries closed at %s IST", now.Format("15:04:05")))
	}

	// 3. Duplicate position.
	if e.book.Has(sig.Symbol) {
		return rejected(ReasonDuplicate, "position already open for "+sig.Symbol)
	}

	// 4. Bias alignment.
	allowed, why := e.bias.ShouldAllowSignal(sig.Action, sig.Confidence)
	if !allowed {
		return rejected(ReasonBias, why)
	}
	reasoning = append(reasoning, why)

	// 5. Risk and capital.
	capital := e.capital.MasterCapital()
	if capital <= 0 {
		return rejected(ReasonCapital, "no capital available")
	}
	qty := sig.Quantity
	if qty == 0 {
		qty = risk.RiskPerTradeQuantity(capital, sig.EntryPrice, sig.StopLoss, e.cfg.RiskPerTradePercent)
		qty = int(float64(qty) * e.bias.PositionSizeMultiplier(sig.Action))
		if qty > 0 {
			reasoning = append(reasoning, fmt.Sprintf("sized %d by %.1f%% capital risk", qty, e.cfg.RiskPerTradePercent))
		}
	}
	if qty <= 0 {
		return rejected(ReasonCapital, "capital too small to size one unit")
	}

	maxLoss := capital * e.cfg.MaxPositionRiskPercent / 100
	perShareRisk := e.perShareRisk(sig)
	if lossAtStop := float64(qty) * perShareRisk; lossAtStop > maxLoss {
		capped := int(maxLoss / perShareRisk)
		if capped <= 0 {
			return rejected(ReasonRisk, fmt.Sprintf("stop risk %.2f over single-trade cap %.2f", lossAtStop, maxLoss))
		}
		reasoning = append(reasoning, fmt.Sprintf("quantity capped %d -> %d by single-trade risk", qty, capped))
		qty = capped
	}

	marginReq := e.marginRequired(sig.Symbol, qty, sig.EntryPrice)
	if marginReq > capital {
		return rejected(ReasonCapital, fmt.Sprintf("margin %.2f exceeds capital %.2f", marginReq, capital))
	}
	if err := e.riskVal.ValidateSignal(sig.Action, sig.EntryPrice, sig.StopLoss, sig.Target); err != nil {
		return rejected(ReasonRisk, err.Error())
	}

	// 6. Market conditions sanity cap.
	nifty, haveNifty := e.quotes.Get(market.SymbolNifty)
	if haveNifty && math.Abs(nifty.ChangePercent) > e.cfg.NiftySanityCapPercent {
		return rejected(ReasonMarketConditions, fmt.Sprintf("NIFTY change %.1f%% outside sanity cap", nifty.ChangePercent))
	}

	// 7. Final confidence.
	final := sig.Confidence
	snap := e.bias.Current()
	if snap.Confidence >= e.cfg.StrongBiasConfidence && biasAligned(snap.Direction, sig.Action) {
		final += e.cfg.StrongBiasBonus
		reasoning = append(reasoning, fmt.Sprintf("strong %s bias bonus +%.1f", snap.Direction, e.cfg.StrongBiasBonus))
	}
	if haveNifty && math.Abs(nifty.ChangePercent) > 1.0 {
		final += e.cfg.TrendingNiftyBonus
		reasoning = append(reasoning, fmt.Sprintf("trending NIFTY bonus +%.1f", e.cfg.TrendingNiftyBonus))
	}
	if final > 10 {
		final = 10
	}
	if final < e.cfg.MinFinalConfidence {
		return rejected(ReasonConfidence, fmt.Sprintf("final confidence %.2f below %.1f", final, e.cfg.MinFinalConfidence))
	}

	riskScore := 0.0
	if capital > 0 {
		riskScore = math.Min(10, marginReq/capital*10)
	}

	e.logger.Info().
		Str("symbol", sig.Symbol).
		Str("strategy", sig.Strategy).
		Str("action", sig.Action).
		Int("quantity", qty).
		Float64("final_confidence", final).
		Msg("signal approved for entry")

	return Result{
		Approved:        true,
		PositionSize:    qty,
		RiskScore:       riskScore,
		FinalConfidence: final,
		Reasoning:       reasoning,
	}
}

func (e *Engine) perShareRisk(sig strategy.Signal) float64 {
	r := sig.EntryPrice - sig.StopLoss
	if r < 0 {
		r = -r
	}
	if sig.StopLoss == 0 || r == 0 {
		r = sig.EntryPrice * 0.01
	}
	return r
}

func (e *Engine) marginRequired(symbol string, qty int, price float64) float64 {
	if market.IsOption(symbol) {
		return float64(qty) * price
	}
	return float64(qty) * price * e.cfg.EquityMarginFactor
}

func biasAligned(dir bias.Direction, action string) bool {
	return (dir == bias.Bullish && action == strategy.ActionBuy) ||
		(dir == bias.Bearish && action == strategy.ActionSell)
}
