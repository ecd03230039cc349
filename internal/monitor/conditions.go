package monitor

import (
	"strings"
	"time"

	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/positions"
)

// Exit priorities, ascending severity first. Lower executes earlier.
const (
	PriorityEmergency  = 0
	PriorityMandatory  = 1
	PriorityManagement = 2
	PriorityTarget     = 3
)

// Exit reasons recorded on closed positions and in logs.
const (
	ReasonMarketCloseEmergency = "market_close_emergency"
	ReasonMandatoryClose       = "mandatory_close"
	ReasonSquareOff            = "intraday_square_off"
	ReasonScalpTimeout         = "scalp_timeout"
	ReasonStopLoss             = "stop_loss"
	ReasonTargetPartial        = "partial_target"
	ReasonTargetRetouch        = "target_retouch"
	ReasonTargetFull           = "target"
	ReasonTrailingStop         = "trailing_stop"
	ReasonRiskEmergency        = "risk_emergency"
)

// Session time tiers, strongest last.
const (
	tierNone = iota
	tierSquareOff
	tierMandatoryClose
	tierMarketClose
)

type exitCondition struct {
	pos       positions.Position
	priority  int
	reason    string
	partial   bool
	qty       int // 0 means full
	emergency bool
}

// evaluate walks the exit ladder in strict order; the first match wins and
// later conditions are not consulted for this position.
func (m *Monitor) evaluate(pos positions.Position, now time.Time, timeTier int) (exitCondition, bool) {
	if cond, ok := m.timeBasedExit(pos, timeTier); ok {
		return cond, true
	}
	if cond, ok := m.scalpTimeout(pos, now); ok {
		return cond, true
	}
	if cond, ok := m.stopLossExit(pos); ok {
		return cond, true
	}
	if cond, ok := m.targetExit(pos); ok {
		return cond, true
	}
	if cond, ok := m.trailingStopExit(pos); ok {
		return cond, true
	}
	if cond, ok := m.riskExit(pos); ok {
		return cond, true
	}
	return exitCondition{}, false
}

// timeTier classifies now against the session cutoffs. The caller latches
// the strongest tier seen in a pass so a clock crossing a cutoff
// mid-iteration applies to every remaining position.
func (m *Monitor) timeTier(now time.Time) int {
	switch {
	case m.clock.PastMarketClose(now):
		return tierMarketClose
	case m.clock.PastMandatoryClose(now):
		return tierMandatoryClose
	case m.clock.PastSquareOffWindow(now):
		return tierSquareOff
	}
	return tierNone
}

func (m *Monitor) timeBasedExit(pos positions.Position, tier int) (exitCondition, bool) {
	switch tier {
	case tierMarketClose:
		// Should have been flat long before 15:30.
		m.logger.Error().
			Str("severity", "critical").
			Str("symbol", pos.Symbol).
			Msg("position still open past market close")
		return exitCondition{pos: pos, priority: PriorityEmergency, reason: ReasonMarketCloseEmergency, emergency: true}, true
	case tierMandatoryClose:
		return exitCondition{pos: pos, priority: PriorityMandatory, reason: ReasonMandatoryClose, emergency: true}, true
	case tierSquareOff:
		return exitCondition{pos: pos, priority: PriorityManagement, reason: ReasonSquareOff}, true
	}
	return exitCondition{}, false
}

// scalpTimeout applies only to scalp-tagged positions with a hold budget.
// At the budget the position exits if it shows at least the minimum profit;
// at twice the budget it exits regardless.
func (m *Monitor) scalpTimeout(pos positions.Position, now time.Time) (exitCondition, bool) {
	if !strings.EqualFold(pos.HybridMode, positions.ModeScalp) || pos.MaxHoldMinutes <= 0 {
		return exitCondition{}, false
	}
	held := pos.HeldFor(now)
	budget := time.Duration(pos.MaxHoldMinutes) * time.Minute
	switch {
	case held >= 2*budget:
		return exitCondition{pos: pos, priority: PriorityManagement, reason: ReasonScalpTimeout}, true
	case held >= budget && pos.PnLPercent() >= m.cfg.ScalpMinProfitPercent:
		return exitCondition{pos: pos, priority: PriorityManagement, reason: ReasonScalpTimeout}, true
	}
	return exitCondition{}, false
}

// stopLossExit locks in half the move once the position is 2% in profit,
// then fires when price crosses the (possibly tightened) stop adversely.
func (m *Monitor) stopLossExit(pos positions.Position) (exitCondition, bool) {
	if pos.PnLPercent() >= m.cfg.ProfitLockTriggerPercent {
		lock := pos.AveragePrice + m.cfg.ProfitLockFraction*(pos.CurrentPrice-pos.AveragePrice)
		if applied, err := m.book.TightenStop(pos.Symbol, lock); err == nil {
			pos.StopLoss = applied
		}
	}
	if pos.StopLoss > 0 && crossedAdverse(pos, pos.StopLoss) {
		return exitCondition{pos: pos, priority: PriorityManagement, reason: ReasonStopLoss}, true
	}
	return exitCondition{}, false
}

// targetExit books half the quantity on first touch and keeps the rest
// running behind a tightened stop. Options, small positions, and undersized
// partials exit in full. A re-touch after booking exits the remainder.
func (m *Monitor) targetExit(pos positions.Position) (exitCondition, bool) {
	if pos.Target <= 0 || !touchedTarget(pos) {
		return exitCondition{}, false
	}
	if pos.PartialProfitBooked {
		return exitCondition{pos: pos, priority: PriorityTarget, reason: ReasonTargetRetouch}, true
	}
	partialQty := int(float64(pos.Quantity) * m.cfg.PartialBookFraction)
	if market.IsOption(pos.Symbol) || pos.Quantity <= m.cfg.MinPartialQty || partialQty < m.cfg.MinPartialQty {
		return exitCondition{pos: pos, priority: PriorityTarget, reason: ReasonTargetFull}, true
	}
	return exitCondition{pos: pos, priority: PriorityTarget, reason: ReasonTargetPartial, partial: true, qty: partialQty}, true
}

// trailingStopExit ratchets the trail once the position is over 1% in
// profit and fires when price crosses it adversely.
func (m *Monitor) trailingStopExit(pos positions.Position) (exitCondition, bool) {
	if pos.PnLPercent() > m.cfg.TrailActivatePercent {
		if applied, err := m.book.UpdateTrailingStop(pos.Symbol, m.trailingLevel(pos)); err == nil {
			pos.TrailingStop = applied
		}
	}
	if pos.TrailingStop > 0 && crossedAdverse(pos, pos.TrailingStop) {
		return exitCondition{pos: pos, priority: PriorityManagement, reason: ReasonTrailingStop}, true
	}
	return exitCondition{}, false
}

func (m *Monitor) riskExit(pos positions.Position) (exitCondition, bool) {
	if m.risk == nil {
		return exitCondition{}, false
	}
	if stopped, trigger := m.risk.EmergencyStopped(); stopped {
		return exitCondition{
			pos:       pos,
			priority:  PriorityMandatory,
			reason:    ReasonRiskEmergency + ":" + trigger,
			emergency: true,
		}, true
	}
	return exitCondition{}, false
}

// trailingLevel trails a fixed fraction behind the favorable extreme, never
// worse than the minimum profit lock.
func (m *Monitor) trailingLevel(pos positions.Position) float64 {
	if pos.IsLong() {
		ref := pos.HighWaterMark
		if ref < pos.CurrentPrice {
			ref = pos.CurrentPrice
		}
		trail := ref - m.cfg.TrailBehindFraction*(ref-pos.AveragePrice)
		if floor := pos.AveragePrice * (1 + m.cfg.TrailMinLockPercent/100); trail < floor {
			trail = floor
		}
		return trail
	}
	ref := pos.HighWaterMark
	if ref == 0 || ref > pos.CurrentPrice {
		ref = pos.CurrentPrice
	}
	trail := ref + m.cfg.TrailBehindFraction*(pos.AveragePrice-ref)
	if ceil := pos.AveragePrice * (1 - m.cfg.TrailMinLockPercent/100); trail > ceil {
		trail = ceil
	}
	return trail
}

func crossedAdverse(pos positions.Position, level float64) bool {
	if pos.IsLong() {
		return pos.CurrentPrice <= level
	}
	return pos.CurrentPrice >= level
}

func touchedTarget(pos positions.Position) bool {
	if pos.IsLong() {
		return pos.CurrentPrice >= pos.Target
	}
	return pos.CurrentPrice <= pos.Target
}
