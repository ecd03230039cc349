package engine

import (
	"context"
	"fmt"

	"zerodha-trading-engine/internal/events"
	"zerodha-trading-engine/internal/strategy"
)

// Pipeline stages reported on signal events.
const (
	stageEnhancer  = "enhancer"
	stageDedup     = "dedup"
	stageDecision  = "decision"
	stageRisk      = "risk"
	stageAllocator = "allocator"
	stageOrders    = "orders"
	stageAccepted  = "accepted"
)

// processSignal runs one candidate through the gauntlet: enhance, dedup,
// opening decision, risk sizing, allocation, then order placement. Any
// stage may kill it; the first rejection wins and is published.
func (e *Engine) processSignal(ctx context.Context, sig strategy.Signal) {
	e.metrics.SignalGenerated(sig.Strategy)

	quote, ok := e.quotes.Get(sig.Symbol)
	if !ok {
		e.rejectSignal(sig, stageEnhancer, "no cached quote")
		return
	}

	enhanced, breakdown := e.enhancer.Enhance(sig, quote)
	if !breakdown.Accepted {
		e.rejectSignal(sig, stageEnhancer, fmt.Sprintf("composite %.2f below floor", breakdown.Composite))
		return
	}
	sig = enhanced

	if ok, reason := e.dedup.Check(ctx, sig); !ok {
		e.rejectSignal(sig, stageDedup, reason)
		return
	}

	res := e.gate.Evaluate(sig)
	if !res.Approved {
		e.rejectSignal(sig, stageDecision, fmt.Sprintf("%s: %s", res.Reason, res.Detail))
		return
	}
	sig.Confidence = res.FinalConfidence

	capital := e.registry.MasterCapital()
	approvedQty, err := e.risk.ValidateTradeRisk(sig.Symbol, res.PositionSize, sig.EntryPrice, capital)
	if err != nil {
		e.rejectSignal(sig, stageRisk, err.Error())
		return
	}

	allocations, err := e.alloc.Allocate(ctx, sig, approvedQty, sig.EntryPrice)
	if err != nil {
		e.rejectSignal(sig, stageAllocator, err.Error())
		return
	}

	e.metrics.SignalAccepted(sig.Strategy)
	e.publishSignal(events.EventSignalAccepted, sig, stageAccepted, "")
	e.logger.Info().
		Str("signal_id", sig.ID).
		Str("strategy", sig.Strategy).
		Str("symbol", sig.Symbol).
		Str("action", sig.Action).
		Int("quantity", approvedQty).
		Float64("confidence", sig.Confidence).
		Int("users", len(allocations)).
		Msg("signal accepted")

	if _, err := e.orders.PlaceStrategyOrder(ctx, sig, allocations); err != nil {
		e.metrics.OrderFailed(sig.Strategy)
		e.logger.Error().Err(err).
			Str("signal_id", sig.ID).
			Str("symbol", sig.Symbol).
			Msg("order placement failed")
		return
	}
	e.metrics.OrderPlaced(sig.Strategy)
}

func (e *Engine) rejectSignal(sig strategy.Signal, stage, reason string) {
	e.metrics.SignalRejected(sig.Strategy, stage)
	e.publishSignal(events.EventSignalRejected, sig, stage, reason)
	e.logger.Debug().
		Str("signal_id", sig.ID).
		Str("strategy", sig.Strategy).
		Str("symbol", sig.Symbol).
		Str("stage", stage).
		Str("reason", reason).
		Msg("signal rejected")
}

func (e *Engine) publishSignal(typ events.EventType, sig strategy.Signal, stage, reason string) {
	e.bus.Publish(events.Event{
		Type:      typ,
		Timestamp: e.clock.Now(),
		Payload: events.SignalEvent{
			SignalID:   sig.ID,
			Strategy:   sig.Strategy,
			Symbol:     sig.Symbol,
			Action:     sig.Action,
			Confidence: sig.Confidence,
			Stage:      stage,
			Reason:     reason,
		},
	})
}
