package orders

import (
	"context"
	"strings"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/positions"
	"zerodha-trading-engine/internal/risk"
	"zerodha-trading-engine/internal/strategy"
)

// ExitRequest describes one exit the position monitor wants executed.
// Quantity 0 (or anything at/above the remaining quantity) means full exit.
type ExitRequest struct {
	Symbol    string `json:"symbol"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
	Emergency bool   `json:"emergency,omitempty"`
}

// ExitResult reports what the exit did to the book. RealizedPnL is this
// exit's contribution only, not the position's running total.
type ExitResult struct {
	OrderID     string  `json:"order_id"`
	ExitPrice   float64 `json:"exit_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	Remaining   int     `json:"remaining"`
	Partial     bool    `json:"partial"`
}

// PlaceExit submits a MARKET order opposite to the open position and settles
// the book. Exits ride the master's queue: follower allocations are
// bookkeeping and unwind with the master fill.
func (m *Manager) PlaceExit(ctx context.Context, req ExitRequest) (ExitResult, error) {
	pos, ok := m.book.Get(req.Symbol)
	if !ok {
		return ExitResult{}, positions.ErrAlreadyClosed
	}

	qty := req.Quantity
	if qty <= 0 || qty > pos.Quantity {
		qty = pos.Quantity
	}

	action := broker.ActionSell
	if !pos.IsLong() {
		action = broker.ActionBuy
	}
	tag := exitTag(req)
	order := broker.OrderRequest{
		Symbol:    pos.Symbol,
		Action:    action,
		Quantity:  qty,
		OrderType: broker.OrderTypeMarket,
		Product:   broker.ProductMIS,
		Tag:       tag,
	}
	oc := risk.OrderContext{
		Symbol:           pos.Symbol,
		Strategy:         risk.StrategyPositionMonitor,
		Tag:              tag,
		IsExit:           true,
		ClosingAction:    true,
		ManagementAction: req.Emergency,
	}

	masterID, err := m.masterID()
	if err != nil {
		return ExitResult{}, err
	}
	orderID, err := m.enqueue(ctx, masterID, order, oc)
	if err != nil {
		return ExitResult{}, err
	}

	exitPrice := pos.CurrentPrice
	if exitPrice <= 0 {
		exitPrice = pos.AveragePrice
	}
	thisPnL := pos.PnLAt(exitPrice, qty)

	if qty >= pos.Quantity {
		if _, err := m.book.Close(pos.Symbol, exitPrice, req.Reason); err != nil {
			return ExitResult{}, err
		}
		return ExitResult{OrderID: orderID, ExitPrice: exitPrice, RealizedPnL: thisPnL}, nil
	}
	after, err := m.book.BookPartial(pos.Symbol, qty, exitPrice, req.Reason)
	if err != nil {
		return ExitResult{}, err
	}
	return ExitResult{
		OrderID:     orderID,
		ExitPrice:   exitPrice,
		RealizedPnL: thisPnL,
		Remaining:   after.Quantity,
		Partial:     true,
	}, nil
}

// exitTag marks the venue tag so downstream gates recognize the order as an
// exit even with no signal metadata attached.
func exitTag(req ExitRequest) string {
	prefix := "EXIT"
	if req.Emergency {
		prefix = "EMERGENCY-EXIT"
	}
	reason := strings.ToUpper(req.Reason)
	if reason == "" {
		return prefix
	}
	tag := prefix + "-" + reason
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}
	return tag
}

// contextFor derives the hours-gate context from a signal's metadata and
// the order tag it will carry.
func contextFor(sig strategy.Signal, tag string) risk.OrderContext {
	return risk.OrderContext{
		Symbol:           sig.Symbol,
		Strategy:         sig.Strategy,
		Tag:              tag,
		IsExit:           signalMarksExit(sig) || tagMarksExit(tag),
		ManagementAction: metaBool(sig.Metadata, "bypass_all_checks"),
		ClosingAction:    metaBool(sig.Metadata, "closing_action"),
	}
}

// signalMarksExit applies the exit markers accepted on a signal: an is_exit
// flag, signal_type EXIT, or a non-empty exit_reason.
func signalMarksExit(sig strategy.Signal) bool {
	if metaBool(sig.Metadata, "is_exit") {
		return true
	}
	if strings.EqualFold(metaString(sig.Metadata, "signal_type"), "EXIT") {
		return true
	}
	return metaString(sig.Metadata, "exit_reason") != ""
}

// tagMarksExit matches EXIT and FULL_EXIT tags.
func tagMarksExit(tag string) bool {
	return strings.Contains(tag, "EXIT")
}

func metaBool(meta map[string]interface{}, key string) bool {
	if meta == nil {
		return false
	}
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

func metaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}
