// Package positions owns the intraday position book: one open position per
// symbol, per-symbol serialized mutation, and an audit trail of closed trades.
package positions

import (
	"errors"
	"fmt"
	"time"
)

// Side of an open position.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Hybrid holding modes carried in position metadata.
const (
	ModeScalp = "scalp"
	ModeSwing = "swing"
)

var (
	ErrDuplicatePosition = errors.New("position already open for symbol")
	ErrAlreadyClosed     = errors.New("position already closed")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidPosition   = errors.New("invalid position")
)

// Position is a single open (or closed) intraday position. Quantity is the
// remaining open quantity; RealizedPnL accumulates across partial exits.
type Position struct {
	Symbol              string    `json:"symbol"`
	Side                string    `json:"side"`
	Quantity            int       `json:"quantity"`
	AveragePrice        float64   `json:"average_price"`
	CurrentPrice        float64   `json:"current_price"`
	StopLoss            float64   `json:"stop_loss"`
	Target              float64   `json:"target"`
	TrailingStop        float64   `json:"trailing_stop"`
	EntryTime           time.Time `json:"entry_time"`
	Strategy            string    `json:"strategy"`
	HybridMode          string    `json:"hybrid_mode,omitempty"`
	MaxHoldMinutes      int       `json:"max_hold_minutes,omitempty"`
	PartialProfitBooked bool      `json:"partial_profit_booked"`
	InitialQuantity     int       `json:"initial_quantity"`
	HighWaterMark       float64   `json:"high_water_mark"`
	RealizedPnL         float64   `json:"realized_pnl"`
	UnrealizedPnL       float64   `json:"unrealized_pnl"`
	ExitPrice           float64   `json:"exit_price,omitempty"`
	ExitTime            time.Time `json:"exit_time,omitempty"`
	ExitReason          string    `json:"exit_reason,omitempty"`
}

// IsLong reports whether the position profits when price rises.
func (p *Position) IsLong() bool { return p.Side == SideLong }

// PnLAt returns the profit on qty units exited at price.
func (p *Position) PnLAt(price float64, qty int) float64 {
	if p.IsLong() {
		return (price - p.AveragePrice) * float64(qty)
	}
	return (p.AveragePrice - price) * float64(qty)
}

// PnLPercent is the unrealized move relative to entry, signed in the
// position's favor (positive = profitable).
func (p *Position) PnLPercent() float64 {
	if p.AveragePrice == 0 {
		return 0
	}
	pct := (p.CurrentPrice - p.AveragePrice) / p.AveragePrice * 100
	if !p.IsLong() {
		pct = -pct
	}
	return pct
}

// HeldFor returns how long the position has been open as of now.
func (p *Position) HeldFor(now time.Time) time.Duration {
	if p.EntryTime.IsZero() {
		return 0
	}
	return now.Sub(p.EntryTime)
}

// FavorableMove is the distance price has moved in the position's favor,
// negative when under water.
func (p *Position) FavorableMove() float64 {
	if p.IsLong() {
		return p.CurrentPrice - p.AveragePrice
	}
	return p.AveragePrice - p.CurrentPrice
}

// normalize validates the position and corrects an inconsistent side
// declaration. A long must have stop below entry and target above; when both
// bracket legs point the other way the declared side is wrong and gets
// flipped rather than rejected.
func (p *Position) normalize() error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidPosition)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", ErrInvalidQuantity, p.Quantity)
	}
	if p.AveragePrice <= 0 {
		return fmt.Errorf("%w: average price %.2f", ErrInvalidPosition, p.AveragePrice)
	}
	if p.Side != SideLong && p.Side != SideShort {
		return fmt.Errorf("%w: side %q", ErrInvalidPosition, p.Side)
	}
	if corrected, flipped := correctedSide(p.Side, p.AveragePrice, p.StopLoss, p.Target); flipped {
		p.Side = corrected
	}
	if err := p.checkBracket(); err != nil {
		return err
	}
	return nil
}

// correctedSide flips the declared side only when stop and target both sit on
// the wrong side of entry, which means the bracket was built for the opposite
// direction. A half-inconsistent bracket is left for checkBracket to reject.
func correctedSide(side string, entry, stop, target float64) (string, bool) {
	if stop == 0 || target == 0 {
		return side, false
	}
	switch side {
	case SideLong:
		if stop > entry && target < entry {
			return SideShort, true
		}
	case SideShort:
		if stop < entry && target > entry {
			return SideLong, true
		}
	}
	return side, false
}

func (p *Position) checkBracket() error {
	if p.IsLong() {
		if p.StopLoss != 0 && p.StopLoss >= p.AveragePrice {
			return fmt.Errorf("%w: long stop %.2f >= entry %.2f", ErrInvalidPosition, p.StopLoss, p.AveragePrice)
		}
		if p.Target != 0 && p.Target <= p.AveragePrice {
			return fmt.Errorf("%w: long target %.2f <= entry %.2f", ErrInvalidPosition, p.Target, p.AveragePrice)
		}
		return nil
	}
	if p.StopLoss != 0 && p.StopLoss <= p.AveragePrice {
		return fmt.Errorf("%w: short stop %.2f <= entry %.2f", ErrInvalidPosition, p.StopLoss, p.AveragePrice)
	}
	if p.Target != 0 && p.Target >= p.AveragePrice {
		return fmt.Errorf("%w: short target %.2f >= entry %.2f", ErrInvalidPosition, p.Target, p.AveragePrice)
	}
	return nil
}

// markPrice refreshes the mark, unrealized P&L and high-water mark.
func (p *Position) markPrice(price float64) {
	if price <= 0 {
		return
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = p.PnLAt(price, p.Quantity)
	if p.HighWaterMark == 0 {
		p.HighWaterMark = price
		return
	}
	if p.IsLong() {
		if price > p.HighWaterMark {
			p.HighWaterMark = price
		}
	} else if price < p.HighWaterMark {
		p.HighWaterMark = price
	}
}
