// Package strategy holds the signal model, the strategy contract and the
// concrete intraday strategies the pool scans with.
package strategy

import (
	"errors"
	"fmt"
	"time"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
)

// Signal actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// HybridMode tags how a signal wants to be managed after entry.
type HybridMode string

const (
	ModeNone  HybridMode = ""
	ModeScalp HybridMode = "SCALP"
	ModeSwing HybridMode = "SWING"
)

// Signal is one candidate trade emitted by a strategy.
type Signal struct {
	ID             string                 `json:"id"`
	Strategy       string                 `json:"strategy"`
	Symbol         string                 `json:"symbol"`
	Action         string                 `json:"action"`
	Quantity       int                    `json:"quantity,omitempty"` // 0 means size-me
	EntryPrice     float64                `json:"entry_price"`
	StopLoss       float64                `json:"stop_loss"`
	Target         float64                `json:"target"`
	Confidence     float64                `json:"confidence"` // 0-10 post-normalization
	HybridMode     HybridMode             `json:"hybrid_mode,omitempty"`
	MaxHoldMinutes int                    `json:"max_hold_minutes,omitempty"`
	GeneratedAt    time.Time              `json:"generated_at"`
	Reason         string                 `json:"reason,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// NormalizeConfidence lifts a [0,1]-scale confidence onto the 0-10 scale.
func (s *Signal) NormalizeConfidence() {
	if s.Confidence > 0 && s.Confidence <= 1.0 {
		s.Confidence *= 10
	}
}

// Validation errors.
var (
	ErrMissingFields   = errors.New("signal missing required fields")
	ErrBadConfidence   = errors.New("signal confidence out of range")
	ErrBadEntryPrice   = errors.New("signal entry price must be positive")
	ErrBadAction       = errors.New("signal action must be BUY or SELL")
	ErrInvertedBracket = errors.New("signal stop/target bracket inverted")
)

// Validate checks structural sanity after normalization.
func (s *Signal) Validate() error {
	if s.Symbol == "" || s.Strategy == "" {
		return ErrMissingFields
	}
	if s.Action != ActionBuy && s.Action != ActionSell {
		return ErrBadAction
	}
	if s.Confidence <= 0 || s.Confidence > 10 {
		return fmt.Errorf("%w: %.2f", ErrBadConfidence, s.Confidence)
	}
	if s.EntryPrice <= 0 {
		return ErrBadEntryPrice
	}
	if s.StopLoss > 0 && s.Target > 0 {
		if s.Action == ActionBuy && !(s.StopLoss < s.EntryPrice && s.EntryPrice < s.Target) {
			return fmt.Errorf("%w: BUY wants stop < entry < target", ErrInvertedBracket)
		}
		if s.Action == ActionSell && !(s.StopLoss > s.EntryPrice && s.EntryPrice > s.Target) {
			return fmt.Errorf("%w: SELL wants stop > entry > target", ErrInvertedBracket)
		}
	}
	return nil
}

// Meta reads a metadata value, tolerating a nil map.
func (s *Signal) Meta(key string) (interface{}, bool) {
	if s.Metadata == nil {
		return nil, false
	}
	v, ok := s.Metadata[key]
	return v, ok
}

// MetaBool reads a boolean metadata flag.
func (s *Signal) MetaBool(key string) bool {
	v, ok := s.Meta(key)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Strategy is the contract the pool scans with. Implementations are pure
// with respect to the position book: they see quotes and candles only.
type Strategy interface {
	// Name identifies the strategy in signals, logs and stats.
	Name() string
	// Interval is the candle interval Evaluate wants ("5minute" etc.).
	Interval() string
	// LookbackBars is how many candles Evaluate needs.
	LookbackBars() int
	// Evaluate inspects one symbol. A nil signal with nil error means no
	// setup; errors are reserved for data problems.
	Evaluate(q market.Quote, candles []broker.Candle) (*Signal, error)
}
