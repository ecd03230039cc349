// Package broker defines the adapter contract between the trading engine
// and an execution venue. The engine codes against the Broker interface;
// the Kite adapter talks to Zerodha, the paper adapter simulates fills
// locally. Paper mode is a first-class mode selected at startup, never a
// fallback for a failed live authentication.
package broker

import (
	"context"
	"errors"
	"time"
)

// Order actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// Order types.
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Product types: MIS is margin intraday (force squared-off by the broker),
// CIS carries forward.
const (
	ProductMIS = "MIS"
	ProductCIS = "CIS"
)

// Terminal and transient order statuses as reported by the venue.
const (
	StatusOpen      = "OPEN"
	StatusComplete  = "COMPLETE"
	StatusCancelled = "CANCELLED"
	StatusRejected  = "REJECTED"
)

var (
	// ErrNotAuthenticated is returned when the adapter has no usable session.
	ErrNotAuthenticated = errors.New("broker: not authenticated")
	// ErrOrderRejected is returned when the venue rejects an order outright.
	ErrOrderRejected = errors.New("broker: order rejected")
	// ErrUnavailable is returned when the venue cannot be reached (circuit open).
	ErrUnavailable = errors.New("broker: unavailable")
)

// OrderRequest is a venue-neutral order.
type OrderRequest struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange,omitempty"` // derived from symbol when empty
	Action    string  `json:"action"`             // BUY or SELL
	Quantity  int     `json:"quantity"`
	OrderType string  `json:"order_type"` // MARKET or LIMIT
	Product   string  `json:"product"`    // MIS or CIS
	Price     float64 `json:"price,omitempty"`
	Tag       string  `json:"tag,omitempty"`
}

// OrderUpdate is one element of the venue's push stream.
type OrderUpdate struct {
	OrderID         string  `json:"order_id"`
	Symbol          string  `json:"symbol"`
	Status          string  `json:"status"`
	FilledQuantity  int     `json:"filled_quantity"`
	PendingQuantity int     `json:"pending_quantity"`
	AveragePrice    float64 `json:"average_price"`
}

// Margins summarizes the funds view for the equity segment.
type Margins struct {
	AvailableCash float64 `json:"available_cash"`
	UsedMargin    float64 `json:"used_margin"`
	Net           float64 `json:"net"`
}

// Position is the venue's view of one open position.
type Position struct {
	Symbol       string  `json:"tradingsymbol"`
	Exchange     string  `json:"exchange"`
	Product      string  `json:"product"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	LastPrice    float64 `json:"last_price"`
	PnL          float64 `json:"pnl"`
}

// Positions mirrors the venue's net/day split.
type Positions struct {
	Net []Position `json:"net"`
	Day []Position `json:"day"`
}

// Quote is the venue's full-quote snapshot for one instrument.
type Quote struct {
	LastPrice    float64 `json:"last_price"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"` // previous close
	Volume       int64   `json:"volume"`
	AveragePrice float64 `json:"average_price"` // intraday VWAP
	OI           float64 `json:"oi,omitempty"`
}

// Candle is one bar of historical data.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// MaxQuoteBatch caps symbols per quote call (venue limit).
const MaxQuoteBatch = 500

// Broker is the execution-venue contract. All methods honor ctx deadlines;
// read calls may be retried by the adapter, order placement never is.
type Broker interface {
	// Name identifies the adapter ("kite", "paper") for logs and status.
	Name() string
	// GetMargins returns the equity-segment funds view.
	GetMargins(ctx context.Context) (Margins, error)
	// GetPositions returns the venue's net and day position books.
	GetPositions(ctx context.Context) (Positions, error)
	// GetQuote fetches quotes for up to MaxQuoteBatch plain symbols,
	// keyed by plain symbol in the result.
	GetQuote(ctx context.Context, symbols ...string) (map[string]Quote, error)
	// GetHistoricalData returns bars for symbol at the venue interval
	// ("minute", "5minute", "day").
	GetHistoricalData(ctx context.Context, symbol, interval string, from, to time.Time) ([]Candle, error)
	// PlaceOrder submits one order and returns the venue order id.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	// CancelOrder cancels an open order.
	CancelOrder(ctx context.Context, orderID string) error
	// OrderUpdates exposes the venue's push stream of order state changes.
	OrderUpdates() <-chan OrderUpdate
}
