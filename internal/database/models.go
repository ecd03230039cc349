package database

import "time"

// DailyPnL is one user's realized result for one trading day.
type DailyPnL struct {
	UserID          string    `json:"user_id"`
	Date            time.Time `json:"date"` // IST calendar day, midnight
	RealizedPnL     float64   `json:"realized_pnl"`
	StartingCapital float64   `json:"starting_capital"`
	EndingCapital   float64   `json:"ending_capital"`
}

// ClosedTrade is the audit row written when a position fully closes.
type ClosedTrade struct {
	TradeID    string    `json:"trade_id"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   int       `json:"qty"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	Strategy   string    `json:"strategy"`
	PnL        float64   `json:"pnl"`
	ExitReason string    `json:"exit_reason,omitempty"`
}

// CapitalSnapshot records a user's capital at session open.
type CapitalSnapshot struct {
	UserID  string    `json:"user_id"`
	Date    time.Time `json:"date"`
	Capital float64   `json:"capital"`
}

// AllocationRow is one user's slice of an approved signal, recorded
// asynchronously by the allocator.
type AllocationRow struct {
	SignalID    string    `json:"signal_id"`
	Strategy    string    `json:"strategy"`
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"`
	UserID      string    `json:"user_id"`
	Quantity    int       `json:"qty"`
	Share       float64   `json:"share"`
	AllocatedAt time.Time `json:"allocated_at"`
}
