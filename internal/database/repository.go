package database

import (
	"context"
	"fmt"
)

// Repository provides the engine's audit writes and reads.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the pool. Disabled persistence is healthy by definition.
func (r *Repository) HealthCheck(ctx context.Context) error {
	if !r.db.enabled {
		return nil
	}
	return r.db.pool.Ping(ctx)
}

// UpsertDailyPnL writes the day's realized result for one user, replacing
// an earlier row for the same user and day.
func (r *Repository) UpsertDailyPnL(ctx context.Context, row DailyPnL) error {
	if !r.db.enabled {
		r.db.skipWrite()
		return nil
	}
	query := `
		INSERT INTO daily_pnl (user_id, date, realized_pnl, starting_capital, ending_capital)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, date)
		DO UPDATE SET realized_pnl = EXCLUDED.realized_pnl,
		              starting_capital = EXCLUDED.starting_capital,
		              ending_capital = EXCLUDED.ending_capital,
		              updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.pool.Exec(ctx, query,
		row.UserID, row.Date, row.RealizedPnL, row.StartingCapital, row.EndingCapital)
	if err != nil {
		return fmt.Errorf("upsert daily pnl: %w", err)
	}
	return nil
}

// DailyPnLFor reads one user's row for a day.
func (r *Repository) DailyPnLFor(ctx context.Context, userID string, date string) (DailyPnL, error) {
	var row DailyPnL
	if !r.db.enabled {
		return row, nil
	}
	query := `
		SELECT user_id, date, realized_pnl, starting_capital, ending_capital
		FROM daily_pnl
		WHERE user_id = $1 AND date = $2
	`
	err := r.db.pool.QueryRow(ctx, query, userID, date).Scan(
		&row.UserID, &row.Date, &row.RealizedPnL, &row.StartingCapital, &row.EndingCapital)
	if err != nil {
		return DailyPnL{}, fmt.Errorf("read daily pnl: %w", err)
	}
	return row, nil
}

// InsertClosedTrade appends one trade to the audit log. Re-inserting the
// same trade id is ignored so retried EOD persists stay idempotent.
func (r *Repository) InsertClosedTrade(ctx context.Context, trade ClosedTrade) error {
	if !r.db.enabled {
		r.db.skipWrite()
		return nil
	}
	query := `
		INSERT INTO closed_trades
			(trade_id, user_id, symbol, side, entry_price, exit_price, qty,
			 entry_time, exit_time, strategy, pnl, exit_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (trade_id) DO NOTHING
	`
	_, err := r.db.pool.Exec(ctx, query,
		trade.TradeID, trade.UserID, trade.Symbol, trade.Side,
		trade.EntryPrice, trade.ExitPrice, trade.Quantity,
		trade.EntryTime, trade.ExitTime, trade.Strategy, trade.PnL, trade.ExitReason)
	if err != nil {
		return fmt.Errorf("insert closed trade: %w", err)
	}
	return nil
}

// ClosedTradesOn lists the audit rows whose exit fell on one IST day.
func (r *Repository) ClosedTradesOn(ctx context.Context, date string) ([]ClosedTrade, error) {
	if !r.db.enabled {
		return nil, nil
	}
	query := `
		SELECT trade_id, user_id, symbol, side, entry_price, exit_price, qty,
		       entry_time, exit_time, strategy, pnl, exit_reason
		FROM closed_trades
		WHERE exit_time::date = $1
		ORDER BY exit_time
	`
	rows, err := r.db.pool.Query(ctx, query, date)
	if err != nil {
		return nil, fmt.Errorf("list closed trades: %w", err)
	}
	defer rows.Close()

	var out []ClosedTrade
	for rows.Next() {
		var t ClosedTrade
		if err := rows.Scan(
			&t.TradeID, &t.UserID, &t.Symbol, &t.Side,
			&t.EntryPrice, &t.ExitPrice, &t.Quantity,
			&t.EntryTime, &t.ExitTime, &t.Strategy, &t.PnL, &t.ExitReason,
		); err != nil {
			return nil, fmt.Errorf("scan closed trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertCapitalSnapshot records a user's capital for the day.
func (r *Repository) UpsertCapitalSnapshot(ctx context.Context, snap CapitalSnapshot) error {
	if !r.db.enabled {
		r.db.skipWrite()
		return nil
	}
	query := `
		INSERT INTO capital_snapshots (user_id, date, capital)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, date) DO UPDATE SET capital = EXCLUDED.capital
	`
	_, err := r.db.pool.Exec(ctx, query, snap.UserID, snap.Date, snap.Capital)
	if err != nil {
		return fmt.Errorf("upsert capital snapshot: %w", err)
	}
	return nil
}

// InsertAllocations appends every user slice of one signal.
func (r *Repository) InsertAllocations(ctx context.Context, rows []AllocationRow) error {
	if !r.db.enabled {
		r.db.skipWrite()
		return nil
	}
	query := `
		INSERT INTO allocations (signal_id, strategy, symbol, action, user_id, qty, share, allocated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, a := range rows {
		_, err := r.db.pool.Exec(ctx, query,
			a.SignalID, a.Strategy, a.Symbol, a.Action, a.UserID, a.Quantity, a.Share, a.AllocatedAt)
		if err != nil {
			return fmt.Errorf("insert allocation: %w", err)
		}
	}
	return nil
}
