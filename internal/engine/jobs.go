package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"zerodha-trading-engine/internal/database"
)

const jobTimeout = 2 * time.Minute

// scheduleJobs registers the session-boundary jobs on an IST cron. Holiday
// weekdays are filtered inside each job since the cron spec only knows
// weekends.
func (e *Engine) scheduleJobs() (*cron.Cron, error) {
	cr := cron.New(cron.WithLocation(e.clock.Location()))
	if _, err := cr.AddFunc("15 9 * * 1-5", e.jobSessionOpen); err != nil {
		return nil, err
	}
	if _, err := cr.AddFunc("35 15 * * 1-5", e.jobSessionClose); err != nil {
		return nil, err
	}
	if _, err := cr.AddFunc("0 0 * * *", e.jobMidnightReset); err != nil {
		return nil, err
	}
	return cr, nil
}

// jobSessionOpen refreshes broker capital at the bell, snapshots it, and
// warms the enhancer's candle history so confluence scoring has context
// from the first signal.
func (e *Engine) jobSessionOpen() {
	now := e.clock.Now()
	if !e.clock.IsTradingDay(now) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	e.registry.RefreshAll(ctx)
	if capital := e.registry.MasterCapital(); capital > 0 {
		e.risk.SetCapital(capital)
	}

	date := e.sessionDate(now)
	e.mu.Lock()
	e.openCapital = make(map[string]float64)
	for _, acct := range e.registry.Enabled() {
		e.openCapital[acct.UserID] = acct.Capital
	}
	openCap := make(map[string]float64, len(e.openCapital))
	for k, v := range e.openCapital {
		openCap[k] = v
	}
	e.mu.Unlock()

	if e.repo != nil {
		for userID, capital := range openCap {
			snap := database.CapitalSnapshot{UserID: userID, Date: date, Capital: capital}
			if err := e.repo.UpsertCapitalSnapshot(ctx, snap); err != nil {
				e.logger.Error().Err(err).Str("user_id", userID).Msg("capital snapshot persist failed")
			}
		}
	}

	warm := e.cfg.Watchlist
	if len(warm) > e.cfg.WarmupSymbols {
		warm = warm[:e.cfg.WarmupSymbols]
	}
	e.enhancer.Warmup(ctx, e.venue, warm)

	e.logger.Info().
		Str("trade_date", e.clock.TradeDate(now)).
		Float64("master_capital", e.registry.MasterCapital()).
		Int("warmed_symbols", len(warm)).
		Msg("session open tasks complete")
}

// jobSessionClose persists the day: one P&L row per enabled user and an
// audit row per closed trade. Runs after the square-off window so the
// book is already flat.
func (e *Engine) jobSessionClose() {
	now := e.clock.Now()
	if !e.clock.IsTradingDay(now) {
		return
	}
	if e.repo == nil {
		e.logger.Warn().Msg("skipping EOD persist, no repository")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	date := e.sessionDate(now)
	e.mu.RLock()
	openCap := make(map[string]float64, len(e.openCapital))
	for k, v := range e.openCapital {
		openCap[k] = v
	}
	e.mu.RUnlock()

	for _, acct := range e.registry.Enabled() {
		starting, ok := openCap[acct.UserID]
		if !ok {
			starting = acct.Capital
		}
		row := database.DailyPnL{
			UserID:          acct.UserID,
			Date:            date,
			RealizedPnL:     acct.Capital - starting,
			StartingCapital: starting,
			EndingCapital:   acct.Capital,
		}
		if err := e.repo.UpsertDailyPnL(ctx, row); err != nil {
			e.logger.Error().Err(err).Str("user_id", acct.UserID).Msg("daily pnl persist failed")
		}
	}

	masterID := ""
	if master, ok := e.registry.Master(); ok {
		masterID = master.UserID
	}
	persisted := 0
	for _, p := range e.book.Closed() {
		qty := p.InitialQuantity
		if qty <= 0 {
			qty = p.Quantity
		}
		trade := database.ClosedTrade{
			TradeID:    uuid.NewString(),
			UserID:     masterID,
			Symbol:     p.Symbol,
			Side:       p.Side,
			EntryPrice: p.AveragePrice,
			ExitPrice:  p.ExitPrice,
			Quantity:   qty,
			EntryTime:  p.EntryTime,
			ExitTime:   p.ExitTime,
			Strategy:   p.Strategy,
			PnL:        p.RealizedPnL,
			ExitReason: p.ExitReason,
		}
		if err := e.repo.InsertClosedTrade(ctx, trade); err != nil {
			e.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("closed trade persist failed")
			continue
		}
		persisted++
	}

	rs := e.risk.Snapshot()
	e.logger.Info().
		Str("trade_date", rs.TradeDate).
		Float64("daily_pnl", rs.DailyPnL).
		Int("closed_trades", persisted).
		Msg("end of day persisted")
}

// jobMidnightReset rolls the day: yesterday's closed list, order states,
// exit latches and daily gauges all clear. The risk manager resets itself
// on its next cycle when it sees the new trade date.
func (e *Engine) jobMidnightReset() {
	now := e.clock.Now()
	tradeDate := e.clock.TradeDate(now)

	e.book.ResetDay(tradeDate)
	e.orders.ResetDay()
	e.monitor.ResetDay()

	e.metrics.SetDailyPnL(0)
	e.metrics.SetOpenPositions(e.book.Len())

	e.logger.Info().Str("trade_date", tradeDate).Msg("daily counters reset")
}

// sessionDate is the IST calendar day at midnight, the primary key the
// daily tables share.
func (e *Engine) sessionDate(t time.Time) time.Time {
	loc := e.clock.Location()
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
