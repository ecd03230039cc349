// Package monitor runs the position watch loop: re-price every open
// position, walk the exit ladder, and execute whatever it raises, highest
// priority first. It is the root consumer of the position book; all
// unsolicited exits originate here.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/orders"
	"zerodha-trading-engine/internal/positions"
)

// Config tunes loop cadence and the exit ladder thresholds. Percent fields
// are whole percents, fractions are of the favorable move.
type Config struct {
	FastInterval             time.Duration `json:"fast_interval"`
	SlowInterval             time.Duration `json:"slow_interval"`
	ProfitLockTriggerPercent float64       `json:"profit_lock_trigger_percent"`
	ProfitLockFraction       float64       `json:"profit_lock_fraction"`
	PartialBookFraction      float64       `json:"partial_book_fraction"`
	MinPartialQty            int           `json:"min_partial_qty"`
	TightenFraction          float64       `json:"tighten_fraction"`
	TrailActivatePercent     float64       `json:"trail_activate_percent"`
	TrailBehindFraction      float64       `json:"trail_behind_fraction"`
	TrailMinLockPercent      float64       `json:"trail_min_lock_percent"`
	ScalpMinProfitPercent    float64       `json:"scalp_min_profit_percent"`
	EODFlatClose             bool          `json:"eod_flat_close"`
}

func (c *Config) defaults() {
	if c.FastInterval == 0 {
		c.FastInterval = 5 * time.Second
	}
	if c.SlowInterval == 0 {
		c.SlowInterval = 30 * time.Second
	}
	if c.ProfitLockTriggerPercent == 0 {
		c.ProfitLockTriggerPercent = 2.0
	}
	if c.ProfitLockFraction == 0 {
		c.ProfitLockFraction = 0.5
	}
	if c.PartialBookFraction == 0 {
		c.PartialBookFraction = 0.5
	}
	if c.MinPartialQty == 0 {
		c.MinPartialQty = 10
	}
	if c.TightenFraction == 0 {
		c.TightenFraction = 0.30
	}
	if c.TrailActivatePercent == 0 {
		c.TrailActivatePercent = 1.0
	}
	if c.TrailBehindFraction == 0 {
		c.TrailBehindFraction = 0.40
	}
	if c.TrailMinLockPercent == 0 {
		c.TrailMinLockPercent = 1.0
	}
	if c.ScalpMinProfitPercent == 0 {
		c.ScalpMinProfitPercent = 0.1
	}
}

// ExitExecutor submits exits. Satisfied by the order manager; when it fails
// the monitor falls back to closing the book directly.
type ExitExecutor interface {
	PlaceExit(ctx context.Context, req orders.ExitRequest) (orders.ExitResult, error)
}

// CooldownSetter parks a symbol after an exit. Satisfied by the deduplicator.
type CooldownSetter interface {
	SetPostExitCooldown(ctx context.Context, symbol string)
}

// OutcomeSink learns from realized results. Satisfied by the signal enhancer.
type OutcomeSink interface {
	RecordOutcome(strategyName string, pnl float64)
	PurgeSymbol(symbol string)
}

// RiskSink receives realized P&L and exposes the emergency latch. Satisfied
// by the risk manager.
type RiskSink interface {
	RecordRealizedPnL(pnl float64)
	EmergencyStopped() (bool, string)
}

// Stats is a snapshot of loop health for the status API.
type Stats struct {
	Iterations   int64         `json:"iterations"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	ExitsToday   int           `json:"exits_today"`
}

// Monitor owns the watch loop. One instance per engine.
type Monitor struct {
	cfg      Config
	clock    *market.SessionClock
	book     *positions.Tracker
	quotes   *market.QuoteCache
	venue    broker.Broker
	exits    ExitExecutor
	cooldown CooldownSetter
	outcomes OutcomeSink
	risk     RiskSink
	logger   zerolog.Logger

	mu          sync.Mutex
	exitedToday map[string]bool
	iterations  int64
	lastRun     time.Time
	lastElapsed time.Duration

	// observeIteration lets the metrics layer time the loop without the
	// monitor importing it.
	observeIteration func(d time.Duration)
}

func New(cfg Config, clock *market.SessionClock, book *positions.Tracker, quotes *market.QuoteCache, venue broker.Broker, exits ExitExecutor, cooldown CooldownSetter, outcomes OutcomeSink, riskSink RiskSink, logger zerolog.Logger) *Monitor {
	cfg.defaults()
	return &Monitor{
		cfg:         cfg,
		clock:       clock,
		book:        book,
		quotes:      quotes,
		venue:       venue,
		exits:       exits,
		cooldown:    cooldown,
		outcomes:    outcomes,
		risk:        riskSink,
		logger:      logger.With().Str("component", "position_monitor").Logger(),
		exitedToday: make(map[string]bool),
	}
}

// SetIterationObserver installs a per-iteration timing hook.
func (m *Monitor) SetIterationObserver(fn func(d time.Duration)) {
	m.observeIteration = fn
}

// Run drives the loop until ctx is done. Iterations have a soft deadline of
// one cadence: an overrun logs and skips the sleep. If EOD flat close is
// configured, the last act on shutdown is a close-all request.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().
		Dur("fast_interval", m.cfg.FastInterval).
		Dur("slow_interval", m.cfg.SlowInterval).
		Msg("position monitor started")
	for {
		interval := m.interval()
		started := time.Now()
		m.Iterate(ctx)
		elapsed := time.Since(started)

		sleep := interval - elapsed
		if sleep < 0 {
			m.logger.Warn().
				Dur("elapsed", elapsed).
				Dur("cadence", interval).
				Msg("iteration overran cadence, skipping sleep")
			sleep = 0
		}
		select {
		case <-ctx.Done():
			if m.cfg.EODFlatClose {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				m.CloseAll(closeCtx, ReasonMandatoryClose)
				cancel()
			}
			m.logger.Info().Msg("position monitor stopped")
			return
		case <-time.After(sleep):
		}
	}
}

func (m *Monitor) interval() time.Duration {
	if m.clock.MonitorActive(m.clock.Now()) {
		return m.cfg.FastInterval
	}
	return m.cfg.SlowInterval
}

// Iterate runs one monitor pass: snapshot, re-price, evaluate, execute.
// A panic in a pass is recovered so one bad tick cannot kill the loop.
func (m *Monitor) Iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("monitor iteration panicked")
		}
	}()
	started := time.Now()
	defer func() {
		elapsed := time.Since(started)
		m.mu.Lock()
		m.iterations++
		m.lastRun = m.clock.Now()
		m.lastElapsed = elapsed
		m.mu.Unlock()
		if m.observeIteration != nil {
			m.observeIteration(elapsed)
		}
	}()

	snap := m.book.Snapshot()
	if len(snap) == 0 {
		return
	}

	m.refreshPrices(ctx, snap)
	snap = m.book.Snapshot()

	// The tier latch makes a cutoff crossed mid-pass apply to every
	// remaining position in this iteration.
	conditions := make([]exitCondition, 0, len(snap))
	tier := tierNone
	for _, pos := range snap {
		if m.alreadyExited(pos.Symbol) {
			continue
		}
		now := m.clock.Now()
		if t := m.timeTier(now); t > tier {
			tier = t
		}
		if cond, ok := m.evaluate(pos, now, tier); ok {
			conditions = append(conditions, cond)
		}
	}
	if len(conditions) == 0 {
		return
	}

	sort.SliceStable(conditions, func(i, j int) bool { return conditions[i].priority < conditions[j].priority })
	for _, cond := range conditions {
		if err := m.execute(ctx, cond); err != nil {
			m.logger.Error().Err(err).
				Str("symbol", cond.pos.Symbol).
				Str("reason", cond.reason).
				Msg("exit execution failed")
		}
	}
}

// refreshPrices marks every open position. Equity comes from the quote
// cache; option prices are not on the feed, so they go to the venue in
// batched quote calls.
func (m *Monitor) refreshPrices(ctx context.Context, snap []positions.Position) {
	prices := make(map[string]float64, len(snap))
	var optionSyms []string
	for _, pos := range snap {
		if market.IsOption(pos.Symbol) {
			optionSyms = append(optionSyms, pos.Symbol)
			continue
		}
		if ltp, ok := m.quotes.LTP(pos.Symbol); ok {
			prices[pos.Symbol] = ltp
		}
	}
	for start := 0; start < len(optionSyms) && m.venue != nil; start += broker.MaxQuoteBatch {
		end := min(start+broker.MaxQuoteBatch, len(optionSyms))
		quotes, err := m.venue.GetQuote(ctx, optionSyms[start:end]...)
		if err != nil {
			m.logger.Warn().Err(err).Int("symbols", end-start).Msg("option quote batch failed")
			continue
		}
		for sym, q := range quotes {
			if q.LastPrice > 0 {
				prices[sym] = q.LastPrice
			}
		}
	}
	if len(prices) > 0 {
		m.book.UpdatePrices(prices)
	}
}

// execute runs one raised exit: quantity sanity for partials, the order
// manager submission (book fallback), then post-exit bookkeeping.
func (m *Monitor) execute(ctx context.Context, cond exitCondition) error {
	if m.alreadyExited(cond.pos.Symbol) {
		return nil
	}

	qty := cond.qty
	if cond.partial {
		if actual, ok := m.brokerQuantity(ctx, cond.pos.Symbol); ok {
			if actual == 0 {
				m.logger.Error().
					Str("symbol", cond.pos.Symbol).
					Int("book_quantity", cond.pos.Quantity).
					Msg("exit cancelled, broker shows no quantity")
				return nil
			}
			if qty > actual {
				qty = actual
			}
		}
	}

	res, err := m.placeExit(ctx, cond, qty)
	if err != nil {
		return err
	}

	terminal := !res.Partial || res.Remaining == 0
	if m.cooldown != nil {
		m.cooldown.SetPostExitCooldown(ctx, cond.pos.Symbol)
	}
	if m.risk != nil {
		m.risk.RecordRealizedPnL(res.RealizedPnL)
	}
	if m.outcomes != nil {
		m.outcomes.RecordOutcome(cond.pos.Strategy, res.RealizedPnL)
		if terminal {
			m.outcomes.PurgeSymbol(cond.pos.Symbol)
		}
	}
	if terminal {
		m.markExited(cond.pos.Symbol)
	} else {
		tighten := cond.pos.AveragePrice + m.cfg.TightenFraction*(cond.pos.CurrentPrice-cond.pos.AveragePrice)
		if _, err := m.book.TightenStop(cond.pos.Symbol, tighten); err != nil {
			m.logger.Debug().Err(err).Str("symbol", cond.pos.Symbol).Msg("post-partial stop tighten skipped")
		}
	}

	m.logger.Info().
		Str("symbol", cond.pos.Symbol).
		Str("reason", cond.reason).
		Int("priority", cond.priority).
		Int("quantity", qty).
		Float64("exit_price", res.ExitPrice).
		Float64("realized_pnl", res.RealizedPnL).
		Bool("partial", res.Partial).
		Msg("exit executed")
	return nil
}

// placeExit prefers the order manager; when it cannot take the exit the
// book is closed directly so the engine's view never wedges open.
func (m *Monitor) placeExit(ctx context.Context, cond exitCondition, qty int) (orders.ExitResult, error) {
	req := orders.ExitRequest{
		Symbol:    cond.pos.Symbol,
		Quantity:  qty,
		Reason:    cond.reason,
		Emergency: cond.emergency,
	}
	if m.exits != nil {
		res, err := m.exits.PlaceExit(ctx, req)
		if err == nil {
			return res, nil
		}
		m.logger.Error().Err(err).
			Str("symbol", cond.pos.Symbol).
			Msg("order manager exit failed, closing book directly")
	}

	pos, ok := m.book.Get(cond.pos.Symbol)
	if !ok {
		return orders.ExitResult{}, positions.ErrAlreadyClosed
	}
	price := pos.CurrentPrice
	if price <= 0 {
		price = pos.AveragePrice
	}
	if qty > 0 && qty < pos.Quantity {
		after, err := m.book.BookPartial(pos.Symbol, qty, price, cond.reason)
		if err != nil {
			return orders.ExitResult{}, err
		}
		return orders.ExitResult{
			ExitPrice:   price,
			RealizedPnL: pos.PnLAt(price, qty),
			Remaining:   after.Quantity,
			Partial:     true,
		}, nil
	}
	if _, err := m.book.Close(pos.Symbol, price, cond.reason); err != nil {
		return orders.ExitResult{}, err
	}
	return orders.ExitResult{ExitPrice: price, RealizedPnL: pos.PnLAt(price, pos.Quantity)}, nil
}

// brokerQuantity fetches the venue's actual net quantity for symbol. The
// second return is false when the venue could not answer; callers then
// proceed unclamped.
func (m *Monitor) brokerQuantity(ctx context.Context, symbol string) (int, bool) {
	if m.venue == nil {
		return 0, false
	}
	book, err := m.venue.GetPositions(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Msg("broker position fetch failed")
		return 0, false
	}
	for _, p := range book.Net {
		if p.Symbol == symbol {
			if p.Quantity < 0 {
				return -p.Quantity, true
			}
			return p.Quantity, true
		}
	}
	return 0, true
}

// ClosePosition force-exits one symbol, bypassing the entry gates.
func (m *Monitor) ClosePosition(ctx context.Context, symbol, reason string) error {
	pos, ok := m.book.Get(symbol)
	if !ok {
		return positions.ErrAlreadyClosed
	}
	return m.execute(ctx, exitCondition{pos: pos, priority: PriorityEmergency, reason: reason, emergency: true})
}

// CloseAll force-exits every open position. Used for emergency stop,
// operator close-all, and the EOD flat close.
func (m *Monitor) CloseAll(ctx context.Context, reason string) {
	for _, pos := range m.book.Snapshot() {
		if m.alreadyExited(pos.Symbol) {
			continue
		}
		if err := m.execute(ctx, exitCondition{pos: pos, priority: PriorityEmergency, reason: reason, emergency: true}); err != nil {
			m.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("close-all exit failed")
		}
	}
}

// ResetDay clears the terminal-exit set at the daily rollover.
func (m *Monitor) ResetDay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitedToday = make(map[string]bool)
}

// Stats reports loop health.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Iterations:   m.iterations,
		LastRun:      m.lastRun,
		LastDuration: m.lastElapsed,
		ExitsToday:   len(m.exitedToday),
	}
}

func (m *Monitor) alreadyExited(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitedToday[symbol]
}

func (m *Monitor) markExited(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitedToday[symbol] = true
}
