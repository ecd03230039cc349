package positions

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/events"
)

// entry wraps an open position with its own mutex so price marks and stop
// updates on different symbols never contend. Lock order is always tracker
// mutex before entry mutex.
type entry struct {
	mu  sync.Mutex
	pos Position
}

// Tracker is the authoritative intraday position book. All mutation goes
// through it; everything handed out is a value copy.
type Tracker struct {
	mu     sync.RWMutex
	open   map[string]*entry
	closed []Position

	realized  float64
	tradeDate string

	now    func() time.Time
	bus    *events.Bus
	logger zerolog.Logger
}

// NewTracker builds an empty book. The bus may be nil in tests.
func NewTracker(bus *events.Bus, logger zerolog.Logger, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		open:   make(map[string]*entry),
		bus:    bus,
		logger: logger.With().Str("component", "position_tracker").Logger(),
		now:    now,
	}
}

// Open admits a new position into the book. At most one open position per
// symbol; a second open for the same symbol is refused. Returns the stored
// copy after side correction and defaulting.
func (t *Tracker) Open(p Position) (Position, error) {
	if err := p.normalize(); err != nil {
		return Position{}, err
	}
	if p.EntryTime.IsZero() {
		p.EntryTime = t.now()
	}
	if p.CurrentPrice == 0 {
		p.CurrentPrice = p.AveragePrice
	}
	p.InitialQuantity = p.Quantity
	p.HighWaterMark = p.CurrentPrice
	p.UnrealizedPnL = p.PnLAt(p.CurrentPrice, p.Quantity)

	t.mu.Lock()
	if _, ok := t.open[p.Symbol]; ok {
		t.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s", ErrDuplicatePosition, p.Symbol)
	}
	t.open[p.Symbol] = &entry{pos: p}
	t.mu.Unlock()

	t.logger.Info().
		Str("symbol", p.Symbol).
		Str("side", p.Side).
		Int("quantity", p.Quantity).
		Float64("entry", p.AveragePrice).
		Float64("stop_loss", p.StopLoss).
		Float64("target", p.Target).
		Str("strategy", p.Strategy).
		Msg("position opened")

	if t.bus != nil {
		t.bus.PublishPositionOpened(events.PositionOpened{
			Symbol:     p.Symbol,
			Side:       p.Side,
			Quantity:   p.Quantity,
			EntryPrice: p.AveragePrice,
			StopLoss:   p.StopLoss,
			Target:     p.Target,
			Strategy:   p.Strategy,
		})
	}
	return p, nil
}

// Has reports whether a position is open for symbol.
func (t *Tracker) Has(symbol string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.open[symbol]
	return ok
}

// Get returns a copy of the open position for symbol.
func (t *Tracker) Get(symbol string) (Position, bool) {
	t.mu.RLock()
	e, ok := t.open[symbol]
	t.mu.RUnlock()
	if !ok {
		return Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, true
}

// Len is the number of open positions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.open)
}

// Snapshot returns copies of all open positions, sorted by symbol for
// deterministic iteration.
func (t *Tracker) Snapshot() []Position {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.open))
	for _, e := range t.open {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.pos)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UpdatePrice marks one symbol to a new last traded price.
func (t *Tracker) UpdatePrice(symbol string, price float64) {
	t.mu.RLock()
	e, ok := t.open[symbol]
	t.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.pos.markPrice(price)
	e.mu.Unlock()
}

// UpdatePrices marks every open position present in the batch. Symbols with
// no open position are ignored.
func (t *Tracker) UpdatePrices(prices map[string]float64) {
	t.mu.RLock()
	entries := make(map[*entry]float64, len(prices))
	for sym, px := range prices {
		if e, ok := t.open[sym]; ok {
			entries[e] = px
		}
	}
	t.mu.RUnlock()

	for e, px := range entries {
		e.mu.Lock()
		e.pos.markPrice(px)
		e.mu.Unlock()
	}
}

// UpdateAveragePrice reconciles the entry price after broker fills report a
// different average than the submitted price.
func (t *Tracker) UpdateAveragePrice(symbol string, avg float64) {
	if avg <= 0 {
		return
	}
	t.mu.RLock()
	e, ok := t.open[symbol]
	t.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.pos.AveragePrice = avg
	e.pos.UnrealizedPnL = e.pos.PnLAt(e.pos.CurrentPrice, e.pos.Quantity)
	e.mu.Unlock()
}

// TightenStop moves the stop loss toward price. Adverse moves are refused:
// a long stop only ratchets up, a short stop only down. Returns the stop
// actually in effect afterwards.
func (t *Tracker) TightenStop(symbol string, stop float64) (float64, error) {
	t.mu.RLock()
	e, ok := t.open[symbol]
	t.mu.RUnlock()
	if !ok {
		return 0, ErrAlreadyClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if stop <= 0 {
		return e.pos.StopLoss, nil
	}
	if e.pos.StopLoss == 0 || favorableStopMove(e.pos.IsLong(), e.pos.StopLoss, stop) {
		e.pos.StopLoss = stop
	}
	return e.pos.StopLoss, nil
}

// UpdateTrailingStop ratchets the trailing stop. The trail never loosens:
// for a long it only rises, for a short it only falls. Returns the trail in
// effect afterwards.
func (t *Tracker) UpdateTrailingStop(symbol string, trail float64) (float64, error) {
	t.mu.RLock()
	e, ok := t.open[symbol]
	t.mu.RUnlock()
	if !ok {
		return 0, ErrAlreadyClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if trail <= 0 {
		return e.pos.TrailingStop, nil
	}
	if e.pos.TrailingStop == 0 || favorableStopMove(e.pos.IsLong(), e.pos.TrailingStop, trail) {
		e.pos.TrailingStop = trail
	}
	return e.pos.TrailingStop, nil
}

func favorableStopMove(long bool, current, proposed float64) bool {
	if long {
		return proposed > current
	}
	return proposed < current
}

// BookPartial exits qty units at exitPrice, keeping the position open with
// the remainder. Realized P&L accumulates on the position and the day total.
func (t *Tracker) BookPartial(symbol string, qty int, exitPrice float64, reason string) (Position, error) {
	if qty <= 0 {
		return Position{}, fmt.Errorf("%w: partial qty %d", ErrInvalidQuantity, qty)
	}
	t.mu.RLock()
	e, ok := t.open[symbol]
	t.mu.RUnlock()
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrAlreadyClosed, symbol)
	}

	e.mu.Lock()
	if qty >= e.pos.Quantity {
		e.mu.Unlock()
		return t.Close(symbol, exitPrice, reason)
	}
	pnl := e.pos.PnLAt(exitPrice, qty)
	e.pos.Quantity -= qty
	e.pos.RealizedPnL += pnl
	e.pos.PartialProfitBooked = true
	e.pos.markPrice(exitPrice)
	snap := e.pos
	e.mu.Unlock()

	t.mu.Lock()
	t.realized += pnl
	t.mu.Unlock()

	t.logger.Info().
		Str("symbol", symbol).
		Int("exit_quantity", qty).
		Int("remaining", snap.Quantity).
		Float64("exit_price", exitPrice).
		Float64("realized_pnl", pnl).
		Str("reason", reason).
		Msg("partial profit booked")

	if t.bus != nil {
		t.bus.PublishPositionClosed(events.PositionClosed{
			Symbol:      symbol,
			Side:        snap.Side,
			Quantity:    qty,
			EntryPrice:  snap.AveragePrice,
			ExitPrice:   exitPrice,
			RealizedPnL: pnl,
			Strategy:    snap.Strategy,
			Reason:      reason,
			Partial:     true,
		})
	}
	return snap, nil
}

// Close removes the position from the book, realizing P&L on the remaining
// quantity. Closing an already-closed symbol is a no-op that reports
// ErrAlreadyClosed, so double exits cannot double-count.
func (t *Tracker) Close(symbol string, exitPrice float64, reason string) (Position, error) {
	t.mu.Lock()
	e, ok := t.open[symbol]
	if !ok {
		t.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s", ErrAlreadyClosed, symbol)
	}
	delete(t.open, symbol)

	e.mu.Lock()
	if exitPrice <= 0 {
		exitPrice = e.pos.CurrentPrice
	}
	pnl := e.pos.PnLAt(exitPrice, e.pos.Quantity)
	e.pos.RealizedPnL += pnl
	e.pos.UnrealizedPnL = 0
	e.pos.CurrentPrice = exitPrice
	e.pos.ExitPrice = exitPrice
	e.pos.ExitTime = t.now()
	e.pos.ExitReason = reason
	closed := e.pos
	e.mu.Unlock()

	t.realized += pnl
	t.closed = append(t.closed, closed)
	t.mu.Unlock()

	t.logger.Info().
		Str("symbol", symbol).
		Str("side", closed.Side).
		Int("quantity", closed.Quantity).
		Float64("entry", closed.AveragePrice).
		Float64("exit", exitPrice).
		Float64("realized_pnl", pnl).
		Str("reason", reason).
		Msg("position closed")

	if t.bus != nil {
		t.bus.PublishPositionClosed(events.PositionClosed{
			Symbol:      symbol,
			Side:        closed.Side,
			Quantity:    closed.Quantity,
			EntryPrice:  closed.AveragePrice,
			ExitPrice:   exitPrice,
			RealizedPnL: pnl,
			Strategy:    closed.Strategy,
			Reason:      reason,
			Partial:     false,
		})
	}
	return closed, nil
}

// RealizedPnL is the day's accumulated realized P&L across partials and
// closes.
func (t *Tracker) RealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realized
}

// UnrealizedPnL sums mark-to-market P&L across the open book.
func (t *Tracker) UnrealizedPnL() float64 {
	var total float64
	for _, p := range t.Snapshot() {
		total += p.UnrealizedPnL
	}
	return total
}

// Closed returns copies of today's closed positions in close order.
func (t *Tracker) Closed() []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Position, len(t.closed))
	copy(out, t.closed)
	return out
}

// ResetDay clears the closed-trade audit trail and realized total at the
// start of a new trade date. Open positions are left alone; an intraday book
// should already be flat.
func (t *Tracker) ResetDay(tradeDate string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tradeDate == tradeDate {
		return
	}
	t.tradeDate = tradeDate
	t.closed = nil
	t.realized = 0
	if len(t.open) > 0 {
		t.logger.Warn().Int("open", len(t.open)).Str("trade_date", tradeDate).Msg("day reset with positions still open")
	}
}
