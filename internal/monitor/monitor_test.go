package monitor

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/orders"
	"zerodha-trading-engine/internal/positions"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type stubVenue struct {
	mu        sync.Mutex
	quotes    map[string]broker.Quote
	positions []broker.Position
	quoteErr  error
	onQuote   func()
}

func (s *stubVenue) Name() string { return "stub" }

func (s *stubVenue) GetMargins(context.Context) (broker.Margins, error) {
	return broker.Margins{}, nil
}

func (s *stubVenue) GetPositions(context.Context) (broker.Positions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return broker.Positions{Net: s.positions}, nil
}

func (s *stubVenue) GetQuote(ctx context.Context, symbols ...string) (map[string]broker.Quote, error) {
	if s.onQuote != nil {
		s.onQuote()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	out := make(map[string]broker.Quote, len(symbols))
	for _, sym := range symbols {
		if q, ok := s.quotes[sym]; ok {
			out[sym] = q
		}
	}
	return out, nil
}

func (s *stubVenue) GetHistoricalData(ctx context.Context, symbol, interval string, from, to time.Time) ([]broker.Candle, error) {
	return nil, nil
}

func (s *stubVenue) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	return "", broker.ErrUnavailable
}

func (s *stubVenue) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (s *stubVenue) OrderUpdates() <-chan broker.OrderUpdate { return nil }

// stubExits mimics the order manager's book settlement so results carry the
// same shapes the monitor sees in production.
type stubExits struct {
	mu   sync.Mutex
	book *positions.Tracker
	reqs []orders.ExitRequest
	fail bool
}

func (s *stubExits) PlaceExit(ctx context.Context, req orders.ExitRequest) (orders.ExitResult, error) {
	s.mu.Lock()
	if s.fail {
		s.mu.Unlock()
		return orders.ExitResult{}, broker.ErrUnavailable
	}
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()

	pos, ok := s.book.Get(req.Symbol)
	if !ok {
		return orders.ExitResult{}, positions.ErrAlreadyClosed
	}
	qty := req.Quantity
	if qty <= 0 || qty > pos.Quantity {
		qty = pos.Quantity
	}
	price := pos.CurrentPrice
	pnl := pos.PnLAt(price, qty)
	if qty >= pos.Quantity {
		if _, err := s.book.Close(req.Symbol, price, req.Reason); err != nil {
			return orders.ExitResult{}, err
		}
		return orders.ExitResult{OrderID: "X-1", ExitPrice: price, RealizedPnL: pnl}, nil
	}
	after, err := s.book.BookPartial(req.Symbol, qty, price, req.Reason)
	if err != nil {
		return orders.ExitResult{}, err
	}
	return orders.ExitResult{OrderID: "X-1", ExitPrice: price, RealizedPnL: pnl, Remaining: after.Quantity, Partial: true}, nil
}

func (s *stubExits) requests() []orders.ExitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.ExitRequest, len(s.reqs))
	copy(out, s.reqs)
	return out
}

type stubCooldown struct {
	mu      sync.Mutex
	symbols []string
}

func (s *stubCooldown) SetPostExitCooldown(ctx context.Context, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = append(s.symbols, symbol)
}

func (s *stubCooldown) has(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range s.symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}

type stubOutcomes struct {
	mu       sync.Mutex
	recorded map[string]float64
	purged   []string
}

func (s *stubOutcomes) RecordOutcome(strategyName string, pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorded == nil {
		s.recorded = make(map[string]float64)
	}
	s.recorded[strategyName] += pnl
}

func (s *stubOutcomes) PurgeSymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = append(s.purged, symbol)
}

type stubRisk struct {
	mu       sync.Mutex
	realized float64
	stopped  bool
	trigger  string
}

func (s *stubRisk) RecordRealizedPnL(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realized += pnl
}

func (s *stubRisk) EmergencyStopped() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped, s.trigger
}

type fixture struct {
	monitor  *Monitor
	book     *positions.Tracker
	quotes   *market.QuoteCache
	venue    *stubVenue
	exits    *stubExits
	cooldown *stubCooldown
	outcomes *stubOutcomes
	riskSink *stubRisk
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &testClock{t: time.Date(2025, 6, 16, 10, 30, 0, 0, ist)}
	sessionClock := market.NewSessionClockAt(clk.now)
	book := positions.NewTracker(nil, zerolog.Nop(), clk.now)
	quotes := market.NewQuoteCache()
	venue := &stubVenue{quotes: make(map[string]broker.Quote)}
	exits := &stubExits{book: book}
	cooldown := &stubCooldown{}
	outcomes := &stubOutcomes{}
	riskSink := &stubRisk{}
	m := New(Config{}, sessionClock, book, quotes, venue, exits, cooldown, outcomes, riskSink, zerolog.Nop())
	return &fixture{
		monitor: m, book: book, quotes: quotes, venue: venue,
		exits: exits, cooldown: cooldown, outcomes: outcomes, riskSink: riskSink, clock: clk,
	}
}

func (f *fixture) open(t *testing.T, pos positions.Position) {
	t.Helper()
	if _, err := f.book.Open(pos); err != nil {
		t.Fatalf("Open(%s): %v", pos.Symbol, err)
	}
}

func (f *fixture) seedQuote(symbol string, ltp float64) {
	f.quotes.Update(market.Quote{Symbol: symbol, LTP: ltp, Open: ltp, Timestamp: f.clock.now()})
}

func TestOptionsTargetTouchFullExit(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "NIFTY24DEC26000CE", Side: positions.SideLong, Quantity: 150,
		AveragePrice: 120, StopLoss: 100, Target: 180, Strategy: "momentum",
	})
	f.venue.quotes["NIFTY24DEC26000CE"] = broker.Quote{LastPrice: 180}

	f.monitor.Iterate(context.Background())

	reqs := f.exits.requests()
	if len(reqs) != 1 {
		t.Fatalf("exits = %d, want 1", len(reqs))
	}
	if reqs[0].Reason != ReasonTargetFull {
		t.Errorf("reason = %q, want %q", reqs[0].Reason, ReasonTargetFull)
	}
	if reqs[0].Quantity != 0 {
		t.Errorf("exit quantity = %d, want 0 (full)", reqs[0].Quantity)
	}
	if f.book.Has("NIFTY24DEC26000CE") {
		t.Error("option position still open, want full exit")
	}
	if math.Abs(f.riskSink.realized-9000) > 1e-9 {
		t.Errorf("realized = %v, want 9000", f.riskSink.realized)
	}
	if !f.cooldown.has("NIFTY24DEC26000CE") {
		t.Error("post-exit cooldown not set")
	}
}

func TestScalpTimeoutHoldsAtSmallLoss(t *testing.T) {
	f := newFixture(t)
	entry := time.Date(2025, 6, 16, 10, 0, 0, 0, ist)
	f.clock.set(entry)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Target: 1050, Strategy: "scalp",
		HybridMode: positions.ModeScalp, MaxHoldMinutes: 15,
	})
	f.clock.set(entry.Add(16 * time.Minute))
	f.seedQuote("RELIANCE", 997) // -0.3%

	f.monitor.Iterate(context.Background())

	if len(f.exits.requests()) != 0 {
		t.Fatalf("exits = %v, want hold", f.exits.requests())
	}
	if !f.book.Has("RELIANCE") {
		t.Error("position closed, want hold until extended timeout")
	}
}

func TestScalpExtendedTimeoutExitsAtLoss(t *testing.T) {
	f := newFixture(t)
	entry := time.Date(2025, 6, 16, 10, 0, 0, 0, ist)
	f.clock.set(entry)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 985, Target: 1050, Strategy: "scalp",
		HybridMode: positions.ModeScalp, MaxHoldMinutes: 15,
	})
	f.clock.set(entry.Add(31 * time.Minute))
	f.seedQuote("RELIANCE", 997)

	f.monitor.Iterate(context.Background())

	reqs := f.exits.requests()
	if len(reqs) != 1 || reqs[0].Reason != ReasonScalpTimeout {
		t.Fatalf("exits = %v, want scalp timeout", reqs)
	}
	if f.book.Has("RELIANCE") {
		t.Error("position still open past extended timeout")
	}
}

func TestSquareOffCascadeExitsAllPositions(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Target: 1050, Strategy: "momentum",
	})
	f.open(t, positions.Position{
		Symbol: "TCS", Side: positions.SideShort, Quantity: 50,
		AveragePrice: 3500, StopLoss: 3535, Target: 3430, Strategy: "vwap",
	})
	f.open(t, positions.Position{
		Symbol: "NIFTY24DEC26000CE", Side: positions.SideLong, Quantity: 75,
		AveragePrice: 120, StopLoss: 100, Target: 180, Strategy: "orb",
	})
	f.seedQuote("RELIANCE", 1005)
	f.seedQuote("TCS", 3490)
	f.venue.quotes["NIFTY24DEC26000CE"] = broker.Quote{LastPrice: 130}
	f.clock.set(time.Date(2025, 6, 16, 15, 15, 2, 0, ist))

	f.monitor.Iterate(context.Background())

	reqs := f.exits.requests()
	if len(reqs) != 3 {
		t.Fatalf("exits = %d, want all 3 in one iteration", len(reqs))
	}
	for _, req := range reqs {
		if req.Reason != ReasonSquareOff {
			t.Errorf("%s reason = %q, want %q", req.Symbol, req.Reason, ReasonSquareOff)
		}
	}
	for _, sym := range []string{"RELIANCE", "TCS", "NIFTY24DEC26000CE"} {
		if !f.cooldown.has(sym) {
			t.Errorf("cooldown missing for %s", sym)
		}
		if f.book.Has(sym) {
			t.Errorf("%s still open after square-off", sym)
		}
	}
}

func TestMandatoryCloseAppliesOnceCrossed(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Target: 1050, Strategy: "momentum",
	})
	f.seedQuote("RELIANCE", 1005)

	f.clock.set(time.Date(2025, 6, 16, 15, 14, 59, 0, ist))
	f.monitor.Iterate(context.Background())
	if len(f.exits.requests()) != 0 {
		t.Fatalf("exit raised before square-off window: %v", f.exits.requests())
	}

	f.clock.set(time.Date(2025, 6, 16, 15, 20, 1, 0, ist))
	f.monitor.Iterate(context.Background())
	reqs := f.exits.requests()
	if len(reqs) != 1 || reqs[0].Reason != ReasonMandatoryClose {
		t.Fatalf("exits = %v, want mandatory close", reqs)
	}
	if !reqs[0].Emergency {
		t.Error("mandatory close not flagged emergency")
	}
}

func TestCutoffCrossedMidIterationClosesRemainingPositions(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Target: 1050, Strategy: "momentum",
	})
	f.open(t, positions.Position{
		Symbol: "NIFTY24DEC26000CE", Side: positions.SideLong, Quantity: 75,
		AveragePrice: 120, StopLoss: 100, Target: 180, Strategy: "orb",
	})
	f.seedQuote("RELIANCE", 1005)
	f.venue.quotes["NIFTY24DEC26000CE"] = broker.Quote{LastPrice: 130}

	// Iteration starts just before 15:20; the option quote batch lands as
	// the clock ticks past it. Every position in the pass must still get
	// the mandatory close, not the softer square-off.
	f.clock.set(time.Date(2025, 6, 16, 15, 19, 58, 0, ist))
	f.venue.onQuote = func() {
		f.clock.set(time.Date(2025, 6, 16, 15, 20, 1, 0, ist))
	}

	f.monitor.Iterate(context.Background())

	reqs := f.exits.requests()
	if len(reqs) != 2 {
		t.Fatalf("exits = %d, want both positions closed", len(reqs))
	}
	for _, req := range reqs {
		if req.Reason != ReasonMandatoryClose {
			t.Errorf("%s reason = %q, want %q", req.Symbol, req.Reason, ReasonMandatoryClose)
		}
		if !req.Emergency {
			t.Errorf("%s exit not flagged emergency", req.Symbol)
		}
	}
}

func TestOptionQtyOneTargetFullExit(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "NIFTY24DEC26000CE", Side: positions.SideLong, Quantity: 1,
		AveragePrice: 120, StopLoss: 100, Target: 180, Strategy: "orb",
	})
	f.venue.quotes["NIFTY24DEC26000CE"] = broker.Quote{LastPrice: 181}

	f.monitor.Iterate(context.Background())

	reqs := f.exits.requests()
	if len(reqs) != 1 || reqs[0].Reason != ReasonTargetFull {
		t.Fatalf("exits = %v, want full target exit", reqs)
	}
	if reqs[0].Quantity != 0 {
		t.Errorf("exit quantity = %d, want 0 (full)", reqs[0].Quantity)
	}
	if f.book.Has("NIFTY24DEC26000CE") {
		t.Error("qty-1 option still open after target touch")
	}
}

func TestTargetFirstTouchBooksHalf(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Target: 1020, Strategy: "momentum",
	})
	f.venue.positions = []broker.Position{{Symbol: "RELIANCE", Quantity: 100}}
	f.seedQuote("RELIANCE", 1022)

	f.monitor.Iterate(context.Background())

	reqs := f.exits.requests()
	if len(reqs) != 1 || reqs[0].Reason != ReasonTargetPartial {
		t.Fatalf("exits = %v, want partial target", reqs)
	}
	if reqs[0].Quantity != 50 {
		t.Errorf("partial quantity = %d, want 50", reqs[0].Quantity)
	}
	pos, ok := f.book.Get("RELIANCE")
	if !ok {
		t.Fatal("position fully closed, want remainder running")
	}
	if pos.Quantity != 50 || !pos.PartialProfitBooked {
		t.Errorf("position = qty %d booked %v, want 50/true", pos.Quantity, pos.PartialProfitBooked)
	}
	// Profit lock at 2%+ already tightened the stop to entry + half the move;
	// the post-partial tighten (entry + 30%) must not loosen it.
	if pos.StopLoss != 1011 {
		t.Errorf("stop = %v, want profit-locked 1011", pos.StopLoss)
	}
	if math.Abs(f.riskSink.realized-1100) > 1e-9 {
		t.Errorf("realized = %v, want 1100", f.riskSink.realized)
	}
	if len(f.outcomes.purged) != 0 {
		t.Errorf("symbol purged on partial exit: %v", f.outcomes.purged)
	}
}

func TestTargetRetouchAfterPartialExitsRemainder(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Target: 1020, Strategy: "momentum",
	})
	f.venue.positions = []broker.Position{{Symbol: "RELIANCE", Quantity: 100}}
	f.seedQuote("RELIANCE", 1022)

	f.monitor.Iterate(context.Background()) // books half
	f.monitor.Iterate(context.Background()) // re-touch exits the rest

	reqs := f.exits.requests()
	if len(reqs) != 2 {
		t.Fatalf("exits = %d, want partial then retouch", len(reqs))
	}
	if reqs[1].Reason != ReasonTargetRetouch {
		t.Errorf("second exit reason = %q, want %q", reqs[1].Reason, ReasonTargetRetouch)
	}
	if f.book.Has("RELIANCE") {
		t.Error("position still open after retouch")
	}
	if math.Abs(f.riskSink.realized-2200) > 1e-9 {
		t.Errorf("realized = %v, want 2200 across both exits", f.riskSink.realized)
	}
	found := false
	for _, sym := range f.outcomes.purged {
		if sym == "RELIANCE" {
			found = true
		}
	}
	if !found {
		t.Error("symbol state not purged after terminal exit")
	}
}

func TestSmallPositionTargetFullExit(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 1,
		AveragePrice: 1000, StopLoss: 990, Target: 1020, Strategy: "momentum",
	})
	f.seedQuote("RELIANCE", 1022)

	f.monitor.Iterate(context.Background())

	reqs := f.exits.requests()
	if len(reqs) != 1 || reqs[0].Reason != ReasonTargetFull {
		t.Fatalf("exits = %v, want full target exit for qty 1", reqs)
	}
	if f.book.Has("RELIANCE") {
		t.Error("qty-1 position not fully exited at target")
	}
}

func TestPartialCappedToBrokerQuantity(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Target: 1020, Strategy: "momentum",
	})
	f.venue.positions = []broker.Position{{Symbol: "RELIANCE", Quantity: 30}}
	f.seedQuote("RELIANCE", 1022)

	f.monitor.Iterate(context.Background())

	reqs := f.exits.requests()
	if len(reqs) != 1 || reqs[0].Quantity != 30 {
		t.Fatalf("exits = %v, want quantity capped to broker's 30", reqs)
	}
}

func TestPartialCancelledWhenBrokerFlat(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Target: 1020, Strategy: "momentum",
	})
	f.venue.positions = nil // broker shows nothing
	f.seedQuote("RELIANCE", 1022)

	f.monitor.Iterate(context.Background())

	if len(f.exits.requests()) != 0 {
		t.Fatalf("exits = %v, want cancelled", f.exits.requests())
	}
	if !f.book.Has("RELIANCE") {
		t.Error("book changed by a cancelled exit")
	}
}

func TestTrailingStopRatchetsThenFires(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, Strategy: "momentum",
	})
	f.seedQuote("RELIANCE", 1015)
	f.monitor.Iterate(context.Background())

	pos, _ := f.book.Get("RELIANCE")
	if pos.TrailingStop != 1010 {
		t.Fatalf("trail = %v, want 1010 (1%% lock floor)", pos.TrailingStop)
	}
	if len(f.exits.requests()) != 0 {
		t.Fatalf("exit fired while above trail: %v", f.exits.requests())
	}

	f.seedQuote("RELIANCE", 1009)
	f.monitor.Iterate(context.Background())
	reqs := f.exits.requests()
	if len(reqs) != 1 || reqs[0].Reason != ReasonTrailingStop {
		t.Fatalf("exits = %v, want trailing stop", reqs)
	}
	if math.Abs(f.riskSink.realized-900) > 1e-9 {
		t.Errorf("realized = %v, want 900", f.riskSink.realized)
	}
}

func TestProfitLockThenStopOut(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 985, Strategy: "momentum",
	})
	f.seedQuote("RELIANCE", 1025)
	f.monitor.Iterate(context.Background())

	pos, _ := f.book.Get("RELIANCE")
	if pos.StopLoss != 1012.5 {
		t.Fatalf("stop = %v, want half the move locked at 1012.5", pos.StopLoss)
	}

	f.seedQuote("RELIANCE", 1010)
	f.monitor.Iterate(context.Background())
	reqs := f.exits.requests()
	if len(reqs) != 1 || reqs[0].Reason != ReasonStopLoss {
		t.Fatalf("exits = %v, want stop loss", reqs)
	}
	if math.Abs(f.riskSink.realized-1000) > 1e-9 {
		t.Errorf("realized = %v, want locked 1000 profit", f.riskSink.realized)
	}
}

func TestRiskEmergencyExitsEverything(t *testing.T) {
	f := newFixture(t)
	f.riskSink.stopped = true
	f.riskSink.trigger = "daily_loss_limit"
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Target: 1050, Strategy: "momentum",
	})
	f.seedQuote("RELIANCE", 1002)

	f.monitor.Iterate(context.Background())

	reqs := f.exits.requests()
	if len(reqs) != 1 {
		t.Fatalf("exits = %d, want 1", len(reqs))
	}
	if !reqs[0].Emergency {
		t.Error("risk exit not flagged emergency")
	}
	if reqs[0].Reason != ReasonRiskEmergency+":daily_loss_limit" {
		t.Errorf("reason = %q", reqs[0].Reason)
	}
}

func TestPriorityOrderingAcrossSymbols(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "TCS", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 3000, Target: 3030, Strategy: "momentum",
		PartialProfitBooked: true,
	})
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Strategy: "momentum",
	})
	f.seedQuote("TCS", 3032)     // target re-touch, priority 3
	f.seedQuote("RELIANCE", 985) // stop loss, priority 2

	f.monitor.Iterate(context.Background())

	reqs := f.exits.requests()
	if len(reqs) != 2 {
		t.Fatalf("exits = %d, want 2", len(reqs))
	}
	if reqs[0].Reason != ReasonStopLoss || reqs[1].Reason != ReasonTargetRetouch {
		t.Errorf("execution order = [%s, %s], want stop loss before target retouch", reqs[0].Reason, reqs[1].Reason)
	}
}

func TestExecutorFailureFallsBackToBookClose(t *testing.T) {
	f := newFixture(t)
	f.exits.fail = true
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Strategy: "momentum",
	})
	f.seedQuote("RELIANCE", 985)

	f.monitor.Iterate(context.Background())

	if f.book.Has("RELIANCE") {
		t.Error("book still open, want direct close fallback")
	}
	if math.Abs(f.riskSink.realized-(-1500)) > 1e-9 {
		t.Errorf("realized = %v, want -1500", f.riskSink.realized)
	}
}

func TestCloseAllForcesEveryPosition(t *testing.T) {
	f := newFixture(t)
	f.open(t, positions.Position{
		Symbol: "RELIANCE", Side: positions.SideLong, Quantity: 100,
		AveragePrice: 1000, StopLoss: 990, Target: 1050, Strategy: "momentum",
	})
	f.open(t, positions.Position{
		Symbol: "TCS", Side: positions.SideShort, Quantity: 50,
		AveragePrice: 3500, StopLoss: 3535, Target: 3430, Strategy: "vwap",
	})

	f.monitor.CloseAll(context.Background(), "operator_close_all")

	if f.book.Len() != 0 {
		t.Errorf("open positions = %d after close-all, want 0", f.book.Len())
	}
	for _, req := range f.exits.requests() {
		if !req.Emergency {
			t.Errorf("%s close-all exit not emergency", req.Symbol)
		}
	}
}

func TestIntervalFollowsMonitorWindow(t *testing.T) {
	f := newFixture(t)
	f.clock.set(time.Date(2025, 6, 16, 10, 0, 0, 0, ist))
	if got := f.monitor.interval(); got != 5*time.Second {
		t.Errorf("interval during session = %v, want 5s", got)
	}
	f.clock.set(time.Date(2025, 6, 16, 17, 0, 0, 0, ist))
	if got := f.monitor.interval(); got != 30*time.Second {
		t.Errorf("interval after hours = %v, want 30s", got)
	}
}
