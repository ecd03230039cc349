package broker

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/market"
)

func testPaper(cfg PaperConfig) (*Paper, *market.QuoteCache) {
	quotes := market.NewQuoteCache()
	return NewPaper(cfg, quotes, zerolog.Nop()), quotes
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPaperMarketOrderFillsWithSlippage(t *testing.T) {
	ctx := context.Background()
	p, quotes := testPaper(PaperConfig{SlippagePercent: 0.1})
	quotes.Update(market.Quote{Symbol: "RELIANCE", LTP: 2950})

	orderID, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "RELIANCE", Action: ActionBuy, Quantity: 10, OrderType: OrderTypeMarket, Product: ProductMIS,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if orderID == "" {
		t.Fatal("empty order id")
	}

	want := 2950 + 2950*0.1/100
	select {
	case u := <-p.OrderUpdates():
		if u.Status != StatusComplete {
			t.Errorf("status = %s, want %s", u.Status, StatusComplete)
		}
		if u.FilledQuantity != 10 {
			t.Errorf("filled = %d, want 10", u.FilledQuantity)
		}
		if !almostEqual(u.AveragePrice, want) {
			t.Errorf("fill price = %v, want %v", u.AveragePrice, want)
		}
	default:
		t.Fatal("no order update emitted")
	}
}

func TestPaperSellSlipsAgainstTaker(t *testing.T) {
	ctx := context.Background()
	p, quotes := testPaper(PaperConfig{SlippagePercent: 0.1})
	quotes.Update(market.Quote{Symbol: "RELIANCE", LTP: 2950})

	if _, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "RELIANCE", Action: ActionSell, Quantity: 5, OrderType: OrderTypeMarket, Product: ProductMIS,
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	u := <-p.OrderUpdates()
	if want := 2950 - 2950*0.1/100; !almostEqual(u.AveragePrice, want) {
		t.Errorf("sell fill = %v, want %v", u.AveragePrice, want)
	}
}

func TestPaperRejectsBadOrders(t *testing.T) {
	ctx := context.Background()
	p, _ := testPaper(PaperConfig{})

	if _, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "RELIANCE", Action: ActionBuy, Quantity: 0, OrderType: OrderTypeMarket}); !errors.Is(err, ErrOrderRejected) {
		t.Errorf("zero quantity: err = %v, want ErrOrderRejected", err)
	}
	if _, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "NOQUOTE", Action: ActionBuy, Quantity: 10, OrderType: OrderTypeMarket}); !errors.Is(err, ErrOrderRejected) {
		t.Errorf("no price: err = %v, want ErrOrderRejected", err)
	}
}

func TestPaperPositionLifecycle(t *testing.T) {
	ctx := context.Background()
	p, quotes := testPaper(PaperConfig{StartingCapital: 500000})
	quotes.Update(market.Quote{Symbol: "RELIANCE", LTP: 2950})

	if _, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "RELIANCE", Action: ActionBuy, Quantity: 10, OrderType: OrderTypeMarket, Product: ProductMIS,
	}); err != nil {
		t.Fatalf("entry: %v", err)
	}

	// MIS equity blocks 25% of notional.
	m, _ := p.GetMargins(ctx)
	if want := 2950.0 * 10 * 0.25; !almostEqual(m.UsedMargin, want) {
		t.Fatalf("used margin = %v, want %v", m.UsedMargin, want)
	}
	if !almostEqual(m.AvailableCash, 500000-2950.0*10*0.25) {
		t.Errorf("available = %v", m.AvailableCash)
	}

	// Mark to a higher LTP.
	quotes.Update(market.Quote{Symbol: "RELIANCE", LTP: 3000})
	book, _ := p.GetPositions(ctx)
	if len(book.Net) != 1 {
		t.Fatalf("positions = %d, want 1", len(book.Net))
	}
	pos := book.Net[0]
	if pos.Quantity != 10 || !almostEqual(pos.AveragePrice, 2950) {
		t.Fatalf("position = %+v", pos)
	}
	if !almostEqual(pos.PnL, 500) {
		t.Errorf("unrealized pnl = %v, want 500", pos.PnL)
	}

	// Flat close realizes the gain and releases margin.
	if _, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "RELIANCE", Action: ActionSell, Quantity: 10, OrderType: OrderTypeMarket, Product: ProductMIS,
	}); err != nil {
		t.Fatalf("exit: %v", err)
	}
	book, _ = p.GetPositions(ctx)
	if len(book.Net) != 0 {
		t.Fatalf("positions after close = %d, want 0", len(book.Net))
	}
	m, _ = p.GetMargins(ctx)
	if !almostEqual(m.Net, 500500) {
		t.Errorf("net after close = %v, want 500500", m.Net)
	}
	if !almostEqual(m.UsedMargin, 0) {
		t.Errorf("used margin after close = %v, want 0", m.UsedMargin)
	}
}

func TestPaperScaleInAveragesEntry(t *testing.T) {
	ctx := context.Background()
	p, quotes := testPaper(PaperConfig{})
	quotes.Update(market.Quote{Symbol: "INFY", LTP: 100})

	p.PlaceOrder(ctx, OrderRequest{Symbol: "INFY", Action: ActionBuy, Quantity: 10, OrderType: OrderTypeMarket, Product: ProductMIS})
	quotes.Update(market.Quote{Symbol: "INFY", LTP: 110})
	p.PlaceOrder(ctx, OrderRequest{Symbol: "INFY", Action: ActionBuy, Quantity: 10, OrderType: OrderTypeMarket, Product: ProductMIS})

	book, _ := p.GetPositions(ctx)
	if len(book.Net) != 1 {
		t.Fatalf("positions = %d, want 1", len(book.Net))
	}
	pos := book.Net[0]
	if pos.Quantity != 20 {
		t.Errorf("quantity = %d, want 20", pos.Quantity)
	}
	if !almostEqual(pos.AveragePrice, 105) {
		t.Errorf("average price = %v, want 105", pos.AveragePrice)
	}
}

func TestPaperPartialCloseRealizesPnL(t *testing.T) {
	ctx := context.Background()
	p, quotes := testPaper(PaperConfig{StartingCapital: 500000})
	quotes.Update(market.Quote{Symbol: "INFY", LTP: 100})

	p.PlaceOrder(ctx, OrderRequest{Symbol: "INFY", Action: ActionBuy, Quantity: 20, OrderType: OrderTypeMarket, Product: ProductMIS})
	quotes.Update(market.Quote{Symbol: "INFY", LTP: 110})
	p.PlaceOrder(ctx, OrderRequest{Symbol: "INFY", Action: ActionSell, Quantity: 10, OrderType: OrderTypeMarket, Product: ProductMIS})

	book, _ := p.GetPositions(ctx)
	if len(book.Net) != 1 || book.Net[0].Quantity != 10 {
		t.Fatalf("book after partial close = %+v", book.Net)
	}
	if !almostEqual(book.Net[0].AveragePrice, 100) {
		t.Errorf("average price = %v, want 100 (unchanged on partial close)", book.Net[0].AveragePrice)
	}

	m, _ := p.GetMargins(ctx)
	if !almostEqual(m.Net, 500100) {
		t.Errorf("net = %v, want 500100 (ten closed at +10)", m.Net)
	}
	if want := 10 * 100 * 0.25; !almostEqual(m.UsedMargin, want) {
		t.Errorf("used margin = %v, want %v", m.UsedMargin, want)
	}
}

func TestPaperOptionMarginIsFullPremium(t *testing.T) {
	ctx := context.Background()
	p, _ := testPaper(PaperConfig{StartingCapital: 500000})

	if _, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "NIFTY24DEC26000CE", Action: ActionBuy, Quantity: 75,
		OrderType: OrderTypeLimit, Price: 150, Product: ProductMIS,
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	m, _ := p.GetMargins(ctx)
	if !almostEqual(m.UsedMargin, 75*150) {
		t.Errorf("used margin = %v, want %v (full premium)", m.UsedMargin, 75*150)
	}
}

func TestPaperSyntheticQuoteForHeldOption(t *testing.T) {
	ctx := context.Background()
	p, _ := testPaper(PaperConfig{})

	p.PlaceOrder(ctx, OrderRequest{
		Symbol: "NIFTY24DEC26000CE", Action: ActionBuy, Quantity: 75,
		OrderType: OrderTypeLimit, Price: 150, Product: ProductMIS,
	})

	quotes, err := p.GetQuote(ctx, "NIFTY24DEC26000CE", "BANKNIFTY24DEC52000PE")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	q, ok := quotes["NIFTY24DEC26000CE"]
	if !ok {
		t.Fatal("no synthetic quote for held option")
	}
	if q.LastPrice <= 0 || math.Abs(q.LastPrice-150) > 1.5 {
		t.Errorf("synthetic ltp = %v, want near 150", q.LastPrice)
	}
	if _, ok := quotes["BANKNIFTY24DEC52000PE"]; ok {
		t.Error("synthetic quote produced for a symbol never traded")
	}
}

func TestPaperHistoricalDataDeterministic(t *testing.T) {
	ctx := context.Background()
	p, quotes := testPaper(PaperConfig{})
	quotes.Update(market.Quote{Symbol: "INFY", LTP: 1500})

	from := time.Date(2025, 6, 16, 9, 15, 0, 0, time.UTC)
	to := from.Add(50 * time.Minute)

	first, err := p.GetHistoricalData(ctx, "INFY", "5minute", from, to)
	if err != nil {
		t.Fatalf("GetHistoricalData: %v", err)
	}
	if len(first) != 10 {
		t.Fatalf("candles = %d, want 10", len(first))
	}
	for i, c := range first {
		if c.High < math.Max(c.Open, c.Close) || c.Low > math.Min(c.Open, c.Close) {
			t.Errorf("candle %d not well formed: %+v", i, c)
		}
		if want := from.Add(time.Duration(i) * 5 * time.Minute); !c.Timestamp.Equal(want) {
			t.Errorf("candle %d timestamp = %v, want %v", i, c.Timestamp, want)
		}
	}

	second, _ := p.GetHistoricalData(ctx, "INFY", "5minute", from, to)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("candle %d differs between identical requests", i)
		}
	}

	if _, err := p.GetHistoricalData(ctx, "UNKNOWN", "5minute", from, to); err == nil {
		t.Error("expected error for a symbol with no quote")
	}
}

func TestPaperCancelIsNoop(t *testing.T) {
	p, _ := testPaper(PaperConfig{})
	if err := p.CancelOrder(context.Background(), "PAPER-000001-deadbeef"); err != nil {
		t.Errorf("CancelOrder: %v", err)
	}
}

func TestPaperDefaultCapital(t *testing.T) {
	p, _ := testPaper(PaperConfig{})
	m, _ := p.GetMargins(context.Background())
	if !almostEqual(m.Net, 500000) {
		t.Errorf("default capital = %v, want 500000", m.Net)
	}
}
