package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/market"
)

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	StartingCapital float64 `json:"starting_capital"`
	// SlippagePercent widens market fills against the taker.
	SlippagePercent float64 `json:"slippage_percent"`
}

// Paper simulates a venue against the live quote cache. Market orders fill
// immediately at LTP (plus slippage), margins and positions are tracked in
// memory, and synthetic order updates are pushed on the stream. All risk
// checks upstream behave exactly as they do against the live venue.
type Paper struct {
	cfg     PaperConfig
	quotes  *market.QuoteCache
	logger  zerolog.Logger
	updates chan OrderUpdate

	mu         sync.Mutex
	cash       float64
	usedMargin float64
	positions  map[string]*Position
	orderSeq   int
}

var _ Broker = (*Paper)(nil)

// NewPaper builds the simulated venue around the shared quote cache.
func NewPaper(cfg PaperConfig, quotes *market.QuoteCache, logger zerolog.Logger) *Paper {
	if cfg.StartingCapital <= 0 {
		cfg.StartingCapital = 500000
	}
	return &Paper{
		cfg:       cfg,
		quotes:    quotes,
		logger:    logger.With().Str("component", "paper_broker").Logger(),
		updates:   make(chan OrderUpdate, 256),
		cash:      cfg.StartingCapital,
		positions: make(map[string]*Position),
	}
}

// Name identifies the adapter.
func (p *Paper) Name() string { return "paper" }

// GetMargins returns the simulated funds view.
func (p *Paper) GetMargins(context.Context) (Margins, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Margins{
		AvailableCash: p.cash - p.usedMargin,
		UsedMargin:    p.usedMargin,
		Net:           p.cash,
	}, nil
}

// GetPositions returns the simulated book, marked to the latest LTP.
func (p *Paper) GetPositions(context.Context) (Positions, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		if ltp, ok := p.quotes.LTP(cp.Symbol); ok {
			cp.LastPrice = ltp
			cp.PnL = float64(cp.Quantity) * (ltp - cp.AveragePrice)
		}
		out = append(out, cp)
	}
	return Positions{Net: out, Day: out}, nil
}

// GetQuote serves quotes from the cache; for symbols the feed does not
// carry (options), a synthetic quote is derived so monitoring never stalls.
func (p *Paper) GetQuote(_ context.Context, symbols ...string) (map[string]Quote, error) {
	result := make(map[string]Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := p.quotes.Get(s); ok {
			result[s] = Quote{
				LastPrice:    q.LTP,
				Open:         q.Open,
				High:         q.High,
				Low:          q.Low,
				Close:        q.PrevClose,
				Volume:       q.Volume,
				AveragePrice: q.VWAP,
			}
			continue
		}
		if syn, ok := p.syntheticQuote(s); ok {
			result[s] = syn
		}
	}
	return result, nil
}

// syntheticQuote random-walks around the position's average price so paper
// option positions move plausibly between monitor iterations.
func (p *Paper) syntheticQuote(symbol string) (Quote, bool) {
	p.mu.Lock()
	pos, ok := p.positions[symbol]
	p.mu.Unlock()
	if !ok {
		return Quote{}, false
	}

	base := pos.LastPrice
	if base <= 0 {
		base = pos.AveragePrice
	}
	drift := base * (rand.Float64() - 0.5) * 0.01
	ltp := math.Max(0.05, base+drift)
	return Quote{
		LastPrice: ltp,
		Open:      pos.AveragePrice,
		High:      math.Max(ltp, pos.AveragePrice),
		Low:       math.Min(ltp, pos.AveragePrice),
		Close:     pos.AveragePrice,
	}, true
}

// GetHistoricalData synthesizes a deterministic random walk ending at the
// current LTP, good enough for warmup and choppiness in paper mode.
func (p *Paper) GetHistoricalData(_ context.Context, symbol, interval string, from, to time.Time) ([]Candle, error) {
	ltp, ok := p.quotes.LTP(symbol)
	if !ok || ltp <= 0 {
		return nil, fmt.Errorf("paper: no quote for %s", symbol)
	}

	step := intervalDuration(interval)
	n := int(to.Sub(from) / step)
	if n <= 0 {
		return nil, nil
	}
	if n > 500 {
		n = 500
	}

	rng := rand.New(rand.NewSource(int64(len(symbol)) + from.Unix()))
	candles := make([]Candle, 0, n)
	price := ltp * (1 - 0.002*float64(n)*rng.Float64())
	for i := 0; i < n; i++ {
		move := price * (rng.Float64() - 0.48) * 0.004
		open := price
		close := price + move
		high := math.Max(open, close) * (1 + rng.Float64()*0.001)
		low := math.Min(open, close) * (1 - rng.Float64()*0.001)
		candles = append(candles, Candle{
			Timestamp: from.Add(time.Duration(i) * step),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    int64(10000 + rng.Intn(90000)),
		})
		price = close
	}
	return candles, nil
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "minute":
		return time.Minute
	case "5minute":
		return 5 * time.Minute
	case "15minute":
		return 15 * time.Minute
	case "60minute":
		return time.Hour
	case "day":
		return 24 * time.Hour
	default:
		return 5 * time.Minute
	}
}

// PlaceOrder fills immediately at LTP with slippage and updates the
// simulated book.
func (p *Paper) PlaceOrder(_ context.Context, req OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity %d", ErrOrderRejected, req.Quantity)
	}

	fillPrice := req.Price
	if req.OrderType == OrderTypeMarket || fillPrice <= 0 {
		ltp, ok := p.quotes.LTP(req.Symbol)
		if !ok {
			p.mu.Lock()
			if pos, exists := p.positions[req.Symbol]; exists && pos.LastPrice > 0 {
				ltp, ok = pos.LastPrice, true
			}
			p.mu.Unlock()
		}
		if !ok || ltp <= 0 {
			return "", fmt.Errorf("%w: no price for %s", ErrOrderRejected, req.Symbol)
		}
		slip := ltp * p.cfg.SlippagePercent / 100
		if req.Action == ActionBuy {
			fillPrice = ltp + slip
		} else {
			fillPrice = ltp - slip
		}
	}

	p.mu.Lock()
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%06d-%s", p.orderSeq, uuid.NewString()[:8])
	p.applyFill(req, fillPrice)
	p.mu.Unlock()

	p.logger.Info().
		Str("order_id", orderID).
		Str("symbol", req.Symbol).
		Str("action", req.Action).
		Int("quantity", req.Quantity).
		Float64("fill_price", fillPrice).
		Str("tag", req.Tag).
		Msg("paper fill")

	update := OrderUpdate{
		OrderID:        orderID,
		Symbol:         req.Symbol,
		Status:         StatusComplete,
		FilledQuantity: req.Quantity,
		AveragePrice:   fillPrice,
	}
	select {
	case p.updates <- update:
	default:
	}
	return orderID, nil
}

// applyFill mutates the simulated book under p.mu.
func (p *Paper) applyFill(req OrderRequest, fillPrice float64) {
	signed := req.Quantity
	if req.Action == ActionSell {
		signed = -req.Quantity
	}

	pos, exists := p.positions[req.Symbol]
	if !exists {
		p.positions[req.Symbol] = &Position{
			Symbol:       req.Symbol,
			Exchange:     req.Exchange,
			Product:      req.Product,
			Quantity:     signed,
			AveragePrice: fillPrice,
			LastPrice:    fillPrice,
		}
		p.usedMargin += marginFor(req.Symbol, req.Quantity, fillPrice)
		return
	}

	newQty := pos.Quantity + signed
	switch {
	case newQty == 0:
		p.usedMargin -= marginFor(req.Symbol, abs(pos.Quantity), pos.AveragePrice)
		if p.usedMargin < 0 {
			p.usedMargin = 0
		}
		p.cash += float64(abs(pos.Quantity)) * (fillPrice - pos.AveragePrice) * float64(sign(pos.Quantity))
		delete(p.positions, req.Symbol)
	case sign(newQty) == sign(pos.Quantity) && abs(newQty) > abs(pos.Quantity):
		// Scale in: weighted average entry.
		total := float64(abs(pos.Quantity))*pos.AveragePrice + float64(req.Quantity)*fillPrice
		pos.AveragePrice = total / float64(abs(newQty))
		pos.Quantity = newQty
		p.usedMargin += marginFor(req.Symbol, req.Quantity, fillPrice)
	default:
		// Partial close: realize pnl on the closed slice.
		closed := abs(pos.Quantity) - abs(newQty)
		p.cash += float64(closed) * (fillPrice - pos.AveragePrice) * float64(sign(pos.Quantity))
		p.usedMargin -= marginFor(req.Symbol, closed, pos.AveragePrice)
		if p.usedMargin < 0 {
			p.usedMargin = 0
		}
		pos.Quantity = newQty
	}
	pos.LastPrice = fillPrice
}

// marginFor approximates venue margining: options consume full premium,
// equity MIS consumes 25% of notional.
func marginFor(symbol string, qty int, price float64) float64 {
	notional := float64(qty) * price
	if market.IsOption(symbol) {
		return notional
	}
	return notional * 0.25
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	return 1
}

// CancelOrder is a no-op: paper fills are immediate.
func (p *Paper) CancelOrder(_ context.Context, orderID string) error {
	p.logger.Debug().Str("order_id", orderID).Msg("cancel ignored, paper fills are immediate")
	return nil
}

// OrderUpdates exposes the synthetic update stream.
func (p *Paper) OrderUpdates() <-chan OrderUpdate {
	return p.updates
}
