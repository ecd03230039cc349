package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/time/rate"

	"zerodha-trading-engine/internal/market"
)

// KiteConfig configures the live Zerodha adapter.
type KiteConfig struct {
	APIKey      string `json:"api_key"`
	AccessToken string `json:"-"`
	UserID      string `json:"user_id"`
	Sandbox     bool   `json:"sandbox"`
	// RequestsPerSecond throttles REST calls; Kite allows 3 rps.
	RequestsPerSecond float64       `json:"requests_per_second"`
	CallTimeout       time.Duration `json:"call_timeout"`
	MaxReadRetries    int           `json:"max_read_retries"`
}

func (c *KiteConfig) defaults() {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.MaxReadRetries <= 0 {
		c.MaxReadRetries = 3
	}
}

// Kite is the live Zerodha adapter. REST calls go through a rate limiter
// and a circuit breaker; reads are retried with exponential backoff, order
// placement is submitted exactly once.
type Kite struct {
	client  *kiteconnect.Client
	cfg     KiteConfig
	logger  zerolog.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	updates chan OrderUpdate

	mu            sync.RWMutex
	authenticated bool
	tokens        map[string]int // tradingsymbol -> instrument token
	tokensLoaded  time.Time
}

var _ Broker = (*Kite)(nil)

// NewKite builds the adapter. An empty access token leaves it
// unauthenticated; every call then fails with ErrNotAuthenticated until
// Authenticate is called.
func NewKite(cfg KiteConfig, logger zerolog.Logger) *Kite {
	cfg.defaults()

	kc := kiteconnect.New(cfg.APIKey)
	if cfg.AccessToken != "" {
		kc.SetAccessToken(cfg.AccessToken)
	}

	k := &Kite{
		client:  kc,
		cfg:     cfg,
		logger:  logger.With().Str("component", "kite_broker").Logger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
		updates: make(chan OrderUpdate, 256),
		tokens:  make(map[string]int),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "kite-rest",
			MaxRequests: 3,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		authenticated: cfg.AccessToken != "",
	}
	return k
}

// Name identifies the adapter.
func (k *Kite) Name() string { return "kite" }

// Authenticate installs a fresh access token obtained by the (external)
// login flow and marks the session usable.
func (k *Kite) Authenticate(accessToken string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.client.SetAccessToken(accessToken)
	k.authenticated = accessToken != ""
	if k.authenticated {
		k.logger.Info().Str("user", k.cfg.UserID).Msg("kite session installed")
	}
}

// IsAuthenticated reports whether the adapter holds a session token.
func (k *Kite) IsAuthenticated() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.authenticated
}

// call runs fn behind the rate limiter and circuit breaker with a
// per-call timeout.
func (k *Kite) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if !k.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, k.cfg.CallTimeout)
	defer cancel()

	out, err := k.breaker.Execute(func() (interface{}, error) {
		return fn(callCtx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, err
}

// read retries idempotent calls with exponential backoff.
func (k *Kite) read(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < k.cfg.MaxReadRetries; attempt++ {
		out, err := k.call(ctx, fn)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if err == ErrNotAuthenticated || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil, lastErr
}

// GetMargins returns the equity-segment funds view.
func (k *Kite) GetMargins(ctx context.Context) (Margins, error) {
	out, err := k.read(ctx, func(context.Context) (interface{}, error) {
		return k.client.GetUserMargins()
	})
	if err != nil {
		return Margins{}, fmt.Errorf("get margins: %w", err)
	}
	all := out.(kiteconnect.AllMargins)
	return Margins{
		AvailableCash: all.Equity.Available.Cash,
		UsedMargin:    all.Equity.Used.Debits,
		Net:           all.Equity.Net,
	}, nil
}

// GetPositions returns the venue's net and day books.
func (k *Kite) GetPositions(ctx context.Context) (Positions, error) {
	out, err := k.read(ctx, func(context.Context) (interface{}, error) {
		return k.client.GetPositions()
	})
	if err != nil {
		return Positions{}, fmt.Errorf("get positions: %w", err)
	}
	kp := out.(kiteconnect.Positions)
	return Positions{Net: convertPositions(kp.Net), Day: convertPositions(kp.Day)}, nil
}

func convertPositions(in []kiteconnect.Position) []Position {
	out := make([]Position, 0, len(in))
	for _, p := range in {
		out = append(out, Position{
			Symbol:       p.Tradingsymbol,
			Exchange:     p.Exchange,
			Product:      p.Product,
			Quantity:     p.Quantity,
			AveragePrice: p.AveragePrice,
			LastPrice:    p.LastPrice,
			PnL:          p.PnL,
		})
	}
	return out
}

// GetQuote fetches quotes for plain symbols, batching per venue limit.
// The result map is keyed by plain symbol.
func (k *Kite) GetQuote(ctx context.Context, symbols ...string) (map[string]Quote, error) {
	result := make(map[string]Quote, len(symbols))

	for start := 0; start < len(symbols); start += MaxQuoteBatch {
		end := start + MaxQuoteBatch
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[start:end]

		keys := make([]string, len(batch))
		for i, s := range batch {
			keys[i] = market.ExchangeSymbol(s)
		}

		out, err := k.read(ctx, func(context.Context) (interface{}, error) {
			return k.client.GetQuote(keys...)
		})
		if err != nil {
			return nil, fmt.Errorf("get quote: %w", err)
		}

		quotes := out.(kiteconnect.Quote)
		for key, q := range quotes {
			result[market.StripExchange(key)] = Quote{
				LastPrice:    q.LastPrice,
				Open:         q.OHLC.Open,
				High:         q.OHLC.High,
				Low:          q.OHLC.Low,
				Close:        q.OHLC.Close,
				Volume:       int64(q.Volume),
				AveragePrice: q.AveragePrice,
				OI:           q.OI,
			}
		}
	}
	return result, nil
}

// GetHistoricalData returns bars for one symbol. Instrument tokens are
// resolved from the instruments dump, refreshed daily.
func (k *Kite) GetHistoricalData(ctx context.Context, symbol, interval string, from, to time.Time) ([]Candle, error) {
	token, err := k.instrumentToken(ctx, symbol)
	if err != nil {
		return nil, err
	}

	out, err := k.read(ctx, func(context.Context) (interface{}, error) {
		return k.client.GetHistoricalData(token, interval, from, to, false, false)
	})
	if err != nil {
		return nil, fmt.Errorf("get historical %s: %w", symbol, err)
	}

	bars := out.([]kiteconnect.HistoricalData)
	candles := make([]Candle, 0, len(bars))
	for _, b := range bars {
		candles = append(candles, Candle{
			Timestamp: b.Date.Time,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    int64(b.Volume),
		})
	}
	return candles, nil
}

// PlaceOrder submits one order, exactly once. No automatic retry: a timed
// out submission may still have reached the venue.
func (k *Kite) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	exchange := req.Exchange
	if exchange == "" {
		if market.IsOption(req.Symbol) {
			exchange = market.ExchangeNFO
		} else {
			exchange = market.ExchangeNSE
		}
	}

	params := kiteconnect.OrderParams{
		Exchange:        exchange,
		Tradingsymbol:   req.Symbol,
		TransactionType: req.Action,
		Quantity:        req.Quantity,
		Product:         req.Product,
		OrderType:       req.OrderType,
		Validity:        "DAY",
		Tag:             req.Tag,
	}
	if req.OrderType == OrderTypeLimit {
		params.Price = req.Price
	}

	out, err := k.call(ctx, func(context.Context) (interface{}, error) {
		return k.client.PlaceOrder("regular", params)
	})
	if err != nil {
		return "", fmt.Errorf("place order %s %s x%d: %w", req.Action, req.Symbol, req.Quantity, err)
	}

	resp := out.(kiteconnect.OrderResponse)
	k.logger.Info().
		Str("order_id", resp.OrderID).
		Str("symbol", req.Symbol).
		Str("action", req.Action).
		Int("quantity", req.Quantity).
		Str("tag", req.Tag).
		Msg("order placed")
	return resp.OrderID, nil
}

// CancelOrder cancels an open order.
func (k *Kite) CancelOrder(ctx context.Context, orderID string) error {
	_, err := k.call(ctx, func(context.Context) (interface{}, error) {
		return k.client.CancelOrder("regular", orderID, nil)
	})
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// OrderUpdates exposes the push stream. The ticker adapter feeds it via
// PushOrderUpdate.
func (k *Kite) OrderUpdates() <-chan OrderUpdate {
	return k.updates
}

// PushOrderUpdate injects a venue order update into the stream. Called by
// the websocket ticker adapter.
func (k *Kite) PushOrderUpdate(u OrderUpdate) {
	select {
	case k.updates <- u:
	default:
		k.logger.Warn().Str("order_id", u.OrderID).Msg("order update channel full, dropping")
	}
}

// instrumentToken resolves a tradingsymbol to its instrument token,
// loading the NSE and NFO instrument dumps once per day.
func (k *Kite) instrumentToken(ctx context.Context, symbol string) (int, error) {
	k.mu.RLock()
	token, ok := k.tokens[symbol]
	fresh := time.Since(k.tokensLoaded) < 24*time.Hour
	k.mu.RUnlock()
	if ok && fresh {
		return token, nil
	}

	if err := k.loadInstruments(ctx); err != nil {
		if ok {
			return token, nil // stale token beats no token
		}
		return 0, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	token, ok = k.tokens[symbol]
	if !ok {
		return 0, fmt.Errorf("instrument token not found for %s", symbol)
	}
	return token, nil
}

// ResolveTokens maps tradingsymbols to instrument tokens for websocket
// subscription, keyed token -> symbol. Unknown symbols are skipped.
func (k *Kite) ResolveTokens(ctx context.Context, symbols []string) (map[uint32]string, error) {
	k.mu.RLock()
	loaded := !k.tokensLoaded.IsZero()
	k.mu.RUnlock()
	if !loaded {
		if err := k.loadInstruments(ctx); err != nil {
			return nil, err
		}
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[uint32]string, len(symbols))
	for _, s := range symbols {
		if token, ok := k.tokens[strings.ToUpper(s)]; ok {
			out[uint32(token)] = s
		}
	}
	return out, nil
}

func (k *Kite) loadInstruments(ctx context.Context) error {
	for _, exchange := range []string{market.ExchangeNSE, market.ExchangeNFO} {
		out, err := k.read(ctx, func(context.Context) (interface{}, error) {
			return k.client.GetInstrumentsByExchange(exchange)
		})
		if err != nil {
			return fmt.Errorf("load instruments %s: %w", exchange, err)
		}

		instruments := out.(kiteconnect.Instruments)
		k.mu.Lock()
		for _, inst := range instruments {
			k.tokens[strings.ToUpper(inst.Tradingsymbol)] = inst.InstrumentToken
		}
		k.tokensLoaded = time.Now()
		k.mu.Unlock()
	}

	k.logger.Info().Int("instruments", len(k.tokens)).Msg("instrument dump loaded")
	return nil
}
