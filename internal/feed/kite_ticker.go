package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
)

// KiteTicker streams full-mode ticks from the Zerodha websocket and
// normalizes them into market.Quote values. Order updates arriving on the
// same socket are forwarded into the Kite broker's push stream.
type KiteTicker struct {
	ticker   *kiteticker.Ticker
	logger   zerolog.Logger
	symbols  map[uint32]string // instrument token -> tradingsymbol
	kite     *broker.Kite
	updates  chan market.Quote
	stopOnce sync.Once
	cancel   context.CancelFunc
}

var _ Feed = (*KiteTicker)(nil)

// NewKiteTicker builds the websocket adapter. tokenSymbols maps instrument
// tokens to plain tradingsymbols for the watchlist; the engine resolves it
// through the broker's instrument dump.
func NewKiteTicker(apiKey, accessToken string, tokenSymbols map[uint32]string, kite *broker.Kite, logger zerolog.Logger) *KiteTicker {
	return &KiteTicker{
		ticker:  kiteticker.New(apiKey, accessToken),
		logger:  logger.With().Str("component", "kite_ticker").Logger(),
		symbols: tokenSymbols,
		kite:    kite,
		updates: make(chan market.Quote, 4096),
	}
}

// Start wires callbacks and serves the websocket until ctx is cancelled.
func (kt *KiteTicker) Start(ctx context.Context) error {
	ctx, kt.cancel = context.WithCancel(ctx)

	tokens := make([]uint32, 0, len(kt.symbols))
	for token := range kt.symbols {
		tokens = append(tokens, token)
	}

	kt.ticker.OnConnect(func() {
		kt.logger.Info().Int("instruments", len(tokens)).Msg("ticker connected, subscribing")
		if err := kt.ticker.Subscribe(tokens); err != nil {
			kt.logger.Error().Err(err).Msg("subscribe failed")
			return
		}
		if err := kt.ticker.SetMode(kiteticker.ModeFull, tokens); err != nil {
			kt.logger.Error().Err(err).Msg("set mode failed")
		}
	})
	kt.ticker.OnError(func(err error) {
		kt.logger.Error().Err(err).Msg("ticker error")
	})
	kt.ticker.OnReconnect(func(attempt int, delay time.Duration) {
		kt.logger.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("ticker reconnecting")
	})
	kt.ticker.OnNoReconnect(func(attempt int) {
		kt.logger.Error().Int("attempts", attempt).Msg("ticker gave up reconnecting")
	})
	kt.ticker.OnClose(func(code int, reason string) {
		kt.logger.Warn().Int("code", code).Str("reason", reason).Msg("ticker closed")
	})
	kt.ticker.OnTick(func(tick kitemodels.Tick) {
		kt.handleTick(tick)
	})
	kt.ticker.OnOrderUpdate(func(order kiteconnect.Order) {
		if kt.kite == nil {
			return
		}
		kt.kite.PushOrderUpdate(broker.OrderUpdate{
			OrderID:         order.OrderID,
			Symbol:          order.TradingSymbol,
			Status:          order.Status,
			FilledQuantity:  int(order.FilledQuantity),
			PendingQuantity: int(order.PendingQuantity),
			AveragePrice:    order.AveragePrice,
		})
	})

	go kt.ticker.ServeWithContext(ctx)
	return nil
}

func (kt *KiteTicker) handleTick(tick kitemodels.Tick) {
	symbol, ok := kt.symbols[tick.InstrumentToken]
	if !ok {
		return
	}

	q := market.Quote{
		Symbol:    symbol,
		LTP:       tick.LastPrice,
		Open:      tick.OHLC.Open,
		High:      tick.OHLC.High,
		Low:       tick.OHLC.Low,
		PrevClose: tick.OHLC.Close,
		Volume:    int64(tick.VolumeTraded),
		VWAP:      tick.AverageTradePrice,
		Timestamp: tick.Timestamp.Time,
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}

	select {
	case kt.updates <- q:
	default:
		// Feed is bursty at open; the cache only needs the latest tick,
		// so dropping under backpressure is safe.
	}
}

// Updates is the normalized quote stream.
func (kt *KiteTicker) Updates() <-chan market.Quote {
	return kt.updates
}

// Stop tears the websocket down.
func (kt *KiteTicker) Stop() {
	kt.stopOnce.Do(func() {
		if kt.cancel != nil {
			kt.cancel()
		}
		kt.ticker.Stop()
	})
}
