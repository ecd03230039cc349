package strategy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/market"
)

// PoolConfig tunes the scan.
type PoolConfig struct {
	Watchlist      []string      `json:"watchlist"`
	CandleCacheTTL time.Duration `json:"candle_cache_ttl"`
}

// Pool runs every registered strategy across the watchlist and collects
// candidate signals. Candles are fetched through a per-symbol throttle so
// a scan never hammers the venue.
type Pool struct {
	cfg        PoolConfig
	strategies []Strategy
	quotes     *market.QuoteCache
	candles    *candleCache
	clock      *market.SessionClock
	logger     zerolog.Logger
}

// NewPool builds the pool. source may be nil in tests; strategies then see
// empty candle slices.
func NewPool(cfg PoolConfig, quotes *market.QuoteCache, source CandleSource, clock *market.SessionClock, logger zerolog.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		quotes:  quotes,
		candles: newCandleCache(source, cfg.CandleCacheTTL),
		clock:   clock,
		logger:  logger.With().Str("component", "strategy_pool").Logger(),
	}
}

// Register adds a strategy to the pool.
func (p *Pool) Register(s Strategy) {
	p.strategies = append(p.strategies, s)
	p.logger.Info().Str("strategy", s.Name()).Msg("strategy registered")
}

// Strategies lists registered strategy names.
func (p *Pool) Strategies() []string {
	out := make([]string, len(p.strategies))
	for i, s := range p.strategies {
		out[i] = s.Name()
	}
	return out
}

// Scan evaluates the whole watchlist and returns normalized, validated
// candidate signals. Individual strategy errors are logged and skipped;
// a scan never fails as a whole.
func (p *Pool) Scan(ctx context.Context) []Signal {
	now := p.clock.Now()
	var out []Signal

	for _, symbol := range p.cfg.Watchlist {
		quote, ok := p.quotes.Get(symbol)
		if !ok {
			continue
		}

		for _, strat := range p.strategies {
			if ctx.Err() != nil {
				return out
			}

			candles, err := p.candles.get(ctx, symbol, strat.Interval(), strat.LookbackBars(), now)
			if err != nil {
				p.logger.Debug().Err(err).Str("symbol", symbol).Str("strategy", strat.Name()).Msg("candles unavailable")
				candles = nil
			}

			signal, err := strat.Evaluate(quote, candles)
			if err != nil {
				p.logger.Warn().Err(err).Str("symbol", symbol).Str("strategy", strat.Name()).Msg("strategy evaluation failed")
				continue
			}
			if signal == nil {
				continue
			}

			signal.ID = uuid.NewString()
			signal.Strategy = strat.Name()
			signal.Symbol = symbol
			signal.GeneratedAt = now
			signal.NormalizeConfidence()

			if err := signal.Validate(); err != nil {
				p.logger.Info().Err(err).Str("symbol", symbol).Str("strategy", strat.Name()).Msg("signal rejected by validation")
				continue
			}
			out = append(out, *signal)
		}
	}

	if len(out) > 0 {
		p.logger.Info().Int("signals", len(out)).Msg("scan produced candidates")
	}
	return out
}
