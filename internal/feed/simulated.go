package feed

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/market"
)

// Simulated random-walks a watchlist so paper mode exercises the whole
// pipeline without a venue connection. Index symbols get index-like seeds
// so internals and bias remain meaningful.
type Simulated struct {
	logger   zerolog.Logger
	interval time.Duration
	updates  chan market.Quote
	stopOnce sync.Once
	cancel   context.CancelFunc

	mu     sync.Mutex
	quotes map[string]market.Quote
	rng    *rand.Rand
}

var _ Feed = (*Simulated)(nil)

// NewSimulated seeds a quote per symbol. Base prices are derived from the
// symbol hash so runs are stable without configuration.
func NewSimulated(symbols []string, tickInterval time.Duration, logger zerolog.Logger) *Simulated {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	s := &Simulated{
		logger:   logger.With().Str("component", "sim_feed").Logger(),
		interval: tickInterval,
		updates:  make(chan market.Quote, 4096),
		quotes:   make(map[string]market.Quote, len(symbols)),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, sym := range symbols {
		base := seedPrice(sym)
		s.quotes[sym] = market.Quote{
			Symbol:    sym,
			LTP:       base,
			Open:      base,
			High:      base,
			Low:       base,
			PrevClose: base * 0.998,
			VWAP:      base,
			YearHigh:  base * 1.25,
			YearLow:   base * 0.75,
			Timestamp: time.Now(),
		}
	}
	return s
}

func seedPrice(symbol string) float64 {
	switch symbol {
	case market.SymbolNifty:
		return 24500
	case market.SymbolBankNIFT:
		return 51000
	case market.SymbolIndiaVIX:
		return 14
	}
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 100 + float64(h.Sum32()%29000)/10
}

// Start ticks every interval until ctx is cancelled.
func (s *Simulated) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tickAll()
			}
		}
	}()

	s.logger.Info().Int("symbols", len(s.quotes)).Dur("interval", s.interval).Msg("simulated feed started")
	return nil
}

func (s *Simulated) tickAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for sym, q := range s.quotes {
		// VIX mean-reverts near its seed; prices drift.
		var move float64
		if sym == market.SymbolIndiaVIX {
			move = (14-q.LTP)*0.02 + (s.rng.Float64()-0.5)*0.3
		} else {
			move = q.LTP * (s.rng.Float64() - 0.499) * 0.002
		}

		q.LTP = math.Max(0.05, q.LTP+move)
		q.High = math.Max(q.High, q.LTP)
		q.Low = math.Min(q.Low, q.LTP)
		q.Volume += int64(s.rng.Intn(5000))
		if q.VWAP == 0 {
			q.VWAP = q.LTP
		} else {
			q.VWAP = q.VWAP*0.98 + q.LTP*0.02
		}
		q.ChangePercent = 0 // Normalize() recomputes from open
		q.Timestamp = now
		s.quotes[sym] = q

		select {
		case s.updates <- q:
		default:
		}
	}
}

// Updates is the quote stream.
func (s *Simulated) Updates() <-chan market.Quote {
	return s.updates
}

// Stop halts the walker.
func (s *Simulated) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
