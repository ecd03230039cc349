package feed

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/market"
)

func TestSeedPrices(t *testing.T) {
	if got := seedPrice(market.SymbolNifty); got != 24500 {
		t.Errorf("nifty seed = %v, want 24500", got)
	}
	if got := seedPrice(market.SymbolBankNIFT); got != 51000 {
		t.Errorf("banknifty seed = %v, want 51000", got)
	}
	if got := seedPrice(market.SymbolIndiaVIX); got != 14 {
		t.Errorf("vix seed = %v, want 14", got)
	}

	stock := seedPrice("RELIANCE")
	if stock < 100 || stock >= 3000 {
		t.Errorf("equity seed = %v, want within [100, 3000)", stock)
	}
	if again := seedPrice("RELIANCE"); again != stock {
		t.Errorf("seed not stable: %v then %v", stock, again)
	}
}

func TestSimulatedStreamsQuotes(t *testing.T) {
	s := NewSimulated([]string{market.SymbolNifty, "RELIANCE"}, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	seen := make(map[string]market.Quote)
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case q := <-s.Updates():
			seen[q.Symbol] = q
		case <-deadline:
			t.Fatalf("timed out waiting for ticks, saw %d symbols", len(seen))
		}
	}

	nifty := seen[market.SymbolNifty]
	if nifty.LTP < 24500*0.95 || nifty.LTP > 24500*1.05 {
		t.Errorf("nifty ltp = %v, want near the 24500 seed", nifty.LTP)
	}
	for sym, q := range seen {
		if q.LTP <= 0 || q.Timestamp.IsZero() {
			t.Errorf("%s: malformed quote %+v", sym, q)
		}
		if q.High < q.LTP || q.Low > q.LTP {
			t.Errorf("%s: ltp %v outside high/low %v/%v", sym, q.LTP, q.High, q.Low)
		}
		if q.VWAP <= 0 {
			t.Errorf("%s: vwap = %v, want > 0", sym, q.VWAP)
		}
	}
}

func TestSimulatedStopIdempotent(t *testing.T) {
	s := NewSimulated([]string{"RELIANCE"}, 5*time.Millisecond, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestSimulatedDefaultInterval(t *testing.T) {
	s := NewSimulated(nil, 0, zerolog.Nop())
	if s.interval != time.Second {
		t.Errorf("interval = %v, want 1s", s.interval)
	}
}
