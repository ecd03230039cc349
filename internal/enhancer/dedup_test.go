package enhancer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/store"
	"zerodha-trading-engine/internal/strategy"
)

type stubBook struct{ open map[string]bool }

func (b *stubBook) Has(symbol string) bool { return b.open[symbol] }

func testSignal(symbol string, entry float64) strategy.Signal {
	return strategy.Signal{
		Strategy:   "momentum",
		Symbol:     symbol,
		Action:     strategy.ActionBuy,
		EntryPrice: entry,
		Confidence: 7,
	}
}

func TestCheckRejectsWhenPositionOpen(t *testing.T) {
	now := time.Date(2025, 6, 16, 11, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))
	clock := market.NewSessionClockAt(func() time.Time { return now })
	d := NewDeduplicator(DedupConfig{}, &stubBook{open: map[string]bool{"RELIANCE": true}}, store.NewMemory(), clock, zerolog.Nop())

	ok, reason := d.Check(context.Background(), testSignal("RELIANCE", 1000))
	if ok || reason != ReasonPositionOpen {
		t.Errorf("Check() = (%v, %q), want (false, %q)", ok, reason, ReasonPositionOpen)
	}
}

func TestCheckSuppressesIdenticalFingerprintInWindow(t *testing.T) {
	now := time.Date(2025, 6, 16, 11, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))
	clock := market.NewSessionClockAt(func() time.Time { return now })
	d := NewDeduplicator(DedupConfig{}, &stubBook{open: map[string]bool{}}, store.NewMemory(), clock, zerolog.Nop())

	sig := testSignal("TCS", 3000)
	if ok, reason := d.Check(context.Background(), sig); !ok {
		t.Fatalf("Check() first = (false, %q), want accept", reason)
	}
	d.MarkAccepted(sig)

	now = now.Add(2 * time.Minute)
	if ok, reason := d.Check(context.Background(), sig); ok || reason != ReasonDuplicateSignal {
		t.Errorf("Check() inside window = (%v, %q), want (false, %q)", ok, reason, ReasonDuplicateSignal)
	}

	// A different entry price is a different trade.
	other := testSignal("TCS", 3011.50)
	if ok, reason := d.Check(context.Background(), other); !ok {
		t.Errorf("Check() different price = (false, %q), want accept", reason)
	}

	now = now.Add(4 * time.Minute)
	if ok, reason := d.Check(context.Background(), sig); !ok {
		t.Errorf("Check() after window = (false, %q), want accept", reason)
	}
}

func TestPostExitCooldownSurvivesRestart(t *testing.T) {
	now := time.Date(2025, 6, 16, 11, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))
	clock := market.NewSessionClockAt(func() time.Time { return now })
	shared := store.NewMemory()
	book := &stubBook{open: map[string]bool{}}

	d1 := NewDeduplicator(DedupConfig{}, book, shared, clock, zerolog.Nop())
	d1.SetPostExitCooldown(context.Background(), "INFY")

	// Fresh deduplicator over the same store stands in for a restart.
	d2 := NewDeduplicator(DedupConfig{}, book, shared, clock, zerolog.Nop())
	if ok, reason := d2.Check(context.Background(), testSignal("INFY", 1500)); ok || reason != ReasonPostExitCooldown {
		t.Errorf("Check() after restart = (%v, %q), want (false, %q)", ok, reason, ReasonPostExitCooldown)
	}
}

func TestCooldownScopedToTradeDate(t *testing.T) {
	now := time.Date(2025, 6, 16, 15, 25, 0, 0, time.FixedZone("IST", 5*3600+1800))
	clock := market.NewSessionClockAt(func() time.Time { return now })
	shared := store.NewMemory()
	d := NewDeduplicator(DedupConfig{PostExitCooldown: 24 * time.Hour}, &stubBook{open: map[string]bool{}}, shared, clock, zerolog.Nop())

	d.SetPostExitCooldown(context.Background(), "SBIN")
	if !d.InCooldown(context.Background(), "SBIN") {
		t.Fatal("InCooldown() same day = false, want true")
	}

	// Next trading day reads a different key even though the TTL lingers.
	now = now.Add(18 * time.Hour)
	if d.InCooldown(context.Background(), "SBIN") {
		t.Error("InCooldown() next day = true, want false (date-scoped key)")
	}
}
