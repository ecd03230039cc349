package allocator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/strategy"
	"zerodha-trading-engine/internal/users"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

type stubWeights struct {
	byName map[string]float64
}

func (s *stubWeights) StrategyWeight(name string) float64 {
	if w, ok := s.byName[name]; ok {
		return w
	}
	return 1.0
}

func testSignal() strategy.Signal {
	return strategy.Signal{
		ID:         "sig-1",
		Strategy:   "momentum",
		Symbol:     "RELIANCE",
		Action:     "BUY",
		EntryPrice: 1000,
		StopLoss:   990,
		Target:     1020,
		Confidence: 8,
	}
}

func testAllocator(t *testing.T, weights *stubWeights, accounts []users.Account) (*Allocator, *users.Registry) {
	t.Helper()
	now := time.Date(2025, 6, 16, 10, 30, 0, 0, ist)
	clock := market.NewSessionClockAt(func() time.Time { return now })
	reg := users.NewRegistry(zerolog.Nop(), func() time.Time { return now })
	for _, a := range accounts {
		if err := reg.Add(a, nil); err != nil {
			t.Fatalf("Add(%s): %v", a.UserID, err)
		}
	}
	if weights == nil {
		weights = &stubWeights{}
	}
	return New(Config{}, reg, weights, clock, zerolog.Nop()), reg
}

func TestAllocateSplitsProRataByCapitalAndWeight(t *testing.T) {
	accounts := []users.Account{
		{UserID: "alpha", Capital: 500000, AvailableMargin: 400000, PerformanceWeight: 1.0, Enabled: true, IsMaster: true},
		{UserID: "beta", Capital: 300000, AvailableMargin: 300000, PerformanceWeight: 1.0, Enabled: true},
		{UserID: "gamma", Capital: 200000, AvailableMargin: 200000, PerformanceWeight: 1.0, Enabled: true},
	}
	a, _ := testAllocator(t, nil, accounts)

	// Equity at 1000: per-unit margin 250. Shares 0.5 / 0.3 / 0.2, strategy
	// weight 1.0. Sorted by margin: alpha, beta, gamma. Sequential rounding:
	// alpha 0.5*100=50, beta 0.3*50=15, gamma 0.2*35=7.
	got, err := a.Allocate(context.Background(), testSignal(), 100, 1000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	want := map[string]int{"alpha": 50, "beta": 15, "gamma": 7}
	if len(got) != len(want) {
		t.Fatalf("allocations = %d, want %d", len(got), len(want))
	}
	for _, al := range got {
		if want[al.UserID] != al.Quantity {
			t.Errorf("%s quantity = %d, want %d", al.UserID, al.Quantity, want[al.UserID])
		}
	}
}

func TestAllocateSkipsBenchedStrategy(t *testing.T) {
	weights := &stubWeights{byName: map[string]float64{"momentum": 0.2}}
	a, _ := testAllocator(t, weights, []users.Account{
		{UserID: "alpha", Capital: 500000, AvailableMargin: 400000, Enabled: true, IsMaster: true},
	})
	_, err := a.Allocate(context.Background(), testSignal(), 100, 1000)
	if !errors.Is(err, ErrStrategyBenched) {
		t.Fatalf("err = %v, want ErrStrategyBenched", err)
	}
}

func TestAllocateStrategyWeightScalesQuantities(t *testing.T) {
	weights := &stubWeights{byName: map[string]float64{"momentum": 0.5}}
	a, _ := testAllocator(t, weights, []users.Account{
		{UserID: "alpha", Capital: 500000, AvailableMargin: 400000, Enabled: true, IsMaster: true},
	})
	got, err := a.Allocate(context.Background(), testSignal(), 100, 1000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	// Single user, share 1.0: round(100 * 1.0 * 0.5) = 50.
	if len(got) != 1 || got[0].Quantity != 50 {
		t.Fatalf("allocations = %+v, want alpha 50", got)
	}
}

func TestAllocateFiltersRecentlyTradedUsers(t *testing.T) {
	accounts := []users.Account{
		{UserID: "alpha", Capital: 500000, AvailableMargin: 400000, Enabled: true, IsMaster: true},
		{UserID: "beta", Capital: 300000, AvailableMargin: 300000, Enabled: true},
	}
	a, reg := testAllocator(t, nil, accounts)
	// alpha traded 2 minutes ago, inside the 300s rotation window.
	reg.RecordTrade("alpha", time.Date(2025, 6, 16, 10, 28, 0, 0, ist))

	got, err := a.Allocate(context.Background(), testSignal(), 100, 1000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	for _, al := range got {
		if al.UserID == "alpha" {
			t.Errorf("alpha allocated %d inside min trade interval", al.Quantity)
		}
	}
	if len(got) != 1 || got[0].UserID != "beta" {
		t.Fatalf("allocations = %+v, want beta only", got)
	}
}

func TestAllocateCapsAtTenPercentOfCapital(t *testing.T) {
	a, _ := testAllocator(t, nil, []users.Account{
		{UserID: "alpha", Capital: 100000, AvailableMargin: 400000, Enabled: true, IsMaster: true},
	})
	// Cap: 10% of 100000 = 10000 margin; per-unit 250 -> 40 units max.
	got, err := a.Allocate(context.Background(), testSignal(), 1000, 1000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(got) != 1 || got[0].Quantity != 40 {
		t.Fatalf("allocations = %+v, want alpha 40", got)
	}
}

func TestAllocateCapsAtAvailableMargin(t *testing.T) {
	a, _ := testAllocator(t, nil, []users.Account{
		{UserID: "alpha", Capital: 10000000, AvailableMargin: 5000, Enabled: true, IsMaster: true},
	})
	// Margin 5000 over per-unit 250 -> 20 units even though capital allows more.
	got, err := a.Allocate(context.Background(), testSignal(), 1000, 1000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(got) != 1 || got[0].Quantity != 20 {
		t.Fatalf("allocations = %+v, want alpha 20", got)
	}
}

func TestAllocateOptionsUseFullPremiumMargin(t *testing.T) {
	a, _ := testAllocator(t, nil, []users.Account{
		{UserID: "alpha", Capital: 1000000, AvailableMargin: 900000, Enabled: true, IsMaster: true},
	})
	sig := testSignal()
	sig.Symbol = "NIFTY25JUN24500CE"
	sig.EntryPrice = 150
	// Options margin full premium: cap = 10% of 1e6 / 150 = 666.
	got, err := a.Allocate(context.Background(), sig, 10000, 150)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(got) != 1 || got[0].Quantity != 666 {
		t.Fatalf("allocations = %+v, want alpha 666", got)
	}
}

func TestAllocateFallsBackToHighestMarginUser(t *testing.T) {
	now := time.Date(2025, 6, 16, 10, 30, 0, 0, ist)
	accounts := []users.Account{
		{UserID: "alpha", Capital: 500000, AvailableMargin: 400000, Enabled: true, IsMaster: true, LastTradeAt: now.Add(-time.Minute)},
		{UserID: "beta", Capital: 300000, AvailableMargin: 300000, Enabled: true, LastTradeAt: now.Add(-time.Minute)},
	}
	a, _ := testAllocator(t, nil, accounts)

	// Every user is inside the rotation window, so the share pipeline yields
	// nothing and the fallback picks the highest-margin account.
	got, err := a.Allocate(context.Background(), testSignal(), 100, 1000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "alpha" {
		t.Fatalf("allocations = %+v, want fallback to alpha", got)
	}
	if got[0].Quantity != 100 {
		t.Errorf("fallback quantity = %d, want 100", got[0].Quantity)
	}
}

func TestAllocateNoEligibleUsers(t *testing.T) {
	a, _ := testAllocator(t, nil, []users.Account{
		{UserID: "alpha", Capital: 0, AvailableMargin: 0, Enabled: true, IsMaster: true},
	})
	_, err := a.Allocate(context.Background(), testSignal(), 100, 1000)
	if !errors.Is(err, ErrNoEligibleUsers) {
		t.Fatalf("err = %v, want ErrNoEligibleUsers", err)
	}
}

func TestAllocateUpdatesLastTradeAt(t *testing.T) {
	a, reg := testAllocator(t, nil, []users.Account{
		{UserID: "alpha", Capital: 500000, AvailableMargin: 400000, Enabled: true, IsMaster: true},
	})
	if _, err := a.Allocate(context.Background(), testSignal(), 100, 1000); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	acct, ok := reg.Get("alpha")
	if !ok {
		t.Fatal("alpha missing from registry")
	}
	want := time.Date(2025, 6, 16, 10, 30, 0, 0, ist)
	if !acct.LastTradeAt.Equal(want) {
		t.Errorf("LastTradeAt = %v, want %v", acct.LastTradeAt, want)
	}
}

func TestAllocateRecordsAsyncWithoutBlocking(t *testing.T) {
	a, _ := testAllocator(t, nil, []users.Account{
		{UserID: "alpha", Capital: 500000, AvailableMargin: 400000, Enabled: true, IsMaster: true},
	})
	recorded := make(chan Record, 1)
	a.SetRecordFunc(func(_ context.Context, rec Record) {
		select {
		case recorded <- rec:
		default:
		}
	})

	if _, err := a.Allocate(context.Background(), testSignal(), 100, 1000); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	select {
	case rec := <-recorded:
		if len(rec.Allocations) != 1 || rec.Allocations[0].UserID != "alpha" {
			t.Errorf("recorded allocations = %+v", rec.Allocations)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("allocation record never delivered")
	}
}

func TestUserSharesNormalizeByCapitalTimesWeight(t *testing.T) {
	accounts := []users.Account{
		{UserID: "alpha", Capital: 400000, AvailableMargin: 400000, PerformanceWeight: 1.5, Enabled: true, IsMaster: true},
		{UserID: "beta", Capital: 400000, AvailableMargin: 300000, PerformanceWeight: 0.5, Enabled: true},
	}
	a, _ := testAllocator(t, nil, accounts)

	shares := a.userShares(time.Date(2025, 6, 16, 10, 30, 0, 0, ist))
	// 600000 vs 200000 of an 800000 pool.
	if math.Abs(shares["alpha"]-0.75) > 1e-9 {
		t.Errorf("alpha share = %v, want 0.75", shares["alpha"])
	}
	if math.Abs(shares["beta"]-0.25) > 1e-9 {
		t.Errorf("beta share = %v, want 0.25", shares["beta"])
	}
}
