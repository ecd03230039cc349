package users

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/broker"
)

type stubBroker struct {
	broker.Broker
	margins     broker.Margins
	marginCalls int
}

func (s *stubBroker) GetMargins(ctx context.Context) (broker.Margins, error) {
	s.marginCalls++
	return s.margins, nil
}

func TestRefreshCapitalThrottled(t *testing.T) {
	now := time.Date(2025, 6, 16, 9, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := NewRegistry(zerolog.Nop(), clock)

	stub := &stubBroker{margins: broker.Margins{Net: 500000, AvailableCash: 450000}}
	if err := r.Add(Account{UserID: "MASTER1", IsMaster: true, Enabled: true, Capital: 100000}, stub); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := r.RefreshCapital(context.Background(), "MASTER1"); err != nil {
		t.Fatalf("RefreshCapital() error = %v", err)
	}
	if stub.marginCalls != 1 {
		t.Fatalf("broker margin calls = %d, want 1", stub.marginCalls)
	}
	acct, _ := r.Get("MASTER1")
	if acct.Capital != 500000 {
		t.Errorf("capital = %.0f, want 500000", acct.Capital)
	}

	now = now.Add(30 * time.Second)
	if err := r.RefreshCapital(context.Background(), "MASTER1"); err != nil {
		t.Fatalf("RefreshCapital() error = %v", err)
	}
	if stub.marginCalls != 1 {
		t.Errorf("broker margin calls after 30s = %d, want 1 (throttled)", stub.marginCalls)
	}

	now = now.Add(31 * time.Second)
	if err := r.RefreshCapital(context.Background(), "MASTER1"); err != nil {
		t.Fatalf("RefreshCapital() error = %v", err)
	}
	if stub.marginCalls != 2 {
		t.Errorf("broker margin calls after 61s = %d, want 2", stub.marginCalls)
	}
}

func TestPerformanceWeightClamped(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	if err := r.Add(Account{UserID: "U1", Enabled: true, PerformanceWeight: 5}, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	acct, _ := r.Get("U1")
	if acct.PerformanceWeight != 2 {
		t.Errorf("weight on add = %.1f, want clamp to 2", acct.PerformanceWeight)
	}
	if err := r.SetPerformanceWeight("U1", -1); err != nil {
		t.Fatalf("SetPerformanceWeight() error = %v", err)
	}
	acct, _ = r.Get("U1")
	if acct.PerformanceWeight != 0 {
		t.Errorf("weight after set = %.1f, want clamp to 0", acct.PerformanceWeight)
	}
}

func TestBrokerForFallsBackToMaster(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	masterHandle := &stubBroker{}
	if err := r.Add(Account{UserID: "MASTER1", IsMaster: true, Enabled: true}, masterHandle); err != nil {
		t.Fatalf("Add(master) error = %v", err)
	}
	if err := r.Add(Account{UserID: "FOLLOW1", Enabled: true}, nil); err != nil {
		t.Fatalf("Add(follower) error = %v", err)
	}

	h, err := r.BrokerFor("FOLLOW1")
	if err != nil {
		t.Fatalf("BrokerFor() error = %v", err)
	}
	if h != broker.Broker(masterHandle) {
		t.Error("BrokerFor(follower) did not fall back to master handle")
	}
}

func TestEnabledSortedAndCopied(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	for _, id := range []string{"ZU", "AU", "MU"} {
		if err := r.Add(Account{UserID: id, Enabled: true, Capital: 1000}, nil); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}
	if err := r.Add(Account{UserID: "OFF", Enabled: false}, nil); err != nil {
		t.Fatalf("Add(OFF) error = %v", err)
	}

	got := r.Enabled()
	if len(got) != 3 {
		t.Fatalf("Enabled() len = %d, want 3", len(got))
	}
	for i, want := range []string{"AU", "MU", "ZU"} {
		if got[i].UserID != want {
			t.Errorf("Enabled()[%d] = %s, want %s", i, got[i].UserID, want)
		}
	}

	got[0].Capital = 999999
	fresh, _ := r.Get("AU")
	if fresh.Capital != 1000 {
		t.Error("Enabled() returned a live reference, want value copies")
	}
	if r.TotalCapital() != 3000 {
		t.Errorf("TotalCapital() = %.0f, want 3000", r.TotalCapital())
	}
}
