package strategy

import (
	"math"
	"testing"
	"time"

	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/market"
)

func bar(ts time.Time, o, h, l, c float64, v int64) broker.Candle {
	return broker.Candle{Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

// orbDay builds a session whose first three 5-minute bars span 1000-1010,
// prior-day filler for the volume average, and a configurable 10:00 bar.
func orbDay(o, h, l, c float64, v int64) []broker.Candle {
	var out []broker.Candle

	prev := time.Date(2025, 6, 13, 11, 0, 0, 0, ist)
	for i := 0; i < 15; i++ {
		out = append(out, bar(prev.Add(time.Duration(i)*5*time.Minute), 1004, 1006, 1002, 1004, 1000))
	}

	day := func(hh, mm int) time.Time { return time.Date(2025, 6, 16, hh, mm, 0, 0, ist) }
	out = append(out,
		bar(day(9, 15), 1002, 1008, 1000, 1005, 1000),
		bar(day(9, 20), 1005, 1010, 1002, 1008, 1000),
		bar(day(9, 25), 1008, 1009, 1003, 1004, 1000),
	)
	for i := 0; i < 6; i++ {
		out = append(out, bar(day(9, 30+5*i), 1005, 1008, 1004, 1006, 1000))
	}
	out = append(out, bar(day(10, 0), o, h, l, c, v))
	return out
}

func orbQuote(ltp float64) market.Quote {
	return market.Quote{
		Symbol:    "RELIANCE",
		LTP:       ltp,
		Timestamp: time.Date(2025, 6, 16, 10, 5, 0, 0, ist),
	}
}

func TestORBBuyBreakout(t *testing.T) {
	s := NewORB(ORBConfig{})
	candles := orbDay(1009, 1011.5, 1008, 1011, 2000)

	sig, err := s.Evaluate(orbQuote(1012), candles)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if sig == nil {
		t.Fatal("Evaluate() = nil, want breakout signal")
	}
	if sig.Action != ActionBuy {
		t.Errorf("action = %q, want BUY", sig.Action)
	}
	if sig.EntryPrice != 1012 {
		t.Errorf("entry = %.2f, want 1012", sig.EntryPrice)
	}
	if sig.StopLoss != 1000 {
		t.Errorf("stop = %.2f, want range low 1000", sig.StopLoss)
	}
	if sig.Target != 1036 {
		t.Errorf("target = %.2f, want 1036 (2R above entry)", sig.Target)
	}
	// Volume ratio 2.0 and a close beyond the range high.
	if math.Abs(sig.Confidence-7.5) > 1e-9 {
		t.Errorf("confidence = %.2f, want 7.5", sig.Confidence)
	}
	if s.Name() != "orb" {
		t.Errorf("Name() = %q, want orb", s.Name())
	}
}

func TestORBSellBreakdown(t *testing.T) {
	s := NewORB(ORBConfig{})
	candles := orbDay(1002, 1003, 998.5, 999, 2000)

	sig, err := s.Evaluate(orbQuote(997), candles)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if sig == nil {
		t.Fatal("Evaluate() = nil, want breakdown signal")
	}
	if sig.Action != ActionSell {
		t.Errorf("action = %q, want SELL", sig.Action)
	}
	if sig.StopLoss != 1010 {
		t.Errorf("stop = %.2f, want range high 1010", sig.StopLoss)
	}
	if sig.Target != 971 {
		t.Errorf("target = %.2f, want 971 (2R below entry)", sig.Target)
	}
	if math.Abs(sig.Confidence-7.5) > 1e-9 {
		t.Errorf("confidence = %.2f, want 7.5", sig.Confidence)
	}
}

func TestORBNoSignal(t *testing.T) {
	narrowDay := func(width float64) []broker.Candle {
		day := func(hh, mm int) time.Time { return time.Date(2025, 6, 16, hh, mm, 0, 0, ist) }
		mid := 1000.0
		return []broker.Candle{
			bar(day(9, 15), mid, mid+width/2, mid-width/2, mid, 1000),
			bar(day(9, 20), mid, mid+width/2, mid-width/2, mid, 1000),
			bar(day(9, 25), mid, mid+width/2, mid-width/2, mid, 1000),
			bar(day(9, 30), mid, mid+width/2, mid-width/2, mid, 1000),
		}
	}

	full := orbDay(1009, 1011.5, 1008, 1011, 2000)

	cases := []struct {
		name    string
		candles []broker.Candle
		ltp     float64
	}{
		{"range still forming", full[:18], 1012}, // prior day + three range bars
		{"price inside range", full, 1005},
		{"stretched past chase cap", full, 1025},
		{"volume below threshold", orbDay(1009, 1011.5, 1008, 1011, 1000), 1012},
		{"range too narrow", narrowDay(1), 1002},
		{"range too wide", narrowDay(30), 1020},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewORB(ORBConfig{})
			sig, err := s.Evaluate(orbQuote(tc.ltp), tc.candles)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if sig != nil {
				t.Errorf("Evaluate() = %+v, want nil", sig)
			}
		})
	}
}

func TestORBIgnoresPriorSessionBars(t *testing.T) {
	s := NewORB(ORBConfig{})
	// Only prior-day bars: nothing to range on today.
	prev := time.Date(2025, 6, 13, 9, 15, 0, 0, ist)
	var candles []broker.Candle
	for i := 0; i < 25; i++ {
		candles = append(candles, bar(prev.Add(time.Duration(i)*5*time.Minute), 1002, 1010, 1000, 1005, 1000))
	}

	sig, err := s.Evaluate(orbQuote(1012), candles)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if sig != nil {
		t.Errorf("Evaluate() = %+v, want nil when today has no bars", sig)
	}
}
