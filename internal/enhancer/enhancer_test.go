package enhancer

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/strategy"
)

func feedTrend(e *Enhancer, symbol string, start float64, step float64, baseVol, lastVol int64, n int) {
	price := start
	for i := 0; i < n; i++ {
		price *= 1 + step
		vol := baseVol
		if i == n-1 {
			vol = lastVol
		}
		e.Observe(market.Quote{Symbol: symbol, LTP: price, Volume: vol})
	}
}

func TestEnhanceAcceptsAlignedSignal(t *testing.T) {
	e := New(Config{}, zerolog.Nop())
	feedTrend(e, "RELIANCE", 1000, 0.002, 1000, 2500, 30)

	sig := strategy.Signal{
		Strategy:   "momentum",
		Symbol:     "RELIANCE",
		Action:     strategy.ActionBuy,
		EntryPrice: 1060,
		Confidence: 7.0,
	}
	q := market.Quote{Symbol: "RELIANCE", LTP: 1060, High: 1063, Low: 1057, ChangePercent: 1.2}

	got, bd := e.Enhance(sig, q)
	if !bd.Accepted {
		t.Fatalf("Enhance() rejected aligned signal, composite = %.3f", bd.Composite)
	}
	if math.Abs(bd.Composite-1.0) > 1e-9 {
		t.Errorf("composite = %.3f, want 1.0 for a fully aligned setup", bd.Composite)
	}
	if math.Abs(got.Confidence-7.0) > 1e-9 {
		t.Errorf("enhanced confidence = %.2f, want 7.0 (score 1.0, perf 1.0)", got.Confidence)
	}
}

func TestEnhanceRejectsCounterTrendSignal(t *testing.T) {
	e := New(Config{}, zerolog.Nop())
	// Falling tape with fading volume.
	feedTrend(e, "TCS", 3000, -0.004, 1000, 500, 30)

	sig := strategy.Signal{
		Strategy:   "momentum",
		Symbol:     "TCS",
		Action:     strategy.ActionBuy,
		EntryPrice: 2700,
		Confidence: 8.0,
	}
	q := market.Quote{Symbol: "TCS", LTP: 2700, High: 2850, Low: 2690, ChangePercent: -2.0}

	got, bd := e.Enhance(sig, q)
	if bd.Accepted {
		t.Fatalf("Enhance() accepted counter-trend signal, composite = %.3f", bd.Composite)
	}
	if got.Confidence != 8.0 {
		t.Errorf("rejected signal confidence mutated to %.2f, want original 8.0", got.Confidence)
	}
}

func TestEnhanceFallsBackWithoutHistory(t *testing.T) {
	e := New(Config{}, zerolog.Nop())
	sig := strategy.Signal{
		Strategy:   "orb",
		Symbol:     "INFY",
		Action:     strategy.ActionBuy,
		EntryPrice: 1500,
		Confidence: 8.0,
	}
	q := market.Quote{Symbol: "INFY", LTP: 1500, High: 1505, Low: 1495, ChangePercent: 0.4}

	_, bd := e.Enhance(sig, q)
	// Confluence prior: 0.65 + 8/10*0.2 = 0.81.
	if math.Abs(bd.Confluence-0.81) > 1e-9 {
		t.Errorf("fallback confluence = %.3f, want 0.81", bd.Confluence)
	}
	if bd.Timeframe != 0.5 {
		t.Errorf("timeframe with no history = %.2f, want neutral 0.5", bd.Timeframe)
	}
	if !bd.Accepted {
		t.Errorf("Enhance() rejected cold-start signal, composite = %.3f", bd.Composite)
	}
}

func TestVolumeQualityGrades(t *testing.T) {
	base := func(last float64) []float64 {
		vols := make([]float64, 0, 11)
		for i := 0; i < 10; i++ {
			vols = append(vols, 1000)
		}
		return append(vols, last)
	}
	tests := []struct {
		name string
		vols []float64
		want float64
	}{
		{"double the mean", base(2000), 1.0},
		{"just under double", base(1999), 0.9},
		{"one and a half times", base(1500), 0.9},
		{"twenty percent over", base(1200), 0.8},
		{"in line with the mean", base(1000), 0.65},
		{"eighty percent of mean", base(800), 0.65},
		{"dried up", base(500), 0.5},
		{"single sample", []float64{1000}, 0.65},
		{"no samples", nil, 0.65},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := volumeQualityScore(tt.vols); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("volumeQualityScore() = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestMicrostructureGradesSpread(t *testing.T) {
	quote := func(high, low float64) market.Quote {
		return market.Quote{Symbol: "RELIANCE", LTP: 1000, High: high, Low: low}
	}
	tests := []struct {
		name string
		q    market.Quote
		want float64
	}{
		{"tight bar", quote(1003, 998), 1.0},
		{"one percent spread", quote(1005, 995), 0.85},
		{"under two percent", quote(1010, 991), 0.85},
		{"two percent spread", quote(1010, 990), 0.70},
		{"four percent spread", quote(1020, 980), 0.55},
		{"stretched bar", quote(1030, 975), 0.55},
		{"no ltp reads as tight", market.Quote{High: 10, Low: 5}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := microstructureScore(tt.q); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("microstructureScore() = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestPerformanceFactorBounds(t *testing.T) {
	tests := []struct {
		name   string
		wins   int
		losses int
		want   float64
	}{
		{name: "insufficient history", wins: 3, losses: 2, want: 1.0},
		{name: "all winners", wins: 12, losses: 0, want: 1.15},
		{name: "all losers", wins: 0, losses: 12, want: 0.8},
		{name: "coin flip", wins: 10, losses: 10, want: 0.975},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(Config{}, zerolog.Nop())
			for i := 0; i < tt.wins; i++ {
				e.RecordOutcome("scalp", 100)
			}
			for i := 0; i < tt.losses; i++ {
				e.RecordOutcome("scalp", -100)
			}
			got := e.PerformanceFactor("scalp")
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("PerformanceFactor() = %.4f, want %.4f", got, tt.want)
			}
		})
	}
}

func TestOutcomeWindowKeepsLastHundred(t *testing.T) {
	e := New(Config{}, zerolog.Nop())
	for i := 0; i < 100; i++ {
		e.RecordOutcome("vwap", -50)
	}
	for i := 0; i < 20; i++ {
		e.RecordOutcome("vwap", 80)
	}
	// Window holds 80 losses + 20 wins: win rate 0.2.
	want := 0.8 + 0.2*0.35
	if got := e.PerformanceFactor("vwap"); math.Abs(got-want) > 1e-9 {
		t.Errorf("PerformanceFactor() = %.4f, want %.4f from windowed outcomes", got, want)
	}
}

func TestStrategyWeightFloorsAndCaps(t *testing.T) {
	e := New(Config{}, zerolog.Nop())
	if got := e.StrategyWeight("fresh"); got != 1.0 {
		t.Errorf("StrategyWeight(no history) = %.2f, want 1.0", got)
	}

	for i := 0; i < 19; i++ {
		e.RecordOutcome("cold", -10)
	}
	e.RecordOutcome("cold", 10)
	if got := e.StrategyWeight("cold"); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("StrategyWeight(1/20 wins) = %.2f, want 0.25", got)
	}

	for i := 0; i < 20; i++ {
		e.RecordOutcome("hot", 10)
	}
	if got := e.StrategyWeight("hot"); got != 1.0 {
		t.Errorf("StrategyWeight(all wins) = %.2f, want cap 1.0", got)
	}
}

func TestPurgeSymbolDropsHistory(t *testing.T) {
	e := New(Config{}, zerolog.Nop())
	feedTrend(e, "SBIN", 800, 0.001, 1000, 1000, 25)
	e.PurgeSymbol("SBIN")

	sig := strategy.Signal{Strategy: "orb", Symbol: "SBIN", Action: strategy.ActionBuy, EntryPrice: 820, Confidence: 5}
	_, bd := e.Enhance(sig, market.Quote{Symbol: "SBIN", LTP: 820, High: 822, Low: 818})
	// Post-purge the confluence must be the cold-start prior again.
	want := 0.65 + 0.5*0.2
	if math.Abs(bd.Confluence-want) > 1e-9 {
		t.Errorf("confluence after purge = %.3f, want prior %.3f", bd.Confluence, want)
	}
}
