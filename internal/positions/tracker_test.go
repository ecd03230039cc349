package positions

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testTracker(t *testing.T) *Tracker {
	t.Helper()
	now := time.Date(2025, 6, 16, 10, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))
	return NewTracker(nil, zerolog.Nop(), func() time.Time { return now })
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestOpenCorrectsInconsistentSide(t *testing.T) {
	tests := []struct {
		name     string
		pos      Position
		wantSide string
		wantErr  bool
	}{
		{
			name:     "long bracket kept",
			pos:      Position{Symbol: "RELIANCE", Side: SideLong, Quantity: 10, AveragePrice: 100, StopLoss: 98, Target: 104},
			wantSide: SideLong,
		},
		{
			name:     "declared long with short bracket flips",
			pos:      Position{Symbol: "TCS", Side: SideLong, Quantity: 10, AveragePrice: 100, StopLoss: 102, Target: 96},
			wantSide: SideShort,
		},
		{
			name:     "declared short with long bracket flips",
			pos:      Position{Symbol: "INFY", Side: SideShort, Quantity: 10, AveragePrice: 100, StopLoss: 98, Target: 104},
			wantSide: SideLong,
		},
		{
			name:    "half inconsistent bracket rejected",
			pos:     Position{Symbol: "HDFCBANK", Side: SideLong, Quantity: 10, AveragePrice: 100, StopLoss: 102, Target: 104},
			wantErr: true,
		},
		{
			name:    "zero quantity rejected",
			pos:     Position{Symbol: "SBIN", Side: SideLong, Quantity: 0, AveragePrice: 100},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := testTracker(t)
			got, err := tr.Open(tt.pos)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Open() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if got.Side != tt.wantSide {
				t.Errorf("Open() side = %q, want %q", got.Side, tt.wantSide)
			}
			// Whatever side came out, the bracket must order correctly
			// around the entry.
			if got.Side == SideLong {
				if !(got.StopLoss <= got.AveragePrice && got.AveragePrice <= got.Target) {
					t.Errorf("long bracket %v/%v/%v out of order", got.StopLoss, got.AveragePrice, got.Target)
				}
			} else {
				if !(got.Target <= got.AveragePrice && got.AveragePrice <= got.StopLoss) {
					t.Errorf("short bracket %v/%v/%v out of order", got.Target, got.AveragePrice, got.StopLoss)
				}
			}
		})
	}
}

func TestOpenRefusesSecondPositionSameSymbol(t *testing.T) {
	tr := testTracker(t)
	first := Position{Symbol: "RELIANCE", Side: SideLong, Quantity: 10, AveragePrice: 1000, StopLoss: 990, Target: 1030}
	if _, err := tr.Open(first); err != nil {
		t.Fatalf("Open() first error = %v", err)
	}
	_, err := tr.Open(first)
	if !errors.Is(err, ErrDuplicatePosition) {
		t.Errorf("Open() second error = %v, want ErrDuplicatePosition", err)
	}
	if got := tr.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := testTracker(t)
	pos := Position{Symbol: "TCS", Side: SideLong, Quantity: 20, AveragePrice: 3000, StopLoss: 2970, Target: 3090}
	if _, err := tr.Open(pos); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	closed, err := tr.Close("TCS", 3050, "target")
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	wantPnL := (3050.0 - 3000.0) * 20
	if !almostEqual(closed.RealizedPnL, wantPnL) {
		t.Errorf("Close() realized = %.2f, want %.2f", closed.RealizedPnL, wantPnL)
	}

	if _, err := tr.Close("TCS", 3050, "target"); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Close() second error = %v, want ErrAlreadyClosed", err)
	}
	if got := tr.RealizedPnL(); !almostEqual(got, wantPnL) {
		t.Errorf("RealizedPnL() = %.2f after double close, want %.2f", got, wantPnL)
	}
	if got := len(tr.Closed()); got != 1 {
		t.Errorf("Closed() count = %d, want 1", got)
	}
}

func TestBookPartialAccumulatesRealized(t *testing.T) {
	tr := testTracker(t)
	pos := Position{Symbol: "INFY", Side: SideLong, Quantity: 100, AveragePrice: 1500, StopLoss: 1485, Target: 1545}
	if _, err := tr.Open(pos); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	after, err := tr.BookPartial("INFY", 50, 1545, "target partial")
	if err != nil {
		t.Fatalf("BookPartial() error = %v", err)
	}
	if after.Quantity != 50 {
		t.Errorf("BookPartial() remaining = %d, want 50", after.Quantity)
	}
	if !after.PartialProfitBooked {
		t.Error("BookPartial() PartialProfitBooked = false, want true")
	}
	wantPartial := (1545.0 - 1500.0) * 50
	if !almostEqual(after.RealizedPnL, wantPartial) {
		t.Errorf("BookPartial() realized = %.2f, want %.2f", after.RealizedPnL, wantPartial)
	}

	closed, err := tr.Close("INFY", 1530, "trailing_stop")
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	wantTotal := wantPartial + (1530.0-1500.0)*50
	if !almostEqual(closed.RealizedPnL, wantTotal) {
		t.Errorf("Close() position realized = %.2f, want %.2f", closed.RealizedPnL, wantTotal)
	}
	if got := tr.RealizedPnL(); !almostEqual(got, wantTotal) {
		t.Errorf("RealizedPnL() = %.2f, want %.2f", got, wantTotal)
	}
}

func TestBookPartialForFullQuantityCloses(t *testing.T) {
	tr := testTracker(t)
	pos := Position{Symbol: "SBIN", Side: SideShort, Quantity: 30, AveragePrice: 800, StopLoss: 808, Target: 776}
	if _, err := tr.Open(pos); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := tr.BookPartial("SBIN", 30, 780, "target"); err != nil {
		t.Fatalf("BookPartial() error = %v", err)
	}
	if tr.Has("SBIN") {
		t.Error("Has() = true after full-quantity partial, want false")
	}
	want := (800.0 - 780.0) * 30
	if got := tr.RealizedPnL(); !almostEqual(got, want) {
		t.Errorf("RealizedPnL() = %.2f, want %.2f", got, want)
	}
}

func TestTrailingStopOnlyRatchets(t *testing.T) {
	tests := []struct {
		name   string
		side   string
		stop   float64
		target float64
		first  float64
		second float64
		want   float64
	}{
		{name: "long trail rises", side: SideLong, stop: 98, target: 110, first: 101, second: 103, want: 103},
		{name: "long trail refuses drop", side: SideLong, stop: 98, target: 110, first: 103, second: 101, want: 103},
		{name: "short trail falls", side: SideShort, stop: 102, target: 90, first: 99, second: 97, want: 97},
		{name: "short trail refuses rise", side: SideShort, stop: 102, target: 90, first: 97, second: 99, want: 97},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := testTracker(t)
			pos := Position{Symbol: "NTPC", Side: tt.side, Quantity: 10, AveragePrice: 100, StopLoss: tt.stop, Target: tt.target}
			if _, err := tr.Open(pos); err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if _, err := tr.UpdateTrailingStop("NTPC", tt.first); err != nil {
				t.Fatalf("UpdateTrailingStop() first error = %v", err)
			}
			got, err := tr.UpdateTrailingStop("NTPC", tt.second)
			if err != nil {
				t.Fatalf("UpdateTrailingStop() second error = %v", err)
			}
			if !almostEqual(got, tt.want) {
				t.Errorf("trailing stop = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestTightenStopRefusesAdverseMove(t *testing.T) {
	tr := testTracker(t)
	pos := Position{Symbol: "WIPRO", Side: SideLong, Quantity: 10, AveragePrice: 500, StopLoss: 495, Target: 515}
	if _, err := tr.Open(pos); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, err := tr.TightenStop("WIPRO", 490)
	if err != nil {
		t.Fatalf("TightenStop() error = %v", err)
	}
	if !almostEqual(got, 495) {
		t.Errorf("stop after adverse tighten = %.2f, want 495", got)
	}
	got, err = tr.TightenStop("WIPRO", 502)
	if err != nil {
		t.Fatalf("TightenStop() error = %v", err)
	}
	if !almostEqual(got, 502) {
		t.Errorf("stop after favorable tighten = %.2f, want 502", got)
	}
}

func TestUpdatePricesMarksBookAndHighWater(t *testing.T) {
	tr := testTracker(t)
	long := Position{Symbol: "RELIANCE", Side: SideLong, Quantity: 10, AveragePrice: 1000, StopLoss: 990, Target: 1030}
	short := Position{Symbol: "TCS", Side: SideShort, Quantity: 5, AveragePrice: 3000, StopLoss: 3030, Target: 2910}
	for _, p := range []Position{long, short} {
		if _, err := tr.Open(p); err != nil {
			t.Fatalf("Open(%s) error = %v", p.Symbol, err)
		}
	}

	tr.UpdatePrices(map[string]float64{"RELIANCE": 1012, "TCS": 2980, "UNTRACKED": 50})
	tr.UpdatePrices(map[string]float64{"RELIANCE": 1006, "TCS": 2990})

	rel, _ := tr.Get("RELIANCE")
	if !almostEqual(rel.UnrealizedPnL, 60) {
		t.Errorf("RELIANCE unrealized = %.2f, want 60", rel.UnrealizedPnL)
	}
	if !almostEqual(rel.HighWaterMark, 1012) {
		t.Errorf("RELIANCE high water = %.2f, want 1012", rel.HighWaterMark)
	}

	tcs, _ := tr.Get("TCS")
	if !almostEqual(tcs.UnrealizedPnL, 50) {
		t.Errorf("TCS unrealized = %.2f, want 50 (short gains on drop)", tcs.UnrealizedPnL)
	}
	if !almostEqual(tcs.HighWaterMark, 2980) {
		t.Errorf("TCS high water = %.2f, want 2980 (short favors lows)", tcs.HighWaterMark)
	}

	if got := tr.UnrealizedPnL(); !almostEqual(got, 110) {
		t.Errorf("UnrealizedPnL() = %.2f, want 110", got)
	}
}

func TestResetDayClearsAudit(t *testing.T) {
	tr := testTracker(t)
	pos := Position{Symbol: "ONGC", Side: SideLong, Quantity: 10, AveragePrice: 250, StopLoss: 247, Target: 258}
	if _, err := tr.Open(pos); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := tr.Close("ONGC", 255, "target"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	tr.ResetDay("2025-06-17")
	if got := tr.RealizedPnL(); got != 0 {
		t.Errorf("RealizedPnL() after reset = %.2f, want 0", got)
	}
	if got := len(tr.Closed()); got != 0 {
		t.Errorf("Closed() after reset = %d entries, want 0", got)
	}

	tr.ResetDay("2025-06-17")
	if got := len(tr.Closed()); got != 0 {
		t.Errorf("Closed() after repeat reset = %d entries, want 0", got)
	}
}
