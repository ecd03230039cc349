package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAccumulate(t *testing.T) {
	r := NewRegistry()

	r.SignalGenerated("momentum")
	r.SignalGenerated("momentum")
	r.SignalRejected("momentum", "dedup")
	r.OrderPlaced("momentum")
	r.OrderFailed("scalp")

	if got := testutil.ToFloat64(r.signalsGenerated.WithLabelValues("momentum")); got != 2 {
		t.Errorf("signals_generated{momentum} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.signalsRejected.WithLabelValues("momentum", "dedup")); got != 1 {
		t.Errorf("signals_rejected{momentum,dedup} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.ordersFailed.WithLabelValues("scalp")); got != 1 {
		t.Errorf("orders_failed{scalp} = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	r := NewRegistry()

	r.SetOpenPositions(4)
	r.SetDailyPnL(-2500.5)
	r.SetBias("BULLISH", 6.5)

	if got := testutil.ToFloat64(r.openPositions); got != 4 {
		t.Errorf("open_positions = %v, want 4", got)
	}
	if got := testutil.ToFloat64(r.dailyPnL); got != -2500.5 {
		t.Errorf("daily_realized_pnl = %v, want -2500.5", got)
	}
	if got := testutil.ToFloat64(r.biasDirection); got != 1 {
		t.Errorf("bias_direction = %v, want 1 for BULLISH", got)
	}

	r.SetBias("BEARISH", 5)
	if got := testutil.ToFloat64(r.biasDirection); got != -1 {
		t.Errorf("bias_direction = %v, want -1 for BEARISH", got)
	}
	r.SetBias("NEUTRAL", 5)
	if got := testutil.ToFloat64(r.biasDirection); got != 0 {
		t.Errorf("bias_direction = %v, want 0 for NEUTRAL", got)
	}
}

func TestBrokerErrorsOnlyOnFailure(t *testing.T) {
	r := NewRegistry()

	r.ObserveBrokerCall("get_quote", 20*time.Millisecond, nil)
	r.ObserveBrokerCall("place_order", 50*time.Millisecond, errTest)

	if got := testutil.ToFloat64(r.brokerErrors.WithLabelValues("place_order")); got != 1 {
		t.Errorf("broker_errors{place_order} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.brokerErrors.WithLabelValues("get_quote")); got != 0 {
		t.Errorf("broker_errors{get_quote} = %v, want 0", got)
	}
}

var errTest = errTestType{}

type errTestType struct{}

func (errTestType) Error() string { return "venue down" }

func TestHandlerServesExposition(t *testing.T) {
	r := NewRegistry()
	r.SetOpenPositions(2)
	r.ObserveMonitorIteration(120 * time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("GET /metrics = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "trading_open_positions 2") {
		t.Errorf("exposition missing trading_open_positions sample:\n%s", firstLines(body, 20))
	}
	if !strings.Contains(body, "trading_monitor_iteration_seconds_count 1") {
		t.Errorf("exposition missing monitor iteration histogram count")
	}
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
