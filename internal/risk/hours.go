package risk

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOutsideTradingHours = errors.New("outside trading hours")
	ErrEntryWindowClosed   = errors.New("entry window closed")
)

// StrategyPositionMonitor tags exits originated by the position monitor;
// they must never be blocked by the entry gates.
const StrategyPositionMonitor = "position_monitor"

// OrderContext carries the fields the hours gate inspects. Exits and
// management actions get progressively wider windows than entries.
type OrderContext struct {
	Symbol           string
	Strategy         string
	Tag              string
	IsExit           bool
	ManagementAction bool
	ClosingAction    bool
}

func (oc OrderContext) bypass() bool {
	return oc.ManagementAction ||
		oc.ClosingAction ||
		oc.Strategy == StrategyPositionMonitor ||
		strings.Contains(oc.Tag, "EMERGENCY")
}

// ValidateTradingHours applies the session gates:
//
//	before 09:15 / after 15:30  nothing trades
//	15:00 - 15:20               exits only
//	at/after 15:20              exits only, and only management exits
//
// Management and closing actions bypass every gate so forced liquidation is
// never blocked by the clock that caused it.
func (m *Manager) ValidateTradingHours(oc OrderContext) error {
	if oc.bypass() {
		return nil
	}

	now := m.clock.Now()
	if !m.clock.WithinSession(now) {
		return fmt.Errorf("%w: %s", ErrOutsideTradingHours, now.Format("15:04:05"))
	}
	if oc.IsExit {
		return nil
	}
	if m.clock.PastMandatoryClose(now) {
		return fmt.Errorf("%w: past mandatory close", ErrEntryWindowClosed)
	}
	if m.clock.PastNoEntryCutoff(now) {
		return fmt.Errorf("%w: entries stop at 15:00 IST", ErrEntryWindowClosed)
	}
	return nil
}
