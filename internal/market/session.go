package market

import (
	"time"
)

// TimePhase partitions the trading day for bias weighting.
type TimePhase string

const (
	PhasePreOpen   TimePhase = "PRE_OPEN"
	PhaseOpening   TimePhase = "OPENING"
	PhaseMorning   TimePhase = "MORNING"
	PhaseAfternoon TimePhase = "AFTERNOON"
	PhaseClosing   TimePhase = "CLOSING"
	PhaseClosed    TimePhase = "CLOSED"
)

// Session cutoffs in minutes from midnight IST.
const (
	minuteMarketOpen     = 9*60 + 15  // 09:15 first trade
	minuteOpeningEnd     = 10 * 60    // 10:00
	minuteMorningEnd     = 12 * 60    // 12:00
	minuteAfternoonEnd   = 14*60 + 30 // 14:30
	minuteNoNewEntries   = 15 * 60    // 15:00 entries blocked
	minuteSquareOffStart = 15*60 + 15 // 15:15 intraday square-off window
	minuteMandatoryClose = 15*60 + 20 // 15:20 mandatory close
	minuteMarketClose    = 15*60 + 30 // 15:30 market close
)

// SessionClock answers trading-session questions in IST. The now func is
// injectable so session logic is deterministic under test.
type SessionClock struct {
	loc *time.Location
	now func() time.Time
}

// NewSessionClock loads Asia/Kolkata and uses wall time.
func NewSessionClock() *SessionClock {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// IST has no DST; a fixed offset is equivalent.
		loc = time.FixedZone("IST", 5*3600+30*60)
	}
	return &SessionClock{loc: loc, now: time.Now}
}

// NewSessionClockAt pins the clock to a fixed now func, for tests.
func NewSessionClockAt(now func() time.Time) *SessionClock {
	sc := NewSessionClock()
	sc.now = now
	return sc
}

// Now returns the current time in IST.
func (sc *SessionClock) Now() time.Time {
	return sc.now().In(sc.loc)
}

// Location exposes the IST location for callers formatting timestamps.
func (sc *SessionClock) Location() *time.Location {
	return sc.loc
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// IsTradingDay reports whether t falls on a weekday. Exchange holidays are
// handled upstream by the feed simply not ticking.
func (sc *SessionClock) IsTradingDay(t time.Time) bool {
	wd := t.In(sc.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// WithinSession reports whether t is inside 09:15-15:30 on a trading day.
func (sc *SessionClock) WithinSession(t time.Time) bool {
	if !sc.IsTradingDay(t) {
		return false
	}
	m := minuteOfDay(t.In(sc.loc))
	return m >= minuteMarketOpen && m < minuteMarketClose
}

// CanOpenNewPosition reports whether new entries are permitted at t:
// weekday, 09:15 <= t < 15:00.
func (sc *SessionClock) CanOpenNewPosition(t time.Time) bool {
	if !sc.IsTradingDay(t) {
		return false
	}
	m := minuteOfDay(t.In(sc.loc))
	return m >= minuteMarketOpen && m < minuteNoNewEntries
}

// PastNoEntryCutoff reports whether t is at or past 15:00 IST.
func (sc *SessionClock) PastNoEntryCutoff(t time.Time) bool {
	return minuteOfDay(t.In(sc.loc)) >= minuteNoNewEntries
}

// PastSquareOffWindow reports whether t is at or past 15:15 IST.
func (sc *SessionClock) PastSquareOffWindow(t time.Time) bool {
	return minuteOfDay(t.In(sc.loc)) >= minuteSquareOffStart
}

// PastMandatoryClose reports whether t is at or past 15:20 IST.
func (sc *SessionClock) PastMandatoryClose(t time.Time) bool {
	return minuteOfDay(t.In(sc.loc)) >= minuteMandatoryClose
}

// PastMarketClose reports whether t is at or past 15:30 IST.
func (sc *SessionClock) PastMarketClose(t time.Time) bool {
	return minuteOfDay(t.In(sc.loc)) >= minuteMarketClose
}

// Phase classifies t into the time phase used by the bias engine.
func (sc *SessionClock) Phase(t time.Time) TimePhase {
	lt := t.In(sc.loc)
	if !sc.IsTradingDay(lt) {
		return PhaseClosed
	}
	m := minuteOfDay(lt)
	switch {
	case m < minuteMarketOpen:
		return PhasePreOpen
	case m < minuteOpeningEnd:
		return PhaseOpening
	case m < minuteMorningEnd:
		return PhaseMorning
	case m < minuteAfternoonEnd:
		return PhaseAfternoon
	case m < minuteMarketClose:
		return PhaseClosing
	default:
		return PhaseClosed
	}
}

// MonitorActive reports whether the position monitor should run at its
// fast cadence (09:00-16:00 IST on trading days).
func (sc *SessionClock) MonitorActive(t time.Time) bool {
	if !sc.IsTradingDay(t) {
		return false
	}
	m := minuteOfDay(t.In(sc.loc))
	return m >= 9*60 && m < 16*60
}

// TradeDate renders t's IST calendar date, used to scope cooldown keys
// and daily counters.
func (sc *SessionClock) TradeDate(t time.Time) string {
	return t.In(sc.loc).Format("2006-01-02")
}
