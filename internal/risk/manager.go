// Package risk enforces the hard capital-protection limits: daily loss,
// drawdown from peak, capital concentration, single-position size,
// correlated exposure and portfolio VaR. Every check fails closed.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/events"
	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/positions"
)

var (
	ErrEmergencyStop      = errors.New("emergency stop active")
	ErrDailyLossExceeded  = errors.New("daily loss limit reached")
	ErrDrawdownExceeded   = errors.New("maximum drawdown reached")
	ErrConcentration      = errors.New("capital concentration limit reached")
	ErrCorrelatedExposure = errors.New("correlated exposure limit reached")
	ErrVaRExceeded        = errors.New("portfolio VaR limit reached")
	ErrRiskCheckFailed    = errors.New("risk check failed")
)

// Config holds the risk limits. Percentages are of master capital.
type Config struct {
	MaxDailyLossPercent          float64       `json:"max_daily_loss_percent"`
	MaxDrawdownPercent           float64       `json:"max_drawdown_percent"`
	MaxConcentrationPercent      float64       `json:"max_concentration_percent"`
	MaxSinglePositionLossPercent float64       `json:"max_single_position_loss_percent"`
	SinglePositionMultiplier     float64       `json:"single_position_multiplier"`
	MaxCorrelation               float64       `json:"max_correlation"`
	MaxPortfolioVaRPercent       float64       `json:"max_portfolio_var_percent"`
	EquityMarginFactor           float64       `json:"equity_margin_factor"`
	VaRConfidenceZ               float64       `json:"var_confidence_z"`
	ReturnWindow                 int           `json:"return_window"`
	MinReturnSamples             int           `json:"min_return_samples"`
	MonitorInterval              time.Duration `json:"monitor_interval"`
}

func (c *Config) defaults() {
	if c.MaxDailyLossPercent == 0 {
		c.MaxDailyLossPercent = 2.0
	}
	if c.MaxDrawdownPercent == 0 {
		c.MaxDrawdownPercent = 5.0
	}
	if c.MaxConcentrationPercent == 0 {
		c.MaxConcentrationPercent = 95.0
	}
	if c.MaxSinglePositionLossPercent == 0 {
		c.MaxSinglePositionLossPercent = 3.0
	}
	if c.SinglePositionMultiplier == 0 {
		c.SinglePositionMultiplier = 34.0
	}
	if c.MaxCorrelation == 0 {
		c.MaxCorrelation = 0.7
	}
	if c.MaxPortfolioVaRPercent == 0 {
		c.MaxPortfolioVaRPercent = 3.0
	}
	if c.EquityMarginFactor == 0 {
		c.EquityMarginFactor = 0.25
	}
	if c.VaRConfidenceZ == 0 {
		c.VaRConfidenceZ = 1.645
	}
	if c.ReturnWindow == 0 {
		c.ReturnWindow = 60
	}
	if c.MinReturnSamples == 0 {
		c.MinReturnSamples = 10
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = 30 * time.Second
	}
}

// Status is the risk state surfaced to the control API.
type Status struct {
	TradeDate           string  `json:"trade_date"`
	Capital             float64 `json:"capital"`
	DailyRealizedPnL    float64 `json:"daily_realized_pnl"`
	DailyUnrealizedPnL  float64 `json:"daily_unrealized_pnl"`
	DailyPnL            float64 `json:"daily_pnl"`
	PeakEquity          float64 `json:"peak_equity"`
	DrawdownPercent     float64 `json:"drawdown_percent"`
	PortfolioVaRPercent float64 `json:"portfolio_var_percent"`
	Exposure            float64 `json:"exposure"`
	OpenPositions       int     `json:"open_positions"`
	TradesToday         int     `json:"trades_today"`
	EmergencyStopped    bool    `json:"emergency_stopped"`
	EmergencyReason     string  `json:"emergency_reason,omitempty"`
	LossLimitOverridden bool    `json:"loss_limit_overridden"`
}

// Manager owns the risk state for one trading day.
type Manager struct {
	cfg    Config
	clock  *market.SessionClock
	book   *positions.Tracker
	bus    *events.Bus
	logger zerolog.Logger

	mu                  sync.RWMutex
	tradeDate           string
	capital             float64
	dailyRealized       float64
	tradesToday         int
	peakEquity          float64
	lastVaRPercent      float64
	emergencyStopped    bool
	emergencyReason     string
	lossLimitOverridden bool

	prices map[string][]float64
}

func NewManager(cfg Config, clock *market.SessionClock, book *positions.Tracker, bus *events.Bus, logger zerolog.Logger) *Manager {
	cfg.defaults()
	m := &Manager{
		cfg:    cfg,
		clock:  clock,
		book:   book,
		bus:    bus,
		logger: logger.With().Str("component", "risk_manager").Logger(),
		prices: make(map[string][]float64),
	}
	m.tradeDate = clock.TradeDate(clock.Now())
	return m
}

// SetCapital updates the master capital used by portfolio-level checks.
func (m *Manager) SetCapital(capital float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capital = capital
	if equity := capital + m.dailyRealized; equity > m.peakEquity {
		m.peakEquity = equity
	}
}

// RecordRealizedPnL accumulates realized P&L from closed trades into the
// daily total.
func (m *Manager) RecordRealizedPnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyReset()
	m.dailyRealized += pnl
	m.tradesToday++
}

// DailyPnL is realized plus mark-to-market P&L for the current trade date.
func (m *Manager) DailyPnL() float64 {
	unrealized := m.book.UnrealizedPnL()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyRealized + unrealized
}

// EmergencyStopped reports whether a hard limit has latched trading off.
func (m *Manager) EmergencyStopped() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergencyStopped, m.emergencyReason
}

// OverrideLossLimit disables the daily loss gate for the rest of the day and
// releases an emergency stop that was latched by it. Deliberately loud.
func (m *Manager) OverrideLossLimit(reason string) {
	m.mu.Lock()
	m.lossLimitOverridden = true
	released := false
	if m.emergencyStopped && m.emergencyReason == triggerDailyLoss {
		m.emergencyStopped = false
		m.emergencyReason = ""
		released = true
	}
	m.mu.Unlock()

	m.logger.Error().
		Str("reason", reason).
		Bool("emergency_released", released).
		Msg("CRITICAL: daily loss limit overridden by operator")
	if m.bus != nil {
		m.bus.PublishAlert(events.Alert{
			Kind:        "risk_override",
			Severity:    events.SeverityCritical,
			Component:   "risk_manager",
			Title:       "Daily loss limit overridden",
			Description: reason,
			DailyPnL:    m.DailyPnL(),
			Timestamp:   m.clock.Now(),
		})
	}
}

// ValidateTradeRisk runs the portfolio risk gauntlet for a prospective entry
// and returns the approved quantity, which may be smaller than requested
// when the concentration or single-position cap bites. Any panic inside a
// check rejects the trade.
func (m *Manager) ValidateTradeRisk(symbol string, quantity int, price, capital float64) (approved int, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("symbol", symbol).Msg("risk check panicked, rejecting trade")
			approved, err = 0, fmt.Errorf("%w: %v", ErrRiskCheckFailed, r)
		}
	}()

	if quantity <= 0 || price <= 0 {
		return 0, fmt.Errorf("%w: quantity %d price %.2f", ErrRiskCheckFailed, quantity, price)
	}
	if capital <= 0 {
		return 0, fmt.Errorf("%w: no capital", ErrRiskCheckFailed)
	}

	m.mu.Lock()
	m.checkDailyReset()
	stopped, reason := m.emergencyStopped, m.emergencyReason
	overridden := m.lossLimitOverridden
	m.mu.Unlock()

	if stopped {
		return 0, fmt.Errorf("%w: %s", ErrEmergencyStop, reason)
	}

	dailyPnL := m.DailyPnL()
	if !overridden && dailyPnL <= -capital*m.cfg.MaxDailyLossPercent/100 {
		return 0, fmt.Errorf("%w: daily pnl %.2f", ErrDailyLossExceeded, dailyPnL)
	}
	if dd := m.drawdownPercent(capital, dailyPnL); dd > m.cfg.MaxDrawdownPercent {
		return 0, fmt.Errorf("%w: drawdown %.2f%%", ErrDrawdownExceeded, dd)
	}

	// Option premium is the whole exposure and lot sizes are exchange-fixed,
	// so options skip the equity size caps.
	if market.IsOption(symbol) {
		return quantity, nil
	}

	perShareMargin := price * m.cfg.EquityMarginFactor
	exposure := m.portfolioExposure()
	concentrationCap := capital * m.cfg.MaxConcentrationPercent / 100
	room := concentrationCap - exposure
	if room < perShareMargin {
		return 0, fmt.Errorf("%w: exposure %.2f of cap %.2f", ErrConcentration, exposure, concentrationCap)
	}
	if need := float64(quantity) * perShareMargin; need > room {
		shrunk := int(room / perShareMargin)
		m.logger.Warn().
			Str("symbol", symbol).
			Int("requested", quantity).
			Int("approved", shrunk).
			Float64("room", room).
			Msg("quantity shrunk to concentration room")
		quantity = shrunk
	}

	maxPositionValue := capital * m.cfg.MaxSinglePositionLossPercent / 100 * m.cfg.SinglePositionMultiplier
	if value := float64(quantity) * perShareMargin; value > maxPositionValue {
		shrunk := int(maxPositionValue / perShareMargin)
		if shrunk <= 0 {
			return 0, fmt.Errorf("%w: position value %.2f over cap %.2f", ErrRiskCheckFailed, value, maxPositionValue)
		}
		m.logger.Warn().
			Str("symbol", symbol).
			Int("requested", quantity).
			Int("approved", shrunk).
			Msg("quantity shrunk to single-position cap")
		quantity = shrunk
	}

	if pair, corr, bad := m.correlatedExposure(symbol); bad {
		return 0, fmt.Errorf("%w: %s vs %s corr %.2f", ErrCorrelatedExposure, symbol, pair, corr)
	}

	if varPct, ok := m.projectedVaRPercent(symbol, quantity, price, capital); ok && varPct > m.cfg.MaxPortfolioVaRPercent {
		return 0, fmt.Errorf("%w: projected VaR %.2f%%", ErrVaRExceeded, varPct)
	}

	return quantity, nil
}

// ValidateSignal runs the structural checks the decision engine delegates
// here: the emergency latch and bracket geometry. Sizing caps are applied
// later by ValidateTradeRisk.
func (m *Manager) ValidateSignal(action string, entry, stop, target float64) error {
	m.mu.RLock()
	stopped, reason := m.emergencyStopped, m.emergencyReason
	m.mu.RUnlock()
	if stopped {
		return fmt.Errorf("%w: %s", ErrEmergencyStop, reason)
	}
	if entry <= 0 {
		return fmt.Errorf("%w: entry %.2f", ErrRiskCheckFailed, entry)
	}
	switch action {
	case "BUY":
		if stop > 0 && stop >= entry {
			return fmt.Errorf("%w: BUY stop %.2f >= entry %.2f", ErrRiskCheckFailed, stop, entry)
		}
		if target > 0 && target <= entry {
			return fmt.Errorf("%w: BUY target %.2f <= entry %.2f", ErrRiskCheckFailed, target, entry)
		}
	case "SELL":
		if stop > 0 && stop <= entry {
			return fmt.Errorf("%w: SELL stop %.2f <= entry %.2f", ErrRiskCheckFailed, stop, entry)
		}
		if target > 0 && target >= entry {
			return fmt.Errorf("%w: SELL target %.2f >= entry %.2f", ErrRiskCheckFailed, target, entry)
		}
	default:
		return fmt.Errorf("%w: action %q", ErrRiskCheckFailed, action)
	}
	return nil
}

// portfolioExposure sums the margin consumed by the open book. Options count
// at full premium, equity at the intraday margin factor.
func (m *Manager) portfolioExposure() float64 {
	var total float64
	for _, p := range m.book.Snapshot() {
		total += m.positionMargin(p.Symbol, p.Quantity, p.AveragePrice)
	}
	return total
}

func (m *Manager) positionMargin(symbol string, qty int, price float64) float64 {
	if market.IsOption(symbol) {
		return float64(qty) * price
	}
	return float64(qty) * price * m.cfg.EquityMarginFactor
}

func (m *Manager) drawdownPercent(capital, dailyPnL float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	equity := capital + dailyPnL
	if equity > m.peakEquity {
		m.peakEquity = equity
	}
	if m.peakEquity <= 0 {
		return 0
	}
	return (m.peakEquity - equity) / m.peakEquity * 100
}

const (
	triggerDailyLoss   = "daily_loss_limit"
	triggerMaxDrawdown = "max_drawdown"
)

// MonitorPortfolioRisk runs one risk sweep: refresh peak equity and VaR,
// then latch the emergency stop if a hard limit is breached.
func (m *Manager) MonitorPortfolioRisk() {
	m.mu.Lock()
	m.checkDailyReset()
	capital := m.capital
	overridden := m.lossLimitOverridden
	stopped := m.emergencyStopped
	m.mu.Unlock()

	if capital <= 0 {
		return
	}

	dailyPnL := m.DailyPnL()
	dd := m.drawdownPercent(capital, dailyPnL)

	snapshot := m.book.Snapshot()
	varPct := m.portfolioVaRPercent(snapshot, capital)
	m.mu.Lock()
	m.lastVaRPercent = varPct
	m.mu.Unlock()

	if stopped {
		return
	}

	if !overridden && dailyPnL <= -capital*m.cfg.MaxDailyLossPercent/100 {
		m.triggerEmergencyStop(triggerDailyLoss, dailyPnL, dd)
		return
	}
	if dd > m.cfg.MaxDrawdownPercent {
		m.triggerEmergencyStop(triggerMaxDrawdown, dailyPnL, dd)
		return
	}
	if varPct > m.cfg.MaxPortfolioVaRPercent {
		m.logger.Warn().
			Float64("var_percent", varPct).
			Float64("cap", m.cfg.MaxPortfolioVaRPercent).
			Msg("portfolio VaR over limit")
		if m.bus != nil {
			m.bus.PublishAlert(events.Alert{
				Kind:          "var_breach",
				Severity:      events.SeverityWarning,
				Component:     "risk_manager",
				Title:         "Portfolio VaR over limit",
				Description:   fmt.Sprintf("95%% 1-day VaR at %.2f%% of capital (limit %.2f%%)", varPct, m.cfg.MaxPortfolioVaRPercent),
				DailyPnL:      dailyPnL,
				OpenPositions: len(snapshot),
				Timestamp:     m.clock.Now(),
			})
		}
	}
}

func (m *Manager) triggerEmergencyStop(trigger string, dailyPnL, drawdown float64) {
	m.mu.Lock()
	if m.emergencyStopped {
		m.mu.Unlock()
		return
	}
	m.emergencyStopped = true
	m.emergencyReason = trigger
	m.mu.Unlock()

	m.logger.Error().
		Str("trigger", trigger).
		Float64("daily_pnl", dailyPnL).
		Float64("drawdown_percent", drawdown).
		Msg("CRITICAL: emergency stop latched")
	if m.bus != nil {
		m.bus.PublishEmergencyStop(events.EmergencyStop{
			Trigger:  trigger,
			DailyPnL: dailyPnL,
			Drawdown: drawdown,
		})
	}
}

// Run executes the monitor sweep on a fixed interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.MonitorPortfolioRisk()
		}
	}
}

// checkDailyReset clears daily counters when the trade date rolls over.
// Caller must hold m.mu.
func (m *Manager) checkDailyReset() {
	today := m.clock.TradeDate(m.clock.Now())
	if m.tradeDate == today {
		return
	}
	m.logger.Info().
		Str("previous", m.tradeDate).
		Str("current", today).
		Float64("final_daily_pnl", m.dailyRealized).
		Msg("daily risk counters reset")
	m.tradeDate = today
	m.dailyRealized = 0
	m.tradesToday = 0
	m.peakEquity = m.capital
	m.emergencyStopped = false
	m.emergencyReason = ""
	m.lossLimitOverridden = false
	m.prices = make(map[string][]float64)
	m.lastVaRPercent = 0
}

// Snapshot returns the current risk state for the API and dashboards.
func (m *Manager) Snapshot() Status {
	unrealized := m.book.UnrealizedPnL()
	open := m.book.Len()
	exposure := m.portfolioExposure()

	m.mu.RLock()
	defer m.mu.RUnlock()
	equity := m.capital + m.dailyRealized + unrealized
	dd := 0.0
	if m.peakEquity > 0 {
		dd = math.Max(0, (m.peakEquity-equity)/m.peakEquity*100)
	}
	return Status{
		TradeDate:           m.tradeDate,
		Capital:             m.capital,
		DailyRealizedPnL:    m.dailyRealized,
		DailyUnrealizedPnL:  unrealized,
		DailyPnL:            m.dailyRealized + unrealized,
		PeakEquity:          m.peakEquity,
		DrawdownPercent:     dd,
		PortfolioVaRPercent: m.lastVaRPercent,
		Exposure:            exposure,
		OpenPositions:       open,
		TradesToday:         m.tradesToday,
		EmergencyStopped:    m.emergencyStopped,
		EmergencyReason:     m.emergencyReason,
		LossLimitOverridden: m.lossLimitOverridden,
	}
}
