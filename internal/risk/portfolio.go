package risk

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/positions"
)

// ObserveQuotes feeds the latest marks into the per-symbol price history
// used for correlation and VaR. The engine calls this once per tick batch.
func (m *Manager) ObserveQuotes(snapshot map[string]market.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyReset()
	for sym, q := range snapshot {
		if q.LTP <= 0 {
			continue
		}
		hist := append(m.prices[sym], q.LTP)
		if max := m.cfg.ReturnWindow + 1; len(hist) > max {
			hist = hist[len(hist)-max:]
		}
		m.prices[sym] = hist
	}
}

// returnsFor converts the stored price history into simple returns.
// Caller must hold m.mu.
func (m *Manager) returnsFor(symbol string) []float64 {
	prices := m.prices[symbol]
	if len(prices) < 2 {
		return nil
	}
	rets := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		rets = append(rets, prices[i]/prices[i-1]-1)
	}
	return rets
}

// correlatedExposure checks the candidate's return series against every open
// position. The first pair over the correlation cap rejects the trade.
// Symbols without enough history are skipped rather than guessed at.
func (m *Manager) correlatedExposure(candidate string) (string, float64, bool) {
	open := m.book.Snapshot()
	if len(open) == 0 {
		return "", 0, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	candRets := m.returnsFor(candidate)
	if len(candRets) < m.cfg.MinReturnSamples {
		return "", 0, false
	}

	for _, p := range open {
		if p.Symbol == candidate {
			continue
		}
		openRets := m.returnsFor(p.Symbol)
		if len(openRets) < m.cfg.MinReturnSamples {
			continue
		}
		a, b := alignTails(candRets, openRets)
		corr := stat.Correlation(a, b, nil)
		if math.IsNaN(corr) {
			continue
		}
		if corr > m.cfg.MaxCorrelation {
			return p.Symbol, corr, true
		}
	}
	return "", 0, false
}

// alignTails trims both series to their common most-recent length.
func alignTails(a, b []float64) ([]float64, []float64) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	return a[len(a)-n:], b[len(b)-n:]
}

type varLeg struct {
	weight  float64
	returns []float64
}

// projectedVaRPercent estimates the 1-day parametric VaR of the book plus
// the candidate entry, as a percent of capital. ok is false when too little
// return history exists to say anything.
func (m *Manager) projectedVaRPercent(symbol string, qty int, price, capital float64) (float64, bool) {
	legs := m.varLegs(m.book.Snapshot(), capital)
	candMargin := m.positionMargin(symbol, qty, price)

	m.mu.RLock()
	candRets := m.returnsFor(symbol)
	m.mu.RUnlock()
	if len(candRets) >= m.cfg.MinReturnSamples && capital > 0 {
		legs = append(legs, varLeg{weight: candMargin / capital, returns: candRets})
	}
	if len(legs) == 0 {
		return 0, false
	}
	return m.parametricVaR(legs), true
}

func (m *Manager) portfolioVaRPercent(snapshot []positions.Position, capital float64) float64 {
	legs := m.varLegs(snapshot, capital)
	if len(legs) == 0 {
		return 0
	}
	return m.parametricVaR(legs)
}

func (m *Manager) varLegs(snapshot []positions.Position, capital float64) []varLeg {
	if capital <= 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	legs := make([]varLeg, 0, len(snapshot))
	for _, p := range snapshot {
		rets := m.returnsFor(p.Symbol)
		if len(rets) < m.cfg.MinReturnSamples {
			continue
		}
		margin := m.positionMargin(p.Symbol, p.Quantity, p.AveragePrice)
		legs = append(legs, varLeg{weight: margin / capital, returns: rets})
	}
	return legs
}

// parametricVaR is the variance-covariance VaR: z * sqrt(w' Σ w), returned
// as a percent of capital. Series are aligned to the shortest tail before
// the covariance terms are computed pairwise.
func (m *Manager) parametricVaR(legs []varLeg) float64 {
	minLen := legs[0].returns
	for _, l := range legs[1:] {
		if len(l.returns) < len(minLen) {
			minLen = l.returns
		}
	}
	n := len(minLen)
	if n < 2 {
		return 0
	}
	aligned := make([][]float64, len(legs))
	for i, l := range legs {
		aligned[i] = l.returns[len(l.returns)-n:]
	}

	var variance float64
	for i := range legs {
		for j := range legs {
			cov := stat.Covariance(aligned[i], aligned[j], nil)
			variance += legs[i].weight * legs[j].weight * cov
		}
	}
	if variance <= 0 {
		return 0
	}
	return m.cfg.VaRConfidenceZ * math.Sqrt(variance) * 100
}
