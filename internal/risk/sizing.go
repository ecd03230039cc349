package risk

// KellyFraction returns the half-Kelly betting fraction for the observed
// edge, capped at 25% of capital. A zero or negative payoff ratio
// denominator degrades to a flat 1% rather than dividing by zero.
func KellyFraction(winRate, avgWin, avgLoss float64) float64 {
	const (
		fallback    = 0.01
		maxFraction = 0.25
	)
	if winRate <= 0 || winRate >= 1 {
		return fallback
	}
	if avgLoss <= 0 || avgWin <= 0 {
		return fallback
	}
	b := avgWin / avgLoss
	kelly := (b*winRate - (1 - winRate)) / b
	if kelly <= 0 {
		return fallback
	}
	half := kelly / 2
	if half > maxFraction {
		return maxFraction
	}
	return half
}

// RiskPerTradeQuantity sizes a position so the loss at the stop equals
// riskPercent of capital. With no stop the risk per share defaults to 1% of
// entry.
func RiskPerTradeQuantity(capital, entry, stop, riskPercent float64) int {
	if capital <= 0 || entry <= 0 || riskPercent <= 0 {
		return 0
	}
	perShare := entry - stop
	if perShare < 0 {
		perShare = -perShare
	}
	if stop == 0 || perShare == 0 {
		perShare = entry * 0.01
	}
	qty := capital * riskPercent / 100 / perShare
	if qty < 0 {
		return 0
	}
	return int(qty)
}
