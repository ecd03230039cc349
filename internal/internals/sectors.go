package internals

import (
	"sort"

	"zerodha-trading-engine/internal/market"
)

// NSE large-cap sector membership used for rotation analysis. Coverage is
// deliberately the liquid names the watchlist actually carries.
var sectorMembers = map[string][]string{
	"BANKING": {"HDFCBANK", "ICICIBANK", "SBIN", "KOTAKBANK", "AXISBANK"},
	"IT":      {"TCS", "INFY", "WIPRO", "HCLTECH", "TECHM"},
	"AUTO":    {"MARUTI", "TATAMOTORS", "M&M", "BAJAJ-AUTO", "EICHERMOT"},
	"METALS":  {"TATASTEEL", "JSWSTEEL", "HINDALCO", "VEDL", "COALINDIA"},
	"FMCG":    {"HINDUNILVR", "ITC", "NESTLEIND", "BRITANNIA", "DABUR"},
	"PHARMA":  {"SUNPHARMA", "DRREDDY", "CIPLA", "DIVISLAB", "APOLLOHOSP"},
	"ENERGY":  {"RELIANCE", "ONGC", "NTPC", "POWERGRID", "BPCL"},
	"FINANCE": {"BAJFINANCE", "BAJAJFINSV", "HDFCLIFE", "SBILIFE", "LICI"},
}

var cyclicalSectors = map[string]bool{
	"BANKING": true,
	"AUTO":    true,
	"METALS":  true,
	"ENERGY":  true,
	"FINANCE": true,
}

var defensiveSectors = map[string]bool{
	"IT":     true,
	"FMCG":   true,
	"PHARMA": true,
}

// leadershipThreshold is the average sector move that counts as leadership.
const leadershipThreshold = 0.3

// computeSectorRotation averages change-percent per sector and flags
// cyclical versus defensive leadership.
func (a *Analyzer) computeSectorRotation(snapshot map[string]market.Quote) SectorRotation {
	rot := SectorRotation{SectorChanges: make(map[string]float64, len(sectorMembers))}

	type ranked struct {
		sector string
		change float64
	}
	var ranks []ranked

	for sector, members := range sectorMembers {
		var sum float64
		var count int
		for _, sym := range members {
			if q, ok := snapshot[sym]; ok {
				sum += q.ChangePercent
				count++
			}
		}
		if count == 0 {
			continue
		}
		avg := sum / float64(count)
		rot.SectorChanges[sector] = avg
		ranks = append(ranks, ranked{sector, avg})
	}

	if len(ranks) == 0 {
		return rot
	}

	sort.Slice(ranks, func(i, j int) bool { return ranks[i].change > ranks[j].change })
	for i := 0; i < len(ranks) && i < 3; i++ {
		rot.Leaders = append(rot.Leaders, ranks[i].sector)
	}

	top := ranks[0]
	if top.change >= leadershipThreshold {
		rot.CyclicalLeadership = cyclicalSectors[top.sector]
		rot.DefensiveLeadership = defensiveSectors[top.sector]
	}
	return rot
}

// WatchedSymbols returns every symbol the sector map references, handy for
// building the default watchlist.
func WatchedSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, members := range sectorMembers {
		for _, sym := range members {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	sort.Strings(out)
	return out
}
