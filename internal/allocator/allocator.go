// Package allocator splits one approved signal into per-user quantities
// proportional to capital times performance weight, subject to margin,
// rotation and per-user caps.
package allocator

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/strategy"
	"zerodha-trading-engine/internal/users"
)

var ErrNoEligibleUsers = errors.New("no eligible users for allocation")

// ErrStrategyBenched rejects the whole signal when the strategy's weight is
// under the floor.
var ErrStrategyBenched = errors.New("strategy weight below allocation floor")

// StrategyWeightSource supplies per-strategy allocation weights in [0, 1].
type StrategyWeightSource interface {
	StrategyWeight(name string) float64
}

// Allocation is one user's slice of an approved signal.
type Allocation struct {
	UserID   string  `json:"user_id"`
	Quantity int     `json:"quantity"`
	Share    float64 `json:"share"`
}

// Record is handed to the async learning hook after allocations are emitted.
type Record struct {
	Signal      strategy.Signal
	Allocations []Allocation
	At          time.Time
}

// Config tunes the pipeline. TTLs follow the cache they guard.
type Config struct {
	MinStrategyWeight      float64       `json:"min_strategy_weight"`
	MinTradeInterval       time.Duration `json:"min_trade_interval"`
	TopByMargin            int           `json:"top_by_margin"`
	MaxUsers               int           `json:"max_users"`
	MaxUserPositionPercent float64       `json:"max_user_position_percent"`
	EquityMarginFactor     float64       `json:"equity_margin_factor"`
	RefreshInterval        time.Duration `json:"refresh_interval"`
	StrategyWeightTTL      time.Duration `json:"strategy_weight_ttl"`
	UserWeightTTL          time.Duration `json:"user_weight_ttl"`
	RankingTTL             time.Duration `json:"ranking_ttl"`
	ShareTTL               time.Duration `json:"share_ttl"`
}

func (c *Config) defaults() {
	if c.MinStrategyWeight == 0 {
		c.MinStrategyWeight = 0.3
	}
	if c.MinTradeInterval == 0 {
		c.MinTradeInterval = 300 * time.Second
	}
	if c.TopByMargin == 0 {
		c.TopByMargin = 20
	}
	if c.MaxUsers == 0 {
		c.MaxUsers = 10
	}
	if c.MaxUserPositionPercent == 0 {
		c.MaxUserPositionPercent = 10
	}
	if c.EquityMarginFactor == 0 {
		c.EquityMarginFactor = 0.25
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 60 * time.Second
	}
	if c.StrategyWeightTTL == 0 {
		c.StrategyWeightTTL = 5 * time.Minute
	}
	if c.UserWeightTTL == 0 {
		c.UserWeightTTL = time.Hour
	}
	if c.RankingTTL == 0 {
		c.RankingTTL = time.Minute
	}
	if c.ShareTTL == 0 {
		c.ShareTTL = 5 * time.Minute
	}
}

type cached[T any] struct {
	value T
	at    time.Time
}

func (c *cached[T]) fresh(now time.Time, ttl time.Duration) bool {
	return !c.at.IsZero() && now.Sub(c.at) < ttl
}

// Allocator owns the caches and the background refresher. The refresher is
// started lazily on first use; construction happens before any run loop
// exists.
type Allocator struct {
	cfg      Config
	registry *users.Registry
	weights  StrategyWeightSource
	clock    *market.SessionClock
	logger   zerolog.Logger

	mu              sync.RWMutex
	strategyWeights cached[map[string]float64]
	userWeights     cached[map[string]float64]
	rankings        cached[[]users.Account]
	shares          cached[map[string]float64]

	startOnce sync.Once
	records   chan Record
	recordFn  func(context.Context, Record)
}

func New(cfg Config, registry *users.Registry, weights StrategyWeightSource, clock *market.SessionClock, logger zerolog.Logger) *Allocator {
	cfg.defaults()
	return &Allocator{
		cfg:      cfg,
		registry: registry,
		weights:  weights,
		clock:    clock,
		logger:   logger.With().Str("component", "trade_allocator").Logger(),
		records:  make(chan Record, 64),
	}
}

// SetRecordFunc installs the async learning hook. Must be called before the
// first Allocate.
func (a *Allocator) SetRecordFunc(fn func(context.Context, Record)) {
	a.recordFn = fn
}

// Allocate splits approvedQty of sig across eligible users. The background
// cache refresher starts on the first call.
func (a *Allocator) Allocate(ctx context.Context, sig strategy.Signal, approvedQty int, price float64) ([]Allocation, error) {
	a.startOnce.Do(func() { go a.refreshLoop(ctx) })

	if approvedQty <= 0 || price <= 0 {
		return nil, ErrNoEligibleUsers
	}
	now := a.clock.Now()

	sw := a.strategyWeight(sig.Strategy, now)
	if sw < a.cfg.MinStrategyWeight {
		return nil, ErrStrategyBenched
	}

	perUnit := a.unitMargin(sig.Symbol, price)
	candidates := a.eligible(now, perUnit)
	if len(candidates) == 0 {
		return a.fallback(sig, approvedQty, price, perUnit, now)
	}

	shares := a.userShares(now)
	allocations := make([]Allocation, 0, len(candidates))
	remaining := approvedQty
	for _, u := range candidates {
		if remaining <= 0 {
			break
		}
		share := shares[u.UserID]
		if share <= 0 {
			continue
		}
		qty := int(math.Round(float64(remaining) * share * sw))
		qty = a.capForUser(u, qty, price, perUnit)
		if qty <= 0 {
			continue
		}
		allocations = append(allocations, Allocation{UserID: u.UserID, Quantity: qty, Share: share})
		remaining -= qty
	}

	if len(allocations) == 0 {
		return a.fallback(sig, approvedQty, price, perUnit, now)
	}

	for _, al := range allocations {
		a.registry.RecordTrade(al.UserID, now)
	}
	a.recordAsync(Record{Signal: sig, Allocations: allocations, At: now})
	return allocations, nil
}

// eligible builds the candidate set: top N by available margin, rotation
// and capital filters applied, affordability enforced, capped to MaxUsers.
func (a *Allocator) eligible(now time.Time, perUnit float64) []users.Account {
	ranked := a.rankedByMargin(now)
	if len(ranked) > a.cfg.TopByMargin {
		ranked = ranked[:a.cfg.TopByMargin]
	}
	out := make([]users.Account, 0, len(ranked))
	for _, u := range ranked {
		if u.Capital <= 0 {
			continue
		}
		if !u.LastTradeAt.IsZero() && now.Sub(u.LastTradeAt) < a.cfg.MinTradeInterval {
			continue
		}
		if u.AvailableMargin < perUnit {
			continue
		}
		out = append(out, u)
		if len(out) == a.cfg.MaxUsers {
			break
		}
	}
	return out
}

// capForUser applies the 10%-of-capital position cap and the user's
// available margin.
func (a *Allocator) capForUser(u users.Account, qty int, price float64, perUnit float64) int {
	if perUnit <= 0 {
		return 0
	}
	if maxByCapital := int(u.Capital * a.cfg.MaxUserPositionPercent / 100 / perUnit); qty > maxByCapital {
		qty = maxByCapital
	}
	if maxByMargin := int(u.AvailableMargin / perUnit); qty > maxByMargin {
		qty = maxByMargin
	}
	return qty
}

// fallback allocates the whole signal to the single highest-margin eligible
// user when the share pipeline yields nothing.
func (a *Allocator) fallback(sig strategy.Signal, approvedQty int, price, perUnit float64, now time.Time) ([]Allocation, error) {
	var best *users.Account
	for _, u := range a.registry.Enabled() {
		if u.Capital <= 0 || u.AvailableMargin < perUnit {
			continue
		}
		if best == nil || u.AvailableMargin > best.AvailableMargin {
			copyU := u
			best = &copyU
		}
	}
	if best == nil {
		return nil, ErrNoEligibleUsers
	}
	qty := a.capForUser(*best, approvedQty, price, perUnit)
	if qty <= 0 {
		return nil, ErrNoEligibleUsers
	}
	a.logger.Warn().
		Str("user_id", best.UserID).
		Str("symbol", sig.Symbol).
		Int("quantity", qty).
		Msg("fallback single-user allocation")
	al := []Allocation{{UserID: best.UserID, Quantity: qty, Share: 1.0}}
	a.registry.RecordTrade(best.UserID, now)
	a.recordAsync(Record{Signal: sig, Allocations: al, At: now})
	return al, nil
}

func (a *Allocator) unitMargin(symbol string, price float64) float64 {
	if market.IsOption(symbol) {
		return price
	}
	return price * a.cfg.EquityMarginFactor
}

// strategyWeight reads through the 5-minute cache.
func (a *Allocator) strategyWeight(name string, now time.Time) float64 {
	a.mu.RLock()
	if a.strategyWeights.fresh(now, a.cfg.StrategyWeightTTL) {
		if w, ok := a.strategyWeights.value[name]; ok {
			a.mu.RUnlock()
			return w
		}
	}
	a.mu.RUnlock()

	w := 1.0
	if a.weights != nil {
		w = a.weights.StrategyWeight(name)
	}
	a.mu.Lock()
	if !a.strategyWeights.fresh(now, a.cfg.StrategyWeightTTL) {
		a.strategyWeights = cached[map[string]float64]{value: make(map[string]float64), at: now}
	}
	a.strategyWeights.value[name] = w
	a.mu.Unlock()
	return w
}

// rankedByMargin reads through the 1-minute ranking cache.
func (a *Allocator) rankedByMargin(now time.Time) []users.Account {
	a.mu.RLock()
	if a.rankings.fresh(now, a.cfg.RankingTTL) {
		out := a.rankings.value
		a.mu.RUnlock()
		return out
	}
	a.mu.RUnlock()

	ranked := a.registry.Enabled()
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].AvailableMargin > ranked[j].AvailableMargin })

	a.mu.Lock()
	a.rankings = cached[[]users.Account]{value: ranked, at: now}
	a.mu.Unlock()
	return ranked
}

// userShares reads through the 5-minute share cache. Shares are normalized
// capital*weight over all enabled users.
func (a *Allocator) userShares(now time.Time) map[string]float64 {
	a.mu.RLock()
	if a.shares.fresh(now, a.cfg.ShareTTL) {
		out := a.shares.value
		a.mu.RUnlock()
		return out
	}
	a.mu.RUnlock()

	weights := a.performanceWeights(now)
	enabled := a.registry.Enabled()
	shares := make(map[string]float64, len(enabled))
	var total float64
	for _, u := range enabled {
		if u.Capital <= 0 {
			continue
		}
		w := weights[u.UserID]
		if w == 0 {
			w = 1
		}
		shares[u.UserID] = u.Capital * w
		total += u.Capital * w
	}
	if total > 0 {
		for id := range shares {
			shares[id] /= total
		}
	}

	a.mu.Lock()
	a.shares = cached[map[string]float64]{value: shares, at: now}
	a.mu.Unlock()
	return shares
}

// performanceWeights reads through the 1-hour weight cache.
func (a *Allocator) performanceWeights(now time.Time) map[string]float64 {
	a.mu.RLock()
	if a.userWeights.fresh(now, a.cfg.UserWeightTTL) {
		out := a.userWeights.value
		a.mu.RUnlock()
		return out
	}
	a.mu.RUnlock()

	weights := make(map[string]float64)
	for _, u := range a.registry.Enabled() {
		weights[u.UserID] = u.PerformanceWeight
	}
	a.mu.Lock()
	a.userWeights = cached[map[string]float64]{value: weights, at: now}
	a.mu.Unlock()
	return weights
}

// refreshLoop re-primes every cache on a fixed interval and drains the
// async record channel.
func (a *Allocator) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-a.records:
			if a.recordFn != nil {
				a.recordFn(ctx, rec)
			}
		case <-ticker.C:
			a.refreshCaches()
		}
	}
}

func (a *Allocator) refreshCaches() {
	now := a.clock.Now()
	a.mu.Lock()
	a.rankings.at = time.Time{}
	a.shares.at = time.Time{}
	a.userWeights.at = time.Time{}
	names := make([]string, 0, len(a.strategyWeights.value))
	for name := range a.strategyWeights.value {
		names = append(names, name)
	}
	a.strategyWeights.at = time.Time{}
	a.mu.Unlock()

	a.rankedByMargin(now)
	a.userShares(now)
	for _, name := range names {
		a.strategyWeight(name, now)
	}
}

// recordAsync hands the record to the learning hook without ever blocking
// the allocation path.
func (a *Allocator) recordAsync(rec Record) {
	select {
	case a.records <- rec:
	default:
		a.logger.Debug().Msg("allocation record dropped, channel full")
	}
}
