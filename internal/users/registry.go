// Package users keeps the trading account roster: the master account that
// executes at the broker plus any follower accounts that receive pro-rata
// allocations as bookkeeping.
package users

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/broker"
)

var (
	ErrUnknownUser   = errors.New("unknown user")
	ErrDuplicateUser = errors.New("user already registered")
	ErrNoMaster      = errors.New("no master account registered")
)

// refreshFloor throttles per-user capital refreshes against the broker.
const refreshFloor = 60 * time.Second

// Account is one trading account tracked by the allocator.
type Account struct {
	UserID            string    `json:"user_id"`
	Capital           float64   `json:"capital"`
	AvailableMargin   float64   `json:"available_margin"`
	LastTradeAt       time.Time `json:"last_trade_at"`
	PerformanceWeight float64   `json:"performance_weight"`
	IsMaster          bool      `json:"is_master"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"created_at"`
}

type record struct {
	acct        Account
	handle      broker.Broker
	lastRefresh time.Time
}

// Registry is the concurrency-safe account roster.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]*record
	master string

	now    func() time.Time
	logger zerolog.Logger
}

func NewRegistry(logger zerolog.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		users:  make(map[string]*record),
		now:    now,
		logger: logger.With().Str("component", "user_registry").Logger(),
	}
}

// Add registers an account. handle may be nil for follower accounts whose
// orders are bookkeeping only; they fall back to the master's broker.
func (r *Registry) Add(acct Account, handle broker.Broker) error {
	if acct.UserID == "" {
		return ErrUnknownUser
	}
	if acct.PerformanceWeight < 0 {
		acct.PerformanceWeight = 0
	}
	if acct.PerformanceWeight > 2 {
		acct.PerformanceWeight = 2
	}
	if acct.PerformanceWeight == 0 {
		acct.PerformanceWeight = 1
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[acct.UserID]; ok {
		return ErrDuplicateUser
	}
	if acct.IsMaster {
		if r.master != "" {
			return errors.New("master account already registered")
		}
		r.master = acct.UserID
	}
	r.users[acct.UserID] = &record{acct: acct, handle: handle}
	r.logger.Info().
		Str("user_id", acct.UserID).
		Bool("master", acct.IsMaster).
		Float64("capital", acct.Capital).
		Msg("account registered")
	return nil
}

// Get returns a copy of one account.
func (r *Registry) Get(userID string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.users[userID]
	if !ok {
		return Account{}, false
	}
	return rec.acct, true
}

// Master returns the executing account.
func (r *Registry) Master() (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.master == "" {
		return Account{}, false
	}
	return r.users[r.master].acct, true
}

// BrokerFor resolves the broker handle used to execute for userID, falling
// back to the master's handle for bookkeeping-only accounts.
func (r *Registry) BrokerFor(userID string) (broker.Broker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.users[userID]
	if ok && rec.handle != nil {
		return rec.handle, nil
	}
	if r.master == "" {
		return nil, ErrNoMaster
	}
	m := r.users[r.master]
	if m.handle == nil {
		return nil, ErrNoMaster
	}
	return m.handle, nil
}

// HasOwnBroker reports whether userID carries its own broker session.
// Accounts without one are bookkeeping followers: their allocations are
// recorded but never submitted to a venue.
func (r *Registry) HasOwnBroker(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.users[userID]
	return ok && rec.handle != nil
}

// Enabled returns copies of all enabled accounts, sorted by user ID.
func (r *Registry) Enabled() []Account {
	r.mu.RLock()
	out := make([]Account, 0, len(r.users))
	for _, rec := range r.users {
		if rec.acct.Enabled {
			out = append(out, rec.acct)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// TotalCapital sums capital across enabled accounts.
func (r *Registry) TotalCapital() float64 {
	var total float64
	for _, a := range r.Enabled() {
		total += a.Capital
	}
	return total
}

// MasterCapital is the executing account's capital, used for risk caps.
func (r *Registry) MasterCapital() float64 {
	m, ok := r.Master()
	if !ok {
		return 0
	}
	return m.Capital
}

// RecordTrade stamps last_trade_at after an allocation is executed.
func (r *Registry) RecordTrade(userID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.users[userID]; ok {
		rec.acct.LastTradeAt = at
	}
}

// ApplyRealizedPnL adjusts in-memory capital after a round trip, pending the
// next broker refresh.
func (r *Registry) ApplyRealizedPnL(userID string, pnl float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.users[userID]; ok {
		rec.acct.Capital += pnl
		rec.acct.AvailableMargin += pnl
	}
}

// SetPerformanceWeight updates the allocation weight, clamped to [0, 2].
func (r *Registry) SetPerformanceWeight(userID string, weight float64) error {
	if weight < 0 {
		weight = 0
	}
	if weight > 2 {
		weight = 2
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.users[userID]
	if !ok {
		return ErrUnknownUser
	}
	rec.acct.PerformanceWeight = weight
	return nil
}

// SetEnabled flips an account in or out of the allocation pool.
func (r *Registry) SetEnabled(userID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.users[userID]
	if !ok {
		return ErrUnknownUser
	}
	rec.acct.Enabled = enabled
	return nil
}

// RefreshCapital pulls fresh margins from the account's broker. Calls within
// 60s of the previous successful refresh are skipped so the roster never
// hammers the margins endpoint.
func (r *Registry) RefreshCapital(ctx context.Context, userID string) error {
	r.mu.RLock()
	rec, ok := r.users[userID]
	if !ok {
		r.mu.RUnlock()
		return ErrUnknownUser
	}
	last := rec.lastRefresh
	r.mu.RUnlock()

	if !last.IsZero() && r.now().Sub(last) < refreshFloor {
		return nil
	}

	h, err := r.BrokerFor(userID)
	if err != nil {
		return err
	}
	margins, err := h.GetMargins(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok = r.users[userID]
	if !ok {
		return ErrUnknownUser
	}
	rec.acct.Capital = margins.Net
	rec.acct.AvailableMargin = margins.AvailableCash
	rec.lastRefresh = r.now()
	r.logger.Debug().
		Str("user_id", userID).
		Float64("capital", margins.Net).
		Float64("available", margins.AvailableCash).
		Msg("capital refreshed")
	return nil
}

// RefreshAll refreshes every enabled account, logging failures instead of
// aborting the sweep.
func (r *Registry) RefreshAll(ctx context.Context) {
	for _, a := range r.Enabled() {
		if err := r.RefreshCapital(ctx, a.UserID); err != nil {
			r.logger.Warn().Err(err).Str("user_id", a.UserID).Msg("capital refresh failed")
		}
	}
}
