package enhancer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/store"
	"zerodha-trading-engine/internal/strategy"
)

// Rejection reasons reported by Check.
const (
	ReasonPositionOpen     = "position_open"
	ReasonPostExitCooldown = "post_exit_cooldown"
	ReasonDuplicateSignal  = "duplicate_signal"
)

// OpenBook is the slice of the position tracker the deduplicator needs.
type OpenBook interface {
	Has(symbol string) bool
}

// DedupConfig tunes the suppression windows.
type DedupConfig struct {
	FingerprintWindow time.Duration `json:"fingerprint_window"`
	PostExitCooldown  time.Duration `json:"post_exit_cooldown"`
}

func (c *DedupConfig) defaults() {
	if c.FingerprintWindow == 0 {
		c.FingerprintWindow = 5 * time.Minute
	}
	if c.PostExitCooldown == 0 {
		c.PostExitCooldown = 10 * time.Minute
	}
}

// Deduplicator suppresses repeat signals: an identical fingerprint inside
// the window, any signal for a symbol with an open position, and any signal
// for a symbol inside its post-exit cooldown. Cooldowns live in the shared
// store under date-scoped keys so they survive a restart.
type Deduplicator struct {
	cfg    DedupConfig
	book   OpenBook
	shared store.SharedStore
	clock  *market.SessionClock
	logger zerolog.Logger

	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
}

func NewDeduplicator(cfg DedupConfig, book OpenBook, shared store.SharedStore, clock *market.SessionClock, logger zerolog.Logger) *Deduplicator {
	cfg.defaults()
	return &Deduplicator{
		cfg:    cfg,
		book:   book,
		shared: shared,
		clock:  clock,
		logger: logger.With().Str("component", "signal_dedup").Logger(),
		seen:   make(map[string]time.Time),
	}
}

// fingerprint identifies a signal by what it would do, not when it was
// generated: action, entry rounded to the paisa, strategy.
func fingerprint(sig strategy.Signal) string {
	return fmt.Sprintf("%s|%s|%.2f|%s", sig.Symbol, sig.Action, sig.EntryPrice, sig.Strategy)
}

// Check reports whether sig may proceed. The reason is empty on acceptance.
func (d *Deduplicator) Check(ctx context.Context, sig strategy.Signal) (bool, string) {
	if d.book != nil && d.book.Has(sig.Symbol) {
		return false, ReasonPositionOpen
	}
	if d.InCooldown(ctx, sig.Symbol) {
		return false, ReasonPostExitCooldown
	}

	now := d.clock.Now()
	fp := fingerprint(sig)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(now)
	if at, ok := d.seen[fp]; ok && now.Sub(at) < d.cfg.FingerprintWindow {
		return false, ReasonDuplicateSignal
	}
	return true, ""
}

// MarkAccepted records the fingerprint of a signal that opened a position.
// Called only after the tracker update so the suppression state never runs
// ahead of the book.
func (d *Deduplicator) MarkAccepted(sig strategy.Signal) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[fingerprint(sig)] = now
}

// pruneLocked drops expired fingerprints at most once per window.
func (d *Deduplicator) pruneLocked(now time.Time) {
	if now.Sub(d.lastPrune) < d.cfg.FingerprintWindow {
		return
	}
	d.lastPrune = now
	for fp, at := range d.seen {
		if now.Sub(at) >= d.cfg.FingerprintWindow {
			delete(d.seen, fp)
		}
	}
}

// SetPostExitCooldown blocks re-entry on symbol for the cooldown window.
// The key carries the trade date, so a cooldown never leaks into the next
// session even if the TTL outlives it.
func (d *Deduplicator) SetPostExitCooldown(ctx context.Context, symbol string) {
	now := d.clock.Now()
	key := store.PostExitCooldownKey(d.clock.TradeDate(now), symbol)
	if err := d.shared.Set(ctx, key, now.Format(time.RFC3339), d.cfg.PostExitCooldown); err != nil {
		d.logger.Warn().Err(err).Str("symbol", symbol).Msg("cooldown write failed")
	}
}

// InCooldown reports whether symbol is inside its post-exit window.
func (d *Deduplicator) InCooldown(ctx context.Context, symbol string) bool {
	key := store.PostExitCooldownKey(d.clock.TradeDate(d.clock.Now()), symbol)
	ok, err := d.shared.Exists(ctx, key)
	if err != nil {
		d.logger.Warn().Err(err).Str("symbol", symbol).Msg("cooldown read failed")
		return false
	}
	return ok
}
