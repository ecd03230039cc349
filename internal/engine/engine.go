// Package engine is the composition root. It builds the trading pipeline
// out of the domain components, sequences their lifecycles, and exposes the
// narrow control surface the operator API drives. Nothing here is a
// singleton; main constructs exactly one Engine and hands it a context.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/allocator"
	"zerodha-trading-engine/internal/api"
	"zerodha-trading-engine/internal/bias"
	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/database"
	"zerodha-trading-engine/internal/decision"
	"zerodha-trading-engine/internal/enhancer"
	"zerodha-trading-engine/internal/events"
	"zerodha-trading-engine/internal/feed"
	"zerodha-trading-engine/internal/internals"
	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/metrics"
	"zerodha-trading-engine/internal/monitor"
	"zerodha-trading-engine/internal/orders"
	"zerodha-trading-engine/internal/positions"
	"zerodha-trading-engine/internal/risk"
	"zerodha-trading-engine/internal/store"
	"zerodha-trading-engine/internal/strategy"
	"zerodha-trading-engine/internal/users"
)

// Engine states reported through the control API.
const (
	StateStopped = "STOPPED"
	StateRunning = "RUNNING"
	StatePaused  = "PAUSED"
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
	ErrNotPaused      = errors.New("engine not paused")

	// ErrEmergencyStop is returned by Run when the session ended with the
	// risk manager's emergency stop latched. main maps it to exit code 2.
	ErrEmergencyStop = errors.New("emergency stop latched")
)

// Config carries the engine's own cadence knobs plus the sub-configs for
// every component it constructs. Zero values fall back to safe defaults.
type Config struct {
	PaperTrading        bool          `json:"paper_trading"`
	Watchlist           []string      `json:"watchlist"`
	EnabledStrategies   []string      `json:"enabled_strategies"` // empty enables all built-ins
	ScanInterval        time.Duration `json:"scan_interval"`
	AnalysisDebounce    time.Duration `json:"analysis_debounce"`
	FeedGapThreshold    time.Duration `json:"feed_gap_threshold"`
	ShutdownTimeout     time.Duration `json:"shutdown_timeout"`
	FlatCloseOnShutdown bool          `json:"flat_close_on_shutdown"`
	WarmupSymbols       int           `json:"warmup_symbols"` // top-of-watchlist slice warmed at 09:15

	Internals internals.Config            `json:"internals"`
	Bias      bias.Config                 `json:"bias"`
	Enhancer  enhancer.Config             `json:"enhancer"`
	Dedup     enhancer.DedupConfig        `json:"dedup"`
	Decision  decision.Config             `json:"decision"`
	Risk      risk.Config                 `json:"risk"`
	Allocator allocator.Config            `json:"allocator"`
	Monitor   monitor.Config              `json:"monitor"`
	Pool      strategy.PoolConfig         `json:"pool"`
	Momentum  strategy.MomentumConfig     `json:"momentum"`
	ORB       strategy.ORBConfig          `json:"orb"`
	Scalp     strategy.ScalpConfig        `json:"scalp"`
	VWAP      strategy.VWAPReversionConfig `json:"vwap_reversion"`
}

func (c *Config) defaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 15 * time.Second
	}
	if c.AnalysisDebounce <= 0 {
		c.AnalysisDebounce = time.Second
	}
	if c.FeedGapThreshold <= 0 {
		c.FeedGapThreshold = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.WarmupSymbols <= 0 {
		c.WarmupSymbols = 50
	}
	if len(c.Pool.Watchlist) == 0 {
		c.Pool.Watchlist = c.Watchlist
	}
}

// Deps are the externally owned collaborators: main picks the venue and
// feed (paper or live), the shared store, and the persistence repository.
// The quote cache is injected because the paper broker fills against the
// same cache. Repo may be nil; persistence is then skipped with a warning.
type Deps struct {
	Venue    broker.Broker
	Feed     feed.Feed
	Quotes   *market.QuoteCache
	Shared   store.SharedStore
	Repo     *database.Repository
	Registry *users.Registry
	Bus      *events.Bus
	Metrics  *metrics.Registry
	Clock    *market.SessionClock
	Logger   zerolog.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Venue == nil:
		return errors.New("engine: nil venue broker")
	case d.Feed == nil:
		return errors.New("engine: nil feed")
	case d.Quotes == nil:
		return errors.New("engine: nil quote cache")
	case d.Shared == nil:
		return errors.New("engine: nil shared store")
	case d.Registry == nil:
		return errors.New("engine: nil user registry")
	case d.Bus == nil:
		return errors.New("engine: nil event bus")
	case d.Metrics == nil:
		return errors.New("engine: nil metrics registry")
	case d.Clock == nil:
		return errors.New("engine: nil session clock")
	}
	return nil
}

// Engine owns the full pipeline: feed, analysis, strategy scanning, the
// signal gauntlet, order flow, and the exit monitor.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	clock    *market.SessionClock
	bus      *events.Bus
	metrics  *metrics.Registry
	venue    broker.Broker
	feed     feed.Feed
	shared   store.SharedStore
	repo     *database.Repository
	registry *users.Registry

	quotes   *market.QuoteCache
	book     *positions.Tracker
	analyzer *internals.Analyzer
	bias     *bias.Engine
	pool     *strategy.Pool
	enhancer *enhancer.Enhancer
	dedup    *enhancer.Deduplicator
	gate     *decision.Engine
	risk     *risk.Manager
	alloc    *allocator.Allocator
	orders   *orders.Manager
	monitor  *monitor.Monitor

	mu            sync.RWMutex
	state         string
	startedAt     time.Time
	lastTick      time.Time
	feedHealthy   bool
	lastInternals internals.MarketInternals
	openCapital   map[string]float64
}

// New wires the pipeline. Components that publish events get the shared
// bus; components that trade get the venue broker main selected.
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.defaults()
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if len(cfg.Watchlist) == 0 {
		return nil, errors.New("engine: empty watchlist")
	}

	logger := deps.Logger.With().Str("component", "engine").Logger()

	quotes := deps.Quotes
	book := positions.NewTracker(deps.Bus, deps.Logger, deps.Clock.Now)
	analyzer := internals.NewAnalyzer(cfg.Internals, deps.Venue, deps.Clock, deps.Logger)
	biasEng := bias.NewEngine(cfg.Bias, deps.Clock, deps.Shared, deps.Bus, deps.Logger)
	enh := enhancer.New(cfg.Enhancer, deps.Logger)
	dedup := enhancer.NewDeduplicator(cfg.Dedup, book, deps.Shared, deps.Clock, deps.Logger)
	riskMgr := risk.NewManager(cfg.Risk, deps.Clock, book, deps.Bus, deps.Logger)
	gate := decision.NewEngine(cfg.Decision, deps.Clock, biasEng, book, riskMgr, deps.Registry, quotes, deps.Logger)
	alloc := allocator.New(cfg.Allocator, deps.Registry, enh, deps.Clock, deps.Logger)
	orderMgr := orders.NewManager(deps.Registry, book, riskMgr, dedup, deps.Bus, deps.Clock, deps.Logger)
	mon := monitor.New(cfg.Monitor, deps.Clock, book, quotes, deps.Venue, orderMgr, dedup, enh, riskMgr, deps.Logger)

	pool := strategy.NewPool(cfg.Pool, quotes, deps.Venue, deps.Clock, deps.Logger)
	registerStrategies(pool, cfg)

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		clock:    deps.Clock,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		venue:    deps.Venue,
		feed:     deps.Feed,
		shared:   deps.Shared,
		repo:     deps.Repo,
		registry: deps.Registry,
		quotes:   quotes,
		book:     book,
		analyzer: analyzer,
		bias:     biasEng,
		pool:     pool,
		enhancer: enh,
		dedup:    dedup,
		gate:     gate,
		risk:     riskMgr,
		alloc:    alloc,
		orders:   orderMgr,
		monitor:  mon,
		state:    StateStopped,
	}

	mon.SetIterationObserver(deps.Metrics.ObserveMonitorIteration)
	alloc.SetRecordFunc(e.persistAllocations)

	// Seed risk capital from the registered accounts; the 09:15 job
	// replaces it with the venue's margin numbers.
	if capital := deps.Registry.MasterCapital(); capital > 0 {
		riskMgr.SetCapital(capital)
	}
	if deps.Repo == nil {
		logger.Warn().Msg("no database repository wired, trade history will not persist")
	}
	return e, nil
}

func registerStrategies(pool *strategy.Pool, cfg Config) {
	enabled := func(name string) bool {
		if len(cfg.EnabledStrategies) == 0 {
			return true
		}
		for _, n := range cfg.EnabledStrategies {
			if n == name {
				return true
			}
		}
		return false
	}
	if enabled("orb") {
		pool.Register(strategy.NewORB(cfg.ORB))
	}
	if enabled("momentum") {
		pool.Register(strategy.NewMomentum(cfg.Momentum))
	}
	if enabled("vwap_reversion") {
		pool.Register(strategy.NewVWAPReversion(cfg.VWAP))
	}
	if enabled("scalp") {
		pool.Register(strategy.NewScalp(cfg.Scalp))
	}
}

// Book exposes the position tracker for the API's read endpoints.
func (e *Engine) Book() *positions.Tracker { return e.book }

// Bias exposes the bias engine for the API's read endpoints.
func (e *Engine) Bias() *bias.Engine { return e.bias }

// Risk exposes the risk manager for the API's read endpoints.
func (e *Engine) Risk() *risk.Manager { return e.risk }

// Start resumes entry processing from a stopped state. The feed, monitor
// and exits run regardless of this switch.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		return ErrAlreadyRunning
	}
	prev := e.state
	e.state = StateRunning
	e.logger.Info().Str("from", prev).Msg("entry processing started")
	return nil
}

// Stop halts entry processing. Open positions stay managed by the monitor
// until their own exits fire.
func (e *Engine) Stop(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStopped {
		return ErrNotRunning
	}
	e.state = StateStopped
	e.logger.Warn().Str("reason", reason).Msg("entry processing stopped")
	return nil
}

// Pause suspends new entries while keeping scans visible in the logs.
func (e *Engine) Pause(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return ErrNotRunning
	}
	e.state = StatePaused
	e.logger.Warn().Str("reason", reason).Msg("entry processing paused")
	return nil
}

// Resume lifts a pause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return ErrNotPaused
	}
	e.state = StateRunning
	e.logger.Info().Msg("entry processing resumed")
	return nil
}

// pauseEntries is the internal form used by the emergency-stop watcher. It
// never fails: a stopped engine just stays stopped.
func (e *Engine) pauseEntries(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		e.state = StatePaused
		e.logger.Warn().Str("reason", reason).Msg("entry processing paused")
	}
}

// ClosePosition asks the monitor to flatten one symbol at market.
func (e *Engine) ClosePosition(ctx context.Context, symbol, reason string) error {
	return e.monitor.ClosePosition(ctx, symbol, reason)
}

// CloseAll flattens the whole book. This is the operator's big red button,
// so it is logged CRITICAL and alerts every stream subscriber.
func (e *Engine) CloseAll(ctx context.Context, reason string) error {
	snap := e.book.Snapshot()
	e.logger.Error().
		Str("reason", reason).
		Int("open_positions", len(snap)).
		Msg("CRITICAL: close-all requested")
	e.bus.PublishAlert(events.Alert{
		Kind:          "close_all",
		Severity:      events.SeverityCritical,
		Component:     "engine",
		Title:         "Close-all requested",
		Description:   reason,
		Symbols:       symbolsOf(snap),
		OpenPositions: len(snap),
		Timestamp:     e.clock.Now(),
	})
	e.monitor.CloseAll(ctx, reason)
	return nil
}

// OverrideLossLimit lifts the daily loss gate for the rest of the session.
// The risk manager logs the CRITICAL trail and publishes the alert.
func (e *Engine) OverrideLossLimit(reason string) {
	e.risk.OverrideLossLimit(reason)
}

// Status assembles the operator dashboard snapshot.
func (e *Engine) Status() api.EngineStatus {
	e.mu.RLock()
	state := e.state
	startedAt := e.startedAt
	lastTick := e.lastTick
	feedOK := e.feedHealthy
	regime := e.lastInternals.Regime
	e.mu.RUnlock()

	now := e.clock.Now()
	rs := e.risk.Snapshot()
	bs := e.bias.Current()
	if regime == "" {
		regime = bs.Regime
	}
	return api.EngineStatus{
		State:         state,
		PaperTrading:  e.cfg.PaperTrading,
		TradeDate:     e.clock.TradeDate(now),
		Phase:         string(e.clock.Phase(now)),
		StartedAt:     startedAt,
		FeedConnected: feedOK,
		LastTickAt:    lastTick,
		OpenPositions: e.book.Len(),
		DailyPnL:      rs.DailyPnL,
		Capital:       rs.Capital,
		BiasDirection: string(bs.Direction),
		Regime:        string(regime),
	}
}

// Internals returns the most recent analyzer output. Zero value until the
// first tick batch lands.
func (e *Engine) Internals() internals.MarketInternals {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastInternals
}

func (e *Engine) entriesAllowed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateRunning && e.feedHealthy
}

func (e *Engine) markTick(at time.Time) {
	e.mu.Lock()
	e.lastTick = at
	e.feedHealthy = true
	e.mu.Unlock()
}

func (e *Engine) setInternals(m internals.MarketInternals) {
	e.mu.Lock()
	e.lastInternals = m
	e.mu.Unlock()
}

// persistAllocations is the allocator's async learning hook. It maps each
// user slice to an audit row; a nil repo degrades to a debug log.
func (e *Engine) persistAllocations(ctx context.Context, rec allocator.Record) {
	if e.repo == nil {
		e.logger.Debug().Str("signal_id", rec.Signal.ID).Msg("allocation record dropped, no repository")
		return
	}
	rows := make([]database.AllocationRow, 0, len(rec.Allocations))
	for _, a := range rec.Allocations {
		rows = append(rows, database.AllocationRow{
			SignalID:    rec.Signal.ID,
			Strategy:    rec.Signal.Strategy,
			Symbol:      rec.Signal.Symbol,
			Action:      rec.Signal.Action,
			UserID:      a.UserID,
			Quantity:    a.Quantity,
			Share:       a.Share,
			AllocatedAt: rec.At,
		})
	}
	if err := e.repo.InsertAllocations(ctx, rows); err != nil {
		e.logger.Error().Err(err).Str("signal_id", rec.Signal.ID).Msg("allocation persist failed")
	}
}

func symbolsOf(snap []positions.Position) []string {
	out := make([]string, 0, len(snap))
	for _, p := range snap {
		out = append(out, p.Symbol)
	}
	return out
}

var _ api.Controller = (*Engine)(nil)

// String renders the state for logs.
func (e *Engine) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fmt.Sprintf("engine(%s)", e.state)
}
