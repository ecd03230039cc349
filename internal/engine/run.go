package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"zerodha-trading-engine/internal/events"
	"zerodha-trading-engine/internal/market"
)

// Run drives the engine until ctx is cancelled. It boots every component
// loop, wires the bus subscriptions, and performs the ordered shutdown.
// The returned error is nil for a clean stop and wraps ErrEmergencyStop
// when the session ended with the risk latch set.
func (e *Engine) Run(ctx context.Context) error {
	now := e.clock.Now()
	e.mu.Lock()
	e.startedAt = now
	e.state = StateRunning
	e.feedHealthy = false
	e.mu.Unlock()

	e.logger.Info().
		Bool("paper_trading", e.cfg.PaperTrading).
		Int("watchlist", len(e.cfg.Watchlist)).
		Str("trade_date", e.clock.TradeDate(now)).
		Msg("engine starting")

	e.subscribe()

	cr, err := e.scheduleJobs()
	if err != nil {
		return fmt.Errorf("schedule jobs: %w", err)
	}
	cr.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.feed.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error().Err(err).Msg("feed stopped with error")
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.consumeFeed(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.scanLoop(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.watchFeedGap(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.risk.Run(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.orders.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error().Err(err).Msg("order manager stopped with error")
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.monitor.Run(runCtx)
	}()

	e.bus.Publish(events.Event{
		Type:      events.EventEngineStarted,
		Timestamp: now,
		Payload: events.Alert{
			Kind:      "engine_started",
			Severity:  events.SeverityInfo,
			Component: "engine",
			Title:     "Engine started",
			Timestamp: now,
		},
	})

	<-ctx.Done()
	e.logger.Info().Msg("engine shutting down")

	// Flatten while the venue connection is still alive, then tear down.
	if e.cfg.FlatCloseOnShutdown && e.book.Len() > 0 {
		closeCtx, closeCancel := context.WithTimeout(runCtx, e.cfg.ShutdownTimeout/2)
		e.monitor.CloseAll(closeCtx, "shutdown")
		closeCancel()
	}

	cancel()
	e.feed.Stop()
	cronCtx := cr.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownTimeout):
		e.logger.Error().Dur("timeout", e.cfg.ShutdownTimeout).Msg("shutdown timeout exceeded, abandoning workers")
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()

	stopAt := e.clock.Now()
	e.bus.Publish(events.Event{
		Type:      events.EventEngineStopped,
		Timestamp: stopAt,
		Payload: events.Alert{
			Kind:      "engine_stopped",
			Severity:  events.SeverityInfo,
			Component: "engine",
			Title:     "Engine stopped",
			Timestamp: stopAt,
		},
	})
	e.logger.Info().Msg("engine stopped")

	if stopped, reason := e.risk.EmergencyStopped(); stopped {
		return fmt.Errorf("%w: %s", ErrEmergencyStop, reason)
	}
	return nil
}

// subscribe installs the engine's bus reactions. The bus invokes each
// subscriber on its own goroutine, so handlers only touch thread-safe
// surfaces.
func (e *Engine) subscribe() {
	e.bus.Subscribe(events.EventEmergencyStop, func(ev events.Event) {
		stop, ok := ev.Payload.(events.EmergencyStop)
		if !ok {
			return
		}
		e.pauseEntries("emergency stop: " + stop.Trigger)
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
		defer cancel()
		e.monitor.CloseAll(ctx, "emergency stop: "+stop.Trigger)
	})

	e.bus.Subscribe(events.EventPositionClosed, func(ev events.Event) {
		pc, ok := ev.Payload.(events.PositionClosed)
		if !ok {
			return
		}
		if master, ok := e.registry.Master(); ok {
			e.registry.ApplyRealizedPnL(master.UserID, pc.RealizedPnL)
			// True the estimate up against broker margins; the registry's
			// 60s floor absorbs bursts of closes.
			refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := e.registry.RefreshCapital(refreshCtx, master.UserID); err != nil {
				e.logger.Debug().Err(err).Msg("post-close capital refresh skipped")
			}
			cancel()
		}
		e.metrics.ExitExecuted(pc.Reason)
		e.metrics.SetDailyPnL(e.risk.DailyPnL())
		e.metrics.SetOpenPositions(e.book.Len())
	})

	e.bus.Subscribe(events.EventPositionOpened, func(ev events.Event) {
		e.metrics.SetOpenPositions(e.book.Len())
	})
}

// consumeFeed drains the tick stream into the quote cache and kicks the
// debounced internals/bias analysis after each burst.
func (e *Engine) consumeFeed(ctx context.Context) {
	debounce := time.NewTicker(e.cfg.AnalysisDebounce)
	defer debounce.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-e.feed.Updates():
			if !ok {
				e.logger.Warn().Msg("feed update channel closed")
				return
			}
			e.quotes.Update(q)
			e.enhancer.Observe(q)
			e.book.UpdatePrice(q.Symbol, q.LTP)
			e.metrics.FeedTick()
			e.noteTick()
			dirty = true
		case <-debounce.C:
			if !dirty {
				continue
			}
			dirty = false
			e.runAnalysis(ctx)
		}
	}
}

// noteTick marks the feed healthy and logs the recovery edge after a gap.
func (e *Engine) noteTick() {
	now := e.clock.Now()
	e.mu.Lock()
	recovered := !e.feedHealthy && !e.lastTick.IsZero()
	e.lastTick = now
	e.feedHealthy = true
	e.mu.Unlock()

	if recovered {
		e.logger.Info().Msg("market data feed recovered")
		e.bus.PublishAlert(events.Alert{
			Kind:      "feed_recovered",
			Severity:  events.SeverityInfo,
			Component: "engine",
			Title:     "Market data feed recovered",
			Timestamp: now,
		})
	}
}

func (e *Engine) runAnalysis(ctx context.Context) {
	snap := e.quotes.Snapshot()
	if len(snap) == 0 {
		return
	}
	mi := e.analyzer.Analyze(ctx, snap)
	e.setInternals(mi)

	nifty, ok := e.quotes.Get(market.SymbolNifty)
	if !ok {
		// Bias still updates; the engine weighs index-less internals lower.
		nifty = market.Quote{Symbol: market.SymbolNifty}
	}
	bs := e.bias.Update(ctx, mi, nifty)
	e.metrics.SetBias(string(bs.Direction), bs.Confidence)
}

// scanLoop runs the strategy pool on a fixed cadence and pushes every
// candidate through the signal gauntlet.
func (e *Engine) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.clock.CanOpenNewPosition(e.clock.Now()) {
				continue
			}
			if !e.entriesAllowed() {
				continue
			}
			for _, sig := range e.pool.Scan(ctx) {
				e.processSignal(ctx, sig)
			}
		}
	}
}

// watchFeedGap trips the feed-unhealthy latch when the stream stalls
// mid-session. Entries stay rejected until the next tick clears it.
func (e *Engine) watchFeedGap(ctx context.Context) {
	interval := e.cfg.FeedGapThreshold / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.clock.Now()
			if !e.clock.WithinSession(now) {
				continue
			}

			e.mu.Lock()
			gap := now.Sub(e.lastTick)
			tripped := e.feedHealthy && !e.lastTick.IsZero() && gap > e.cfg.FeedGapThreshold
			if tripped {
				e.feedHealthy = false
			}
			e.mu.Unlock()

			if !tripped {
				continue
			}
			e.logger.Warn().
				Dur("gap", gap).
				Dur("threshold", e.cfg.FeedGapThreshold).
				Msg("market data gap detected, rejecting entries")
			e.bus.Publish(events.Event{
				Type:      events.EventFeedGap,
				Timestamp: now,
				Payload: events.Alert{
					Kind:        "feed_gap",
					Severity:    events.SeverityWarning,
					Component:   "engine",
					Title:       "Market data gap",
					Description: fmt.Sprintf("no ticks for %s", gap.Round(time.Second)),
					Timestamp:   now,
				},
			})
		}
	}
}
