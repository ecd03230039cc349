package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"zerodha-trading-engine/config"
	"zerodha-trading-engine/internal/api"
	"zerodha-trading-engine/internal/auth"
	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/database"
	"zerodha-trading-engine/internal/engine"
	"zerodha-trading-engine/internal/events"
	"zerodha-trading-engine/internal/feed"
	"zerodha-trading-engine/internal/logging"
	"zerodha-trading-engine/internal/market"
	"zerodha-trading-engine/internal/metrics"
	"zerodha-trading-engine/internal/secrets"
	"zerodha-trading-engine/internal/store"
	"zerodha-trading-engine/internal/users"
)

// paperMasterID identifies the simulated master account when no Zerodha
// user is configured.
const paperMasterID = "PAPER"

func main() {
	os.Exit(run())
}

// run wires the engine and blocks until shutdown. Exit codes: 0 clean
// stop, 1 fatal initialization or runtime failure, 2 session ended with
// the emergency stop latched.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	log := logger.With().Str("component", "main").Logger()
	log.Info().
		Bool("paper_trading", cfg.Engine.PaperTrading).
		Str("log_level", cfg.Logging.Level).
		Msg("zerodha trading engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credentials: Vault when configured, environment otherwise.
	provider, err := secrets.New(cfg.Vault, logger)
	if err != nil {
		log.Error().Err(err).Msg("failed to build secrets provider")
		return 1
	}
	if apiKey, apiSecret, err := provider.BrokerCredentials(ctx); err == nil {
		cfg.Zerodha.APIKey = apiKey
		cfg.Zerodha.APISecret = apiSecret
	} else if !cfg.Engine.PaperTrading {
		log.Error().Err(err).Msg("broker credentials unavailable")
		return 1
	}
	if hash, err := provider.OperatorPasswordHash(ctx); err == nil {
		cfg.Auth.PasswordHash = hash
	} else if cfg.Auth.PasswordHash == "" {
		log.Warn().Msg("no operator password hash configured, control API login is disabled")
	}

	// Shared store. Redis keeps cooldowns and tokens across restarts;
	// without it they live only as long as the process.
	var shared store.SharedStore
	if cfg.Redis.URL != "" {
		rs := store.NewRedis(cfg.Redis, logger)
		defer rs.Close()
		shared = rs
	} else {
		log.Warn().Msg("no REDIS_URL configured, cooldowns will not survive a restart")
		shared = store.NewMemory()
	}

	// Persistence. An empty DATABASE_URL disables audit writes.
	db, err := database.New(ctx, cfg.Database.URL, logger)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to database")
		return 1
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		log.Error().Err(err).Msg("failed to run migrations")
		return 1
	}
	repo := database.NewRepository(db)

	clock := market.NewSessionClock()
	bus := events.NewBus()
	registry := metrics.NewRegistry()
	quotes := market.NewQuoteCache()

	venue, marketFeed, authFailure, err := buildVenue(ctx, cfg, quotes, shared, logger)
	if err != nil {
		log.Error().Err(err).Msg("failed to build venue")
		return 1
	}

	roster := users.NewRegistry(logger, clock.Now)
	masterID := cfg.Zerodha.UserID
	if masterID == "" {
		masterID = paperMasterID
	}
	if err := roster.Add(users.Account{
		UserID:   masterID,
		IsMaster: true,
		Enabled:  true,
		Capital:  cfg.Paper.StartingCapital,
	}, venue); err != nil {
		log.Error().Err(err).Msg("failed to register master account")
		return 1
	}
	if err := roster.RefreshCapital(ctx, masterID); err != nil {
		log.Warn().Err(err).Msg("initial capital refresh failed, using configured capital")
	}

	authMgr, err := auth.New(cfg.Auth, logger)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize auth")
		return 1
	}

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Venue:    venue,
		Feed:     marketFeed,
		Quotes:   quotes,
		Shared:   shared,
		Repo:     repo,
		Registry: roster,
		Bus:      bus,
		Metrics:  registry,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build engine")
		return 1
	}

	// A live session without a broker token starts disabled: entries stay
	// paused until the operator refreshes the token and resumes, while
	// monitoring and the control API keep running.
	if authFailure != "" {
		log.Error().Str("reason", authFailure).Msg("CRITICAL: broker not authenticated, starting with entries paused")
		bus.Subscribe(events.EventEngineStarted, func(events.Event) {
			_ = eng.Pause("broker not authenticated: " + authFailure)
		})
		bus.PublishAlert(events.Alert{
			Kind:        "broker_auth_failed",
			Severity:    events.SeverityCritical,
			Component:   "main",
			Title:       "Broker not authenticated",
			Description: authFailure,
			Timestamp:   clock.Now(),
		})
	}

	server := api.NewServer(cfg.Server, eng, authMgr, eng.Book(), eng.Bias(), eng.Risk(), registry, bus, logger)
	apiErr := make(chan error, 1)
	go func() {
		err := server.Run(ctx)
		apiErr <- err
		if err != nil {
			log.Error().Err(err).Msg("control API failed")
			stop()
		}
	}()

	runErr := eng.Run(ctx)

	var serverErr error
	select {
	case serverErr = <-apiErr:
	case <-time.After(15 * time.Second):
		log.Warn().Msg("control API did not drain in time")
	}

	switch {
	case errors.Is(runErr, engine.ErrEmergencyStop):
		log.Error().Err(runErr).Msg("session ended with emergency stop latched")
		return 2
	case runErr != nil:
		log.Error().Err(runErr).Msg("engine exited with error")
		return 1
	case serverErr != nil:
		return 1
	}
	log.Info().Msg("shutdown complete")
	return 0
}

// buildVenue constructs the broker adapter and matching feed. Paper mode is
// opt-in only; a live session that cannot authenticate still comes up live,
// with the returned reason flagging that entries must stay paused.
func buildVenue(ctx context.Context, cfg *config.Config, quotes *market.QuoteCache, shared store.SharedStore, logger zerolog.Logger) (broker.Broker, feed.Feed, string, error) {
	feedSymbols := append([]string(nil), cfg.Engine.Watchlist...)
	feedSymbols = append(feedSymbols, market.SymbolNifty, market.SymbolBankNIFT, market.SymbolIndiaVIX)

	if cfg.Engine.PaperTrading {
		venue := broker.NewPaper(cfg.Paper, quotes, logger)
		return venue, feed.NewSimulated(feedSymbols, time.Second, logger), "", nil
	}

	token, tokenErr := loadAccessToken(ctx, shared, cfg.Zerodha.UserID)
	kite := broker.NewKite(broker.KiteConfig{
		APIKey:            cfg.Zerodha.APIKey,
		AccessToken:       token,
		UserID:            cfg.Zerodha.UserID,
		Sandbox:           cfg.Zerodha.SandboxMode,
		RequestsPerSecond: float64(cfg.Zerodha.RequestsPerSecond),
		CallTimeout:       cfg.Zerodha.CallTimeout,
	}, logger)

	authFailure := ""
	tokenSymbols := map[uint32]string{}
	if tokenErr != nil {
		authFailure = tokenErr.Error()
	} else {
		resolved, err := kite.ResolveTokens(ctx, feedSymbols)
		if err != nil {
			return nil, nil, "", fmt.Errorf("resolve instrument tokens: %w", err)
		}
		tokenSymbols = resolved
	}

	ticker := feed.NewKiteTicker(cfg.Zerodha.APIKey, token, tokenSymbols, kite, logger)
	return kite, ticker, authFailure, nil
}

// loadAccessToken reads the daily session token the login flow writes to
// the shared store, trying the user's key first and the master alias next.
func loadAccessToken(ctx context.Context, shared store.SharedStore, userID string) (string, error) {
	if userID != "" {
		if token, err := shared.Get(ctx, store.BrokerTokenKey(userID)); err == nil && token != "" {
			return token, nil
		}
	}
	if token, err := shared.Get(ctx, store.KeyMasterTokenAlias); err == nil && token != "" {
		return token, nil
	}
	return "", fmt.Errorf("no access token in store for %q", userID)
}
