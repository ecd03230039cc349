// Package api is the operator control plane: a gin server exposing
// engine lifecycle controls, read-only state endpoints, a websocket
// event stream and the prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"zerodha-trading-engine/internal/auth"
	"zerodha-trading-engine/internal/bias"
	"zerodha-trading-engine/internal/events"
	"zerodha-trading-engine/internal/internals"
	"zerodha-trading-engine/internal/metrics"
	"zerodha-trading-engine/internal/positions"
	"zerodha-trading-engine/internal/risk"
)

// EngineStatus is the shape GET /status returns.
type EngineStatus struct {
	State         string    `json:"state"`
	PaperTrading  bool      `json:"paper_trading"`
	TradeDate     string    `json:"trade_date"`
	Phase         string    `json:"phase"`
	StartedAt     time.Time `json:"started_at"`
	FeedConnected bool      `json:"feed_connected"`
	LastTickAt    time.Time `json:"last_tick_at"`
	OpenPositions int       `json:"open_positions"`
	DailyPnL      float64   `json:"daily_pnl"`
	Capital       float64   `json:"capital"`
	BiasDirection string    `json:"bias_direction"`
	Regime        string    `json:"regime"`
}

// Controller is the slice of the engine the control plane drives.
// internal/engine implements it.
type Controller interface {
	Start() error
	Stop(reason string) error
	Pause(reason string) error
	Resume() error
	ClosePosition(ctx context.Context, symbol, reason string) error
	CloseAll(ctx context.Context, reason string) error
	OverrideLossLimit(reason string)
	Status() EngineStatus
	Internals() internals.MarketInternals
}

// PositionSource exposes the open book.
type PositionSource interface {
	Snapshot() []positions.Position
}

// BiasSource exposes the current market bias.
type BiasSource interface {
	Current() bias.Snapshot
}

// RiskSource exposes the risk manager's live status.
type RiskSource interface {
	Snapshot() risk.Status
}

// Config holds the HTTP server settings.
type Config struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	AllowedOrigins []string `json:"allowed_origins"`
}

func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port <= 0 {
		c.Port = 8080
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
}

// Server is the HTTP control plane.
type Server struct {
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server
	ctrl       Controller
	auth       *auth.Manager
	book       PositionSource
	bias       BiasSource
	risk       RiskSource
	metrics    *metrics.Registry
	hub        *wsHub
	logger     zerolog.Logger
}

// NewServer wires routes and middleware; Run must be called to serve.
// Every bus event is mirrored onto the websocket stream.
func NewServer(cfg Config, ctrl Controller, authMgr *auth.Manager, book PositionSource, biasSrc BiasSource, riskSrc RiskSource, reg *metrics.Registry, bus *events.Bus, logger zerolog.Logger) *Server {
	cfg.defaults()

	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:     cfg,
		router:  router,
		ctrl:    ctrl,
		auth:    authMgr,
		book:    book,
		bias:    biasSrc,
		risk:    riskSrc,
		metrics: reg,
		hub:     newWSHub(logger),
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	bus.SubscribeAll(func(event events.Event) {
		s.hub.broadcastEvent(event)
	})

	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.POST("/auth/login", s.handleLogin)
	v1.GET("/events/stream", s.handleEventStream)

	protected := v1.Group("")
	protected.Use(auth.Middleware(s.auth))
	{
		protected.POST("/engine/start", s.handleEngineStart)
		protected.POST("/engine/stop", s.handleEngineStop)
		protected.POST("/engine/pause", s.handleEnginePause)
		protected.POST("/engine/resume", s.handleEngineResume)

		protected.POST("/positions/:symbol/close", s.handleClosePosition)
		protected.POST("/positions/close_all", s.handleCloseAll)
		protected.POST("/risk/override_loss_limit", s.handleOverrideLossLimit)

		protected.GET("/status", s.handleStatus)
		protected.GET("/positions", s.handleGetPositions)
		protected.GET("/bias", s.handleGetBias)
		protected.GET("/internals", s.handleGetInternals)
		protected.GET("/risk", s.handleGetRisk)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.run(ctx)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("control API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down control API: %w", err)
	}
	return <-errCh
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": true, "message": message})
}
