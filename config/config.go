// Package config loads engine configuration: config.json when present,
// then environment overrides. Credentials only ever come from the
// environment (or Vault at runtime); they are never written to or read
// from the JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"zerodha-trading-engine/internal/api"
	"zerodha-trading-engine/internal/auth"
	"zerodha-trading-engine/internal/broker"
	"zerodha-trading-engine/internal/engine"
	"zerodha-trading-engine/internal/secrets"
	"zerodha-trading-engine/internal/store"
)

// Config is the root configuration tree. Component sub-configs keep their
// own types so a knob is defined exactly once.
type Config struct {
	Zerodha  ZerodhaConfig      `json:"zerodha"`
	Engine   engine.Config      `json:"engine"`
	Paper    broker.PaperConfig `json:"paper"`
	Server   api.Config         `json:"server"`
	Auth     auth.Config        `json:"auth"`
	Logging  LoggingConfig      `json:"logging"`
	Redis    store.RedisConfig  `json:"redis"`
	Database DatabaseConfig     `json:"database"`
	Vault    secrets.Config     `json:"vault"`
}

// ZerodhaConfig holds the broker connection settings. The key, secret and
// request token never appear in config.json.
type ZerodhaConfig struct {
	APIKey            string        `json:"-"`
	APISecret         string        `json:"-"`
	UserID            string        `json:"-"`
	SandboxMode       bool          `json:"sandbox_mode"`
	RequestsPerSecond int           `json:"requests_per_second"`
	CallTimeout       time.Duration `json:"call_timeout"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or console
}

type DatabaseConfig struct {
	URL string `json:"-"`
}

// defaultWatchlist is the liquid NSE basket scanned when no watchlist is
// configured. Index symbols are appended by main for the feed only; the
// strategies never trade them.
var defaultWatchlist = []string{
	"RELIANCE", "HDFCBANK", "ICICIBANK", "INFY", "TCS",
	"SBIN", "AXISBANK", "KOTAKBANK", "LT", "ITC",
	"BHARTIARTL", "TATAMOTORS", "TATASTEEL", "MARUTI", "BAJFINANCE",
	"HINDUNILVR", "SUNPHARMA", "TITAN", "ULTRACEMCO", "NTPC",
}

// Load builds the configuration: .env first (missing file is fine), then
// config.json when present, then environment overrides on top.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides layers the environment on top of the file values.
// Credentials are exclusively env-sourced.
func applyEnvOverrides(cfg *Config) {
	// Broker connection. Credentials never have file fallbacks.
	cfg.Zerodha.APIKey = os.Getenv("ZERODHA_API_KEY")
	cfg.Zerodha.APISecret = os.Getenv("ZERODHA_API_SECRET")
	cfg.Zerodha.UserID = os.Getenv("ZERODHA_USER_ID")
	cfg.Zerodha.SandboxMode = getEnvBoolOrDefault("ZERODHA_SANDBOX_MODE", cfg.Zerodha.SandboxMode)
	cfg.Zerodha.RequestsPerSecond = getEnvIntOrDefault("ZERODHA_REQUESTS_PER_SECOND", cfg.Zerodha.RequestsPerSecond)
	cfg.Zerodha.CallTimeout = getEnvDurationOrDefault("ZERODHA_CALL_TIMEOUT", cfg.Zerodha.CallTimeout)

	// Trading mode and universe.
	cfg.Engine.PaperTrading = getEnvBoolOrDefault("PAPER_TRADING", cfg.Engine.PaperTrading)
	if wl := os.Getenv("TRADING_WATCHLIST"); wl != "" {
		cfg.Engine.Watchlist = splitList(wl)
	}
	if len(cfg.Engine.Watchlist) == 0 {
		cfg.Engine.Watchlist = append([]string(nil), defaultWatchlist...)
	}
	if es := os.Getenv("TRADING_ENABLED_STRATEGIES"); es != "" {
		cfg.Engine.EnabledStrategies = splitList(es)
	}
	cfg.Engine.ScanInterval = getEnvDurationOrDefault("TRADING_SCAN_INTERVAL", cfg.Engine.ScanInterval)
	cfg.Engine.FlatCloseOnShutdown = getEnvBoolOrDefault("TRADING_FLAT_CLOSE_ON_SHUTDOWN", cfg.Engine.FlatCloseOnShutdown)

	// Headline risk limits, overridable without editing the file.
	cfg.Engine.Risk.MaxDailyLossPercent = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_PERCENT", cfg.Engine.Risk.MaxDailyLossPercent)
	cfg.Engine.Risk.MaxDrawdownPercent = getEnvFloatOrDefault("RISK_MAX_DRAWDOWN_PERCENT", cfg.Engine.Risk.MaxDrawdownPercent)
	cfg.Engine.Risk.MaxConcentrationPercent = getEnvFloatOrDefault("RISK_MAX_CONCENTRATION_PERCENT", cfg.Engine.Risk.MaxConcentrationPercent)

	// Paper venue.
	cfg.Paper.StartingCapital = getEnvFloatOrDefault("PAPER_STARTING_CAPITAL", cfg.Paper.StartingCapital)
	cfg.Paper.SlippagePercent = getEnvFloatOrDefault("PAPER_SLIPPAGE_PERCENT", cfg.Paper.SlippagePercent)

	// Control API.
	cfg.Server.Host = getEnvOrDefault("API_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvIntOrDefault("API_PORT", cfg.Server.Port)
	cfg.Server.ProductionMode = getEnvBoolOrDefault("PRODUCTION_MODE", cfg.Server.ProductionMode)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}

	// Operator auth. Both values are secrets.
	cfg.Auth.PasswordHash = os.Getenv("OPERATOR_PASSWORD_HASH")
	cfg.Auth.SigningSecret = os.Getenv("AUTH_JWT_SECRET")
	cfg.Auth.TokenTTL = getEnvDurationOrDefault("AUTH_TOKEN_TTL", cfg.Auth.TokenTTL)

	// Logging.
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.Logging.Level, "info"))
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", defaultString(cfg.Logging.Format, "json"))

	// Shared store.
	cfg.Redis.URL = getEnvOrDefault("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.Redis.PoolSize)

	// Persistence.
	cfg.Database.URL = os.Getenv("DATABASE_URL")

	// Vault. Token only from env.
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = os.Getenv("VAULT_TOKEN")
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)
	cfg.Vault.BasePath = getEnvOrDefault("VAULT_BASE_PATH", cfg.Vault.BasePath)
	cfg.Vault.CacheTTL = getEnvDurationOrDefault("VAULT_CACHE_TTL", cfg.Vault.CacheTTL)
}

// validate rejects configurations the engine cannot start with. Errors
// name the missing variables, never their values.
func (c *Config) validate() error {
	if c.Engine.PaperTrading {
		return nil
	}
	var missing []string
	if c.Zerodha.APIKey == "" {
		missing = append(missing, "ZERODHA_API_KEY")
	}
	if c.Zerodha.APISecret == "" {
		missing = append(missing, "ZERODHA_API_SECRET")
	}
	if c.Zerodha.UserID == "" {
		missing = append(missing, "ZERODHA_USER_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("live trading requires %s", strings.Join(missing, ", "))
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultString(current, fallback string) string {
	if current != "" {
		return current
	}
	return fallback
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
