// Package secrets resolves broker and operator credentials. When Vault is
// configured they come from a KV v2 mount, otherwise from the environment.
// Secret values never reach the log stream.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// ErrCredentialNotFound means neither Vault nor the environment had a value.
var ErrCredentialNotFound = errors.New("credential not found")

// Config locates the Vault mount. Empty Address or Token disables Vault and
// every lookup falls through to the environment.
type Config struct {
	Address   string        `json:"address"`
	Token     string        `json:"-"`
	MountPath string        `json:"mount_path"`
	BasePath  string        `json:"base_path"`
	CacheTTL  time.Duration `json:"cache_ttl"`

	// EnvLookup overrides os.Getenv, for tests.
	EnvLookup func(string) string `json:"-"`
}

func (c *Config) defaults() {
	if c.MountPath == "" {
		c.MountPath = "secret"
	}
	if c.BasePath == "" {
		c.BasePath = "trading-engine"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.EnvLookup == nil {
		c.EnvLookup = os.Getenv
	}
}

type cachedSecret struct {
	values map[string]string
	at     time.Time
}

// Provider reads credentials with a TTL cache in front of Vault.
type Provider struct {
	cfg    Config
	client *api.Client
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

// New builds the provider. Vault connectivity is not probed here; a dead
// Vault degrades to the environment fallback at read time.
func New(cfg Config, logger zerolog.Logger) (*Provider, error) {
	cfg.defaults()
	p := &Provider{
		cfg:    cfg,
		logger: logger.With().Str("component", "secrets").Logger(),
		now:    time.Now,
		cache:  make(map[string]cachedSecret),
	}

	if cfg.Address == "" || cfg.Token == "" {
		p.logger.Info().Msg("vault not configured, using environment credentials")
		return p, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	p.client = client
	p.logger.Info().Str("address", cfg.Address).Msg("vault credential source enabled")
	return p, nil
}

// VaultEnabled reports whether lookups consult Vault first.
func (p *Provider) VaultEnabled() bool {
	return p.client != nil
}

// BrokerCredentials returns the venue API key and secret.
func (p *Provider) BrokerCredentials(ctx context.Context) (apiKey, apiSecret string, err error) {
	apiKey, err = p.lookup(ctx, "broker", "api_key", "ZERODHA_API_KEY")
	if err != nil {
		return "", "", err
	}
	apiSecret, err = p.lookup(ctx, "broker", "api_secret", "ZERODHA_API_SECRET")
	if err != nil {
		return "", "", err
	}
	return apiKey, apiSecret, nil
}

// OperatorPasswordHash returns the bcrypt hash the control plane checks
// logins against.
func (p *Provider) OperatorPasswordHash(ctx context.Context) (string, error) {
	return p.lookup(ctx, "operator", "password_hash", "OPERATOR_PASSWORD_HASH")
}

// lookup tries Vault, then the environment. Only key names appear in errors.
func (p *Provider) lookup(ctx context.Context, name, key, envVar string) (string, error) {
	if p.client != nil {
		values, err := p.secret(ctx, name)
		if err != nil {
			p.logger.Warn().Err(err).Str("secret", name).Msg("vault read failed, falling back to environment")
		} else if v := values[key]; v != "" {
			return v, nil
		}
	}
	if v := p.cfg.EnvLookup(envVar); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s/%s (env %s)", ErrCredentialNotFound, name, key, envVar)
}

// secret reads one KV v2 entry through the TTL cache.
func (p *Provider) secret(ctx context.Context, name string) (map[string]string, error) {
	now := p.now()

	p.mu.RLock()
	entry, ok := p.cache[name]
	p.mu.RUnlock()
	if ok && now.Sub(entry.at) < p.cfg.CacheTTL {
		return entry.values, nil
	}

	path := fmt.Sprintf("%s/data/%s/%s", p.cfg.MountPath, p.cfg.BasePath, name)
	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, name)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("secret %s not in kv v2 format", name)
	}

	values := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			values[k] = s
		}
	}

	p.mu.Lock()
	p.cache[name] = cachedSecret{values: values, at: now}
	p.mu.Unlock()
	return values, nil
}

// InvalidateCache drops cached secrets, forcing fresh Vault reads.
func (p *Provider) InvalidateCache() {
	p.mu.Lock()
	p.cache = make(map[string]cachedSecret)
	p.mu.Unlock()
}

// Health checks the Vault connection. Environment-only mode is healthy.
func (p *Provider) Health(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	health, err := p.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}
