package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	URL      string `json:"url"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Redis is a SharedStore backed by Redis with an in-memory mirror.
// Every write lands in the mirror first, so a Redis outage degrades
// persistence across restarts but never blocks trading. A circuit
// breaker marks the backend unhealthy after consecutive failures and
// probes for recovery in the background.
type Redis struct {
	client *redis.Client
	mirror *Memory
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

var _ SharedStore = (*Redis)(nil)

// NewRedis connects to Redis. A failed initial connection returns the
// store in degraded mode rather than an error; the engine keeps running
// on the in-memory mirror.
func NewRedis(cfg RedisConfig, logger zerolog.Logger) *Redis {
	opts := &redis.Options{
		Addr:         cfg.URL,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if parsed, err := redis.ParseURL(cfg.URL); err == nil {
		parsed.PoolSize = opts.PoolSize
		parsed.MinIdleConns = opts.MinIdleConns
		parsed.MaxRetries = opts.MaxRetries
		opts = parsed
	}

	rs := &Redis{
		client:        redis.NewClient(opts),
		mirror:        NewMemory(),
		logger:        logger.With().Str("component", "shared_store").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rs.client.Ping(ctx).Err(); err != nil {
		rs.logger.Warn().Err(err).Msg("initial redis connection failed, running degraded")
		return rs
	}

	rs.healthy = true
	rs.lastCheck = time.Now()
	rs.logger.Info().Str("addr", opts.Addr).Msg("redis connected")
	return rs
}

// IsHealthy reports whether the Redis backend is currently usable.
func (rs *Redis) IsHealthy() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.healthy
}

func (rs *Redis) recordFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.failureCount++
	if rs.failureCount >= rs.maxFailures {
		if rs.healthy {
			rs.logger.Warn().Int("failures", rs.failureCount).Msg("circuit open: redis marked unhealthy")
		}
		rs.healthy = false
	}
}

func (rs *Redis) recordSuccess() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.healthy {
		rs.logger.Info().Msg("circuit closed: redis recovered")
	}
	rs.healthy = true
	rs.failureCount = 0
	rs.lastCheck = time.Now()
}

// checkHealth probes a downed backend at most once per checkInterval.
func (rs *Redis) checkHealth() {
	rs.mu.RLock()
	shouldProbe := !rs.healthy && time.Since(rs.lastCheck) >= rs.checkInterval
	if shouldProbe {
		// Claim the probe window under the read lock's release.
		rs.lastCheck = time.Now()
	}
	rs.mu.RUnlock()

	if !shouldProbe {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rs.client.Ping(ctx).Err(); err == nil {
			rs.recordSuccess()
		}
	}()
}

// Get reads from Redis when healthy, falling back to the mirror.
func (rs *Redis) Get(ctx context.Context, key string) (string, error) {
	rs.checkHealth()

	if rs.IsHealthy() {
		v, err := rs.client.Get(ctx, key).Result()
		if err == nil {
			rs.recordSuccess()
			return v, nil
		}
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		rs.recordFailure()
	}
	return rs.mirror.Get(ctx, key)
}

// Set writes to the mirror first, then Redis when healthy.
func (rs *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := rs.mirror.Set(ctx, key, value, ttl); err != nil {
		return err
	}

	rs.checkHealth()
	if !rs.IsHealthy() {
		return nil
	}
	if err := rs.client.Set(ctx, key, value, ttl).Err(); err != nil {
		rs.recordFailure()
		rs.logger.Warn().Err(err).Str("key", key).Msg("redis set failed, mirror holds value")
		return nil
	}
	rs.recordSuccess()
	return nil
}

// Delete removes the key from both layers.
func (rs *Redis) Delete(ctx context.Context, key string) error {
	_ = rs.mirror.Delete(ctx, key)

	if !rs.IsHealthy() {
		return nil
	}
	if err := rs.client.Del(ctx, key).Err(); err != nil {
		rs.recordFailure()
	} else {
		rs.recordSuccess()
	}
	return nil
}

// Exists checks Redis when healthy, otherwise the mirror.
func (rs *Redis) Exists(ctx context.Context, key string) (bool, error) {
	rs.checkHealth()

	if rs.IsHealthy() {
		n, err := rs.client.Exists(ctx, key).Result()
		if err == nil {
			rs.recordSuccess()
			if n > 0 {
				return true, nil
			}
			// Redis is authoritative when reachable, but a key written
			// during an outage may live only in the mirror.
			return rs.mirror.Exists(ctx, key)
		}
		rs.recordFailure()
	}
	return rs.mirror.Exists(ctx, key)
}

// GetJSON unmarshals the stored value into dest.
func (rs *Redis) GetJSON(ctx context.Context, key string, dest interface{}) error {
	v, err := rs.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(v), dest)
}

// SetJSON marshals value and stores it.
func (rs *Redis) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return rs.Set(ctx, key, string(b), ttl)
}

// Close releases the Redis connection pool.
func (rs *Redis) Close() error {
	return rs.client.Close()
}
