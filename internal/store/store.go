// Package store provides the shared key/value store used for state that
// must survive restarts: post-exit cooldowns, broker tokens, the last
// persisted bias snapshot. The concrete store is an in-memory map wrapping
// an optional Redis backend with graceful degradation.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// SharedStore is the abstract contract every component codes against.
type SharedStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Key families. Tokens are written under exactly the canonical key plus
// one master alias when configured; nothing else.
const (
	prefixPostExitCooldown = "post_exit_cooldown:%s:%s" // date, symbol
	prefixBrokerToken      = "broker_token:%s"          // user id
	prefixLastSync         = "last_sync:%s"             // user id
	KeyBiasSnapshot        = "bias:snapshot"
	KeyMasterTokenAlias    = "broker_token:master"
)

// PostExitCooldownKey builds the date-scoped cooldown key for a symbol.
func PostExitCooldownKey(date, symbol string) string {
	return fmt.Sprintf(prefixPostExitCooldown, date, symbol)
}

// BrokerTokenKey builds the canonical token key for a user.
func BrokerTokenKey(userID string) string {
	return fmt.Sprintf(prefixBrokerToken, userID)
}

// LastSyncKey builds the last-sync timestamp key for a user.
func LastSyncKey(userID string) string {
	return fmt.Sprintf(prefixLastSync, userID)
}
