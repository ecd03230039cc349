package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func envProvider(t *testing.T, env map[string]string) *Provider {
	t.Helper()
	p, err := New(Config{
		EnvLookup: func(key string) string { return env[key] },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestEnvFallbackServesBrokerCredentials(t *testing.T) {
	p := envProvider(t, map[string]string{
		"ZERODHA_API_KEY":    "key123",
		"ZERODHA_API_SECRET": "secret456",
	})

	key, secret, err := p.BrokerCredentials(context.Background())
	if err != nil {
		t.Fatalf("BrokerCredentials() error = %v", err)
	}
	if key != "key123" || secret != "secret456" {
		t.Errorf("BrokerCredentials() = %q, %q; want key123, secret456", key, secret)
	}
	if p.VaultEnabled() {
		t.Errorf("VaultEnabled() = true without address/token, want false")
	}
}

func TestMissingCredentialIsTypedError(t *testing.T) {
	p := envProvider(t, nil)

	_, _, err := p.BrokerCredentials(context.Background())
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("BrokerCredentials() error = %v, want ErrCredentialNotFound", err)
	}
}

func TestErrorNamesKeyNotValue(t *testing.T) {
	p := envProvider(t, map[string]string{"ZERODHA_API_KEY": "key123"})

	_, _, err := p.BrokerCredentials(context.Background())
	if err == nil {
		t.Fatal("BrokerCredentials() error = nil, want missing-secret error")
	}
	// The present value must never leak through the error path.
	if msg := err.Error(); containsSecret(msg, "key123") {
		t.Errorf("error %q leaks a credential value", msg)
	}
}

func containsSecret(msg, value string) bool {
	for i := 0; i+len(value) <= len(msg); i++ {
		if msg[i:i+len(value)] == value {
			return true
		}
	}
	return false
}

func TestOperatorPasswordHashFromEnv(t *testing.T) {
	p := envProvider(t, map[string]string{
		"OPERATOR_PASSWORD_HASH": "$2a$10$abcdefghijklmnopqrstuv",
	})

	hash, err := p.OperatorPasswordHash(context.Background())
	if err != nil {
		t.Fatalf("OperatorPasswordHash() error = %v", err)
	}
	if hash != "$2a$10$abcdefghijklmnopqrstuv" {
		t.Errorf("OperatorPasswordHash() = %q, want the env hash", hash)
	}
}

func TestHealthWithoutVaultIsNil(t *testing.T) {
	p := envProvider(t, nil)
	if err := p.Health(context.Background()); err != nil {
		t.Errorf("Health() = %v, want nil in environment mode", err)
	}
}
