// Package auth guards the control API. The engine runs for a single
// operator: one bcrypt password hash, one HS256 signing secret, no user
// records. A successful login yields a bearer token the gin middleware
// checks on every protected route.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// AuthError carries a stable machine code alongside the human message.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string { return e.Message }

var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid operator password"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized"}
	ErrNotConfigured      = AuthError{Code: "AUTH_NOT_CONFIGURED", Message: "operator password hash not configured"}
)

// Claims is the token payload. Role is fixed to "operator" today; the
// field exists so handlers have something stable to log.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Config wires the Manager.
type Config struct {
	// SigningSecret signs tokens. Empty means a random per-process
	// secret; sessions then do not survive a restart.
	SigningSecret string `json:"-"`

	// PasswordHash is the bcrypt hash the operator password is checked
	// against. Empty disables login entirely.
	PasswordHash string `json:"-"`

	TokenTTL time.Duration `json:"token_ttl"`
	Issuer   string        `json:"issuer"`
}

func (c *Config) defaults() {
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.Issuer == "" {
		c.Issuer = "trading-engine"
	}
}

// Manager verifies the operator password and issues bearer tokens.
type Manager struct {
	cfg    Config
	secret []byte
	logger zerolog.Logger
	now    func() time.Time
}

func New(cfg Config, logger zerolog.Logger) (*Manager, error) {
	cfg.defaults()

	secret := []byte(cfg.SigningSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating signing secret: %w", err)
		}
		logger.Warn().Msg("no signing secret configured, issued tokens will not survive a restart")
	}

	return &Manager{
		cfg:    cfg,
		secret: secret,
		logger: logger.With().Str("component", "auth").Logger(),
		now:    time.Now,
	}, nil
}

// Login checks the operator password and returns a signed token plus its
// expiry. The password never appears in logs or errors.
func (m *Manager) Login(password string) (string, time.Time, error) {
	if m.cfg.PasswordHash == "" {
		return "", time.Time{}, ErrNotConfigured
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.cfg.PasswordHash), []byte(password)); err != nil {
		m.logger.Warn().Msg("operator login rejected")
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := m.now()
	expiresAt := now.Add(m.cfg.TokenTTL)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    m.cfg.Issuer,
		},
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}

	m.logger.Info().Time("expires_at", expiresAt).Msg("operator login accepted")
	return signed, expiresAt, nil
}

// Validate parses a bearer token and returns its claims.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenTTL reports how long issued tokens stay valid.
func (m *Manager) TokenTTL() time.Duration { return m.cfg.TokenTTL }

// HashPassword bcrypt-hashes a plaintext password. Operators mint the
// hash offline and feed it back through OPERATOR_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
