// Package auth mints and checks the tokens a client hands over in its
// Handshake.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultTTL     = 7 * 24 * time.Hour
	minNameLen     = 2
	maxNameLen     = 16
	secretLen      = 32
	fingerprintLen = 8
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims is what a wosim token asserts
type Claims struct {
	Name string `json:"usr"`
	jwt.RegisteredClaims
}

// Issuer signs and validates tokens with one HMAC secret.
type Issuer struct {
	secret []byte
}

// NewIssuer returns an issuer for secret. A nil secret is replaced with a
// random one, which only suits a single process.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, secretLen)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
	}
	return &Issuer{secret: secret}, nil
}

// GenerateSecret returns a random hex encoded secret for NewIssuerHex.
func GenerateSecret() (string, error) {
	b := make([]byte, secretLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewIssuerHex parses a hex encoded secret.
func NewIssuerHex(h string) (*Issuer, error) {
	if h == "" {
		return NewIssuer(nil)
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return NewIssuer(b)
}

// Mint returns a signed token for name, valid for ttl from now.
func (a *Issuer) Mint(name string, ttl time.Duration, now time.Time) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) < minNameLen || len(name) > maxNameLen {
		return "", fmt.Errorf("name must be %d-%d characters", minNameLen, maxNameLen)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Validate checks the signature and expiry of tokenStr at now.
func (a *Issuer) Validate(tokenStr string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Name == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CheckExpiry reads the expiry of tokenStr without verifying the signature.
// The client cannot verify tokens; this only spares a doomed handshake.
// An empty token is accepted: the server decides whether guests may enter.
func CheckExpiry(tokenStr string, now time.Time) error {
	if tokenStr == "" {
		return nil
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

// Fingerprint returns a short stable digest of a token, safe to log.
func Fingerprint(token string) string {
	if token == "" {
		return "none"
	}
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:fingerprintLen])
}

// AttemptLimiter counts handshake attempts per key in fixed windows.
type AttemptLimiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	entries map[string]*attempts
}

type attempts struct {
	count   int
	resetAt time.Time
}

// NewAttemptLimiter allows max attempts per key in each window.
func NewAttemptLimiter(window time.Duration, max int) *AttemptLimiter {
	return &AttemptLimiter{window: window, max: max, entries: make(map[string]*attempts)}
}

// Allow records an attempt for key at now and reports whether it is within
// the limit.
func (l *AttemptLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || now.After(e.resetAt) {
		l.entries[key] = &attempts{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	e.count++
	return e.count <= l.max
}
