package chatsync

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialStore holds the externally issued bearer token.
type CredentialStore interface {
	Token() string
	Clear()
}

// MemoryCredentials is a goroutine-safe in-memory CredentialStore.
type MemoryCredentials struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryCredentials wraps a token.
func NewMemoryCredentials(token string) *MemoryCredentials {
	return &MemoryCredentials{token: token}
}

func (m *MemoryCredentials) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// SetToken replaces the stored token, e.g. after a refresh.
func (m *MemoryCredentials) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

func (m *MemoryCredentials) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
}

// TokenGuard checks token expiry before network-affecting work. Signatures
// are not verified here; that is the server's job.
type TokenGuard struct {
	creds  CredentialStore
	clock  clock
	leeway time.Duration
	parser *jwt.Parser

	mu        sync.Mutex
	onInvalid func(error)
}

// NewTokenGuard creates a guard over the given credential store.
func NewTokenGuard(creds CredentialStore, leeway time.Duration) *TokenGuard {
	return newTokenGuard(creds, leeway, realClock{})
}

func newTokenGuard(creds CredentialStore, leeway time.Duration, c clock) *TokenGuard {
	return &TokenGuard{
		creds:  creds,
		clock:  c,
		leeway: leeway,
		parser: jwt.NewParser(),
	}
}

// OnInvalid sets the teardown hook run by EnsureValid.
func (g *TokenGuard) OnInvalid(fn func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onInvalid = fn
}

// Token returns the current stored token.
func (g *TokenGuard) Token() string {
	if g.creds == nil {
		return ""
	}
	return g.creds.Token()
}

// IsValid reports whether token is well-formed and not expired.
// Tokens without an exp claim never expire.
func (g *TokenGuard) IsValid(token string) bool {
	exp, err := g.Expiry(token)
	if err != nil {
		return false
	}
	if exp.IsZero() {
		return true
	}
	return g.clock.Now().Before(exp.Add(-g.leeway))
}

// Expiry decodes the exp claim. A zero time means the token has none.
func (g *TokenGuard) Expiry(token string) (time.Time, error) {
	claims, err := g.claims(token)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad exp claim: %v", ErrAuthExpired, err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// EnsureValid checks the stored token and tears the session down when it is
// invalid. Callers abort their operation on false.
func (g *TokenGuard) EnsureValid() bool {
	if g.IsValid(g.Token()) {
		return true
	}

	g.mu.Lock()
	hook := g.onInvalid
	g.mu.Unlock()

	if hook != nil {
		hook(ErrAuthExpired)
	} else if g.creds != nil {
		g.creds.Clear()
	}
	return false
}

// Identity extracts the user id and display name from a token's claims.
func (g *TokenGuard) Identity(token string) (userID, fullName string, err error) {
	claims, err := g.claims(token)
	if err != nil {
		return "", "", err
	}
	for _, key := range []string{"sub", "userId", "id", "_id"} {
		if v, ok := claims[key].(string); ok && v != "" {
			userID = v
			break
		}
	}
	for _, key := range []string{"fullName", "name"} {
		if v, ok := claims[key].(string); ok && v != "" {
			fullName = v
			break
		}
	}
	if userID == "" {
		return "", "", errors.New("token carries no user id claim")
	}
	return userID, fullName, nil
}

func (g *TokenGuard) claims(token string) (jwt.MapClaims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, fmt.Errorf("%w: no token", ErrAuthExpired)
	}
	claims := jwt.MapClaims{}
	if _, _, err := g.parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: malformed token: %v", ErrAuthExpired, err)
	}
	return claims, nil
}
