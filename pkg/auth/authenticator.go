// Package auth mints the bearer tokens presented to the relay when a socket
// is opened. The client identity is an ed25519 key kept in a storage.Keychain;
// its did:key form is the token issuer.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lightforgemedia/go-relayclient/pkg/storage"
)

const (
	// IdentityKeyName is the keychain entry holding the ed25519 seed.
	IdentityKeyName = "relay.client_identity"
	// DefaultTokenTTL bounds the lifetime of a minted token.
	DefaultTokenTTL = 24 * time.Hour
)

var (
	ErrIdentityUnavailable = errors.New("auth: client identity unavailable")
	ErrInvalidToken        = errors.New("auth: invalid token")
)

// Authenticator creates relay auth tokens signed by the client identity.
type Authenticator struct {
	keychain storage.Keychain
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu sync.Mutex // serializes first-use key generation
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTokenTTL overrides DefaultTokenTTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func NewAuthenticator(keychain storage.Keychain, opts ...Option) *Authenticator {
	a := &Authenticator{
		keychain: keychain,
		ttl:      DefaultTokenTTL,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreateAuthToken returns a compact EdDSA JWT for the given audience (the
// relay URL). Keychain failures are reported as ErrIdentityUnavailable.
func (a *Authenticator) CreateAuthToken(audience string) (string, error) {
	key, err := a.identity()
	if err != nil {
		return "", err
	}

	subject := make([]byte, 32)
	if _, err := rand.Read(subject); err != nil {
		return "", fmt.Errorf("auth: failed to generate subject: %w", err)
	}

	issuedAt := a.now()
	claims := Claims{
		Issuer:    EncodeDIDKey(key.Public().(ed25519.PublicKey)),
		Subject:   hex.EncodeToString(subject),
		Audience:  audience,
		IssuedAt:  issuedAt.Unix(),
		ExpiresAt: issuedAt.Add(a.ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("auth: failed to sign token: %w", err)
	}
	return token, nil
}

// ClientID returns the did:key of the client identity.
func (a *Authenticator) ClientID() (string, error) {
	key, err := a.identity()
	if err != nil {
		return "", err
	}
	return EncodeDIDKey(key.Public().(ed25519.PublicKey)), nil
}

func (a *Authenticator) identity() (ed25519.PrivateKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seed, err := a.keychain.Read(IdentityKeyName)
	switch {
	case err == nil:
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: stored seed has %d bytes", ErrIdentityUnavailable, len(seed))
		}
		return ed25519.NewKeyFromSeed(seed), nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if err := a.keychain.Add(IdentityKeyName, key.Seed()); err != nil {
		return nil, fmt.Errorf("%w: failed to persist key: %v", ErrIdentityUnavailable, err)
	}
	a.logger.Info("Authenticator: generated new client identity", "clientID", EncodeDIDKey(key.Public().(ed25519.PublicKey)))
	return key, nil
}
