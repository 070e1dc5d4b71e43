package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// CredentialStore verifies primary credentials and owns identity records.
type CredentialStore interface {
	// Verify returns the identity for email when secret matches. Any failure
	// is reported as ErrInvalidCredentials so callers cannot tell unknown
	// emails from wrong secrets.
	Verify(ctx context.Context, email, secret string) (Identity, error)
	Identity(ctx context.Context, identityID string) (Identity, error)
	// MarkOnboarded clears IsFirstTime once consent has been recorded.
	MarkOnboarded(ctx context.Context, identityID string) error
}

var _ CredentialStore = (*InMemoryCredentials)(nil)

type credentialRecord struct {
	identity Identity
	hash     string
}

// InMemoryCredentials keeps bcrypt hashes keyed by lowercase email.
type InMemoryCredentials struct {
	mu        sync.RWMutex
	cost      int
	byEmail   map[string]*credentialRecord
	byID      map[string]*credentialRecord
	dummyHash string
}

// CredentialsOption configures InMemoryCredentials.
type CredentialsOption func(*InMemoryCredentials)

// WithBcryptCost overrides the hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) CredentialsOption {
	return func(c *InMemoryCredentials) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			c.cost = cost
		}
	}
}

func NewInMemoryCredentials(opts ...CredentialsOption) *InMemoryCredentials {
	c := &InMemoryCredentials{
		cost:    bcrypt.DefaultCost,
		byEmail: make(map[string]*credentialRecord),
		byID:    make(map[string]*credentialRecord),
	}
	for _, opt := range opts {
		opt(c)
	}
	// Unknown emails still pay for one comparison.
	c.dummyHash, _ = HashPassword("portal-unknown-identity", c.cost)
	return c
}

// Register stores an identity with its secret.
func (c *InMemoryCredentials) Register(identity Identity, secret string) error {
	identity.ID = strings.TrimSpace(identity.ID)
	identity.Email = normalizeEmail(identity.Email)
	identity.DisplayName = strings.TrimSpace(identity.DisplayName)
	if identity.ID == "" || identity.Email == "" {
		return fmt.Errorf("%w: id and email are required", ErrInvalidInput)
	}
	hash, err := HashPassword(secret, c.cost)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byEmail[identity.Email]; exists {
		return fmt.Errorf("%w: email already registered", ErrInvalidInput)
	}
	rec := &credentialRecord{identity: identity, hash: hash}
	c.byEmail[identity.Email] = rec
	c.byID[identity.ID] = rec
	return nil
}

func (c *InMemoryCredentials) Verify(ctx context.Context, email, secret string) (Identity, error) {
	c.mu.RLock()
	rec, ok := c.byEmail[normalizeEmail(email)]
	var (
		hash     = c.dummyHash
		identity Identity
	)
	if ok {
		hash = rec.hash
		identity = rec.identity
	}
	c.mu.RUnlock()

	if err := VerifyPassword(hash, secret); err != nil || !ok {
		return Identity{}, ErrInvalidCredentials
	}
	return identity, nil
}

func (c *InMemoryCredentials) Identity(ctx context.Context, identityID string) (Identity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.byID[identityID]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return rec.identity, nil
}

func (c *InMemoryCredentials) MarkOnboarded(ctx context.Context, identityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byID[identityID]
	if !ok {
		return ErrNotFound
	}
	rec.identity.IsFirstTime = false
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
