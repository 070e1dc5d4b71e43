// Package otp issues and verifies second-factor codes.
//
// One pending code is kept per challenge key (the session id); issuing a new
// code replaces the old one. Backup codes belong to the identity, are kept as
// bcrypt hashes in a BackupStore and are single-use.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCode    = errors.New("otp: invalid code")
	ErrResendCooldown = errors.New("otp: resend cooldown active")
	ErrInvalidInput   = errors.New("otp: invalid input")
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCooldown = 30 * time.Second
	codeDigits      = 6
)

// Recipient is who a code is delivered to.
type Recipient struct {
	IdentityID  string
	Email       string
	DisplayName string
}

// Delivery is handed to a Sender for out-of-band transport.
type Delivery struct {
	Recipient Recipient
	Code      string
	ExpiresAt time.Time
}

// Sender delivers one-time codes.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

type pendingCode struct {
	digest   [sha256.Size]byte
	issuedAt time.Time
	expires  time.Time
	identity string
}

// Challenge tracks issued codes and backup codes.
type Challenge struct {
	mu       sync.Mutex
	pending  map[string]*pendingCode
	lastSent map[string]time.Time
	backups  BackupStore

	sender   Sender
	ttl      time.Duration
	cooldown time.Duration
	cost     int
	now      func() time.Time
	generate func() (string, error)
}

// Option configures a Challenge.
type Option func(*Challenge)

func WithTTL(ttl time.Duration) Option {
	return func(c *Challenge) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithCooldown(d time.Duration) Option {
	return func(c *Challenge) {
		if d >= 0 {
			c.cooldown = d
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(c *Challenge) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithCodeGenerator replaces the random code source, e.g. to pin codes in tests.
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(c *Challenge) {
		if fn != nil {
			c.generate = fn
		}
	}
}

// WithBackupStore keeps backup codes in s instead of process memory.
func WithBackupStore(s BackupStore) Option {
	return func(c *Challenge) {
		if s != nil {
			c.backups = s
		}
	}
}

// WithBackupCost sets the bcrypt cost for backup code hashes.
func WithBackupCost(cost int) Option {
	return func(c *Challenge) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			c.cost = cost
		}
	}
}

func NewChallenge(sender Sender, opts ...Option) *Challenge {
	c := &Challenge{
		pending:  make(map[string]*pendingCode),
		lastSent: make(map[string]time.Time),
		backups:  NewMemoryBackups(),
		sender:   sender,
		ttl:      DefaultTTL,
		cooldown: DefaultCooldown,
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
		generate: RandomCode,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue generates a fresh code for key and delivers it to the recipient.
// Calls inside the cooldown window after the previous issue fail with
// ErrResendCooldown and leave the earlier code valid.
func (c *Challenge) Issue(ctx context.Context, key string, to Recipient) (time.Time, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.TrimSpace(to.IdentityID) == "" {
		return time.Time{}, fmt.Errorf("%w: key and identity are required", ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.lastSent[key]; ok && now.Before(last.Add(c.cooldown)) {
		return time.Time{}, ErrResendCooldown
	}
	code, err := c.generate()
	if err != nil {
		return time.Time{}, fmt.Errorf("generate code: %w", err)
	}
	expires := now.Add(c.ttl)
	if c.sender != nil {
		if err := c.sender.Send(ctx, Delivery{Recipient: to, Code: code, ExpiresAt: expires}); err != nil {
			return time.Time{}, fmt.Errorf("deliver code: %w", err)
		}
	}
	c.pending[key] = &pendingCode{
		digest:   sha256.Sum256([]byte(code)),
		issuedAt: now,
		expires:  expires,
		identity: to.IdentityID,
	}
	c.lastSent[key] = now
	return expires, nil
}

// Verify checks code against the pending code for key, then against the
// identity's unused backup codes. A matching code is consumed before Verify
// returns, so a second call with the same code fails.
func (c *Challenge) Verify(ctx context.Context, key, identityID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidCode
	}
	if c.consumePending(key, identityID, code) {
		return nil
	}
	unused, err := c.backups.UnusedBackupCodes(ctx, identityID)
	if err != nil {
		return fmt.Errorf("load backup codes: %w", err)
	}
	for _, b := range unused {
		if bcrypt.CompareHashAndPassword([]byte(b.Hash), []byte(normalizeBackup(code))) != nil {
			continue
		}
		ok, err := c.backups.ConsumeBackupCode(ctx, identityID, b.ID)
		if err != nil {
			return fmt.Errorf("consume backup code: %w", err)
		}
		if ok {
			return nil
		}
		break
	}
	return ErrInvalidCode
}

func (c *Challenge) consumePending(key, identityID, code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if !ok || p.identity != identityID || !c.now().Before(p.expires) {
		return false
	}
	digest := sha256.Sum256([]byte(code))
	if subtle.ConstantTimeCompare(digest[:], p.digest[:]) != 1 {
		return false
	}
	delete(c.pending, key)
	return true
}

// Forget drops any pending code and cooldown for key.
func (c *Challenge) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
	delete(c.lastSent, key)
}

// GenerateBackupCodes replaces the identity's backup codes with n fresh ones
// and returns them in plaintext. Only hashes are retained.
func (c *Challenge) GenerateBackupCodes(ctx context.Context, identityID string, n int) ([]string, error) {
	if strings.TrimSpace(identityID) == "" || n <= 0 {
		return nil, fmt.Errorf("%w: identity and positive count are required", ErrInvalidInput)
	}
	plain := make([]string, 0, n)
	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(normalizeBackup(code)), c.cost)
		if err != nil {
			return nil, fmt.Errorf("hash backup code: %w", err)
		}
		plain = append(plain, code)
		hashes = append(hashes, string(hash))
	}
	if err := c.backups.ReplaceBackupCodes(ctx, strings.TrimSpace(identityID), hashes); err != nil {
		return nil, fmt.Errorf("store backup codes: %w", err)
	}
	return plain, nil
}

// RemainingBackupCodes counts unused backup codes for the identity.
func (c *Challenge) RemainingBackupCodes(ctx context.Context, identityID string) (int, error) {
	unused, err := c.backups.UnusedBackupCodes(ctx, identityID)
	if err != nil {
		return 0, err
	}
	return len(unused), nil
}

// RandomCode returns a uniformly random six digit code.
func RandomCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

const backupAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

func randomBackupCode() (string, error) {
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		if i == 5 {
			sb.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupAlphabet))))
		if err != nil {
			return "", err
		}
		sb.WriteByte(backupAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

func normalizeBackup(code string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}
