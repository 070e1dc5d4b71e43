package ledger

import (
	"errors"
	"fmt"
	"time"

	"tourportal.io/internal/auth"
)

// Account holds one organization's loyalty points, in whole points. Total always equals
// Available + Reserved and no field is ever negative.
type Account struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Total          int64     `json:"total"`
	Available      int64     `json:"available"`
	Reserved       int64     `json:"reserved"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Check verifies the balance invariant.
func (a Account) Check() error {
	if a.Available < 0 || a.Reserved < 0 || a.Total != a.Available+a.Reserved {
		return fmt.Errorf("%w: total=%d available=%d reserved=%d", ErrCorrupt, a.Total, a.Available, a.Reserved)
	}
	return nil
}

func (a Account) sameBalance(b Account) bool {
	return a.Total == b.Total && a.Available == b.Available && a.Reserved == b.Reserved
}

// AuthResource classifies the account as a ledger owned by its organization.
func (a Account) AuthResource() auth.Resource {
	return auth.Resource{Kind: auth.KindLedger, Category: auth.CategoryLoyalty, OwnerID: a.OrganizationID}
}

// Kind classifies a transaction.
type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
	KindManual Kind = "manual"
)

// Transaction is an append-only record of a change to Total.
type Transaction struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Sequence       uint64    `json:"sequence"` // monotonic across the ledger
	CreatedAt      time.Time `json:"created_at"`
	Delta          int64     `json:"delta"`
	Kind           Kind      `json:"kind"`
	Actor          string    `json:"actor,omitempty"`
	Source         string    `json:"source,omitempty"`
	Note           string    `json:"note,omitempty"`
	Reverses       string    `json:"reverses,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Entry carries the descriptive fields of a credit, debit or counter entry.
type Entry struct {
	Actor          string
	Source         string
	Note           string
	IdempotencyKey string
}

var (
	ErrNotFound                     = errors.New("ledger: not found")
	ErrInvalidInput                 = errors.New("ledger: invalid input")
	ErrInvalidAmount                = errors.New("ledger: invalid amount (must be > 0)")
	ErrInsufficientAvailableBalance = errors.New("ledger: insufficient available balance")
	ErrInvalidRelease               = errors.New("ledger: release exceeds reserved balance")
	ErrAlreadyCountered             = errors.New("ledger: transaction already countered")
	ErrCorrupt                      = errors.New("ledger: balance invariant violated")
	ErrStale                        = errors.New("ledger: account changed concurrently")
)

// BalanceError reports a request that exceeds what the account holds.
// errors.Is matches ErrInsufficientAvailableBalance or ErrInvalidRelease.
type BalanceError struct {
	Err       error
	Requested int64
	Available int64
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("%v: requested %d, available %d", e.Err, e.Requested, e.Available)
}

func (e *BalanceError) Unwrap() error { return e.Err }

// AvailableFrom extracts the available amount from a balance error.
func AvailableFrom(err error) (int64, bool) {
	var be *BalanceError
	if errors.As(err, &be) {
		return be.Available, true
	}
	return 0, false
}
