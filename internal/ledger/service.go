package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tourportal.io/internal/ids"
	"tourportal.io/internal/keylock"
	"tourportal.io/internal/obs"
)

// Service defines ledger operations. It performs no role checks: callers
// route writes through authorization and moderation first.
type Service interface {
	Open(ctx context.Context, organizationID string) (Account, error)
	Account(ctx context.Context, id string) (Account, error)
	Accounts(ctx context.Context, organizationID string) ([]Account, error)
	Credit(ctx context.Context, accountID string, amount int64, e Entry) (Transaction, error)
	Debit(ctx context.Context, accountID string, amount int64, e Entry) (Transaction, error)
	Reserve(ctx context.Context, accountID string, amount int64) (Account, error)
	Release(ctx context.Context, accountID string, amount int64) (Account, error)
	Counter(ctx context.Context, accountID, txID string, e Entry) (Transaction, error)
	Transaction(ctx context.Context, id string) (Transaction, error)
	Transactions(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]Transaction, uint64, error)
}

var _ Service = (*Engine)(nil)

// Engine applies balance arithmetic over a Store. Mutations on one account
// are serialized; different accounts proceed in parallel.
type Engine struct {
	store Store
	now   func() time.Time
	newID ids.Generator

	locks keylock.Map
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

func WithIDGenerator(gen ids.Generator) EngineOption {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// NewEngine returns an Engine over store; a nil store selects NewInMemory.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	if store == nil {
		store = NewInMemory()
	}
	e := &Engine{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: ids.New,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Open(ctx context.Context, organizationID string) (Account, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return Account{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	now := e.now()
	acc := Account{ID: e.newID(), OrganizationID: organizationID, CreatedAt: now, UpdatedAt: now}
	if err := e.store.CreateAccount(ctx, acc); err != nil {
		return Account{}, err
	}
	obs.ObserveLedger("open", "ok")
	return acc, nil
}

func (e *Engine) Account(ctx context.Context, id string) (Account, error) {
	return e.store.GetAccount(ctx, id)
}

// Accounts lists one organization's accounts.
func (e *Engine) Accounts(ctx context.Context, organizationID string) ([]Account, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return e.store.ListAccounts(ctx, organizationID)
}

func (e *Engine) Transaction(ctx context.Context, id string) (Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

func (e *Engine) Transactions(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]Transaction, uint64, error) {
	return e.store.ListTransactions(ctx, accountID, limit, afterSeq)
}

// Credit adds amount to total and available.
func (e *Engine) Credit(ctx context.Context, accountID string, amount int64, entry Entry) (Transaction, error) {
	if amount <= 0 {
		obs.ObserveLedger("credit", "invalid_amount")
		return Transaction{}, ErrInvalidAmount
	}
	return e.post(ctx, "credit", accountID, entry, func(acc *Account) (Transaction, error) {
		acc.Total += amount
		acc.Available += amount
		return Transaction{Delta: amount, Kind: KindCredit}, nil
	})
}

// Debit removes amount from total and available. It never lets available
// go below zero.
func (e *Engine) Debit(ctx context.Context, accountID string, amount int64, entry Entry) (Transaction, error) {
	if amount <= 0 {
		obs.ObserveLedger("debit", "invalid_amount")
		return Transaction{}, ErrInvalidAmount
	}
	return e.post(ctx, "debit", accountID, entry, func(acc *Account) (Transaction, error) {
		if amount > acc.Available {
			return Transaction{}, &BalanceError{Err: ErrInsufficientAvailableBalance, Requested: amount, Available: acc.Available}
		}
		acc.Total -= amount
		acc.Available -= amount
		return Transaction{Delta: -amount, Kind: KindDebit}, nil
	})
}

// Counter appends a manual entry reversing txID. A transaction can be
// countered once; counters themselves cannot be countered.
func (e *Engine) Counter(ctx context.Context, accountID, txID string, entry Entry) (Transaction, error) {
	orig, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		obs.ObserveLedger("counter", resultLabel(err))
		return Transaction{}, err
	}
	if orig.AccountID != accountID {
		obs.ObserveLedger("counter", "not_found")
		return Transaction{}, ErrNotFound
	}
	if orig.Reverses != "" {
		obs.ObserveLedger("counter", "invalid_input")
		return Transaction{}, fmt.Errorf("%w: cannot counter a counter entry", ErrInvalidInput)
	}
	return e.post(ctx, "counter", accountID, entry, func(acc *Account) (Transaction, error) {
		delta := -orig.Delta
		if delta < 0 && -delta > acc.Available {
			return Transaction{}, &BalanceError{Err: ErrInsufficientAvailableBalance, Requested: -delta, Available: acc.Available}
		}
		acc.Total += delta
		acc.Available += delta
		return Transaction{Delta: delta, Kind: KindManual, Reverses: orig.ID}, nil
	})
}

// Reserve moves amount from available to reserved. A zero amount changes
// nothing and returns the account as stored.
func (e *Engine) Reserve(ctx context.Context, accountID string, amount int64) (Account, error) {
	switch {
	case amount < 0:
		obs.ObserveLedger("reserve", "invalid_amount")
		return Account{}, ErrInvalidAmount
	case amount == 0:
		return e.store.GetAccount(ctx, accountID)
	}
	return e.move(ctx, "reserve", accountID, func(acc *Account) error {
		if amount > acc.Available {
			return &BalanceError{Err: ErrInsufficientAvailableBalance, Requested: amount, Available: acc.Available}
		}
		acc.Available -= amount
		acc.Reserved += amount
		return nil
	})
}

// Release moves amount from reserved back to available. A zero amount
// changes nothing.
func (e *Engine) Release(ctx context.Context, accountID string, amount int64) (Account, error) {
	switch {
	case amount < 0:
		obs.ObserveLedger("release", "invalid_amount")
		return Account{}, ErrInvalidAmount
	case amount == 0:
		return e.store.GetAccount(ctx, accountID)
	}
	return e.move(ctx, "release", accountID, func(acc *Account) error {
		if amount > acc.Reserved {
			return &BalanceError{Err: ErrInvalidRelease, Requested: amount, Available: acc.Reserved}
		}
		acc.Reserved -= amount
		acc.Available += amount
		return nil
	})
}

// maxApplyAttempts bounds re-reads after another writer moved the balance
// between our read and our write.
const maxApplyAttempts = 5

func (e *Engine) post(ctx context.Context, op, accountID string, entry Entry, apply func(*Account) (Transaction, error)) (Transaction, error) {
	unlock := e.lock(accountID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		tx, err := e.postOnce(ctx, op, accountID, entry, apply)
		if errors.Is(err, ErrStale) && attempt < maxApplyAttempts {
			continue
		}
		return tx, err
	}
}

func (e *Engine) postOnce(ctx context.Context, op, accountID string, entry Entry, apply func(*Account) (Transaction, error)) (Transaction, error) {
	if key := strings.TrimSpace(entry.IdempotencyKey); key != "" {
		tx, err := e.store.FindByIdempotencyKey(ctx, accountID, key)
		if err == nil {
			obs.ObserveLedger(op, "replayed")
			return tx, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Transaction{}, err
		}
	}
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		obs.ObserveLedger(op, resultLabel(err))
		return Transaction{}, err
	}
	next := acc
	tx, err := apply(&next)
	if err != nil {
		obs.ObserveLedger(op, resultLabel(err))
		return Transaction{}, err
	}
	if err := next.Check(); err != nil {
		return Transaction{}, err
	}
	now := e.now()
	next.UpdatedAt = now
	tx.ID = e.newID()
	tx.AccountID = accountID
	tx.CreatedAt = now
	tx.Actor = strings.TrimSpace(entry.Actor)
	tx.Source = strings.TrimSpace(entry.Source)
	tx.Note = strings.TrimSpace(entry.Note)
	tx.IdempotencyKey = strings.TrimSpace(entry.IdempotencyKey)
	if err := e.store.Apply(ctx, acc, next, &tx); err != nil {
		obs.ObserveLedger(op, resultLabel(err))
		return Transaction{}, err
	}
	obs.ObserveLedger(op, "ok")
	return tx, nil
}

func (e *Engine) move(ctx context.Context, op, accountID string, apply func(*Account) error) (Account, error) {
	unlock := e.lock(accountID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		acc, err := e.moveOnce(ctx, op, accountID, apply)
		if errors.Is(err, ErrStale) && attempt < maxApplyAttempts {
			continue
		}
		return acc, err
	}
}

func (e *Engine) moveOnce(ctx context.Context, op, accountID string, apply func(*Account) error) (Account, error) {
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		obs.ObserveLedger(op, resultLabel(err))
		return Account{}, err
	}
	next := acc
	if err := apply(&next); err != nil {
		obs.ObserveLedger(op, resultLabel(err))
		return Account{}, err
	}
	if err := next.Check(); err != nil {
		return Account{}, err
	}
	next.UpdatedAt = e.now()
	if err := e.store.Apply(ctx, acc, next, nil); err != nil {
		obs.ObserveLedger(op, resultLabel(err))
		return Account{}, err
	}
	obs.ObserveLedger(op, "ok")
	return next, nil
}

func (e *Engine) lock(accountID string) func() {
	return e.locks.Lock(accountID)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientAvailableBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidRelease):
		return "invalid_release"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrAlreadyCountered):
		return "already_countered"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrStale):
		return "stale"
	}
	return "error"
}
