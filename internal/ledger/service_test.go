package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"tourportal.io/internal/ids"
)

func newTestEngine(t *testing.T) (*Engine, Account) {
	t.Helper()
	e := NewEngine(nil, WithIDGenerator(ids.Sequence("led")))
	acc, err := e.Open(context.Background(), "org-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e, acc
}

func mustAccount(t *testing.T, e *Engine, id string) Account {
	t.Helper()
	acc, err := e.Account(context.Background(), id)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if err := acc.Check(); err != nil {
		t.Fatal(err)
	}
	return acc
}

func TestCreditAndDebit(t *testing.T) {
	ctx := context.Background()
	e, acc := newTestEngine(t)

	tx, err := e.Credit(ctx, acc.ID, 1000, Entry{Actor: "id-1", Source: "booking", Note: "welcome"})
	if err != nil {
		t.Fatal(err)
	}
	if tx.Kind != KindCredit || tx.Delta != 1000 || tx.Sequence == 0 {
		t.Fatalf("unexpected credit %+v", tx)
	}
	if _, err := e.Debit(ctx, acc.ID, 400, Entry{Source: "redemption"}); err != nil {
		t.Fatal(err)
	}
	got := mustAccount(t, e, acc.ID)
	if got.Total != 600 || got.Available != 600 || got.Reserved != 0 {
		t.Fatalf("unexpected balances %+v", got)
	}
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	e, acc := newTestEngine(t)
	for _, amount := range []int64{0, -5} {
		if _, err := e.Credit(ctx, acc.ID, amount, Entry{}); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("credit %d: %v", amount, err)
		}
		if _, err := e.Debit(ctx, acc.ID, amount, Entry{}); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("debit %d: %v", amount, err)
		}
	}
	for _, amount := range []int64{-1, -5} {
		if _, err := e.Reserve(ctx, acc.ID, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("reserve %d: %v", amount, err)
		}
		if _, err := e.Release(ctx, acc.ID, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("release %d: %v", amount, err)
		}
	}
	if _, err := e.Credit(ctx, "missing", 10, Entry{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDebitBeyondAvailableLeavesAccountUnchanged(t *testing.T) {
	ctx := context.Background()
	e, acc := newTestEngine(t)
	if _, err := e.Credit(ctx, acc.ID, 100, Entry{}); err != nil {
		t.Fatal(err)
	}
	before := mustAccount(t, e, acc.ID)

	_, err := e.Debit(ctx, acc.ID, 150, Entry{})
	if !errors.Is(err, ErrInsufficientAvailableBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if avail, ok := AvailableFrom(err); !ok || avail != 100 {
		t.Fatalf("error does not carry available amount: %v", err)
	}
	after := mustAccount(t, e, acc.ID)
	if after != before {
		t.Fatalf("account changed: %+v -> %+v", before, after)
	}
	txs, _, _ := e.Transactions(ctx, acc.ID, 0, 0)
	if len(txs) != 1 {
		t.Fatalf("failed debit appended a transaction: %+v", txs)
	}
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, acc := newTestEngine(t)
	if _, err := e.Credit(ctx, acc.ID, 500, Entry{}); err != nil {
		t.Fatal(err)
	}
	for _, n := range []int64{0, 1, 250, 500} {
		before := mustAccount(t, e, acc.ID)
		if _, err := e.Reserve(ctx, acc.ID, n); err != nil {
			t.Fatalf("Reserve(%d): %v", n, err)
		}
		mid := mustAccount(t, e, acc.ID)
		if mid.Total != before.Total || mid.Reserved != before.Reserved+n {
			t.Fatalf("reserve changed total or missed reserved: %+v", mid)
		}
		if _, err := e.Release(ctx, acc.ID, n); err != nil {
			t.Fatalf("Release(%d): %v", n, err)
		}
		after := mustAccount(t, e, acc.ID)
		if after.Available != before.Available || after.Reserved != before.Reserved {
			t.Fatalf("round trip drifted: %+v -> %+v", before, after)
		}
	}
}

func TestReserveAndReleaseLimits(t *testing.T) {
	ctx := context.Background()
	e, acc := newTestEngine(t)
	_, _ = e.Credit(ctx, acc.ID, 100, Entry{})
	if _, err := e.Reserve(ctx, acc.ID, 101); !errors.Is(err, ErrInsufficientAvailableBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := e.Reserve(ctx, acc.ID, 60); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Release(ctx, acc.ID, 61); !errors.Is(err, ErrInvalidRelease) {
		t.Fatalf("expected invalid release, got %v", err)
	}
	if _, err := e.Debit(ctx, acc.ID, 50, Entry{}); !errors.Is(err, ErrInsufficientAvailableBalance) {
		t.Fatalf("debit dipped into reserved points: %v", err)
	}
}

func TestCounter(t *testing.T) {
	ctx := context.Background()
	e, acc := newTestEngine(t)
	credit, _ := e.Credit(ctx, acc.ID, 300, Entry{})

	counter, err := e.Counter(ctx, acc.ID, credit.ID, Entry{Actor: "id-exec", Note: "entered twice"})
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if counter.Kind != KindManual || counter.Delta != -300 || counter.Reverses != credit.ID {
		t.Fatalf("unexpected counter %+v", counter)
	}
	if got := mustAccount(t, e, acc.ID); got.Total != 0 {
		t.Fatalf("counter did not reverse: %+v", got)
	}
	if _, err := e.Counter(ctx, acc.ID, credit.ID, Entry{}); !errors.Is(err, ErrAlreadyCountered) {
		t.Fatalf("expected already countered, got %v", err)
	}
	if _, err := e.Counter(ctx, acc.ID, counter.ID, Entry{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("countered a counter: %v", err)
	}

	other, _ := e.Open(ctx, "org-b")
	if _, err := e.Counter(ctx, other.ID, credit.ID, Entry{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("countered across accounts: %v", err)
	}
}

func TestCounterRefusesToOverdraw(t *testing.T) {
	ctx := context.Background()
	e, acc := newTestEngine(t)
	credit, _ := e.Credit(ctx, acc.ID, 300, Entry{})
	_, _ = e.Debit(ctx, acc.ID, 200, Entry{})
	if _, err := e.Counter(ctx, acc.ID, credit.ID, Entry{}); !errors.Is(err, ErrInsufficientAvailableBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestIdempotency(t *testing.T) {
	ctx := context.Background()
	e, acc := newTestEngine(t)
	tx1, err := e.Credit(ctx, acc.ID, 100, Entry{IdempotencyKey: "same-key"})
	if err != nil {
		t.Fatal(err)
	}
	tx2, err := e.Credit(ctx, acc.ID, 100, Entry{IdempotencyKey: "same-key"})
	if err != nil {
		t.Fatal(err)
	}
	if tx1.ID != tx2.ID || tx1.Sequence != tx2.Sequence {
		t.Fatalf("idempotency violated: %#v != %#v", tx1, tx2)
	}
	if got := mustAccount(t, e, acc.ID); got.Total != 100 {
		t.Fatalf("replayed credit applied twice: %+v", got)
	}
}

func TestTransactionsPaging(t *testing.T) {
	ctx := context.Background()
	e, acc := newTestEngine(t)
	other, _ := e.Open(ctx, "org-b")
	for i := 0; i < 5; i++ {
		_, _ = e.Credit(ctx, acc.ID, 10, Entry{})
		_, _ = e.Credit(ctx, other.ID, 10, Entry{})
	}
	page, last, err := e.Transactions(ctx, acc.ID, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3, got %d", len(page))
	}
	rest, _, _ := e.Transactions(ctx, acc.ID, 10, last)
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(rest))
	}
	for _, tx := range append(page, rest...) {
		if tx.AccountID != acc.ID {
			t.Fatalf("foreign transaction in page: %+v", tx)
		}
	}
}

func TestConcurrentOperationsKeepInvariant(t *testing.T) {
	ctx := context.Background()
	e, acc := newTestEngine(t)
	if _, err := e.Credit(ctx, acc.ID, 10000, Entry{}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(4)
		go func() { defer wg.Done(); _, _ = e.Debit(ctx, acc.ID, 100, Entry{}) }()
		go func() { defer wg.Done(); _, _ = e.Credit(ctx, acc.ID, 40, Entry{}) }()
		go func() { defer wg.Done(); _, _ = e.Reserve(ctx, acc.ID, 30) }()
		go func() { defer wg.Done(); _, _ = e.Release(ctx, acc.ID, 30) }()
	}
	wg.Wait()

	got := mustAccount(t, e, acc.ID)
	txs, _, _ := e.Transactions(ctx, acc.ID, 1000, 0)
	var sum int64
	for _, tx := range txs {
		sum += tx.Delta
	}
	if sum != got.Total {
		t.Fatalf("transactions sum %d != total %d", sum, got.Total)
	}
	if n := e.locks.Len(); n != 0 {
		t.Fatalf("%d account locks left after all writers finished", n)
	}
}

// racingStore lets another writer credit the account between the engine's
// read and its write, the way a second portal instance would.
type racingStore struct {
	*InMemory
	races int
}

func (s *racingStore) Apply(ctx context.Context, prev, next Account, tx *Transaction) error {
	if s.races > 0 {
		s.races--
		cur, err := s.InMemory.GetAccount(ctx, next.ID)
		if err != nil {
			return err
		}
		moved := cur
		moved.Total += 7
		moved.Available += 7
		if err := s.InMemory.Apply(ctx, cur, moved, &Transaction{ID: fmt.Sprintf("race-%d", s.races), AccountID: next.ID, Delta: 7, Kind: KindManual}); err != nil {
			return err
		}
	}
	return s.InMemory.Apply(ctx, prev, next, tx)
}

func TestStaleWriteIsRetried(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{InMemory: NewInMemory()}
	e := NewEngine(store, WithIDGenerator(ids.Sequence("led")))
	acc, err := e.Open(ctx, "org-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	store.races = 2
	if _, err := e.Credit(ctx, acc.ID, 100, Entry{}); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	got := mustAccount(t, e, acc.ID)
	if got.Total != 114 || got.Available != 114 {
		t.Fatalf("concurrent credits lost: %+v", got)
	}

	store.races = 1
	if _, err := e.Reserve(ctx, acc.ID, 14); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	got = mustAccount(t, e, acc.ID)
	if got.Total != 121 || got.Available != 107 || got.Reserved != 14 {
		t.Fatalf("reserve over a moved balance: %+v", got)
	}
}

func TestStaleWriteGivesUp(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{InMemory: NewInMemory()}
	e := NewEngine(store, WithIDGenerator(ids.Sequence("led")))
	acc, err := e.Open(ctx, "org-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store.races = maxApplyAttempts
	if _, err := e.Debit(ctx, acc.ID, 1, Entry{}); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestInMemoryApplyRejectsStalePrev(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	acc := Account{ID: "acc-1", OrganizationID: "org-a"}
	if err := s.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	next := acc
	next.Total, next.Available = 10, 10
	stale := acc
	stale.Total, stale.Available = 5, 5
	if err := s.Apply(ctx, stale, next, nil); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if err := s.Apply(ctx, acc, next, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}
