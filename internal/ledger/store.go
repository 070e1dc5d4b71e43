package ledger

import (
	"context"
	"sort"
	"sync"
)

// Store persists accounts and transactions. The Engine serializes writes per
// account within a process; across processes Apply's balance guard decides.
type Store interface {
	CreateAccount(ctx context.Context, acc Account) error
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context, organizationID string) ([]Account, error)
	// Apply saves next and, when tx is non-nil, appends tx and assigns its
	// Sequence. It fails with ErrStale when the stored balances no longer
	// equal prev's, and with ErrAlreadyCountered when tx reverses a
	// transaction that was already countered.
	Apply(ctx context.Context, prev, next Account, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	FindByIdempotencyKey(ctx context.Context, accountID, key string) (Transaction, error)
	ListTransactions(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]Transaction, uint64, error)
}

var _ Store = (*InMemory)(nil)

// InMemory implements Store in process memory.
type InMemory struct {
	mu       sync.RWMutex
	accts    map[string]*Account
	seq      uint64
	txs      []Transaction
	byID     map[string]int
	idem     map[string]int // accountID + "\x00" + key -> index into txs
	reversed map[string]string
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		accts:    make(map[string]*Account),
		byID:     make(map[string]int),
		idem:     make(map[string]int),
		reversed: make(map[string]string),
	}
}

func (s *InMemory) CreateAccount(ctx context.Context, acc Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accts[acc.ID]; exists {
		return ErrInvalidInput
	}
	stored := acc
	s.accts[acc.ID] = &stored
	return nil
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *acc, nil
}

func (s *InMemory) ListAccounts(ctx context.Context, organizationID string) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, 0, len(s.accts))
	for _, acc := range s.accts {
		if organizationID == "" || acc.OrganizationID == organizationID {
			out = append(out, *acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) Apply(ctx context.Context, prev, next Account, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accts[next.ID]
	if !ok {
		return ErrNotFound
	}
	if !cur.sameBalance(prev) {
		return ErrStale
	}
	if tx != nil && tx.Reverses != "" {
		if _, done := s.reversed[tx.Reverses]; done {
			return ErrAlreadyCountered
		}
	}
	*cur = next
	if tx == nil {
		return nil
	}
	s.seq++
	tx.Sequence = s.seq
	s.txs = append(s.txs, *tx)
	idx := len(s.txs) - 1
	s.byID[tx.ID] = idx
	if tx.IdempotencyKey != "" {
		s.idem[tx.AccountID+"\x00"+tx.IdempotencyKey] = idx
	}
	if tx.Reverses != "" {
		s.reversed[tx.Reverses] = tx.ID
	}
	return nil
}

func (s *InMemory) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return s.txs[idx], nil
}

func (s *InMemory) FindByIdempotencyKey(ctx context.Context, accountID, key string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.idem[accountID+"\x00"+key]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return s.txs[idx], nil
}

func (s *InMemory) ListTransactions(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= afterSeq || (accountID != "" && tx.AccountID != accountID) {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}
