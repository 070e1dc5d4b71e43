package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"tourportal.io/internal/ledger"
)

var _ ledger.Store = (*LedgerStore)(nil)

var (
	accountColumns = []string{"id", "organization_id", "total", "available", "reserved", "created_at", "updated_at"}
	txColumns      = []string{"id", "account_id", "sequence", "created_at", "delta", "kind", "actor", "source", "note", "reverses", "idempotency_key"}
)

// LedgerStore persists loyalty accounts and their transactions.
type LedgerStore struct{ *Store }

// Ledger returns the ledger store view of s.
func (s *Store) Ledger() *LedgerStore { return &LedgerStore{s} }

func (s *LedgerStore) CreateAccount(ctx context.Context, acc ledger.Account) error {
	_, err := s.sb.RunWith(s.db).
		Insert("loyalty_accounts").
		Columns(accountColumns...).
		Values(acc.ID, acc.OrganizationID, acc.Total, acc.Available, acc.Reserved, acc.CreatedAt.UTC(), acc.UpdatedAt.UTC()).
		ExecContext(ctx)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ledger.ErrInvalidInput
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *LedgerStore) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	row := s.sb.RunWith(s.db).
		Select(accountColumns...).
		From("loyalty_accounts").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return acc, err
}

func (s *LedgerStore) ListAccounts(ctx context.Context, organizationID string) ([]ledger.Account, error) {
	q := s.sb.RunWith(s.db).
		Select(accountColumns...).
		From("loyalty_accounts").
		OrderBy("id")
	if organizationID != "" {
		q = q.Where(sq.Eq{"organization_id": organizationID})
	}
	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// Apply writes the new balance and appends tx in one database transaction.
// The UPDATE only matches while the row still holds prev's balances, so a
// write from another instance since our read yields ErrStale instead of
// being overwritten. The sequence comes from the bigserial column.
func (s *LedgerStore) Apply(ctx context.Context, prev, next ledger.Account, tx *ledger.Transaction) error {
	return s.withTx(ctx, func(dbtx *sql.Tx) error {
		res, err := s.sb.RunWith(dbtx).
			Update("loyalty_accounts").
			Set("total", next.Total).
			Set("available", next.Available).
			Set("reserved", next.Reserved).
			Set("updated_at", next.UpdatedAt.UTC()).
			Where(sq.Eq{
				"id":        next.ID,
				"total":     prev.Total,
				"available": prev.Available,
				"reserved":  prev.Reserved,
			}).
			ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if n == 0 {
			return s.missingOrStale(ctx, dbtx, next.ID)
		}
		if tx == nil {
			return nil
		}

		err = s.sb.RunWith(dbtx).
			Insert("loyalty_transactions").
			Columns("id", "account_id", "created_at", "delta", "kind", "actor", "source", "note", "reverses", "idempotency_key").
			Values(tx.ID, tx.AccountID, tx.CreatedAt.UTC(), tx.Delta, string(tx.Kind),
				nullIfEmpty(tx.Actor), nullIfEmpty(tx.Source), nullIfEmpty(tx.Note),
				nullIfEmpty(tx.Reverses), nullIfEmpty(tx.IdempotencyKey)).
			Suffix("RETURNING sequence").
			QueryRowContext(ctx).
			Scan(&tx.Sequence)
		switch {
		case err == nil:
			return nil
		case isUniqueViolation(err, "loyalty_transactions_reverses_key"):
			return ledger.ErrAlreadyCountered
		case isUniqueViolation(err, "loyalty_transactions_idem_key"):
			return fmt.Errorf("%w: idempotency key already used", ledger.ErrInvalidInput)
		default:
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return ledger.ErrNotFound
			}
			return fmt.Errorf("insert transaction: %w", err)
		}
	})
}

func (s *LedgerStore) missingOrStale(ctx context.Context, dbtx *sql.Tx, id string) error {
	var one int
	err := s.sb.RunWith(dbtx).
		Select("1").
		From("loyalty_accounts").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx).
		Scan(&one)
	switch {
	case err == nil:
		return ledger.ErrStale
	case errors.Is(err, sql.ErrNoRows):
		return ledger.ErrNotFound
	default:
		return fmt.Errorf("check account: %w", err)
	}
}

func (s *LedgerStore) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	return s.findTransaction(ctx, sq.Eq{"id": id})
}

func (s *LedgerStore) FindByIdempotencyKey(ctx context.Context, accountID, key string) (ledger.Transaction, error) {
	return s.findTransaction(ctx, sq.Eq{"account_id": accountID, "idempotency_key": key})
}

func (s *LedgerStore) findTransaction(ctx context.Context, where sq.Eq) (ledger.Transaction, error) {
	row := s.sb.RunWith(s.db).
		Select(txColumns...).
		From("loyalty_transactions").
		Where(where).
		QueryRowContext(ctx)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return tx, err
}

// ListTransactions pages by sequence. The second result is the sequence of
// the last returned row, or zero when the page is empty.
func (s *LedgerStore) ListTransactions(ctx context.Context, accountID string, limit int, afterSeq uint64) ([]ledger.Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := s.sb.RunWith(s.db).
		Select(txColumns...).
		From("loyalty_transactions").
		Where(sq.Gt{"sequence": afterSeq}).
		OrderBy("sequence").
		Limit(uint64(limit))
	if accountID != "" {
		q = q.Where(sq.Eq{"account_id": accountID})
	}
	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		out  []ledger.Transaction
		last uint64
	)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, tx)
		last = tx.Sequence
	}
	return out, last, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var acc ledger.Account
	err := row.Scan(&acc.ID, &acc.OrganizationID, &acc.Total, &acc.Available, &acc.Reserved, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return ledger.Account{}, err
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return acc, nil
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var (
		tx                                     ledger.Transaction
		kind                                   string
		actor, source, note, reverses, idemKey sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.AccountID, &tx.Sequence, &tx.CreatedAt, &tx.Delta, &kind,
		&actor, &source, &note, &reverses, &idemKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	tx.Kind = ledger.Kind(kind)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.Actor = actor.String
	tx.Source = source.String
	tx.Note = note.String
	tx.Reverses = reverses.String
	tx.IdempotencyKey = idemKey.String
	return tx, nil
}
