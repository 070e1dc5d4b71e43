package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"tourportal.io/internal/moderation"
)

var _ moderation.Store = (*ModerationStore)(nil)

var moderationColumns = []string{
	"id", "account_id", "organization_id", "delta", "reason", "revokes_transaction_id",
	"requester_id", "requester_role_id", "requester_role", "status",
	"reviewer_id", "review_note", "transaction_id", "created_at", "updated_at", "resolved_at",
}

// ModerationStore persists moderation requests.
type ModerationStore struct{ *Store }

// Moderation returns the moderation store view of s.
func (s *Store) Moderation() *ModerationStore { return &ModerationStore{s} }

func (s *ModerationStore) Create(ctx context.Context, r moderation.Request) error {
	_, err := s.sb.RunWith(s.db).
		Insert("moderation_requests").
		Columns(moderationColumns...).
		Values(r.ID, r.AccountID, r.OrganizationID, r.Delta, r.Reason, nullIfEmpty(r.RevokesTransactionID),
			r.RequesterID, r.RequesterRoleID, r.RequesterRole, string(r.Status),
			nullIfEmpty(r.ReviewerID), nullIfEmpty(r.ReviewNote), nullIfEmpty(r.TransactionID),
			r.CreatedAt.UTC(), r.UpdatedAt.UTC(), nullTime(r.ResolvedAt)).
		ExecContext(ctx)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: duplicate request id", moderation.ErrInvalidInput)
		}
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return moderation.ErrNotFound
		}
		return fmt.Errorf("insert moderation request: %w", err)
	}
	return nil
}

// Update overwrites the mutable review fields of an existing request.
func (s *ModerationStore) Update(ctx context.Context, r moderation.Request) error {
	res, err := s.sb.RunWith(s.db).
		Update("moderation_requests").
		Set("status", string(r.Status)).
		Set("reviewer_id", nullIfEmpty(r.ReviewerID)).
		Set("review_note", nullIfEmpty(r.ReviewNote)).
		Set("transaction_id", nullIfEmpty(r.TransactionID)).
		Set("updated_at", r.UpdatedAt.UTC()).
		Set("resolved_at", nullTime(r.ResolvedAt)).
		Where(sq.Eq{"id": r.ID}).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("update moderation request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return moderation.ErrNotFound
	}
	return nil
}

func (s *ModerationStore) Get(ctx context.Context, id string) (moderation.Request, error) {
	row := s.sb.RunWith(s.db).
		Select(moderationColumns...).
		From("moderation_requests").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx)
	r, err := scanModeration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return moderation.Request{}, moderation.ErrNotFound
	}
	return r, err
}

// List returns matching requests oldest first.
func (s *ModerationStore) List(ctx context.Context, f moderation.Filter) ([]moderation.Request, error) {
	where := sq.Eq{}
	if f.Status != "" {
		where["status"] = string(f.Status)
	}
	if f.AccountID != "" {
		where["account_id"] = f.AccountID
	}
	if f.RequesterID != "" {
		where["requester_id"] = f.RequesterID
	}
	q := s.sb.RunWith(s.db).
		Select(moderationColumns...).
		From("moderation_requests").
		OrderBy("created_at", "id")
	if len(where) > 0 {
		q = q.Where(where)
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []moderation.Request
	for rows.Next() {
		r, err := scanModeration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanModeration(row rowScanner) (moderation.Request, error) {
	var (
		r                                 moderation.Request
		status                            string
		revokes, reviewer, note, resultTx sql.NullString
		resolvedAt                        sql.NullTime
	)
	err := row.Scan(&r.ID, &r.AccountID, &r.OrganizationID, &r.Delta, &r.Reason, &revokes,
		&r.RequesterID, &r.RequesterRoleID, &r.RequesterRole, &status,
		&reviewer, &note, &resultTx, &r.CreatedAt, &r.UpdatedAt, &resolvedAt)
	if err != nil {
		return moderation.Request{}, err
	}
	r.Status = moderation.Status(status)
	r.RevokesTransactionID = revokes.String
	r.ReviewerID = reviewer.String
	r.ReviewNote = note.String
	r.TransactionID = resultTx.String
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.ResolvedAt = timePtr(resolvedAt)
	return r, nil
}
