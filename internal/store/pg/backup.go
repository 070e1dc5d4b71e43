package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"tourportal.io/internal/auth"
	"tourportal.io/internal/otp"
)

var _ otp.BackupStore = (*IdentityStore)(nil)

// ReplaceBackupCodes drops the identity's previous backup codes, used or
// not, and stores hashes in their place.
func (s *IdentityStore) ReplaceBackupCodes(ctx context.Context, identityID string, hashes []string) error {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return fmt.Errorf("%w: identity_id is required", auth.ErrInvalidInput)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.sb.RunWith(tx).
			Delete("backup_codes").
			Where(sq.Eq{"identity_id": identityID}).
			ExecContext(ctx); err != nil {
			return fmt.Errorf("delete backup codes: %w", err)
		}
		if len(hashes) == 0 {
			return nil
		}
		q := s.sb.RunWith(tx).Insert("backup_codes").Columns("identity_id", "code_hash")
		for _, h := range hashes {
			q = q.Values(identityID, h)
		}
		if _, err := q.ExecContext(ctx); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return auth.ErrNotFound
			}
			return fmt.Errorf("insert backup codes: %w", err)
		}
		return nil
	})
}

func (s *IdentityStore) UnusedBackupCodes(ctx context.Context, identityID string) ([]otp.BackupCode, error) {
	rows, err := s.sb.RunWith(s.db).
		Select("id", "code_hash").
		From("backup_codes").
		Where(sq.Eq{"identity_id": identityID, "used_at": nil}).
		OrderBy("id").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []otp.BackupCode
	for rows.Next() {
		var b otp.BackupCode
		if err := rows.Scan(&b.ID, &b.Hash); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ConsumeBackupCode marks the code used. The used_at guard makes concurrent
// consumers race on the row; only one sees it change.
func (s *IdentityStore) ConsumeBackupCode(ctx context.Context, identityID string, id int64) (bool, error) {
	res, err := s.sb.RunWith(s.db).
		Update("backup_codes").
		Set("used_at", time.Now().UTC()).
		Where(sq.Eq{"id": id, "identity_id": identityID, "used_at": nil}).
		ExecContext(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
