package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/crypto/bcrypt"

	"tourportal.io/internal/auth"
)

var (
	_ auth.CredentialStore = (*IdentityStore)(nil)
	_ auth.Directory       = (*IdentityStore)(nil)
	_ auth.ConsentRecorder = (*IdentityStore)(nil)
)

var roleColumns = []string{"id", "name", "type", "status", "organization_id", "last_accessed_at"}

// IdentityStore keeps identities, their configured roles and consent records.
type IdentityStore struct {
	*Store
	cost      int
	dummyHash string
}

// Identities returns the identity store view of s. A cost of zero selects
// bcrypt.DefaultCost.
func (s *Store) Identities(cost int) *IdentityStore {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	is := &IdentityStore{Store: s, cost: cost}
	is.dummyHash, _ = auth.HashPassword("portal-unknown-identity", cost)
	return is
}

// Register inserts an identity with a bcrypt hash of secret.
func (s *IdentityStore) Register(ctx context.Context, identity auth.Identity, secret string) error {
	identity.ID = strings.TrimSpace(identity.ID)
	identity.Email = strings.ToLower(strings.TrimSpace(identity.Email))
	if identity.ID == "" || identity.Email == "" {
		return fmt.Errorf("%w: id and email are required", auth.ErrInvalidInput)
	}
	hash, err := auth.HashPassword(secret, s.cost)
	if err != nil {
		return fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	_, err = s.sb.RunWith(s.db).
		Insert("identities").
		Columns("id", "email", "display_name", "password_hash", "is_first_time").
		Values(identity.ID, identity.Email, strings.TrimSpace(identity.DisplayName), hash, identity.IsFirstTime).
		ExecContext(ctx)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: identity already registered", auth.ErrInvalidInput)
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// Verify looks the identity up by email. Unknown emails still pay for one
// bcrypt comparison.
func (s *IdentityStore) Verify(ctx context.Context, email, secret string) (auth.Identity, error) {
	var (
		id   auth.Identity
		hash string
	)
	err := s.sb.RunWith(s.db).
		Select("id", "email", "display_name", "is_first_time", "password_hash").
		From("identities").
		Where("lower(email) = lower(?)", strings.TrimSpace(email)).
		QueryRowContext(ctx).
		Scan(&id.ID, &id.Email, &id.DisplayName, &id.IsFirstTime, &hash)
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, fmt.Errorf("lookup identity: %w", err)
	}
	if !found {
		hash = s.dummyHash
	}
	if err := auth.VerifyPassword(hash, secret); err != nil || !found {
		return auth.Identity{}, auth.ErrInvalidCredentials
	}
	return id, nil
}

func (s *IdentityStore) Identity(ctx context.Context, identityID string) (auth.Identity, error) {
	var id auth.Identity
	err := s.sb.RunWith(s.db).
		Select("id", "email", "display_name", "is_first_time").
		From("identities").
		Where(sq.Eq{"id": identityID}).
		QueryRowContext(ctx).
		Scan(&id.ID, &id.Email, &id.DisplayName, &id.IsFirstTime)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Identity{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Identity{}, err
	}
	return id, nil
}

func (s *IdentityStore) MarkOnboarded(ctx context.Context, identityID string) error {
	res, err := s.sb.RunWith(s.db).
		Update("identities").
		Set("is_first_time", false).
		Where(sq.Eq{"id": identityID}).
		ExecContext(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// Assign inserts or replaces a role for identityID.
func (s *IdentityStore) Assign(ctx context.Context, identityID string, role auth.Role) error {
	role.OrganizationID = strings.TrimSpace(role.OrganizationID)
	if strings.TrimSpace(identityID) == "" || strings.TrimSpace(role.ID) == "" || role.OrganizationID == "" {
		return fmt.Errorf("%w: identity_id, role id and organization_id are required", auth.ErrInvalidInput)
	}
	if _, err := auth.ParseRoleType(string(role.Type)); err != nil {
		return err
	}
	if role.Status == "" {
		role.Status = auth.RoleStatusPending
	}
	_, err := s.sb.RunWith(s.db).
		Insert("roles").
		Columns("id", "identity_id", "name", "type", "status", "organization_id").
		Values(role.ID, identityID, role.Name, string(role.Type), string(role.Status), role.OrganizationID).
		Suffix("ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type, status = EXCLUDED.status, organization_id = EXCLUDED.organization_id").
		ExecContext(ctx)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrNotFound
		}
		return fmt.Errorf("upsert role: %w", err)
	}
	return nil
}

func (s *IdentityStore) RolesFor(ctx context.Context, identityID string) ([]auth.Role, error) {
	rows, err := s.sb.RunWith(s.db).
		Select(roleColumns...).
		From("roles").
		Where(sq.Eq{"identity_id": identityID}).
		OrderBy("id").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []auth.Role{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *IdentityStore) Role(ctx context.Context, roleID string) (auth.Role, error) {
	row := s.sb.RunWith(s.db).
		Select(roleColumns...).
		From("roles").
		Where(sq.Eq{"id": roleID}).
		QueryRowContext(ctx)
	r, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	return r, err
}

func (s *IdentityStore) Touch(ctx context.Context, roleID string, at time.Time) error {
	res, err := s.sb.RunWith(s.db).
		Update("roles").
		Set("last_accessed_at", at.UTC()).
		Where(sq.Eq{"id": roleID}).
		ExecContext(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// Record stores acknowledgments; an existing acknowledgment keeps its time.
func (s *IdentityStore) Record(ctx context.Context, identityID string, roleIDs []string, at time.Time) error {
	q := s.sb.RunWith(s.db).
		Insert("role_consents").
		Columns("identity_id", "role_id", "accepted_at").
		Suffix("ON CONFLICT (identity_id, role_id) DO NOTHING")
	n := 0
	for _, id := range roleIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		q = q.Values(identityID, id, at.UTC())
		n++
	}
	if n == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrNotFound
		}
		return fmt.Errorf("record consent: %w", err)
	}
	return nil
}

func (s *IdentityStore) Consented(ctx context.Context, identityID string) (map[string]time.Time, error) {
	rows, err := s.sb.RunWith(s.db).
		Select("role_id", "accepted_at").
		From("role_consents").
		Where(sq.Eq{"identity_id": identityID}).
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			roleID string
			at     time.Time
		)
		if err := rows.Scan(&roleID, &at); err != nil {
			return nil, err
		}
		out[roleID] = at.UTC()
	}
	return out, rows.Err()
}

func scanRole(row rowScanner) (auth.Role, error) {
	var (
		r            auth.Role
		typ, status  string
		lastAccessed sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Name, &typ, &status, &r.OrganizationID, &lastAccessed); err != nil {
		return auth.Role{}, err
	}
	r.Type = auth.RoleType(typ)
	r.Status = auth.RoleStatus(status)
	r.Capabilities = auth.ResolveCapabilities(r.Type).List()
	r.LastAccessedAt = timePtr(lastAccessed)
	return r, nil
}
