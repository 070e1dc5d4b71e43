package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Directory holds the roles each identity may assume.
type Directory interface {
	RolesFor(ctx context.Context, identityID string) ([]Role, error)
	Role(ctx context.Context, roleID string) (Role, error)
	Touch(ctx context.Context, roleID string, at time.Time) error
}

var _ Directory = (*InMemoryDirectory)(nil)

// InMemoryDirectory is a Directory backed by maps. Roles are configuration:
// they are loaded through Assign, not created by end users.
type InMemoryDirectory struct {
	mu         sync.RWMutex
	roles      map[string]*Role
	byIdentity map[string][]string
}

// NewInMemoryDirectory returns an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		roles:      make(map[string]*Role),
		byIdentity: make(map[string][]string),
	}
}

// Assign stores role and links it to identityID. Capabilities are derived
// from the role type table.
func (d *InMemoryDirectory) Assign(identityID string, role Role) error {
	identityID = strings.TrimSpace(identityID)
	role.ID = strings.TrimSpace(role.ID)
	role.OrganizationID = strings.TrimSpace(role.OrganizationID)
	if identityID == "" || role.ID == "" || role.OrganizationID == "" {
		return fmt.Errorf("%w: identity_id, role id and organization_id are required", ErrInvalidInput)
	}
	if _, err := ParseRoleType(string(role.Type)); err != nil {
		return err
	}
	switch role.Status {
	case RoleStatusActive, RoleStatusPending, RoleStatusSuspended:
	case "":
		role.Status = RoleStatusPending
	default:
		return fmt.Errorf("%w: unsupported role status %s", ErrInvalidInput, role.Status)
	}
	role.Capabilities = ResolveCapabilities(role.Type).List()

	d.mu.Lock()
	defer d.mu.Unlock()
	stored := role
	d.roles[role.ID] = &stored
	for _, id := range d.byIdentity[identityID] {
		if id == role.ID {
			return nil
		}
	}
	d.byIdentity[identityID] = append(d.byIdentity[identityID], role.ID)
	return nil
}

// SetStatus changes the status of a configured role.
func (d *InMemoryDirectory) SetStatus(roleID string, status RoleStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	return nil
}

func (d *InMemoryDirectory) RolesFor(ctx context.Context, identityID string) ([]Role, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := d.byIdentity[identityID]
	out := make([]Role, 0, len(ids))
	for _, id := range ids {
		if r, ok := d.roles[id]; ok {
			out = append(out, copyRole(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *InMemoryDirectory) Role(ctx context.Context, roleID string) (Role, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	return copyRole(r), nil
}

func (d *InMemoryDirectory) Touch(ctx context.Context, roleID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	r.LastAccessedAt = &at
	return nil
}

func copyRole(r *Role) Role {
	out := *r
	out.Capabilities = append([]Capability(nil), r.Capabilities...)
	if r.LastAccessedAt != nil {
		ts := *r.LastAccessedAt
		out.LastAccessedAt = &ts
	}
	return out
}

// ActiveRoles returns the roles whose status is active.
func ActiveRoles(roles []Role) []Role {
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		if r.IsActive() {
			out = append(out, r)
		}
	}
	return out
}
