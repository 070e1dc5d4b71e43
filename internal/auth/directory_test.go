package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDirectoryAssignAndLookup(t *testing.T) {
	ctx := context.Background()
	dir := NewInMemoryDirectory()
	if err := dir.Assign("id-1", Role{ID: "r-fin", Type: RoleFinance, Status: RoleStatusActive, OrganizationID: "org-a"}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := dir.Assign("id-1", Role{ID: "r-crew", Type: RoleCrew, OrganizationID: "org-a"}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := dir.Assign("id-1", Role{ID: "bad", Type: RoleType("pirate")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := dir.Assign("id-1", Role{ID: "r-orgless", Type: RoleAgent, Status: RoleStatusActive, OrganizationID: " "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("role without organization accepted: %v", err)
	}

	roles, err := dir.RolesFor(ctx, "id-1")
	if err != nil {
		t.Fatalf("RolesFor: %v", err)
	}
	if len(roles) != 2 || roles[0].ID != "r-crew" || roles[1].ID != "r-fin" {
		t.Fatalf("unexpected roles %+v", roles)
	}
	if roles[0].Status != RoleStatusPending {
		t.Fatalf("default status should be pending, got %s", roles[0].Status)
	}
	if len(roles[1].Capabilities) == 0 {
		t.Fatalf("capabilities not populated")
	}
	if got := ActiveRoles(roles); len(got) != 1 || got[0].ID != "r-fin" {
		t.Fatalf("ActiveRoles = %+v", got)
	}

	roles[1].Capabilities[0] = CapDelete
	again, _ := dir.Role(ctx, "r-fin")
	if again.Capabilities[0] == CapDelete {
		t.Fatalf("directory returned shared slice")
	}
}

func TestDirectoryTouchAndStatus(t *testing.T) {
	ctx := context.Background()
	dir := NewInMemoryDirectory()
	_ = dir.Assign("id-1", Role{ID: "r1", Type: RoleAgent, Status: RoleStatusActive, OrganizationID: "org-a"})

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := dir.Touch(ctx, "r1", at); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	role, _ := dir.Role(ctx, "r1")
	if role.LastAccessedAt == nil || !role.LastAccessedAt.Equal(at) {
		t.Fatalf("last accessed not stamped: %v", role.LastAccessedAt)
	}
	if err := dir.SetStatus("r1", RoleStatusSuspended); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	role, _ = dir.Role(ctx, "r1")
	if role.IsActive() {
		t.Fatalf("role should be suspended")
	}
	if err := dir.Touch(ctx, "missing", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConsentsKeepFirstAcknowledgment(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryConsents()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = c.Record(ctx, "id-1", []string{"r1", " ", "r2"}, first)
	_ = c.Record(ctx, "id-1", []string{"r1"}, first.Add(time.Hour))

	got, err := c.Consented(ctx, "id-1")
	if err != nil {
		t.Fatalf("Consented: %v", err)
	}
	if len(got) != 2 || !got["r1"].Equal(first) {
		t.Fatalf("unexpected consents %v", got)
	}
}
