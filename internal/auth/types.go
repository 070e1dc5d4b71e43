package auth

import (
	"fmt"
	"strings"
	"time"
)

// Identity is a verified portal user. Roles are attached through the Directory.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	IsFirstTime bool   `json:"is_first_time"`
}

// RoleType is the closed set of portal user categories.
type RoleType string

const (
	RoleAgent        RoleType = "agent"
	RoleContractor   RoleType = "contractor"
	RoleBrandPartner RoleType = "brand-partner"
	RoleExecutive    RoleType = "executive"
	RoleFinance      RoleType = "finance"
	RoleStaff        RoleType = "staff"
	RoleOperator     RoleType = "operator"
	RoleCrew         RoleType = "crew"
	RoleIT           RoleType = "it"
	RolePartner      RoleType = "partner"
)

// RoleTypes lists every role type in declaration order.
var RoleTypes = []RoleType{
	RoleAgent, RoleContractor, RoleBrandPartner, RoleExecutive, RoleFinance,
	RoleStaff, RoleOperator, RoleCrew, RoleIT, RolePartner,
}

// ParseRoleType normalizes s and reports whether it names a known role type.
func ParseRoleType(s string) (RoleType, error) {
	rt := RoleType(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range RoleTypes {
		if rt == known {
			return rt, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role type %q", ErrInvalidInput, s)
}

// RoleStatus is the lifecycle state of a role assignment.
type RoleStatus string

const (
	RoleStatusActive    RoleStatus = "active"
	RoleStatusPending   RoleStatus = "pending"
	RoleStatusSuspended RoleStatus = "suspended"
)

// Capability is a named permission granted to a role type as a whole.
type Capability string

const (
	CapEdit                Capability = "can_edit"
	CapCreate              Capability = "can_create"
	CapPublish             Capability = "can_publish"
	CapDelete              Capability = "can_delete"
	CapRequestLedgerChange Capability = "can_request_ledger_change"
	CapWriteLedger         Capability = "can_write_ledger"
	CapApproveModeration   Capability = "can_approve_moderation"
)

// Role is one role an identity may assume. Capabilities mirrors the
// role-type table at the time the role was loaded and is informational;
// authorization always resolves through ResolveCapabilities.
type Role struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Type           RoleType     `json:"type"`
	Status         RoleStatus   `json:"status"`
	Capabilities   []Capability `json:"capabilities"`
	OrganizationID string       `json:"organization_id"`
	LastAccessedAt *time.Time   `json:"last_accessed_at,omitempty"`
}

// IsActive reports whether the role may be selected and authorized.
func (r Role) IsActive() bool { return r.Status == RoleStatusActive }

// ResourceKind identifies the collection a resource item belongs to.
type ResourceKind string

const (
	KindDocument     ResourceKind = "document"
	KindContent      ResourceKind = "content"
	KindClient       ResourceKind = "client"
	KindLedger       ResourceKind = "ledger"
	KindNotification ResourceKind = "notification"
)

// ownershipScoped kinds are only visible to the owning organization unless
// the role holds blanket access for the kind.
var ownershipScoped = map[ResourceKind]bool{
	KindDocument: true,
	KindClient:   true,
	KindLedger:   true,
}

// Category is a resource classification used for visibility.
type Category string

const (
	CategoryContract   Category = "contract"
	CategoryInvoice    Category = "invoice"
	CategoryItinerary  Category = "itinerary"
	CategoryCampaign   Category = "campaign"
	CategoryCompliance Category = "compliance"
	CategoryOperations Category = "operations"
	CategorySafety     Category = "safety"
	CategorySystem     Category = "system"
	CategoryLoyalty    Category = "loyalty"
	CategoryGuest      Category = "guest"
)

// Resource is the minimal shape authorization needs from any item: what it
// is, how it is classified and who owns it.
type Resource struct {
	Kind     ResourceKind
	Category Category
	OwnerID  string
}
