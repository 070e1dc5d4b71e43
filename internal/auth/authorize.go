package auth

import (
	"errors"
	"fmt"
)

// Action is an operation a role attempts on a resource.
type Action string

const (
	ActionRead              Action = "read"
	ActionEdit              Action = "edit"
	ActionCreate            Action = "create"
	ActionPublish           Action = "publish"
	ActionDelete            Action = "delete"
	ActionLedgerWrite       Action = "ledger.write"
	ActionLedgerRequest     Action = "ledger.request"
	ActionModerationApprove Action = "moderation.approve"
)

// requiredCapability maps actions to the capability they need. Read needs none.
var requiredCapability = map[Action]Capability{
	ActionEdit:              CapEdit,
	ActionCreate:            CapCreate,
	ActionPublish:           CapPublish,
	ActionDelete:            CapDelete,
	ActionLedgerWrite:       CapWriteLedger,
	ActionLedgerRequest:     CapRequestLedgerChange,
	ActionModerationApprove: CapApproveModeration,
}

// Decision is the outcome of Authorize. A zero Decision denies.
type Decision struct {
	Allowed bool
	Reason  error
}

// Allow is the allowing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a denying decision with one of ErrRoleSuspended,
// ErrRoleLacksCapability or ErrResourceOutOfScope.
func Deny(reason error) Decision { return Decision{Reason: reason} }

// Outcome is "allow" or a short reason label, used for metrics and logs.
func (d Decision) Outcome() string {
	if d.Allowed {
		return "allow"
	}
	switch {
	case errors.Is(d.Reason, ErrRoleSuspended):
		return "role_suspended"
	case errors.Is(d.Reason, ErrRoleLacksCapability):
		return "role_lacks_capability"
	case errors.Is(d.Reason, ErrResourceOutOfScope):
		return "resource_out_of_scope"
	}
	return "deny"
}

// Err returns nil for an allow and a *DenyError otherwise.
func (d Decision) Err(action Action) error {
	if d.Allowed {
		return nil
	}
	reason := d.Reason
	if reason == nil {
		reason = ErrRoleLacksCapability
	}
	return &DenyError{Action: action, Reason: reason}
}

// DenyError reports a denied action. errors.Is matches its Reason.
type DenyError struct {
	Action Action
	Reason error
}

func (e *DenyError) Error() string {
	return fmt.Sprintf("%s denied: %v", e.Action, e.Reason)
}

func (e *DenyError) Unwrap() error { return e.Reason }

// Authorize decides whether role may perform action on res. A role that is
// not active is denied with ErrRoleSuspended whatever its capabilities.
func Authorize(role Role, action Action, res Resource) Decision {
	if !role.IsActive() {
		return Deny(ErrRoleSuspended)
	}
	if d := Permits(role, action); !d.Allowed {
		return d
	}
	if !inScope(role, ResolveCapabilities(role.Type), res) {
		return Deny(ErrResourceOutOfScope)
	}
	return Allow()
}

// Permits is the role-level half of Authorize: status and capability only,
// with no resource in view. Use it to refuse early before loading anything.
func Permits(role Role, action Action) Decision {
	if !role.IsActive() {
		return Deny(ErrRoleSuspended)
	}
	if action == ActionRead {
		return Allow()
	}
	required, known := requiredCapability[action]
	if !known || !ResolveCapabilities(role.Type).Has(required) {
		return Deny(ErrRoleLacksCapability)
	}
	return Allow()
}

// inScope keeps an ownership-scoped item only when the role's organization
// owns it. Unowned items and roles without an organization never match; only
// blanket access reaches them.
func inScope(role Role, caps CapabilitySet, res Resource) bool {
	if res.Category != "" && !caps.Sees(res.Category) {
		return false
	}
	if !ownershipScoped[res.Kind] {
		return true
	}
	if res.OwnerID != "" && res.OwnerID == role.OrganizationID {
		return true
	}
	return caps.HasBlanketAccess(res.Kind)
}
