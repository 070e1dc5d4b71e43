package auth

import "sort"

// CapabilitySet is the immutable capability table entry for one role type.
// Sets are built once at package init and only exposed through accessors.
type CapabilitySet struct {
	CanEdit                bool `json:"can_edit"`
	CanCreate              bool `json:"can_create"`
	CanPublish             bool `json:"can_publish"`
	CanDelete              bool `json:"can_delete"`
	CanRequestLedgerChange bool `json:"can_request_ledger_change"`
	CanWriteLedger         bool `json:"can_write_ledger"`
	CanApproveModeration   bool `json:"can_approve_moderation"`

	visible map[Category]struct{}
	blanket map[ResourceKind]struct{}
}

// Sees reports whether items of category cat are visible to the role type.
func (c CapabilitySet) Sees(cat Category) bool {
	_, ok := c.visible[cat]
	return ok
}

// HasBlanketAccess reports whether ownership scoping is lifted for kind.
func (c CapabilitySet) HasBlanketAccess(kind ResourceKind) bool {
	_, ok := c.blanket[kind]
	return ok
}

// VisibleCategories returns a sorted copy of the visible categories.
func (c CapabilitySet) VisibleCategories() []Category {
	out := make([]Category, 0, len(c.visible))
	for cat := range c.visible {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether the set grants capability.
func (c CapabilitySet) Has(capability Capability) bool {
	switch capability {
	case CapEdit:
		return c.CanEdit
	case CapCreate:
		return c.CanCreate
	case CapPublish:
		return c.CanPublish
	case CapDelete:
		return c.CanDelete
	case CapRequestLedgerChange:
		return c.CanRequestLedgerChange
	case CapWriteLedger:
		return c.CanWriteLedger
	case CapApproveModeration:
		return c.CanApproveModeration
	}
	return false
}

// List returns granted capabilities in a stable order.
func (c CapabilitySet) List() []Capability {
	all := []Capability{CapEdit, CapCreate, CapPublish, CapDelete, CapRequestLedgerChange, CapWriteLedger, CapApproveModeration}
	out := make([]Capability, 0, len(all))
	for _, capability := range all {
		if c.Has(capability) {
			out = append(out, capability)
		}
	}
	return out
}

type tableEntry struct {
	caps    []Capability
	visible []Category
	blanket []ResourceKind
}

var allCategories = []Category{
	CategoryContract, CategoryInvoice, CategoryItinerary, CategoryCampaign, CategoryCompliance,
	CategoryOperations, CategorySafety, CategorySystem, CategoryLoyalty, CategoryGuest,
}

var tableSource = map[RoleType]tableEntry{
	RoleExecutive: {
		caps:    []Capability{CapEdit, CapCreate, CapPublish, CapDelete, CapRequestLedgerChange, CapWriteLedger, CapApproveModeration},
		visible: allCategories,
		blanket: []ResourceKind{KindDocument, KindClient, KindLedger, KindNotification},
	},
	RoleFinance: {
		caps:    []Capability{CapEdit, CapCreate, CapRequestLedgerChange, CapApproveModeration},
		visible: []Category{CategoryContract, CategoryInvoice, CategoryCompliance, CategoryLoyalty},
		blanket: []ResourceKind{KindDocument, KindLedger},
	},
	RoleStaff: {
		caps:    []Capability{CapEdit, CapCreate, CapPublish, CapRequestLedgerChange},
		visible: []Category{CategoryItinerary, CategoryCampaign, CategoryOperations, CategoryGuest, CategoryLoyalty},
		blanket: []ResourceKind{KindClient},
	},
	RoleOperator: {
		caps:    []Capability{CapEdit, CapCreate},
		visible: []Category{CategoryOperations, CategoryItinerary, CategorySafety, CategoryGuest},
	},
	RoleCrew: {
		visible: []Category{CategorySafety, CategoryOperations},
	},
	RoleIT: {
		caps:    []Capability{CapEdit, CapCreate, CapDelete},
		visible: []Category{CategorySystem, CategoryCompliance},
		blanket: []ResourceKind{KindNotification},
	},
	RoleAgent: {
		caps:    []Capability{CapEdit, CapCreate, CapRequestLedgerChange},
		visible: []Category{CategoryItinerary, CategoryGuest, CategoryContract, CategoryLoyalty},
	},
	RoleContractor: {
		caps:    []Capability{CapEdit},
		visible: []Category{CategoryContract, CategoryInvoice, CategoryOperations},
	},
	RoleBrandPartner: {
		caps:    []Capability{CapEdit, CapCreate, CapPublish, CapRequestLedgerChange},
		visible: []Category{CategoryCampaign, CategoryLoyalty, CategoryContract},
	},
	RolePartner: {
		caps:    []Capability{CapEdit, CapRequestLedgerChange},
		visible: []Category{CategoryContract, CategoryInvoice, CategoryLoyalty, CategoryCampaign},
	},
}

var capabilityTable = buildTable(tableSource)

func buildTable(src map[RoleType]tableEntry) map[RoleType]CapabilitySet {
	table := make(map[RoleType]CapabilitySet, len(src))
	for rt, entry := range src {
		set := CapabilitySet{
			visible: make(map[Category]struct{}, len(entry.visible)),
			blanket: make(map[ResourceKind]struct{}, len(entry.blanket)),
		}
		for _, capability := range entry.caps {
			switch capability {
			case CapEdit:
				set.CanEdit = true
			case CapCreate:
				set.CanCreate = true
			case CapPublish:
				set.CanPublish = true
			case CapDelete:
				set.CanDelete = true
			case CapRequestLedgerChange:
				set.CanRequestLedgerChange = true
			case CapWriteLedger:
				set.CanWriteLedger = true
			case CapApproveModeration:
				set.CanApproveModeration = true
			}
		}
		for _, cat := range entry.visible {
			set.visible[cat] = struct{}{}
		}
		for _, kind := range entry.blanket {
			set.blanket[kind] = struct{}{}
		}
		table[rt] = set
	}
	return table
}

// ResolveCapabilities returns the capability set for a role type. It depends
// on the type only; unknown types resolve to the empty set.
func ResolveCapabilities(rt RoleType) CapabilitySet {
	return capabilityTable[rt]
}
