// Package notify aggregates role-scoped notifications and unread badges.
package notify

import (
	"time"

	"tourportal.io/internal/auth"
)

// Kind selects which visibility predicate applies to a notification.
type Kind string

const (
	KindAlert      Kind = "alert"
	KindTicket     Kind = "ticket"
	KindEscalation Kind = "escalation"
)

// Notification is one item in the notification arena.
type Notification struct {
	ID             string        `json:"id"`
	Kind           Kind          `json:"kind"`
	Category       auth.Category `json:"category"`
	AssigneeID     string        `json:"assignee_id,omitempty"`
	OrganizationID string        `json:"organization_id,omitempty"`
	Title          string        `json:"title"`
	Body           string        `json:"body,omitempty"`
	Priority       int           `json:"priority"`
	Read           bool          `json:"read"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AuthResource classifies the notification for authorization checks.
func (n Notification) AuthResource() auth.Resource {
	return auth.Resource{Kind: auth.KindNotification, Category: n.Category, OwnerID: n.OrganizationID}
}

// Badge is the derived unread summary for one principal.
type Badge struct {
	Unread int `json:"unread"`
	Total  int `json:"total"`
}

// Accessible returns the notifications p may see, in input order. Alerts
// follow category visibility, tickets follow the assignee and escalations
// follow the organization; blanket notification access lifts the latter two.
func Accessible(p auth.Principal, all []Notification) []Notification {
	out := make([]Notification, 0, len(all))
	if !p.Role.IsActive() {
		return out
	}
	caps := auth.ResolveCapabilities(p.Role.Type)
	blanket := caps.HasBlanketAccess(auth.KindNotification)
	for _, n := range all {
		var ok bool
		switch n.Kind {
		case KindAlert:
			ok = caps.Sees(n.Category)
		case KindTicket:
			ok = blanket || (n.AssigneeID != "" && n.AssigneeID == p.Identity.ID)
		case KindEscalation:
			ok = blanket || (n.OrganizationID != "" && n.OrganizationID == p.Role.OrganizationID)
		}
		if ok {
			out = append(out, n)
		}
	}
	return out
}

// UnreadCount counts unread notifications among those p may see.
func UnreadCount(p auth.Principal, all []Notification) int {
	n := 0
	for _, item := range Accessible(p, all) {
		if !item.Read {
			n++
		}
	}
	return n
}

// BadgeFor derives the badge for p from all.
func BadgeFor(p auth.Principal, all []Notification) Badge {
	visible := Accessible(p, all)
	b := Badge{Total: len(visible)}
	for _, item := range visible {
		if !item.Read {
			b.Unread++
		}
	}
	return b
}
