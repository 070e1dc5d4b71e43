// Package session drives the multi-step sign-in state machine: credentials,
// second factor, first-time consent and role selection.
package session

import (
	"errors"
	"fmt"
	"time"
)

// State is a step of the sign-in flow.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateCredentialOK    State = "credential_ok"
	StateMFAPending      State = "mfa_pending"
	StateConsentPending  State = "consent_pending"
	StateRoleSelection   State = "role_selection"
	StateActive          State = "active"
)

var (
	ErrSessionNotFound   = errors.New("session: not found")
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrLocked            = errors.New("session: too many failed attempts")
	ErrInvariant         = errors.New("session: invariant violated")
)

// Session is one sign-in. ActiveRoleID is set exactly when State is active.
type Session struct {
	ID              string    `json:"id"`
	IdentityID      string    `json:"identity_id"`
	State           State     `json:"state"`
	ActiveRoleID    string    `json:"active_role_id,omitempty"`
	EligibleRoleIDs []string  `json:"eligible_role_ids"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// Validate checks the active-role invariant.
func (s Session) Validate() error {
	if (s.ActiveRoleID != "") != (s.State == StateActive) {
		return fmt.Errorf("%w: state=%s active_role=%q", ErrInvariant, s.State, s.ActiveRoleID)
	}
	return nil
}

func (s Session) clone() Session {
	out := s
	out.EligibleRoleIDs = append([]string(nil), s.EligibleRoleIDs...)
	return out
}

func (s Session) eligible(roleID string) bool {
	for _, id := range s.EligibleRoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}
