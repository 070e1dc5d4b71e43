package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tourportal.io/internal/audit"
	"tourportal.io/internal/auth"
	"tourportal.io/internal/ids"
	"tourportal.io/internal/obs"
	"tourportal.io/internal/otp"
)

const (
	DefaultMaxAttempts = 5
	DefaultLockout     = 5 * time.Minute
)

// SecondFactor issues and checks one-time codes keyed by session id.
type SecondFactor interface {
	Issue(ctx context.Context, key string, to otp.Recipient) (time.Time, error)
	Verify(ctx context.Context, key, identityID, code string) error
	Forget(key string)
}

type entry struct {
	mu          sync.Mutex
	s           Session
	gone        bool
	failures    int
	lockedUntil time.Time
}

type attempts struct {
	failures    int
	lockedUntil time.Time
}

// Manager owns live sessions. Transitions on one session are serialized;
// different sessions proceed independently.
type Manager struct {
	creds    auth.CredentialStore
	dir      auth.Directory
	consents auth.ConsentRecorder
	factor   SecondFactor

	newID       ids.Generator
	now         func() time.Time
	maxAttempts int
	lockout     time.Duration
	idle        time.Duration
	log         *zap.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	byEmail  map[string]*attempts
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

func WithIDGenerator(gen ids.Generator) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// WithAttemptLimit sets how many consecutive failures lock a step and for
// how long. A limit of zero disables lockout.
func WithAttemptLimit(limit int, lockout time.Duration) Option {
	return func(m *Manager) {
		if limit >= 0 {
			m.maxAttempts = limit
		}
		if lockout > 0 {
			m.lockout = lockout
		}
	}
}

// WithIdleTimeout expires sessions not touched for d. Zero disables expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.idle = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(creds auth.CredentialStore, dir auth.Directory, consents auth.ConsentRecorder, factor SecondFactor, opts ...Option) (*Manager, error) {
	if creds == nil || dir == nil || consents == nil || factor == nil {
		return nil, errors.New("session: credentials, directory, consents and second factor are required")
	}
	m := &Manager{
		creds:       creds,
		dir:         dir,
		consents:    consents,
		factor:      factor,
		newID:       ids.Prefixed("ses"),
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		lockout:     DefaultLockout,
		log:         obs.Logger(),
		sessions:    make(map[string]*entry),
		byEmail:     make(map[string]*attempts),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SubmitCredentials verifies email and secret, opens a session and issues a
// second-factor code. The returned session is in mfa_pending.
func (m *Manager) SubmitCredentials(ctx context.Context, email, secret string) (Session, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	now := m.now()
	if m.emailLocked(key, now) {
		obs.ObserveSessionFailure("credentials", "locked")
		return Session{}, ErrLocked
	}
	identity, err := m.creds.Verify(ctx, email, secret)
	if err != nil {
		m.recordEmailFailure(key, now)
		obs.ObserveSessionFailure("credentials", "invalid")
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return Session{}, auth.ErrInvalidCredentials
		}
		return Session{}, err
	}
	m.clearEmailFailures(key)

	s := Session{
		ID:         m.newID(),
		IdentityID: identity.ID,
		State:      StateUnauthenticated,
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeenAt: now,
	}
	m.transition(&s, StateCredentialOK, now)

	if _, err := m.factor.Issue(ctx, s.ID, otp.Recipient{
		IdentityID:  identity.ID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	}); err != nil {
		return Session{}, fmt.Errorf("issue second factor: %w", err)
	}
	m.transition(&s, StateMFAPending, now)
	if err := s.Validate(); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = &entry{s: s}
	m.mu.Unlock()

	m.log.Info("session_opened", zap.String("session_id", s.ID), zap.String("identity_id", s.IdentityID))
	_ = audit.LogEvent(ctx, "session.credentials_accepted", map[string]any{"session_id": s.ID, "identity_id": s.IdentityID})
	return s.clone(), nil
}

// ResendCode issues a new code while the session waits for one.
func (m *Manager) ResendCode(ctx context.Context, sessionID string) (time.Time, error) {
	var expires time.Time
	_, err := m.with(ctx, sessionID, func(e *entry, now time.Time) error {
		if e.s.State != StateMFAPending {
			return fmt.Errorf("%w: resend from %s", ErrInvalidTransition, e.s.State)
		}
		identity, err := m.creds.Identity(ctx, e.s.IdentityID)
		if err != nil {
			return err
		}
		expires, err = m.factor.Issue(ctx, sessionID, otp.Recipient{
			IdentityID:  identity.ID,
			Email:       identity.Email,
			DisplayName: identity.DisplayName,
		})
		return err
	})
	return expires, err
}

// SubmitSecondFactor checks code and routes the session onward: first-time
// identities to consent, identities with several active roles to role
// selection, a sole active role straight to active.
func (m *Manager) SubmitSecondFactor(ctx context.Context, sessionID, code string) (Session, error) {
	return m.with(ctx, sessionID, func(e *entry, now time.Time) error {
		switch e.s.State {
		case StateMFAPending:
		case StateConsentPending, StateRoleSelection, StateActive:
			// The session's code was consumed on the way here; a resubmission
			// looks like any other bad code.
			obs.ObserveSessionFailure("second_factor", "consumed")
			return otp.ErrInvalidCode
		default:
			return fmt.Errorf("%w: second factor from %s", ErrInvalidTransition, e.s.State)
		}
		if m.maxAttempts > 0 && now.Before(e.lockedUntil) {
			obs.ObserveSessionFailure("second_factor", "locked")
			return ErrLocked
		}
		if err := m.factor.Verify(ctx, sessionID, e.s.IdentityID, code); err != nil {
			e.failures++
			if m.maxAttempts > 0 && e.failures >= m.maxAttempts {
				e.lockedUntil = now.Add(m.lockout)
				e.failures = 0
			}
			obs.ObserveSessionFailure("second_factor", "invalid")
			return err
		}
		e.failures = 0

		identity, err := m.creds.Identity(ctx, e.s.IdentityID)
		if err != nil {
			return err
		}
		roles, err := m.dir.RolesFor(ctx, e.s.IdentityID)
		if err != nil {
			return err
		}
		if identity.IsFirstTime {
			m.transition(&e.s, StateConsentPending, now)
			return nil
		}
		return m.route(ctx, e, roleIDs(auth.ActiveRoles(roles)), now)
	})
}

// RecordConsent stores acknowledgment for the accepted roles. Role ids the
// identity does not hold are ignored; an empty remainder fails with
// auth.ErrNoRolesAccepted.
func (m *Manager) RecordConsent(ctx context.Context, sessionID string, roleIDs []string) (Session, error) {
	return m.with(ctx, sessionID, func(e *entry, now time.Time) error {
		if e.s.State != StateConsentPending {
			return fmt.Errorf("%w: consent from %s", ErrInvalidTransition, e.s.State)
		}
		roles, err := m.dir.RolesFor(ctx, e.s.IdentityID)
		if err != nil {
			return err
		}
		held := make(map[string]auth.Role, len(roles))
		for _, r := range roles {
			held[r.ID] = r
		}
		var accepted []string
		seen := make(map[string]bool, len(roleIDs))
		for _, id := range roleIDs {
			id = strings.TrimSpace(id)
			if _, ok := held[id]; !ok || seen[id] {
				continue
			}
			seen[id] = true
			accepted = append(accepted, id)
		}
		if len(accepted) == 0 {
			obs.ObserveSessionFailure("consent", "no_roles")
			return auth.ErrNoRolesAccepted
		}
		if err := m.consents.Record(ctx, e.s.IdentityID, accepted, now); err != nil {
			return err
		}
		if err := m.creds.MarkOnboarded(ctx, e.s.IdentityID); err != nil {
			return err
		}
		_ = audit.LogEvent(ctx, "session.consent_recorded", map[string]any{"session_id": e.s.ID, "role_ids": accepted})

		var eligible []string
		for _, id := range accepted {
			if held[id].IsActive() {
				eligible = append(eligible, id)
			}
		}
		return m.route(ctx, e, eligible, now)
	})
}

// SelectRole activates one of the eligible roles.
func (m *Manager) SelectRole(ctx context.Context, sessionID, roleID string) (Session, error) {
	return m.with(ctx, sessionID, func(e *entry, now time.Time) error {
		if e.s.State != StateRoleSelection {
			return fmt.Errorf("%w: select role from %s", ErrInvalidTransition, e.s.State)
		}
		role, err := m.heldRole(ctx, e.s.IdentityID, strings.TrimSpace(roleID))
		if err != nil {
			return err
		}
		if !role.IsActive() || !e.s.eligible(role.ID) {
			obs.ObserveSessionFailure("select_role", "not_active")
			return auth.ErrRoleNotActive
		}
		return m.activate(ctx, e, role.ID, now)
	})
}

// SwitchRole drops the active role and returns to role selection without
// re-authentication. Nothing from the previous role carries over.
func (m *Manager) SwitchRole(ctx context.Context, sessionID string) (Session, error) {
	return m.with(ctx, sessionID, func(e *entry, now time.Time) error {
		if e.s.State != StateActive {
			return fmt.Errorf("%w: switch role from %s", ErrInvalidTransition, e.s.State)
		}
		e.s.ActiveRoleID = ""
		m.transition(&e.s, StateRoleSelection, now)
		return nil
	})
}

// SignOut destroys the session. It is safe from any state and idempotent.
func (m *Manager) SignOut(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.factor.Forget(sessionID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	from := e.s.State
	e.gone = true
	e.mu.Unlock()
	obs.ObserveSessionTransition(string(from), string(StateUnauthenticated))
	_ = audit.LogEvent(ctx, "session.signed_out", map[string]any{"session_id": sessionID})
	return nil
}

// Get returns a copy of the session and refreshes its idle timer.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	return m.with(ctx, sessionID, func(*entry, time.Time) error { return nil })
}

// Principal resolves the caller of an active session. The role is re-read
// from the directory so status changes apply immediately.
func (m *Manager) Principal(ctx context.Context, sessionID string) (auth.Principal, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return auth.Principal{}, err
	}
	identity, err := m.creds.Identity(ctx, s.IdentityID)
	if err != nil {
		return auth.Principal{}, err
	}
	p := auth.Principal{Identity: identity, SessionID: s.ID}
	if s.State != StateActive {
		return p, fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.State)
	}
	role, err := m.dir.Role(ctx, s.ActiveRoleID)
	if err != nil {
		return p, err
	}
	p.Role = role
	return p, nil
}

// Roles lists the identity's roles for a session in any post-credential state.
func (m *Manager) Roles(ctx context.Context, sessionID string) ([]auth.Role, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.dir.RolesFor(ctx, s.IdentityID)
}

// with runs fn under the session's lock, then validates the invariant.
// fn's changes are discarded when it fails.
func (m *Manager) with(ctx context.Context, sessionID string, fn func(e *entry, now time.Time) error) (Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Session{}, ErrSessionNotFound
	}
	now := m.now()
	if m.idle > 0 && now.Sub(e.s.LastSeenAt) > m.idle {
		e.gone = true
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		m.factor.Forget(sessionID)
		obs.ObserveSessionTransition(string(e.s.State), string(StateUnauthenticated))
		m.log.Info("session_expired", zap.String("session_id", sessionID))
		return Session{}, ErrSessionNotFound
	}

	before := e.s.clone()
	if err := fn(e, now); err != nil {
		e.s = before
		e.s.LastSeenAt = now
		return Session{}, err
	}
	if err := e.s.Validate(); err != nil {
		e.s = before
		return Session{}, err
	}
	e.s.LastSeenAt = now
	return e.s.clone(), nil
}

func (m *Manager) route(ctx context.Context, e *entry, eligible []string, now time.Time) error {
	e.s.EligibleRoleIDs = eligible
	if len(eligible) == 1 {
		return m.activate(ctx, e, eligible[0], now)
	}
	m.transition(&e.s, StateRoleSelection, now)
	return nil
}

func (m *Manager) activate(ctx context.Context, e *entry, roleID string, now time.Time) error {
	if err := m.dir.Touch(ctx, roleID, now); err != nil {
		return err
	}
	e.s.ActiveRoleID = roleID
	m.transition(&e.s, StateActive, now)
	_ = audit.LogEvent(ctx, "session.role_activated", map[string]any{"session_id": e.s.ID, "role_id": roleID})
	return nil
}

func (m *Manager) heldRole(ctx context.Context, identityID, roleID string) (auth.Role, error) {
	roles, err := m.dir.RolesFor(ctx, identityID)
	if err != nil {
		return auth.Role{}, err
	}
	for _, r := range roles {
		if r.ID == roleID {
			return r, nil
		}
	}
	return auth.Role{}, auth.ErrNotFound
}

func (m *Manager) transition(s *Session, to State, now time.Time) {
	obs.ObserveSessionTransition(string(s.State), string(to))
	s.State = to
	s.UpdatedAt = now
}

func (m *Manager) emailLocked(key string, now time.Time) bool {
	if m.maxAttempts <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byEmail[key]
	return ok && now.Before(a.lockedUntil)
}

func (m *Manager) recordEmailFailure(key string, now time.Time) {
	if m.maxAttempts <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byEmail[key]
	if !ok {
		a = &attempts{}
		m.byEmail[key] = a
	}
	a.failures++
	if a.failures >= m.maxAttempts {
		a.lockedUntil = now.Add(m.lockout)
		a.failures = 0
	}
}

func (m *Manager) clearEmailFailures(key string) {
	m.mu.Lock()
	delete(m.byEmail, key)
	m.mu.Unlock()
}

func roleIDs(roles []auth.Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.ID)
	}
	return out
}
