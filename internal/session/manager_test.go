package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tourportal.io/internal/auth"
	"tourportal.io/internal/ids"
	"tourportal.io/internal/otp"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mgr      *Manager
	creds    *auth.InMemoryCredentials
	dir      *auth.InMemoryDirectory
	consents *auth.InMemoryConsents
	factor   *otp.Challenge
	clock    *clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		creds:    auth.NewInMemoryCredentials(auth.WithBcryptCost(bcrypt.MinCost)),
		dir:      auth.NewInMemoryDirectory(),
		consents: auth.NewInMemoryConsents(),
		clock:    &clock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)},
	}
	f.factor = otp.NewChallenge(nil,
		otp.WithCodeGenerator(func() (string, error) { return "123456", nil }),
		otp.WithClock(f.clock.Now),
		otp.WithBackupCost(bcrypt.MinCost),
	)
	base := []Option{WithClock(f.clock.Now), WithIDGenerator(ids.Sequence("ses"))}
	mgr, err := NewManager(f.creds, f.dir, f.consents, f.factor, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	f.mgr = mgr
	return f
}

func (f *fixture) identity(t *testing.T, id string, firstTime bool, roles ...auth.Role) {
	t.Helper()
	if err := f.creds.Register(auth.Identity{ID: id, Email: id + "@example.com", IsFirstTime: firstTime}, "pw-"+id); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, r := range roles {
		if err := f.dir.Assign(id, r); err != nil {
			t.Fatalf("Assign: %v", err)
		}
	}
}

func (f *fixture) signIn(t *testing.T, id string) Session {
	t.Helper()
	s, err := f.mgr.SubmitCredentials(context.Background(), id+"@example.com", "pw-"+id)
	if err != nil {
		t.Fatalf("SubmitCredentials: %v", err)
	}
	return s
}

func role(id string, rt auth.RoleType, status auth.RoleStatus) auth.Role {
	return auth.Role{ID: id, Type: rt, Status: status, OrganizationID: "org-a"}
}

func mustValid(t *testing.T, s Session) {
	t.Helper()
	if err := s.Validate(); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestTwoActiveRolesLandInRoleSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.identity(t, "ana", false,
		role("r-agent", auth.RoleAgent, auth.RoleStatusActive),
		role("r-partner", auth.RolePartner, auth.RoleStatusActive),
	)

	s := f.signIn(t, "ana")
	mustValid(t, s)
	if s.State != StateMFAPending {
		t.Fatalf("expected mfa_pending, got %s", s.State)
	}
	s, err := f.mgr.SubmitSecondFactor(ctx, s.ID, "123456")
	if err != nil {
		t.Fatalf("SubmitSecondFactor: %v", err)
	}
	mustValid(t, s)
	if s.State != StateRoleSelection || s.ActiveRoleID != "" {
		t.Fatalf("expected role_selection without active role, got %+v", s)
	}
	if len(s.EligibleRoleIDs) != 2 {
		t.Fatalf("unexpected eligible roles %v", s.EligibleRoleIDs)
	}

	s, err = f.mgr.SelectRole(ctx, s.ID, "r-partner")
	if err != nil {
		t.Fatalf("SelectRole: %v", err)
	}
	mustValid(t, s)
	if s.State != StateActive || s.ActiveRoleID != "r-partner" {
		t.Fatalf("unexpected session %+v", s)
	}
	r, _ := f.dir.Role(ctx, "r-partner")
	if r.LastAccessedAt == nil {
		t.Fatalf("role last access not stamped")
	}

	p, err := f.mgr.Principal(ctx, s.ID)
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if p.Identity.ID != "ana" || p.Role.Type != auth.RolePartner {
		t.Fatalf("unexpected principal %+v", p)
	}

	s, err = f.mgr.SwitchRole(ctx, s.ID)
	if err != nil {
		t.Fatalf("SwitchRole: %v", err)
	}
	mustValid(t, s)
	if s.State != StateRoleSelection || s.ActiveRoleID != "" {
		t.Fatalf("switch left residue: %+v", s)
	}
	if _, err := f.mgr.Principal(ctx, s.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("principal resolved without active role: %v", err)
	}
}

func TestSoleActiveRoleAutoSelected(t *testing.T) {
	f := newFixture(t)
	f.identity(t, "ben", false,
		role("r-crew", auth.RoleCrew, auth.RoleStatusActive),
		role("r-fin", auth.RoleFinance, auth.RoleStatusSuspended),
	)
	s := f.signIn(t, "ben")
	s, err := f.mgr.SubmitSecondFactor(context.Background(), s.ID, "123456")
	if err != nil {
		t.Fatalf("SubmitSecondFactor: %v", err)
	}
	mustValid(t, s)
	if s.State != StateActive || s.ActiveRoleID != "r-crew" {
		t.Fatalf("expected crew auto-selected, got %+v", s)
	}
}

func TestNoActiveRolesStopsAtRoleSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.identity(t, "cy", false, role("r-op", auth.RoleOperator, auth.RoleStatusPending))
	s := f.signIn(t, "cy")
	s, err := f.mgr.SubmitSecondFactor(ctx, s.ID, "123456")
	if err != nil {
		t.Fatalf("SubmitSecondFactor: %v", err)
	}
	if s.State != StateRoleSelection || len(s.EligibleRoleIDs) != 0 {
		t.Fatalf("unexpected session %+v", s)
	}
	if _, err := f.mgr.SelectRole(ctx, s.ID, "r-op"); !errors.Is(err, auth.ErrRoleNotActive) {
		t.Fatalf("expected role not active, got %v", err)
	}
	if _, err := f.mgr.SelectRole(ctx, s.ID, "r-unknown"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	got, _ := f.mgr.Get(ctx, s.ID)
	mustValid(t, got)
	if got.State != StateRoleSelection {
		t.Fatalf("failed selection advanced state: %s", got.State)
	}
}

func TestFirstTimeConsentFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.identity(t, "dee", true,
		role("r-staff", auth.RoleStaff, auth.RoleStatusActive),
		role("r-exec", auth.RoleExecutive, auth.RoleStatusActive),
	)
	s := f.signIn(t, "dee")
	s, err := f.mgr.SubmitSecondFactor(ctx, s.ID, "123456")
	if err != nil {
		t.Fatalf("SubmitSecondFactor: %v", err)
	}
	if s.State != StateConsentPending {
		t.Fatalf("expected consent_pending, got %s", s.State)
	}
	if _, err := f.mgr.RecordConsent(ctx, s.ID, nil); !errors.Is(err, auth.ErrNoRolesAccepted) {
		t.Fatalf("expected no roles accepted, got %v", err)
	}
	if _, err := f.mgr.RecordConsent(ctx, s.ID, []string{"someone-elses-role"}); !errors.Is(err, auth.ErrNoRolesAccepted) {
		t.Fatalf("foreign role counted as consent: %v", err)
	}
	s, err = f.mgr.RecordConsent(ctx, s.ID, []string{"r-staff"})
	if err != nil {
		t.Fatalf("RecordConsent: %v", err)
	}
	mustValid(t, s)
	if s.State != StateActive || s.ActiveRoleID != "r-staff" {
		t.Fatalf("expected staff active, got %+v", s)
	}
	consented, _ := f.consents.Consented(ctx, "dee")
	if _, ok := consented["r-staff"]; !ok || len(consented) != 1 {
		t.Fatalf("unexpected consents %v", consented)
	}
	ident, _ := f.creds.Identity(ctx, "dee")
	if ident.IsFirstTime {
		t.Fatalf("identity still first-time")
	}
}

func TestConsentWithSeveralRolesGoesToSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.identity(t, "eve", true,
		role("r-a", auth.RoleAgent, auth.RoleStatusActive),
		role("r-b", auth.RoleContractor, auth.RoleStatusActive),
	)
	s := f.signIn(t, "eve")
	s, _ = f.mgr.SubmitSecondFactor(ctx, s.ID, "123456")
	s, err := f.mgr.RecordConsent(ctx, s.ID, []string{"r-a", "r-b", "r-a"})
	if err != nil {
		t.Fatalf("RecordConsent: %v", err)
	}
	if s.State != StateRoleSelection || len(s.EligibleRoleIDs) != 2 {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestReusedCodeIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.identity(t, "fay", false,
		role("r-a", auth.RoleAgent, auth.RoleStatusActive),
		role("r-b", auth.RolePartner, auth.RoleStatusActive),
	)
	s := f.signIn(t, "fay")
	if _, err := f.mgr.SubmitSecondFactor(ctx, s.ID, "123456"); err != nil {
		t.Fatalf("SubmitSecondFactor: %v", err)
	}
	if _, err := f.mgr.SubmitSecondFactor(ctx, s.ID, "123456"); !errors.Is(err, otp.ErrInvalidCode) {
		t.Fatalf("expected invalid code on resubmission, got %v", err)
	}
	got, err := f.mgr.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateRoleSelection || got.ActiveRoleID != "" {
		t.Fatalf("resubmission moved the session: %+v", got)
	}

	// Past role selection the answer stays the same.
	if _, err := f.mgr.SelectRole(ctx, s.ID, "r-a"); err != nil {
		t.Fatalf("SelectRole: %v", err)
	}
	if _, err := f.mgr.SubmitSecondFactor(ctx, s.ID, "123456"); !errors.Is(err, otp.ErrInvalidCode) {
		t.Fatalf("expected invalid code from active, got %v", err)
	}

	// A fresh session gets its own code; a consumed one stays consumed.
	s2 := f.signIn(t, "fay")
	if err := f.factor.Verify(ctx, s2.ID, "fay", "123456"); err != nil {
		t.Fatalf("direct verify: %v", err)
	}
	if _, err := f.mgr.SubmitSecondFactor(ctx, s2.ID, "123456"); !errors.Is(err, otp.ErrInvalidCode) {
		t.Fatalf("expected invalid code, got %v", err)
	}
	got, _ = f.mgr.Get(ctx, s2.ID)
	if got.State != StateMFAPending {
		t.Fatalf("failed code advanced state: %s", got.State)
	}
}

func TestBackupCodeCompletesSecondFactor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.identity(t, "gus", false, role("r-it", auth.RoleIT, auth.RoleStatusActive))
	codes, err := f.factor.GenerateBackupCodes(ctx, "gus", 2)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	s := f.signIn(t, "gus")
	s, err = f.mgr.SubmitSecondFactor(ctx, s.ID, codes[0])
	if err != nil {
		t.Fatalf("SubmitSecondFactor: %v", err)
	}
	if s.State != StateActive {
		t.Fatalf("expected active, got %s", s.State)
	}
}

func TestConcurrentSecondFactorSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.identity(t, "hal", false,
		role("r-a", auth.RoleAgent, auth.RoleStatusActive),
		role("r-b", auth.RolePartner, auth.RoleStatusActive),
	)
	s := f.signIn(t, "hal")

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.SubmitSecondFactor(ctx, s.ID, "123456"); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("expected one success, got %d", ok)
	}
}

func TestSignOutFromEveryState(t *testing.T) {
	ctx := context.Background()
	want := []State{StateMFAPending, StateConsentPending, StateRoleSelection, StateActive}
	for n, state := range want {
		t.Run(string(state), func(t *testing.T) {
			f := newFixture(t)
			f.identity(t, "ida", true,
				role("r-a", auth.RoleAgent, auth.RoleStatusActive),
				role("r-b", auth.RolePartner, auth.RoleStatusActive),
			)
			s := f.signIn(t, "ida")
			if n >= 1 {
				s, _ = f.mgr.SubmitSecondFactor(ctx, s.ID, "123456")
			}
			if n >= 2 {
				s, _ = f.mgr.RecordConsent(ctx, s.ID, []string{"r-a", "r-b"})
			}
			if n >= 3 {
				s, _ = f.mgr.SelectRole(ctx, s.ID, "r-a")
			}
			if s.State != state {
				t.Fatalf("expected %s, got %s", state, s.State)
			}
			if err := f.mgr.SignOut(ctx, s.ID); err != nil {
				t.Fatalf("SignOut: %v", err)
			}
			if err := f.mgr.SignOut(ctx, s.ID); err != nil {
				t.Fatalf("second SignOut: %v", err)
			}
			if _, err := f.mgr.Get(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("session survived sign-out: %v", err)
			}
		})
	}
}

func TestWrongStateTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.identity(t, "jo", false, role("r-a", auth.RoleAgent, auth.RoleStatusActive))
	s := f.signIn(t, "jo")
	if _, err := f.mgr.SelectRole(ctx, s.ID, "r-a"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("select from mfa_pending: %v", err)
	}
	if _, err := f.mgr.SwitchRole(ctx, s.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("switch from mfa_pending: %v", err)
	}
	if _, err := f.mgr.RecordConsent(ctx, s.ID, []string{"r-a"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("consent from mfa_pending: %v", err)
	}
	if _, err := f.mgr.SubmitSecondFactor(ctx, "nope", "123456"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session: %v", err)
	}
}

func TestCredentialLockout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithAttemptLimit(3, time.Minute))
	f.identity(t, "kim", false, role("r-a", auth.RoleAgent, auth.RoleStatusActive))

	for i := 0; i < 3; i++ {
		if _, err := f.mgr.SubmitCredentials(ctx, "kim@example.com", "wrong"); !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, err := f.mgr.SubmitCredentials(ctx, "KIM@example.com", "pw-kim"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected lockout, got %v", err)
	}
	f.clock.Advance(time.Minute)
	if _, err := f.mgr.SubmitCredentials(ctx, "kim@example.com", "pw-kim"); err != nil {
		t.Fatalf("sign-in after lockout: %v", err)
	}
}

func TestSecondFactorLockout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithAttemptLimit(2, time.Minute))
	f.identity(t, "lou", false, role("r-a", auth.RoleAgent, auth.RoleStatusActive))
	s := f.signIn(t, "lou")

	for i := 0; i < 2; i++ {
		if _, err := f.mgr.SubmitSecondFactor(ctx, s.ID, "000000"); !errors.Is(err, otp.ErrInvalidCode) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, err := f.mgr.SubmitSecondFactor(ctx, s.ID, "123456"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected lockout, got %v", err)
	}
	f.clock.Advance(time.Minute)
	if _, err := f.mgr.SubmitSecondFactor(ctx, s.ID, "123456"); err != nil {
		t.Fatalf("after lockout: %v", err)
	}
}

func TestResendCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.identity(t, "max", false, role("r-a", auth.RoleAgent, auth.RoleStatusActive))
	s := f.signIn(t, "max")
	if _, err := f.mgr.ResendCode(ctx, s.ID); !errors.Is(err, otp.ErrResendCooldown) {
		t.Fatalf("expected cooldown, got %v", err)
	}
	f.clock.Advance(otp.DefaultCooldown)
	if _, err := f.mgr.ResendCode(ctx, s.ID); err != nil {
		t.Fatalf("ResendCode: %v", err)
	}
}

func TestIdleExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithIdleTimeout(10*time.Minute))
	f.identity(t, "ned", false, role("r-a", auth.RoleAgent, auth.RoleStatusActive))
	s := f.signIn(t, "ned")
	f.clock.Advance(9 * time.Minute)
	if _, err := f.mgr.Get(ctx, s.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	f.clock.Advance(11 * time.Minute)
	if _, err := f.mgr.SubmitSecondFactor(ctx, s.ID, "123456"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired session, got %v", err)
	}
}

func TestPrincipalSeesSuspension(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.identity(t, "oz", false, role("r-exec", auth.RoleExecutive, auth.RoleStatusActive))
	s := f.signIn(t, "oz")
	s, _ = f.mgr.SubmitSecondFactor(ctx, s.ID, "123456")
	_ = f.dir.SetStatus("r-exec", auth.RoleStatusSuspended)

	p, err := f.mgr.Principal(ctx, s.ID)
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	d := auth.Authorize(p.Role, auth.ActionLedgerWrite, auth.Resource{Kind: auth.KindLedger, Category: auth.CategoryLoyalty, OwnerID: "org-a"})
	if d.Allowed || !errors.Is(d.Reason, auth.ErrRoleSuspended) {
		t.Fatalf("suspended role authorized: %+v", d)
	}
}
