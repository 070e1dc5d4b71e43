package httpapi

import (
	"net/http"
	"time"

	"tourportal.io/internal/audit"
	"tourportal.io/internal/auth"
	"tourportal.io/internal/session"
)

const backupCodeCount = 10

type credentialsRequest struct {
	Email  string `json:"email" validate:"required,email,max=254"`
	Secret string `json:"secret" validate:"required,max=256"`
}

type secondFactorRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

type consentRequest struct {
	RoleIDs []string `json:"role_ids" validate:"required,min=1,dive,required"`
}

type selectRoleRequest struct {
	RoleID string `json:"role_id" validate:"required"`
}

type sessionResponse struct {
	session.Session
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

type meResponse struct {
	Identity     auth.Identity      `json:"identity"`
	Role         auth.Role          `json:"role"`
	Capabilities auth.CapabilitySet `json:"capabilities"`
	Categories   []auth.Category    `json:"visible_categories"`
}

func (a *API) submitCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !a.bind(w, r, &req) {
		return
	}
	s, err := a.sessions.SubmitCredentials(r.Context(), req.Email, req.Secret)
	if err != nil {
		handleError(w, r, err)
		return
	}
	token, expires, err := a.tokens.Issue(s.ID, s.IdentityID)
	if err != nil {
		_ = a.sessions.SignOut(r.Context(), s.ID)
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: s, Token: token, ExpiresAt: &expires})
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Get(r.Context(), principal(r).SessionID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: s})
}

func (a *API) listSessionRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.sessions.Roles(r.Context(), principal(r).SessionID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) submitSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req secondFactorRequest
	if !a.bind(w, r, &req) {
		return
	}
	s, err := a.sessions.SubmitSecondFactor(r.Context(), principal(r).SessionID, req.Code)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: s})
}

func (a *API) resendCode(w http.ResponseWriter, r *http.Request) {
	expires, err := a.sessions.ResendCode(r.Context(), principal(r).SessionID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"code_expires_at": expires})
}

func (a *API) recordConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if !a.bind(w, r, &req) {
		return
	}
	s, err := a.sessions.RecordConsent(r.Context(), principal(r).SessionID, req.RoleIDs)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: s})
}

func (a *API) selectRole(w http.ResponseWriter, r *http.Request) {
	var req selectRoleRequest
	if !a.bind(w, r, &req) {
		return
	}
	s, err := a.sessions.SelectRole(r.Context(), principal(r).SessionID, req.RoleID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: s})
}

func (a *API) switchRole(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.SwitchRole(r.Context(), principal(r).SessionID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: s})
}

func (a *API) signOut(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.SignOut(r.Context(), principal(r).SessionID); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	caps := auth.ResolveCapabilities(p.Role.Type)
	writeJSON(w, http.StatusOK, meResponse{
		Identity:     p.Identity,
		Role:         p.Role,
		Capabilities: caps,
		Categories:   caps.VisibleCategories(),
	})
}

// issueBackupCodes replaces the caller's backup codes. The plaintext codes are
// only ever returned here.
func (a *API) issueBackupCodes(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	codes, err := a.backupCodes.GenerateBackupCodes(r.Context(), p.Identity.ID, backupCodeCount)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.backup_codes_issued", map[string]any{"identity_id": p.Identity.ID, "count": len(codes)})
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, map[string]any{"codes": codes})
}
