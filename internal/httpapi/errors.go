package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"tourportal.io/internal/auth"
	"tourportal.io/internal/ledger"
	"tourportal.io/internal/moderation"
	"tourportal.io/internal/notify"
	"tourportal.io/internal/obs"
	"tourportal.io/internal/otp"
	"tourportal.io/internal/resource"
	"tourportal.io/internal/session"
)

// Messages for failures whose detail must not reach the client.
const (
	msgSignInFailed     = "invalid credentials or code"
	msgUnauthorized     = "unauthorized"
	msgPermissionDenied = "permission denied"
)

// handleError maps domain errors to HTTP responses. Credential and code
// failures share one message so callers cannot tell which check failed.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, otp.ErrInvalidCode):
		writeError(w, r, http.StatusUnauthorized, msgSignInFailed)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, session.ErrSessionNotFound):
		writeError(w, r, http.StatusUnauthorized, msgUnauthorized)
	case errors.Is(err, session.ErrLocked):
		w.Header().Set("Retry-After", "300")
		writeError(w, r, http.StatusTooManyRequests, "too many failed attempts")
	case errors.Is(err, otp.ErrResendCooldown):
		w.Header().Set("Retry-After", "30")
		writeError(w, r, http.StatusTooManyRequests, "code was sent recently")
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "operation not allowed in current session state")

	case errors.Is(err, auth.ErrRoleSuspended),
		errors.Is(err, auth.ErrRoleLacksCapability),
		errors.Is(err, auth.ErrResourceOutOfScope):
		writeError(w, r, http.StatusForbidden, msgPermissionDenied)
	case errors.Is(err, auth.ErrRoleNotActive):
		writeError(w, r, http.StatusForbidden, "role is not active")
	case errors.Is(err, auth.ErrNoRolesAccepted):
		writeError(w, r, http.StatusBadRequest, "at least one role must be accepted")

	case errors.Is(err, ledger.ErrInsufficientAvailableBalance):
		extra := map[string]any{}
		if available, ok := ledger.AvailableFrom(err); ok {
			extra["available"] = available
		}
		writeErrorWith(w, r, http.StatusConflict, "insufficient available balance", extra)
	case errors.Is(err, ledger.ErrInvalidRelease):
		writeError(w, r, http.StatusConflict, "release exceeds reserved balance")
	case errors.Is(err, ledger.ErrAlreadyCountered):
		writeError(w, r, http.StatusConflict, "transaction already countered")
	case errors.Is(err, ledger.ErrStale):
		writeError(w, r, http.StatusConflict, "account busy, retry")
	case errors.Is(err, moderation.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, "request already resolved")

	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, moderation.ErrInvalidInput),
		errors.Is(err, moderation.ErrInvalidDecision),
		errors.Is(err, resource.ErrInvalidInput),
		errors.Is(err, notify.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, otp.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())

	case errors.Is(err, auth.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, moderation.ErrNotFound),
		errors.Is(err, resource.ErrNotFound),
		errors.Is(err, notify.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")

	default:
		obs.Logger().Error("request_failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
