package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"tourportal.io/internal/moderation"
)

type submitModerationRequest struct {
	AccountID            string `json:"account_id" validate:"required,max=64"`
	Delta                int64  `json:"delta"`
	Reason               string `json:"reason" validate:"required,max=500"`
	RevokesTransactionID string `json:"revokes_transaction_id" validate:"max=64"`
}

type resolveModerationRequest struct {
	Decision string `json:"decision" validate:"required"`
	Note     string `json:"note" validate:"max=1000"`
}

func (a *API) listModeration(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := moderation.Filter{
		Status:      moderation.Status(strings.TrimSpace(q.Get("status"))),
		AccountID:   strings.TrimSpace(q.Get("account_id")),
		RequesterID: strings.TrimSpace(q.Get("requester_id")),
		Limit:       limit,
	}
	items, err := a.moderation.List(r.Context(), principal(r), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) submitModeration(w http.ResponseWriter, r *http.Request) {
	var req submitModerationRequest
	if !a.bind(w, r, &req) {
		return
	}
	mr, err := a.moderation.Submit(r.Context(), principal(r), moderation.SubmitInput{
		AccountID:            req.AccountID,
		Delta:                req.Delta,
		Reason:               req.Reason,
		RevokesTransactionID: req.RevokesTransactionID,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/moderation/requests/"+mr.ID)
	writeJSON(w, http.StatusCreated, mr)
}

func (a *API) getModeration(w http.ResponseWriter, r *http.Request) {
	mr, err := a.moderation.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mr)
}

func (a *API) reviewModeration(w http.ResponseWriter, r *http.Request) {
	mr, err := a.moderation.AdvanceToReview(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mr)
}

func (a *API) resolveModeration(w http.ResponseWriter, r *http.Request) {
	var req resolveModerationRequest
	if !a.bind(w, r, &req) {
		return
	}
	mr, err := a.moderation.Resolve(r.Context(), principal(r), chi.URLParam(r, "id"), moderation.Decision(req.Decision), req.Note)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mr)
}
