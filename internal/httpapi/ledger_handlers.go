package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tourportal.io/internal/audit"
	"tourportal.io/internal/auth"
	"tourportal.io/internal/ledger"
	"tourportal.io/internal/moderation"
	"tourportal.io/internal/obs"
)

type openAccountRequest struct {
	OrganizationID string `json:"organization_id" validate:"required,max=64"`
}

type adjustRequest struct {
	Delta                int64  `json:"delta"`
	Reason               string `json:"reason" validate:"required,max=500"`
	RevokesTransactionID string `json:"revokes_transaction_id" validate:"max=64"`
	IdempotencyKey       string `json:"idempotency_key" validate:"max=128"`
}

type amountRequest struct {
	Amount int64 `json:"amount" validate:"gte=0"`
}

type listTransactionsResponse struct {
	Items     []ledger.Transaction `json:"items"`
	NextAfter uint64               `json:"next_after"`
	AsOf      time.Time            `json:"as_of"`
}

func authorizeLedger(p auth.Principal, action auth.Action, organizationID string) error {
	d := auth.Authorize(p.Role, action, ledger.Account{OrganizationID: organizationID}.AuthResource())
	obs.ObserveAuthz(string(action), d.Outcome())
	return d.Err(action)
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	org := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	if org == "" {
		org = p.Role.OrganizationID
	}
	if err := authorizeLedger(p, auth.ActionRead, org); err != nil {
		handleError(w, r, err)
		return
	}
	accounts, err := a.ledger.Accounts(r.Context(), org)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": auth.FilterVisible(p.Role, accounts)})
}

func (a *API) openAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !a.bind(w, r, &req) {
		return
	}
	if err := authorizeLedger(principal(r), auth.ActionLedgerWrite, req.OrganizationID); err != nil {
		handleError(w, r, err)
		return
	}
	acc, err := a.ledger.Open(r.Context(), req.OrganizationID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "ledger.account.open", map[string]any{
		"account_id": acc.ID, "organization_id": acc.OrganizationID,
	})
	w.Header().Set("Location", "/v1/ledger/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	acc, ok := a.readableAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	acc, ok := a.readableAccount(w, r)
	if !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		after, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
	}
	items, next, err := a.ledger.Transactions(r.Context(), acc.ID, limit, after)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.ledger.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	acc, err := a.ledger.Account(r.Context(), tx.AccountID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := authorizeLedger(principal(r), auth.ActionRead, acc.OrganizationID); err != nil {
		handleError(w, r, hideOutOfScope(err, ledger.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// adjust routes a points change: direct for roles that may write the ledger,
// through the moderation queue for the rest.
func (a *API) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !a.bind(w, r, &req) {
		return
	}
	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if body := strings.TrimSpace(req.IdempotencyKey); body != "" {
		if idem == "" {
			idem = body
		} else if idem != body {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	res, err := a.moderation.Route(r.Context(), principal(r), moderation.AdjustInput{
		AccountID:            chi.URLParam(r, "id"),
		Delta:                req.Delta,
		Reason:               req.Reason,
		RevokesTransactionID: req.RevokesTransactionID,
		IdempotencyKey:       idem,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	if res.Request != nil {
		w.Header().Set("Location", "/v1/moderation/requests/"+res.Request.ID)
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) reserve(w http.ResponseWriter, r *http.Request) {
	a.moveBalance(w, r, "ledger.reserve", a.ledger.Reserve)
}

func (a *API) release(w http.ResponseWriter, r *http.Request) {
	a.moveBalance(w, r, "ledger.release", a.ledger.Release)
}

func (a *API) moveBalance(w http.ResponseWriter, r *http.Request, event string, move func(ctx context.Context, accountID string, amount int64) (ledger.Account, error)) {
	var req amountRequest
	if !a.bind(w, r, &req) {
		return
	}
	acc, err := a.ledger.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := authorizeLedger(principal(r), auth.ActionLedgerWrite, acc.OrganizationID); err != nil {
		handleError(w, r, err)
		return
	}
	acc, err = move(r.Context(), acc.ID, req.Amount)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{"account_id": acc.ID, "amount": req.Amount})
	writeJSON(w, http.StatusOK, acc)
}

// readableAccount loads the addressed account; accounts outside the
// caller's scope read as not found.
func (a *API) readableAccount(w http.ResponseWriter, r *http.Request) (ledger.Account, bool) {
	acc, err := a.ledger.Account(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		err = hideOutOfScope(authorizeLedger(principal(r), auth.ActionRead, acc.OrganizationID), ledger.ErrNotFound)
	}
	if err != nil {
		handleError(w, r, err)
		return ledger.Account{}, false
	}
	return acc, true
}

func hideOutOfScope(err, notFound error) error {
	if errors.Is(err, auth.ErrResourceOutOfScope) {
		return notFound
	}
	return err
}
