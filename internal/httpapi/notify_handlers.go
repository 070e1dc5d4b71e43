package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tourportal.io/internal/audit"
	"tourportal.io/internal/auth"
	"tourportal.io/internal/notify"
	"tourportal.io/internal/obs"
)

const streamKeepAlive = 25 * time.Second

type publishNotificationRequest struct {
	Kind           string `json:"kind" validate:"required,oneof=alert ticket escalation"`
	Category       string `json:"category"`
	AssigneeID     string `json:"assignee_id" validate:"required_if=Kind ticket"`
	OrganizationID string `json:"organization_id"`
	Title          string `json:"title" validate:"required,max=200"`
	Body           string `json:"body" validate:"max=4000"`
	Priority       int    `json:"priority" validate:"gte=0,lte=100"`
}

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	all := a.notifications.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"items": notify.Accessible(p, all),
		"badge": notify.BadgeFor(p, all),
	})
}

func (a *API) badge(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.notifications.Badge(principal(r)))
}

func (a *API) publishNotification(w http.ResponseWriter, r *http.Request) {
	var req publishNotificationRequest
	if !a.bind(w, r, &req) {
		return
	}
	p := principal(r)
	n := notify.Notification{
		Kind:           notify.Kind(req.Kind),
		Category:       auth.Category(req.Category),
		AssigneeID:     req.AssigneeID,
		OrganizationID: req.OrganizationID,
		Title:          req.Title,
		Body:           req.Body,
		Priority:       req.Priority,
	}
	if n.Kind == notify.KindEscalation && n.OrganizationID == "" {
		n.OrganizationID = p.Role.OrganizationID
	}
	d := auth.Authorize(p.Role, auth.ActionCreate, auth.Resource{Kind: auth.KindNotification, Category: n.Category})
	obs.ObserveAuthz(string(auth.ActionCreate), d.Outcome())
	if err := d.Err(auth.ActionCreate); err != nil {
		handleError(w, r, err)
		return
	}
	stored, err := a.notifications.Publish(n)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "notification.published", map[string]any{
		"id": stored.ID, "kind": string(stored.Kind),
	})
	writeJSON(w, http.StatusCreated, stored)
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	n, err := a.notifications.MarkRead(principal(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// streamBadges pushes the caller's badge as Server-Sent Events whenever the
// notification arena changes.
func (a *API) streamBadges(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.notifications.Subscribe(ctx, principal(r))

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case b, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(b)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: badge\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
