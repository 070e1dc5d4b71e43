package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tourportal.io/internal/auth"
	"tourportal.io/internal/resource"
)

type createResourceRequest struct {
	Title    string `json:"title" validate:"required,max=200"`
	Category string `json:"category" validate:"required"`
	OwnerID  string `json:"owner_id" validate:"max=64"`
	Priority int    `json:"priority" validate:"gte=0,lte=100"`
}

type updateResourceRequest struct {
	Title    *string `json:"title" validate:"omitempty,max=200"`
	Category *string `json:"category"`
	Priority *int    `json:"priority" validate:"omitempty,gte=0,lte=100"`
}

func (a *API) listResources(w http.ResponseWriter, r *http.Request) {
	kind, err := resource.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": a.resources.List(principal(r), kind)})
}

func (a *API) getResource(w http.ResponseWriter, r *http.Request) {
	it, ok := a.loadResource(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *API) createResource(w http.ResponseWriter, r *http.Request) {
	kind, err := resource.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req createResourceRequest
	if !a.bind(w, r, &req) {
		return
	}
	it, err := a.resources.Create(r.Context(), principal(r), resource.Item{
		Kind:     kind,
		Category: auth.Category(req.Category),
		OwnerID:  req.OwnerID,
		Title:    req.Title,
		Priority: req.Priority,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/resources/"+string(kind)+"/"+it.ID)
	writeJSON(w, http.StatusCreated, it)
}

func (a *API) updateResource(w http.ResponseWriter, r *http.Request) {
	it, ok := a.loadResource(w, r)
	if !ok {
		return
	}
	var req updateResourceRequest
	if !a.bind(w, r, &req) {
		return
	}
	patch := resource.Patch{Title: req.Title, Priority: req.Priority}
	if req.Category != nil {
		cat := auth.Category(*req.Category)
		patch.Category = &cat
	}
	updated, err := a.resources.Update(r.Context(), principal(r), it.ID, patch)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) publishResource(w http.ResponseWriter, r *http.Request) {
	it, ok := a.loadResource(w, r)
	if !ok {
		return
	}
	published, err := a.resources.Publish(r.Context(), principal(r), it.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, published)
}

func (a *API) deleteResource(w http.ResponseWriter, r *http.Request) {
	it, ok := a.loadResource(w, r)
	if !ok {
		return
	}
	if err := a.resources.Delete(r.Context(), principal(r), it.ID); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadResource fetches the addressed item, hiding items of another kind.
func (a *API) loadResource(w http.ResponseWriter, r *http.Request) (resource.Item, bool) {
	kind, err := resource.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		handleError(w, r, err)
		return resource.Item{}, false
	}
	it, err := a.resources.Get(principal(r), chi.URLParam(r, "id"))
	if err == nil && it.Kind != kind {
		err = resource.ErrNotFound
	}
	if err != nil {
		handleError(w, r, err)
		return resource.Item{}, false
	}
	return it, true
}
