// Package resource keeps documents, content and client records in an arena
// addressed by id. Visibility is computed per request; the stored items are
// never filtered in place.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tourportal.io/internal/audit"
	"tourportal.io/internal/auth"
	"tourportal.io/internal/ids"
	"tourportal.io/internal/obs"
)

var (
	ErrNotFound     = errors.New("resource: not found")
	ErrInvalidInput = errors.New("resource: invalid input")
)

// Status values for content items.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// Item is one stored resource.
type Item struct {
	ID        string            `json:"id"`
	Kind      auth.ResourceKind `json:"kind"`
	Category  auth.Category     `json:"category"`
	OwnerID   string            `json:"owner_id,omitempty"`
	Title     string            `json:"title"`
	Status    string            `json:"status"`
	Priority  int               `json:"priority"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (i Item) AuthResource() auth.Resource {
	return auth.Resource{Kind: i.Kind, Category: i.Category, OwnerID: i.OwnerID}
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	Title    *string
	Category *auth.Category
	Priority *int
}

// Arena stores items by id.
type Arena struct {
	mu    sync.RWMutex
	items map[string]Item
	newID ids.Generator
	now   func() time.Time
}

// Option configures an Arena.
type Option func(*Arena)

func WithIDGenerator(gen ids.Generator) Option {
	return func(a *Arena) {
		if gen != nil {
			a.newID = gen
		}
	}
}

func NewArena(opts ...Option) *Arena {
	a := &Arena{
		items: make(map[string]Item),
		newID: ids.Prefixed("res"),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var kinds = map[auth.ResourceKind]bool{
	auth.KindDocument: true,
	auth.KindContent:  true,
	auth.KindClient:   true,
}

// ParseKind validates a kind taken from a request path.
func ParseKind(s string) (auth.ResourceKind, error) {
	k := auth.ResourceKind(strings.ToLower(strings.TrimSpace(s)))
	if !kinds[k] {
		return "", fmt.Errorf("%w: unknown resource kind %q", ErrInvalidInput, s)
	}
	return k, nil
}

// Seed stores items without authorization. It is used to load fixtures.
func (a *Arena) Seed(items ...Item) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for _, it := range items {
		if it.ID == "" {
			it.ID = a.newID()
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = it.CreatedAt
		}
		a.items[it.ID] = it
	}
}

// List returns the items of kind visible to p, highest priority first.
func (a *Arena) List(p auth.Principal, kind auth.ResourceKind) []Item {
	a.mu.RLock()
	all := make([]Item, 0, len(a.items))
	for _, it := range a.items {
		if kind == "" || it.Kind == kind {
			all = append(all, it)
		}
	}
	a.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority > all[j].Priority
		}
		return all[i].ID < all[j].ID
	})
	return auth.FilterVisible(p.Role, all)
}

// Get returns one item p may see. Invisible items are not found.
func (a *Arena) Get(p auth.Principal, id string) (Item, error) {
	a.mu.RLock()
	it, ok := a.items[id]
	a.mu.RUnlock()
	if !ok || !auth.CanSee(p.Role, it) {
		return Item{}, ErrNotFound
	}
	return it, nil
}

// Create stores a new item owned by p's organization unless an owner is given.
func (a *Arena) Create(ctx context.Context, p auth.Principal, it Item) (Item, error) {
	if _, err := ParseKind(string(it.Kind)); err != nil {
		return Item{}, err
	}
	it.Title = strings.TrimSpace(it.Title)
	if it.Title == "" || it.Category == "" {
		return Item{}, fmt.Errorf("%w: title and category are required", ErrInvalidInput)
	}
	if it.OwnerID == "" && it.Kind != auth.KindContent {
		it.OwnerID = p.Role.OrganizationID
	}
	if err := authorize(p, auth.ActionCreate, it); err != nil {
		return Item{}, err
	}
	now := a.now()
	it.ID = a.newID()
	it.Status = StatusDraft
	it.CreatedAt = now
	it.UpdatedAt = now

	a.mu.Lock()
	a.items[it.ID] = it
	a.mu.Unlock()
	_ = audit.LogEvent(ctx, "resource.created", map[string]any{"id": it.ID, "kind": string(it.Kind)})
	return it, nil
}

// Update applies patch to an item p may edit.
func (a *Arena) Update(ctx context.Context, p auth.Principal, id string, patch Patch) (Item, error) {
	return a.mutate(ctx, p, id, auth.ActionEdit, func(it *Item) error {
		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				return fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
			}
			it.Title = title
		}
		if patch.Category != nil {
			// Moving an item must keep it inside the editor's scope.
			moved := *it
			moved.Category = *patch.Category
			if err := authorize(p, auth.ActionEdit, moved); err != nil {
				return err
			}
			it.Category = *patch.Category
		}
		if patch.Priority != nil {
			it.Priority = *patch.Priority
		}
		return nil
	})
}

// Publish marks an item published.
func (a *Arena) Publish(ctx context.Context, p auth.Principal, id string) (Item, error) {
	return a.mutate(ctx, p, id, auth.ActionPublish, func(it *Item) error {
		it.Status = StatusPublished
		return nil
	})
}

// Delete removes an item.
func (a *Arena) Delete(ctx context.Context, p auth.Principal, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	it, ok := a.items[id]
	if !ok || !auth.CanSee(p.Role, it) {
		return ErrNotFound
	}
	if err := authorize(p, auth.ActionDelete, it); err != nil {
		return err
	}
	delete(a.items, id)
	_ = audit.LogEvent(ctx, "resource.deleted", map[string]any{"id": id})
	return nil
}

func (a *Arena) mutate(ctx context.Context, p auth.Principal, id string, action auth.Action, fn func(*Item) error) (Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	it, ok := a.items[id]
	if !ok || !auth.CanSee(p.Role, it) {
		return Item{}, ErrNotFound
	}
	if err := authorize(p, action, it); err != nil {
		return Item{}, err
	}
	next := it
	if err := fn(&next); err != nil {
		return Item{}, err
	}
	next.UpdatedAt = a.now()
	a.items[id] = next
	_ = audit.LogEvent(ctx, "resource."+string(action), map[string]any{"id": id})
	return next, nil
}

func authorize(p auth.Principal, action auth.Action, it Item) error {
	d := auth.Authorize(p.Role, action, it.AuthResource())
	obs.ObserveAuthz(string(action), d.Outcome())
	return d.Err(action)
}
