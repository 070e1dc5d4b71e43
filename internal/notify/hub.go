package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tourportal.io/internal/auth"
	"tourportal.io/internal/ids"
)

var (
	ErrNotFound     = errors.New("notify: not found")
	ErrInvalidInput = errors.New("notify: invalid input")
)

type subscriber struct {
	principal auth.Principal
	ch        chan Badge
}

// Hub stores notifications by id and fans badge updates out to
// subscribers. Badges are recomputed from the stored set on every change.
type Hub struct {
	mu    sync.RWMutex
	items map[string]Notification
	order []string
	subs  map[int]*subscriber
	next  int

	newID ids.Generator
	now   func() time.Time
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithIDGenerator(gen ids.Generator) HubOption {
	return func(h *Hub) {
		if gen != nil {
			h.newID = gen
		}
	}
}

func WithClock(fn func() time.Time) HubOption {
	return func(h *Hub) {
		if fn != nil {
			h.now = fn
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		items: make(map[string]Notification),
		subs:  make(map[int]*subscriber),
		newID: ids.Prefixed("ntf"),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish stores n, assigning an id and timestamp when missing.
func (h *Hub) Publish(n Notification) (Notification, error) {
	switch n.Kind {
	case KindAlert, KindTicket, KindEscalation:
	default:
		return Notification{}, fmt.Errorf("%w: unsupported kind %q", ErrInvalidInput, n.Kind)
	}
	n.Title = strings.TrimSpace(n.Title)
	if n.ID == "" {
		n.ID = h.newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = h.now()
	}

	h.mu.Lock()
	if _, exists := h.items[n.ID]; !exists {
		h.order = append(h.order, n.ID)
	}
	h.items[n.ID] = n
	h.mu.Unlock()

	h.broadcast()
	return n, nil
}

// MarkRead flags a notification read on behalf of p. Notifications p cannot
// see are reported as not found.
func (h *Hub) MarkRead(p auth.Principal, id string) (Notification, error) {
	h.mu.Lock()
	n, ok := h.items[id]
	if !ok || len(Accessible(p, []Notification{n})) == 0 {
		h.mu.Unlock()
		return Notification{}, ErrNotFound
	}
	changed := !n.Read
	n.Read = true
	h.items[id] = n
	h.mu.Unlock()

	if changed {
		h.broadcast()
	}
	return n, nil
}

// Snapshot returns every stored notification in publish order.
func (h *Hub) Snapshot() []Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Notification, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.items[id])
	}
	return out
}

// For returns the notifications visible to p.
func (h *Hub) For(p auth.Principal) []Notification {
	return Accessible(p, h.Snapshot())
}

// Badge returns p's current badge.
func (h *Hub) Badge(p auth.Principal) Badge {
	return BadgeFor(p, h.Snapshot())
}

// Subscribe registers p and returns a channel receiving p's badge now and
// after every change. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, p auth.Principal) <-chan Badge {
	ch := make(chan Badge, 16)
	ch <- h.Badge(p)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = &subscriber{principal: p, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

func (h *Hub) broadcast() {
	snapshot := h.Snapshot()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- BadgeFor(sub.principal, snapshot):
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
