package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ConsentRecorder stores first-time acknowledgment of role terms.
type ConsentRecorder interface {
	Record(ctx context.Context, identityID string, roleIDs []string, at time.Time) error
	Consented(ctx context.Context, identityID string) (map[string]time.Time, error)
}

var _ ConsentRecorder = (*InMemoryConsents)(nil)

// InMemoryConsents keeps acknowledgments per identity. Re-recording a role
// keeps the first acknowledgment time.
type InMemoryConsents struct {
	mu   sync.RWMutex
	byID map[string]map[string]time.Time
}

func NewInMemoryConsents() *InMemoryConsents {
	return &InMemoryConsents{byID: make(map[string]map[string]time.Time)}
}

func (c *InMemoryConsents) Record(ctx context.Context, identityID string, roleIDs []string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.byID[identityID]
	if !ok {
		set = make(map[string]time.Time, len(roleIDs))
		c.byID[identityID] = set
	}
	for _, id := range roleIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, seen := set[id]; !seen {
			set[id] = at.UTC()
		}
	}
	return nil
}

func (c *InMemoryConsents) Consented(ctx context.Context, identityID string) (map[string]time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time, len(c.byID[identityID]))
	for k, v := range c.byID[identityID] {
		out[k] = v
	}
	return out, nil
}
