package moderation

import (
	"context"
	"sort"
	"sync"
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status      Status
	AccountID   string
	RequesterID string
	Limit       int
}

func (f Filter) matches(r Request) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.AccountID != "" && r.AccountID != f.AccountID {
		return false
	}
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	return true
}

// Store persists requests.
type Store interface {
	Create(ctx context.Context, r Request) error
	Update(ctx context.Context, r Request) error
	Get(ctx context.Context, id string) (Request, error)
	List(ctx context.Context, f Filter) ([]Request, error)
}

var _ Store = (*InMemory)(nil)

// InMemory implements Store with a map.
type InMemory struct {
	mu   sync.RWMutex
	reqs map[string]Request
}

func NewInMemory() *InMemory {
	return &InMemory{reqs: make(map[string]Request)}
}

func (s *InMemory) Create(ctx context.Context, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reqs[r.ID]; exists {
		return ErrInvalidInput
	}
	s.reqs[r.ID] = r
	return nil
}

func (s *InMemory) Update(ctx context.Context, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reqs[r.ID]; !exists {
		return ErrNotFound
	}
	s.reqs[r.ID] = r
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reqs[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

// List returns matching requests oldest first.
func (s *InMemory) List(ctx context.Context, f Filter) ([]Request, error) {
	s.mu.RLock()
	out := make([]Request, 0, len(s.reqs))
	for _, r := range s.reqs {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
