package giftcodes

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store for tests and local development.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Code
	byCode map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Code),
		byCode: make(map[string]string),
	}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, code Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byCode[code.Code]; exists {
		return ErrDuplicate
	}
	if _, exists := s.byID[code.ID]; exists {
		return ErrDuplicate
	}
	stored := code
	stored.AllowedIPs = append([]netip.Prefix(nil), code.AllowedIPs...)
	s.byID[code.ID] = &stored
	s.byCode[code.Code] = code.ID
	return nil
}

// FindByCode implements Store.
func (s *MemoryStore) FindByCode(_ context.Context, code string) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCode[code]
	if !ok {
		return Code{}, ErrNotFound
	}
	return *s.byID[id], nil
}

// FindByID implements Store.
func (s *MemoryStore) FindByID(_ context.Context, id string) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return Code{}, ErrNotFound
	}
	return *c, nil
}

// IncrementUses implements Store.
func (s *MemoryStore) IncrementUses(_ context.Context, id string, clientIP netip.Addr, now time.Time) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return Code{}, ErrNotFound
	}
	if !c.Redeemable(now) || !c.AllowsIP(clientIP) {
		return Code{}, ErrConflict
	}

	c.UsesCount++
	if c.Bounded() && c.UsesCount >= c.MaxUses {
		c.Status = StatusExhausted
	}
	c.UpdatedAt = now
	return *c, nil
}

// SetStatus implements Store.
func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = now
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Code, 0, len(s.byID))
	for _, c := range s.byID {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []Code{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// MarkExpired implements Store.
func (s *MemoryStore) MarkExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, c := range s.byID {
		if c.Status == StatusActive && c.ExpiredAt(now) {
			c.Status = StatusExpired
			c.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
