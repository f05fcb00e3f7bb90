package playback

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryRepository implements Repository for tests and local development.
type MemoryRepository struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tokens: make(map[string]Token)}
}

// Insert implements Repository.
func (r *MemoryRepository) Insert(_ context.Context, token Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tokens[token.Digest]; exists {
		return errors.New("playback token digest collision")
	}
	r.tokens[token.Digest] = token
	return nil
}

// FindByDigest implements Repository.
func (r *MemoryRepository) FindByDigest(_ context.Context, digest string) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[digest]
	if !ok {
		return Token{}, ErrNotFound
	}
	return t, nil
}

// Delete implements Repository.
func (r *MemoryRepository) Delete(_ context.Context, digest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[digest]; !ok {
		return ErrNotFound
	}
	delete(r.tokens, digest)
	return nil
}

// DeleteExpired implements Repository.
func (r *MemoryRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for digest, t := range r.tokens {
		if !now.Before(t.ExpiresAt) {
			delete(r.tokens, digest)
			n++
		}
	}
	return n, nil
}

// Has reports whether a digest is stored. Useful for tests.
func (r *MemoryRepository) Has(digest string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tokens[digest]
	return ok
}

var _ Repository = (*MemoryRepository)(nil)
