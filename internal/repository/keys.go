package repository

import (
	"context"
	"slices"
	"sync"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

// KeyStore persists key records and user permission scopes.
// Secrets are stored exactly as given; callers only ever pass encrypted material.
type KeyStore interface {
	SaveKey(ctx context.Context, rec domain.KeyRecord) error
	DeleteKey(ctx context.Context, provider, id string) error
	ListKeys(ctx context.Context) ([]domain.KeyRecord, error)
	SavePermissions(ctx context.Context, userID string, scopes []string) error
	ListPermissions(ctx context.Context) (map[string][]string, error)
}

type storeKey struct {
	provider string
	id       string
}

type InMemoryKeyStore struct {
	mu          sync.RWMutex
	keys        map[storeKey]domain.KeyRecord
	permissions map[string][]string
}

// NewInMemoryKeyStore creates an empty store for tests and single-instance runs.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:        make(map[storeKey]domain.KeyRecord),
		permissions: make(map[string][]string),
	}
}

func (s *InMemoryKeyStore) SaveKey(ctx context.Context, rec domain.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Permissions = slices.Clone(rec.Permissions)
	s.keys[storeKey{rec.Provider, rec.ID}] = rec
	return nil
}

func (s *InMemoryKeyStore) DeleteKey(ctx context.Context, provider, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := storeKey{provider, id}
	if _, ok := s.keys[k]; !ok {
		return domain.ErrKeyNotFound
	}
	delete(s.keys, k)
	return nil
}

func (s *InMemoryKeyStore) ListKeys(ctx context.Context) ([]domain.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.KeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		out = append(out, rec)
	}
	return out, nil
}

func (s *InMemoryKeyStore) SavePermissions(ctx context.Context, userID string, scopes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(scopes) == 0 {
		delete(s.permissions, userID)
		return nil
	}
	s.permissions[userID] = slices.Clone(scopes)
	return nil
}

func (s *InMemoryKeyStore) ListPermissions(ctx context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]string, len(s.permissions))
	for u, scopes := range s.permissions {
		out[u] = slices.Clone(scopes)
	}
	return out, nil
}
