// Package credentials resolves provider credential blobs. The engine keeps
// only a provider id in its own tables; plaintext credentials come from a
// Store at send time and are never written back.
package credentials

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no credentials exist for a provider.
var ErrNotFound = errors.New("credentials: not found")

// Store decrypts the credential blob of a provider.
type Store interface {
	Decrypt(ctx context.Context, providerID string) (map[string]string, error)
}

// StaticStore serves credentials from memory. Used in dev mode and tests.
type StaticStore struct {
	mu    sync.RWMutex
	blobs map[string]map[string]string
}

// NewStaticStore returns a store seeded with blobs.
func NewStaticStore(blobs map[string]map[string]string) *StaticStore {
	s := &StaticStore{blobs: make(map[string]map[string]string, len(blobs))}
	for id, b := range blobs {
		s.Put(id, b)
	}
	return s
}

// Put replaces the blob for providerID.
func (s *StaticStore) Put(providerID string, blob map[string]string) {
	s.mu.Lock()
	s.blobs[providerID] = copyMap(blob)
	s.mu.Unlock()
}

// Decrypt returns a copy of the stored blob.
func (s *StaticStore) Decrypt(_ context.Context, providerID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[providerID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMap(b), nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
