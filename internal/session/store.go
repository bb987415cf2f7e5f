package session

import (
	"context"

	"github.com/alphadose/haxmap"
)

// MemoryStore is an in-process Store used in tests and single-node
// deployments. GetOrSet gives atomic first-write-wins without a lock.
type MemoryStore struct {
	bindings *haxmap.Map[string, string]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: haxmap.New[string, string]()}
}

// Get returns the stored external id for a session.
func (s *MemoryStore) Get(_ context.Context, internalID string) (string, bool, error) {
	ext, ok := s.bindings.Get(internalID)
	return ext, ok, nil
}

// Put stores the external id unless a different one already exists.
func (s *MemoryStore) Put(_ context.Context, internalID, externalID string) (bool, error) {
	actual, loaded := s.bindings.GetOrSet(internalID, externalID)
	if loaded && actual != externalID {
		return false, nil
	}
	return true, nil
}
