package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// KVStore is a Store backed by a JetStream key-value bucket. Create is
// atomic on the server, so the first bind wins across all gateway
// instances, not just within one process.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore wraps an existing key-value bucket.
func NewKVStore(kv jetstream.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

// Get returns the stored external id for a session.
func (s *KVStore) Get(ctx context.Context, internalID string) (string, bool, error) {
	entry, err := s.kv.Get(ctx, internalID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	return string(entry.Value()), true, nil
}

// Put stores the external id unless the key already holds a value. A
// same-value collision still reports success so rebinding the same id
// stays idempotent.
func (s *KVStore) Put(ctx context.Context, internalID, externalID string) (bool, error) {
	_, err := s.kv.Create(ctx, internalID, []byte(externalID))
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, fmt.Errorf("kv create: %w", err)
	}
	existing, ok, getErr := s.Get(ctx, internalID)
	if getErr != nil {
		return false, getErr
	}
	if ok && existing == externalID {
		return true, nil
	}
	return false, nil
}
