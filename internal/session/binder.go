// Package session maintains the mapping from internal session ids to
// provider-side conversation ids. The first successful bind for a session
// is final; a later attempt to bind a different external id is a conflict.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alphadose/haxmap"
)

// ErrConflict is returned when a session is already bound to a different
// external id. The winning id accompanies the error via Bind's return.
var ErrConflict = errors.New("session already bound to a different external id")

// Store persists one external session id per internal session. Put must be
// atomic first-write-wins: it returns false when a conflicting value
// already exists.
type Store interface {
	Get(ctx context.Context, internalID string) (string, bool, error)
	Put(ctx context.Context, internalID, externalID string) (bool, error)
}

// Binder coordinates concurrent binds per internal session id. Each key
// has its own lock; unrelated sessions never contend.
type Binder struct {
	store Store
	locks *haxmap.Map[string, *sync.Mutex]
	cache *haxmap.Map[string, string]
}

// NewBinder creates a binder over the given store.
func NewBinder(store Store) *Binder {
	return &Binder{
		store: store,
		locks: haxmap.New[string, *sync.Mutex](),
		cache: haxmap.New[string, string](),
	}
}

func (b *Binder) lock(internalID string) *sync.Mutex {
	mu, _ := b.locks.GetOrSet(internalID, &sync.Mutex{})
	return mu
}

// Resolve returns the bound external id for a session, if any.
func (b *Binder) Resolve(ctx context.Context, internalID string) (string, bool, error) {
	if ext, ok := b.cache.Get(internalID); ok {
		return ext, true, nil
	}
	ext, ok, err := b.store.Get(ctx, internalID)
	if err != nil {
		return "", false, fmt.Errorf("resolve session %s: %w", internalID, err)
	}
	if ok {
		b.cache.Set(internalID, ext)
	}
	return ext, ok, nil
}

// Bind records the external id for a session. Binding the same id again is
// a no-op. If a different id is already bound — including by a concurrent
// winner racing this call — Bind returns the winning id together with
// ErrConflict so the caller can adopt it or terminate.
func (b *Binder) Bind(ctx context.Context, internalID, externalID string) (string, error) {
	mu := b.lock(internalID)
	mu.Lock()
	defer mu.Unlock()

	if bound, ok := b.cache.Get(internalID); ok {
		if bound == externalID {
			return bound, nil
		}
		return bound, ErrConflict
	}

	ok, err := b.store.Put(ctx, internalID, externalID)
	if err != nil {
		return "", fmt.Errorf("bind session %s: %w", internalID, err)
	}
	if ok {
		b.cache.Set(internalID, externalID)
		return externalID, nil
	}

	// Lost the race: read the winner instead of proceeding with our own id.
	winner, found, err := b.store.Get(ctx, internalID)
	if err != nil {
		return "", fmt.Errorf("bind session %s: read winner: %w", internalID, err)
	}
	if !found {
		return "", fmt.Errorf("bind session %s: store rejected put but holds no value", internalID)
	}
	b.cache.Set(internalID, winner)
	if winner == externalID {
		return winner, nil
	}
	return winner, ErrConflict
}
