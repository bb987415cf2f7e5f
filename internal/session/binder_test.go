package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFirstWriteWins(t *testing.T) {
	b := NewBinder(NewMemoryStore())
	ctx := context.Background()

	winner, err := b.Bind(ctx, "sess-1", "conv-a")
	require.NoError(t, err)
	assert.Equal(t, "conv-a", winner)

	ext, ok, err := b.Resolve(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "conv-a", ext)
}

func TestBindIdempotent(t *testing.T) {
	b := NewBinder(NewMemoryStore())
	ctx := context.Background()

	_, err := b.Bind(ctx, "sess-1", "conv-a")
	require.NoError(t, err)

	winner, err := b.Bind(ctx, "sess-1", "conv-a")
	require.NoError(t, err)
	assert.Equal(t, "conv-a", winner)
}

func TestBindConflictReturnsWinner(t *testing.T) {
	b := NewBinder(NewMemoryStore())
	ctx := context.Background()

	_, err := b.Bind(ctx, "sess-1", "conv-a")
	require.NoError(t, err)

	winner, err := b.Bind(ctx, "sess-1", "conv-b")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "conv-a", winner)
}

func TestBindSeesPreexistingStoreValue(t *testing.T) {
	store := NewMemoryStore()
	ok, err := store.Put(context.Background(), "sess-1", "conv-a")
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh binder (cold cache) over the same store must still honor the
	// existing binding.
	b := NewBinder(store)
	winner, err := b.Bind(context.Background(), "sess-1", "conv-b")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "conv-a", winner)
}

func TestConcurrentBindsSingleWinner(t *testing.T) {
	b := NewBinder(NewMemoryStore())
	ctx := context.Background()

	const n = 32
	winners := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			// Half race with conv-a, half with conv-b.
			mine := "conv-a"
			if i%2 == 1 {
				mine = "conv-b"
			}
			winner, err := b.Bind(ctx, "sess-1", mine)
			if err != nil {
				require.ErrorIs(t, err, ErrConflict)
			}
			winners[i] = winner
		}(i)
	}
	wg.Wait()

	// Every caller observed the same winning id.
	for i := 1; i < n; i++ {
		assert.Equal(t, winners[0], winners[i])
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	b := NewBinder(NewMemoryStore())
	ctx := context.Background()

	_, err := b.Bind(ctx, "sess-1", "conv-a")
	require.NoError(t, err)
	winner, err := b.Bind(ctx, "sess-2", "conv-b")
	require.NoError(t, err)
	assert.Equal(t, "conv-b", winner)
}

func TestResolveUnbound(t *testing.T) {
	b := NewBinder(NewMemoryStore())
	_, ok, err := b.Resolve(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
