package checkpoint_test

import (
	"context"
	"sync"
	"testing"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Len(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore(checkpoint.WithRetained(2))
	assert.Equal(t, 0, store.Len())

	require.NoError(t, store.Add(ctx, completed(1, checkpoint.KindCheckpoint)))
	require.NoError(t, store.Add(ctx, completed(2, checkpoint.KindCheckpoint)))
	require.NoError(t, store.Add(ctx, completed(3, checkpoint.KindCheckpoint)))
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore(checkpoint.WithRetained(1000))

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, store.Add(ctx, completed(id, checkpoint.KindCheckpoint)))
			_, _ = store.Latest(ctx)
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, 50, store.Len())
	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), latest.ID)
}

func TestMemoryIDCounter(t *testing.T) {
	ctx := context.Background()
	counter := checkpoint.NewMemoryIDCounter(0)

	first, _ := counter.Next(ctx)
	second, _ := counter.Next(ctx)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)

	require.NoError(t, counter.Ensure(ctx, 10))
	next, _ := counter.Next(ctx)
	assert.Equal(t, int64(11), next)

	// Ensure never moves backwards
	require.NoError(t, counter.Ensure(ctx, 3))
	cur, _ := counter.Current(ctx)
	assert.Equal(t, int64(11), cur)
}

func TestMemoryIDCounter_Concurrent(t *testing.T) {
	ctx := context.Background()
	counter := checkpoint.NewMemoryIDCounter(0)

	var mu sync.Mutex
	seen := map[int64]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _ := counter.Next(ctx)
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 100, "ids must never repeat")
}
