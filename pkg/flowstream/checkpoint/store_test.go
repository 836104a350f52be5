package checkpoint_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T, opts ...checkpoint.StoreOption) checkpoint.Store

func completed(id int64, kind checkpoint.Kind) *checkpoint.Completed {
	now := time.Now().UTC()
	return &checkpoint.Completed{
		Version:     checkpoint.Version,
		JobID:       "job-1",
		ID:          id,
		Kind:        kind,
		Status:      checkpoint.StatusCompleted,
		TriggeredAt: now.Add(-time.Second),
		CompletedAt: now,
		Tasks: map[string]checkpoint.Handle{
			"source": {Backend: "memory", Key: "source/1", Size: 10},
			"sink":   checkpoint.EmptyHandle(),
		},
	}
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Add_and_Get", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		require.NoError(t, store.Add(ctx, completed(1, checkpoint.KindCheckpoint)))

		got, err := store.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.ID)
		assert.Equal(t, checkpoint.StatusCompleted, got.Status)
		assert.Equal(t, "source/1", got.Tasks["source"].Key)
		assert.True(t, got.Handle("sink").IsEmpty())
		assert.True(t, got.Handle("unknown").IsEmpty())
	})

	t.Run(name+"/Get_NotFound", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		_, err := store.Get(ctx, 42)
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		_, err = store.Latest(ctx)
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run(name+"/Add_Duplicate", func(t *testing.T) {
		store := factory(t, checkpoint.WithRetained(5))
		defer store.Close()

		require.NoError(t, store.Add(ctx, completed(3, checkpoint.KindCheckpoint)))
		err := store.Add(ctx, completed(3, checkpoint.KindCheckpoint))
		assert.ErrorIs(t, err, checkpoint.ErrDuplicateCheckpoint)
	})

	t.Run(name+"/Add_RejectsInvalid", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		bad := completed(1, checkpoint.KindCheckpoint)
		bad.Status = checkpoint.StatusAborted
		assert.Error(t, store.Add(ctx, bad))

		bad = completed(2, checkpoint.KindCheckpoint)
		bad.Tasks["broken"] = checkpoint.Handle{Backend: "memory"}
		assert.ErrorIs(t, store.Add(ctx, bad), checkpoint.ErrInvalidHandle)

		infos, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, infos)
	})

	t.Run(name+"/Latest", func(t *testing.T) {
		store := factory(t, checkpoint.WithRetained(3))
		defer store.Close()

		for _, id := range []int64{1, 2, 5} {
			require.NoError(t, store.Add(ctx, completed(id, checkpoint.KindCheckpoint)))
		}
		latest, err := store.Latest(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(5), latest.ID)
	})

	t.Run(name+"/List_Ordered", func(t *testing.T) {
		store := factory(t, checkpoint.WithRetained(10))
		defer store.Close()

		for _, id := range []int64{4, 7, 9} {
			require.NoError(t, store.Add(ctx, completed(id, checkpoint.KindCheckpoint)))
		}
		infos, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 3)
		assert.Equal(t, int64(4), infos[0].ID)
		assert.Equal(t, int64(9), infos[2].ID)
		assert.Equal(t, 2, infos[0].Tasks)
		assert.Equal(t, int64(10), infos[0].Size)
	})

	t.Run(name+"/Retention_PrunesOldestFirst", func(t *testing.T) {
		var subsumed []int64
		store := factory(t,
			checkpoint.WithRetained(2),
			checkpoint.WithOnSubsumed(func(c *checkpoint.Completed) { subsumed = append(subsumed, c.ID) }),
		)
		defer store.Close()

		for id := int64(1); id <= 4; id++ {
			require.NoError(t, store.Add(ctx, completed(id, checkpoint.KindCheckpoint)))
		}

		infos, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, int64(3), infos[0].ID)
		assert.Equal(t, int64(4), infos[1].ID)
		assert.Equal(t, []int64{1, 2}, subsumed)

		_, err = store.Get(ctx, 1)
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run(name+"/Retention_KeepsSavepoints", func(t *testing.T) {
		store := factory(t, checkpoint.WithRetained(1), checkpoint.WithRetainSavepoints(true))
		defer store.Close()

		require.NoError(t, store.Add(ctx, completed(1, checkpoint.KindCheckpoint)))
		require.NoError(t, store.Add(ctx, completed(2, checkpoint.KindSavepoint)))
		require.NoError(t, store.Add(ctx, completed(3, checkpoint.KindCheckpoint)))
		require.NoError(t, store.Add(ctx, completed(4, checkpoint.KindCheckpoint)))

		infos, err := store.List(ctx)
		require.NoError(t, err)
		ids := make([]int64, 0, len(infos))
		for _, info := range infos {
			ids = append(ids, info.ID)
		}
		assert.Equal(t, []int64{2, 4}, ids)
	})

	t.Run(name+"/Retention_SavepointsAgeOut", func(t *testing.T) {
		store := factory(t, checkpoint.WithRetained(1), checkpoint.WithRetainSavepoints(false))
		defer store.Close()

		require.NoError(t, store.Add(ctx, completed(1, checkpoint.KindSavepoint)))
		require.NoError(t, store.Add(ctx, completed(2, checkpoint.KindCheckpoint)))

		infos, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, int64(2), infos[0].ID)
	})

	t.Run(name+"/Covers", func(t *testing.T) {
		store := factory(t, checkpoint.WithRetained(1))
		defer store.Close()

		covered, err := checkpoint.Covers(ctx, store, 5)
		require.NoError(t, err)
		assert.False(t, covered, "empty store covers nothing")

		require.NoError(t, store.Add(ctx, completed(4, checkpoint.KindCheckpoint)))
		require.NoError(t, store.Add(ctx, completed(6, checkpoint.KindCheckpoint)))

		oracle := checkpoint.Oracle{Store: store}
		for id, want := range map[int64]bool{4: true, 5: true, 6: true, 7: false} {
			got, err := oracle.Covers(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, got, "checkpoint %d", id)
		}
	})

	t.Run(name+"/StoredCopyIsIsolated", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		c := completed(1, checkpoint.KindCheckpoint)
		require.NoError(t, store.Add(ctx, c))
		c.Tasks["source"] = checkpoint.Handle{Backend: "memory", Key: "mutated"}

		got, err := store.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "source/1", got.Tasks["source"].Key)
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Close())

		assert.ErrorIs(t, store.Add(ctx, completed(1, checkpoint.KindCheckpoint)), checkpoint.ErrStoreClosed)
		_, err := store.Get(ctx, 1)
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
		_, err = store.Latest(ctx)
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
		_, err = store.List(ctx)
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContractTest(t, "MemoryStore", func(t *testing.T, opts ...checkpoint.StoreOption) checkpoint.Store {
		return checkpoint.NewMemoryStore(opts...)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeContractTest(t, "SQLiteStore", func(t *testing.T, opts ...checkpoint.StoreOption) checkpoint.Store {
		path := filepath.Join(t.TempDir(), "checkpoints.db")
		store, err := checkpoint.NewSQLiteStore(path, "job-1", opts...)
		require.NoError(t, err)
		return store
	})
}
