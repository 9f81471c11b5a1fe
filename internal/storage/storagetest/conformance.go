package storagetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/fleetaudit/internal/inventory"
	"github.com/ipsix/fleetaudit/internal/storage"
)

// Run exercises the ConnectionResultStore contract. newStore must return an
// empty store; job ids are unique per subtest so shared databases work too.
func Run(t *testing.T, newStore func(t *testing.T) storage.ConnectionResultStore) {
	t.Run("GetOrCreateIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		job := uniqueJob(t)

		first, err := store.GetOrCreate(ctx, job, "src-1", "task-1")
		require.NoError(t, err)
		second, err := store.GetOrCreate(ctx, job, "src-1", "task-2")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "task-1", second.TaskID, "existing row wins")

		other, err := store.GetOrCreate(ctx, job, "src-2", "task-3")
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, other.ID)

		results, err := store.Results(ctx, job)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("GetOrCreateConcurrent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		job := uniqueJob(t)

		const workers = 12
		ids := make([]string, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := store.GetOrCreate(ctx, job, "src-1", fmt.Sprintf("task-%d", i))
				if err != nil {
					t.Errorf("get or create: %v", err)
					return
				}
				ids[i] = res.ID
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		results, err := store.Results(ctx, job)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("ClearThenAppendReplacesSystems", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		job := uniqueJob(t)

		res, err := store.GetOrCreate(ctx, job, "src-1", "task-1")
		require.NoError(t, err)
		require.NoError(t, store.AppendSystem(ctx, res.ID, inventory.HostDescriptor{ID: "1", Name: "old.example.com"}))
		require.NoError(t, store.AppendSystem(ctx, res.ID, inventory.HostDescriptor{ID: "2", Name: "stale.example.com"}))

		require.NoError(t, store.ClearSystems(ctx, res.ID))
		systems, err := store.Systems(ctx, res.ID)
		require.NoError(t, err)
		assert.Empty(t, systems)

		require.NoError(t, store.AppendSystem(ctx, res.ID, inventory.HostDescriptor{ID: "3", Name: "new.example.com"}))
		systems, err = store.Systems(ctx, res.ID)
		require.NoError(t, err)
		require.Len(t, systems, 1)
		assert.Equal(t, "new.example.com", systems[0].Name)
		assert.Equal(t, "3", systems[0].HostID)
		assert.Equal(t, inventory.SystemSuccess, systems[0].Status)
	})

	t.Run("ClearOnlyTouchesOneResult", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		job := uniqueJob(t)

		a, err := store.GetOrCreate(ctx, job, "src-a", "task-a")
		require.NoError(t, err)
		b, err := store.GetOrCreate(ctx, job, "src-b", "task-b")
		require.NoError(t, err)
		require.NoError(t, store.AppendSystem(ctx, a.ID, inventory.HostDescriptor{Name: "a1"}))
		require.NoError(t, store.AppendSystem(ctx, b.ID, inventory.HostDescriptor{Name: "b1"}))

		require.NoError(t, store.ClearSystems(ctx, a.ID))
		systems, err := store.Systems(ctx, b.ID)
		require.NoError(t, err)
		assert.Len(t, systems, 1)
	})

	t.Run("SameNamedHostsAreKeptApart", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		res, err := store.GetOrCreate(ctx, uniqueJob(t), "src-1", "task-1")
		require.NoError(t, err)

		require.NoError(t, store.AppendSystem(ctx, res.ID, inventory.HostDescriptor{ID: "org1-uuid-a", Name: "web01"}))
		require.NoError(t, store.AppendSystem(ctx, res.ID, inventory.HostDescriptor{ID: "org2-uuid-b", Name: "web01"}))
		require.NoError(t, store.AppendSystem(ctx, res.ID, inventory.HostDescriptor{ID: "org1-uuid-c", Name: "app01"}))

		systems, err := store.Systems(ctx, res.ID)
		require.NoError(t, err)
		require.Len(t, systems, 3)
		assert.Equal(t, []string{"org1-uuid-a", "org2-uuid-b", "org1-uuid-c"},
			[]string{systems[0].HostID, systems[1].HostID, systems[2].HostID}, "append order is kept")
	})

	t.Run("SlashesInIdentifiersDoNotCollide", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		job := uniqueJob(t)

		nested, err := store.GetOrCreate(ctx, job+"/b", "c", "task-1")
		require.NoError(t, err)
		flat, err := store.GetOrCreate(ctx, job, "b/c", "task-2")
		require.NoError(t, err)
		assert.NotEqual(t, nested.ID, flat.ID)

		results, err := store.Results(ctx, job)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "b/c", results[0].SourceID)
	})

	t.Run("AppendRequiresIdentity", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		res, err := store.GetOrCreate(ctx, uniqueJob(t), "src-1", "task-1")
		require.NoError(t, err)
		assert.Error(t, store.AppendSystem(ctx, res.ID, inventory.HostDescriptor{}))
	})
}

func uniqueJob(t *testing.T) string {
	return strings.ReplaceAll(fmt.Sprintf("%s-%p", t.Name(), t), "/", "_")
}
