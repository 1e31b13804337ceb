package allocator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/remitscan/internal/model"
	"github.com/ledgerline/remitscan/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestAllocate_SequentialFormat(t *testing.T) {
	a := New(newTestStore(t))
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	first := a.Allocate(context.Background(), now)
	second := a.Allocate(context.Background(), now)

	assert.Equal(t, "2024010100001", first.ID)
	assert.Equal(t, "2024010100002", second.ID)
	assert.False(t, first.Degraded)
	assert.False(t, second.Degraded)
}

func TestAllocate_NewDayRestartsSequence(t *testing.T) {
	a := New(newTestStore(t))

	jan1 := a.Allocate(context.Background(), time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC))
	jan2 := a.Allocate(context.Background(), time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC))

	assert.Equal(t, "2024010100001", jan1.ID)
	assert.Equal(t, "2024010200001", jan2.ID)
}

func TestAllocate_ConcurrentDistinct(t *testing.T) {
	a := New(newTestStore(t))
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- a.Allocate(context.Background(), now).ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		require.False(t, seen[id], "identifier %s returned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

// failingStore simulates an unreachable backend for every counter call.
type failingStore struct {
	store.Store
}

func (f *failingStore) NextSeq(ctx context.Context, day, kind string) (int, error) {
	return 0, eris.New("connection refused")
}

func TestAllocate_FallbackOnStoreFailure(t *testing.T) {
	a := New(&failingStore{})
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	alloc := a.Allocate(context.Background(), now)
	assert.True(t, alloc.Degraded)
	assert.Regexp(t, `^20240101_\d+$`, alloc.ID)
}

func TestAllocate_FallbackUniqueWithinProcess(t *testing.T) {
	a := New(&failingStore{})
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		alloc := a.Allocate(context.Background(), now)
		require.False(t, seen[alloc.ID], "fallback id %s returned twice", alloc.ID)
		seen[alloc.ID] = true
	}
}

// Degraded ids never collide with sequential ones: the underscore keeps
// the two formats disjoint.
func TestAllocate_FormatsDisjoint(t *testing.T) {
	st := newTestStore(t)
	a := New(st)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	seq := a.Allocate(context.Background(), now)
	deg := New(&failingStore{}).Allocate(context.Background(), now)

	assert.NotEqual(t, seq.ID, deg.ID)
	require.NoError(t, st.CreateItem(context.Background(), model.Item{
		ID:           seq.ID,
		FileName:     "a.jpg",
		FilePath:     "p",
		Status:       model.ItemStatusDownloaded,
		DownloadedAt: now,
	}))
}
