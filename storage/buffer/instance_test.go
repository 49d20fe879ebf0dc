package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/pageengine/storage/disk"
	"github.com/sushant-115/pageengine/storage/page"
	"go.uber.org/zap"
)

func setupInstance(t *testing.T, poolSize int) (*Instance, *disk.Manager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buffer.db")
	d, err := disk.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return NewInstance(poolSize, d, 0, 1, zap.NewNop(), nil), d
}

// TestInstance_EvictsOnlyUnpinned covers spec §8 scenario 1: a pool of 3
// frames fully occupied, one page unpinned, allocating a fourth page must
// evict the unpinned page and succeed; allocating a fifth page while every
// frame is pinned must fail.
func TestInstance_EvictsOnlyUnpinned(t *testing.T) {
	bp, _ := setupInstance(t, 3)

	var ids []page.ID
	for i := 0; i < 3; i++ {
		_, id, err := bp.NewPage()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Unpin the first page so it becomes the LRU victim.
	require.True(t, bp.UnpinPage(ids[0], false))

	_, fourth, err := bp.NewPage()
	require.NoError(t, err)
	require.NotEqual(t, ids[0], fourth)

	// Now every frame (ids[1], ids[2], fourth) is pinned; a new allocation
	// must fail rather than silently evicting a pinned page.
	_, _, err = bp.NewPage()
	require.Error(t, err)
}

func TestInstance_FetchRoundTrip(t *testing.T) {
	bp, _ := setupInstance(t, 2)

	frame, id, err := bp.NewPage()
	require.NoError(t, err)
	copy(frame.Data(), []byte("hello"))
	require.True(t, bp.UnpinPage(id, true))
	require.True(t, bp.FlushPage(id))

	fetched, err := bp.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, byte('h'), fetched.Data()[0])
	require.True(t, bp.UnpinPage(id, false))
}

func TestInstance_DirtyIsSticky(t *testing.T) {
	bp, _ := setupInstance(t, 1)

	_, id, err := bp.NewPage()
	require.NoError(t, err)
	require.True(t, bp.UnpinPage(id, true))

	frame, err := bp.FetchPage(id)
	require.NoError(t, err)
	require.True(t, frame.IsDirty())
	require.True(t, bp.UnpinPage(id, false))

	frame, err = bp.FetchPage(id)
	require.NoError(t, err)
	require.True(t, frame.IsDirty(), "dirty must stay sticky across an UnpinPage(false)")
	require.True(t, bp.UnpinPage(id, false))
}

func TestInstance_DeletePageRejectsPinned(t *testing.T) {
	bp, _ := setupInstance(t, 1)

	_, id, err := bp.NewPage()
	require.NoError(t, err)
	require.False(t, bp.DeletePage(id), "deleting a pinned page must fail")
	require.True(t, bp.UnpinPage(id, false))
	require.True(t, bp.DeletePage(id))
}

func TestParallel_ShardsByPageIDModulus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parallel.db")
	d, err := disk.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	p := NewParallel(3, 2, d, zap.NewNop(), nil)
	seen := make(map[int32]bool)
	for i := 0; i < 6; i++ {
		_, id, err := p.NewPage()
		require.NoError(t, err)
		require.False(t, seen[int32(id)], "page ids must be unique across shards")
		seen[int32(id)] = true
		require.True(t, p.UnpinPage(id, false))
	}
}
