package btree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/pageengine/storage/buffer"
	"github.com/sushant-115/pageengine/storage/disk"
	"github.com/sushant-115/pageengine/storage/kv"
	"github.com/sushant-115/pageengine/storage/page"
	"go.uber.org/zap"
)

func int64Cmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func setupTree(t *testing.T) *Tree[int64, int64] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btree.db")
	d, err := disk.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	pool := buffer.NewInstance(64, d, 0, 1, zap.NewNop(), nil)
	// Small fan-out (4) so a few dozen keys exercise splits, coalesces, and
	// redistribution instead of fitting in a single leaf.
	tree, _, err := NewTree[int64, int64](pool, page.Invalid, "pk", int64Cmp, kv.Int64Codec(), kv.Int64Codec(), 4, 4, zap.NewNop())
	require.NoError(t, err)
	return tree
}

func TestTree_InsertGetValue(t *testing.T) {
	tree := setupTree(t)

	ok, err := tree.Insert(5, 50)
	require.NoError(t, err)
	require.True(t, ok)

	v, found := tree.GetValue(5)
	require.True(t, found)
	require.Equal(t, int64(50), v)

	_, found = tree.GetValue(6)
	require.False(t, found)
}

func TestTree_DuplicateKeyRejected(t *testing.T) {
	tree := setupTree(t)

	ok, err := tree.Insert(1, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Insert(1, 2)
	require.NoError(t, err)
	require.False(t, ok, "a duplicate key must not be inserted twice")

	v, found := tree.GetValue(1)
	require.True(t, found)
	require.Equal(t, int64(1), v)
}

// TestTree_InsertThenRemoveAllEmptiesRoot covers spec §8 scenario 3: insert
// keys 1..10, remove them 10..1, and expect an empty tree whose root page
// id reverts to page.Invalid.
func TestTree_InsertThenRemoveAllEmptiesRoot(t *testing.T) {
	tree := setupTree(t)

	for i := int64(1); i <= 10; i++ {
		ok, err := tree.Insert(i, i*100)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NotEqual(t, page.Invalid, tree.RootPageID())

	for i := int64(10); i >= 1; i-- {
		err := tree.Remove(i)
		require.NoError(t, err)
	}
	require.Equal(t, page.Invalid, tree.RootPageID())
}

func TestTree_IteratorAscendingOrder(t *testing.T) {
	tree := setupTree(t)

	keys := []int64{40, 10, 30, 20, 50, 5, 45}
	for _, k := range keys {
		ok, err := tree.Insert(k, k)
		require.NoError(t, err)
		require.True(t, ok)
	}

	it, err := tree.Begin()
	require.NoError(t, err)

	var seen []int64
	for it.Valid() {
		seen = append(seen, it.Key())
		it.Next()
	}
	require.Equal(t, []int64{5, 10, 20, 30, 40, 45, 50}, seen)
}

func TestTree_SeekPositionsAtFirstKeyGTE(t *testing.T) {
	tree := setupTree(t)
	for _, k := range []int64{10, 20, 30, 40} {
		ok, err := tree.Insert(k, k)
		require.NoError(t, err)
		require.True(t, ok)
	}

	it, err := tree.Seek(25)
	require.NoError(t, err)
	require.True(t, it.Valid())
	require.Equal(t, int64(30), it.Key())
}

// TestTree_RandomOrderSurvivesManyInsertsAndRemoves exercises leaf splits,
// internal splits, and coalesce/redistribute on removal with a larger key
// set inserted and removed out of order.
func TestTree_RandomOrderSurvivesManyInsertsAndRemoves(t *testing.T) {
	tree := setupTree(t)

	insertOrder := []int64{50, 20, 80, 10, 30, 60, 90, 5, 15, 25, 35, 55, 65, 85, 95, 1, 99, 40, 70, 45}
	for _, k := range insertOrder {
		ok, err := tree.Insert(k, k*2)
		require.NoError(t, err)
		require.True(t, ok)
	}
	for _, k := range insertOrder {
		v, found := tree.GetValue(k)
		require.True(t, found, "key %d should be present", k)
		require.Equal(t, k*2, v)
	}

	removeOrder := []int64{20, 80, 1, 99, 50, 10, 30, 60, 90, 5, 15, 25, 35, 55, 65, 85, 95, 40, 70, 45}
	for _, k := range removeOrder {
		require.NoError(t, tree.Remove(k))
		_, found := tree.GetValue(k)
		require.False(t, found, "key %d should be gone after Remove", k)
	}
	require.Equal(t, page.Invalid, tree.RootPageID())
}
