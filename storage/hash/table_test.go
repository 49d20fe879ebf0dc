package hash

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/pageengine/storage/buffer"
	"github.com/sushant-115/pageengine/storage/disk"
	"github.com/sushant-115/pageengine/storage/kv"
	"go.uber.org/zap"
)

func int32Cmp(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func fnv32(key int32) uint32 {
	h := uint32(2166136261)
	buf := [4]byte{byte(key), byte(key >> 8), byte(key >> 16), byte(key >> 24)}
	for _, b := range buf {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

func setupTable(t *testing.T) *Table[int32, int32] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hash.db")
	d, err := disk.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	pool := buffer.NewInstance(64, d, 0, 1, zap.NewNop(), nil)
	tbl, err := NewTable[int32, int32](pool, int32Cmp, fnv32, kv.Int32Codec(), kv.Int32Codec(), zap.NewNop())
	require.NoError(t, err)
	return tbl
}

func TestTable_InsertGetValue(t *testing.T) {
	tbl := setupTable(t)

	ok, err := tbl.Insert(1, 100)
	require.NoError(t, err)
	require.True(t, ok)

	vals, found := tbl.GetValue(1)
	require.True(t, found)
	require.Equal(t, []int32{100}, vals)

	_, found = tbl.GetValue(2)
	require.False(t, found)
}

// TestTable_DuplicateKeyFanOut inserts two distinct values under the same
// key and expects GetValue to return both, since extendible hashing
// supports duplicate keys with distinct values.
func TestTable_DuplicateKeyFanOut(t *testing.T) {
	tbl := setupTable(t)

	ok, err := tbl.Insert(7, 1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tbl.Insert(7, 2)
	require.NoError(t, err)
	require.True(t, ok)

	vals, found := tbl.GetValue(7)
	require.True(t, found)
	require.ElementsMatch(t, []int32{1, 2}, vals)
}

// TestTable_SplitAndVerifyIntegrity inserts enough distinct keys to force
// at least one bucket split and directory growth, then checks the
// directory/bucket sharing invariant still holds.
func TestTable_SplitAndVerifyIntegrity(t *testing.T) {
	tbl := setupTable(t)

	// An int32/int32 bucket holds 496 pairs, so 1000 keys over the two
	// initial buckets put at least 500 in one of them and force a split.
	for i := int32(0); i < 1000; i++ {
		ok, err := tbl.Insert(i, i*10)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Greater(t, tbl.GlobalDepth(), uint32(1), "1000 distinct keys should force the directory to grow past depth 1")

	for i := int32(0); i < 1000; i++ {
		vals, found := tbl.GetValue(i)
		require.True(t, found, "key %d should still be found after splits", i)
		require.Contains(t, vals, i*10)
	}

	require.NoError(t, tbl.VerifyIntegrity())
}

func TestTable_RemoveMergesBack(t *testing.T) {
	tbl := setupTable(t)

	for i := int32(0); i < 50; i++ {
		ok, err := tbl.Insert(i, i)
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := int32(0); i < 50; i++ {
		ok, err := tbl.Remove(i, i)
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := int32(0); i < 50; i++ {
		_, found := tbl.GetValue(i)
		require.False(t, found)
	}
	require.NoError(t, tbl.VerifyIntegrity())
}
