package hash

import (
	"sync"

	"github.com/sushant-115/pageengine/storage/buffer"
	"github.com/sushant-115/pageengine/storage/kv"
	"github.com/sushant-115/pageengine/storage/page"
	"go.uber.org/zap"
)

// HashFunc downcasts a key to the 32-bit hash extendible hashing indexes
// by its low-order bits.
type HashFunc[K any] func(key K) uint32

// Table is an extendible hash index: one directory page plus many bucket
// pages, all fetched through a buffer.Pool. table_latch_ (mu) protects
// structural changes (directory depth, bucket splits/merges); point
// operations additionally take the bucket page's own frame latch.
type Table[K any, V comparable] struct {
	mu sync.RWMutex

	pool            buffer.Pool
	directoryPageID page.ID
	comparator      Comparator[K]
	hashFn          HashFunc[K]
	keyCodec        kv.Codec[K]
	valCodec        kv.Codec[V]

	logger *zap.Logger
}

// NewTable creates a new extendible hash table backed by pool: a directory
// page at global depth 1 with two empty buckets, each at local depth 1.
func NewTable[K any, V comparable](pool buffer.Pool, cmp Comparator[K], hashFn HashFunc[K], keyCodec kv.Codec[K], valCodec kv.Codec[V], logger *zap.Logger) (*Table[K, V], error) {
	dirFrame, dirPID, err := pool.NewPage()
	if err != nil {
		return nil, err
	}

	dir := NewDirectoryPage()
	dir.IncrGlobalDepth()

	b1Frame, b1PID, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	b2Frame, b2PID, err := pool.NewPage()
	if err != nil {
		return nil, err
	}

	dir.SetLocalDepth(0, 1)
	dir.SetLocalDepth(1, 1)
	dir.SetBucketPageID(0, b1PID)
	dir.SetBucketPageID(1, b2PID)

	empty := NewBucketPage[K, V](keyCodec, valCodec)
	if err := empty.Serialize(b1Frame.Data()); err != nil {
		return nil, err
	}
	pool.UnpinPage(b1PID, true)
	if err := empty.Serialize(b2Frame.Data()); err != nil {
		return nil, err
	}
	pool.UnpinPage(b2PID, true)

	if err := dir.Serialize(dirFrame.Data()); err != nil {
		return nil, err
	}
	pool.UnpinPage(dirPID, true)

	return &Table[K, V]{
		pool:            pool,
		directoryPageID: dirPID,
		comparator:      cmp,
		hashFn:          hashFn,
		keyCodec:        keyCodec,
		valCodec:        valCodec,
		logger:          logger,
	}, nil
}

func (t *Table[K, V]) keyToDirIndex(key K, dir *DirectoryPage) uint32 {
	return t.hashFn(key) & dir.GlobalDepthMask()
}

// GlobalDepth returns the table's current global depth.
func (t *Table[K, V]) GlobalDepth() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	frame, err := t.pool.FetchPage(t.directoryPageID)
	if err != nil {
		return 0
	}
	dir, err := DeserializeDirectoryPage(frame.Data())
	t.pool.UnpinPage(t.directoryPageID, false)
	if err != nil {
		return 0
	}
	return dir.GlobalDepth()
}

// GetValue returns every value stored under key.
func (t *Table[K, V]) GetValue(key K) ([]V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	dirFrame, err := t.pool.FetchPage(t.directoryPageID)
	if err != nil {
		return nil, false
	}
	dir, err := DeserializeDirectoryPage(dirFrame.Data())
	if err != nil {
		t.pool.UnpinPage(t.directoryPageID, false)
		return nil, false
	}
	bucketPID := dir.BucketPageID(t.keyToDirIndex(key, dir))

	bucketFrame, err := t.pool.FetchPage(bucketPID)
	if err != nil {
		t.pool.UnpinPage(t.directoryPageID, false)
		return nil, false
	}
	bucketFrame.Latch.RLock()
	bucket, err := DeserializeBucketPage[K, V](bucketFrame.Data(), t.keyCodec, t.valCodec)
	bucketFrame.Latch.RUnlock()
	t.pool.UnpinPage(bucketPID, false)
	t.pool.UnpinPage(t.directoryPageID, false)
	if err != nil {
		return nil, false
	}

	var out []V
	found := bucket.GetValue(key, t.comparator, &out)
	return out, found
}

// Insert places (key, value). Returns false without error if the exact
// pair already exists. Splits the target bucket, growing the directory if
// necessary, whenever the routed bucket is full; retries until the key
// lands in a bucket with room.
func (t *Table[K, V]) Insert(key K, value V) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dirFrame, err := t.pool.FetchPage(t.directoryPageID)
	if err != nil {
		return false, err
	}
	dirDirty := false
	defer func() { t.pool.UnpinPage(t.directoryPageID, dirDirty) }()

	dir, err := DeserializeDirectoryPage(dirFrame.Data())
	if err != nil {
		return false, err
	}

	for {
		idx := t.keyToDirIndex(key, dir)
		bucketPID := dir.BucketPageID(idx)

		bucketFrame, err := t.pool.FetchPage(bucketPID)
		if err != nil {
			return false, err
		}
		bucketFrame.Latch.Lock()
		bucket, err := DeserializeBucketPage[K, V](bucketFrame.Data(), t.keyCodec, t.valCodec)
		if err != nil {
			bucketFrame.Latch.Unlock()
			t.pool.UnpinPage(bucketPID, false)
			return false, err
		}

		if bucket.FindElement(key, value, t.comparator) {
			bucketFrame.Latch.Unlock()
			t.pool.UnpinPage(bucketPID, false)
			return false, nil
		}

		if !bucket.IsFull() {
			bucket.Insert(key, value, t.comparator)
			err := bucket.Serialize(bucketFrame.Data())
			bucketFrame.Latch.Unlock()
			t.pool.UnpinPage(bucketPID, true)
			return err == nil, err
		}

		if err := t.splitBucket(dir, idx, bucketPID, bucket, bucketFrame); err != nil {
			bucketFrame.Latch.Unlock()
			t.pool.UnpinPage(bucketPID, false)
			return false, err
		}
		dirDirty = true
		if err := dir.Serialize(dirFrame.Data()); err != nil {
			bucketFrame.Latch.Unlock()
			t.pool.UnpinPage(bucketPID, true)
			return false, err
		}
		bucketFrame.Latch.Unlock()
		t.pool.UnpinPage(bucketPID, true)
		// Loop: re-route with the now-updated directory; the key may
		// still land in a full bucket, in which case we split again.
	}
}

// splitBucket implements the split protocol in spec §4.5 steps 1-5: bump
// the routed slot's local depth, double the directory if that exceeds the
// global depth, reassign every directory slot that pointed at oldPID whose
// bit d is set to the new bucket, then redistribute entries by that bit.
func (t *Table[K, V]) splitBucket(dir *DirectoryPage, idx uint32, oldPID page.ID, oldBucket *BucketPage[K, V], oldFrame *page.Frame) error {
	d := dir.LocalDepth(idx)
	dir.IncrLocalDepth(idx)
	newDepth := d + 1

	newFrame, newPID, err := t.pool.NewPage()
	if err != nil {
		return err
	}
	newBucket := NewBucketPage[K, V](t.keyCodec, t.valCodec)

	if uint32(newDepth) > dir.GlobalDepth() {
		dir.IncrGlobalDepth()
	}

	for i := uint32(0); i < dir.Size(); i++ {
		if dir.BucketPageID(i) != oldPID {
			continue
		}
		if (i>>d)&1 == 1 {
			dir.SetBucketPageID(i, newPID)
		}
		dir.SetLocalDepth(i, newDepth)
	}

	pairs := oldBucket.AllPairs()
	oldBucket.Clear()
	for _, p := range pairs {
		if (t.hashFn(p.Key)>>d)&1 == 1 {
			newBucket.Insert(p.Key, p.Value, t.comparator)
		} else {
			oldBucket.Insert(p.Key, p.Value, t.comparator)
		}
	}

	if err := newBucket.Serialize(newFrame.Data()); err != nil {
		t.pool.UnpinPage(newPID, false)
		return err
	}
	t.pool.UnpinPage(newPID, true)

	return oldBucket.Serialize(oldFrame.Data())
}

// Remove deletes the exact pair (key, value). If that empties a bucket, it
// attempts to merge with its split-image buddy (legal only when the buddy
// shares local depth and is a distinct bucket), cascading upward, then
// halves the directory while every slot's local depth stays below the
// global depth.
func (t *Table[K, V]) Remove(key K, value V) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dirFrame, err := t.pool.FetchPage(t.directoryPageID)
	if err != nil {
		return false, err
	}
	dirDirty := false
	defer func() { t.pool.UnpinPage(t.directoryPageID, dirDirty) }()

	dir, err := DeserializeDirectoryPage(dirFrame.Data())
	if err != nil {
		return false, err
	}

	idx := t.keyToDirIndex(key, dir)
	bucketPID := dir.BucketPageID(idx)

	bucketFrame, err := t.pool.FetchPage(bucketPID)
	if err != nil {
		return false, err
	}
	bucketFrame.Latch.Lock()
	bucket, err := DeserializeBucketPage[K, V](bucketFrame.Data(), t.keyCodec, t.valCodec)
	if err != nil {
		bucketFrame.Latch.Unlock()
		t.pool.UnpinPage(bucketPID, false)
		return false, err
	}
	removed := bucket.Remove(key, value, t.comparator)
	if !removed {
		bucketFrame.Latch.Unlock()
		t.pool.UnpinPage(bucketPID, false)
		return false, nil
	}
	if err := bucket.Serialize(bucketFrame.Data()); err != nil {
		bucketFrame.Latch.Unlock()
		t.pool.UnpinPage(bucketPID, false)
		return false, err
	}
	bucketFrame.Latch.Unlock()
	t.pool.UnpinPage(bucketPID, true)

	curIdx, curPID := idx, bucketPID
	for dir.LocalDepth(curIdx) > 0 {
		bf, err := t.pool.FetchPage(curPID)
		if err != nil {
			break
		}
		bf.Latch.RLock()
		b, err := DeserializeBucketPage[K, V](bf.Data(), t.keyCodec, t.valCodec)
		bf.Latch.RUnlock()
		t.pool.UnpinPage(curPID, false)
		if err != nil || !b.IsEmpty() {
			break
		}

		buddyIdx := dir.ImageIndex(curIdx)
		buddyPID := dir.BucketPageID(buddyIdx)
		buddyDepth := dir.LocalDepth(buddyIdx)
		if buddyPID == curPID || buddyDepth != dir.LocalDepth(curIdx) {
			break
		}

		newDepth := dir.LocalDepth(curIdx) - 1
		for i := uint32(0); i < dir.Size(); i++ {
			switch dir.BucketPageID(i) {
			case curPID:
				dir.SetBucketPageID(i, buddyPID)
				dir.SetLocalDepth(i, newDepth)
			case buddyPID:
				dir.SetLocalDepth(i, newDepth)
			}
		}
		t.pool.DeletePage(curPID)
		dirDirty = true

		curIdx, curPID = buddyIdx, buddyPID
	}

	for dir.GlobalDepth() > 0 {
		canHalve := true
		for i := uint32(0); i < dir.Size(); i++ {
			if uint32(dir.LocalDepth(i)) >= dir.GlobalDepth() {
				canHalve = false
				break
			}
		}
		if !canHalve {
			break
		}
		dir.DecrGlobalDepth()
		dirDirty = true
	}

	if dirDirty {
		if err := dir.Serialize(dirFrame.Data()); err != nil {
			return true, err
		}
	}
	return true, nil
}

// VerifyIntegrity checks the directory's local-depth/bucket-sharing
// invariant, used by tests to validate the index law: all slots that
// agree in the low local_depth bits point to the same bucket.
func (t *Table[K, V]) VerifyIntegrity() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	frame, err := t.pool.FetchPage(t.directoryPageID)
	if err != nil {
		return err
	}
	defer t.pool.UnpinPage(t.directoryPageID, false)
	dir, err := DeserializeDirectoryPage(frame.Data())
	if err != nil {
		return err
	}
	return dir.VerifyIntegrity()
}
