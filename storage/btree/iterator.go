package btree

import (
	"github.com/sushant-115/pageengine/storage/buffer"
	"github.com/sushant-115/pageengine/storage/kv"
	"github.com/sushant-115/pageengine/storage/page"
)

// Iterator yields (key, value) pairs in ascending key order by walking the
// leaf chain's next_page_id pointers, per spec §6. Each step reads a
// point-in-time snapshot of one leaf and does not hold any page pinned
// between calls, so it is restartable by re-seeking and finite, but (as
// spec §6 requires callers to accept) gives no consistency guarantee
// against a concurrent split or merge of the leaves it has not yet
// visited.
type Iterator[K any, V any] struct {
	pool     buffer.Pool
	cmp      Comparator[K]
	keyCodec kv.Codec[K]
	valCodec kv.Codec[V]

	leaf *LeafPage[K, V]
	idx  int
	done bool
}

// Begin returns an iterator positioned at the smallest key in the tree.
func (t *Tree[K, V]) Begin() (*Iterator[K, V], error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	it := &Iterator[K, V]{pool: t.pool, cmp: t.cmp, keyCodec: t.keyCodec, valCodec: t.valCodec}
	if t.rootPageID == page.Invalid {
		it.done = true
		return it, nil
	}

	pid := t.rootPageID
	for {
		frame, err := t.pool.FetchPage(pid)
		if err != nil {
			return nil, err
		}
		typ, err := PeekType(frame.Data())
		if err != nil {
			t.pool.UnpinPage(pid, false)
			return nil, err
		}
		if typ == LeafPageType {
			leaf, err := DeserializeLeafPage[K, V](frame.Data(), t.cmp, t.keyCodec, t.valCodec)
			t.pool.UnpinPage(pid, false)
			if err != nil {
				return nil, err
			}
			it.leaf = leaf
			it.advanceToNonEmpty()
			return it, nil
		}
		internal, err := DeserializeInternalPage[K](frame.Data(), t.cmp, t.keyCodec)
		t.pool.UnpinPage(pid, false)
		if err != nil {
			return nil, err
		}
		pid = internal.ChildAt(0)
	}
}

// Seek returns an iterator positioned at the first key >= key.
func (t *Tree[K, V]) Seek(key K) (*Iterator[K, V], error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	it := &Iterator[K, V]{pool: t.pool, cmp: t.cmp, keyCodec: t.keyCodec, valCodec: t.valCodec}
	if t.rootPageID == page.Invalid {
		it.done = true
		return it, nil
	}
	frame, leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, err
	}
	t.pool.UnpinPage(frame.ID(), false)
	it.leaf = leaf
	it.idx = leaf.KeyIndex(key)
	it.advanceToNonEmpty()
	return it, nil
}

// advanceToNonEmpty walks forward to the next leaf with entries if the
// iterator is currently positioned past its snapshot's last key.
func (it *Iterator[K, V]) advanceToNonEmpty() {
	for !it.done && it.leaf != nil && it.idx >= it.leaf.Size() {
		next := it.leaf.NextPageID()
		if next == page.Invalid {
			it.done = true
			return
		}
		frame, err := it.pool.FetchPage(next)
		if err != nil {
			it.done = true
			return
		}
		leaf, err := DeserializeLeafPage[K, V](frame.Data(), it.cmp, it.keyCodec, it.valCodec)
		it.pool.UnpinPage(next, false)
		if err != nil {
			it.done = true
			return
		}
		it.leaf = leaf
		it.idx = 0
	}
}

// Valid reports whether Key/Value may be called.
func (it *Iterator[K, V]) Valid() bool {
	return !it.done && it.leaf != nil && it.idx < it.leaf.Size()
}

// Key returns the current pair's key. Valid must be true.
func (it *Iterator[K, V]) Key() K { return it.leaf.KeyAt(it.idx) }

// Value returns the current pair's value. Valid must be true.
func (it *Iterator[K, V]) Value() V { return it.leaf.ValueAt(it.idx) }

// Next advances to the following pair, crossing into the next leaf via its
// next_page_id pointer as needed.
func (it *Iterator[K, V]) Next() {
	if it.done {
		return
	}
	it.idx++
	it.advanceToNonEmpty()
}
