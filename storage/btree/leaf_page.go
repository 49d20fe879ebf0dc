package btree

import (
	"fmt"
	"sort"

	"github.com/sushant-115/pageengine/storage/errs"
	"github.com/sushant-115/pageengine/storage/kv"
	"github.com/sushant-115/pageengine/storage/page"
)

// LeafPage holds an ordered (key, value) array plus a pointer to the next
// leaf in key order, per spec §4.6. All mutation methods keep the array
// sorted by key; KeyIndex/Lookup rely on that invariant for binary search.
type LeafPage[K any, V any] struct {
	pageID       page.ID
	parentPageID page.ID
	nextPageID   page.ID
	maxSize      int

	keys   []K
	values []V

	cmp      Comparator[K]
	keyCodec kv.Codec[K]
	valCodec kv.Codec[V]
}

// NewLeafPage allocates an empty leaf with the given page id and max size.
func NewLeafPage[K any, V any](pageID page.ID, maxSize int, cmp Comparator[K], keyCodec kv.Codec[K], valCodec kv.Codec[V]) *LeafPage[K, V] {
	return &LeafPage[K, V]{
		pageID:       pageID,
		parentPageID: page.Invalid,
		nextPageID:   page.Invalid,
		maxSize:      maxSize,
		cmp:          cmp,
		keyCodec:     keyCodec,
		valCodec:     valCodec,
	}
}

func (l *LeafPage[K, V]) PageID() page.ID           { return l.pageID }
func (l *LeafPage[K, V]) ParentPageID() page.ID     { return l.parentPageID }
func (l *LeafPage[K, V]) SetParentPageID(id page.ID) { l.parentPageID = id }
func (l *LeafPage[K, V]) NextPageID() page.ID        { return l.nextPageID }
func (l *LeafPage[K, V]) SetNextPageID(id page.ID)   { l.nextPageID = id }
func (l *LeafPage[K, V]) Size() int                  { return len(l.keys) }
func (l *LeafPage[K, V]) MaxSize() int               { return l.maxSize }

// MinSize is the floor below which this page (if non-root) must coalesce
// or redistribute.
func (l *LeafPage[K, V]) MinSize() int { return l.maxSize / 2 }

func (l *LeafPage[K, V]) KeyAt(i int) K   { return l.keys[i] }
func (l *LeafPage[K, V]) ValueAt(i int) V { return l.values[i] }

// KeyIndex returns the first index i with array[i].key >= key, i.e. where
// key would be inserted to keep the array sorted.
func (l *LeafPage[K, V]) KeyIndex(key K) int {
	return sort.Search(len(l.keys), func(i int) bool { return l.cmp(l.keys[i], key) >= 0 })
}

// Lookup reports the value stored under key, if present.
func (l *LeafPage[K, V]) Lookup(key K) (V, bool) {
	i := l.KeyIndex(key)
	if i < len(l.keys) && l.cmp(l.keys[i], key) == 0 {
		return l.values[i], true
	}
	var zero V
	return zero, false
}

// Insert places (key, value) in sorted position. Returns the new size and
// true, or the unchanged size and false if key is already present.
func (l *LeafPage[K, V]) Insert(key K, value V) (int, bool) {
	i := l.KeyIndex(key)
	if i < len(l.keys) && l.cmp(l.keys[i], key) == 0 {
		return len(l.keys), false
	}
	l.keys = append(l.keys, key)
	l.values = append(l.values, value)
	copy(l.keys[i+1:], l.keys[i:len(l.keys)-1])
	copy(l.values[i+1:], l.values[i:len(l.values)-1])
	l.keys[i] = key
	l.values[i] = value
	return len(l.keys), true
}

// RemoveAndDeleteRecord removes key if present, shifting the tail left, and
// returns the resulting size regardless of whether key was found.
func (l *LeafPage[K, V]) RemoveAndDeleteRecord(key K) int {
	i := l.KeyIndex(key)
	if i >= len(l.keys) || l.cmp(l.keys[i], key) != 0 {
		return len(l.keys)
	}
	l.keys = append(l.keys[:i], l.keys[i+1:]...)
	l.values = append(l.values[:i], l.values[i+1:]...)
	return len(l.keys)
}

// MoveHalfTo transfers the upper half [size/2, size) of this page's entries
// to sibling, keeping the lower half here. sibling must be empty.
func (l *LeafPage[K, V]) MoveHalfTo(sibling *LeafPage[K, V]) {
	mid := len(l.keys) / 2
	sibling.keys = append(sibling.keys, l.keys[mid:]...)
	sibling.values = append(sibling.values, l.values[mid:]...)
	l.keys = l.keys[:mid]
	l.values = l.values[:mid]
}

// MoveFirstToEndOf removes this page's first entry and appends it to the
// end of recipient, used by redistribute when the right sibling donates.
func (l *LeafPage[K, V]) MoveFirstToEndOf(recipient *LeafPage[K, V]) {
	recipient.keys = append(recipient.keys, l.keys[0])
	recipient.values = append(recipient.values, l.values[0])
	l.keys = l.keys[1:]
	l.values = l.values[1:]
}

// MoveLastToFrontOf removes this page's last entry and prepends it to
// recipient, used by redistribute when the left sibling donates.
func (l *LeafPage[K, V]) MoveLastToFrontOf(recipient *LeafPage[K, V]) {
	last := len(l.keys) - 1
	recipient.keys = append([]K{l.keys[last]}, recipient.keys...)
	recipient.values = append([]V{l.values[last]}, recipient.values...)
	l.keys = l.keys[:last]
	l.values = l.values[:last]
}

// MoveAllTo appends every entry of this page to recipient, used by
// Coalesce when this page is merged away.
func (l *LeafPage[K, V]) MoveAllTo(recipient *LeafPage[K, V]) {
	recipient.keys = append(recipient.keys, l.keys...)
	recipient.values = append(recipient.values, l.values...)
	recipient.nextPageID = l.nextPageID
}

// Serialize packs the leaf into a page-sized buffer.
func (l *LeafPage[K, V]) Serialize(buf []byte) error {
	slot := l.keyCodec.Size + l.valCodec.Size
	need := leafHeaderSize + len(l.keys)*slot
	if len(buf) < need {
		return fmt.Errorf("%w: leaf page buffer too small", errs.ErrSerialization)
	}
	putCommonHeader(buf, LeafPageType, len(l.keys), l.maxSize, l.parentPageID, l.pageID)
	putPageID(buf[commonHeaderSize:commonHeaderSize+4], l.nextPageID)
	off := leafHeaderSize
	for i := range l.keys {
		l.keyCodec.Encode(l.keys[i], buf[off:off+l.keyCodec.Size])
		l.valCodec.Encode(l.values[i], buf[off+l.keyCodec.Size:off+slot])
		off += slot
	}
	return nil
}

// DeserializeLeafPage reads a leaf page previously written by Serialize.
func DeserializeLeafPage[K any, V any](buf []byte, cmp Comparator[K], keyCodec kv.Codec[K], valCodec kv.Codec[V]) (*LeafPage[K, V], error) {
	if len(buf) < leafHeaderSize {
		return nil, fmt.Errorf("%w: leaf page buffer too small", errs.ErrDeserialization)
	}
	typ, size, maxSize, parentPageID, pageID := getCommonHeader(buf)
	if typ != LeafPageType {
		return nil, fmt.Errorf("%w: expected leaf page, got type %d", errs.ErrDeserialization, typ)
	}
	next := getPageID(buf[commonHeaderSize : commonHeaderSize+4])

	l := &LeafPage[K, V]{
		pageID:       pageID,
		parentPageID: parentPageID,
		nextPageID:   next,
		maxSize:      maxSize,
		cmp:          cmp,
		keyCodec:     keyCodec,
		valCodec:     valCodec,
		keys:         make([]K, size),
		values:       make([]V, size),
	}
	slot := keyCodec.Size + valCodec.Size
	off := leafHeaderSize
	for i := 0; i < size; i++ {
		l.keys[i] = keyCodec.Decode(buf[off : off+keyCodec.Size])
		l.values[i] = valCodec.Decode(buf[off+keyCodec.Size : off+slot])
		off += slot
	}
	return l, nil
}

func putPageID(buf []byte, id page.ID) { pidCodec.Encode(id, buf) }
func getPageID(buf []byte) page.ID     { return pidCodec.Decode(buf) }
