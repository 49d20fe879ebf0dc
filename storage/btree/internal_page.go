package btree

import (
	"fmt"

	"github.com/sushant-115/pageengine/storage/errs"
	"github.com/sushant-115/pageengine/storage/kv"
	"github.com/sushant-115/pageengine/storage/page"
)

// InternalPage holds an ordered array of (key, child page id) entries, per
// spec §4.7. Slot 0's key is a dummy; array[0].child is the "less than all
// keys" pointer. For i>=1, the subtree rooted at children[i] holds keys k
// satisfying keys[i] <= k < keys[i+1] (or no upper bound for the last
// slot).
type InternalPage[K any] struct {
	pageID       page.ID
	parentPageID page.ID
	maxSize      int

	keys     []K // keys[0] is a dummy, never compared against
	children []page.ID

	cmp      Comparator[K]
	keyCodec kv.Codec[K]
}

// NewInternalPage allocates an empty internal page (size 0, to be
// populated by PopulateNewRoot or Insert).
func NewInternalPage[K any](pageID page.ID, maxSize int, cmp Comparator[K], keyCodec kv.Codec[K]) *InternalPage[K] {
	return &InternalPage[K]{
		pageID:       pageID,
		parentPageID: page.Invalid,
		maxSize:      maxSize,
		cmp:          cmp,
		keyCodec:     keyCodec,
	}
}

func (n *InternalPage[K]) PageID() page.ID            { return n.pageID }
func (n *InternalPage[K]) ParentPageID() page.ID      { return n.parentPageID }
func (n *InternalPage[K]) SetParentPageID(id page.ID) { n.parentPageID = id }
func (n *InternalPage[K]) Size() int                  { return len(n.keys) }
func (n *InternalPage[K]) MaxSize() int               { return n.maxSize }

// MinSize is the floor below which this page (if non-root) must coalesce
// or redistribute. Internal pages round up so routing fan-out never drops
// below half the max branching factor.
func (n *InternalPage[K]) MinSize() int { return (n.maxSize + 1) / 2 }

func (n *InternalPage[K]) KeyAt(i int) K          { return n.keys[i] }
func (n *InternalPage[K]) ChildAt(i int) page.ID  { return n.children[i] }

// SetKeyAt overwrites the routing key at slot i, used by RecursiveUpdate
// ancestor-key fixups.
func (n *InternalPage[K]) SetKeyAt(i int, key K) { n.keys[i] = key }

// IndexOf returns the slot holding child, or -1.
func (n *InternalPage[K]) IndexOf(child page.ID) int {
	for i, c := range n.children {
		if c == child {
			return i
		}
	}
	return -1
}

// PopulateNewRoot initializes a freshly allocated page as a two-child root:
// slot 0 = (dummy, oldChild), slot 1 = (key, newChild).
func (n *InternalPage[K]) PopulateNewRoot(oldChild page.ID, key K, newChild page.ID) {
	var zero K
	n.keys = []K{zero, key}
	n.children = []page.ID{oldChild, newChild}
}

// Lookup performs the routing binary search of spec §4.7: the largest
// index i with keys[i] <= k, or slot 0's child if size is 1.
func (n *InternalPage[K]) Lookup(key K) page.ID {
	if len(n.keys) == 1 {
		return n.children[0]
	}
	lo, hi := 1, len(n.keys)-1
	result := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if n.cmp(n.keys[mid], key) <= 0 {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return n.children[result]
}

// Insert places (key, child) in sorted position among slots [1, size),
// keeping slot 0's dummy fixed. Returns the new size.
func (n *InternalPage[K]) Insert(key K, child page.ID) int {
	i := 1
	for i < len(n.keys) && n.cmp(n.keys[i], key) < 0 {
		i++
	}
	n.keys = append(n.keys, key)
	n.children = append(n.children, child)
	copy(n.keys[i+1:], n.keys[i:len(n.keys)-1])
	copy(n.children[i+1:], n.children[i:len(n.children)-1])
	n.keys[i] = key
	n.children[i] = child
	return len(n.keys)
}

// InsertAfter inserts (key, child) immediately to the right of the slot
// currently holding leftChild, used when splitting a leaf/internal page
// whose separator must route to the new sibling right after the old one.
func (n *InternalPage[K]) InsertAfter(leftChild page.ID, key K, child page.ID) int {
	idx := n.IndexOf(leftChild)
	if idx < 0 {
		return n.Insert(key, child)
	}
	i := idx + 1
	n.keys = append(n.keys, key)
	n.children = append(n.children, child)
	copy(n.keys[i+1:], n.keys[i:len(n.keys)-1])
	copy(n.children[i+1:], n.children[i:len(n.children)-1])
	n.keys[i] = key
	n.children[i] = child
	return len(n.keys)
}

// MoveHalfTo transfers the upper half of this page's entries to sibling and
// returns the separator key that must be promoted into the parent: the
// moved half's first key, which becomes sibling's dummy slot-0 key.
func (n *InternalPage[K]) MoveHalfTo(sibling *InternalPage[K]) K {
	mid := len(n.keys) / 2
	separator := n.keys[mid]
	sibling.keys = append(sibling.keys, n.keys[mid:]...)
	sibling.children = append(sibling.children, n.children[mid:]...)
	n.keys = n.keys[:mid]
	n.children = n.children[:mid]
	return separator
}

// RemoveAt deletes slot i, shifting the tail left.
func (n *InternalPage[K]) RemoveAt(i int) {
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.children = append(n.children[:i], n.children[i+1:]...)
}

// Remove deletes the slot holding child, if present.
func (n *InternalPage[K]) Remove(child page.ID) {
	if i := n.IndexOf(child); i >= 0 {
		n.RemoveAt(i)
	}
}

// FindSiblings locates the slot that routes key and reports the page ids
// of its immediate left and right siblings (page.Invalid if at an edge)
// plus that slot's index, per spec §4.7.
func (n *InternalPage[K]) FindSiblings(key K) (left, right page.ID, idx int) {
	idx = 0
	for i := 1; i < len(n.keys); i++ {
		if n.cmp(n.keys[i], key) <= 0 {
			idx = i
		} else {
			break
		}
	}
	left, right = page.Invalid, page.Invalid
	if idx-1 >= 0 {
		left = n.children[idx-1]
	}
	if idx+1 < len(n.children) {
		right = n.children[idx+1]
	}
	return left, right, idx
}

// MoveFirstToEndOf removes this page's first entry and appends its child to
// recipient, used by redistribute when the right sibling donates.
// separator (the parent's old key between the two pages) becomes the moved
// child's routing key in recipient; the donor's dummy key is discarded.
func (n *InternalPage[K]) MoveFirstToEndOf(recipient *InternalPage[K], separator K) {
	recipient.keys = append(recipient.keys, separator)
	recipient.children = append(recipient.children, n.children[0])
	n.keys = n.keys[1:]
	n.children = n.children[1:]
	if len(n.keys) > 0 {
		var zero K
		n.keys[0] = zero
	}
}

// MoveLastToFrontOf removes this page's last entry and prepends it to
// recipient as the new dummy slot 0, with recipient's old slot 0 key
// becoming separator (the parent's old key between the two pages, moved
// down into recipient).
func (n *InternalPage[K]) MoveLastToFrontOf(recipient *InternalPage[K], separator K) {
	last := len(n.keys) - 1
	movedChild := n.children[last]
	n.keys = n.keys[:last]
	n.children = n.children[:last]

	recipient.keys = append([]K{*new(K)}, recipient.keys...)
	recipient.children = append([]page.ID{movedChild}, recipient.children...)
	if len(recipient.keys) > 1 {
		recipient.keys[1] = separator
	}
}

// Coalesce appends all of this page's entries to recipient, using
// middleKey (the parent separator between the two pages) as the routing
// key for this page's dummy slot-0 child, which becomes a real routing key
// once absorbed into recipient.
func (n *InternalPage[K]) Coalesce(recipient *InternalPage[K], middleKey K) {
	n.keys[0] = middleKey
	recipient.keys = append(recipient.keys, n.keys...)
	recipient.children = append(recipient.children, n.children...)
}

// Children returns every child page id, used by the tree's split and
// coalesce paths to reparent an entire page's children via setParent.
func (n *InternalPage[K]) Children() []page.ID {
	out := make([]page.ID, len(n.children))
	copy(out, n.children)
	return out
}

// Serialize packs the internal page into a page-sized buffer.
func (n *InternalPage[K]) Serialize(buf []byte) error {
	slot := n.keyCodec.Size + pidCodec.Size
	need := commonHeaderSize + len(n.keys)*slot
	if len(buf) < need {
		return fmt.Errorf("%w: internal page buffer too small", errs.ErrSerialization)
	}
	putCommonHeader(buf, InternalPageType, len(n.keys), n.maxSize, n.parentPageID, n.pageID)
	off := commonHeaderSize
	for i := range n.keys {
		n.keyCodec.Encode(n.keys[i], buf[off:off+n.keyCodec.Size])
		putPageID(buf[off+n.keyCodec.Size:off+slot], n.children[i])
		off += slot
	}
	return nil
}

// DeserializeInternalPage reads an internal page previously written by
// Serialize.
func DeserializeInternalPage[K any](buf []byte, cmp Comparator[K], keyCodec kv.Codec[K]) (*InternalPage[K], error) {
	if len(buf) < commonHeaderSize {
		return nil, fmt.Errorf("%w: internal page buffer too small", errs.ErrDeserialization)
	}
	typ, size, maxSize, parentPageID, pageID := getCommonHeader(buf)
	if typ != InternalPageType {
		return nil, fmt.Errorf("%w: expected internal page, got type %d", errs.ErrDeserialization, typ)
	}
	n := &InternalPage[K]{
		pageID:       pageID,
		parentPageID: parentPageID,
		maxSize:      maxSize,
		cmp:          cmp,
		keyCodec:     keyCodec,
		keys:         make([]K, size),
		children:     make([]page.ID, size),
	}
	slot := keyCodec.Size + pidCodec.Size
	off := commonHeaderSize
	for i := 0; i < size; i++ {
		n.keys[i] = keyCodec.Decode(buf[off : off+keyCodec.Size])
		n.children[i] = getPageID(buf[off+keyCodec.Size : off+slot])
		off += slot
	}
	return n, nil
}
