package btree

import (
	"sync"

	"github.com/sushant-115/pageengine/storage/buffer"
	"github.com/sushant-115/pageengine/storage/kv"
	"github.com/sushant-115/pageengine/storage/page"
	"go.uber.org/zap"
)

// Tree is a persistent B+tree index: a chain of leaf pages in key order
// plus internal pages routing by key range, all fetched through a
// buffer.Pool, per spec §4.8. mu is the "mutex guarding root updates"
// named in spec §4.8; this implementation holds it for the full body of
// Insert/Remove (not just the root swap) since nothing else in the tree
// takes a finer-grained latch — concurrent GetValue calls only read page
// bytes that Insert/Remove never mutate without holding mu exclusively, so
// RWMutex semantics are sufficient for correctness without a per-page
// latch, unlike storage/hash's table+bucket latch pair.
type Tree[K any, V any] struct {
	mu sync.RWMutex

	pool            buffer.Pool
	headerPageID    page.ID
	name            string
	cmp             Comparator[K]
	keyCodec        kv.Codec[K]
	valCodec        kv.Codec[V]
	leafMaxSize     int
	internalMaxSize int
	rootPageID      page.ID

	logger *zap.Logger
}

// NewTree opens or creates a named B+tree over pool. If headerPageID is
// page.Invalid, a fresh header page is allocated and headerPageID is
// populated with its id (returned so the caller can share it across
// multiple trees backed by the same file). leafMaxSize/internalMaxSize of
// 0 default to whatever fits one page given the codecs' widths, per spec
// §6's "default to what fits the page".
func NewTree[K any, V any](pool buffer.Pool, headerPageID page.ID, name string, cmp Comparator[K], keyCodec kv.Codec[K], valCodec kv.Codec[V], leafMaxSize, internalMaxSize int, logger *zap.Logger) (*Tree[K, V], page.ID, error) {
	if leafMaxSize == 0 {
		leafMaxSize = LeafMaxSize(keyCodec.Size, valCodec.Size)
	}
	if internalMaxSize == 0 {
		internalMaxSize = InternalMaxSize(keyCodec.Size)
	}

	t := &Tree[K, V]{
		pool:            pool,
		name:            name,
		cmp:             cmp,
		keyCodec:        keyCodec,
		valCodec:        valCodec,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		rootPageID:      page.Invalid,
		logger:          logger,
	}

	if headerPageID == page.Invalid {
		frame, pid, err := pool.NewPage()
		if err != nil {
			return nil, page.Invalid, err
		}
		hdr := NewHeaderPage()
		if err := hdr.Serialize(frame.Data()); err != nil {
			return nil, page.Invalid, err
		}
		pool.UnpinPage(pid, true)
		headerPageID = pid
	} else {
		frame, err := pool.FetchPage(headerPageID)
		if err != nil {
			return nil, page.Invalid, err
		}
		hdr, err := DeserializeHeaderPage(frame.Data())
		pool.UnpinPage(headerPageID, false)
		if err != nil {
			return nil, page.Invalid, err
		}
		if root, ok := hdr.Root(name); ok {
			t.rootPageID = root
		}
	}
	t.headerPageID = headerPageID
	return t, headerPageID, nil
}

// persistRoot writes t.rootPageID into the shared header page under t.name.
// Caller must hold t.mu.
func (t *Tree[K, V]) persistRoot() error {
	frame, err := t.pool.FetchPage(t.headerPageID)
	if err != nil {
		return err
	}
	hdr, err := DeserializeHeaderPage(frame.Data())
	if err != nil {
		t.pool.UnpinPage(t.headerPageID, false)
		return err
	}
	hdr.SetRoot(t.name, t.rootPageID)
	if err := hdr.Serialize(frame.Data()); err != nil {
		t.pool.UnpinPage(t.headerPageID, false)
		return err
	}
	t.pool.UnpinPage(t.headerPageID, true)
	return nil
}

// RootPageID returns the tree's current root page id (page.Invalid if
// empty), mostly useful for tests asserting the end-to-end empty-tree
// property.
func (t *Tree[K, V]) RootPageID() page.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPageID
}

func (t *Tree[K, V]) setParent(childPID, parentPID page.ID) error {
	frame, err := t.pool.FetchPage(childPID)
	if err != nil {
		return err
	}
	typ, err := PeekType(frame.Data())
	if err != nil {
		t.pool.UnpinPage(childPID, false)
		return err
	}
	switch typ {
	case LeafPageType:
		leaf, err := DeserializeLeafPage[K, V](frame.Data(), t.cmp, t.keyCodec, t.valCodec)
		if err != nil {
			t.pool.UnpinPage(childPID, false)
			return err
		}
		leaf.SetParentPageID(parentPID)
		if err := leaf.Serialize(frame.Data()); err != nil {
			t.pool.UnpinPage(childPID, false)
			return err
		}
	default:
		node, err := DeserializeInternalPage[K](frame.Data(), t.cmp, t.keyCodec)
		if err != nil {
			t.pool.UnpinPage(childPID, false)
			return err
		}
		node.SetParentPageID(parentPID)
		if err := node.Serialize(frame.Data()); err != nil {
			t.pool.UnpinPage(childPID, false)
			return err
		}
	}
	t.pool.UnpinPage(childPID, true)
	return nil
}

// findLeaf descends from root to the leaf that would hold key, unpinning
// every internal page visited, and returns the leaf's still-pinned frame
// plus its deserialized contents. Caller must unpin frame exactly once.
func (t *Tree[K, V]) findLeaf(key K) (*page.Frame, *LeafPage[K, V], error) {
	pid := t.rootPageID
	for {
		frame, err := t.pool.FetchPage(pid)
		if err != nil {
			return nil, nil, err
		}
		typ, err := PeekType(frame.Data())
		if err != nil {
			t.pool.UnpinPage(pid, false)
			return nil, nil, err
		}
		if typ == LeafPageType {
			leaf, err := DeserializeLeafPage[K, V](frame.Data(), t.cmp, t.keyCodec, t.valCodec)
			if err != nil {
				t.pool.UnpinPage(pid, false)
				return nil, nil, err
			}
			return frame, leaf, nil
		}
		internal, err := DeserializeInternalPage[K](frame.Data(), t.cmp, t.keyCodec)
		if err != nil {
			t.pool.UnpinPage(pid, false)
			return nil, nil, err
		}
		child := internal.Lookup(key)
		t.pool.UnpinPage(pid, false)
		pid = child
	}
}

// GetValue returns the value stored under key, per spec §4.8.
func (t *Tree[K, V]) GetValue(key K) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var zero V
	if t.rootPageID == page.Invalid {
		return zero, false
	}
	frame, leaf, err := t.findLeaf(key)
	if err != nil {
		return zero, false
	}
	v, ok := leaf.Lookup(key)
	t.pool.UnpinPage(frame.ID(), false)
	return v, ok
}

// Insert places (key, value), splitting leaves/internal pages on overflow
// and maintaining ancestor routing keys, per spec §4.8. Returns false
// without error if key is already present.
func (t *Tree[K, V]) Insert(key K, value V) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPageID == page.Invalid {
		frame, pid, err := t.pool.NewPage()
		if err != nil {
			return false, err
		}
		leaf := NewLeafPage[K, V](pid, t.leafMaxSize, t.cmp, t.keyCodec, t.valCodec)
		leaf.Insert(key, value)
		if err := leaf.Serialize(frame.Data()); err != nil {
			t.pool.UnpinPage(pid, false)
			return false, err
		}
		t.pool.UnpinPage(pid, true)
		t.rootPageID = pid
		if err := t.persistRoot(); err != nil {
			return false, err
		}
		return true, nil
	}

	frame, leaf, err := t.findLeaf(key)
	if err != nil {
		return false, err
	}

	hadOld := leaf.Size() > 0
	var oldFirst K
	if hadOld {
		oldFirst = leaf.KeyAt(0)
	}

	newSize, ok := leaf.Insert(key, value)
	if !ok {
		t.pool.UnpinPage(frame.ID(), false)
		return false, nil
	}

	leafParent := leaf.ParentPageID()
	if hadOld && t.cmp(leaf.KeyAt(0), oldFirst) != 0 && leafParent != page.Invalid {
		if err := t.recursiveUpdate(leafParent, oldFirst, leaf.KeyAt(0)); err != nil {
			t.pool.UnpinPage(frame.ID(), false)
			return false, err
		}
	}

	if newSize < t.leafMaxSize {
		if err := leaf.Serialize(frame.Data()); err != nil {
			t.pool.UnpinPage(frame.ID(), false)
			return false, err
		}
		t.pool.UnpinPage(frame.ID(), true)
		return true, nil
	}

	newFrame, newPID, err := t.pool.NewPage()
	if err != nil {
		if serr := leaf.Serialize(frame.Data()); serr == nil {
			t.pool.UnpinPage(frame.ID(), true)
		} else {
			t.pool.UnpinPage(frame.ID(), false)
		}
		return false, err
	}
	newLeaf := NewLeafPage[K, V](newPID, t.leafMaxSize, t.cmp, t.keyCodec, t.valCodec)
	leaf.MoveHalfTo(newLeaf)
	newLeaf.SetNextPageID(leaf.NextPageID())
	leaf.SetNextPageID(newPID)
	newLeaf.SetParentPageID(leafParent)
	separator := newLeaf.KeyAt(0)

	if err := leaf.Serialize(frame.Data()); err != nil {
		t.pool.UnpinPage(frame.ID(), false)
		t.pool.UnpinPage(newPID, false)
		return false, err
	}
	if err := newLeaf.Serialize(newFrame.Data()); err != nil {
		t.pool.UnpinPage(frame.ID(), true)
		t.pool.UnpinPage(newPID, false)
		return false, err
	}
	oldPID := leaf.PageID()
	t.pool.UnpinPage(oldPID, true)
	t.pool.UnpinPage(newPID, true)

	if err := t.insertIntoParent(oldPID, separator, newPID, leafParent); err != nil {
		return false, err
	}
	return true, nil
}

// insertIntoParent implements spec §4.8's InsertIntoParent: create a new
// root if old had none, else insert the separator into the existing parent
// and split it in turn if it overflows.
func (t *Tree[K, V]) insertIntoParent(oldPID page.ID, separator K, newPID page.ID, parentPID page.ID) error {
	if parentPID == page.Invalid {
		frame, rootPID, err := t.pool.NewPage()
		if err != nil {
			return err
		}
		root := NewInternalPage[K](rootPID, t.internalMaxSize, t.cmp, t.keyCodec)
		root.PopulateNewRoot(oldPID, separator, newPID)
		if err := root.Serialize(frame.Data()); err != nil {
			t.pool.UnpinPage(rootPID, false)
			return err
		}
		t.pool.UnpinPage(rootPID, true)
		t.rootPageID = rootPID
		if err := t.persistRoot(); err != nil {
			return err
		}
		if err := t.setParent(oldPID, rootPID); err != nil {
			return err
		}
		return t.setParent(newPID, rootPID)
	}

	frame, err := t.pool.FetchPage(parentPID)
	if err != nil {
		return err
	}
	parent, err := DeserializeInternalPage[K](frame.Data(), t.cmp, t.keyCodec)
	if err != nil {
		t.pool.UnpinPage(parentPID, false)
		return err
	}
	newSize := parent.InsertAfter(oldPID, separator, newPID)
	if err := t.setParent(newPID, parentPID); err != nil {
		t.pool.UnpinPage(parentPID, false)
		return err
	}

	if newSize < t.internalMaxSize {
		if err := parent.Serialize(frame.Data()); err != nil {
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		t.pool.UnpinPage(parentPID, true)
		return nil
	}

	siblingFrame, siblingPID, err := t.pool.NewPage()
	if err != nil {
		t.pool.UnpinPage(parentPID, false)
		return err
	}
	sibling := NewInternalPage[K](siblingPID, t.internalMaxSize, t.cmp, t.keyCodec)
	promoted := parent.MoveHalfTo(sibling)
	sibling.SetParentPageID(parent.ParentPageID())

	if err := parent.Serialize(frame.Data()); err != nil {
		t.pool.UnpinPage(parentPID, false)
		t.pool.UnpinPage(siblingPID, false)
		return err
	}
	if err := sibling.Serialize(siblingFrame.Data()); err != nil {
		t.pool.UnpinPage(parentPID, true)
		t.pool.UnpinPage(siblingPID, false)
		return err
	}
	grandparent := parent.ParentPageID()
	t.pool.UnpinPage(parentPID, true)
	t.pool.UnpinPage(siblingPID, true)

	for _, c := range sibling.Children() {
		if err := t.setParent(c, siblingPID); err != nil {
			return err
		}
	}

	return t.insertIntoParent(parentPID, promoted, siblingPID, grandparent)
}

// recursiveUpdate rewrites the chain of ancestor routing keys equal to
// oldKey to newKey, stopping at the first ancestor whose matching slot is
// not the leftmost (slot 1), per spec §9's parent-key recursive update.
func (t *Tree[K, V]) recursiveUpdate(nodePID page.ID, oldKey, newKey K) error {
	if nodePID == page.Invalid {
		return nil
	}
	frame, err := t.pool.FetchPage(nodePID)
	if err != nil {
		return err
	}
	node, err := DeserializeInternalPage[K](frame.Data(), t.cmp, t.keyCodec)
	if err != nil {
		t.pool.UnpinPage(nodePID, false)
		return err
	}

	idx := -1
	for i := 1; i < node.Size(); i++ {
		if t.cmp(node.KeyAt(i), oldKey) == 0 {
			idx = i
			break
		}
	}
	if idx == -1 {
		t.pool.UnpinPage(nodePID, false)
		return nil
	}
	node.SetKeyAt(idx, newKey)
	if err := node.Serialize(frame.Data()); err != nil {
		t.pool.UnpinPage(nodePID, false)
		return err
	}
	parent := node.ParentPageID()
	t.pool.UnpinPage(nodePID, true)

	if idx != 1 {
		return nil
	}
	return t.recursiveUpdate(parent, oldKey, newKey)
}

// Remove deletes key, coalescing or redistributing underflowing pages and
// cascading the adjustment upward, per spec §4.8.
func (t *Tree[K, V]) Remove(key K) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPageID == page.Invalid {
		return nil
	}
	frame, leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}

	sizeBefore := leaf.Size()
	wasFirst := sizeBefore > 0 && t.cmp(leaf.KeyAt(0), key) == 0
	var oldFirst K
	if wasFirst {
		oldFirst = leaf.KeyAt(0)
	}

	newSize := leaf.RemoveAndDeleteRecord(key)
	if newSize == sizeBefore {
		t.pool.UnpinPage(frame.ID(), false)
		return nil
	}

	var newFirst K
	hasNewFirst := newSize > 0
	if hasNewFirst {
		newFirst = leaf.KeyAt(0)
	}

	leafPID := leaf.PageID()
	parentPID := leaf.ParentPageID()

	if err := leaf.Serialize(frame.Data()); err != nil {
		t.pool.UnpinPage(leafPID, false)
		return err
	}
	t.pool.UnpinPage(leafPID, true)

	if wasFirst && hasNewFirst && parentPID != page.Invalid {
		if err := t.recursiveUpdate(parentPID, oldFirst, newFirst); err != nil {
			return err
		}
	}

	if parentPID == page.Invalid {
		if newSize == 0 {
			t.pool.DeletePage(leafPID)
			t.rootPageID = page.Invalid
			return t.persistRoot()
		}
		return nil
	}

	if newSize >= leaf.MinSize() {
		return nil
	}
	return t.coalesceOrRedistributeLeaf(leafPID)
}

func (t *Tree[K, V]) coalesceOrRedistributeLeaf(leafPID page.ID) error {
	frame, err := t.pool.FetchPage(leafPID)
	if err != nil {
		return err
	}
	leaf, err := DeserializeLeafPage[K, V](frame.Data(), t.cmp, t.keyCodec, t.valCodec)
	if err != nil {
		t.pool.UnpinPage(leafPID, false)
		return err
	}
	parentPID := leaf.ParentPageID()
	if parentPID == page.Invalid {
		t.pool.UnpinPage(leafPID, false)
		return nil
	}

	parentFrame, err := t.pool.FetchPage(parentPID)
	if err != nil {
		t.pool.UnpinPage(leafPID, false)
		return err
	}
	parent, err := DeserializeInternalPage[K](parentFrame.Data(), t.cmp, t.keyCodec)
	if err != nil {
		t.pool.UnpinPage(leafPID, false)
		t.pool.UnpinPage(parentPID, false)
		return err
	}

	idx := parent.IndexOf(leafPID)
	var leftPID, rightPID page.ID = page.Invalid, page.Invalid
	if idx > 0 {
		leftPID = parent.ChildAt(idx - 1)
	}
	if idx >= 0 && idx < parent.Size()-1 {
		rightPID = parent.ChildAt(idx + 1)
	}

	if rightPID != page.Invalid {
		rightFrame, err := t.pool.FetchPage(rightPID)
		if err != nil {
			t.pool.UnpinPage(leafPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		right, err := DeserializeLeafPage[K, V](rightFrame.Data(), t.cmp, t.keyCodec, t.valCodec)
		if err == nil && right.Size() >= right.MinSize()+1 {
			right.MoveFirstToEndOf(leaf)
			newSep := right.KeyAt(0)
			parent.SetKeyAt(idx+1, newSep)

			if err := leaf.Serialize(frame.Data()); err != nil {
				t.pool.UnpinPage(leafPID, false)
				t.pool.UnpinPage(rightPID, false)
				t.pool.UnpinPage(parentPID, false)
				return err
			}
			if err := right.Serialize(rightFrame.Data()); err != nil {
				t.pool.UnpinPage(leafPID, true)
				t.pool.UnpinPage(rightPID, false)
				t.pool.UnpinPage(parentPID, false)
				return err
			}
			if err := parent.Serialize(parentFrame.Data()); err != nil {
				t.pool.UnpinPage(leafPID, true)
				t.pool.UnpinPage(rightPID, true)
				t.pool.UnpinPage(parentPID, false)
				return err
			}
			t.pool.UnpinPage(leafPID, true)
			t.pool.UnpinPage(rightPID, true)
			t.pool.UnpinPage(parentPID, true)
			return nil
		}
		t.pool.UnpinPage(rightPID, false)
	}

	if leftPID != page.Invalid {
		leftFrame, err := t.pool.FetchPage(leftPID)
		if err != nil {
			t.pool.UnpinPage(leafPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		left, err := DeserializeLeafPage[K, V](leftFrame.Data(), t.cmp, t.keyCodec, t.valCodec)
		if err == nil && left.Size() >= left.MinSize()+1 {
			oldSep := parent.KeyAt(idx)
			left.MoveLastToFrontOf(leaf)
			newSep := leaf.KeyAt(0)
			parent.SetKeyAt(idx, newSep)
			grandparent := parent.ParentPageID()

			if err := leaf.Serialize(frame.Data()); err != nil {
				t.pool.UnpinPage(leafPID, false)
				t.pool.UnpinPage(leftPID, false)
				t.pool.UnpinPage(parentPID, false)
				return err
			}
			if err := left.Serialize(leftFrame.Data()); err != nil {
				t.pool.UnpinPage(leafPID, true)
				t.pool.UnpinPage(leftPID, false)
				t.pool.UnpinPage(parentPID, false)
				return err
			}
			if err := parent.Serialize(parentFrame.Data()); err != nil {
				t.pool.UnpinPage(leafPID, true)
				t.pool.UnpinPage(leftPID, true)
				t.pool.UnpinPage(parentPID, false)
				return err
			}
			t.pool.UnpinPage(leafPID, true)
			t.pool.UnpinPage(leftPID, true)
			t.pool.UnpinPage(parentPID, true)
			if idx == 1 {
				return t.recursiveUpdate(grandparent, oldSep, newSep)
			}
			return nil
		}
		t.pool.UnpinPage(leftPID, false)
	}

	// Neither sibling can redistribute: coalesce.
	if leftPID != page.Invalid {
		leftFrame, err := t.pool.FetchPage(leftPID)
		if err != nil {
			t.pool.UnpinPage(leafPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		left, err := DeserializeLeafPage[K, V](leftFrame.Data(), t.cmp, t.keyCodec, t.valCodec)
		if err != nil {
			t.pool.UnpinPage(leafPID, false)
			t.pool.UnpinPage(leftPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		leaf.MoveAllTo(left)
		if err := left.Serialize(leftFrame.Data()); err != nil {
			t.pool.UnpinPage(leafPID, false)
			t.pool.UnpinPage(leftPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		t.pool.UnpinPage(leafPID, false)
		t.pool.UnpinPage(leftPID, true)
		t.pool.DeletePage(leafPID)
		parent.RemoveAt(idx)
	} else {
		rightFrame, err := t.pool.FetchPage(rightPID)
		if err != nil {
			t.pool.UnpinPage(leafPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		right, err := DeserializeLeafPage[K, V](rightFrame.Data(), t.cmp, t.keyCodec, t.valCodec)
		if err != nil {
			t.pool.UnpinPage(leafPID, false)
			t.pool.UnpinPage(rightPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		right.MoveAllTo(leaf)
		if err := leaf.Serialize(frame.Data()); err != nil {
			t.pool.UnpinPage(leafPID, false)
			t.pool.UnpinPage(rightPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		t.pool.UnpinPage(leafPID, true)
		t.pool.UnpinPage(rightPID, false)
		t.pool.DeletePage(rightPID)
		parent.RemoveAt(idx + 1)
	}

	if err := parent.Serialize(parentFrame.Data()); err != nil {
		t.pool.UnpinPage(parentPID, false)
		return err
	}
	t.pool.UnpinPage(parentPID, true)
	return t.fixupInternal(parentPID)
}

// fixupInternal checks node after a child removal: promotes its sole child
// if it is now an underfull root, or descends into coalesce/redistribute
// if it underflowed as a non-root, per spec §4.8's AdjustRoot/
// CoalesceOrRedistribute.
func (t *Tree[K, V]) fixupInternal(nodePID page.ID) error {
	frame, err := t.pool.FetchPage(nodePID)
	if err != nil {
		return err
	}
	node, err := DeserializeInternalPage[K](frame.Data(), t.cmp, t.keyCodec)
	if err != nil {
		t.pool.UnpinPage(nodePID, false)
		return err
	}

	if node.ParentPageID() == page.Invalid {
		if node.Size() == 1 {
			newRoot := node.ChildAt(0)
			t.pool.UnpinPage(nodePID, false)
			t.pool.DeletePage(nodePID)
			t.rootPageID = newRoot
			if err := t.persistRoot(); err != nil {
				return err
			}
			return t.setParent(newRoot, page.Invalid)
		}
		t.pool.UnpinPage(nodePID, false)
		return nil
	}

	if node.Size() >= node.MinSize() {
		t.pool.UnpinPage(nodePID, false)
		return nil
	}
	t.pool.UnpinPage(nodePID, false)
	return t.coalesceOrRedistributeInternal(nodePID)
}

func (t *Tree[K, V]) coalesceOrRedistributeInternal(nodePID page.ID) error {
	frame, err := t.pool.FetchPage(nodePID)
	if err != nil {
		return err
	}
	node, err := DeserializeInternalPage[K](frame.Data(), t.cmp, t.keyCodec)
	if err != nil {
		t.pool.UnpinPage(nodePID, false)
		return err
	}
	parentPID := node.ParentPageID()
	if parentPID == page.Invalid {
		t.pool.UnpinPage(nodePID, false)
		return nil
	}
	parentFrame, err := t.pool.FetchPage(parentPID)
	if err != nil {
		t.pool.UnpinPage(nodePID, false)
		return err
	}
	parent, err := DeserializeInternalPage[K](parentFrame.Data(), t.cmp, t.keyCodec)
	if err != nil {
		t.pool.UnpinPage(nodePID, false)
		t.pool.UnpinPage(parentPID, false)
		return err
	}

	idx := parent.IndexOf(nodePID)
	var leftPID, rightPID page.ID = page.Invalid, page.Invalid
	if idx > 0 {
		leftPID = parent.ChildAt(idx - 1)
	}
	if idx >= 0 && idx < parent.Size()-1 {
		rightPID = parent.ChildAt(idx + 1)
	}

	if rightPID != page.Invalid {
		rightFrame, err := t.pool.FetchPage(rightPID)
		if err != nil {
			t.pool.UnpinPage(nodePID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		right, err := DeserializeInternalPage[K](rightFrame.Data(), t.cmp, t.keyCodec)
		if err == nil && right.Size() >= right.MinSize()+1 {
			newSep := right.KeyAt(1)
			oldSep := parent.KeyAt(idx + 1)
			movedChild := right.ChildAt(0)
			right.MoveFirstToEndOf(node, oldSep)
			parent.SetKeyAt(idx+1, newSep)

			if err := t.finishInternalMutation3(nodePID, frame, node, rightPID, rightFrame, right, parentPID, parentFrame, parent); err != nil {
				return err
			}
			return t.setParent(movedChild, nodePID)
		}
		t.pool.UnpinPage(rightPID, false)
	}

	if leftPID != page.Invalid {
		leftFrame, err := t.pool.FetchPage(leftPID)
		if err != nil {
			t.pool.UnpinPage(nodePID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		left, err := DeserializeInternalPage[K](leftFrame.Data(), t.cmp, t.keyCodec)
		if err == nil && left.Size() >= left.MinSize()+1 {
			newSep := left.KeyAt(left.Size() - 1)
			oldSep := parent.KeyAt(idx)
			movedChild := left.ChildAt(left.Size() - 1)
			grandparent := parent.ParentPageID()
			left.MoveLastToFrontOf(node, oldSep)
			parent.SetKeyAt(idx, newSep)

			if err := t.finishInternalMutation3(nodePID, frame, node, leftPID, leftFrame, left, parentPID, parentFrame, parent); err != nil {
				return err
			}
			if err := t.setParent(movedChild, nodePID); err != nil {
				return err
			}
			if idx == 1 {
				return t.recursiveUpdate(grandparent, oldSep, newSep)
			}
			return nil
		}
		t.pool.UnpinPage(leftPID, false)
	}

	// Coalesce.
	if leftPID != page.Invalid {
		leftFrame, err := t.pool.FetchPage(leftPID)
		if err != nil {
			t.pool.UnpinPage(nodePID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		left, err := DeserializeInternalPage[K](leftFrame.Data(), t.cmp, t.keyCodec)
		if err != nil {
			t.pool.UnpinPage(nodePID, false)
			t.pool.UnpinPage(leftPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		middleKey := parent.KeyAt(idx)
		movedChildren := node.Children()
		node.Coalesce(left, middleKey)
		if err := left.Serialize(leftFrame.Data()); err != nil {
			t.pool.UnpinPage(nodePID, false)
			t.pool.UnpinPage(leftPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		t.pool.UnpinPage(nodePID, false)
		t.pool.UnpinPage(leftPID, true)
		t.pool.DeletePage(nodePID)
		parent.RemoveAt(idx)
		for _, c := range movedChildren {
			if err := t.setParent(c, leftPID); err != nil {
				return err
			}
		}
	} else {
		rightFrame, err := t.pool.FetchPage(rightPID)
		if err != nil {
			t.pool.UnpinPage(nodePID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		right, err := DeserializeInternalPage[K](rightFrame.Data(), t.cmp, t.keyCodec)
		if err != nil {
			t.pool.UnpinPage(nodePID, false)
			t.pool.UnpinPage(rightPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		middleKey := parent.KeyAt(idx + 1)
		movedChildren := right.Children()
		right.Coalesce(node, middleKey)
		if err := node.Serialize(frame.Data()); err != nil {
			t.pool.UnpinPage(nodePID, false)
			t.pool.UnpinPage(rightPID, false)
			t.pool.UnpinPage(parentPID, false)
			return err
		}
		t.pool.UnpinPage(nodePID, true)
		t.pool.UnpinPage(rightPID, false)
		t.pool.DeletePage(rightPID)
		parent.RemoveAt(idx + 1)
		for _, c := range movedChildren {
			if err := t.setParent(c, nodePID); err != nil {
				return err
			}
		}
	}

	if err := parent.Serialize(parentFrame.Data()); err != nil {
		t.pool.UnpinPage(parentPID, false)
		return err
	}
	t.pool.UnpinPage(parentPID, true)
	return t.fixupInternal(parentPID)
}

// finishInternalMutation3 serializes and unpins the three pages a
// redistribute step touches (node, donor sibling, parent), all dirty.
func (t *Tree[K, V]) finishInternalMutation3(
	aPID page.ID, aFrame *page.Frame, a *InternalPage[K],
	bPID page.ID, bFrame *page.Frame, b *InternalPage[K],
	cPID page.ID, cFrame *page.Frame, c *InternalPage[K],
) error {
	if err := a.Serialize(aFrame.Data()); err != nil {
		t.pool.UnpinPage(aPID, false)
		t.pool.UnpinPage(bPID, false)
		t.pool.UnpinPage(cPID, false)
		return err
	}
	if err := b.Serialize(bFrame.Data()); err != nil {
		t.pool.UnpinPage(aPID, true)
		t.pool.UnpinPage(bPID, false)
		t.pool.UnpinPage(cPID, false)
		return err
	}
	if err := c.Serialize(cFrame.Data()); err != nil {
		t.pool.UnpinPage(aPID, true)
		t.pool.UnpinPage(bPID, true)
		t.pool.UnpinPage(cPID, false)
		return err
	}
	t.pool.UnpinPage(aPID, true)
	t.pool.UnpinPage(bPID, true)
	t.pool.UnpinPage(cPID, true)
	return nil
}
