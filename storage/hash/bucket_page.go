package hash

import (
	"fmt"

	"github.com/sushant-115/pageengine/storage/errs"
	"github.com/sushant-115/pageengine/storage/kv"
	"github.com/sushant-115/pageengine/storage/page"
)

// Comparator orders two keys, returning <0, 0, or >0 like bytes.Compare.
type Comparator[K any] func(a, b K) int

// bitmapBytes returns how many bytes are needed to hold capacity single
// bits.
func bitmapBytes(capacity int) int {
	return (capacity + 7) / 8
}

// BucketCapacity returns how many (key, value) slots fit in one page given
// the serialized width of a key and a value, accounting for the two
// bitmaps that share the page.
func BucketCapacity(keySize, valueSize int) int {
	slot := keySize + valueSize
	capacity := page.Size / slot
	for capacity > 0 {
		overhead := 2 * bitmapBytes(capacity)
		if overhead+capacity*slot <= page.Size {
			break
		}
		capacity--
	}
	return capacity
}

// BucketPage is a fixed-capacity array of (key, value) slots with two
// bitmaps: occupied[i]=1 once slot i has ever held data, readable[i]=1
// while slot i currently holds a live pair. Insert never reuses a
// tombstoned (occupied but not readable) slot; Clear during a split is the
// only way occupied bits are reset.
type BucketPage[K any, V comparable] struct {
	capacity int
	occupied []byte
	readable []byte
	keys     []K
	values   []V

	keyCodec kv.Codec[K]
	valCodec kv.Codec[V]
}

// NewBucketPage allocates an empty bucket with capacity computed from the
// given key/value codecs.
func NewBucketPage[K any, V comparable](keyCodec kv.Codec[K], valCodec kv.Codec[V]) *BucketPage[K, V] {
	capacity := BucketCapacity(keyCodec.Size, valCodec.Size)
	return &BucketPage[K, V]{
		capacity: capacity,
		occupied: make([]byte, bitmapBytes(capacity)),
		readable: make([]byte, bitmapBytes(capacity)),
		keys:     make([]K, capacity),
		values:   make([]V, capacity),
		keyCodec: keyCodec,
		valCodec: valCodec,
	}
}

func bitGet(bitmap []byte, i int) bool {
	return bitmap[i/8]&(1<<uint(i%8)) != 0
}

func bitSet(bitmap []byte, i int) {
	bitmap[i/8] |= 1 << uint(i%8)
}

func bitClear(bitmap []byte, i int) {
	bitmap[i/8] &^= 1 << uint(i%8)
}

// Capacity returns the fixed number of slots this bucket holds.
func (b *BucketPage[K, V]) Capacity() int { return b.capacity }

// IsOccupied reports whether slot i has ever held data.
func (b *BucketPage[K, V]) IsOccupied(i int) bool { return bitGet(b.occupied, i) }

// IsReadable reports whether slot i currently holds a live pair.
func (b *BucketPage[K, V]) IsReadable(i int) bool { return bitGet(b.readable, i) }

// KeyAt returns the key stored at slot i.
func (b *BucketPage[K, V]) KeyAt(i int) K { return b.keys[i] }

// ValueAt returns the value stored at slot i.
func (b *BucketPage[K, V]) ValueAt(i int) V { return b.values[i] }

// GetValue appends every value whose slot is readable and whose key
// compares equal to key under cmp. Returns true if anything was appended.
func (b *BucketPage[K, V]) GetValue(key K, cmp Comparator[K], out *[]V) bool {
	found := false
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) && cmp(key, b.keys[i]) == 0 {
			*out = append(*out, b.values[i])
			found = true
		}
	}
	return found
}

// FindElement reports whether the exact pair (key, value) is currently
// readable in this bucket.
func (b *BucketPage[K, V]) FindElement(key K, value V, cmp Comparator[K]) bool {
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) && cmp(key, b.keys[i]) == 0 && b.values[i] == value {
			return true
		}
	}
	return false
}

// Insert places (key, value) into the first never-occupied slot. Returns
// false if the exact pair is already present, or if no unoccupied slot
// remains (the bucket is full).
func (b *BucketPage[K, V]) Insert(key K, value V, cmp Comparator[K]) bool {
	if b.FindElement(key, value, cmp) {
		return false
	}
	for i := 0; i < b.capacity; i++ {
		if !b.IsOccupied(i) {
			b.keys[i] = key
			b.values[i] = value
			bitSet(b.occupied, i)
			bitSet(b.readable, i)
			return true
		}
	}
	return false
}

// Remove clears the readable bit of the first slot matching (key, value),
// leaving its occupied bit set as a tombstone. Returns true iff found.
func (b *BucketPage[K, V]) Remove(key K, value V, cmp Comparator[K]) bool {
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) && cmp(key, b.keys[i]) == 0 && b.values[i] == value {
			bitClear(b.readable, i)
			return true
		}
	}
	return false
}

// GetSize returns the count of currently readable slots.
func (b *BucketPage[K, V]) GetSize() int {
	n := 0
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) {
			n++
		}
	}
	return n
}

// IsEmpty reports whether no slot is readable.
func (b *BucketPage[K, V]) IsEmpty() bool { return b.GetSize() == 0 }

// IsFull reports whether every slot has been occupied at least once, so no
// further Insert can succeed without a Clear.
func (b *BucketPage[K, V]) IsFull() bool {
	for i := 0; i < b.capacity; i++ {
		if !b.IsOccupied(i) {
			return false
		}
	}
	return true
}

// AllPairs returns every currently readable (key, value) pair, used by the
// hash table when redistributing a bucket during a split.
func (b *BucketPage[K, V]) AllPairs() []struct {
	Key   K
	Value V
} {
	pairs := make([]struct {
		Key   K
		Value V
	}, 0, b.GetSize())
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) {
			pairs = append(pairs, struct {
				Key   K
				Value V
			}{b.keys[i], b.values[i]})
		}
	}
	return pairs
}

// Clear zeroes both bitmaps, forgetting every tombstone and live entry.
// Used to rebuild a bucket's occupied slots during a split.
func (b *BucketPage[K, V]) Clear() {
	for i := range b.occupied {
		b.occupied[i] = 0
	}
	for i := range b.readable {
		b.readable[i] = 0
	}
}

// Serialize packs the bucket into a page-sized buffer: the occupied
// bitmap, then the readable bitmap, then the packed (key, value) array.
func (b *BucketPage[K, V]) Serialize(buf []byte) error {
	need := len(b.occupied) + len(b.readable) + b.capacity*(b.keyCodec.Size+b.valCodec.Size)
	if len(buf) < need {
		return fmt.Errorf("%w: bucket buffer too small", errs.ErrSerialization)
	}
	off := 0
	copy(buf[off:], b.occupied)
	off += len(b.occupied)
	copy(buf[off:], b.readable)
	off += len(b.readable)
	slot := b.keyCodec.Size + b.valCodec.Size
	for i := 0; i < b.capacity; i++ {
		b.keyCodec.Encode(b.keys[i], buf[off+i*slot:off+i*slot+b.keyCodec.Size])
		b.valCodec.Encode(b.values[i], buf[off+i*slot+b.keyCodec.Size:off+i*slot+slot])
	}
	return nil
}

// DeserializeBucketPage reads a bucket page previously written by
// Serialize, using the given codecs to size and decode slots.
func DeserializeBucketPage[K any, V comparable](buf []byte, keyCodec kv.Codec[K], valCodec kv.Codec[V]) (*BucketPage[K, V], error) {
	capacity := BucketCapacity(keyCodec.Size, valCodec.Size)
	nOcc := bitmapBytes(capacity)
	need := 2*nOcc + capacity*(keyCodec.Size+valCodec.Size)
	if len(buf) < need {
		return nil, fmt.Errorf("%w: bucket buffer too small", errs.ErrDeserialization)
	}
	b := &BucketPage[K, V]{
		capacity: capacity,
		occupied: make([]byte, nOcc),
		readable: make([]byte, nOcc),
		keys:     make([]K, capacity),
		values:   make([]V, capacity),
		keyCodec: keyCodec,
		valCodec: valCodec,
	}
	off := 0
	copy(b.occupied, buf[off:off+nOcc])
	off += nOcc
	copy(b.readable, buf[off:off+nOcc])
	off += nOcc
	slot := keyCodec.Size + valCodec.Size
	for i := 0; i < capacity; i++ {
		b.keys[i] = keyCodec.Decode(buf[off+i*slot : off+i*slot+keyCodec.Size])
		b.values[i] = valCodec.Decode(buf[off+i*slot+keyCodec.Size : off+i*slot+slot])
	}
	return b, nil
}
