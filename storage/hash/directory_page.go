// Package hash implements the extendible hash index: a directory page plus
// bucket pages, with split/merge driven by global and local depth.
package hash

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/pageengine/storage/errs"
	"github.com/sushant-115/pageengine/storage/page"
)

// MaxGlobalDepth bounds how large the directory can grow; the directory
// page must hold 1<<MaxGlobalDepth slots within a single page.Size buffer.
const MaxGlobalDepth = 9

// maxSlots is the directory's fixed slot array length, sized for
// MaxGlobalDepth regardless of the table's current global depth.
const maxSlots = 1 << MaxGlobalDepth

// DirectoryPage holds the global depth, per-slot local depth, and per-slot
// bucket page id for an extendible hash table. It occupies exactly one
// buffer-pool page.
type DirectoryPage struct {
	globalDepth uint32
	localDepth  [maxSlots]uint8
	bucketPID   [maxSlots]page.ID
}

// NewDirectoryPage returns a freshly zeroed directory (global depth 0).
func NewDirectoryPage() *DirectoryPage {
	return &DirectoryPage{}
}

// GlobalDepth returns the directory's current global depth.
func (d *DirectoryPage) GlobalDepth() uint32 { return d.globalDepth }

// Size returns the number of active directory slots, 1<<GlobalDepth.
func (d *DirectoryPage) Size() uint32 { return 1 << d.globalDepth }

// GlobalDepthMask returns the low-order bitmask selecting a directory slot.
func (d *DirectoryPage) GlobalDepthMask() uint32 { return uint32(d.Size() - 1) }

// IncrGlobalDepth doubles the directory: slot i's contents are copied to
// slot i+2^old_depth, and depth is incremented.
func (d *DirectoryPage) IncrGlobalDepth() {
	oldSize := d.Size()
	for i := uint32(0); i < oldSize; i++ {
		d.localDepth[i+oldSize] = d.localDepth[i]
		d.bucketPID[i+oldSize] = d.bucketPID[i]
	}
	d.globalDepth++
}

// DecrGlobalDepth halves the directory.
func (d *DirectoryPage) DecrGlobalDepth() {
	if d.globalDepth == 0 {
		return
	}
	d.globalDepth--
}

// LocalDepth returns the local depth recorded at slot idx.
func (d *DirectoryPage) LocalDepth(idx uint32) uint8 { return d.localDepth[idx] }

// SetLocalDepth sets the local depth recorded at slot idx.
func (d *DirectoryPage) SetLocalDepth(idx uint32, depth uint8) { d.localDepth[idx] = depth }

// IncrLocalDepth increments slot idx's local depth.
func (d *DirectoryPage) IncrLocalDepth(idx uint32) { d.localDepth[idx]++ }

// DecrLocalDepth decrements slot idx's local depth.
func (d *DirectoryPage) DecrLocalDepth(idx uint32) {
	if d.localDepth[idx] > 0 {
		d.localDepth[idx]--
	}
}

// BucketPageID returns the bucket page id recorded at slot idx.
func (d *DirectoryPage) BucketPageID(idx uint32) page.ID { return d.bucketPID[idx] }

// SetBucketPageID sets the bucket page id recorded at slot idx.
func (d *DirectoryPage) SetBucketPageID(idx uint32, id page.ID) { d.bucketPID[idx] = id }

// ImageIndex returns idx's split image: the buddy slot that would merge
// with idx when its bucket becomes empty.
func (d *DirectoryPage) ImageIndex(idx uint32) uint32 {
	localDepth := d.LocalDepth(idx)
	if localDepth == 0 {
		return idx
	}
	return idx ^ (1 << (localDepth - 1))
}

// VerifyIntegrity checks that every slot's local depth is at most the
// global depth, that slots sharing a bucket page id agree on local depth,
// and that every slot points to the same bucket as the slot its low
// local-depth bits select, per the directory invariant.
func (d *DirectoryPage) VerifyIntegrity() error {
	seen := make(map[page.ID]uint8)
	for i := uint32(0); i < d.Size(); i++ {
		pid := d.bucketPID[i]
		ld := d.localDepth[i]
		if ld > uint8(d.globalDepth) {
			return fmt.Errorf("directory slot %d local depth %d exceeds global depth %d", i, ld, d.globalDepth)
		}
		if base := i & (uint32(1)<<ld - 1); d.bucketPID[base] != pid {
			return fmt.Errorf("directory slots %d and %d agree in the low %d bits but point to different buckets", i, base, ld)
		}
		if prev, ok := seen[pid]; ok && prev != ld {
			return fmt.Errorf("directory slot %d disagrees on local depth for shared bucket %d", i, pid)
		}
		seen[pid] = ld
	}
	return nil
}

// Serialize writes the directory to a page-sized buffer: a 4-byte global
// depth, then the local-depth byte array, then the page-id array, both of
// fixed length maxSlots, little-endian.
func (d *DirectoryPage) Serialize(buf []byte) error {
	if len(buf) < page.Size {
		return fmt.Errorf("%w: directory buffer too small", errs.ErrSerialization)
	}
	binary.LittleEndian.PutUint32(buf[0:4], d.globalDepth)
	off := 4
	copy(buf[off:off+maxSlots], d.localDepth[:])
	off += maxSlots
	for i := 0; i < maxSlots; i++ {
		binary.LittleEndian.PutUint32(buf[off+i*4:off+i*4+4], uint32(d.bucketPID[i]))
	}
	return nil
}

// DeserializeDirectoryPage reads a directory page previously written by
// Serialize.
func DeserializeDirectoryPage(buf []byte) (*DirectoryPage, error) {
	if len(buf) < page.Size {
		return nil, fmt.Errorf("%w: directory buffer too small", errs.ErrDeserialization)
	}
	d := &DirectoryPage{}
	d.globalDepth = binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	copy(d.localDepth[:], buf[off:off+maxSlots])
	off += maxSlots
	for i := 0; i < maxSlots; i++ {
		d.bucketPID[i] = page.ID(binary.LittleEndian.Uint32(buf[off+i*4 : off+i*4+4]))
	}
	return d, nil
}

func init() {
	// maxSlots*4 (page-id array) + maxSlots (local depth) + 4 (header)
	// must fit in one page; this is a compile-time layout assumption, not
	// a runtime check, verified here so a future MaxGlobalDepth change is
	// caught immediately rather than corrupting pages silently.
	need := 4 + maxSlots + maxSlots*4
	if need > page.Size {
		panic(fmt.Sprintf("hash: directory layout needs %d bytes, page is %d", need, page.Size))
	}
}
