// Package btree implements the B+tree index: ordered leaf pages chained by
// a next-page sibling pointer, and internal pages routing by key range, both
// laid out as fixed-size buffer-pool pages.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/pageengine/storage/errs"
	"github.com/sushant-115/pageengine/storage/kv"
	"github.com/sushant-115/pageengine/storage/page"
)

// Comparator orders two keys, returning <0, 0, or >0 like bytes.Compare.
type Comparator[K any] func(a, b K) int

// PageType tags which layout a page.Size buffer holds: LeafPage or
// InternalPage. Stored as the first byte of every tree page so a generic
// reader could in principle tell them apart without a schema.
type PageType uint8

const (
	LeafPageType PageType = iota
	InternalPageType
)

// header fields shared by leaf and internal pages, serialized first on
// every tree page.
const (
	commonHeaderSize = 1 + 2 + 2 + 4 + 4 // type, size, maxSize, parentPageID, pageID
	leafHeaderSize   = commonHeaderSize + 4
)

func putCommonHeader(buf []byte, typ PageType, size, maxSize int, parentPageID, pageID page.ID) {
	buf[0] = byte(typ)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(size))
	binary.LittleEndian.PutUint16(buf[3:5], uint16(maxSize))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(parentPageID))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(pageID))
}

func getCommonHeader(buf []byte) (typ PageType, size, maxSize int, parentPageID, pageID page.ID) {
	typ = PageType(buf[0])
	size = int(binary.LittleEndian.Uint16(buf[1:3]))
	maxSize = int(binary.LittleEndian.Uint16(buf[3:5]))
	parentPageID = page.ID(int32(binary.LittleEndian.Uint32(buf[5:9])))
	pageID = page.ID(int32(binary.LittleEndian.Uint32(buf[9:13])))
	return
}

// PeekType reads just enough of a serialized tree page to tell whether it
// is a leaf or an internal page, without fully deserializing it.
func PeekType(buf []byte) (PageType, error) {
	if len(buf) < commonHeaderSize {
		return 0, fmt.Errorf("%w: tree page buffer too small", errs.ErrDeserialization)
	}
	return PageType(buf[0]), nil
}

// pidCodec encodes a page.ID as a little-endian int32, used for internal
// page child pointers.
var pidCodec = kv.Codec[page.ID]{
	Size: 4,
	Encode: func(v page.ID, out []byte) {
		binary.LittleEndian.PutUint32(out, uint32(int32(v)))
	},
	Decode: func(in []byte) page.ID {
		return page.ID(int32(binary.LittleEndian.Uint32(in)))
	},
}

// LeafMaxSize returns the largest number of (key, value) entries that fit
// in one page.Size buffer given serialized key and value widths, used when
// a caller asks for the "default to what fits the page" leaf max size.
func LeafMaxSize(keySize, valueSize int) int {
	return (page.Size - leafHeaderSize) / (keySize + valueSize)
}

// InternalMaxSize returns the largest number of (key, child-id) entries
// that fit in one page.Size buffer given a serialized key width.
func InternalMaxSize(keySize int) int {
	return (page.Size - commonHeaderSize) / (keySize + pidCodec.Size)
}
