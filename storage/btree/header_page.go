package btree

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sushant-115/pageengine/storage/errs"
	"github.com/sushant-115/pageengine/storage/page"
)

// headerNameWidth is the fixed-width slot an index name occupies in the
// header page's entry array; names longer than this are rejected.
const headerNameWidth = 64

// HeaderPage persists the index_name -> root_page_id map named in spec §6,
// so a tree's root survives a process restart as long as the header page
// id is known to the caller. One page holds up to (page.Size-2)/68 names.
type HeaderPage struct {
	entries map[string]page.ID
}

// NewHeaderPage returns an empty header page.
func NewHeaderPage() *HeaderPage {
	return &HeaderPage{entries: make(map[string]page.ID)}
}

// Root returns the root page id recorded for name, if any.
func (h *HeaderPage) Root(name string) (page.ID, bool) {
	id, ok := h.entries[name]
	return id, ok
}

// SetRoot records name's current root page id, overwriting any prior entry.
func (h *HeaderPage) SetRoot(name string, id page.ID) {
	h.entries[name] = id
}

// Serialize packs the header page into a page-sized buffer: a uint16 entry
// count, then that many (64-byte name, 4-byte page id) records sorted by
// name for a deterministic layout.
func (h *HeaderPage) Serialize(buf []byte) error {
	names := make([]string, 0, len(h.entries))
	for n := range h.entries {
		if len(n) > headerNameWidth {
			return fmt.Errorf("%w: index name %q exceeds %d bytes", errs.ErrSerialization, n, headerNameWidth)
		}
		names = append(names, n)
	}
	sort.Strings(names)

	need := 2 + len(names)*(headerNameWidth+4)
	if len(buf) < need {
		return fmt.Errorf("%w: header page buffer too small", errs.ErrSerialization)
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(names)))
	off := 2
	for _, n := range names {
		copy(buf[off:off+headerNameWidth], n)
		for i := len(n); i < headerNameWidth; i++ {
			buf[off+i] = 0
		}
		binary.LittleEndian.PutUint32(buf[off+headerNameWidth:off+headerNameWidth+4], uint32(int32(h.entries[n])))
		off += headerNameWidth + 4
	}
	return nil
}

// DeserializeHeaderPage reads a header page previously written by
// Serialize.
func DeserializeHeaderPage(buf []byte) (*HeaderPage, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: header page buffer too small", errs.ErrDeserialization)
	}
	count := int(binary.LittleEndian.Uint16(buf[0:2]))
	h := NewHeaderPage()
	off := 2
	for i := 0; i < count; i++ {
		if off+headerNameWidth+4 > len(buf) {
			return nil, fmt.Errorf("%w: header page truncated", errs.ErrDeserialization)
		}
		nameBytes := buf[off : off+headerNameWidth]
		end := len(nameBytes)
		for end > 0 && nameBytes[end-1] == 0 {
			end--
		}
		name := string(nameBytes[:end])
		id := page.ID(int32(binary.LittleEndian.Uint32(buf[off+headerNameWidth : off+headerNameWidth+4])))
		h.entries[name] = id
		off += headerNameWidth + 4
	}
	return h, nil
}
