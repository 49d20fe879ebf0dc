// Package page defines the fixed-size unit of disk I/O and the in-memory
// frame that holds one while it is cached by a buffer pool.
package page

import "sync"

// Size is the fixed byte size of every page on disk and in memory.
const Size = 4096

// ID identifies a page. Negative values are invalid; id 0 is reserved as the
// header page for whichever index owns a given file.
type ID int32

// Invalid is the sentinel page id meaning "no page".
const Invalid ID = -1

// Header is the well-known page id holding an index's name -> root mapping.
const Header ID = 0

// Frame is a slot in the buffer pool that may currently hold a page. Its
// pin count and dirty flag are bookkeeping owned by the buffer pool instance
// mutex, not by Frame itself; Latch is a separate reader/writer lock over
// the byte contents, used by index structures to serialize reads and
// writes to the same page independent of pool bookkeeping.
type Frame struct {
	Latch sync.RWMutex

	id       ID
	data     []byte
	pinCount int
	dirty    bool
}

// NewFrame allocates an empty frame with a zeroed data buffer.
func NewFrame() *Frame {
	return &Frame{id: Invalid, data: make([]byte, Size)}
}

// ID returns the page id currently held by this frame.
func (f *Frame) ID() ID { return f.id }

// Data returns the frame's backing byte buffer. Callers that mutate it
// should hold Latch and call SetDirty.
func (f *Frame) Data() []byte { return f.data }

// PinCount returns the current pin count.
func (f *Frame) PinCount() int { return f.pinCount }

// IsDirty reports whether the frame has unflushed writes.
func (f *Frame) IsDirty() bool { return f.dirty }

// SetDirty marks the frame dirty. Dirty is sticky: it is never cleared by
// this call when false was already true; use resetMeta to clear it on
// eviction/reuse.
func (f *Frame) SetDirty(dirty bool) {
	if dirty {
		f.dirty = true
	}
}

// pin increments the pin count. Owned by the buffer pool instance mutex.
func (f *Frame) pin() { f.pinCount++ }

// unpin decrements the pin count and returns the new value.
func (f *Frame) unpin() int {
	if f.pinCount > 0 {
		f.pinCount--
	}
	return f.pinCount
}

// resetMeta reinstalls the frame with a fresh page id, zeroed contents, a
// single pin, and a clean dirty flag. Used when a frame is claimed for a
// newly fetched or newly allocated page.
func (f *Frame) resetMeta(id ID) {
	f.id = id
	for i := range f.data {
		f.data[i] = 0
	}
	f.pinCount = 1
	f.dirty = false
}

// Exported wrappers used by storage/buffer, kept separate from the
// unexported mutators above so the buffer pool package can still reach
// them without exposing pin/unpin/reset as part of the general page API
// that index code consumes.

// Pin is exported for use by the owning buffer pool instance only.
func (f *Frame) Pin() { f.pin() }

// Unpin is exported for use by the owning buffer pool instance only.
func (f *Frame) Unpin() int { return f.unpin() }

// ResetMeta is exported for use by the owning buffer pool instance only.
func (f *Frame) ResetMeta(id ID) { f.resetMeta(id) }

// SetID overwrites the frame's page id without touching pin/dirty state.
func (f *Frame) SetID(id ID) { f.id = id }
