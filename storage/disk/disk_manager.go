// Package disk is the disk collaborator named in the storage engine's
// external interfaces: it reads and writes fixed-size page bytes at a page
// id, and nothing else. Index structures and the buffer pool never touch
// an *os.File directly; they go through a Manager.
package disk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/sushant-115/pageengine/storage/errs"
	"github.com/sushant-115/pageengine/storage/page"
)

const (
	fileMagic   uint32 = 0x50414745 // "PAGE"
	fileVersion uint32 = 1
)

// fileHeader occupies the first page.Size bytes of every database file.
// The trailing padding field pads the struct out to a full page so the
// first real page (id 0) starts at a page-aligned offset, mirroring the
// teacher engine's on-disk header layout.
type fileHeader struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
	NumPages uint32
	_        [page.Size - 4*4]byte
}

// Manager owns a single database file and serializes access to its header.
// ReadPage/WritePage themselves are safe for concurrent use from multiple
// goroutines; os.File.ReadAt/WriteAt do not share a file cursor.
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	numPages uint32
}

// Create creates a new database file at path. It fails with
// errs.ErrDBFileExists if the file already exists.
func Create(path string) (*Manager, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrDBFileExists, path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", errs.ErrIO, path, err)
	}
	m := &Manager{file: f, path: path, pageSize: page.Size}
	if err := m.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// Open opens an existing database file at path. It fails with
// errs.ErrDBFileNotFound if the file is missing.
func Open(path string) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errs.ErrDBFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: opening %s: %v", errs.ErrIO, path, err)
	}
	m := &Manager{file: f, path: path, pageSize: page.Size}
	if err := m.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// OpenOrCreate opens path if it exists, else creates it.
func OpenOrCreate(path string) (*Manager, error) {
	if _, err := os.Stat(path); err == nil {
		return Open(path)
	}
	return Create(path)
}

func (m *Manager) writeHeader() error {
	hdr := fileHeader{Magic: fileMagic, Version: fileVersion, PageSize: uint32(m.pageSize), NumPages: m.numPages}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%w: encoding file header: %v", errs.ErrSerialization, err)
	}
	if _, err := m.file.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("%w: writing file header: %v", errs.ErrIO, err)
	}
	return nil
}

func (m *Manager) readHeader() error {
	buf := make([]byte, page.Size)
	if _, err := m.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: reading file header: %v", errs.ErrIO, err)
	}
	var hdr fileHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%w: decoding file header: %v", errs.ErrDeserialization, err)
	}
	if hdr.Magic != fileMagic {
		return fmt.Errorf("%w: bad magic in %s", errs.ErrDeserialization, m.path)
	}
	m.pageSize = int(hdr.PageSize)
	m.numPages = hdr.NumPages
	return nil
}

// dataOffset returns the byte offset of page id within the file, skipping
// the one page-sized header block.
func (m *Manager) dataOffset(id page.ID) int64 {
	return int64(m.pageSize) + int64(id)*int64(m.pageSize)
}

// ReadPage reads page id's bytes into out, which must be page.Size long.
// It fails with errs.ErrPageNotFound if id was never written.
func (m *Manager) ReadPage(id page.ID, out []byte) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", errs.ErrInvalidPageID, id)
	}
	m.mu.Lock()
	known := uint32(id) < m.numPages
	m.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %d", errs.ErrPageNotFound, id)
	}
	if _, err := m.file.ReadAt(out, m.dataOffset(id)); err != nil {
		return fmt.Errorf("%w: reading page %d: %v", errs.ErrIO, id, err)
	}
	return nil
}

// WritePage writes data (page.Size bytes) to page id, extending the file
// and its header's NumPages count if id had not been written before.
func (m *Manager) WritePage(id page.ID, data []byte) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", errs.ErrInvalidPageID, id)
	}
	if _, err := m.file.WriteAt(data, m.dataOffset(id)); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", errs.ErrIO, id, err)
	}
	m.mu.Lock()
	grew := uint32(id) >= m.numPages
	if grew {
		m.numPages = uint32(id) + 1
	}
	m.mu.Unlock()
	if grew {
		if err := m.writeHeader(); err != nil {
			return err
		}
	}
	return nil
}

// NumPages reports how many page ids have been materialized, for callers
// that want to seed an allocator past the highest id written so far.
func (m *Manager) NumPages() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numPages
}

// PageSize returns the fixed page size this file was created with.
func (m *Manager) PageSize() int { return m.pageSize }

// Sync flushes the file to stable storage.
func (m *Manager) Sync() error {
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", errs.ErrIO, m.path, err)
	}
	return nil
}

// Close closes the underlying file.
func (m *Manager) Close() error {
	if err := m.file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", errs.ErrIO, m.path, err)
	}
	return nil
}
