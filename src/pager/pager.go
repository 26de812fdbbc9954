package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// PageSize is the unit of file growth and memory mapping
	PageSize = 4096
)

var (
	// ErrCorruptLayout is returned when a data file size is not a page multiple
	ErrCorruptLayout = errors.New("data file size is not a multiple of the page size")

	// ErrReadonly is returned for any mutation of a readonly paged file
	ErrReadonly = errors.New("database is readonly")

	// ErrOutOfBounds is returned when a read addresses bytes past the file end
	ErrOutOfBounds = errors.New("address is outside the mapped file")

	errClosed = errors.New("paged file is closed")
)

// PagedFile is a page-granular file kept memory mapped for its whole open
// lifetime. Growth goes through AllocatePages; reads and writes address the
// mapping directly. All accessors copy in or out of the mapping, so callers
// never hold slices that a remap could invalidate.
type PagedFile struct {
	mu       sync.RWMutex
	path     string
	file     *os.File
	data     []byte
	size     int64
	readonly bool
	closed   bool
	logger   *zap.SugaredLogger
}

// Open maps the file at path, creating it when absent in read-write mode.
// Fails with ErrCorruptLayout when the existing size is not page aligned.
func Open(path string, readonly bool, logger *zap.SugaredLogger) (*PagedFile, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readonly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening paged file %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get file stats for %s: %w", path, err)
	}

	size := stat.Size()
	if size%PageSize != 0 {
		file.Close()
		return nil, fmt.Errorf("%s (%d bytes): %w", path, size, ErrCorruptLayout)
	}

	pf := &PagedFile{
		path:     path,
		file:     file,
		size:     size,
		readonly: readonly,
		logger:   logger,
	}
	if err := pf.remap(); err != nil {
		file.Close()
		return nil, err
	}
	return pf, nil
}

// remap drops the current mapping and maps the file at its current size.
// Caller holds the write lock (or exclusive access during Open).
func (pf *PagedFile) remap() error {
	if pf.data != nil {
		if err := unix.Munmap(pf.data); err != nil {
			return fmt.Errorf("failed to unmap %s: %w", pf.path, err)
		}
		pf.data = nil
	}
	if pf.size == 0 {
		return nil
	}

	prot := unix.PROT_READ
	if !pf.readonly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(pf.file.Fd()), 0, int(pf.size), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to memory map %s: %w", pf.path, err)
	}
	pf.data = data
	return nil
}

// Path returns the file path
func (pf *PagedFile) Path() string {
	return pf.path
}

// Size returns the current file size in bytes
func (pf *PagedFile) Size() int64 {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.size
}

// PageCount returns the number of allocated pages
func (pf *PagedFile) PageCount() int64 {
	return pf.Size() / PageSize
}

// AllocatePages grows the file by n pages and returns the index of the first
// new page.
func (pf *PagedFile) AllocatePages(n int64) (int64, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	if pf.closed {
		return 0, errClosed
	}
	if pf.readonly {
		return 0, fmt.Errorf("allocate on %s: %w", pf.path, ErrReadonly)
	}

	firstPage := pf.size / PageSize
	newSize := pf.size + n*PageSize
	if err := pf.file.Truncate(newSize); err != nil {
		return 0, fmt.Errorf("failed to grow %s to %d bytes: %w", pf.path, newSize, err)
	}
	pf.size = newSize
	if err := pf.remap(); err != nil {
		return 0, err
	}
	return firstPage, nil
}

// EnsureCapacity allocates as many pages as needed for the file to hold at
// least size bytes.
func (pf *PagedFile) EnsureCapacity(size int64) error {
	needed := (size + PageSize - 1) / PageSize
	have := pf.PageCount()
	if needed <= have {
		return nil
	}
	_, err := pf.AllocatePages(needed - have)
	return err
}

// ReadAt copies n bytes at the given byte offset out of the mapping
func (pf *PagedFile) ReadAt(off int64, n int) ([]byte, error) {
	pf.mu.RLock()
	defer pf.mu.RUnlock()

	if pf.closed {
		return nil, errClosed
	}
	if off < 0 || off+int64(n) > pf.size {
		return nil, fmt.Errorf("read [%d, %d) of %s (%d bytes): %w", off, off+int64(n), pf.path, pf.size, ErrOutOfBounds)
	}
	out := make([]byte, n)
	copy(out, pf.data[off:off+int64(n)])
	return out, nil
}

// WriteAt copies b into the mapping at the given byte offset
func (pf *PagedFile) WriteAt(off int64, b []byte) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	if pf.closed {
		return errClosed
	}
	if pf.readonly {
		return fmt.Errorf("write to %s: %w", pf.path, ErrReadonly)
	}
	if off < 0 || off+int64(len(b)) > pf.size {
		return fmt.Errorf("write [%d, %d) of %s (%d bytes): %w", off, off+int64(len(b)), pf.path, pf.size, ErrOutOfBounds)
	}
	copy(pf.data[off:], b)
	return nil
}

// ReadWord reads one little-endian machine word at the given byte offset
func (pf *PagedFile) ReadWord(off int64) (uint64, error) {
	b, err := pf.ReadAt(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteWord writes one little-endian machine word at the given byte offset
func (pf *PagedFile) WriteWord(off int64, w uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], w)
	return pf.WriteAt(off, b[:])
}

// Sync flushes the mapping and the file to disk
func (pf *PagedFile) Sync() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	if pf.closed || pf.readonly {
		return nil
	}
	if pf.data != nil {
		if err := unix.Msync(pf.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("failed to msync %s: %w", pf.path, err)
		}
	}
	if err := pf.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", pf.path, err)
	}
	return nil
}

// Close syncs, unmaps and closes the file
func (pf *PagedFile) Close() error {
	if err := pf.Sync(); err != nil {
		return err
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.closed {
		return nil
	}
	pf.closed = true

	if pf.data != nil {
		if err := unix.Munmap(pf.data); err != nil {
			pf.file.Close()
			return fmt.Errorf("failed to unmap %s: %w", pf.path, err)
		}
		pf.data = nil
	}
	if err := pf.file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", pf.path, err)
	}
	return nil
}
