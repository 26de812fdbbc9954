package store

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"rodb/src/pager"
)

// ErrInvalidUTF8 is returned when a string heap range does not decode as
// valid UTF-8.
var ErrInvalidUTF8 = errors.New("string heap range is not valid UTF-8")

// StringHeap is the append-only byte heap all string fields point into.
// Strings are addressed by (offset, length); identical strings are stored as
// many times as they are interned.
type StringHeap struct {
	file   *pager.PagedFile
	used   uint64
	logger *zap.SugaredLogger
}

// OpenStringHeap maps the heap file at path. The used tail is seeded
// separately from metadata.
func OpenStringHeap(path string, readonly bool, logger *zap.SugaredLogger) (*StringHeap, error) {
	file, err := pager.Open(path, readonly, logger)
	if err != nil {
		return nil, err
	}
	return &StringHeap{file: file, logger: logger}, nil
}

// Used returns the number of heap bytes in use
func (sh *StringHeap) Used() uint64 {
	return sh.used
}

// SeedUsed sets the heap tail from metadata on open
func (sh *StringHeap) SeedUsed(used uint64) {
	sh.used = used
}

// Intern appends the UTF-8 encoding of s and returns its heap coordinates.
// The empty string does not touch the heap.
func (sh *StringHeap) Intern(s string) (offset, length uint64, err error) {
	b := []byte(s)
	if len(b) == 0 {
		return 0, 0, nil
	}

	if err := sh.file.EnsureCapacity(int64(sh.used) + int64(len(b))); err != nil {
		return 0, 0, err
	}
	if err := sh.file.WriteAt(int64(sh.used), b); err != nil {
		return 0, 0, err
	}
	offset = sh.used
	sh.used += uint64(len(b))
	return offset, uint64(len(b)), nil
}

// Read returns the string stored at (offset, length)
func (sh *StringHeap) Read(offset, length uint64) (string, error) {
	if length == 0 {
		return "", nil
	}
	if offset+length > sh.used {
		return "", fmt.Errorf("string range [%d, %d) with %d bytes used: %w", offset, offset+length, sh.used, ErrOutOfRange)
	}

	b, err := sh.file.ReadAt(int64(offset), int(length))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("string range [%d, %d): %w", offset, offset+length, ErrInvalidUTF8)
	}
	return string(b), nil
}

// Sync flushes the heap file
func (sh *StringHeap) Sync() error {
	return sh.file.Sync()
}

// Close unmaps and closes the heap file
func (sh *StringHeap) Close() error {
	return sh.file.Close()
}
