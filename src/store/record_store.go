package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"rodb/src/pager"
	"rodb/src/schema"
)

// ErrOutOfRange is returned when a rod id or element index addresses a slot
// that was never stored. Id 0 is the null id and is never a valid read.
var ErrOutOfRange = errors.New("identifier is out of range")

// RecordStore is the append-only struct array of one record type, backed by
// that type's paged data file. Records never straddle pages; the slot of a
// rod id is pure arithmetic over the struct size.
type RecordStore struct {
	typ        *schema.RecordType
	file       *pager.PagedFile
	count      uint64
	structSize int64
	perPage    int64
	logger     *zap.SugaredLogger
}

// OpenRecordStore maps the data file at path for the given type. The append
// count is seeded separately from metadata.
func OpenRecordStore(path string, typ *schema.RecordType, readonly bool, logger *zap.SugaredLogger) (*RecordStore, error) {
	structSize := int64(typ.Layout().StructSize())
	if structSize == 0 {
		return nil, fmt.Errorf("type %s has an empty struct layout", typ.Name)
	}
	if structSize > pager.PageSize {
		return nil, fmt.Errorf("type %s: struct of %d bytes exceeds the page size", typ.Name, structSize)
	}

	file, err := pager.Open(path, readonly, logger)
	if err != nil {
		return nil, err
	}

	return &RecordStore{
		typ:        typ,
		file:       file,
		structSize: structSize,
		perPage:    pager.PageSize / structSize,
		logger:     logger,
	}, nil
}

// Type returns the stored record type
func (rs *RecordStore) Type() *schema.RecordType {
	return rs.typ
}

// Count returns the number of stored records
func (rs *RecordStore) Count() uint64 {
	return rs.count
}

// SeedCount sets the append count from metadata on open. Bytes past
// count*structSize are unreferenced slack from an unfinished session and are
// ignored.
func (rs *RecordStore) SeedCount(count uint64) {
	rs.count = count
}

// RecordsPerPage returns how many structs fit one page
func (rs *RecordStore) RecordsPerPage() int64 {
	return rs.perPage
}

// PageCount returns the number of allocated pages
func (rs *RecordStore) PageCount() int64 {
	return rs.file.PageCount()
}

func (rs *RecordStore) slotOffset(rodID uint64) int64 {
	slot := int64(rodID - 1)
	page := slot / rs.perPage
	return page*pager.PageSize + (slot%rs.perPage)*rs.structSize
}

// Append writes one struct at the next slot and returns its 1-based rod id
func (rs *RecordStore) Append(structBytes []byte) (uint64, error) {
	if int64(len(structBytes)) != rs.structSize {
		return 0, fmt.Errorf("type %s: struct is %d bytes, want %d", rs.typ.Name, len(structBytes), rs.structSize)
	}

	slot := int64(rs.count)
	page := slot / rs.perPage
	if page >= rs.file.PageCount() {
		if _, err := rs.file.AllocatePages(1); err != nil {
			return 0, err
		}
	}

	off := page*pager.PageSize + (slot%rs.perPage)*rs.structSize
	if err := rs.file.WriteAt(off, structBytes); err != nil {
		return 0, err
	}
	rs.count++
	return rs.count, nil
}

// ReadStruct returns a copy of the struct bytes of the given rod id
func (rs *RecordStore) ReadStruct(rodID uint64) ([]byte, error) {
	if rodID == 0 || rodID > rs.count {
		return nil, fmt.Errorf("%s[%d] with count %d: %w", rs.typ.Name, rodID, rs.count, ErrOutOfRange)
	}
	return rs.file.ReadAt(rs.slotOffset(rodID), int(rs.structSize))
}

// WriteStruct rewrites the struct of an already stored record in place
func (rs *RecordStore) WriteStruct(rodID uint64, structBytes []byte) error {
	if rodID == 0 || rodID > rs.count {
		return fmt.Errorf("%s[%d] with count %d: %w", rs.typ.Name, rodID, rs.count, ErrOutOfRange)
	}
	if int64(len(structBytes)) != rs.structSize {
		return fmt.Errorf("type %s: struct is %d bytes, want %d", rs.typ.Name, len(structBytes), rs.structSize)
	}
	return rs.file.WriteAt(rs.slotOffset(rodID), structBytes)
}

// WriteWord patches a single word slot of a stored record. Used to resolve
// references that were stored before their target.
func (rs *RecordStore) WriteWord(rodID uint64, wordOffset int, value uint64) error {
	if rodID == 0 || rodID > rs.count {
		return fmt.Errorf("%s[%d] with count %d: %w", rs.typ.Name, rodID, rs.count, ErrOutOfRange)
	}
	return rs.file.WriteWord(rs.slotOffset(rodID)+int64(wordOffset)*schema.WordSize, value)
}

// Sync flushes the data file
func (rs *RecordStore) Sync() error {
	return rs.file.Sync()
}

// Close unmaps and closes the data file
func (rs *RecordStore) Close() error {
	return rs.file.Close()
}
