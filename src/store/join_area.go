package store

import (
	"fmt"

	"go.uber.org/zap"

	"rodb/src/pager"
	"rodb/src/schema"
)

// JoinArea is a packed array of join elements backing plural associations
// and index ranges. The scalar variant holds one word (rod id) per element;
// the polymorphic variant holds two (rod id, class tag).
//
// Ranges are never reclaimed: reassigning a plural association allocates a
// fresh range and leaves the old one as garbage.
type JoinArea struct {
	file        *pager.PagedFile
	count       uint64
	polymorphic bool
	elemSize    int64
	logger      *zap.SugaredLogger
}

// OpenJoinArea maps the join file at path. The element count is seeded
// separately from metadata.
func OpenJoinArea(path string, polymorphic, readonly bool, logger *zap.SugaredLogger) (*JoinArea, error) {
	file, err := pager.Open(path, readonly, logger)
	if err != nil {
		return nil, err
	}

	elemSize := int64(schema.WordSize)
	if polymorphic {
		elemSize *= 2
	}
	return &JoinArea{
		file:        file,
		polymorphic: polymorphic,
		elemSize:    elemSize,
		logger:      logger,
	}, nil
}

// Count returns the number of allocated elements
func (ja *JoinArea) Count() uint64 {
	return ja.count
}

// SeedCount sets the allocation tail from metadata on open
func (ja *JoinArea) SeedCount(count uint64) {
	ja.count = count
}

// Polymorphic reports whether elements carry a class tag
func (ja *JoinArea) Polymorphic() bool {
	return ja.polymorphic
}

// Allocate reserves count contiguous elements at the tail and returns the
// starting element index. New elements are zero, the null id.
func (ja *JoinArea) Allocate(count uint64) (uint64, error) {
	if err := ja.file.EnsureCapacity(int64(ja.count+count) * ja.elemSize); err != nil {
		return 0, err
	}
	offset := ja.count
	ja.count += count
	return offset, nil
}

func (ja *JoinArea) checkRange(offset, i uint64) error {
	if offset+i >= ja.count {
		return fmt.Errorf("join element %d+%d with %d allocated: %w", offset, i, ja.count, ErrOutOfRange)
	}
	return nil
}

// Get returns the rod id stored at element offset+i of a scalar join range
func (ja *JoinArea) Get(offset, i uint64) (uint64, error) {
	if err := ja.checkRange(offset, i); err != nil {
		return 0, err
	}
	return ja.file.ReadWord(int64(offset+i) * ja.elemSize)
}

// Set stores a rod id at element offset+i of a scalar join range
func (ja *JoinArea) Set(offset, i, rodID uint64) error {
	if err := ja.checkRange(offset, i); err != nil {
		return err
	}
	return ja.file.WriteWord(int64(offset+i)*ja.elemSize, rodID)
}

// GetPoly returns the (rod id, class tag) pair at element offset+i
func (ja *JoinArea) GetPoly(offset, i uint64) (rodID, classTag uint64, err error) {
	if !ja.polymorphic {
		return 0, 0, fmt.Errorf("join area %s holds scalar elements", ja.file.Path())
	}
	if err := ja.checkRange(offset, i); err != nil {
		return 0, 0, err
	}
	base := int64(offset+i) * ja.elemSize
	if rodID, err = ja.file.ReadWord(base); err != nil {
		return 0, 0, err
	}
	if classTag, err = ja.file.ReadWord(base + schema.WordSize); err != nil {
		return 0, 0, err
	}
	return rodID, classTag, nil
}

// SetPoly stores a (rod id, class tag) pair at element offset+i
func (ja *JoinArea) SetPoly(offset, i, rodID, classTag uint64) error {
	if !ja.polymorphic {
		return fmt.Errorf("join area %s holds scalar elements", ja.file.Path())
	}
	if err := ja.checkRange(offset, i); err != nil {
		return err
	}
	base := int64(offset+i) * ja.elemSize
	if err := ja.file.WriteWord(base, rodID); err != nil {
		return err
	}
	return ja.file.WriteWord(base+schema.WordSize, classTag)
}

// Sync flushes the join file
func (ja *JoinArea) Sync() error {
	return ja.file.Sync()
}

// Close unmaps and closes the join file
func (ja *JoinArea) Close() error {
	return ja.file.Close()
}
