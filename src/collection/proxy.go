package collection

import (
	"fmt"

	"rodb/src/store"
)

// JoinReader is the slice of the join area a proxy needs to resolve its
// persisted elements.
type JoinReader interface {
	Get(offset, i uint64) (uint64, error)
	GetPoly(offset, i uint64) (rodID, classTag uint64, err error)
}

// Materializer resolves a (class tag, rod id) pair to a record. Null ids
// never reach it.
type Materializer func(classTag, rodID uint64) (*store.Record, error)

// Proxy is the lazy view over a plural association or index entry: a join
// range of originalSize persisted elements plus an in-memory append buffer.
// Elements materialize on access and pass through the shared record cache.
type Proxy struct {
	offset       uint64
	originalSize int
	polymorphic  bool

	// defaultTag is the class tag of the target type for non-polymorphic
	// ranges, where the join element carries only the rod id
	defaultTag uint64

	join        JoinReader
	materialize Materializer
	cache       *RecordCache

	appended []store.OneRef
}

// NewProxy builds a proxy over the join range (offset, originalSize)
func NewProxy(join JoinReader, materialize Materializer, cache *RecordCache, offset uint64, originalSize int, polymorphic bool, defaultTag uint64) *Proxy {
	return &Proxy{
		offset:       offset,
		originalSize: originalSize,
		polymorphic:  polymorphic,
		defaultTag:   defaultTag,
		join:         join,
		materialize:  materialize,
		cache:        cache,
	}
}

// Size is the persisted range size plus everything appended in memory
func (p *Proxy) Size() int {
	return p.originalSize + len(p.appended)
}

// OriginalSize is the size of the persisted join range alone
func (p *Proxy) OriginalSize() int {
	return p.originalSize
}

// Offset is the start of the persisted join range
func (p *Proxy) Offset() uint64 {
	return p.offset
}

// Dirty reports whether the proxy diverged from its persisted range. This is
// the predicate index flushing uses to decide whether a key needs a fresh
// join allocation.
func (p *Proxy) Dirty() bool {
	return len(p.appended) > 0
}

// Append adds a reference to the in-memory buffer. A zero ref appends a
// null element that keeps its position.
func (p *Proxy) Append(ref store.OneRef) {
	p.appended = append(p.appended, ref)
}

// GetID returns the reference at position i without materializing it
func (p *Proxy) GetID(i int) (store.OneRef, error) {
	if i < 0 || i >= p.Size() {
		return store.OneRef{}, fmt.Errorf("element %d of %d: %w", i, p.Size(), store.ErrOutOfRange)
	}

	if i >= p.originalSize {
		return p.appended[i-p.originalSize], nil
	}

	if p.polymorphic {
		id, tag, err := p.join.GetPoly(p.offset, uint64(i))
		if err != nil {
			return store.OneRef{}, err
		}
		if id == 0 {
			return store.OneRef{}, nil
		}
		return store.OneRef{ID: id, Tag: tag}, nil
	}

	id, err := p.join.Get(p.offset, uint64(i))
	if err != nil {
		return store.OneRef{}, err
	}
	if id == 0 {
		return store.OneRef{}, nil
	}
	return store.OneRef{ID: id, Tag: p.defaultTag}, nil
}

// Get materializes the record at position i, nil for null elements
func (p *Proxy) Get(i int) (*store.Record, error) {
	ref, err := p.GetID(i)
	if err != nil {
		return nil, err
	}
	if ref.IsNull() {
		return nil, nil
	}

	if p.cache != nil {
		if rec, ok := p.cache.Get(ref.Tag, ref.ID); ok {
			return rec, nil
		}
	}
	rec, err := p.materialize(ref.Tag, ref.ID)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Put(ref.Tag, ref.ID, rec)
	}
	return rec, nil
}

// EachID yields every reference, persisted then appended, in order
func (p *Proxy) EachID(fn func(store.OneRef) error) error {
	for i := 0; i < p.Size(); i++ {
		ref, err := p.GetID(i)
		if err != nil {
			return err
		}
		if err := fn(ref); err != nil {
			return err
		}
	}
	return nil
}
