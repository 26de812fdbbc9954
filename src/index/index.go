package index

import (
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"rodb/src/collection"
	"rodb/src/schema"
	"rodb/src/store"
)

var (
	// ErrInvalidIndexKind is returned for an unknown index backend name
	ErrInvalidIndexKind = errors.New("unknown index kind")

	// ErrNotIndexed is returned when a lookup names a field that carries no
	// index
	ErrNotIndexed = errors.New("field is not indexed")
)

// Kind selects the persistence backend of one index
type Kind = schema.IndexKind

// ParseKind validates an index kind read from metadata or type options
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case schema.IndexFlat, schema.IndexSegmented:
		return Kind(s), nil
	}
	return schema.IndexNone, fmt.Errorf("%w: %q", ErrInvalidIndexKind, s)
}

// Range is the on-disk value form of every index entry: a contiguous range
// in the scalar join area. Collection proxies exist only in memory.
type Range struct {
	Offset uint64 `bson:"offset"`
	Count  uint64 `bson:"count"`
}

// Backing wires an index to the engine: proxy construction over join
// ranges and the drain that turns a dirty proxy into a fresh range.
type Backing struct {
	// NewProxy builds an empty appendable proxy
	NewProxy func() *collection.Proxy

	// ProxyFor builds a read proxy over a persisted range
	ProxyFor func(rng Range) *collection.Proxy

	// Drain allocates a join range and writes the proxy's elements into it
	Drain func(p *collection.Proxy) (Range, error)

	Logger *zap.SugaredLogger
}

// Index maps field values to id collections for one indexed property.
type Index interface {
	// Get returns the collection of a key, empty when absent
	Get(key interface{}) (*collection.Proxy, error)

	// Put appends a reference under a key
	Put(key interface{}, ref store.OneRef) error

	// Save drains dirty entries into join ranges and persists the index.
	// Clean entries keep their ranges untouched.
	Save() error

	// Purge removes the on-disk form
	Purge() error
}

// New builds an index of the given kind persisting at path. For the flat
// kind path is a single file; for the segmented kind it is a directory.
func New(kind Kind, path string, buckets int, backing Backing) (Index, error) {
	switch kind {
	case schema.IndexFlat:
		return NewFlatIndex(path, backing), nil
	case schema.IndexSegmented:
		return NewSegmentedIndex(path, buckets, backing), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidIndexKind, kind)
}

// KeyString encodes a scalar key into the stable kind-prefixed form used as
// the map key on disk and for bucket sharding.
func KeyString(key interface{}) (string, error) {
	switch v := key.(type) {
	case nil:
		return "n:", nil
	case int64:
		return "i:" + strconv.FormatInt(v, 10), nil
	case float64:
		return "f:" + strconv.FormatFloat(v, 'g', -1, 64), nil
	case string:
		return "s:" + v, nil
	case bool:
		return "b:" + strconv.FormatBool(v), nil
	}
	return "", fmt.Errorf("%T is not an indexable scalar", key)
}

// entry is the in-memory state of one key: the persisted range, the live
// proxy, or both once a persisted entry has been opened for appending.
type entry struct {
	rng      Range
	hasRange bool
	proxy    *collection.Proxy
}

// open returns the entry's proxy, building one over the persisted range on
// first access.
func (e *entry) open(backing Backing) *collection.Proxy {
	if e.proxy == nil {
		if e.hasRange {
			e.proxy = backing.ProxyFor(e.rng)
		} else {
			e.proxy = backing.NewProxy()
		}
	}
	return e.proxy
}

// dirty reports whether the entry needs a fresh join range on save
func (e *entry) dirty() bool {
	if !e.hasRange {
		return true
	}
	return e.proxy != nil && e.proxy.Dirty()
}

// flush drains a dirty entry and records its new range
func (e *entry) flush(backing Backing) error {
	if !e.dirty() {
		return nil
	}
	rng, err := backing.Drain(e.open(backing))
	if err != nil {
		return err
	}
	e.rng = rng
	e.hasRange = true
	e.proxy = nil
	return nil
}
