package store

import (
	"errors"
	"fmt"

	"rodb/src/schema"
)

var (
	// ErrUnknownProperty is returned when a record accessor names a field or
	// association the type does not declare
	ErrUnknownProperty = errors.New("record type does not declare this property")

	// ErrKindMismatch is returned when a value does not fit the declared
	// scalar kind
	ErrKindMismatch = errors.New("value does not match the declared scalar kind")
)

// OneRef is a stored singular reference: a rod id plus the class tag of the
// target type. ID 0 means null. For non-polymorphic slots the tag is implied
// by the schema and carried here for uniformity.
type OneRef struct {
	ID  uint64
	Tag uint64
}

// IsNull reports whether the reference is the null id
func (r OneRef) IsNull() bool {
	return r.ID == 0
}

// ManyRef is a stored plural reference: a contiguous range in the join area
type ManyRef struct {
	Count  uint64
	Offset uint64
}

// Collection is the read surface of a plural association: a lazy view over a
// join range plus whatever has been appended in memory.
type Collection interface {
	Size() int
	Get(i int) (*Record, error)
	GetID(i int) (OneRef, error)
	EachID(fn func(OneRef) error) error
}

// AssociationSource resolves associations on behalf of materialized records.
// The database controller implements it; records hold it as a non-owning
// back-reference.
type AssociationSource interface {
	ResolveOne(rec *Record, name string) (*Record, error)
	ResolveMany(rec *Record, name string) (Collection, error)
}

// Record is a dynamic view over one instance of a record type: the schema
// plus decoded field values. A record with ID 0 has not been stored yet.
type Record struct {
	typ *schema.RecordType
	id  uint64
	src AssociationSource

	scalars map[string]interface{}

	// loaded association slots, as decoded from the struct
	ones  map[string]OneRef
	manys map[string]ManyRef

	// association values assigned in memory, not yet encoded
	onesPending  map[string]*Record
	manysPending map[string][]*Record
}

// NewRecord returns an empty, unstored record of the given type
func NewRecord(typ *schema.RecordType) *Record {
	return &Record{
		typ:     typ,
		scalars: make(map[string]interface{}),
		ones:    make(map[string]OneRef),
		manys:   make(map[string]ManyRef),
	}
}

// Type returns the record's schema type
func (r *Record) Type() *schema.RecordType {
	return r.typ
}

// ID returns the record's rod id, 0 when unstored
func (r *Record) ID() uint64 {
	return r.id
}

// Attach binds the record to its controller and id after a store or load
func (r *Record) Attach(src AssociationSource, id uint64) {
	r.src = src
	r.id = id
}

// Set assigns a scalar field value. Integers of any width are accepted for
// integer fields; float32 is widened for float fields.
func (r *Record) Set(name string, value interface{}) error {
	f, ok := r.typ.Field(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, r.typ.Name, name)
	}
	normalized, err := NormalizeScalar(f.Kind, value)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", r.typ.Name, name, err)
	}
	r.scalars[name] = normalized
	return nil
}

// NormalizeScalar coerces a value to the canonical Go representation of the
// given scalar kind: int64, float64, string or bool.
func NormalizeScalar(kind schema.ScalarKind, value interface{}) (interface{}, error) {
	switch kind {
	case schema.Integer:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int8:
			return int64(v), nil
		case int16:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case uint:
			return int64(v), nil
		case uint8:
			return int64(v), nil
		case uint16:
			return int64(v), nil
		case uint32:
			return int64(v), nil
		case uint64:
			return int64(v), nil
		}
	case schema.Float:
		switch v := value.(type) {
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		}
	case schema.String:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case schema.Bool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %T as %s", ErrKindMismatch, value, kind)
}

// Int returns an integer field value, 0 when unset
func (r *Record) Int(name string) int64 {
	v, _ := r.scalars[name].(int64)
	return v
}

// Float returns a float field value, 0 when unset
func (r *Record) Float(name string) float64 {
	v, _ := r.scalars[name].(float64)
	return v
}

// Bool returns a bool field value, false when unset
func (r *Record) Bool(name string) bool {
	v, _ := r.scalars[name].(bool)
	return v
}

// Str returns a string field value, empty when unset
func (r *Record) Str(name string) string {
	v, _ := r.scalars[name].(string)
	return v
}

// Value returns the raw scalar value of a field
func (r *Record) Value(name string) (interface{}, bool) {
	v, ok := r.scalars[name]
	return v, ok
}

// SetOne assigns a singular association target. A nil target stores the
// null id.
func (r *Record) SetOne(name string, target *Record) error {
	if _, ok := r.typ.One(name); !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, r.typ.Name, name)
	}
	if r.onesPending == nil {
		r.onesPending = make(map[string]*Record)
	}
	r.onesPending[name] = target
	return nil
}

// One resolves a singular association to its target record, nil for null
func (r *Record) One(name string) (*Record, error) {
	if target, ok := r.onesPending[name]; ok {
		return target, nil
	}
	if _, ok := r.typ.One(name); !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownProperty, r.typ.Name, name)
	}
	if r.src == nil {
		return nil, nil
	}
	return r.src.ResolveOne(r, name)
}

// OneRef returns the stored reference of a singular association
func (r *Record) OneRef(name string) OneRef {
	return r.ones[name]
}

// SetMany assigns the full element list of a plural association. Nil
// elements store the null id and keep their position.
func (r *Record) SetMany(name string, targets []*Record) error {
	if _, ok := r.typ.Many(name); !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, r.typ.Name, name)
	}
	if r.manysPending == nil {
		r.manysPending = make(map[string][]*Record)
	}
	r.manysPending[name] = targets
	return nil
}

// Many resolves a plural association to its collection view
func (r *Record) Many(name string) (Collection, error) {
	if targets, ok := r.manysPending[name]; ok {
		return pendingCollection(targets), nil
	}
	if _, ok := r.typ.Many(name); !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownProperty, r.typ.Name, name)
	}
	if r.src == nil {
		return pendingCollection(nil), nil
	}
	return r.src.ResolveMany(r, name)
}

// ManyRef returns the stored join range of a plural association
func (r *Record) ManyRef(name string) ManyRef {
	return r.manys[name]
}

// PendingOne returns an in-memory singular assignment, if any
func (r *Record) PendingOne(name string) (*Record, bool) {
	target, ok := r.onesPending[name]
	return target, ok
}

// PendingMany returns an in-memory plural assignment, if any
func (r *Record) PendingMany(name string) ([]*Record, bool) {
	targets, ok := r.manysPending[name]
	return targets, ok
}

// SetLoadedOne records a singular slot decoded from the struct
func (r *Record) SetLoadedOne(name string, ref OneRef) {
	r.ones[name] = ref
}

// SetLoadedMany records a plural slot decoded from the struct
func (r *Record) SetLoadedMany(name string, ref ManyRef) {
	r.manys[name] = ref
}

// CommitAssociations folds pending assignments into the loaded slots after a
// successful encode.
func (r *Record) CommitAssociations(ones map[string]OneRef, manys map[string]ManyRef) {
	for name, ref := range ones {
		r.ones[name] = ref
	}
	for name, ref := range manys {
		r.manys[name] = ref
	}
	r.onesPending = nil
	r.manysPending = nil
}

// pendingCollection adapts an in-memory target list to the Collection
// interface, for records whose plural association has not been stored yet.
type pendingCollection []*Record

func (c pendingCollection) Size() int {
	return len(c)
}

func (c pendingCollection) Get(i int) (*Record, error) {
	if i < 0 || i >= len(c) {
		return nil, fmt.Errorf("element %d of %d: %w", i, len(c), ErrOutOfRange)
	}
	return c[i], nil
}

func (c pendingCollection) GetID(i int) (OneRef, error) {
	rec, err := c.Get(i)
	if err != nil {
		return OneRef{}, err
	}
	if rec == nil {
		return OneRef{}, nil
	}
	return OneRef{ID: rec.ID(), Tag: rec.Type().ClassTag()}, nil
}

func (c pendingCollection) EachID(fn func(OneRef) error) error {
	for i := range c {
		ref, err := c.GetID(i)
		if err != nil {
			return err
		}
		if err := fn(ref); err != nil {
			return err
		}
	}
	return nil
}
