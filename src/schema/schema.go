package schema

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// ScalarKind enumerates the scalar field kinds a record type may declare
type ScalarKind string

const (
	Integer ScalarKind = "integer"
	Float   ScalarKind = "float"
	String  ScalarKind = "string"
	Bool    ScalarKind = "bool"
)

var ErrUnknownScalarKind = errors.New("unknown scalar kind")

// ParseScalarKind validates a scalar kind read from metadata
func ParseScalarKind(s string) (ScalarKind, error) {
	switch ScalarKind(s) {
	case Integer, Float, String, Bool:
		return ScalarKind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScalarKind, s)
}

// IndexKind names the persistence backend of an indexed field. The empty
// kind means the field is not indexed.
type IndexKind string

const (
	IndexNone      IndexKind = ""
	IndexFlat      IndexKind = "flat"
	IndexSegmented IndexKind = "segmented"
)

// Field is a scalar field of a record type
type Field struct {
	Name  string
	Kind  ScalarKind
	Index IndexKind
}

// Association links a record type to a target type. Singular associations
// occupy one struct word (two when polymorphic); plural associations occupy
// a (count, offset) pair into the join area.
type Association struct {
	Name        string
	Target      string
	Polymorphic bool
}

// NamespaceSeparator joins a namespace and a bare type name, e.g.
// "Legacy::User".
const NamespaceSeparator = "::"

// RecordType describes the schema of one record type. The zero value is not
// usable; fill the exported fields and register the type with a Registry.
type RecordType struct {
	// Name is the full type name, possibly namespace-qualified
	Name string

	// Superclass is the name of the parent type, empty for roots
	Superclass string

	Fields  []Field
	HasOne  []Association
	HasMany []Association

	structName string
	classTag   uint64
	layout     *Layout
}

// BareName strips the namespace qualifier, if any
func (t *RecordType) BareName() string {
	if i := strings.LastIndex(t.Name, NamespaceSeparator); i >= 0 {
		return t.Name[i+len(NamespaceSeparator):]
	}
	return t.Name
}

// Namespace returns the namespace qualifier, empty for plain names
func (t *RecordType) Namespace() string {
	if i := strings.LastIndex(t.Name, NamespaceSeparator); i >= 0 {
		return t.Name[:i]
	}
	return ""
}

// StructName is the stable on-disk tag of the type: the bare name converted
// to snake case. Namespaced variants of a type share the struct name, so a
// shadow namespace reads the same files as the original.
func (t *RecordType) StructName() string {
	if t.structName == "" {
		t.structName = ToSnakeCase(t.BareName())
	}
	return t.structName
}

// ClassTag is a stable 64-bit hash of the struct name, used to identify the
// target type of polymorphic join elements.
func (t *RecordType) ClassTag() uint64 {
	if t.classTag == 0 {
		t.classTag = xxhash.Sum64String(t.StructName())
	}
	return t.classTag
}

// Field looks up a scalar field by name
func (t *RecordType) Field(name string) (*Field, bool) {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i], true
		}
	}
	return nil, false
}

// One looks up a singular association by name
func (t *RecordType) One(name string) (*Association, bool) {
	for i := range t.HasOne {
		if t.HasOne[i].Name == name {
			return &t.HasOne[i], true
		}
	}
	return nil, false
}

// Many looks up a plural association by name
func (t *RecordType) Many(name string) (*Association, bool) {
	for i := range t.HasMany {
		if t.HasMany[i].Name == name {
			return &t.HasMany[i], true
		}
	}
	return nil, false
}

// IndexedFields returns the fields carrying an index, in declaration order
func (t *RecordType) IndexedFields() []Field {
	var indexed []Field
	for _, f := range t.Fields {
		if f.Index != IndexNone {
			indexed = append(indexed, f)
		}
	}
	return indexed
}

// ToSnakeCase converts a CamelCase type name to its snake_case struct name
func ToSnakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (!unicode.IsUpper(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
