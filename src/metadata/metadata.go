package metadata

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rodb/src/helpers"
	"rodb/src/schema"
)

// EngineKey is the top-level metadata key holding engine version and
// timestamps.
const EngineKey = "Rod"

// ErrIncompatibleSchema is returned when a runtime type diverges from its
// stored schema.
var ErrIncompatibleSchema = errors.New("runtime schema does not match the stored schema")

// Property is one field or association entry: a name plus its options,
// preserving declaration order in the YAML file.
type Property struct {
	Name    string
	Options map[string]string
}

// PropertyList is an ordered list of properties, serialized as a YAML
// mapping whose key order is the declaration order.
type PropertyList []Property

func (l PropertyList) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, p := range l {
		var key, value yaml.Node
		if err := key.Encode(p.Name); err != nil {
			return nil, err
		}
		if err := value.Encode(p.Options); err != nil {
			return nil, err
		}
		value.Style = yaml.FlowStyle
		node.Content = append(node.Content, &key, &value)
	}
	return node, nil
}

func (l *PropertyList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: property list must be a mapping", node.Line)
	}
	out := make(PropertyList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var p Property
		if err := node.Content[i].Decode(&p.Name); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&p.Options); err != nil {
			return err
		}
		out = append(out, p)
	}
	*l = out
	return nil
}

// Get returns the options of a named property
func (l PropertyList) Get(name string) (map[string]string, bool) {
	for _, p := range l {
		if p.Name == name {
			return p.Options, true
		}
	}
	return nil, false
}

// EngineInfo is the value of the top-level engine key
type EngineInfo struct {
	Version   string    `yaml:"version"`
	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// TypeMetadata is the stored schema and count of one record type
type TypeMetadata struct {
	Superclass string       `yaml:"superclass"`
	Count      uint64       `yaml:"count"`
	Fields     PropertyList `yaml:"fields"`
	HasOne     PropertyList `yaml:"has_one"`
	HasMany    PropertyList `yaml:"has_many"`
	Indexed    PropertyList `yaml:"indexed_properties"`
}

// NamedType pairs a type name with its metadata, preserving file order
type NamedType struct {
	Name string
	Meta TypeMetadata
}

// File is the in-memory form of database.yml
type File struct {
	Engine EngineInfo
	Types  []NamedType
}

// IsInternal reports whether a metadata key names an internal element store
// (string heap, join areas) rather than a user type.
func IsInternal(name string) bool {
	return strings.HasPrefix(name, "_")
}

// NewFile returns a metadata skeleton for a freshly created database
func NewFile(now time.Time) *File {
	return &File{
		Engine: EngineInfo{
			Version:   Version,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// Get returns the metadata of a named type
func (f *File) Get(name string) (*TypeMetadata, bool) {
	for i := range f.Types {
		if f.Types[i].Name == name {
			return &f.Types[i].Meta, true
		}
	}
	return nil, false
}

// Set replaces or appends a type entry, preserving existing order
func (f *File) Set(name string, meta TypeMetadata) {
	for i := range f.Types {
		if f.Types[i].Name == name {
			f.Types[i].Meta = meta
			return
		}
	}
	f.Types = append(f.Types, NamedType{Name: name, Meta: meta})
}

// Load reads and parses a metadata file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading metadata file %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("metadata file %s: %w", path, err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("metadata file %s: top level must be a mapping", path)
	}

	file := &File{}
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		var name string
		if err := root.Content[i].Decode(&name); err != nil {
			return nil, fmt.Errorf("metadata file %s: %w", path, err)
		}
		if name == EngineKey {
			if err := root.Content[i+1].Decode(&file.Engine); err != nil {
				return nil, fmt.Errorf("metadata file %s: %w", path, err)
			}
			continue
		}
		var meta TypeMetadata
		if err := root.Content[i+1].Decode(&meta); err != nil {
			return nil, fmt.Errorf("metadata file %s, type %s: %w", path, name, err)
		}
		file.Types = append(file.Types, NamedType{Name: name, Meta: meta})
	}
	return file, nil
}

// Save writes the metadata file atomically, engine key first, then types in
// declaration order.
func (f *File) Save(path string) error {
	root := &yaml.Node{Kind: yaml.MappingNode}

	appendEntry := func(name string, value interface{}) error {
		var key, node yaml.Node
		if err := key.Encode(name); err != nil {
			return err
		}
		if err := node.Encode(value); err != nil {
			return err
		}
		root.Content = append(root.Content, &key, &node)
		return nil
	}

	if err := appendEntry(EngineKey, f.Engine); err != nil {
		return fmt.Errorf("metadata file %s: %w", path, err)
	}
	for _, t := range f.Types {
		if err := appendEntry(t.Name, t.Meta); err != nil {
			return fmt.Errorf("metadata file %s, type %s: %w", path, t.Name, err)
		}
	}

	data, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("metadata file %s: %w", path, err)
	}
	return helpers.AtomicWriteFile(path, data)
}

// FromType captures a runtime type into its metadata form
func FromType(t *schema.RecordType, count uint64) TypeMetadata {
	meta := TypeMetadata{
		Superclass: t.Superclass,
		Count:      count,
	}
	for _, f := range t.Fields {
		options := map[string]string{"kind": string(f.Kind)}
		if f.Index != schema.IndexNone {
			options["index"] = string(f.Index)
		}
		meta.Fields = append(meta.Fields, Property{Name: f.Name, Options: options})
		if f.Index != schema.IndexNone {
			meta.Indexed = append(meta.Indexed, Property{
				Name:    f.Name,
				Options: map[string]string{"kind": string(f.Index)},
			})
		}
	}
	for _, a := range t.HasOne {
		meta.HasOne = append(meta.HasOne, Property{Name: a.Name, Options: assocOptions(a)})
	}
	for _, a := range t.HasMany {
		meta.HasMany = append(meta.HasMany, Property{Name: a.Name, Options: assocOptions(a)})
	}
	return meta
}

func assocOptions(a schema.Association) map[string]string {
	options := map[string]string{"target": a.Target}
	if a.Polymorphic {
		options["polymorphic"] = "true"
	}
	return options
}

// ToType rebuilds a runtime type from metadata. When namespace is not empty
// the type is named under it; association targets keep their bare names, which
// the registry resolves within the namespace first, and a non-polymorphic
// target absent from known is an error.
func (tm *TypeMetadata) ToType(name, namespace string, known map[string]bool) (*schema.RecordType, error) {
	fullName := name
	if namespace != "" {
		fullName = namespace + schema.NamespaceSeparator + name
	}

	t := &schema.RecordType{
		Name:       fullName,
		Superclass: tm.Superclass,
	}

	for _, p := range tm.Fields {
		kind, err := schema.ParseScalarKind(p.Options["kind"])
		if err != nil {
			return nil, fmt.Errorf("type %s, field %s: %w", name, p.Name, err)
		}
		field := schema.Field{Name: p.Name, Kind: kind}
		if idx, ok := tm.Indexed.Get(p.Name); ok {
			field.Index = schema.IndexKind(idx["kind"])
		}
		t.Fields = append(t.Fields, field)
	}
	for _, p := range tm.HasOne {
		t.HasOne = append(t.HasOne, assocFromOptions(p))
	}
	for _, p := range tm.HasMany {
		t.HasMany = append(t.HasMany, assocFromOptions(p))
	}

	// The registry resolves namespaced targets within the namespace first,
	// so targets only need remapping awareness for unknown names.
	if namespace != "" {
		for _, assocs := range [][]schema.Association{t.HasOne, t.HasMany} {
			for i := range assocs {
				if assocs[i].Target != "" && !known[assocs[i].Target] && !assocs[i].Polymorphic {
					return nil, fmt.Errorf("type %s: association %s targets %s, absent from metadata",
						name, assocs[i].Name, assocs[i].Target)
				}
			}
		}
	}
	return t, nil
}

func assocFromOptions(p Property) schema.Association {
	return schema.Association{
		Name:        p.Name,
		Target:      p.Options["target"],
		Polymorphic: p.Options["polymorphic"] == "true",
	}
}

// CompareType checks a runtime type against its stored schema. Every
// divergence in fields, associations, indexing or superclass is
// ErrIncompatibleSchema.
func CompareType(tm *TypeMetadata, t *schema.RecordType) error {
	stored := FromType(t, tm.Count)

	if tm.Superclass != stored.Superclass {
		return fmt.Errorf("%w: type %s superclass is %q, stored %q",
			ErrIncompatibleSchema, t.Name, stored.Superclass, tm.Superclass)
	}
	pairs := []struct {
		what    string
		file    PropertyList
		runtime PropertyList
	}{
		{"fields", tm.Fields, stored.Fields},
		{"has_one", tm.HasOne, stored.HasOne},
		{"has_many", tm.HasMany, stored.HasMany},
		{"indexed_properties", tm.Indexed, stored.Indexed},
	}
	for _, p := range pairs {
		if err := comparePropertyLists(p.file, p.runtime); err != nil {
			return fmt.Errorf("%w: type %s %s: %v", ErrIncompatibleSchema, t.Name, p.what, err)
		}
	}
	return nil
}

func comparePropertyLists(file, runtime PropertyList) error {
	if len(file) != len(runtime) {
		return fmt.Errorf("stored %d properties, runtime declares %d", len(file), len(runtime))
	}
	for i := range file {
		if file[i].Name != runtime[i].Name {
			return fmt.Errorf("property %d is %q, stored %q", i, runtime[i].Name, file[i].Name)
		}
		if len(file[i].Options) != len(runtime[i].Options) {
			return fmt.Errorf("property %q options diverge", file[i].Name)
		}
		for k, v := range file[i].Options {
			if runtime[i].Options[k] != v {
				return fmt.Errorf("property %q option %s is %q, stored %q",
					file[i].Name, k, runtime[i].Options[k], v)
			}
		}
	}
	return nil
}
