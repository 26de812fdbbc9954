package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"rodb/src/collection"
	"rodb/src/helpers"
	"rodb/src/index"
	"rodb/src/metadata"
	"rodb/src/pager"
	"rodb/src/schema"
	"rodb/src/settings"
	"rodb/src/store"
)

const (
	// MetadataFileName is the YAML sidecar under the database path
	MetadataFileName = "database.yml"

	// DataFileSuffix is the extension of every paged data file
	DataFileSuffix = ".dat"

	// IndexFileSuffix is the extension of flat index files
	IndexFileSuffix = ".idx"

	stringHeapName = "_string_element"
	joinName       = "_join_element"
	polyJoinName   = "_polymorphic_join_element"

	// LegacyNamespace shadows the stored schema during a migration
	LegacyNamespace = "Legacy"

	newFileSuffix    = ".new"
	legacyFileSuffix = ".legacy"
)

// OpenOptions controls how an existing database is opened
type OpenOptions struct {
	// Readonly maps the files without write access; every mutating
	// operation fails with pager.ErrReadonly
	Readonly bool

	// Generate synthesizes record types from the stored metadata under
	// Namespace instead of checking the runtime schema
	Generate  bool
	Namespace string

	// Migrate runs the migration protocol; Hooks may override the default
	// copy-forward per bare type name
	Migrate bool
	Hooks   map[string]MigrateFunc
}

// CloseOptions controls what work close performs
type CloseOptions struct {
	// SkipIndices leaves the index files untouched
	SkipIndices bool

	// PurgeTypes empties the type registry after closing
	PurgeTypes bool
}

// Database is the controller owning the file handles, memory maps, in-core
// schema and bookkeeping of one database directory. It is the single writer;
// no operation on it is safe to call concurrently with another.
type Database struct {
	path     string
	registry *schema.Registry
	logger   *zap.SugaredLogger

	open     bool
	readonly bool

	stores  map[string]*store.RecordStore
	indices map[string]map[string]index.Index
	strings *store.StringHeap
	joins   *store.JoinArea
	polys   *store.JoinArea

	meta  *metadata.File
	cache *collection.RecordCache

	// fixups waiting for a referenced record to be stored
	pending map[*store.Record][]fixup

	// data path suffix per type, used while a migration keeps old and new
	// files side by side
	pathSuffix map[string]string
}

// NewDatabase builds a controller for the database directory at path. The
// registry holds the runtime record types; a nil logger disables logging.
func NewDatabase(path string, registry *schema.Registry, logger *zap.SugaredLogger) *Database {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Database{
		path:     path,
		registry: registry,
		logger:   logger,
	}
}

// Path returns the database directory
func (db *Database) Path() string {
	return db.path
}

// Registry returns the controller's type registry
func (db *Database) Registry() *schema.Registry {
	return db.registry
}

// IsOpen reports whether the database is open
func (db *Database) IsOpen() bool {
	return db.open
}

// Readonly reports whether the database was opened without write access
func (db *Database) Readonly() bool {
	return db.readonly
}

func (db *Database) metadataPath() string {
	return filepath.Join(db.path, MetadataFileName)
}

func (db *Database) dataPath(t *schema.RecordType) string {
	return filepath.Join(db.path, t.StructName()+DataFileSuffix+db.pathSuffix[t.Name])
}

func (db *Database) elementPath(name string) string {
	return filepath.Join(db.path, name+DataFileSuffix)
}

func (db *Database) indexBasePath(t *schema.RecordType, field string) string {
	return filepath.Join(db.path, t.StructName()+"_"+field)
}

// Create initializes an empty database at the path, purging any stale files
// of the registered types, and leaves it open read-write.
func (db *Database) Create() error {
	if db.open {
		return fmt.Errorf("create %s: %w", db.path, ErrAlreadyOpen)
	}
	if err := db.registry.Resolve(); err != nil {
		return err
	}
	if err := os.MkdirAll(db.path, 0755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", db.path, err)
	}

	if err := helpers.RemoveFile(db.metadataPath(), db.logger); err != nil {
		return err
	}
	for _, name := range []string{stringHeapName, joinName, polyJoinName} {
		if err := helpers.RemoveFile(db.elementPath(name), db.logger); err != nil {
			return err
		}
	}
	for _, t := range db.registry.Types() {
		if err := db.purgeTypeFiles(t); err != nil {
			return err
		}
	}

	db.meta = metadata.NewFile(time.Now())
	if err := db.openFiles(false); err != nil {
		return err
	}
	db.open = true
	db.readonly = false
	db.logger.Infof("Created database at %s with %d types", db.path, len(db.registry.Types()))
	return nil
}

// purgeTypeFiles removes the data file and every possible index file of a
// type. Removals are traced when debug mode is on.
func (db *Database) purgeTypeFiles(t *schema.RecordType) error {
	if err := helpers.RemoveFile(db.dataPath(t), db.logger); err != nil {
		return err
	}
	for _, f := range t.IndexedFields() {
		base := db.indexBasePath(t, f.Name)
		// Both backends are purged; the index kind may have changed since
		// the files were written.
		if err := helpers.RemoveFile(base+IndexFileSuffix, db.logger); err != nil {
			return err
		}
		if err := helpers.RemoveFile(base, db.logger); err != nil {
			return err
		}
	}
	return nil
}

// Open loads an existing database: metadata, version gate, schema check (or
// type generation), counts, and the memory maps.
func (db *Database) Open(opts OpenOptions) error {
	if db.open {
		return fmt.Errorf("open %s: %w", db.path, ErrAlreadyOpen)
	}
	opts.Readonly = opts.Readonly || settings.GetSettings().Readonly

	meta, err := metadata.Load(db.metadataPath())
	if err != nil {
		return err
	}
	if err := metadata.CheckVersion(meta.Engine.Version, metadata.Version); err != nil {
		return err
	}
	db.meta = meta

	if opts.Migrate {
		return db.migrate(opts)
	}

	if opts.Generate {
		if err := db.generateTypes(opts.Namespace); err != nil {
			return err
		}
	}
	if err := db.registry.Resolve(); err != nil {
		return err
	}

	if !opts.Generate {
		for _, t := range db.registry.Types() {
			tm, ok := db.meta.Get(t.BareName())
			if !ok {
				return fmt.Errorf("%w: type %s is absent from the metadata",
					metadata.ErrIncompatibleSchema, t.Name)
			}
			if err := metadata.CompareType(tm, t); err != nil {
				return err
			}
		}
	}

	if err := db.openFiles(opts.Readonly); err != nil {
		return err
	}
	if err := db.seedCounts(); err != nil {
		db.closeFiles()
		return err
	}

	db.open = true
	db.readonly = opts.Readonly
	db.logger.Infof("Opened database at %s (readonly=%v)", db.path, opts.Readonly)
	return nil
}

// generateTypes synthesizes record types from the metadata under the given
// namespace, superclass roots first.
func (db *Database) generateTypes(namespace string) error {
	known := make(map[string]bool)
	for _, nt := range db.meta.Types {
		if !metadata.IsInternal(nt.Name) {
			known[nt.Name] = true
		}
	}

	byBareName := make(map[string]*schema.RecordType)
	for _, nt := range db.meta.Types {
		if metadata.IsInternal(nt.Name) {
			continue
		}
		t, err := nt.Meta.ToType(nt.Name, namespace, known)
		if err != nil {
			return err
		}
		byBareName[nt.Name] = t
	}

	for _, t := range schema.TopoBySuperclass(byBareName) {
		if err := db.registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// openFiles maps the element files, every type's data file, and builds the
// index objects.
func (db *Database) openFiles(readonly bool) error {
	cache, err := collection.NewRecordCache(settings.GetSettings().RecordCacheSize)
	if err != nil {
		return err
	}
	db.cache = cache
	db.pending = make(map[*store.Record][]fixup)
	db.stores = make(map[string]*store.RecordStore)
	db.indices = make(map[string]map[string]index.Index)
	if db.pathSuffix == nil {
		db.pathSuffix = make(map[string]string)
	}

	if db.strings, err = store.OpenStringHeap(db.elementPath(stringHeapName), readonly, db.logger); err != nil {
		return err
	}
	if db.joins, err = store.OpenJoinArea(db.elementPath(joinName), false, readonly, db.logger); err != nil {
		return err
	}
	if db.polys, err = store.OpenJoinArea(db.elementPath(polyJoinName), true, readonly, db.logger); err != nil {
		return err
	}

	for _, t := range db.registry.Types() {
		rs, err := store.OpenRecordStore(db.dataPath(t), t, readonly, db.logger)
		if err != nil {
			return err
		}
		db.stores[t.Name] = rs

		for _, f := range t.IndexedFields() {
			idx, err := db.buildIndex(t, f)
			if err != nil {
				return err
			}
			if db.indices[t.Name] == nil {
				db.indices[t.Name] = make(map[string]index.Index)
			}
			db.indices[t.Name][f.Name] = idx
		}
	}
	return nil
}

// buildIndex wires one indexed field to its backend
func (db *Database) buildIndex(t *schema.RecordType, f schema.Field) (index.Index, error) {
	base := db.indexBasePath(t, f.Name)
	path := base
	if f.Index == schema.IndexFlat {
		path = base + IndexFileSuffix
	}

	backing := index.Backing{
		NewProxy: func() *collection.Proxy {
			return collection.NewProxy(db.joins, db.materializerFor(t), db.cache, 0, 0, false, t.ClassTag())
		},
		ProxyFor: func(rng index.Range) *collection.Proxy {
			return collection.NewProxy(db.joins, db.materializerFor(t), db.cache, rng.Offset, int(rng.Count), false, t.ClassTag())
		},
		Drain:  db.drainProxy,
		Logger: db.logger,
	}
	return index.New(f.Index, path, settings.GetSettings().IndexBuckets, backing)
}

// drainProxy copies a proxy's elements into a freshly allocated join range
func (db *Database) drainProxy(p *collection.Proxy) (index.Range, error) {
	n := uint64(p.Size())
	offset, err := db.joins.Allocate(n)
	if err != nil {
		return index.Range{}, err
	}
	i := uint64(0)
	err = p.EachID(func(ref store.OneRef) error {
		if err := db.joins.Set(offset, i, ref.ID); err != nil {
			return err
		}
		i++
		return nil
	})
	if err != nil {
		return index.Range{}, err
	}
	return index.Range{Offset: offset, Count: n}, nil
}

// seedCounts adopts the append counts the metadata recorded at the last
// close and validates them against the file sizes.
func (db *Database) seedCounts() error {
	for _, t := range db.registry.Types() {
		rs := db.stores[t.Name]
		if db.pathSuffix[t.Name] != "" {
			// A migration target starts over in a fresh file
			continue
		}
		tm, ok := db.meta.Get(t.BareName())
		if !ok {
			continue
		}
		capacity := uint64(rs.PageCount() * rs.RecordsPerPage())
		if tm.Count > capacity {
			return fmt.Errorf("type %s: metadata count %d exceeds file capacity %d: %w",
				t.Name, tm.Count, capacity, pager.ErrCorruptLayout)
		}
		rs.SeedCount(tm.Count)
	}

	if tm, ok := db.meta.Get(stringHeapName); ok {
		db.strings.SeedUsed(tm.Count)
	}
	if tm, ok := db.meta.Get(joinName); ok {
		db.joins.SeedCount(tm.Count)
	}
	if tm, ok := db.meta.Get(polyJoinName); ok {
		db.polys.SeedCount(tm.Count)
	}
	return nil
}

// Close flushes indices and metadata, then unmaps and closes every file.
// Fails with ErrDanglingReferences while referenced-but-unstored records
// remain.
func (db *Database) Close(opts CloseOptions) error {
	if !db.open {
		return fmt.Errorf("close %s: %w", db.path, ErrNotOpen)
	}

	if !db.readonly {
		if len(db.pending) > 0 {
			return fmt.Errorf("%w: %d objects", ErrDanglingReferences, len(db.pending))
		}

		if !opts.SkipIndices {
			for typeName, byField := range db.indices {
				for field, idx := range byField {
					if err := idx.Save(); err != nil {
						return fmt.Errorf("failed to flush index %s.%s: %w", typeName, field, err)
					}
				}
			}
		}

		if err := db.writeMetadata(); err != nil {
			return err
		}
	}

	err := db.closeFiles()
	db.open = false
	if opts.PurgeTypes {
		db.registry.Purge()
	}
	if err != nil {
		return err
	}
	db.logger.Infof("Closed database at %s", db.path)
	return nil
}

// writeMetadata captures the registry and the element counts into the
// sidecar, stamping updated_at.
func (db *Database) writeMetadata() error {
	for _, t := range db.registry.Types() {
		rs, ok := db.stores[t.Name]
		if !ok {
			continue
		}
		db.meta.Set(t.BareName(), metadata.FromType(t, rs.Count()))
	}
	db.meta.Set(stringHeapName, metadata.TypeMetadata{Count: db.strings.Used()})
	db.meta.Set(joinName, metadata.TypeMetadata{Count: db.joins.Count()})
	db.meta.Set(polyJoinName, metadata.TypeMetadata{Count: db.polys.Count()})

	db.meta.Engine.Version = metadata.Version
	db.meta.Engine.UpdatedAt = time.Now()
	return db.meta.Save(db.metadataPath())
}

// closeFiles unmaps and closes everything, aggregating failures
func (db *Database) closeFiles() error {
	var errs error
	for _, rs := range db.stores {
		errs = multierr.Append(errs, rs.Close())
	}
	if db.strings != nil {
		errs = multierr.Append(errs, db.strings.Close())
	}
	if db.joins != nil {
		errs = multierr.Append(errs, db.joins.Close())
	}
	if db.polys != nil {
		errs = multierr.Append(errs, db.polys.Close())
	}
	if db.cache != nil {
		db.cache.Close()
	}
	db.stores = nil
	db.indices = nil
	db.strings = nil
	db.joins = nil
	db.polys = nil
	db.cache = nil
	db.pending = nil
	return errs
}

func (db *Database) storeFor(typ *schema.RecordType) (*store.RecordStore, error) {
	rs, ok := db.stores[typ.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownType, typ.Name)
	}
	return rs, nil
}

// Store appends an unstored record (assigning its rod id) or rewrites a
// stored one in place. References to unstored records are written as null
// and patched once the target is stored; they must all resolve before close.
func (db *Database) Store(rec *store.Record) (uint64, error) {
	if !db.open {
		return 0, fmt.Errorf("store: %w", ErrNotOpen)
	}
	if db.readonly {
		return 0, fmt.Errorf("store: %w", pager.ErrReadonly)
	}
	rs, err := db.storeFor(rec.Type())
	if err != nil {
		return 0, err
	}

	structBytes, unresolved, ones, manys, err := db.encodeRecord(rec)
	if err != nil {
		return 0, err
	}

	isNew := rec.ID() == 0
	id := rec.ID()
	if isNew {
		if id, err = rs.Append(structBytes); err != nil {
			return 0, err
		}
	} else if err := rs.WriteStruct(id, structBytes); err != nil {
		return 0, err
	}

	rec.Attach(db, id)
	rec.CommitAssociations(ones, manys)
	db.registerFixups(rec.Type(), id, unresolved)
	if err := db.resolveFixups(rec); err != nil {
		return 0, err
	}

	if isNew {
		ref := store.OneRef{ID: id, Tag: rec.Type().ClassTag()}
		for field, idx := range db.indices[rec.Type().Name] {
			if err := idx.Put(db.fieldValue(rec, field), ref); err != nil {
				return 0, err
			}
		}
	}
	return id, nil
}

// fieldValue reads a scalar in its canonical form, defaulting to the kind's
// zero value when unset.
func (db *Database) fieldValue(rec *store.Record, field string) interface{} {
	f, _ := rec.Type().Field(field)
	switch f.Kind {
	case schema.Integer:
		return rec.Int(field)
	case schema.Float:
		return rec.Float(field)
	case schema.Bool:
		return rec.Bool(field)
	default:
		return rec.Str(field)
	}
}

// registerFixups records where null slots were written for each unstored
// target.
func (db *Database) registerFixups(typ *schema.RecordType, id uint64, unresolved []unresolvedSlot) {
	for _, slot := range unresolved {
		fx := fixup{
			structType: typ.Name,
			structID:   id,
			wordOffset: slot.wordOffset,
			inJoin:     slot.inJoin,
			join:       slot.join,
			joinOffset: slot.joinOffset,
			joinIndex:  slot.joinIndex,
			tag:        slot.tag,
		}
		db.pending[slot.target] = append(db.pending[slot.target], fx)
	}
}

// resolveFixups patches every slot that was waiting for rec to be stored
func (db *Database) resolveFixups(rec *store.Record) error {
	fixups, ok := db.pending[rec]
	if !ok {
		return nil
	}
	for _, fx := range fixups {
		if fx.inJoin {
			if fx.join.Polymorphic() {
				if err := fx.join.SetPoly(fx.joinOffset, fx.joinIndex, rec.ID(), fx.tag); err != nil {
					return err
				}
			} else if err := fx.join.Set(fx.joinOffset, fx.joinIndex, rec.ID()); err != nil {
				return err
			}
			continue
		}
		rs, err := db.storeFor(db.mustType(fx.structType))
		if err != nil {
			return err
		}
		if err := rs.WriteWord(fx.structID, fx.wordOffset, rec.ID()); err != nil {
			return err
		}
	}
	delete(db.pending, rec)
	return nil
}

func (db *Database) mustType(name string) *schema.RecordType {
	t, _ := db.registry.Get(name)
	return t
}

// fixup is one slot waiting for its target's rod id
type fixup struct {
	structType string
	structID   uint64
	wordOffset int

	inJoin     bool
	join       *store.JoinArea
	joinOffset uint64
	joinIndex  uint64
	tag        uint64
}
