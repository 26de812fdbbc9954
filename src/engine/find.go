package engine

import (
	"fmt"

	"rodb/src/collection"
	"rodb/src/index"
	"rodb/src/pager"
	"rodb/src/schema"
	"rodb/src/store"
)

// Fetch materializes one record by rod id
func (db *Database) Fetch(typeName string, rodID uint64) (*store.Record, error) {
	if !db.open {
		return nil, fmt.Errorf("fetch: %w", ErrNotOpen)
	}
	typ, ok := db.registry.Get(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownType, typeName)
	}

	if rec, ok := db.cache.Get(typ.ClassTag(), rodID); ok {
		return rec, nil
	}
	rec, err := db.decodeRecord(typ, rodID)
	if err != nil {
		return nil, err
	}
	db.cache.Put(typ.ClassTag(), rodID, rec)
	return rec, nil
}

// Count returns the number of stored records of a type
func (db *Database) Count(typeName string) (uint64, error) {
	if !db.open {
		return 0, fmt.Errorf("count: %w", ErrNotOpen)
	}
	typ, ok := db.registry.Get(typeName)
	if !ok {
		return 0, fmt.Errorf("%w: %s", schema.ErrUnknownType, typeName)
	}
	rs, err := db.storeFor(typ)
	if err != nil {
		return 0, err
	}
	return rs.Count(), nil
}

// Each yields every stored record of a type in rod id order
func (db *Database) Each(typeName string, fn func(*store.Record) error) error {
	count, err := db.Count(typeName)
	if err != nil {
		return err
	}
	for id := uint64(1); id <= count; id++ {
		rec, err := db.Fetch(typeName, id)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// FindBy looks a key up in the field's index and returns the matching
// records as a collection, empty when the key is absent.
func (db *Database) FindBy(typeName, field string, key interface{}) (store.Collection, error) {
	if !db.open {
		return nil, fmt.Errorf("find_by: %w", ErrNotOpen)
	}
	typ, ok := db.registry.Get(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownType, typeName)
	}
	f, ok := typ.Field(field)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", store.ErrUnknownProperty, typeName, field)
	}
	idx, ok := db.indices[typeName][field]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", index.ErrNotIndexed, typeName, field)
	}

	normalized, err := store.NormalizeScalar(f.Kind, key)
	if err != nil {
		return nil, fmt.Errorf("find_by %s.%s: %w", typeName, field, err)
	}
	return idx.Get(normalized)
}

// Reindex rebuilds every index of a type by scanning its records. Used
// after a migration, whose close skips index rewriting.
func (db *Database) Reindex(typeName string) error {
	if !db.open {
		return fmt.Errorf("reindex: %w", ErrNotOpen)
	}
	if db.readonly {
		return fmt.Errorf("reindex: %w", pager.ErrReadonly)
	}
	typ, ok := db.registry.Get(typeName)
	if !ok {
		return fmt.Errorf("%w: %s", schema.ErrUnknownType, typeName)
	}

	byField := db.indices[typeName]
	if len(byField) == 0 {
		return nil
	}
	for field, idx := range byField {
		if err := idx.Purge(); err != nil {
			return fmt.Errorf("failed to purge index %s.%s: %w", typeName, field, err)
		}
	}

	tag := typ.ClassTag()
	return db.Each(typeName, func(rec *store.Record) error {
		ref := store.OneRef{ID: rec.ID(), Tag: tag}
		for field, idx := range byField {
			if err := idx.Put(db.fieldValue(rec, field), ref); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResolveOne materializes the target of a singular association on behalf of
// a record, nil for null.
func (db *Database) ResolveOne(rec *store.Record, name string) (*store.Record, error) {
	a, ok := rec.Type().One(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", store.ErrUnknownProperty, rec.Type().Name, name)
	}
	ref := rec.OneRef(name)
	if ref.IsNull() {
		return nil, nil
	}

	var typ *schema.RecordType
	if a.Polymorphic {
		t, ok := db.registry.ByClassTag(ref.Tag)
		if !ok {
			return nil, fmt.Errorf("%w: no type with class tag %x", schema.ErrUnknownType, ref.Tag)
		}
		typ = t
	} else {
		t, err := db.registry.TargetOf(rec.Type(), a.Target)
		if err != nil {
			return nil, err
		}
		typ = t
	}
	return db.Fetch(typ.Name, ref.ID)
}

// ResolveMany builds the collection proxy of a plural association on behalf
// of a record.
func (db *Database) ResolveMany(rec *store.Record, name string) (store.Collection, error) {
	a, ok := rec.Type().Many(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", store.ErrUnknownProperty, rec.Type().Name, name)
	}
	ref := rec.ManyRef(name)

	area := db.joins
	defaultTag := uint64(0)
	fallback := rec.Type()
	if a.Polymorphic {
		area = db.polys
	} else {
		target, err := db.registry.TargetOf(rec.Type(), a.Target)
		if err != nil {
			return nil, err
		}
		defaultTag = target.ClassTag()
		fallback = target
	}
	return collection.NewProxy(area, db.materializerFor(fallback), db.cache,
		ref.Offset, int(ref.Count), a.Polymorphic, defaultTag), nil
}
