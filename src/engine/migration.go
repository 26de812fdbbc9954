package engine

import (
	"fmt"
	"os"

	"rodb/src/helpers"
	"rodb/src/pager"
	"rodb/src/schema"
	"rodb/src/store"
)

// MigrateFunc copies one type forward from its legacy store into the
// current one. It receives the controller with both namespaces open, the
// legacy type's full name and the current type's name.
type MigrateFunc func(db *Database, legacyName, currentName string) error

// migrate runs the migration protocol. The stored schema is synthesized
// under the legacy namespace, current types write to .new files next to the
// legacy data, hooks copy records forward, and a two-phase rename swaps the
// files so a failure leaves every type either all-legacy or all-new.
func (db *Database) migrate(opts OpenOptions) error {
	if opts.Readonly {
		return fmt.Errorf("migrate: %w", pager.ErrReadonly)
	}
	if err := db.generateTypes(LegacyNamespace); err != nil {
		return err
	}
	if err := db.registry.Resolve(); err != nil {
		return err
	}

	// Current types coexist with the legacy data through the .new suffix
	db.pathSuffix = make(map[string]string)
	var migrated []*schema.RecordType
	for _, t := range db.registry.Types() {
		if t.Namespace() != "" {
			continue
		}
		db.pathSuffix[t.Name] = newFileSuffix
		migrated = append(migrated, t)
		if err := helpers.RemoveFile(db.dataPath(t), db.logger); err != nil {
			return err
		}
	}

	if err := db.openFiles(false); err != nil {
		return err
	}
	if err := db.seedCounts(); err != nil {
		db.closeFiles()
		return err
	}
	db.open = true
	db.readonly = false
	db.logger.Infof("Migrating database at %s: %d types", db.path, len(migrated))

	for _, t := range migrated {
		legacyName := LegacyNamespace + schema.NamespaceSeparator + t.Name
		if _, ok := db.registry.Get(legacyName); !ok {
			// A type new in this schema version has nothing to copy
			continue
		}
		hook := opts.Hooks[t.Name]
		if hook == nil {
			hook = CopyForward
		}
		if err := hook(db, legacyName, t.Name); err != nil {
			return fmt.Errorf("migration of %s: %w", t.Name, err)
		}
	}

	if err := db.swapDataFiles(migrated); err != nil {
		return err
	}

	if err := db.Close(CloseOptions{SkipIndices: true}); err != nil {
		return err
	}

	reopen := opts
	reopen.Migrate = false
	reopen.Generate = false
	reopen.Hooks = nil
	if err := db.Open(reopen); err != nil {
		return err
	}

	// The migration close skipped index rewriting; rebuild from the copied
	// records so lookups see the new data.
	for _, t := range migrated {
		if err := db.Reindex(t.Name); err != nil {
			return err
		}
	}
	return nil
}

// swapDataFiles retires the legacy data under a .legacy suffix and promotes
// each .new file, then drops the legacy types from the registry.
func (db *Database) swapDataFiles(migrated []*schema.RecordType) error {
	for _, t := range migrated {
		legacyName := LegacyNamespace + schema.NamespaceSeparator + t.Name
		legacyType, hadLegacy := db.registry.Get(legacyName)

		newPath := db.dataPath(t)
		delete(db.pathSuffix, t.Name)
		currentPath := db.dataPath(t)

		if !helpers.FileExists(newPath, db.logger) {
			db.pathSuffix[t.Name] = newFileSuffix
			return fmt.Errorf("migration of %s: new data file %s is missing", t.Name, newPath)
		}
		if hadLegacy {
			if err := os.Rename(currentPath, currentPath+legacyFileSuffix); err != nil {
				return fmt.Errorf("failed to retire legacy data of %s: %w", t.Name, err)
			}
		}
		if err := os.Rename(newPath, currentPath); err != nil {
			// Put the legacy file back so the type stays all-legacy
			if hadLegacy {
				os.Rename(currentPath+legacyFileSuffix, currentPath)
			}
			db.pathSuffix[t.Name] = newFileSuffix
			return fmt.Errorf("failed to promote new data of %s: %w", t.Name, err)
		}

		if hadLegacy {
			if rs, ok := db.stores[legacyName]; ok {
				if err := rs.Close(); err != nil {
					return err
				}
				delete(db.stores, legacyName)
			}
			db.registry.Remove(legacyType.Name)
		}
	}
	return nil
}

// CopyForward is the default migration hook: it copies every record of the
// legacy type into the current one, carrying over the scalar fields and
// associations both schema versions declare. Rod ids are dense and copied in
// order, so stored references stay valid, and untouched join ranges are
// shared with the legacy data.
func CopyForward(db *Database, legacyName, currentName string) error {
	current, ok := db.registry.Get(currentName)
	if !ok {
		return fmt.Errorf("%w: %s", schema.ErrUnknownType, currentName)
	}
	legacy, ok := db.registry.Get(legacyName)
	if !ok {
		return fmt.Errorf("%w: %s", schema.ErrUnknownType, legacyName)
	}

	return db.Each(legacyName, func(old *store.Record) error {
		rec := store.NewRecord(current)
		for _, f := range current.Fields {
			lf, ok := legacy.Field(f.Name)
			if !ok || lf.Kind != f.Kind {
				continue
			}
			if value, ok := old.Value(f.Name); ok {
				if err := rec.Set(f.Name, value); err != nil {
					return err
				}
			}
		}
		for _, a := range current.HasOne {
			if _, ok := legacy.One(a.Name); ok {
				rec.SetLoadedOne(a.Name, old.OneRef(a.Name))
			}
		}
		for _, a := range current.HasMany {
			if _, ok := legacy.Many(a.Name); ok {
				rec.SetLoadedMany(a.Name, old.ManyRef(a.Name))
			}
		}
		_, err := db.Store(rec)
		return err
	})
}
