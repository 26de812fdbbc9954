package index

import (
	"fmt"
	"os"

	"rodb/src/collection"
	"rodb/src/helpers"
	"rodb/src/store"
)

// flatFile is the serialized form of a whole flat index
type flatFile struct {
	Entries map[string]Range `bson:"entries"`
}

// FlatIndex persists one monolithic BSON map per index. The whole map loads
// on first access; saves rewrite the file atomically.
type FlatIndex struct {
	path    string
	backing Backing
	entries map[string]*entry
	loaded  bool
}

func NewFlatIndex(path string, backing Backing) *FlatIndex {
	return &FlatIndex{
		path:    path,
		backing: backing,
		entries: make(map[string]*entry),
	}
}

func (fi *FlatIndex) load() error {
	if fi.loaded {
		return nil
	}

	data, err := os.ReadFile(fi.path)
	if err != nil {
		if os.IsNotExist(err) {
			fi.loaded = true
			return nil
		}
		return fmt.Errorf("error reading index file %s: %w", fi.path, err)
	}
	if len(data) > 0 {
		var file flatFile
		if err := helpers.DecodeBSON(data, &file); err != nil {
			return fmt.Errorf("index file %s: %w", fi.path, err)
		}
		for key, rng := range file.Entries {
			fi.entries[key] = &entry{rng: rng, hasRange: true}
		}
	}
	fi.loaded = true
	return nil
}

// Get returns the collection stored under key, empty when absent
func (fi *FlatIndex) Get(key interface{}) (*collection.Proxy, error) {
	if err := fi.load(); err != nil {
		return nil, err
	}
	k, err := KeyString(key)
	if err != nil {
		return nil, err
	}
	e, ok := fi.entries[k]
	if !ok {
		return fi.backing.NewProxy(), nil
	}
	return e.open(fi.backing), nil
}

// Put appends a reference under key
func (fi *FlatIndex) Put(key interface{}, ref store.OneRef) error {
	if err := fi.load(); err != nil {
		return err
	}
	k, err := KeyString(key)
	if err != nil {
		return err
	}
	e, ok := fi.entries[k]
	if !ok {
		e = &entry{}
		fi.entries[k] = e
	}
	e.open(fi.backing).Append(ref)
	return nil
}

// Save drains dirty entries into fresh join ranges and rewrites the file
func (fi *FlatIndex) Save() error {
	if err := fi.load(); err != nil {
		return err
	}

	file := flatFile{Entries: make(map[string]Range, len(fi.entries))}
	for key, e := range fi.entries {
		if err := e.flush(fi.backing); err != nil {
			return fmt.Errorf("index %s, key %q: %w", fi.path, key, err)
		}
		file.Entries[key] = e.rng
	}

	data, err := helpers.EncodeBSON(file)
	if err != nil {
		return fmt.Errorf("index %s: %w", fi.path, err)
	}
	return helpers.AtomicWriteFile(fi.path, data)
}

// Purge removes the index file
func (fi *FlatIndex) Purge() error {
	fi.entries = make(map[string]*entry)
	fi.loaded = false
	return helpers.RemoveFile(fi.path, fi.backing.Logger)
}
