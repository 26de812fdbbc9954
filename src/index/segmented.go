package index

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"rodb/src/collection"
	"rodb/src/helpers"
	"rodb/src/store"
)

// segmentMeta pins the shard count of a segmented index so later opens keep
// hashing keys into the same buckets.
type segmentMeta struct {
	BucketCount uint32 `bson:"bucket_count"`
}

const segmentMetaFile = "_meta.idx"

// bucketData is the serialized form of one bucket file
type bucketData struct {
	Entries map[string]Range `bson:"entries"`
}

type bucket struct {
	entries map[string]*entry
	dirty   bool
}

// SegmentedIndex shards keys over bucket files by a stable hash. Buckets
// load on first access and only dirty buckets are rewritten on save, so an
// index may grow far past memory.
type SegmentedIndex struct {
	dir         string
	backing     Backing
	bucketCount uint32
	buckets     map[uint32]*bucket
	metaLoaded  bool
}

func NewSegmentedIndex(dir string, bucketCount int, backing Backing) *SegmentedIndex {
	if bucketCount <= 0 {
		bucketCount = 32
	}
	return &SegmentedIndex{
		dir:         dir,
		backing:     backing,
		bucketCount: uint32(bucketCount),
		buckets:     make(map[uint32]*bucket),
	}
}

func (si *SegmentedIndex) bucketPath(n uint32) string {
	return filepath.Join(si.dir, fmt.Sprintf("bucket_%03d.idx", n))
}

// loadMeta adopts the shard count a prior session persisted
func (si *SegmentedIndex) loadMeta() error {
	if si.metaLoaded {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(si.dir, segmentMetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			si.metaLoaded = true
			return nil
		}
		return fmt.Errorf("error reading index meta in %s: %w", si.dir, err)
	}
	var meta segmentMeta
	if err := helpers.DecodeBSON(data, &meta); err != nil {
		return fmt.Errorf("index meta in %s: %w", si.dir, err)
	}
	if meta.BucketCount > 0 {
		si.bucketCount = meta.BucketCount
	}
	si.metaLoaded = true
	return nil
}

func (si *SegmentedIndex) bucketOf(key string) uint32 {
	return uint32(xxhash.Sum64String(key) % uint64(si.bucketCount))
}

func (si *SegmentedIndex) loadBucket(n uint32) (*bucket, error) {
	if b, ok := si.buckets[n]; ok {
		return b, nil
	}

	b := &bucket{entries: make(map[string]*entry)}
	data, err := os.ReadFile(si.bucketPath(n))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading bucket file %s: %w", si.bucketPath(n), err)
	}
	if err == nil && len(data) > 0 {
		var file bucketData
		if err := helpers.DecodeBSON(data, &file); err != nil {
			return nil, fmt.Errorf("bucket file %s: %w", si.bucketPath(n), err)
		}
		for key, rng := range file.Entries {
			b.entries[key] = &entry{rng: rng, hasRange: true}
		}
	}
	si.buckets[n] = b
	return b, nil
}

// Get returns the collection stored under key, empty when absent
func (si *SegmentedIndex) Get(key interface{}) (*collection.Proxy, error) {
	if err := si.loadMeta(); err != nil {
		return nil, err
	}
	k, err := KeyString(key)
	if err != nil {
		return nil, err
	}
	b, err := si.loadBucket(si.bucketOf(k))
	if err != nil {
		return nil, err
	}
	e, ok := b.entries[k]
	if !ok {
		return si.backing.NewProxy(), nil
	}
	return e.open(si.backing), nil
}

// Put appends a reference under key and marks its bucket dirty
func (si *SegmentedIndex) Put(key interface{}, ref store.OneRef) error {
	if err := si.loadMeta(); err != nil {
		return err
	}
	k, err := KeyString(key)
	if err != nil {
		return err
	}
	b, err := si.loadBucket(si.bucketOf(k))
	if err != nil {
		return err
	}
	e, ok := b.entries[k]
	if !ok {
		e = &entry{}
		b.entries[k] = e
	}
	e.open(si.backing).Append(ref)
	b.dirty = true
	return nil
}

// Save flushes only the dirty buckets
func (si *SegmentedIndex) Save() error {
	if err := si.loadMeta(); err != nil {
		return err
	}
	if err := os.MkdirAll(si.dir, 0755); err != nil {
		return fmt.Errorf("error creating index directory %s: %w", si.dir, err)
	}

	meta, err := helpers.EncodeBSON(segmentMeta{BucketCount: si.bucketCount})
	if err != nil {
		return err
	}
	if err := helpers.AtomicWriteFile(filepath.Join(si.dir, segmentMetaFile), meta); err != nil {
		return err
	}

	for n, b := range si.buckets {
		if !b.dirty {
			continue
		}
		file := bucketData{Entries: make(map[string]Range, len(b.entries))}
		for key, e := range b.entries {
			if err := e.flush(si.backing); err != nil {
				return fmt.Errorf("index %s, key %q: %w", si.dir, key, err)
			}
			file.Entries[key] = e.rng
		}
		data, err := helpers.EncodeBSON(file)
		if err != nil {
			return fmt.Errorf("bucket %d of %s: %w", n, si.dir, err)
		}
		if err := helpers.AtomicWriteFile(si.bucketPath(n), data); err != nil {
			return err
		}
		b.dirty = false
	}
	return nil
}

// Purge removes the index directory with its buckets
func (si *SegmentedIndex) Purge() error {
	si.buckets = make(map[uint32]*bucket)
	si.metaLoaded = false
	return helpers.RemoveFile(si.dir, si.backing.Logger)
}
