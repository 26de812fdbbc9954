package collection

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"rodb/src/store"
)

// RecordCache is the shared, bounded cache of materialized records.
// Ristretto holds a strong reference to every record it admits until it
// evicts that record under cost pressure, so a cached record stays in memory
// until eviction even when no caller retains it; it is not a weak cache. A
// miss simply re-materializes from the mapped file.
type RecordCache struct {
	cache *ristretto.Cache[string, *store.Record]
}

// NewRecordCache builds a cache bounded to roughly maxRecords entries
func NewRecordCache(maxRecords int64) (*RecordCache, error) {
	if maxRecords <= 0 {
		maxRecords = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *store.Record]{
		NumCounters: maxRecords * 10,
		MaxCost:     maxRecords,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build record cache: %w", err)
	}
	return &RecordCache{cache: cache}, nil
}

func cacheKey(classTag, rodID uint64) string {
	return fmt.Sprintf("%x/%d", classTag, rodID)
}

// Get returns a cached record, if ristretto still holds it
func (rc *RecordCache) Get(classTag, rodID uint64) (*store.Record, bool) {
	return rc.cache.Get(cacheKey(classTag, rodID))
}

// Put offers a materialized record to the cache
func (rc *RecordCache) Put(classTag, rodID uint64, rec *store.Record) {
	rc.cache.Set(cacheKey(classTag, rodID), rec, 1)
}

// Close releases the cache
func (rc *RecordCache) Close() {
	rc.cache.Close()
}
