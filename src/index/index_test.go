package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rodb/src/collection"
	"rodb/src/schema"
	"rodb/src/store"
)

// testBacking drains proxies into a real scalar join area so ranges survive
// a save/load cycle the way the engine wires them.
func testBacking(t *testing.T) (Backing, *store.JoinArea) {
	t.Helper()
	ja, err := store.OpenJoinArea(filepath.Join(t.TempDir(), "_join_element.dat"), false, false, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { ja.Close() })

	typ := &schema.RecordType{Name: "Fred"}
	backing := Backing{
		NewProxy: func() *collection.Proxy {
			return collection.NewProxy(ja, nil, nil, 0, 0, false, typ.ClassTag())
		},
		ProxyFor: func(rng Range) *collection.Proxy {
			return collection.NewProxy(ja, nil, nil, rng.Offset, int(rng.Count), false, typ.ClassTag())
		},
		Drain: func(p *collection.Proxy) (Range, error) {
			n := uint64(p.Size())
			offset, err := ja.Allocate(n)
			if err != nil {
				return Range{}, err
			}
			i := uint64(0)
			err = p.EachID(func(ref store.OneRef) error {
				if err := ja.Set(offset, i, ref.ID); err != nil {
					return err
				}
				i++
				return nil
			})
			return Range{Offset: offset, Count: n}, err
		},
		Logger: zap.NewNop().Sugar(),
	}
	return backing, ja
}

func collectIDs(t *testing.T, p *collection.Proxy) []uint64 {
	t.Helper()
	var ids []uint64
	require.NoError(t, p.EachID(func(ref store.OneRef) error {
		ids = append(ids, ref.ID)
		return nil
	}))
	return ids
}

func TestKeyString(t *testing.T) {
	cases := []struct {
		key  interface{}
		want string
	}{
		{int64(42), "i:42"},
		{"male", "s:male"},
		{true, "b:true"},
		{float64(2.5), "f:2.5"},
		{nil, "n:"},
	}
	for _, c := range cases {
		got, err := KeyString(c.key)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}

	_, err := KeyString(struct{}{})
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("flat")
	require.NoError(t, err)
	assert.Equal(t, schema.IndexFlat, kind)

	_, err = ParseKind("btree")
	assert.ErrorIs(t, err, ErrInvalidIndexKind)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	backing, _ := testBacking(t)
	_, err := New(schema.IndexKind("hash"), "x", 8, backing)
	assert.ErrorIs(t, err, ErrInvalidIndexKind)
}

func TestFlatIndexRoundTrip(t *testing.T) {
	backing, _ := testBacking(t)
	path := filepath.Join(t.TempDir(), "fred_sex.idx")

	idx := NewFlatIndex(path, backing)
	tag := uint64(1)
	require.NoError(t, idx.Put("female", store.OneRef{ID: 2, Tag: tag}))
	require.NoError(t, idx.Put("female", store.OneRef{ID: 3, Tag: tag}))
	require.NoError(t, idx.Put("male", store.OneRef{ID: 1, Tag: tag}))
	require.NoError(t, idx.Save())

	reloaded := NewFlatIndex(path, backing)
	p, err := reloaded.Get("female")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, collectIDs(t, p), "insertion order within a key")

	p, err = reloaded.Get("other")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Size(), "absent keys yield an empty collection")
}

func TestFlatIndexMissingFileIsEmpty(t *testing.T) {
	backing, _ := testBacking(t)
	idx := NewFlatIndex(filepath.Join(t.TempDir(), "missing.idx"), backing)

	p, err := idx.Get("anything")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Size())
}

func TestFlatIndexCleanEntriesKeepRanges(t *testing.T) {
	backing, ja := testBacking(t)
	path := filepath.Join(t.TempDir(), "fred_sex.idx")

	idx := NewFlatIndex(path, backing)
	require.NoError(t, idx.Put("male", store.OneRef{ID: 1, Tag: 1}))
	require.NoError(t, idx.Save())
	allocatedAfterFirstSave := ja.Count()

	// An untouched reload must not reallocate any join range
	reloaded := NewFlatIndex(path, backing)
	require.NoError(t, reloaded.Save())
	assert.Equal(t, allocatedAfterFirstSave, ja.Count())

	// Appending dirties the key and forces a fresh range
	require.NoError(t, reloaded.Put("male", store.OneRef{ID: 2, Tag: 1}))
	require.NoError(t, reloaded.Save())
	assert.Greater(t, ja.Count(), allocatedAfterFirstSave)

	final := NewFlatIndex(path, backing)
	p, err := final.Get("male")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, collectIDs(t, p))
}

func TestSegmentedIndexRoundTrip(t *testing.T) {
	backing, _ := testBacking(t)
	dir := filepath.Join(t.TempDir(), "fred_sex")

	idx := NewSegmentedIndex(dir, 4, backing)
	for i := uint64(1); i <= 20; i++ {
		key := int64(i % 5)
		require.NoError(t, idx.Put(key, store.OneRef{ID: i, Tag: 1}))
	}
	require.NoError(t, idx.Save())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1, "buckets and the meta file are on disk")

	reloaded := NewSegmentedIndex(dir, 4, backing)
	p, err := reloaded.Get(int64(3))
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 8, 13, 18}, collectIDs(t, p))
}

func TestSegmentedIndexFlushesOnlyDirtyBuckets(t *testing.T) {
	backing, _ := testBacking(t)
	dir := filepath.Join(t.TempDir(), "fred_age")

	idx := NewSegmentedIndex(dir, 8, backing)
	for i := uint64(1); i <= 16; i++ {
		require.NoError(t, idx.Put(int64(i), store.OneRef{ID: i, Tag: 1}))
	}
	require.NoError(t, idx.Save())

	var before int
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	before = len(entries)

	// Touch a single key; only its bucket may be rewritten
	reloaded := NewSegmentedIndex(dir, 8, backing)
	require.NoError(t, reloaded.Put(int64(1), store.OneRef{ID: 17, Tag: 1}))
	require.NoError(t, reloaded.Save())

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, before, len(entries), "no new bucket files appear for an existing key")

	final := NewSegmentedIndex(dir, 8, backing)
	p, err := final.Get(int64(1))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 17}, collectIDs(t, p))
}

func TestSegmentedIndexAdoptsPersistedBucketCount(t *testing.T) {
	backing, _ := testBacking(t)
	dir := filepath.Join(t.TempDir(), "fred_age")

	idx := NewSegmentedIndex(dir, 4, backing)
	require.NoError(t, idx.Put(int64(1), store.OneRef{ID: 1, Tag: 1}))
	require.NoError(t, idx.Save())

	// Open with a different configured shard count; the persisted count wins
	reloaded := NewSegmentedIndex(dir, 64, backing)
	p, err := reloaded.Get(int64(1))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, collectIDs(t, p))
}
