package store

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rodb/src/pager"
	"rodb/src/schema"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func fredType() *schema.RecordType {
	return &schema.RecordType{
		Name: "Fred",
		Fields: []schema.Field{
			{Name: "age", Kind: schema.Integer},
			{Name: "sex", Kind: schema.String},
		},
	}
}

func openFredStore(t *testing.T) *RecordStore {
	t.Helper()
	typ := fredType()
	rs, err := OpenRecordStore(filepath.Join(t.TempDir(), typ.StructName()+".dat"), typ, false, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return rs
}

func fredStruct(age uint64) []byte {
	buf := make([]byte, 3*schema.WordSize)
	binary.LittleEndian.PutUint64(buf, age)
	return buf
}

func TestAppendAssignsDenseIds(t *testing.T) {
	rs := openFredStore(t)

	for want := uint64(1); want <= 5; want++ {
		id, err := rs.Append(fredStruct(want))
		require.NoError(t, err)
		assert.Equal(t, want, id, "rod ids are dense and 1-based")
	}
	assert.Equal(t, uint64(5), rs.Count())
}

func TestReadStructRoundTrip(t *testing.T) {
	rs := openFredStore(t)

	id, err := rs.Append(fredStruct(42))
	require.NoError(t, err)

	got, err := rs.ReadStruct(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(got))
}

func TestReadStructOutOfRange(t *testing.T) {
	rs := openFredStore(t)
	_, err := rs.Append(fredStruct(1))
	require.NoError(t, err)

	_, err = rs.ReadStruct(0)
	assert.ErrorIs(t, err, ErrOutOfRange, "id 0 is the null id")

	_, err = rs.ReadStruct(2)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestAppendSpillsOntoNewPages(t *testing.T) {
	rs := openFredStore(t)

	perPage := rs.RecordsPerPage()
	for i := int64(0); i < perPage+1; i++ {
		_, err := rs.Append(fredStruct(uint64(i)))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), rs.PageCount(), "one record past the first page forces a second")

	got, err := rs.ReadStruct(uint64(perPage + 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(perPage), binary.LittleEndian.Uint64(got))
}

func TestWriteWordPatchesSlot(t *testing.T) {
	rs := openFredStore(t)
	id, err := rs.Append(fredStruct(7))
	require.NoError(t, err)

	require.NoError(t, rs.WriteWord(id, 0, 99))
	got, err := rs.ReadStruct(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), binary.LittleEndian.Uint64(got))
}

func TestStringHeapRoundTrip(t *testing.T) {
	sh, err := OpenStringHeap(filepath.Join(t.TempDir(), "_string_element.dat"), false, testLogger())
	require.NoError(t, err)
	defer sh.Close()

	off1, len1, err := sh.Intern("héllo")
	require.NoError(t, err)
	off2, len2, err := sh.Intern("héllo")
	require.NoError(t, err)
	assert.NotEqual(t, off1, off2, "the heap does not deduplicate")

	s, err := sh.Read(off1, len1)
	require.NoError(t, err)
	assert.Equal(t, "héllo", s)
	s, err = sh.Read(off2, len2)
	require.NoError(t, err)
	assert.Equal(t, "héllo", s)
}

func TestStringHeapEmptyString(t *testing.T) {
	sh, err := OpenStringHeap(filepath.Join(t.TempDir(), "_string_element.dat"), false, testLogger())
	require.NoError(t, err)
	defer sh.Close()

	off, length, err := sh.Intern("")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), length)

	s, err := sh.Read(off, length)
	require.NoError(t, err)
	assert.Equal(t, "", s)
	assert.Equal(t, uint64(0), sh.Used())
}

func TestStringHeapRejectsBadRange(t *testing.T) {
	sh, err := OpenStringHeap(filepath.Join(t.TempDir(), "_string_element.dat"), false, testLogger())
	require.NoError(t, err)
	defer sh.Close()

	_, _, err = sh.Intern("abc")
	require.NoError(t, err)

	_, err = sh.Read(1, 5)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestJoinAreaScalar(t *testing.T) {
	ja, err := OpenJoinArea(filepath.Join(t.TempDir(), "_join_element.dat"), false, false, testLogger())
	require.NoError(t, err)
	defer ja.Close()

	off, err := ja.Allocate(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, ja.Set(off, i, i+10))
	}
	for i := uint64(0); i < 3; i++ {
		id, err := ja.Get(off, i)
		require.NoError(t, err)
		assert.Equal(t, i+10, id)
	}

	next, err := ja.Allocate(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next, "allocations are contiguous at the tail")

	_, err = ja.Get(next, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestJoinAreaPolymorphic(t *testing.T) {
	ja, err := OpenJoinArea(filepath.Join(t.TempDir(), "_polymorphic_join_element.dat"), true, false, testLogger())
	require.NoError(t, err)
	defer ja.Close()

	off, err := ja.Allocate(2)
	require.NoError(t, err)
	require.NoError(t, ja.SetPoly(off, 0, 7, 0xabc))
	require.NoError(t, ja.SetPoly(off, 1, 0, 0))

	id, tag, err := ja.GetPoly(off, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	assert.Equal(t, uint64(0xabc), tag)

	id, _, err = ja.GetPoly(off, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id, "null elements keep their position")
}

func TestJoinAreaReadonly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "_join_element.dat")

	rw, err := OpenJoinArea(path, false, false, testLogger())
	require.NoError(t, err)
	off, err := rw.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, rw.Set(off, 0, 1))
	require.NoError(t, rw.Close())

	ro, err := OpenJoinArea(path, false, true, testLogger())
	require.NoError(t, err)
	defer ro.Close()
	ro.SeedCount(1)

	assert.ErrorIs(t, ro.Set(0, 0, 2), pager.ErrReadonly)
}

func TestRecordScalars(t *testing.T) {
	rec := NewRecord(fredType())

	require.NoError(t, rec.Set("age", 42))
	require.NoError(t, rec.Set("sex", "male"))
	assert.Equal(t, int64(42), rec.Int("age"))
	assert.Equal(t, "male", rec.Str("sex"))

	err := rec.Set("age", "old")
	assert.ErrorIs(t, err, ErrKindMismatch)

	err = rec.Set("salary", 10)
	assert.ErrorIs(t, err, ErrUnknownProperty)
}

func TestRecordPendingAssociations(t *testing.T) {
	user := &schema.RecordType{
		Name:    "User",
		HasOne:  []schema.Association{{Name: "boss", Target: "User"}},
		HasMany: []schema.Association{{Name: "friends", Target: "User"}},
	}

	rec := NewRecord(user)
	boss := NewRecord(user)
	require.NoError(t, rec.SetOne("boss", boss))
	require.NoError(t, rec.SetMany("friends", []*Record{boss, nil}))

	got, err := rec.One("boss")
	require.NoError(t, err)
	assert.Same(t, boss, got)

	friends, err := rec.Many("friends")
	require.NoError(t, err)
	assert.Equal(t, 2, friends.Size())

	second, err := friends.Get(1)
	require.NoError(t, err)
	assert.Nil(t, second, "nil targets stay null")
}
