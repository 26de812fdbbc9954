package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rodb/src/index"
	"rodb/src/metadata"
	"rodb/src/pager"
	"rodb/src/schema"
	"rodb/src/store"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func fredType() *schema.RecordType {
	return &schema.RecordType{
		Name: "Fred",
		Fields: []schema.Field{
			{Name: "age", Kind: schema.Integer},
			{Name: "sex", Kind: schema.String, Index: schema.IndexFlat},
		},
	}
}

func fredRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(fredType()))
	return reg
}

func createFredDatabase(t *testing.T) (*Database, string) {
	t.Helper()
	dir := t.TempDir()
	db := NewDatabase(dir, fredRegistry(t), testLogger())
	require.NoError(t, db.Create())
	return db, dir
}

func storeFred(t *testing.T, db *Database, age int64, sex string) *store.Record {
	t.Helper()
	typ, _ := db.Registry().Get("Fred")
	rec := store.NewRecord(typ)
	require.NoError(t, rec.Set("age", age))
	require.NoError(t, rec.Set("sex", sex))
	_, err := db.Store(rec)
	require.NoError(t, err)
	return rec
}

func TestCreateStoreReopen(t *testing.T) {
	db, dir := createFredDatabase(t)

	storeFred(t, db, 2, "male")
	storeFred(t, db, 8, "female")
	storeFred(t, db, 8, "female")
	require.NoError(t, db.Close(CloseOptions{}))

	reopened := NewDatabase(dir, fredRegistry(t), testLogger())
	require.NoError(t, reopened.Open(OpenOptions{Readonly: true}))
	defer reopened.Close(CloseOptions{})

	count, err := reopened.Count("Fred")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	females, err := reopened.FindBy("Fred", "sex", "female")
	require.NoError(t, err)
	assert.Equal(t, 2, females.Size())

	first, err := reopened.Fetch("Fred", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Int("age"))
	assert.Equal(t, "male", first.Str("sex"))
}

func TestUnstoredMutationIsNotPersisted(t *testing.T) {
	db, dir := createFredDatabase(t)

	rec := storeFred(t, db, 2, "male")
	require.NoError(t, rec.Set("age", 3))
	require.NoError(t, db.Close(CloseOptions{}))

	reopened := NewDatabase(dir, fredRegistry(t), testLogger())
	require.NoError(t, reopened.Open(OpenOptions{}))
	defer reopened.Close(CloseOptions{})

	first, err := reopened.Fetch("Fred", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Int("age"), "mutation without re-store is dropped")
}

func TestRestorePersistsMutation(t *testing.T) {
	db, dir := createFredDatabase(t)

	rec := storeFred(t, db, 2, "male")
	require.NoError(t, rec.Set("age", 3))
	_, err := db.Store(rec)
	require.NoError(t, err)
	require.NoError(t, db.Close(CloseOptions{}))

	reopened := NewDatabase(dir, fredRegistry(t), testLogger())
	require.NoError(t, reopened.Open(OpenOptions{}))
	defer reopened.Close(CloseOptions{})

	first, err := reopened.Fetch("Fred", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), first.Int("age"))

	count, err := reopened.Count("Fred")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count, "re-store rewrites in place")
}

func userFileRegistry(t *testing.T, polymorphic bool) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(&schema.RecordType{
		Name:   "UserFile",
		Fields: []schema.Field{{Name: "path", Kind: schema.String}},
	}))
	require.NoError(t, reg.Register(&schema.RecordType{
		Name:    "User",
		Fields:  []schema.Field{{Name: "name", Kind: schema.String}},
		HasMany: []schema.Association{{Name: "files", Target: "UserFile", Polymorphic: polymorphic}},
	}))
	return reg
}

func TestPluralAssociationOrder(t *testing.T) {
	dir := t.TempDir()
	db := NewDatabase(dir, userFileRegistry(t, false), testLogger())
	require.NoError(t, db.Create())

	fileType, _ := db.Registry().Get("UserFile")
	var files []*store.Record
	for _, path := range []string{"a.txt", "b.txt", "c.txt"} {
		f := store.NewRecord(fileType)
		require.NoError(t, f.Set("path", path))
		_, err := db.Store(f)
		require.NoError(t, err)
		files = append(files, f)
	}

	userType, _ := db.Registry().Get("User")
	user := store.NewRecord(userType)
	require.NoError(t, user.Set("name", "ann"))
	require.NoError(t, user.SetMany("files", files))
	_, err := db.Store(user)
	require.NoError(t, err)
	require.NoError(t, db.Close(CloseOptions{}))

	reopened := NewDatabase(dir, userFileRegistry(t, false), testLogger())
	require.NoError(t, reopened.Open(OpenOptions{}))
	defer reopened.Close(CloseOptions{})

	loaded, err := reopened.Fetch("User", 1)
	require.NoError(t, err)
	collection, err := loaded.Many("files")
	require.NoError(t, err)
	require.Equal(t, 3, collection.Size())

	for i, want := range []string{"a.txt", "b.txt", "c.txt"} {
		f, err := collection.Get(i)
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Equal(t, want, f.Str("path"), "element order is preserved across reopen")
	}
}

func TestPolymorphicPluralWithNull(t *testing.T) {
	dir := t.TempDir()
	db := NewDatabase(dir, userFileRegistry(t, true), testLogger())
	require.NoError(t, db.Create())

	fileType, _ := db.Registry().Get("UserFile")
	f1 := store.NewRecord(fileType)
	require.NoError(t, f1.Set("path", "a.txt"))
	_, err := db.Store(f1)
	require.NoError(t, err)
	f2 := store.NewRecord(fileType)
	require.NoError(t, f2.Set("path", "b.txt"))
	_, err = db.Store(f2)
	require.NoError(t, err)

	userType, _ := db.Registry().Get("User")
	user := store.NewRecord(userType)
	require.NoError(t, user.SetMany("files", []*store.Record{f1, nil, f2}))
	_, err = db.Store(user)
	require.NoError(t, err)
	require.NoError(t, db.Close(CloseOptions{}))

	reopened := NewDatabase(dir, userFileRegistry(t, true), testLogger())
	require.NoError(t, reopened.Open(OpenOptions{}))
	defer reopened.Close(CloseOptions{})

	loaded, err := reopened.Fetch("User", 1)
	require.NoError(t, err)
	collection, err := loaded.Many("files")
	require.NoError(t, err)
	require.Equal(t, 3, collection.Size())

	middle, err := collection.Get(1)
	require.NoError(t, err)
	assert.Nil(t, middle, "the null element keeps its position")

	last, err := collection.Get(2)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "b.txt", last.Str("path"))
}

func TestSchemaMismatchOnSwappedFields(t *testing.T) {
	dir := t.TempDir()

	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(&schema.RecordType{
		Name: "User",
		Fields: []schema.Field{
			{Name: "name", Kind: schema.String},
			{Name: "surname", Kind: schema.String},
		},
	}))
	db := NewDatabase(dir, reg, testLogger())
	require.NoError(t, db.Create())
	require.NoError(t, db.Close(CloseOptions{}))

	swapped := schema.NewRegistry()
	require.NoError(t, swapped.Register(&schema.RecordType{
		Name: "User",
		Fields: []schema.Field{
			{Name: "surname", Kind: schema.String},
			{Name: "name", Kind: schema.String},
		},
	}))
	reopened := NewDatabase(dir, swapped, testLogger())
	err := reopened.Open(OpenOptions{})
	assert.ErrorIs(t, err, metadata.ErrIncompatibleSchema)
}

func TestVersionGate(t *testing.T) {
	db, dir := createFredDatabase(t)
	require.NoError(t, db.Close(CloseOptions{}))

	metaPath := filepath.Join(dir, MetadataFileName)
	meta, err := metadata.Load(metaPath)
	require.NoError(t, err)
	meta.Engine.Version = "1.7.2"
	require.NoError(t, meta.Save(metaPath))

	reopened := NewDatabase(dir, fredRegistry(t), testLogger())
	err = reopened.Open(OpenOptions{})
	assert.ErrorIs(t, err, metadata.ErrIncompatibleVersion)
}

func TestReadonlyRejectsStore(t *testing.T) {
	db, dir := createFredDatabase(t)
	storeFred(t, db, 2, "male")
	require.NoError(t, db.Close(CloseOptions{}))

	reopened := NewDatabase(dir, fredRegistry(t), testLogger())
	require.NoError(t, reopened.Open(OpenOptions{Readonly: true}))
	defer reopened.Close(CloseOptions{})

	typ, _ := reopened.Registry().Get("Fred")
	rec := store.NewRecord(typ)
	require.NoError(t, rec.Set("age", 1))
	_, err := reopened.Store(rec)
	assert.ErrorIs(t, err, pager.ErrReadonly)
}

func TestLifecycleErrors(t *testing.T) {
	db, _ := createFredDatabase(t)
	assert.ErrorIs(t, db.Create(), ErrAlreadyOpen)
	assert.ErrorIs(t, db.Open(OpenOptions{}), ErrAlreadyOpen)

	require.NoError(t, db.Close(CloseOptions{}))
	assert.ErrorIs(t, db.Close(CloseOptions{}), ErrNotOpen)

	_, err := db.Count("Fred")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestDanglingReferenceBlocksClose(t *testing.T) {
	dir := t.TempDir()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(&schema.RecordType{
		Name:   "User",
		Fields: []schema.Field{{Name: "name", Kind: schema.String}},
		HasOne: []schema.Association{{Name: "boss", Target: "User"}},
	}))
	db := NewDatabase(dir, reg, testLogger())
	require.NoError(t, db.Create())

	typ, _ := db.Registry().Get("User")
	boss := store.NewRecord(typ)
	require.NoError(t, boss.Set("name", "boss"))

	worker := store.NewRecord(typ)
	require.NoError(t, worker.Set("name", "worker"))
	require.NoError(t, worker.SetOne("boss", boss))
	_, err := db.Store(worker)
	require.NoError(t, err)

	assert.ErrorIs(t, db.Close(CloseOptions{}), ErrDanglingReferences)

	// Storing the referenced record patches the slot and unblocks close
	_, err = db.Store(boss)
	require.NoError(t, err)
	require.NoError(t, db.Close(CloseOptions{}))

	reopened := NewDatabase(dir, reg, testLogger())
	require.NoError(t, reopened.Open(OpenOptions{}))
	defer reopened.Close(CloseOptions{})

	loaded, err := reopened.Fetch("User", 1)
	require.NoError(t, err)
	resolved, err := loaded.One("boss")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "boss", resolved.Str("name"))
	assert.Equal(t, uint64(2), resolved.ID())
}

func TestNullSingularAssociation(t *testing.T) {
	dir := t.TempDir()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(&schema.RecordType{
		Name:   "User",
		Fields: []schema.Field{{Name: "name", Kind: schema.String}},
		HasOne: []schema.Association{{Name: "boss", Target: "User"}},
	}))
	db := NewDatabase(dir, reg, testLogger())
	require.NoError(t, db.Create())

	typ, _ := db.Registry().Get("User")
	rec := store.NewRecord(typ)
	require.NoError(t, rec.Set("name", "solo"))
	require.NoError(t, rec.SetOne("boss", nil))
	_, err := db.Store(rec)
	require.NoError(t, err)
	require.NoError(t, db.Close(CloseOptions{}))

	reopened := NewDatabase(dir, reg, testLogger())
	require.NoError(t, reopened.Open(OpenOptions{}))
	defer reopened.Close(CloseOptions{})

	loaded, err := reopened.Fetch("User", 1)
	require.NoError(t, err)
	boss, err := loaded.One("boss")
	require.NoError(t, err)
	assert.Nil(t, boss, "a null singular association survives reopen")
}

func TestIdDensityAndPageAlignment(t *testing.T) {
	db, dir := createFredDatabase(t)

	const n = 300
	for i := int64(1); i <= n; i++ {
		storeFred(t, db, i, "x")
	}
	require.NoError(t, db.Close(CloseOptions{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != DataFileSuffix {
			continue
		}
		info, err := e.Info()
		require.NoError(t, err)
		assert.Zero(t, info.Size()%pager.PageSize, "%s must stay page aligned", e.Name())
	}

	reopened := NewDatabase(dir, fredRegistry(t), testLogger())
	require.NoError(t, reopened.Open(OpenOptions{}))
	defer reopened.Close(CloseOptions{})

	seen := uint64(0)
	require.NoError(t, reopened.Each("Fred", func(rec *store.Record) error {
		seen++
		assert.Equal(t, seen, rec.ID(), "rod ids form the contiguous set 1..count")
		return nil
	}))
	assert.Equal(t, uint64(n), seen)
}

func TestIndexCoverage(t *testing.T) {
	db, dir := createFredDatabase(t)

	ages := []int64{2, 8, 8, 2, 5}
	sexes := []string{"male", "female", "female", "female", "male"}
	for i := range ages {
		storeFred(t, db, ages[i], sexes[i])
	}
	require.NoError(t, db.Close(CloseOptions{}))

	reopened := NewDatabase(dir, fredRegistry(t), testLogger())
	require.NoError(t, reopened.Open(OpenOptions{}))
	defer reopened.Close(CloseOptions{})

	for _, sex := range []string{"male", "female"} {
		found, err := reopened.FindBy("Fred", "sex", sex)
		require.NoError(t, err)

		var want []uint64
		for i := range sexes {
			if sexes[i] == sex {
				want = append(want, uint64(i+1))
			}
		}
		var got []uint64
		require.NoError(t, found.EachID(func(ref store.OneRef) error {
			got = append(got, ref.ID)
			return nil
		}))
		assert.Equal(t, want, got, "find_by %q returns exactly the matching records", sex)
	}

	_, err := reopened.FindBy("Fred", "age", int64(8))
	assert.ErrorIs(t, err, index.ErrNotIndexed)
}

func TestGenerateTypesFromMetadata(t *testing.T) {
	db, dir := createFredDatabase(t)
	storeFred(t, db, 2, "male")
	require.NoError(t, db.Close(CloseOptions{}))

	// Open with an empty registry and synthesize the schema from metadata
	generated := NewDatabase(dir, schema.NewRegistry(), testLogger())
	require.NoError(t, generated.Open(OpenOptions{Generate: true, Namespace: "Gen"}))
	defer generated.Close(CloseOptions{SkipIndices: true})

	count, err := generated.Count("Gen::Fred")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	rec, err := generated.Fetch("Gen::Fred", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Int("age"))
	assert.Equal(t, "male", rec.Str("sex"))
}
