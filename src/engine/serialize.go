package engine

import (
	"encoding/binary"
	"fmt"
	"math"

	"rodb/src/collection"
	"rodb/src/schema"
	"rodb/src/store"
)

// unresolvedSlot marks a struct word or join element that was written as
// null because its target record is not stored yet.
type unresolvedSlot struct {
	target     *store.Record
	wordOffset int

	inJoin     bool
	join       *store.JoinArea
	joinOffset uint64
	joinIndex  uint64
	tag        uint64
}

// encodeRecord lays the record out as its fixed-width struct, interning
// strings and allocating join ranges for reassigned plural associations.
// It returns the association slots actually encoded so the record can fold
// them in after the write lands.
func (db *Database) encodeRecord(rec *store.Record) ([]byte, []unresolvedSlot, map[string]store.OneRef, map[string]store.ManyRef, error) {
	typ := rec.Type()
	layout := typ.Layout()
	buf := make([]byte, layout.StructSize())
	putWord := func(word int, v uint64) {
		binary.LittleEndian.PutUint64(buf[word*schema.WordSize:], v)
	}

	var unresolved []unresolvedSlot
	ones := make(map[string]store.OneRef)
	manys := make(map[string]store.ManyRef)

	for _, f := range typ.Fields {
		word := layout.FieldOffsets[f.Name]
		switch f.Kind {
		case schema.Integer:
			putWord(word, uint64(rec.Int(f.Name)))
		case schema.Float:
			putWord(word, math.Float64bits(rec.Float(f.Name)))
		case schema.Bool:
			if rec.Bool(f.Name) {
				putWord(word, 1)
			}
		case schema.String:
			offset, length, err := db.strings.Intern(rec.Str(f.Name))
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("field %s.%s: %w", typ.Name, f.Name, err)
			}
			putWord(word, offset)
			putWord(word+1, length)
		}
	}

	for _, a := range typ.HasOne {
		word := layout.OneOffsets[a.Name]
		ref := rec.OneRef(a.Name)
		if target, assigned := rec.PendingOne(a.Name); assigned {
			switch {
			case target == nil:
				ref = store.OneRef{}
			case target.ID() != 0:
				ref = store.OneRef{ID: target.ID(), Tag: target.Type().ClassTag()}
			default:
				ref = store.OneRef{ID: 0, Tag: target.Type().ClassTag()}
				unresolved = append(unresolved, unresolvedSlot{
					target:     target,
					wordOffset: word,
					tag:        ref.Tag,
				})
			}
		}
		putWord(word, ref.ID)
		if a.Polymorphic {
			putWord(word+1, ref.Tag)
		}
		ones[a.Name] = ref
	}

	for _, a := range typ.HasMany {
		word := layout.ManyOffsets[a.Name]
		ref := rec.ManyRef(a.Name)
		if targets, assigned := rec.PendingMany(a.Name); assigned {
			encoded, pending, err := db.encodeJoinRange(a, targets)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("association %s.%s: %w", typ.Name, a.Name, err)
			}
			ref = encoded
			unresolved = append(unresolved, pending...)
		}
		putWord(word, ref.Count)
		putWord(word+1, ref.Offset)
		manys[a.Name] = ref
	}

	return buf, unresolved, ones, manys, nil
}

// encodeJoinRange drains a plural assignment into a fresh join range. The
// prior range, if any, is left behind as garbage.
func (db *Database) encodeJoinRange(a schema.Association, targets []*store.Record) (store.ManyRef, []unresolvedSlot, error) {
	area := db.joins
	if a.Polymorphic {
		area = db.polys
	}

	count := uint64(len(targets))
	if count == 0 {
		return store.ManyRef{}, nil, nil
	}
	offset, err := area.Allocate(count)
	if err != nil {
		return store.ManyRef{}, nil, err
	}

	var unresolved []unresolvedSlot
	for i, target := range targets {
		var id, tag uint64
		if target != nil {
			id = target.ID()
			tag = target.Type().ClassTag()
			if id == 0 {
				unresolved = append(unresolved, unresolvedSlot{
					target:     target,
					inJoin:     true,
					join:       area,
					joinOffset: offset,
					joinIndex:  uint64(i),
					tag:        tag,
				})
			}
		}
		if a.Polymorphic {
			err = area.SetPoly(offset, uint64(i), id, tag)
		} else {
			err = area.Set(offset, uint64(i), id)
		}
		if err != nil {
			return store.ManyRef{}, nil, err
		}
	}
	return store.ManyRef{Count: count, Offset: offset}, unresolved, nil
}

// decodeRecord materializes a stored record from its struct bytes
func (db *Database) decodeRecord(typ *schema.RecordType, rodID uint64) (*store.Record, error) {
	rs, err := db.storeFor(typ)
	if err != nil {
		return nil, err
	}
	structBytes, err := rs.ReadStruct(rodID)
	if err != nil {
		return nil, err
	}

	layout := typ.Layout()
	word := func(i int) uint64 {
		return binary.LittleEndian.Uint64(structBytes[i*schema.WordSize:])
	}

	rec := store.NewRecord(typ)
	for _, f := range typ.Fields {
		w := layout.FieldOffsets[f.Name]
		var value interface{}
		switch f.Kind {
		case schema.Integer:
			value = int64(word(w))
		case schema.Float:
			value = math.Float64frombits(word(w))
		case schema.Bool:
			value = word(w) != 0
		case schema.String:
			s, err := db.strings.Read(word(w), word(w+1))
			if err != nil {
				return nil, fmt.Errorf("field %s.%s of record %d: %w", typ.Name, f.Name, rodID, err)
			}
			value = s
		}
		if err := rec.Set(f.Name, value); err != nil {
			return nil, err
		}
	}

	for _, a := range typ.HasOne {
		w := layout.OneOffsets[a.Name]
		ref := store.OneRef{ID: word(w)}
		if a.Polymorphic {
			ref.Tag = word(w + 1)
		} else if target, err := db.registry.TargetOf(typ, a.Target); err == nil {
			ref.Tag = target.ClassTag()
		}
		rec.SetLoadedOne(a.Name, ref)
	}
	for _, a := range typ.HasMany {
		w := layout.ManyOffsets[a.Name]
		rec.SetLoadedMany(a.Name, store.ManyRef{Count: word(w), Offset: word(w + 1)})
	}

	rec.Attach(db, rodID)
	return rec, nil
}

// materializerFor builds the proxy callback resolving ids of (mostly) the
// given type; polymorphic tags that differ resolve through the registry.
func (db *Database) materializerFor(fallback *schema.RecordType) collection.Materializer {
	return func(classTag, rodID uint64) (*store.Record, error) {
		typ := fallback
		if classTag != fallback.ClassTag() {
			t, ok := db.registry.ByClassTag(classTag)
			if !ok {
				return nil, fmt.Errorf("%w: no type with class tag %x", schema.ErrUnknownType, classTag)
			}
			typ = t
		}
		return db.decodeRecord(typ, rodID)
	}
}
