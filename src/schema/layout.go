package schema

// WordSize is the width of one struct word in bytes. Every slot in a record
// struct is word-aligned.
const WordSize = 8

// Layout gives the word offset of every field and association slot within a
// type's fixed-width struct.
type Layout struct {
	// Words is the total struct width in words
	Words int

	// FieldOffsets maps field name to the word offset of its first slot.
	// Strings occupy two words (heap offset, byte length); every other
	// scalar occupies one.
	FieldOffsets map[string]int

	// OneOffsets maps singular association name to its first slot. A
	// polymorphic association occupies two words (rod id, class tag).
	OneOffsets map[string]int

	// ManyOffsets maps plural association name to its (count, offset) pair
	ManyOffsets map[string]int
}

// StructSize is the struct width in bytes
func (l *Layout) StructSize() int {
	return l.Words * WordSize
}

func scalarWords(kind ScalarKind) int {
	if kind == String {
		return 2
	}
	return 1
}

// Layout computes (and caches) the struct layout of the type. Slots are laid
// out in declaration order: scalar fields, then singular associations, then
// plural associations.
func (t *RecordType) Layout() *Layout {
	if t.layout != nil {
		return t.layout
	}

	l := &Layout{
		FieldOffsets: make(map[string]int),
		OneOffsets:   make(map[string]int),
		ManyOffsets:  make(map[string]int),
	}

	word := 0
	for _, f := range t.Fields {
		l.FieldOffsets[f.Name] = word
		word += scalarWords(f.Kind)
	}
	for _, a := range t.HasOne {
		l.OneOffsets[a.Name] = word
		word++
		if a.Polymorphic {
			word++
		}
	}
	for _, a := range t.HasMany {
		l.ManyOffsets[a.Name] = word
		word += 2
	}

	l.Words = word
	t.layout = l
	return l
}
