package engine

/*

The on-disk layout of a database directory:

	database.yml                     metadata: version, per-type schema, counts
	<struct_name>.dat                fixed-width struct array, one per type
	_string_element.dat              UTF-8 byte heap for string fields
	_join_element.dat                packed rod ids for plural associations
	_polymorphic_join_element.dat    packed (rod id, class tag) pairs
	<struct_name>_<field>.idx        flat index, one BSON map per file
	<struct_name>_<field>/           segmented index, one BSON map per bucket

Every .dat file grows in whole pages and stays memory mapped while the
database is open. Records are addressed by their dense 1-based rod id:

	slot      = (rod_id - 1)
	page      = slot / records_per_page
	offset    = page * page_size + (slot % records_per_page) * struct_size

A struct holds one machine word per scalar (two for strings: heap offset and
byte length), one word per singular association (two when polymorphic), and a
(count, offset) pair per plural association pointing into the join area.

Join ranges are never reclaimed. Reassigning a plural association or
rewriting a dirty index entry allocates a fresh range at the tail and leaves
the old one behind; the files only ever grow.

During migration the current schema writes to <struct_name>.dat.new while
the stored schema stays readable under the Legacy namespace. The swap
renames the old file to .legacy before promoting .new, so a failure leaves
each type either all-legacy or all-new.

*/
