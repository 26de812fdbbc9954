package engine

import "errors"

var (
	// ErrAlreadyOpen is returned when create or open is invoked on an open
	// database
	ErrAlreadyOpen = errors.New("database is already open")

	// ErrNotOpen is returned when an operation requires an open database
	ErrNotOpen = errors.New("database is not open")

	// ErrDanglingReferences is returned on close while stored records still
	// reference objects that were never stored
	ErrDanglingReferences = errors.New("referenced objects remain unstored")
)
