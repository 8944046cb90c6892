package store

import "errors"

// Sentinel errors returned by Store implementations. Callers match them with
// errors.Is.
var (
	// ErrInvalidArgument marks structurally invalid input, such as an empty
	// chunk text or a blank entity name.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks a lookup of a record that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDanglingReference marks a write that references a missing entity.
	ErrDanglingReference = errors.New("dangling entity reference")
)
