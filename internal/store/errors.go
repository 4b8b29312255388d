package store

import "errors"

var (
	// ErrNotFound is returned when a lookup by id finds no matching row.
	ErrNotFound = errors.New("store: record not found")

	// ErrAlreadyExists is returned when a uniqueness constraint would be violated.
	ErrAlreadyExists = errors.New("store: record already exists")

	// ErrNilRecord is returned when a nil pointer is passed to a store method
	// that requires a populated record.
	ErrNilRecord = errors.New("store: record cannot be nil")
)
