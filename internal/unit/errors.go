package unit

import "errors"

var (
	// ErrNotFound is returned when a unit ID does not exist.
	ErrNotFound = errors.New("unit: not found")

	// ErrExists is returned when creating a unit with an ID that already exists.
	ErrExists = errors.New("unit: already exists")

	// ErrInvalid is returned when unit validation fails.
	ErrInvalid = errors.New("unit: invalid")
)
