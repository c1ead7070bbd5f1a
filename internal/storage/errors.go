package storage

import "errors"

// Storage errors shared by all backends.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists in a store that rejects duplicates.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient marks failures that are expected to succeed on retry:
	// lost connections, deadlocks, serialization failures.
	ErrTransient = errors.New("transient storage failure")
)

// IsTransient reports whether err is marked as transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
