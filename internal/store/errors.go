package store

import "errors"

var (
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
	// ErrStatusMismatch reports a conditional instance update that found the
	// row in a different status or version than expected.
	ErrStatusMismatch = errors.New("status mismatch")
)
