package store

import "errors"

// Sentinel errors returned by store operations. The transport layer maps
// these to HTTP status codes with errors.Is.
var (
	// ErrNotFound indicates an unknown or tombstoned session id, or a
	// missing archive id.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a malformed import payload or an otherwise
	// invalid request argument.
	ErrValidation = errors.New("validation failed")
)
