// Package model defines the error taxonomy shared by the store, the
// reconciler and the HTTP layer.
package model

import "errors"

var (
	// ErrValidation marks a missing or malformed field on a message, member
	// or receipt. It is surfaced to callers as a client error.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks an attempt to create a record whose key already exists.
	ErrConflict = errors.New("already exists")

	// ErrNotFound marks a lookup or status update that matched no record.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable marks a persistence layer that cannot be reached
	// or has been closed.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnrecognizedPayload marks a batch unit that is neither a
	// message-insert nor a status-update payload.
	ErrUnrecognizedPayload = errors.New("unrecognized payload")
)
