package registry

import "errors"

var (
	// ErrForbidden is returned when a principal attempts an operation
	// reserved for the owner.
	ErrForbidden = errors.New("forbidden")

	// ErrCapacityExceeded is returned when a principal already holds the
	// maximum number of channels.
	ErrCapacityExceeded = errors.New("channel capacity exceeded")

	// ErrDuplicateChannel is returned when the destination is already
	// registered for the principal.
	ErrDuplicateChannel = errors.New("channel already registered")

	// ErrNotFound is returned when the admin or channel to remove does not
	// exist.
	ErrNotFound = errors.New("not found")
)
