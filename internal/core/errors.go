// Package core holds the record types and error taxonomy shared by every
// registry component.
package core

import "errors"

// Sentinel errors. Adapters wrap these with fmt.Errorf("%w: ...") so callers
// can branch with errors.Is.
var (
	// ErrInvalidArgument marks a malformed request. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a store that cannot currently answer.
	ErrUnavailable = errors.New("unavailable")

	// ErrConflict marks a uniqueness constraint violation in the primary store.
	ErrConflict = errors.New("constraint violation")

	// ErrTransient marks a secondary write that failed but may succeed on retry.
	ErrTransient = errors.New("transient write failure")
)
