package store

import "errors"

var (
	// ErrNotFound indicates the referenced entity id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates an optimistic update lost the race:
	// the row moved past the version the caller read. Retryable after a
	// fresh read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyResolved indicates a conflict resolution replay against a
	// conflict that already reached a terminal status.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrBackendUnavailable indicates a backing store cannot be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
)
