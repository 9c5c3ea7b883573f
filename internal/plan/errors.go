package plan

import "errors"

var (
	// ErrRemoteUnavailable signals the remote store could not be reached or
	// is not configured. A populated local catalog is never discarded on it.
	ErrRemoteUnavailable = errors.New("plan: remote store unavailable")

	// ErrRemoteWriteFailed signals a remote write failed after the local
	// optimistic mutation was applied. The local state is retained.
	ErrRemoteWriteFailed = errors.New("plan: remote write failed")

	// ErrNotFound signals an operation referenced a plan id absent from the
	// catalog.
	ErrNotFound = errors.New("plan: not found")
)
