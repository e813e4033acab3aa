package session

import "errors"

// Sentinel errors for session operations. Part of the Store's public API;
// check with errors.Is().
var (
	// ErrNoActiveSession indicates an operation required a current session
	// and none is selected. Recoverable: create or select a session.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists indicates an import would overwrite an existing
	// session. Imports never overwrite silently.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionBusy indicates another orchestration cycle holds the
	// session's write slot. Concurrent interleaved writes to one session
	// are not permitted; history order is a correctness invariant.
	ErrSessionBusy = errors.New("session busy")

	// ErrInvalidSession indicates a session is missing required fields or
	// has an ID unusable as a storage key.
	ErrInvalidSession = errors.New("invalid session")

	// ErrStoreLocked indicates the storage directory is held by another
	// process.
	ErrStoreLocked = errors.New("session store locked by another process")
)
