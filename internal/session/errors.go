package session

import "errors"

var (
	// ErrNotFound reports an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyRegistered reports a duplicate Register for a live id.
	ErrAlreadyRegistered = errors.New("session already registered")
	// ErrEngineConstruction reports a failed engine build or start.
	ErrEngineConstruction = errors.New("engine construction failed")
	// ErrEngineRuntime reports a feed or stop failure on a live engine.
	ErrEngineRuntime = errors.New("engine runtime failure")
)
