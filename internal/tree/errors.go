package tree

import "errors"

// Sentinel errors for engine operations. Check with errors.Is().
var (
	// ErrNotFound covers both genuinely missing records and records owned
	// by a different user. The two are deliberately indistinguishable so
	// a caller cannot learn which session IDs exist.
	ErrNotFound = errors.New("session or node not found")

	// ErrEmptyMessage indicates a blank user message.
	ErrEmptyMessage = errors.New("message must not be empty")

	// ErrConflict indicates a structural mutation lost a race and could
	// not be applied safely. Callers may retry.
	ErrConflict = errors.New("concurrent modification conflict")
)
