package domain

import "errors"

// Command-level error taxonomy. Callers match with errors.Is; lower layers
// wrap these with fmt.Errorf("...: %w", ...) to add detail.
var (
	// ErrUnauthorized means no acting identity was supplied.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the identity is known but is not an active member,
	// or its membership is muted for the attempted write.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound means a referenced chat, message or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation means a required field is missing or out of range.
	ErrValidation = errors.New("validation failed")
	// ErrConflict means a concurrent uniqueness violation; resolvable by
	// re-reading, so it normally never reaches the caller.
	ErrConflict = errors.New("conflict")
)
