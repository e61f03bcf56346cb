package broadcast

import "errors"

// Transition rejections. These are returned as values for the command layer
// to translate into user-facing text; they are never fatal.
var (
	ErrNotFound       = errors.New("request not found")
	ErrAlreadyClaimed = errors.New("request already claimed")
	ErrNotClaimed     = errors.New("request not claimed")
	// ErrExpired covers any transition attempted on a terminal record
	// (expired or done).
	ErrExpired   = errors.New("request expired")
	ErrForbidden = errors.New("actor not allowed")

	ErrTTLRange = errors.New("ttl out of range")
)

// PersistenceError marks a mutation whose durable write failed. The
// in-memory state is rolled back; silent data loss is the one unacceptable
// outcome here, so this always surfaces to the caller.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return "persist state: " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
