package transport

import (
	"errors"
	"time"
)

// Delivery failures come in two classes. Adapters do the platform-specific
// mapping; the fan-out layer only looks at the class:
//
//   - permanent: the recipient will never accept this delivery again
//     (bot kicked/blocked, chat deleted). The recipient gets dropped.
//   - transient: worth trying again later (rate limit, network hiccup).
//     The round is skipped for that recipient.
//
// Anything unclassified is treated as transient by IsPermanent.

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent delivery failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

type TransientError struct {
	Err        error
	RetryAfter time.Duration // 0 when the platform gave no hint
}

func (e *TransientError) Error() string { return "transient delivery failure: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func Transient(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter extracts the platform backoff hint, if any.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
