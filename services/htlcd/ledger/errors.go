package ledger

import (
	"errors"
)

var (
	// ErrUnavailable indicates the ledger could not be reached; the call may be retried.
	ErrUnavailable = errors.New("ledger: unavailable")
	// ErrUnknownChain is returned when no adapter is registered for a chain.
	ErrUnknownChain = errors.New("ledger: unknown chain")
	// ErrLockNotFound is returned when the ledger has no record of a lock.
	ErrLockNotFound = errors.New("ledger: lock not found")
	// ErrHashAlreadyUsed is returned when the hash lock is bound to a different lock.
	ErrHashAlreadyUsed = errors.New("ledger: hash lock already used")
	// ErrLockRejected is returned when the ledger refuses to create the lock.
	ErrLockRejected = errors.New("ledger: lock rejected")
	// ErrInvalidSecret is returned when the preimage does not match the hash lock.
	ErrInvalidSecret = errors.New("ledger: invalid secret")
	// ErrAlreadyClaimed is returned when refunding a lock that was claimed.
	ErrAlreadyClaimed = errors.New("ledger: lock already claimed")
	// ErrAlreadyRefunded is returned when claiming a lock that was refunded.
	ErrAlreadyRefunded = errors.New("ledger: lock already refunded")
	// ErrLockExpired is returned when claiming after the timelock passed.
	ErrLockExpired = errors.New("ledger: lock expired")
	// ErrTimelockActive is returned when refunding before the timelock passed.
	// Callers defer the refund rather than treating it as a failure.
	ErrTimelockActive = errors.New("ledger: timelock still active")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var transient *transientError
	return errors.As(err, &transient)
}
