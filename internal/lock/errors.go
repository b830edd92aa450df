package lock

import (
	"errors"
	"fmt"
	"time"
)

// Common errors for advisory locking operations.
var (
	// ErrAcquireTimeout is returned when every acquisition attempt was refused or failed.
	ErrAcquireTimeout = errors.New("lock acquisition timed out")

	// ErrAlreadyHeld is returned by a non-blocking acquisition when someone else holds the lock.
	ErrAlreadyHeld = errors.New("lock already held")

	// ErrNotHeld is logged when a release finds nothing to release. It is never
	// returned by Release: the engine may already have dropped the lock.
	ErrNotHeld = errors.New("lock not held")

	// ErrConnection marks transport and database failures.
	ErrConnection = errors.New("lock connection failure")

	// ErrLockNotAvailable is returned by Session.Lock when the per-attempt
	// timeout expired before the lock was granted.
	ErrLockNotAvailable = errors.New("lock not available within timeout")
)

// AcquireTimeoutError is returned when attempts are exhausted without a grant.
type AcquireTimeoutError struct {
	Key      string
	Timeout  time.Duration
	Attempts int
	// Cause is the last infrastructure failure, nil if every attempt was plain contention.
	Cause error
}

func (e *AcquireTimeoutError) Error() string {
	msg := fmt.Sprintf("failed to acquire lock %q after %d attempts (timeout %s)", e.Key, e.Attempts, e.Timeout)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AcquireTimeoutError) Is(target error) bool {
	return target == ErrAcquireTimeout
}

func (e *AcquireTimeoutError) Unwrap() error {
	return e.Cause
}

// AlreadyHeldError is returned when a non-blocking acquisition is refused.
type AlreadyHeldError struct {
	Key string
}

func (e *AlreadyHeldError) Error() string {
	return fmt.Sprintf("lock %q is already held", e.Key)
}

func (e *AlreadyHeldError) Is(target error) bool {
	return target == ErrAlreadyHeld
}

// ConnectionError wraps a failure while opening a session or issuing a query.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("lock %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
