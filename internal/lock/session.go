package lock

import (
	"context"
	"time"
)

// Session is one exclusive database connection.
//
// Advisory locks are scoped to the session that took them: a lock granted on
// a Session can only be released through that same Session. Releasing from
// any other connection is a no-op for the engine and leaves the lock held
// until the original connection ends. A Session is owned by exactly one
// goroutine at a time and must be finished with exactly one call to Close or
// Destroy.
type Session interface {
	// Lock blocks until the lock identified by id is granted. A positive
	// timeout bounds the wait; when it expires Lock returns ErrLockNotAvailable.
	Lock(ctx context.Context, id int64, timeout time.Duration) error

	// TryLock requests the lock without waiting and reports whether it was granted.
	TryLock(ctx context.Context, id int64) (bool, error)

	// Unlock releases the lock and reports whether this session actually held it.
	Unlock(ctx context.Context, id int64) (bool, error)

	// Close hands a healthy connection back to its pool.
	Close()

	// Destroy closes the underlying connection. The engine drops every lock
	// the session still holds when it notices the disconnect.
	Destroy(ctx context.Context) error
}

// SessionProvider opens sessions and runs single-shot status queries.
// Implementations must be safe for concurrent use.
type SessionProvider interface {
	// Open acquires an exclusive session.
	Open(ctx context.Context) (Session, error)

	// IsLocked reports whether any session currently holds the lock.
	IsLocked(ctx context.Context, id int64) (bool, error)
}
