package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	lockQuery    = `SELECT pg_advisory_lock($1)`
	tryLockQuery = `SELECT pg_try_advisory_lock($1)`
	unlockQuery  = `SELECT pg_advisory_unlock($1)`

	// A bigint advisory key is split across classid (high 32 bits) and objid
	// (low 32 bits) in pg_locks, with objsubid = 1.
	heldLockQuery = `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			  AND classid::bigint = $1
			  AND objid::bigint = $2
			  AND objsubid = 1
			  AND granted
		)
	`

	setLockTimeoutQuery   = `SELECT set_config('lock_timeout', $1, false)`
	resetLockTimeoutQuery = `RESET lock_timeout`

	// sqlStateLockNotAvailable is raised when lock_timeout expires.
	sqlStateLockNotAvailable = "55P03"
)

// PostgresProvider is a PostgreSQL implementation of SessionProvider backed
// by a pgx connection pool.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

// NewPostgresProvider creates a provider that draws sessions from pool.
// The pool needs at least one spare connection per concurrently held lock.
func NewPostgresProvider(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

// Open implements SessionProvider.Open by acquiring a dedicated pool connection.
func (p *PostgresProvider) Open(ctx context.Context) (Session, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &pgSession{conn: conn}, nil
}

// IsLocked implements SessionProvider.IsLocked by inspecting pg_locks.
func (p *PostgresProvider) IsLocked(ctx context.Context, id int64) (bool, error) {
	classID, objID := splitIdentifier(id)

	var locked bool
	if err := p.pool.QueryRow(ctx, heldLockQuery, classID, objID).Scan(&locked); err != nil {
		return false, fmt.Errorf("failed to query pg_locks: %w", err)
	}
	return locked, nil
}

// Ping checks that the database is reachable.
func (p *PostgresProvider) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// splitIdentifier returns the pg_locks classid and objid for a bigint key.
func splitIdentifier(id int64) (int64, int64) {
	u := uint64(id)
	return int64(u >> 32), int64(u & 0xffffffff)
}

// pgSession is a Session bound to one pooled connection.
type pgSession struct {
	conn *pgxpool.Conn
	done bool
}

func (s *pgSession) Lock(ctx context.Context, id int64, timeout time.Duration) error {
	if timeout > 0 {
		if _, err := s.conn.Exec(ctx, setLockTimeoutQuery, formatLockTimeout(timeout)); err != nil {
			return err
		}
		defer func() {
			// A broken connection is destroyed by the caller; a failed reset there is moot.
			resetCtx, cancel := detach(ctx)
			defer cancel()
			_, _ = s.conn.Exec(resetCtx, resetLockTimeoutQuery)
		}()
	}

	if _, err := s.conn.Exec(ctx, lockQuery, id); err != nil {
		if isLockNotAvailable(err) {
			return ErrLockNotAvailable
		}
		return err
	}
	return nil
}

func (s *pgSession) TryLock(ctx context.Context, id int64) (bool, error) {
	var granted bool
	if err := s.conn.QueryRow(ctx, tryLockQuery, id).Scan(&granted); err != nil {
		return false, err
	}
	return granted, nil
}

func (s *pgSession) Unlock(ctx context.Context, id int64) (bool, error) {
	var released bool
	if err := s.conn.QueryRow(ctx, unlockQuery, id).Scan(&released); err != nil {
		return false, err
	}
	return released, nil
}

func (s *pgSession) Close() {
	if s.done {
		return
	}
	s.done = true
	s.conn.Release()
}

func (s *pgSession) Destroy(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	return s.conn.Hijack().Close(ctx)
}

// formatLockTimeout renders d as a lock_timeout setting, rounding up to 1ms
// because 0 would disable the timeout.
func formatLockTimeout(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("%dms", ms)
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateLockNotAvailable
}
