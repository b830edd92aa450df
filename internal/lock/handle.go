package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kneutral-org/pglock/internal/metrics"
)

// Handle is a held lock. It owns the session that took the lock from grant
// until Release; no other code path touches that session.
type Handle struct {
	coord      *Coordinator
	token      uuid.UUID
	key        string
	id         int64
	session    Session
	acquiredAt time.Time
	logger     zerolog.Logger

	released atomic.Bool
}

func newHandle(c *Coordinator, key string, id int64, session Session, logger zerolog.Logger) *Handle {
	token := uuid.New()
	return &Handle{
		coord:      c,
		token:      token,
		key:        key,
		id:         id,
		session:    session,
		acquiredAt: time.Now(),
		logger:     logger.With().Str("handle", token.String()).Logger(),
	}
}

// Key returns the lock key.
func (h *Handle) Key() string {
	return h.key
}

// Identifier returns the database identifier derived from the key.
func (h *Handle) Identifier() int64 {
	return h.id
}

// ID returns a process-unique token for this acquisition, for correlating logs.
func (h *Handle) ID() uuid.UUID {
	return h.token
}

// AcquiredAt returns when the lock was granted.
func (h *Handle) AcquiredAt() time.Time {
	return h.acquiredAt
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// Release unlocks on the session that took the lock and then gives the
// session up. Only the first call does anything; later calls return nil.
//
// If the engine reports that nothing was held (the session ended, or the
// lock was already dropped) the condition is logged and nil returned. If the
// unlock query itself fails the connection is closed instead of being pooled,
// which makes the engine drop the lock. A *ConnectionError is returned unless
// the failure was ctx ending and the connection closed cleanly.
func (h *Handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		h.logger.Debug().Msg("handle already released")
		return nil
	}
	h.coord.forget(h)

	ctx, span := tracer.Start(ctx, "Handle.Release", trace.WithAttributes(
		attribute.String("pglock.key", h.key),
		attribute.Int64("pglock.id", h.id),
	))
	defer span.End()

	released, err := h.session.Unlock(ctx, h.id)
	if err != nil {
		destroyErr := h.coord.destroy(ctx, h.session)
		if ctx.Err() != nil && destroyErr == nil {
			// The unlock was interrupted, but closing the connection dropped the lock.
			metrics.RecordLockRelease("released")
			h.logger.Warn().Err(err).Msg("release interrupted, connection closed to drop the lock")
			return nil
		}
		metrics.RecordLockRelease("error")
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error().Err(err).Msg("failed to release lock, connection closed")
		return &ConnectionError{Op: "unlock", Err: err}
	}
	h.session.Close()

	if !released {
		metrics.RecordLockRelease("not_held")
		h.logger.Warn().Err(ErrNotHeld).Msg("lock was no longer held at release")
		return nil
	}

	metrics.RecordLockRelease("released")
	h.logger.Debug().Dur("held", time.Since(h.acquiredAt)).Msg("lock released")
	return nil
}

// releaseDetached releases the handle even if ctx has been canceled, and only
// logs failures.
func (h *Handle) releaseDetached(ctx context.Context) {
	ctx, cancel := detach(ctx)
	defer cancel()

	if err := h.Release(ctx); err != nil {
		h.logger.Error().Err(err).Msg("failed to release lock after scoped work")
	}
}
