// Package lock provides application-level mutual exclusion on top of
// PostgreSQL session-scoped advisory locks.
//
// The database is the only arbiter: any number of coordinators, in any number
// of processes, contending on the same key are serialized by the engine.
// There is no in-process state shared between coordinators, and no fairness
// or FIFO ordering among waiters.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kneutral-org/pglock/internal/logging"
	"github.com/kneutral-org/pglock/internal/metrics"
)

var tracer = otel.Tracer("github.com/kneutral-org/pglock/internal/lock")

// releaseTimeout bounds releases that run detached from the caller's context.
const releaseTimeout = 10 * time.Second

// Coordinator runs the acquire/retry/release protocol against a SessionProvider.
// It is safe for concurrent use; a process normally shares a single instance.
type Coordinator struct {
	provider SessionProvider
	hasher   Hasher
	defaults Options
	logger   zerolog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithDefaults sets the process-wide acquisition defaults.
func WithDefaults(o Options) CoordinatorOption {
	return func(c *Coordinator) {
		c.defaults = o
	}
}

// WithHasher replaces HashKey. Every process contending on the same keys must
// use the same hasher.
func WithHasher(h Hasher) CoordinatorOption {
	return func(c *Coordinator) {
		c.hasher = h
	}
}

// NewCoordinator creates a coordinator that opens sessions from provider.
func NewCoordinator(provider SessionProvider, logger zerolog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		provider: provider,
		hasher:   HashKey,
		defaults: DefaultOptions(),
		logger:   logger.With().Str("component", "lock-coordinator").Logger(),
		handles:  make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identifier returns the database identifier for key.
func (c *Coordinator) Identifier(key string) int64 {
	return c.hasher(key)
}

// Defaults returns the coordinator's acquisition defaults.
func (c *Coordinator) Defaults() Options {
	return c.defaults
}

type outcome int

const (
	granted outcome = iota
	busy
	failed
)

// attemptResult is the result of one grant request.
type attemptResult struct {
	outcome outcome
	session Session // set when granted
	err     error   // set when failed
}

// Acquire takes the lock for key, retrying refusals and infrastructure
// failures up to MaxRetries times with a fixed RetryDelay between attempts.
//
// A non-blocking refusal returns *AlreadyHeldError at once. Exhausted attempts
// return *AcquireTimeoutError. Cancelling ctx aborts both the in-flight grant
// and the retry sleep. On success the returned Handle owns the session that
// took the lock and must be released.
func (c *Coordinator) Acquire(ctx context.Context, key string, opts ...AcquireOption) (*Handle, error) {
	o := c.defaults.apply(opts)
	id := c.hasher(key)
	mode := modeLabel(o.Wait)
	logger := logging.LockLogger(c.logger, key, id)

	ctx, span := tracer.Start(ctx, "Coordinator.Acquire", trace.WithAttributes(
		attribute.String("pglock.key", key),
		attribute.Int64("pglock.id", id),
		attribute.Bool("pglock.wait", o.Wait),
	))
	defer span.End()

	start := time.Now()
	finish := func(result string) {
		metrics.RecordLockAcquire(mode, result, time.Since(start).Seconds())
		span.SetAttributes(attribute.String("pglock.result", result))
	}

	var lastErr error
	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, o.RetryDelay); err != nil {
				finish("canceled")
				span.SetStatus(codes.Error, err.Error())
				return nil, fmt.Errorf("acquire %q: %w", key, err)
			}
		}

		metrics.RecordLockAttempt(mode)
		res := c.attempt(ctx, id, o)

		switch res.outcome {
		case granted:
			h := newHandle(c, key, id, res.session, logger)
			c.register(h)
			finish("acquired")
			logger.Debug().
				Int("attempt", attempt).
				Str("handle", h.ID().String()).
				Dur("elapsed", time.Since(start)).
				Msg("lock acquired")
			return h, nil

		case busy:
			if !o.Wait {
				finish("already_held")
				logger.Debug().Msg("lock already held")
				return nil, &AlreadyHeldError{Key: key}
			}
			logger.Debug().Int("attempt", attempt).Msg("lock busy")

		case failed:
			if ctx.Err() != nil {
				finish("canceled")
				span.SetStatus(codes.Error, ctx.Err().Error())
				return nil, fmt.Errorf("acquire %q: %w", key, ctx.Err())
			}
			if o.FailFast {
				finish("error")
				span.SetStatus(codes.Error, res.err.Error())
				logger.Error().Err(res.err).Msg("lock attempt failed")
				return nil, res.err
			}
			lastErr = res.err
			logger.Warn().Err(res.err).Int("attempt", attempt).Msg("lock attempt failed, will retry")
		}
	}

	finish("timeout")
	err := &AcquireTimeoutError{
		Key:      key,
		Timeout:  o.Timeout,
		Attempts: o.MaxRetries + 1,
		Cause:    lastErr,
	}
	span.SetStatus(codes.Error, err.Error())
	logger.Warn().Int("attempts", err.Attempts).Msg("lock acquisition timed out")
	return nil, err
}

// attempt makes one grant request on a fresh session. The session is kept
// only when the lock is granted; otherwise it is finished before returning.
func (c *Coordinator) attempt(ctx context.Context, id int64, o Options) attemptResult {
	session, err := c.provider.Open(ctx)
	if err != nil {
		return attemptResult{outcome: failed, err: &ConnectionError{Op: "open", Err: err}}
	}

	if o.Wait {
		err := session.Lock(ctx, id, o.Timeout)
		switch {
		case err == nil:
			return attemptResult{outcome: granted, session: session}
		case errors.Is(err, ErrLockNotAvailable):
			session.Close()
			return attemptResult{outcome: busy}
		default:
			_ = c.destroy(ctx, session)
			return attemptResult{outcome: failed, err: &ConnectionError{Op: "lock", Err: err}}
		}
	}

	ok, err := session.TryLock(ctx, id)
	if err != nil {
		_ = c.destroy(ctx, session)
		return attemptResult{outcome: failed, err: &ConnectionError{Op: "try_lock", Err: err}}
	}
	if !ok {
		session.Close()
		return attemptResult{outcome: busy}
	}
	return attemptResult{outcome: granted, session: session}
}

// destroy drops a session whose state is unknown. If the engine did grant
// the lock, closing the connection is what releases it.
func (c *Coordinator) destroy(ctx context.Context, session Session) error {
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := session.Destroy(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("failed to close lock session")
		return err
	}
	return nil
}

// detach returns a context that outlives ctx's cancellation but is still
// bounded by releaseTimeout.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
}

// Release releases the lock this coordinator holds for key. A key with no
// outstanding handle is not an error: the engine may already have dropped
// the lock, so ErrNotHeld is logged and nil returned.
func (c *Coordinator) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	h, ok := c.handles[key]
	c.mu.Unlock()

	if !ok {
		logger := logging.LockLogger(c.logger, key, c.hasher(key))
		logger.Warn().
			Err(ErrNotHeld).
			Msg("release requested for a lock this process does not hold")
		metrics.RecordLockRelease("not_held")
		return nil
	}
	return h.Release(ctx)
}

// IsLocked reports whether anyone currently holds the lock for key. It fails
// open: infrastructure errors are logged and reported as false, so the result
// is a hint, never a correctness check.
func (c *Coordinator) IsLocked(ctx context.Context, key string) bool {
	id := c.hasher(key)

	ctx, span := tracer.Start(ctx, "Coordinator.IsLocked", trace.WithAttributes(
		attribute.String("pglock.key", key),
		attribute.Int64("pglock.id", id),
	))
	defer span.End()

	locked, err := c.provider.IsLocked(ctx, id)
	if err != nil {
		logger := logging.LockLogger(c.logger, key, id)
		logger.Warn().Err(err).Msg("failed to check lock status")
		metrics.RecordLockStatusCheck("error")
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	if locked {
		metrics.RecordLockStatusCheck("locked")
	} else {
		metrics.RecordLockStatusCheck("free")
	}
	span.SetAttributes(attribute.Bool("pglock.locked", locked))
	return locked
}

// WithLock acquires the lock for key, runs fn and releases the lock on every
// exit path. Acquisition errors and fn's own error are returned; release
// errors are only logged.
func (c *Coordinator) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error, opts ...AcquireOption) error {
	_, err := Do(ctx, c, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// Do is WithLock for functions that return a value.
func Do[T any](ctx context.Context, c *Coordinator, key string, fn func(ctx context.Context) (T, error), opts ...AcquireOption) (T, error) {
	h, err := c.Acquire(ctx, key, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	defer h.releaseDetached(ctx)

	return fn(ctx)
}

// Held returns the keys this coordinator currently holds, sorted.
func (c *Coordinator) Held() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.handles))
	for key := range c.handles {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close releases every lock this coordinator still holds. It returns the
// first release error after attempting all of them.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(handles) > 0 {
		c.logger.Info().Int("released", len(handles)).Msg("released outstanding locks")
	}
	return firstErr
}

func (c *Coordinator) register(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.handles[h.key]; ok && prev != h {
		// The engine granted a second session the same key, so the previous
		// handle's lock is gone. Keep the live one addressable by key.
		h.logger.Warn().Str("previous", prev.ID().String()).Msg("replacing stale handle for key")
	}
	c.handles[h.key] = h
	metrics.IncLocksHeld()
}

func (c *Coordinator) forget(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handles[h.key] == h {
		delete(c.handles, h.key)
	}
	metrics.DecLocksHeld()
}

func modeLabel(wait bool) string {
	if wait {
		return "blocking"
	}
	return "nonblocking"
}

// sleepContext pauses for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
