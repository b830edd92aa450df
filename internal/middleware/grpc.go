package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kneutral-org/pglock/internal/lock"
)

// releaseTimeout bounds the release that follows a call, which runs after the
// call's own context may have ended.
const releaseTimeout = 10 * time.Second

// GRPCKeyFunc derives a lock key from a unary call. Returning ok == false
// lets the call through without locking.
type GRPCKeyFunc func(ctx context.Context, fullMethod string, req interface{}) (key string, ok bool)

// MetadataKey returns a GRPCKeyFunc that reads the lock key from an incoming
// metadata entry. Calls without the entry are not locked.
func MetadataKey(name string) GRPCKeyFunc {
	return func(ctx context.Context, _ string, _ interface{}) (string, bool) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return "", false
		}
		values := md.Get(name)
		if len(values) == 0 || values[0] == "" {
			return "", false
		}
		return values[0], true
	}
}

// UnarySerialize returns a unary server interceptor that runs each call
// selected by keyFn under its lock. Acquisition failures are returned as
// gRPC statuses; the handler's own error is returned unchanged.
func UnarySerialize(coord *lock.Coordinator, keyFn GRPCKeyFunc, logger zerolog.Logger, opts ...lock.AcquireOption) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		key, ok := keyFn(ctx, info.FullMethod, req)
		if !ok {
			return handler(ctx, req)
		}

		h, err := coord.Acquire(ctx, key, opts...)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("lockKey", key).
				Str("method", info.FullMethod).
				Msg("call refused, lock unavailable")
			return nil, GRPCStatus(err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if err := h.Release(releaseCtx); err != nil {
				logger.Error().Err(err).Str("lockKey", key).Msg("failed to release lock")
			}
		}()

		return handler(ctx, req)
	}
}

// GRPCStatus converts an acquisition error to a gRPC status error.
func GRPCStatus(err error) error {
	switch {
	case errors.Is(err, lock.ErrAlreadyHeld):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, lock.ErrAcquireTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, lock.ErrConnection):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
