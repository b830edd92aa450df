package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kneutral-org/pglock/internal/lock"
)

type settleRequest struct {
	OrderID string
}

func orderKey(_ context.Context, _ string, req interface{}) (string, bool) {
	r, ok := req.(*settleRequest)
	if !ok || r.OrderID == "" {
		return "", false
	}
	return "order:" + r.OrderID, true
}

var settleInfo = &grpc.UnaryServerInfo{FullMethod: "/orders.v1.OrderService/Settle"}

func TestUnarySerialize_RunsHandlerUnderLock(t *testing.T) {
	p := lock.NewMemoryProvider()
	coord := lock.NewCoordinator(p, zerolog.Nop())
	interceptor := UnarySerialize(coord, orderKey, zerolog.Nop())

	var lockedInside bool
	resp, err := interceptor(context.Background(), &settleRequest{OrderID: "9"}, settleInfo,
		func(ctx context.Context, req interface{}) (interface{}, error) {
			lockedInside = coord.IsLocked(ctx, "order:9")
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.True(t, lockedInside)
	assert.False(t, coord.IsLocked(context.Background(), "order:9"))
	assert.Empty(t, coord.Held())
}

func TestUnarySerialize_PassesThroughUnkeyedCalls(t *testing.T) {
	p := lock.NewMemoryProvider()
	interceptor := UnarySerialize(lock.NewCoordinator(p, zerolog.Nop()), orderKey, zerolog.Nop())

	resp, err := interceptor(context.Background(), "not an order", settleInfo,
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return "passed", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "passed", resp)
	assert.Equal(t, int64(0), p.Opened())
}

func TestUnarySerialize_AbortedWhenHeld(t *testing.T) {
	p := lock.NewMemoryProvider()
	holder := lock.NewCoordinator(p, zerolog.Nop())
	h, err := holder.Acquire(context.Background(), "order:9")
	require.NoError(t, err)
	defer func() { _ = h.Release(context.Background()) }()

	interceptor := UnarySerialize(lock.NewCoordinator(p, zerolog.Nop()), orderKey, zerolog.Nop(), lock.WithWait(false))

	called := false
	_, err = interceptor(context.Background(), &settleRequest{OrderID: "9"}, settleInfo,
		func(ctx context.Context, req interface{}) (interface{}, error) {
			called = true
			return nil, nil
		})

	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, codes.Aborted, status.Code(err))
}

func TestUnarySerialize_ReleasesOnHandlerError(t *testing.T) {
	p := lock.NewMemoryProvider()
	coord := lock.NewCoordinator(p, zerolog.Nop())
	interceptor := UnarySerialize(coord, orderKey, zerolog.Nop())

	handlerErr := status.Error(codes.FailedPrecondition, "already settled")
	_, err := interceptor(context.Background(), &settleRequest{OrderID: "9"}, settleInfo,
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return nil, handlerErr
		})

	assert.Equal(t, handlerErr, err)
	assert.Equal(t, 0, p.HeldLocks())
	assert.Empty(t, coord.Held())
}

func TestMetadataKey(t *testing.T) {
	keyFn := MetadataKey("x-lock-key")

	_, ok := keyFn(context.Background(), settleInfo.FullMethod, nil)
	assert.False(t, ok)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-lock-key", "tenant:42"))
	key, ok := keyFn(ctx, settleInfo.FullMethod, nil)
	assert.True(t, ok)
	assert.Equal(t, "tenant:42", key)

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("other", "x"))
	_, ok = keyFn(ctx, settleInfo.FullMethod, nil)
	assert.False(t, ok)
}

func TestGRPCStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected codes.Code
	}{
		{"already held", &lock.AlreadyHeldError{Key: "k"}, codes.Aborted},
		{"timeout", &lock.AcquireTimeoutError{Key: "k", Attempts: 4}, codes.DeadlineExceeded},
		{"connection", &lock.ConnectionError{Op: "open", Err: errors.New("refused")}, codes.Unavailable},
		{"canceled", context.Canceled, codes.Canceled},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"other", errors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, status.Code(GRPCStatus(tt.err)))
		})
	}
}
