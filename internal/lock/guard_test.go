package lock

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settleRequest struct {
	OrderID int
	Amount  int
}

func TestGuard_KeyFromArgument(t *testing.T) {
	p := NewMemoryProvider()
	c := newTestCoordinator(p)
	ctx := context.Background()

	var seenLocked []bool
	settle := Guard(c, func(req settleRequest) string {
		return fmt.Sprintf("order:%d", req.OrderID)
	}, func(ctx context.Context, req settleRequest) (int, error) {
		seenLocked = append(seenLocked, c.IsLocked(ctx, fmt.Sprintf("order:%d", req.OrderID)))
		return req.Amount * 2, nil
	})

	got, err := settle(ctx, settleRequest{OrderID: 7, Amount: 21})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, []bool{true}, seenLocked)
	assert.False(t, c.IsLocked(ctx, "order:7"))
}

func TestGuard_StaticKeySerializes(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	total := 0
	work := func(ctx context.Context, n int) (int, error) {
		v := total
		time.Sleep(time.Millisecond)
		total = v + n
		return total, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guarded := Guard(newTestCoordinator(p), StaticKey[int]("ledger"), work, WithTimeout(0))
			_, err := guarded(ctx, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, total)
}

func TestGuard_AcquireOptionsApplied(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	h, err := newTestCoordinator(p).Acquire(ctx, "ledger")
	require.NoError(t, err)
	defer func() { _ = h.Release(ctx) }()

	guarded := Guard(newTestCoordinator(p), StaticKey[string]("ledger"), func(ctx context.Context, s string) (string, error) {
		return s, nil
	}, WithWait(false))

	_, err = guarded(ctx, "x")
	assert.ErrorIs(t, err, ErrAlreadyHeld)
}
