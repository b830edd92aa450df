package lock

import "context"

// KeyFunc derives a lock key from a call's argument.
type KeyFunc[A any] func(arg A) string

// StaticKey returns a KeyFunc that always yields key.
func StaticKey[A any](key string) KeyFunc[A] {
	return func(A) string {
		return key
	}
}

// Guard wraps fn so that every call runs under the lock named by keyFn(arg).
// Acquisition options apply to every call.
func Guard[A, R any](c *Coordinator, keyFn KeyFunc[A], fn func(ctx context.Context, arg A) (R, error), opts ...AcquireOption) func(ctx context.Context, arg A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		return Do(ctx, c, keyFn(arg), func(ctx context.Context) (R, error) {
			return fn(ctx, arg)
		}, opts...)
	}
}
