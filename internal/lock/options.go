package lock

import "time"

// Default acquisition settings.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultWait       = true
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Options controls a single acquisition.
type Options struct {
	// Timeout bounds how long one blocking attempt waits for the grant.
	// Zero waits until the lock is granted or the connection fails.
	Timeout time.Duration

	// Wait selects a blocking grant. When false a single non-blocking probe is
	// made and a refusal returns AlreadyHeldError without retrying.
	Wait bool

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration

	// FailFast returns a ConnectionError on the first infrastructure failure
	// instead of retrying it like contention.
	FailFast bool
}

// DefaultOptions returns the built-in acquisition defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:    DefaultTimeout,
		Wait:       DefaultWait,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// AcquireOption overrides one of the coordinator's defaults for a single call.
type AcquireOption func(*Options)

// WithTimeout sets the per-attempt wait bound for blocking grants.
func WithTimeout(d time.Duration) AcquireOption {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithWait selects blocking (true) or non-blocking (false) acquisition.
func WithWait(wait bool) AcquireOption {
	return func(o *Options) {
		o.Wait = wait
	}
}

// WithMaxRetries sets how many times a refused or failed attempt is retried.
func WithMaxRetries(n int) AcquireOption {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

// WithRetryDelay sets the pause between attempts.
func WithRetryDelay(d time.Duration) AcquireOption {
	return func(o *Options) {
		o.RetryDelay = d
	}
}

// WithFailFast stops retrying on infrastructure failures.
func WithFailFast(failFast bool) AcquireOption {
	return func(o *Options) {
		o.FailFast = failFast
	}
}

func (o Options) apply(opts []AcquireOption) Options {
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.Timeout < 0 {
		o.Timeout = 0
	}
	return o
}
