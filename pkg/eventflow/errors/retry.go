package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffStrategy selects how the delay grows between attempts.
type BackoffStrategy string

// Backoff strategies.
const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Valid reports whether s names a known strategy. The empty strategy is
// treated as fixed.
func (s BackoffStrategy) Valid() bool {
	switch s {
	case "", BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

// Backoff computes the wait before a retry.
type Backoff struct {
	// Strategy is fixed, linear, or exponential. Empty means fixed.
	Strategy BackoffStrategy

	// Base is the delay unit.
	Base time.Duration

	// Max caps the computed delay. Zero means uncapped.
	Max time.Duration

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64
}

// Delay returns the wait before retry number attempt (0-based: the first
// retry is attempt 0).
//
//	fixed:       base
//	linear:      base * (attempt+1)
//	exponential: base * 2^attempt
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var d time.Duration
	switch b.Strategy {
	case BackoffLinear:
		d = b.Base * time.Duration(attempt+1)
	case BackoffExponential:
		if attempt > 30 {
			attempt = 30
		}
		d = b.Base * time.Duration(1<<uint(attempt))
	default:
		d = b.Base
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return applyJitter(d, b.Jitter)
}

// applyJitter returns d +/- (d * jitter * random).
func applyJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	jitterAmount := float64(d) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(d) + jitterAmount)
}

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// Backoff computes the wait between attempts.
	Backoff Backoff

	// RetryableFunc optionally overrides the default retryability check.
	RetryableFunc func(error) bool

	// OnRetry is called after a failed attempt that will be retried,
	// before the backoff wait. attempt is 1-based.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetry matches the bus defaults: three attempts, one second apart.
var DefaultRetry = RetryConfig{
	MaxAttempts: 3,
	Backoff: Backoff{
		Strategy: BackoffFixed,
		Base:     time.Second,
	},
}

// NoRetry disables retries.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed.
	Err error

	// Attempts is the number of attempts made.
	Attempts int

	// Duration is the total time spent retrying.
	Duration time.Duration
}

// WithRetry executes a function with retries based on the configuration.
func WithRetry[T any](cfg RetryConfig, fn func() (T, error)) RetryResult[T] {
	return WithRetryContext(context.Background(), cfg, func(_ context.Context) (T, error) {
		return fn()
	})
}

// WithRetryContext executes a function with retries, respecting context
// cancellation both before each attempt and during the backoff wait.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	isRetryable := cfg.RetryableFunc
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{
				Err:      &CategorizedError{Err: err, Category: CategoryInternal, Attempts: attempt, Context: "context cancelled"},
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{
				Value:    result,
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}
		}
		lastErr = err

		if !isRetryable(err) {
			return RetryResult[T]{
				Err: &CategorizedError{
					Err:      err,
					Category: Categorize(err),
					Attempts: attempt + 1,
				},
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}
		}

		// Don't sleep after the last attempt
		if attempt < maxAttempts-1 {
			delay := cfg.Backoff.Delay(attempt)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt+1, err, delay)
			}
			if !sleep(ctx, delay) {
				return RetryResult[T]{
					Err:      &CategorizedError{Err: ctx.Err(), Category: CategoryInternal, Attempts: attempt + 1, Context: "context cancelled during backoff"},
					Attempts: attempt + 1,
					Duration: time.Since(start),
				}
			}
		}
	}

	return RetryResult[T]{
		Err: &CategorizedError{
			Err:      lastErr,
			Category: Categorize(lastErr),
			Attempts: maxAttempts,
			Context:  "max retries exceeded",
		},
		Attempts: maxAttempts,
		Duration: time.Since(start),
	}
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RetryOption configures retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxAttempts = n
	}
}

// WithBackoff sets the backoff computation.
func WithBackoff(b Backoff) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.Backoff = b
	}
}

// WithRetryableFunc sets a custom retryability check.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.RetryableFunc = fn
	}
}

// WithOnRetry sets the callback invoked before each backoff wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.OnRetry = fn
	}
}

// NewRetryConfig creates a retry configuration with the given options.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
