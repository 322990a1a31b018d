// Package resilience holds the run's only retry policy. Completions are
// never retried on timeouts or server errors, because a second attempt
// would measure a different warm-cache state. The single exception is a
// refused connection on the first request to a freshly selected model,
// which means the engine is still loading weights.
package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoadRetryConfig controls the one permitted wait-and-retry.
type LoadRetryConfig struct {
	// Wait is how long to sleep before the single retry. Default: 30s.
	Wait time.Duration

	// ShouldRetry decides whether the error indicates a model still
	// loading. Required.
	ShouldRetry func(err error) bool
}

// OnceOnLoad executes fn, and if the first attempt fails with an error
// ShouldRetry accepts, waits and tries exactly once more. Any other
// error, and any error on the second attempt, is returned as-is.
// Context cancellation interrupts the wait.
func OnceOnLoad[T any](ctx context.Context, cfg LoadRetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	wait := cfg.Wait
	if wait <= 0 {
		wait = 30 * time.Second
	}

	val, err := fn(ctx)
	if err == nil || ctx.Err() != nil || cfg.ShouldRetry == nil || !cfg.ShouldRetry(err) {
		return val, err
	}

	zap.L().Warn("endpoint refused connection, waiting for model load",
		zap.Duration("wait", wait),
		zap.Error(err),
	)

	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return val, err
	case <-timer.C:
	}

	return fn(ctx)
}
