// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Config bounds a retry loop. Attempts counts the first try.
type Config struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
	// RetryIf filters errors; nil retries everything.
	RetryIf func(error) bool
	// OnRetry is invoked before each wait, useful for logging.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Default suits ordinary exchange calls: 4 attempts, 100ms..5s with jitter.
func Default() Config {
	return Config{Attempts: 4, Min: 100 * time.Millisecond, Max: 5 * time.Second}
}

// Aggressive suits protective closes that must land fast: more attempts,
// shorter initial wait.
func Aggressive() Config {
	return Config{Attempts: 6, Min: 50 * time.Millisecond, Max: 2 * time.Second}
}

// Do runs op until it succeeds, the attempt budget is spent, RetryIf rejects
// the error, or ctx ends. The last error is returned on failure.
func Do(ctx context.Context, cfg Config, op func() error) error {
	bo := &backoff.Backoff{
		Min:    cfg.Min,
		Max:    cfg.Max,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == cfg.Attempts {
			break
		}

		wait := bo.Duration()
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, wait)
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(wait):
		}
	}
	return lastErr
}

// DoWithResult is Do for operations that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func() error {
		var opErr error
		out, opErr = op()
		return opErr
	})
	return out, err
}
