package resilience

import (
	"context"
	"math/rand"
	"time"
)

// Retry executes the function with automatic retries and exponential backoff.
func Retry(ctx context.Context, cfg RetryConfig, fn Executor) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool { return err != nil }
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = fn(ctx)
		if lastErr == nil || !cfg.RetryIf(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		sleep := backoff
		if cfg.Jitter > 0 {
			delta := float64(sleep) * cfg.Jitter
			sleep = time.Duration(float64(sleep) - delta + rand.Float64()*2*delta)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastErr
}
