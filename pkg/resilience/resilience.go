// Package resilience provides patterns for building resilient delivery paths.
//
// This package includes:
//   - Retry: Automatic retries with exponential backoff and jitter
//
// The reshare Worker decorators build on these primitives.
package resilience

import (
	"context"
	"time"
)

// Executor represents something that can be executed with retry protection.
type Executor func(ctx context.Context) error

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the backoff duration for the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration

	// Multiplier increases the backoff between retries.
	Multiplier float64

	// Jitter adds randomness to prevent thundering herd.
	Jitter float64

	// RetryIf decides whether an error is retryable. Defaults to retrying
	// every non-nil error.
	RetryIf func(err error) bool
}
