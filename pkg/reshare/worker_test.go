package reshare_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chris-alexander-pop/context-reshare/pkg/reshare"
	"github.com/chris-alexander-pop/context-reshare/pkg/resilience"
)

func TestRetryingWorkerRetriesTransientFailures(t *testing.T) {
	attempts := 0
	inner := reshare.WorkerFunc(func(ctx context.Context, d reshare.Delivery) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("flaky transport")
		}
		return nil
	})

	w := reshare.NewRetryingWorker(inner, resilience.RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	})

	err := w.Work(context.Background(), reshare.Delivery{Context: "c", Recipient: "r", Link: "l"})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryingWorkerGivesUp(t *testing.T) {
	attempts := 0
	inner := reshare.WorkerFunc(func(ctx context.Context, d reshare.Delivery) error {
		attempts++
		return fmt.Errorf("dead peer")
	})

	w := reshare.NewRetryingWorker(inner, resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	})

	assert.Error(t, w.Work(context.Background(), reshare.Delivery{}))
	assert.Equal(t, 2, attempts)
}

func TestInstrumentedWorkerPassesThrough(t *testing.T) {
	var got reshare.Delivery
	inner := reshare.WorkerFunc(func(ctx context.Context, d reshare.Delivery) error {
		got = d
		return nil
	})

	w := reshare.NewInstrumentedWorker(inner)
	d := reshare.Delivery{Context: "c", Recipient: "r", Link: "l", Permalink: "l"}
	assert.NoError(t, w.Work(context.Background(), d))
	assert.Equal(t, d, got)
}
