package concurrency_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/context-reshare/pkg/concurrency"
)

func TestStreamSendEnd(t *testing.T) {
	s := concurrency.NewStream[int](4, nil)
	ctx := context.Background()

	go func() {
		for i := 1; i <= 3; i++ {
			s.Send(ctx, i)
		}
		s.End()
	}()

	var got []int
	for v := range s.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.NoError(t, s.Err())
}

func TestStreamFail(t *testing.T) {
	s := concurrency.NewStream[int](1, nil)
	s.Fail(fmt.Errorf("boom"))

	_, ok := <-s.C()
	assert.False(t, ok)
	assert.Error(t, s.Err())
}

func TestStreamConsumerClose(t *testing.T) {
	stopped := make(chan struct{})
	s := concurrency.NewStream[int](0, func() { close(stopped) })
	ctx := context.Background()

	go func() {
		i := 0
		for {
			i++
			if !s.Send(ctx, i) {
				s.End()
				return
			}
		}
	}()

	v, ok := <-s.C()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	s.Close()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop hook never ran")
	}

	// Producer reacts to Close with End; the channel drains and closes.
	for range s.C() {
	}
}

func TestStreamSendAfterContextCancel(t *testing.T) {
	s := concurrency.NewStream[int](0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, s.Send(ctx, 1))
}
