package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/keeper"
	redisAdapter "github.com/chris-alexander-pop/context-reshare/pkg/keeper/adapters/redis"
)

func newStore(t *testing.T, s *miniredis.Miniredis, prefix string) *redisAdapter.Store {
	t.Helper()
	store, err := redisAdapter.New(keeper.Config{
		Driver: "redis",
		Addr:   s.Addr(),
		Prefix: prefix,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()

	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	store := newStore(t, s, "keeper:")

	body := map[string]any{"_t": "thing", "hey": "ho"}
	permalink, err := store.Put(ctx, body)
	require.NoError(t, err)
	require.NotEmpty(t, permalink)

	got, err := store.Get(ctx, permalink)
	require.NoError(t, err)
	assert.Equal(t, "ho", got["hey"])

	// Re-putting the same body addresses the same blob.
	again, err := store.Put(ctx, map[string]any{"hey": "ho", "_t": "thing"})
	require.NoError(t, err)
	assert.Equal(t, permalink, again)
}

func TestGetMissingIsNotFound(t *testing.T) {
	ctx := context.Background()

	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	store := newStore(t, s, "keeper:")

	_, err = store.Get(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestPrefixIsolation(t *testing.T) {
	ctx := context.Background()

	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	one := newStore(t, s, "one:")
	two := newStore(t, s, "two:")

	permalink, err := one.Put(ctx, map[string]any{"_t": "thing", "n": "1"})
	require.NoError(t, err)

	// The blob lives under one's prefix only.
	assert.True(t, s.Exists("one:"+permalink))
	assert.False(t, s.Exists("two:"+permalink))

	_, err = two.Get(ctx, permalink)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestNewFailsWhenServerUnreachable(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	addr := s.Addr()
	s.Close()

	_, err = redisAdapter.New(keeper.Config{Driver: "redis", Addr: addr})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeUnavailable))
}

func TestNewRejectsWrongDriver(t *testing.T) {
	_, err := redisAdapter.New(keeper.Config{Driver: "memory"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidArgument))
}
