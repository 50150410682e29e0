package redis

import (
	"context"
	"encoding/json"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/keeper"
)

type Store struct {
	client *goredis.Client
	prefix string
}

// New creates a redis-backed keeper.
func New(cfg keeper.Config) (*Store, error) {
	if cfg.Driver != "" && cfg.Driver != "redis" {
		return nil, errors.New(errors.CodeInvalidArgument, "invalid driver "+cfg.Driver+" for redis adapter", nil)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.New(errors.CodeUnavailable, "redis: connection failed", err)
	}

	return &Store{client: client, prefix: cfg.Prefix}, nil
}

func (s *Store) Get(ctx context.Context, permalink string) (map[string]any, error) {
	data, err := s.client.Get(ctx, s.prefix+permalink).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, errors.New(errors.CodeNotFound, "blob not found", err)
	}
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "redis: get failed", err)
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, errors.Wrap(err, "keeper: unmarshal failed")
	}
	return body, nil
}

func (s *Store) Put(ctx context.Context, body map[string]any) (string, error) {
	permalink, data, err := keeper.Address(body)
	if err != nil {
		return "", err
	}
	// Bodies are immutable; re-putting the same permalink is a no-op write.
	if err := s.client.Set(ctx, s.prefix+permalink, data, 0).Err(); err != nil {
		return "", errors.New(errors.CodeUnavailable, "redis: set failed", err)
	}
	return permalink, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
