package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/keeper"
)

type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, permalink string) (map[string]any, error) {
	s.mu.RLock()
	data, ok := s.blobs[permalink]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.New(errors.CodeNotFound, "blob not found", nil)
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

	s.mu.Lock()
	s.blobs[permalink] = data
	s.mu.Unlock()

	return permalink, nil
}

func (s *Store) Close() error {
	return nil
}
