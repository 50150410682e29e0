// Package keeper provides a unified interface for content-addressed object
// storage.
//
// Bodies are JSON objects addressed by the hex SHA-256 of their canonical
// encoding; resolution is a pure lookup and bodies are immutable. A failed
// lookup is expected during normal operation (the blob may not have arrived
// yet) and callers drop the work at hand rather than treating it as fatal.
//
// Supported backends:
//   - Memory: In-memory store for testing and development
//   - Redis: Shared store for production
//
// Usage:
//
//	import "github.com/chris-alexander-pop/context-reshare/pkg/keeper/adapters/memory"
//
//	store := memory.New()
//	permalink, err := store.Put(ctx, body)
//	body, err = store.Get(ctx, permalink)
package keeper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
)

// Store is the content-addressed blob store contract.
type Store interface {
	// Get resolves a permalink to its body.
	// Returns errors.CodeNotFound when the blob is not (yet) present.
	Get(ctx context.Context, permalink string) (map[string]any, error)

	// Put stores body and returns its permalink. Storing the same body twice
	// yields the same permalink.
	Put(ctx context.Context, body map[string]any) (string, error)

	// Close releases all resources.
	Close() error
}

// Config holds configuration for the keeper.
type Config struct {
	// Driver specifies the backend: "memory" or "redis".
	Driver string `env:"KEEPER_DRIVER" env-default:"memory"`

	// Addr is the redis address (redis only).
	Addr string `env:"KEEPER_REDIS_ADDR" env-default:"localhost:6379"`

	// Password is the redis password (optional).
	Password string `env:"KEEPER_REDIS_PASSWORD"`

	// DB is the redis database number.
	DB int `env:"KEEPER_REDIS_DB" env-default:"0"`

	// Prefix namespaces keys in shared backends.
	Prefix string `env:"KEEPER_PREFIX" env-default:"keeper:"`
}

// Address computes the permalink for a body: hex SHA-256 over its canonical
// JSON encoding (encoding/json sorts object keys).
func Address(body map[string]any) (string, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", nil, errors.Wrap(err, "keeper: marshal failed")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), data, nil
}
