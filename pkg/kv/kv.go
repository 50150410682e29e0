// Package kv provides a unified interface for ordered key-value storage with
// live-tailing range reads.
//
// This package supports the following backends:
//   - Memory: In-memory store for testing and development
//   - Badger: Embedded persistent store for production
//
// Usage:
//
//	import "github.com/chris-alexander-pop/context-reshare/pkg/kv/adapters/memory"
//
//	store := memory.New()
//	defer store.Close()
//
//	err := store.Put(ctx, []byte("k"), []byte("v"))
//	stream, err := store.Read(ctx, kv.Range{GTE: []byte("a"), LT: []byte("z"), Live: true})
//	for pair := range stream.C() { ... }
package kv

import (
	"bytes"
	"context"

	"github.com/chris-alexander-pop/context-reshare/pkg/concurrency"
)

// Sep is the reserved separator byte used to compose multi-field keys.
// It must not appear inside any key fragment.
const Sep = byte(0x00)

// High is the upper-bound byte for prefix ranges; it sorts after any
// separator-composed key fragment.
const High = byte(0xff)

// Pair is one key-value entry emitted by a range read.
type Pair struct {
	Key   []byte
	Value []byte
}

// Op is a single mutation inside an atomic batch.
type Op struct {
	// Delete marks the op as a deletion; Value is ignored.
	Delete bool
	Key    []byte
	Value  []byte
}

// Range bounds an ordered read. Nil bounds are open. GT/GTE and LT/LTE are
// mutually exclusive per side.
type Range struct {
	GT  []byte
	GTE []byte
	LT  []byte
	LTE []byte

	// Reverse emits entries in descending key order. Incompatible with Live.
	Reverse bool

	// Live keeps the stream open after existing entries are exhausted,
	// emitting new writes that fall inside the bounds in commit order.
	Live bool

	// SkipOld suppresses existing entries; only live writes are emitted.
	// Only meaningful with Live.
	SkipOld bool
}

// Stream is an ordered sequence of Pairs with a terminal error.
type Stream = concurrency.Stream[Pair]

// Store defines the ordered key-value storage interface backing the
// materialized views.
type Store interface {
	// Get retrieves the value for key.
	// Returns errors.CodeNotFound if the key does not exist.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put stores value under key, overwriting any existing value.
	Put(ctx context.Context, key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Batch applies all ops atomically: either every mutation is visible or
	// none is. Live readers observe the batch as a unit, in commit order.
	Batch(ctx context.Context, ops []Op) error

	// Read streams entries inside r in key order. With r.Live the stream
	// stays open and emits subsequent matching writes; close the stream (or
	// cancel ctx) to stop. Deletions are not emitted.
	Read(ctx context.Context, r Range) (*Stream, error)

	// Close releases all resources. Open live streams end.
	Close() error
}

// Config holds configuration for the KV store.
type Config struct {
	// Driver specifies the backend: "memory" or "badger".
	Driver string `env:"KV_DRIVER" env-default:"memory"`

	// Dir is the data directory (badger only).
	Dir string `env:"KV_DIR" env-default:"./data"`
}

// Contains reports whether key falls inside r.
func (r Range) Contains(key []byte) bool {
	if r.GT != nil && bytes.Compare(key, r.GT) <= 0 {
		return false
	}
	if r.GTE != nil && bytes.Compare(key, r.GTE) < 0 {
		return false
	}
	if r.LT != nil && bytes.Compare(key, r.LT) >= 0 {
		return false
	}
	if r.LTE != nil && bytes.Compare(key, r.LTE) > 0 {
		return false
	}
	return true
}

// Prefix returns the longest key prefix shared by every key inside r, used by
// backends that watch by prefix.
func (r Range) Prefix() []byte {
	lo := r.GTE
	if lo == nil {
		lo = r.GT
	}
	hi := r.LTE
	if hi == nil {
		hi = r.LT
	}
	if lo == nil || hi == nil {
		return nil
	}
	n := 0
	for n < len(lo) && n < len(hi) && lo[n] == hi[n] {
		n++
	}
	return lo[:n]
}
