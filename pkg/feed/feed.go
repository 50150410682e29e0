// Package feed provides a unified interface for the node's append-only change
// log.
//
// A feed assigns every appended value a monotonic 1-based change index and
// replays entries in order, without gaps, from any starting offset. Reads can
// tail the feed live: after the existing entries are exhausted the stream
// stays open and emits new appends as they land.
//
// Supported backends:
//   - Memory: In-process feed for testing and development
//   - JetStream: NATS JetStream stream for production
//
// Usage:
//
//	import "github.com/chris-alexander-pop/context-reshare/pkg/feed/adapters/memory"
//
//	f := memory.New()
//	change, err := f.Append(ctx, feed.ChangeValue{Topic: feed.TopicShareContext, ...})
//	stream, err := f.Read(ctx, feed.ReadOptions{After: 0, Live: true})
//	for e := range stream.C() { ... }
package feed

import (
	"context"

	"github.com/chris-alexander-pop/context-reshare/pkg/concurrency"
)

// Topics distinguishing change payload variants.
const (
	// TopicNewObject announces a newly observed object.
	TopicNewObject = "newobj"

	// TopicShareContext is the control record activating a share.
	TopicShareContext = "sharectx"

	// TopicUnshareContext is the control record deactivating a share.
	TopicUnshareContext = "unsharectx"
)

// ObjectInfo describes the object referenced by a wrapper message.
type ObjectInfo struct {
	Permalink string `json:"permalink"`
	Link      string `json:"link"`
	Type      string `json:"type"`

	// Object is the referenced object's body, attached by preprocessing.
	// Never persisted.
	Object map[string]any `json:"-"`

	// Entry is the referenced object's original feed entry, attached by
	// preprocessing. Never persisted.
	Entry *Entry `json:"-"`
}

// ChangeValue is the payload of one feed entry. The set of meaningful fields
// depends on Topic.
type ChangeValue struct {
	Topic string `json:"topic"`

	// newobj fields.
	Type       string      `json:"type,omitempty"`
	Permalink  string      `json:"permalink,omitempty"`
	Link       string      `json:"link,omitempty"`
	Recipient  string      `json:"recipient,omitempty"`
	ObjectInfo *ObjectInfo `json:"objectinfo,omitempty"`

	// sharectx / unsharectx fields.
	Context   string `json:"context,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// Object is the resolved body of Permalink, attached by preprocessing.
	// Never persisted.
	Object map[string]any `json:"-"`
}

// Entry is one change: the feed-assigned index plus the payload. Change
// indexes start at 1.
type Entry struct {
	Change uint64      `json:"change"`
	Value  ChangeValue `json:"value"`
}

// ReadOptions selects the starting offset and tailing mode of a read.
type ReadOptions struct {
	// After is the change index to resume after (exclusive). Zero replays
	// from the beginning.
	After uint64

	// Live keeps the stream open, emitting appends as they happen.
	Live bool
}

// Stream is an ordered sequence of Entries with a terminal error.
type Stream = concurrency.Stream[Entry]

// Feed is the append-only change log contract.
type Feed interface {
	// Append serializes v onto the log and returns its assigned change index.
	Append(ctx context.Context, v ChangeValue) (uint64, error)

	// Read streams entries in change order starting after opts.After.
	Read(ctx context.Context, opts ReadOptions) (*Stream, error)

	// Close releases resources. Open streams end.
	Close() error
}
