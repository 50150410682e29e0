// Package memory provides an in-process feed for development and tests.
// Appends are serialized under one lock; live readers are registered under the
// same lock, so the snapshot-to-tail handoff never loses or doubles an entry.
package memory

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/context-reshare/pkg/concurrency"
	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/feed"
)

type Feed struct {
	mu      sync.Mutex
	entries []feed.Entry
	subs    map[*subscriber]struct{}
	closed  bool
}

func New() *Feed {
	return &Feed{subs: make(map[*subscriber]struct{})}
}

func (f *Feed) Append(ctx context.Context, v feed.ChangeValue) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, errors.New(errors.CodeClosed, "feed: closed", nil)
	}

	e := feed.Entry{Change: uint64(len(f.entries)) + 1, Value: v}
	f.entries = append(f.entries, e)

	for sub := range f.subs {
		sub.enqueue(e)
	}
	return e.Change, nil
}

func (f *Feed) Read(ctx context.Context, opts feed.ReadOptions) (*feed.Stream, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New(errors.CodeClosed, "feed: closed", nil)
	}

	var snapshot []feed.Entry
	if opts.After < uint64(len(f.entries)) {
		snapshot = append(snapshot, f.entries[opts.After:]...)
	}

	stream := concurrency.NewStream[feed.Entry](16, nil)
	var sub *subscriber
	if opts.Live {
		sub = &subscriber{stream: stream, wake: make(chan struct{}, 1)}
		f.subs[sub] = struct{}{}
	}
	f.mu.Unlock()

	go func() {
		defer func() {
			if sub != nil {
				f.mu.Lock()
				delete(f.subs, sub)
				f.mu.Unlock()
			}
			stream.End()
		}()

		for _, e := range snapshot {
			if !stream.Send(ctx, e) {
				return
			}
		}
		if sub == nil {
			return
		}
		sub.pump(ctx)
	}()

	return stream, nil
}

func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	subs := make([]*subscriber, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.stream.Close()
		sub.wakeUp()
	}
	return nil
}

// Len returns the number of appended entries. Test helper.
func (f *Feed) Len() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.entries))
}

type subscriber struct {
	stream *feed.Stream
	mu     sync.Mutex
	queue  []feed.Entry
	wake   chan struct{}
}

func (sub *subscriber) enqueue(e feed.Entry) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, e)
	sub.mu.Unlock()
	sub.wakeUp()
}

func (sub *subscriber) wakeUp() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) pump(ctx context.Context) {
	for {
		sub.mu.Lock()
		pending := sub.queue
		sub.queue = nil
		sub.mu.Unlock()

		for _, e := range pending {
			if !sub.stream.Send(ctx, e) {
				return
			}
		}

		select {
		case <-sub.wake:
		case <-sub.stream.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}
