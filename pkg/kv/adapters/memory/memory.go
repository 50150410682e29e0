// Package memory provides an in-memory ordered KV store for development and
// tests. Snapshot-then-live handoff is gapless: a live Read registers its
// subscriber under the same lock that serializes commits, so every write is
// either in the snapshot or queued for the tail, never lost and never doubled.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/chris-alexander-pop/context-reshare/pkg/concurrency"
	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/kv"
)

type Store struct {
	mu     sync.Mutex
	data   map[string][]byte
	keys   []string // sorted view over data
	subs   map[*subscriber]struct{}
	closed bool
}

func New() *Store {
	return &Store{
		data: make(map[string][]byte),
		subs: make(map[*subscriber]struct{}),
	}
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New(errors.CodeClosed, "kv: store is closed", nil)
	}
	v, ok := s.data[string(key)]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "key not found", nil)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.Batch(ctx, []kv.Op{{Key: key, Value: value}})
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	return s.Batch(ctx, []kv.Op{{Delete: true, Key: key}})
}

func (s *Store) Batch(ctx context.Context, ops []kv.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.CodeClosed, "kv: store is closed", nil)
	}

	for _, op := range ops {
		k := string(op.Key)
		if op.Delete {
			if _, ok := s.data[k]; ok {
				delete(s.data, k)
				s.removeKey(k)
			}
			continue
		}
		if _, ok := s.data[k]; !ok {
			s.insertKey(k)
		}
		v := make([]byte, len(op.Value))
		copy(v, op.Value)
		s.data[k] = v
	}

	// Notify live readers in commit order, puts only.
	for _, op := range ops {
		if op.Delete {
			continue
		}
		for sub := range s.subs {
			if sub.r.Contains(op.Key) {
				sub.enqueue(kv.Pair{Key: cloneBytes(op.Key), Value: cloneBytes(op.Value)})
			}
		}
	}
	return nil
}

func (s *Store) Read(ctx context.Context, r kv.Range) (*kv.Stream, error) {
	if r.Live && r.Reverse {
		return nil, errors.New(errors.CodeInvalidArgument, "kv: live reverse reads are not supported", nil)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New(errors.CodeClosed, "kv: store is closed", nil)
	}

	var snapshot []kv.Pair
	if !r.SkipOld {
		snapshot = s.collect(r)
	}

	var sub *subscriber
	stream := concurrency.NewStream[kv.Pair](16, nil)
	if r.Live {
		sub = &subscriber{r: r, stream: stream, wake: make(chan struct{}, 1)}
		s.subs[sub] = struct{}{}
	}
	s.mu.Unlock()

	go func() {
		defer func() {
			if sub != nil {
				s.mu.Lock()
				delete(s.subs, sub)
				s.mu.Unlock()
			}
			stream.End()
		}()

		for _, p := range snapshot {
			if !stream.Send(ctx, p) {
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

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stream.Close()
		sub.wakeUp()
	}
	return nil
}

// Reopen makes a closed store usable again with its data intact. Test doubles
// hand namespaces back to re-opened engines this way; a real backend would
// simply be opened from disk again.
func (s *Store) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.closed = false
		s.subs = make(map[*subscriber]struct{})
	}
}

func (s *Store) collect(r kv.Range) []kv.Pair {
	var out []kv.Pair
	for _, k := range s.keys {
		if !r.Contains([]byte(k)) {
			continue
		}
		out = append(out, kv.Pair{Key: []byte(k), Value: cloneBytes(s.data[k])})
	}
	if r.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func (s *Store) insertKey(k string) {
	i := sort.SearchStrings(s.keys, k)
	s.keys = append(s.keys, "")
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = k
}

func (s *Store) removeKey(k string) {
	i := sort.SearchStrings(s.keys, k)
	if i < len(s.keys) && s.keys[i] == k {
		s.keys = append(s.keys[:i], s.keys[i+1:]...)
	}
}

// subscriber buffers matching commits for one live reader. The queue is
// unbounded so a slow reader never blocks the committer.
type subscriber struct {
	r      kv.Range
	stream *kv.Stream
	mu     sync.Mutex
	queue  []kv.Pair
	wake   chan struct{}
}

func (sub *subscriber) enqueue(p kv.Pair) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, p)
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

		for _, p := range pending {
			if !sub.stream.Send(ctx, p) {
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

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
