// Package indexer maintains materialized views over the append-only change
// feed.
//
// An Indexer folds filtered feed entries into one current state per primary
// key and keeps any number of ordered secondary indexes derived from that
// state. State, index rows and the indexer's replay position commit in a
// single atomic batch, so a view can be rebuilt deterministically from the
// feed after any crash: on open the indexer reads its high-water mark and
// resumes the feed strictly above it.
//
// Entries are processed strictly one at a time in feed order. Preprocessing
// may suspend (blob lookups); the next entry does not start until the current
// one commits or is dropped.
//
// Usage:
//
//	ix := indexer.New(indexer.Options[msgState]{
//		Name:       "messages",
//		Feed:       node.Changes(),
//		Store:      db,
//		Filter:     func(e feed.Entry) bool { ... },
//		PrimaryKey: func(e feed.Entry) string { ... },
//		Reduce:     func(prev *msgState, e feed.Entry) (*msgState, error) { ... },
//	})
//	byContext := ix.By("context", func(s msgState) string { ... })
//	if err := ix.Open(ctx); err != nil { ... }
//	stream, err := byContext.ReadStream(ctx, indexer.ReadOptions{Live: true})
package indexer

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"

	"github.com/chris-alexander-pop/context-reshare/pkg/concurrency"
	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/feed"
	"github.com/chris-alexander-pop/context-reshare/pkg/kv"
	"github.com/chris-alexander-pop/context-reshare/pkg/lexint"
	"github.com/chris-alexander-pop/context-reshare/pkg/logger"
)

// ErrDrop is returned by Preprocess or Reduce hooks to skip the current entry
// without failing the pipeline. The indexer's progress still advances.
var ErrDrop = errors.New("INDEXER_DROP", "entry dropped", nil)

// Key subspaces inside the indexer's KV namespace.
var (
	primaryPrefix = []byte{'p', kv.Sep}
	indexPrefix   = []byte{'i', kv.Sep}
	metaHighWater = []byte{'m', kv.Sep, 'h', 'w', 'm'}
)

// Options configures an Indexer over state type S. S must marshal to JSON
// deterministically (a flat struct, not a map).
type Options[S any] struct {
	// Name labels the indexer in logs.
	Name string

	// Feed is the change log to tail.
	Feed feed.Feed

	// Store is the KV namespace exclusively owned by this indexer.
	Store kv.Store

	// Filter decides which entries the view consumes. Nil consumes all.
	Filter func(e feed.Entry) bool

	// Preprocess may hydrate the entry (blob and metadata lookups) before
	// reduction. Return ErrDrop to skip the entry. Nil is a no-op.
	Preprocess func(ctx context.Context, e *feed.Entry) error

	// PrimaryKey routes the entry to a state row. Empty string skips.
	PrimaryKey func(e feed.Entry) string

	// Reduce folds the entry into the previous state (nil when absent) and
	// returns the next state. Return ErrDrop to skip. A next state deeply
	// equal to prev is skipped without writing.
	Reduce func(prev *S, e feed.Entry) (*S, error)
}

// Update is one post-commit state emitted on the live updates stream.
type Update[S any] struct {
	Key   string
	State S
}

// KeyState is one record emitted by an index read.
type KeyState[S any] struct {
	// Key is the index key fragment (without internal prefixes).
	Key string

	// State is the current state of the row the index entry points at.
	// Unset when the read asked for keys only.
	State S
}

// Indexer is a single materialized view. Create with New, declare secondary
// indexes with By, then Open.
type Indexer[S any] struct {
	opts    Options[S]
	indexes []*Index[S]

	mu      sync.Mutex // guards commits and subscriber registration
	updates map[*updateSub[S]]struct{}
	hwm     uint64
	opened  bool
	failed  error

	cancel context.CancelFunc
	done   chan struct{}
	src    *feed.Stream
}

// New creates an Indexer. Secondary indexes must be declared before Open.
func New[S any](opts Options[S]) *Indexer[S] {
	return &Indexer[S]{
		opts:    opts,
		updates: make(map[*updateSub[S]]struct{}),
		done:    make(chan struct{}),
	}
}

// By declares an ordered secondary index. keyfn maps a state to its index key
// fragment; an empty fragment keeps the state out of the index.
func (ix *Indexer[S]) By(name string, keyfn func(s S) string) *Index[S] {
	idx := &Index[S]{ix: ix, name: name, keyfn: keyfn}
	ix.indexes = append(ix.indexes, idx)
	return idx
}

// Open reads the high-water mark and starts consuming the feed above it.
func (ix *Indexer[S]) Open(ctx context.Context) error {
	ix.mu.Lock()
	if ix.opened {
		ix.mu.Unlock()
		return errors.New(errors.CodeInvalidArgument, "indexer: already open", nil)
	}
	ix.opened = true
	ix.mu.Unlock()

	hwm, err := ix.readHighWater(ctx)
	if err != nil {
		return err
	}
	ix.hwm = hwm

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ix.cancel = cancel

	src, err := ix.opts.Feed.Read(runCtx, feed.ReadOptions{After: hwm, Live: true})
	if err != nil {
		cancel()
		return errors.Wrap(err, "indexer: feed read failed")
	}
	ix.src = src

	concurrency.SafeGo(runCtx, func() {
		defer close(ix.done)
		ix.run(runCtx, src)
	})
	return nil
}

func (ix *Indexer[S]) run(ctx context.Context, src *feed.Stream) {
	for e := range src.C() {
		if err := ix.process(ctx, e); err != nil {
			// UnderlyingKVError: fail loudly, no implicit retry.
			logger.L().ErrorContext(ctx, "indexer pipeline failed",
				"indexer", ix.opts.Name, "change", e.Change, "error", err)
			ix.fail(err)
			return
		}
	}
	if err := src.Err(); err != nil {
		logger.L().ErrorContext(ctx, "indexer feed stream failed",
			"indexer", ix.opts.Name, "error", err)
		ix.fail(err)
	}
}

func (ix *Indexer[S]) process(ctx context.Context, e feed.Entry) error {
	// Progress is tracked separately from business state: every consumed
	// entry advances the in-memory mark, which is persisted with the next
	// state commit and flushed on Close.
	defer func() {
		ix.mu.Lock()
		if e.Change > ix.hwm {
			ix.hwm = e.Change
		}
		ix.mu.Unlock()
	}()

	if ix.opts.Filter != nil && !ix.opts.Filter(e) {
		return nil
	}

	if ix.opts.Preprocess != nil {
		if err := ix.opts.Preprocess(ctx, &e); err != nil {
			if errors.Is(err, ErrDrop) {
				return nil
			}
			return err
		}
	}

	key := ix.opts.PrimaryKey(e)
	if key == "" {
		return nil
	}

	prev, err := ix.load(ctx, key)
	if err != nil {
		return err
	}

	next, err := ix.opts.Reduce(prev, e)
	if err != nil {
		if errors.Is(err, ErrDrop) {
			return nil
		}
		return err
	}
	if next == nil {
		return nil
	}
	if prev != nil && reflect.DeepEqual(*prev, *next) {
		// No state change; skip the write to avoid index churn.
		return nil
	}

	return ix.commit(ctx, key, prev, next, e.Change)
}

func (ix *Indexer[S]) commit(ctx context.Context, key string, prev, next *S, change uint64) error {
	value, err := json.Marshal(next)
	if err != nil {
		return errors.Wrap(err, "indexer: marshal state failed")
	}

	ops := []kv.Op{{Key: primaryKey(key), Value: value}}
	for _, idx := range ix.indexes {
		var oldKey, newKey string
		if prev != nil {
			oldKey = idx.keyfn(*prev)
		}
		newKey = idx.keyfn(*next)
		if oldKey != "" && oldKey != newKey {
			ops = append(ops, kv.Op{Delete: true, Key: idx.storeKey(oldKey)})
		}
		if newKey != "" {
			ops = append(ops, kv.Op{Key: idx.storeKey(newKey), Value: []byte(key)})
		}
	}
	ops = append(ops, kv.Op{Key: metaHighWater, Value: []byte(lexint.Encode(change))})

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.opts.Store.Batch(ctx, ops); err != nil {
		return err
	}

	// Queued, not sent inline: a slow updates consumer must never stall the
	// pipeline while it holds the commit lock.
	for sub := range ix.updates {
		sub.enqueue(Update[S]{Key: key, State: *next})
	}
	return nil
}

func (ix *Indexer[S]) load(ctx context.Context, key string) (*S, error) {
	raw, err := ix.opts.Store.Get(ctx, primaryKey(key))
	if errors.HasCode(err, errors.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s S
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrap(err, "indexer: unmarshal state failed")
	}
	return &s, nil
}

// Get returns the current state for a primary key.
// Returns errors.CodeNotFound when no state exists.
func (ix *Indexer[S]) Get(ctx context.Context, key string) (*S, error) {
	s, err := ix.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New(errors.CodeNotFound, "state not found", nil)
	}
	return s, nil
}

// Updates returns a live stream of every post-commit state. No replay of
// existing rows; use an index ReadStream for that.
func (ix *Indexer[S]) Updates(ctx context.Context) *concurrency.Stream[Update[S]] {
	stream := concurrency.NewStream[Update[S]](16, nil)
	sub := &updateSub[S]{stream: stream, wake: make(chan struct{}, 1)}

	ix.mu.Lock()
	if ix.failed != nil {
		err := ix.failed
		ix.mu.Unlock()
		stream.Fail(err)
		return stream
	}
	ix.updates[sub] = struct{}{}
	ix.mu.Unlock()

	concurrency.SafeGo(ctx, func() {
		defer func() {
			ix.mu.Lock()
			delete(ix.updates, sub)
			ix.mu.Unlock()
			stream.End()
		}()
		sub.pump(ctx)
	})
	return stream
}

// updateSub buffers post-commit updates for one live consumer so the commit
// path never blocks on a slow reader.
type updateSub[S any] struct {
	stream *concurrency.Stream[Update[S]]
	mu     sync.Mutex
	queue  []Update[S]
	wake   chan struct{}
}

func (sub *updateSub[S]) enqueue(u Update[S]) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, u)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *updateSub[S]) pump(ctx context.Context) {
	for {
		sub.mu.Lock()
		pending := sub.queue
		sub.queue = nil
		sub.mu.Unlock()

		for _, u := range pending {
			if !sub.stream.Send(ctx, u) {
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

// HighWater returns the greatest feed index the indexer has consumed.
func (ix *Indexer[S]) HighWater() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.hwm
}

// Err returns the pipeline's terminal error, if it failed.
func (ix *Indexer[S]) Err() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.failed
}

func (ix *Indexer[S]) fail(err error) {
	ix.mu.Lock()
	if ix.failed == nil {
		ix.failed = err
	}
	subs := make([]*updateSub[S], 0, len(ix.updates))
	for sub := range ix.updates {
		subs = append(subs, sub)
	}
	clear(ix.updates)
	ix.mu.Unlock()

	for _, sub := range subs {
		sub.stream.Fail(err)
	}
}

// Close stops the pipeline and flushes the high-water mark. It does not close
// the KV namespace; the owner does.
func (ix *Indexer[S]) Close(ctx context.Context) error {
	ix.mu.Lock()
	if !ix.opened {
		ix.mu.Unlock()
		return nil
	}
	cancel := ix.cancel
	src := ix.src
	ix.cancel = nil
	ix.mu.Unlock()

	if cancel == nil {
		return nil
	}
	if src != nil {
		src.Close()
	}
	cancel()
	<-ix.done

	ix.fail(errors.New(errors.CodeClosed, "indexer: closed", nil))

	ix.mu.Lock()
	hwm := ix.hwm
	ix.mu.Unlock()
	if hwm > 0 {
		if err := ix.opts.Store.Put(ctx, metaHighWater, []byte(lexint.Encode(hwm))); err != nil {
			return errors.Wrap(err, "indexer: flush high-water mark failed")
		}
	}
	return nil
}

func (ix *Indexer[S]) readHighWater(ctx context.Context) (uint64, error) {
	raw, err := ix.opts.Store.Get(ctx, metaHighWater)
	if errors.HasCode(err, errors.CodeNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "indexer: read high-water mark failed")
	}
	n, err := lexint.Decode(string(raw))
	if err != nil {
		return 0, errors.Wrap(err, "indexer: corrupt high-water mark")
	}
	return n, nil
}

func primaryKey(key string) []byte {
	out := make([]byte, 0, len(primaryPrefix)+len(key))
	out = append(out, primaryPrefix...)
	return append(out, key...)
}
