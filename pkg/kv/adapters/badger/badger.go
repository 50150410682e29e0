// Package badger provides a persistent ordered KV store backed by BadgerDB.
//
// Batches commit in a single transaction; live range reads combine a snapshot
// iteration with a version-filtered subscription so tailing readers observe
// writes in commit order. A commit racing the snapshot cut may be emitted
// twice; consumers of live streams must be idempotent.
package badger

import (
	"context"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"

	"github.com/chris-alexander-pop/context-reshare/pkg/concurrency"
	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/kv"
	"github.com/chris-alexander-pop/context-reshare/pkg/logger"
)

// Config holds configuration for the badger adapter.
type Config struct {
	// Dir is the data directory.
	Dir string `env:"KV_BADGER_DIR" env-default:"./data"`

	// InMemory runs badger without touching disk (tests).
	InMemory bool `env:"KV_BADGER_IN_MEMORY" env-default:"false"`
}

type Store struct {
	db *badgerdb.DB

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel []context.CancelFunc
	closed bool
}

// New opens a badger-backed store.
func New(cfg Config) (*Store, error) {
	opts := badgerdb.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "badger: open failed", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, errors.New(errors.CodeNotFound, "key not found", err)
	}
	if err != nil {
		return nil, errors.Wrap(err, "badger: get failed")
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.Batch(ctx, []kv.Op{{Key: key, Value: value}})
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	return s.Batch(ctx, []kv.Op{{Delete: true, Key: key}})
}

func (s *Store) Batch(ctx context.Context, ops []kv.Op) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		for _, op := range ops {
			if op.Delete {
				if err := txn.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "badger: batch failed")
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
	subCtx, cancel := context.WithCancel(context.Background())
	s.cancel = append(s.cancel, cancel)
	s.wg.Add(1)
	s.mu.Unlock()

	stream := concurrency.NewStream[kv.Pair](16, cancel)

	go func() {
		defer s.wg.Done()
		defer stream.End()

		// Live subscriptions start before the snapshot so no commit falls in
		// between; the version cut filters out what the snapshot already saw.
		var (
			pending  []kv.Pair
			pendMu   sync.Mutex
			pendWake = make(chan struct{}, 1)
			subDone  chan error
		)
		cutoff := s.db.MaxVersion()
		if r.Live {
			subDone = make(chan error, 1)
			match := []pb.Match{{Prefix: r.Prefix()}}
			go func() {
				subDone <- s.db.Subscribe(subCtx, func(kvs *badgerdb.KVList) error {
					pendMu.Lock()
					for _, e := range kvs.Kv {
						if len(e.Value) == 0 { // deletion
							continue
						}
						if e.Version <= cutoff {
							continue
						}
						if !r.Contains(e.Key) {
							continue
						}
						pending = append(pending, kv.Pair{Key: e.Key, Value: e.Value})
					}
					pendMu.Unlock()
					select {
					case pendWake <- struct{}{}:
					default:
					}
					return nil
				}, match)
			}()
		}

		if !r.SkipOld {
			if err := s.snapshot(r, func(p kv.Pair) bool {
				return stream.Send(ctx, p)
			}); err != nil {
				stream.Fail(errors.Wrap(err, "badger: range read failed"))
				return
			}
		}

		if !r.Live {
			return
		}

		for {
			pendMu.Lock()
			batch := pending
			pending = nil
			pendMu.Unlock()

			for _, p := range batch {
				if !stream.Send(ctx, p) {
					return
				}
			}

			select {
			case <-pendWake:
			case err := <-subDone:
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.L().ErrorContext(ctx, "badger subscription ended", "error", err)
					stream.Fail(errors.Wrap(err, "badger: subscription failed"))
				}
				return
			case <-stream.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return stream, nil
}

func (s *Store) snapshot(r kv.Range, emit func(kv.Pair) bool) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = r.Reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		start := r.GTE
		if start == nil {
			start = r.GT
		}
		if r.Reverse {
			start = r.LTE
			if start == nil {
				start = r.LT
			}
		}

		if start != nil {
			it.Seek(start)
		} else {
			it.Rewind()
		}
		for ; it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if !r.Contains(key) {
				if pastEnd(r, key) {
					break
				}
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !emit(kv.Pair{Key: key, Value: value}) {
				return nil
			}
		}
		return nil
	})
}

// pastEnd reports whether key is beyond the terminal bound for the iteration
// direction, allowing the scan to stop instead of filtering to the end.
func pastEnd(r kv.Range, key []byte) bool {
	if r.Reverse {
		return (r.GT != nil && !r.Contains(key) && lte(key, r.GT)) ||
			(r.GTE != nil && !r.Contains(key) && lt(key, r.GTE))
	}
	return (r.LT != nil && !lt(key, r.LT)) || (r.LTE != nil && !lte(key, r.LTE))
}

func lt(a, b []byte) bool  { return string(a) < string(b) }
func lte(a, b []byte) bool { return string(a) <= string(b) }

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "badger: close failed")
	}
	return nil
}
