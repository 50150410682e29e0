package indexer

import (
	"context"

	"github.com/chris-alexander-pop/context-reshare/pkg/concurrency"
	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/kv"
)

// ReadOptions bounds an ordered index read. Bound fragments are compared
// against the keyfn output; exactly one of EQ or the GT*/LT* bounds should be
// used per side.
type ReadOptions struct {
	GT  string
	GTE string
	LT  string
	LTE string

	// EQ is shorthand for GTE=EQ, LTE=EQ+Sep: an exact-prefix match.
	EQ string

	// SkipOld suppresses existing entries; only live writes are emitted.
	SkipOld bool

	// Live keeps the stream open, emitting index writes as they commit.
	Live bool

	// KeysOnly emits bare index keys without resolving states.
	KeysOnly bool

	// Reverse emits in descending key order. Incompatible with Live.
	Reverse bool
}

// Index is a declared secondary index over an Indexer's states.
type Index[S any] struct {
	ix    *Indexer[S]
	name  string
	keyfn func(s S) string
}

// Name returns the index name.
func (idx *Index[S]) Name() string { return idx.name }

// storeKey maps a keyfn fragment into the index's KV subspace.
func (idx *Index[S]) storeKey(fragment string) []byte {
	out := make([]byte, 0, len(indexPrefix)+len(idx.name)+1+len(fragment))
	out = append(out, indexPrefix...)
	out = append(out, idx.name...)
	out = append(out, kv.Sep)
	return append(out, fragment...)
}

// ReadStream streams index records in key order; with opts.Live it keeps
// tailing new commits. Each record's state is resolved at emission time unless
// opts.KeysOnly is set.
func (idx *Index[S]) ReadStream(ctx context.Context, opts ReadOptions) (*concurrency.Stream[KeyState[S]], error) {
	r, err := idx.bounds(opts)
	if err != nil {
		return nil, err
	}

	inner, err := idx.ix.opts.Store.Read(ctx, r)
	if err != nil {
		return nil, err
	}

	out := concurrency.NewStream[KeyState[S]](16, inner.Close)
	prefixLen := len(idx.storeKey(""))

	concurrency.SafeGo(ctx, func() {
		defer func() {
			if err := inner.Err(); err != nil {
				out.Fail(err)
			}
			out.End()
		}()

		for pair := range inner.C() {
			rec := KeyState[S]{Key: string(pair.Key[prefixLen:])}
			if !opts.KeysOnly {
				state, err := idx.ix.load(ctx, string(pair.Value))
				if err != nil {
					out.Fail(err)
					return
				}
				if state == nil {
					// The pointed-at row was re-indexed mid-read; the
					// replacement entry will carry the current state.
					continue
				}
				rec.State = *state
			}
			if !out.Send(ctx, rec) {
				return
			}
		}
	})

	return out, nil
}

func (idx *Index[S]) bounds(opts ReadOptions) (kv.Range, error) {
	if opts.Live && opts.Reverse {
		return kv.Range{}, errors.New(errors.CodeInvalidArgument, "indexer: live reverse reads are not supported", nil)
	}
	if opts.EQ != "" && (opts.GT != "" || opts.GTE != "" || opts.LT != "" || opts.LTE != "") {
		return kv.Range{}, errors.New(errors.CodeInvalidArgument, "indexer: EQ excludes other bounds", nil)
	}

	r := kv.Range{Live: opts.Live, SkipOld: opts.SkipOld, Reverse: opts.Reverse}
	if opts.EQ != "" {
		r.GTE = idx.storeKey(opts.EQ)
		r.LTE = idx.storeKey(opts.EQ + string(kv.Sep))
		return r, nil
	}

	switch {
	case opts.GT != "":
		r.GT = idx.storeKey(opts.GT)
	case opts.GTE != "":
		r.GTE = idx.storeKey(opts.GTE)
	default:
		r.GTE = idx.storeKey("")
	}
	switch {
	case opts.LT != "":
		r.LT = idx.storeKey(opts.LT)
	case opts.LTE != "":
		r.LTE = idx.storeKey(opts.LTE)
	default:
		r.LT = append(idx.storeKey(""), kv.High)
	}
	return r, nil
}
