// Package reshare implements context-based message re-sharing on top of a
// peer-to-peer messaging node.
//
// Declaring that a context should be shared with a recipient makes the engine
// forward every message bearing that context — past and future — to that
// recipient exactly once, in the order the messages were observed locally,
// resuming correctly after restarts.
//
// Two materialized views derived from the node's change feed carry all state:
// the message view (permalink -> context/seq) and the share view
// ((context, recipient) -> cursor). Share and Unshare append control records
// to the same feed, so the views are the single source of truth and survive
// restarts. The forwarding controller tails the active pairs and runs one
// delivery session per pair; cursors advance when the node re-observes the
// outbound wrappers, which is what prevents re-forwarding after a restart.
//
// Usage:
//
//	engine, err := reshare.New(reshare.Options{Node: n, DB: "contexts.db"})
//	err = engine.Share(ctx, reshare.ShareRequest{Context: "boo!", Recipient: peer})
//	stream, err := engine.Messages(ctx, reshare.MessagesRequest{Context: "boo!", Recipient: peer})
//	defer engine.Close(ctx)
package reshare

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chris-alexander-pop/context-reshare/pkg/concurrency"
	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/feed"
	"github.com/chris-alexander-pop/context-reshare/pkg/indexer"
	"github.com/chris-alexander-pop/context-reshare/pkg/kv"
	"github.com/chris-alexander-pop/context-reshare/pkg/lexint"
	"github.com/chris-alexander-pop/context-reshare/pkg/logger"
	"github.com/chris-alexander-pop/context-reshare/pkg/node"
)

// ContextFunc derives the grouping context from a message body. Empty string
// means the message has no context and is never re-shared.
type ContextFunc func(body map[string]any) string

// SeqFunc derives the sequence a message is accounted under. The default is
// the feed index the message was observed at.
type SeqFunc func(e feed.Entry) uint64

// Options configures an engine.
type Options struct {
	// Node is the host messaging node. Required.
	Node node.Node

	// DB names the engine's KV namespaces: msg-<DB> and ctx-<DB>.
	DB string `env:"RESHARE_DB" env-default:"contexts.db"`

	// GetContext overrides context extraction. Default reads the body's
	// context field.
	GetContext ContextFunc

	// GetMessageSeq overrides sequence derivation. Default is the feed index.
	GetMessageSeq SeqFunc

	// Worker overrides delivery. Default forwards through the node's send.
	Worker Worker
}

// Engine is a context re-sharing engine bound to one node.
type Engine struct {
	node          node.Node
	db            string
	getContext    ContextFunc
	getMessageSeq SeqFunc
	worker        Worker

	msgStore kv.Store
	ctxStore kv.Store

	messages  *indexer.Indexer[MessageState]
	shares    *indexer.Indexer[ShareState]
	byContext *indexer.Index[MessageState]
	byPair    *indexer.Index[ShareState]

	controller *controller

	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds an engine over the node, rebuilds both views from the feed (or
// resumes them from their high-water marks) and starts the forwarding
// controller.
func New(opts Options) (*Engine, error) {
	if opts.Node == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "reshare: node is required", nil)
	}
	if opts.DB == "" {
		opts.DB = "contexts.db"
	}

	e := &Engine{
		node:          opts.Node,
		db:            opts.DB,
		getContext:    opts.GetContext,
		getMessageSeq: opts.GetMessageSeq,
		worker:        opts.Worker,
	}
	if e.getContext == nil {
		e.getContext = func(body map[string]any) string {
			c, _ := body[node.ContextField].(string)
			return c
		}
	}
	if e.getMessageSeq == nil {
		e.getMessageSeq = func(entry feed.Entry) uint64 { return entry.Change }
	}
	if e.worker == nil {
		e.worker = NewInstrumentedWorker(NewNodeWorker(opts.Node))
	}

	msgStore, err := opts.Node.CreateDB("msg-" + opts.DB)
	if err != nil {
		return nil, errors.Wrap(err, "reshare: create message namespace failed")
	}
	ctxStore, err := opts.Node.CreateDB("ctx-" + opts.DB)
	if err != nil {
		return nil, errors.Wrap(err, "reshare: create share namespace failed")
	}
	e.msgStore = kv.NewInstrumentedStore(msgStore, "msg-"+opts.DB)
	e.ctxStore = kv.NewInstrumentedStore(ctxStore, "ctx-"+opts.DB)

	e.messages = e.messageView(e.msgStore)
	e.shares = e.shareView(e.ctxStore)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if err := e.messages.Open(runCtx); err != nil {
		cancel()
		return nil, err
	}
	if err := e.shares.Open(runCtx); err != nil {
		cancel()
		_ = e.messages.Close(context.Background())
		return nil, err
	}

	e.controller = newController(e)
	e.controller.start(runCtx)

	concurrency.SafeGo(runCtx, func() {
		select {
		case <-opts.Node.Destroying():
			if err := e.Close(context.Background()); err != nil {
				logger.L().Error("engine close on node destroy failed",
					"node", opts.Node.Name(), "error", err)
			}
		case <-runCtx.Done():
		}
	})

	logger.L().Info("reshare engine open", "node", opts.Node.Name(), "db", opts.DB)
	return e, nil
}

// ShareRequest declares that a context should be shared with a recipient.
type ShareRequest struct {
	Context   string
	Recipient string

	// Seq is the starting cursor, applied only on the first share for the
	// pair. Zero shares from the beginning.
	Seq uint64
}

// Share appends the share control record to the feed. The share takes effect
// when the record re-enters the share view.
func (e *Engine) Share(ctx context.Context, req ShareRequest) error {
	if err := e.checkPair(req.Context, req.Recipient); err != nil {
		return err
	}
	_, err := e.node.Changes().Append(ctx, feed.ChangeValue{
		Topic:     feed.TopicShareContext,
		Context:   req.Context,
		Recipient: req.Recipient,
		Seq:       req.Seq,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return errors.Wrap(err, "reshare: share append failed")
	}
	return nil
}

// UnshareRequest deactivates a share.
type UnshareRequest struct {
	Context   string
	Recipient string
}

// Unshare appends the unshare control record. Unsharing a pair that was never
// shared is a no-op.
func (e *Engine) Unshare(ctx context.Context, req UnshareRequest) error {
	if err := e.checkPair(req.Context, req.Recipient); err != nil {
		return err
	}
	_, err := e.node.Changes().Append(ctx, feed.ChangeValue{
		Topic:     feed.TopicUnshareContext,
		Context:   req.Context,
		Recipient: req.Recipient,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return errors.Wrap(err, "reshare: unshare append failed")
	}
	return nil
}

// Position returns the pair's cursor: the greatest feed index already
// accounted for. Fails with CodeNotShared when the pair has no active share.
func (e *Engine) Position(ctx context.Context, contextID, recipient string) (uint64, error) {
	if err := e.checkPair(contextID, recipient); err != nil {
		return 0, err
	}

	stream, err := e.byPair.ReadStream(ctx, indexer.ReadOptions{
		EQ: contextID + sep + recipient + sep,
	})
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	for rec := range stream.C() {
		if rec.State.Active {
			return rec.State.Seq, nil
		}
	}
	if err := stream.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNotShared(contextID, recipient)
}

// Seq is an alias of Position.
func (e *Engine) Seq(ctx context.Context, contextID, recipient string) (uint64, error) {
	return e.Position(ctx, contextID, recipient)
}

// MessagesRequest selects a pair's unforwarded messages.
type MessagesRequest struct {
	Context   string
	Recipient string
	Live      bool
}

// Messages streams the messages of the pair's context strictly above its
// cursor. The pair must have an active share; otherwise the call fails with
// CodeNotShared.
func (e *Engine) Messages(ctx context.Context, req MessagesRequest) (*concurrency.Stream[MessageState], error) {
	pos, err := e.Position(ctx, req.Context, req.Recipient)
	if err != nil {
		return nil, err
	}
	return e.CreateContextStream(ctx, ContextStreamOptions{
		Context: req.Context,
		Seq:     pos,
		Live:    req.Live,
	})
}

// ContextStreamOptions selects a context tail.
type ContextStreamOptions struct {
	Context string

	// Seq is the cursor to resume strictly above.
	Seq uint64

	Live bool
}

// CreateContextStream tails the message view for one context in observation
// order, starting strictly above opts.Seq.
func (e *Engine) CreateContextStream(ctx context.Context, opts ContextStreamOptions) (*concurrency.Stream[MessageState], error) {
	if opts.Context == "" {
		return nil, ErrInvalidRequest("context is required")
	}
	inner, err := e.byContext.ReadStream(ctx, contextBounds(opts))
	if err != nil {
		return nil, err
	}

	out := concurrency.NewStream[MessageState](16, inner.Close)
	concurrency.SafeGo(ctx, func() {
		defer func() {
			if err := inner.Err(); err != nil {
				out.Fail(err)
			}
			out.End()
		}()
		for rec := range inner.C() {
			if !out.Send(ctx, rec.State) {
				return
			}
		}
	})
	return out, nil
}

// Context is an alias of CreateContextStream.
func (e *Engine) Context(ctx context.Context, opts ContextStreamOptions) (*concurrency.Stream[MessageState], error) {
	return e.CreateContextStream(ctx, opts)
}

func contextBounds(opts ContextStreamOptions) indexer.ReadOptions {
	// The trailing sep+high sorts after every row at exactly opts.Seq, so the
	// message the cursor already accounts for is excluded.
	return indexer.ReadOptions{
		GT:   opts.Context + sep + lexint.Encode(opts.Seq) + sep + high,
		LT:   opts.Context + sep + high,
		Live: opts.Live,
	}
}

// CursorOptions selects the share-state stream mode.
type CursorOptions struct {
	Live bool
}

// Cursor streams the active share states in (context, recipient) order.
func (e *Engine) Cursor(ctx context.Context, opts CursorOptions) (*concurrency.Stream[ShareState], error) {
	inner, err := e.byPair.ReadStream(ctx, indexer.ReadOptions{Live: opts.Live})
	if err != nil {
		return nil, err
	}

	out := concurrency.NewStream[ShareState](16, inner.Close)
	concurrency.SafeGo(ctx, func() {
		defer func() {
			if err := inner.Err(); err != nil {
				out.Fail(err)
			}
			out.End()
		}()
		for rec := range inner.C() {
			if !rec.State.Active {
				continue
			}
			if !out.Send(ctx, rec.State) {
				return
			}
		}
	})
	return out, nil
}

// Close shuts the engine down: the controller stops, both view pipelines
// stop, and both KV namespaces close in parallel. Idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()
		e.controller.stop()

		var errs []error
		if err := e.messages.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := e.shares.Close(ctx); err != nil {
			errs = append(errs, err)
		}

		var g errgroup.Group
		g.Go(e.msgStore.Close)
		g.Go(e.ctxStore.Close)
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}

		e.closeErr = errors.Join(errs...)
		logger.L().Info("reshare engine closed", "node", e.node.Name(), "db", e.db)
	})
	return e.closeErr
}

func (e *Engine) isClosed() bool {
	return e.closed.Load()
}

func (e *Engine) checkPair(contextID, recipient string) error {
	if e.isClosed() {
		return ErrClosed()
	}
	if contextID == "" {
		return ErrInvalidRequest("context is required")
	}
	if recipient == "" {
		return ErrInvalidRequest("recipient is required")
	}
	if strings.ContainsRune(contextID, rune(kv.Sep)) || strings.ContainsRune(recipient, rune(kv.Sep)) {
		return ErrInvalidRequest("context and recipient must not contain the separator")
	}
	return nil
}
