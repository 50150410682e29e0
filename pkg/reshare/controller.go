package reshare

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/context-reshare/pkg/concurrency"
	"github.com/chris-alexander-pop/context-reshare/pkg/indexer"
	"github.com/chris-alexander-pop/context-reshare/pkg/lexint"
	"github.com/chris-alexander-pop/context-reshare/pkg/logger"
)

// controller owns the fan-out: one live delivery session per active
// (context, recipient) pair. At most one session per pair runs in this
// process; the inflight map does not protect two engines sharing a KV.
type controller struct {
	engine *Engine

	mu       sync.Mutex
	inflight map[string]*session
	stopped  bool
}

type session struct {
	state  ShareState
	cancel context.CancelFunc
}

func newController(e *Engine) *controller {
	return &controller{
		engine:   e,
		inflight: make(map[string]*session),
	}
}

// start subscribes to the active pairs (existing and future) and to share
// state updates for prompt unshare cancellation.
func (c *controller) start(ctx context.Context) {
	concurrency.SafeGo(ctx, func() {
		stream, err := c.engine.byPair.ReadStream(ctx, indexer.ReadOptions{Live: true})
		if err != nil {
			logger.L().ErrorContext(ctx, "controller pair stream failed", "error", err)
			return
		}
		defer stream.Close()

		for rec := range stream.C() {
			// Inactive rows never reach the index, but a stale row that leaks
			// through must not start a session.
			if !rec.State.Active {
				continue
			}
			c.open(ctx, rec.State)
		}
		if err := stream.Err(); err != nil {
			logger.L().ErrorContext(ctx, "controller pair stream ended", "error", err)
		}
	})

	concurrency.SafeGo(ctx, func() {
		updates := c.engine.shares.Updates(ctx)
		defer updates.Close()

		for u := range updates.C() {
			if !u.State.Active {
				c.cancelPair(u.State.Context, u.State.Recipient)
			}
		}
	})
}

// open starts a delivery session for the pair unless one is already inflight.
func (c *controller) open(ctx context.Context, state ShareState) {
	key := pairKey(state.Context, state.Recipient)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if _, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return
	}
	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{state: state, cancel: cancel}
	c.inflight[key] = sess
	c.mu.Unlock()

	logger.L().DebugContext(ctx, "forwarding session open",
		"context", state.Context, "recipient", state.Recipient, "seq", state.Seq)

	concurrency.SafeGo(sessCtx, func() {
		defer func() {
			cancel()
			c.mu.Lock()
			if c.inflight[key] == sess {
				delete(c.inflight, key)
			}
			c.mu.Unlock()
		}()
		c.run(sessCtx, state)
	})
}

// run tails the context's messages strictly above the pair's cursor and hands
// each one to the worker. Acknowledgement is indirect: the outbound wrapper
// re-enters the feed and advances the pair's cursor through the share view.
func (c *controller) run(ctx context.Context, state ShareState) {
	stream, err := c.engine.byContext.ReadStream(ctx, indexer.ReadOptions{
		GT:   state.Context + sep + lexint.Encode(state.Seq) + sep + high,
		LT:   state.Context + sep + high,
		Live: true,
	})
	if err != nil {
		logger.L().ErrorContext(ctx, "forwarding session stream failed",
			"context", state.Context, "recipient", state.Recipient, "error", err)
		return
	}
	defer stream.Close()

	for rec := range stream.C() {
		m := rec.State
		err := c.engine.worker.Work(ctx, Delivery{
			Context:   state.Context,
			Recipient: state.Recipient,
			Link:      m.Permalink,
			Permalink: m.Permalink,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Fail the session rather than skip a message; the pair catches
			// up from its cursor when its share row is next rewritten (a
			// cursor advance or a re-activation after unshare) or the
			// engine restarts. Re-sharing a still-active pair writes
			// nothing and does not restart it.
			logger.L().ErrorContext(ctx, "forwarding session aborted",
				"context", state.Context, "recipient", state.Recipient,
				"permalink", m.Permalink, "error", err)
			return
		}
	}
	if err := stream.Err(); err != nil {
		logger.L().ErrorContext(ctx, "forwarding session stream ended",
			"context", state.Context, "recipient", state.Recipient, "error", err)
	}
}

// cancelPair tears down the pair's session, if any. Duplicate cancellations
// are no-ops.
func (c *controller) cancelPair(contextID, recipient string) {
	key := pairKey(contextID, recipient)

	c.mu.Lock()
	sess, ok := c.inflight[key]
	if ok {
		delete(c.inflight, key)
	}
	c.mu.Unlock()

	if ok {
		sess.cancel()
		logger.L().Debug("forwarding session cancelled",
			"context", contextID, "recipient", recipient)
	}
}

// stop cancels every session.
func (c *controller) stop() {
	c.mu.Lock()
	c.stopped = true
	sessions := make([]*session, 0, len(c.inflight))
	for _, sess := range c.inflight {
		sessions = append(sessions, sess)
	}
	clear(c.inflight)
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
	}
}
