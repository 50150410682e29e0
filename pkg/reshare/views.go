package reshare

import (
	"context"

	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/feed"
	"github.com/chris-alexander-pop/context-reshare/pkg/indexer"
	"github.com/chris-alexander-pop/context-reshare/pkg/kv"
	"github.com/chris-alexander-pop/context-reshare/pkg/lexint"
	"github.com/chris-alexander-pop/context-reshare/pkg/logger"
	"github.com/chris-alexander-pop/context-reshare/pkg/node"
)

const sep = string(rune(kv.Sep))

var high = string([]byte{kv.High})

// MessageState is the message view's row: where and in which context a
// message was first observed. Immutable once written.
type MessageState struct {
	Permalink string `json:"permalink"`
	Context   string `json:"context"`
	Recipient string `json:"recipient"`
	Seq       uint64 `json:"seq"`
}

// ShareState is the share view's row for one (context, recipient) pair. Seq
// is the cursor: the greatest accounted-for feed index; forwarding resumes
// strictly above it.
type ShareState struct {
	Context   string `json:"context"`
	Recipient string `json:"recipient"`
	Active    bool   `json:"active"`
	Seq       uint64 `json:"seq"`
}

func pairKey(context, recipient string) string {
	return context + ":" + recipient
}

// messageView configures the indexer mapping permalink -> MessageState with
// the (context, seq, permalink) ordered index.
func (e *Engine) messageView(store kv.Store) *indexer.Indexer[MessageState] {
	ix := indexer.New(indexer.Options[MessageState]{
		Name:  "messages",
		Feed:  e.node.Changes(),
		Store: store,
		Filter: func(entry feed.Entry) bool {
			return entry.Value.Topic == feed.TopicNewObject && entry.Value.Type == node.MessageType
		},
		Preprocess: e.resolveBody,
		PrimaryKey: func(entry feed.Entry) string {
			return entry.Value.Permalink
		},
		Reduce: func(prev *MessageState, entry feed.Entry) (*MessageState, error) {
			if prev != nil {
				// First writer wins: re-observation never rewrites the row.
				return prev, nil
			}
			c := e.getContext(entry.Value.Object)
			if c == "" {
				return nil, indexer.ErrDrop
			}
			return &MessageState{
				Permalink: entry.Value.Permalink,
				Context:   c,
				Recipient: entry.Value.Recipient,
				Seq:       e.getMessageSeq(entry),
			}, nil
		},
	})

	e.byContext = ix.By("context", func(s MessageState) string {
		return s.Context + sep + lexint.Encode(s.Seq) + sep + s.Permalink
	})
	return ix
}

// shareView configures the indexer mapping (context, recipient) -> ShareState
// with the active-pairs index.
func (e *Engine) shareView(store kv.Store) *indexer.Indexer[ShareState] {
	ix := indexer.New(indexer.Options[ShareState]{
		Name:  "shares",
		Feed:  e.node.Changes(),
		Store: store,
		Filter: func(entry feed.Entry) bool {
			switch entry.Value.Topic {
			case feed.TopicNewObject, feed.TopicShareContext, feed.TopicUnshareContext:
				return true
			}
			return false
		},
		Preprocess: e.resolveShareEntry,
		PrimaryKey: func(entry feed.Entry) string {
			switch entry.Value.Topic {
			case feed.TopicShareContext, feed.TopicUnshareContext:
				return pairKey(entry.Value.Context, entry.Value.Recipient)
			}
			c := e.getContext(shareBase(entry.Value))
			if c == "" {
				return ""
			}
			return pairKey(c, entry.Value.Recipient)
		},
		Reduce: e.reduceShare,
	})

	// Trailing separator so an exact-prefix read matches exactly one pair.
	e.byPair = ix.By("cfr", func(s ShareState) string {
		if s.Context == "" || !s.Active {
			return ""
		}
		return s.Context + sep + s.Recipient + sep
	})
	return ix
}

// shareBase picks the body the context is derived from: the inner message for
// a forwarded wrapper, the observed object itself otherwise.
func shareBase(v feed.ChangeValue) map[string]any {
	if v.ObjectInfo != nil && v.ObjectInfo.Type == node.MessageType {
		return v.ObjectInfo.Object
	}
	return v.Object
}

func (e *Engine) reduceShare(prev *ShareState, entry feed.Entry) (*ShareState, error) {
	switch entry.Value.Topic {
	case feed.TopicShareContext:
		next := cloneShare(prev)
		if next == nil {
			next = &ShareState{
				Context:   entry.Value.Context,
				Recipient: entry.Value.Recipient,
				Seq:       entry.Value.Seq,
			}
		}
		// Re-sharing an existing pair never rewinds the cursor; the starting
		// seq applies only on first share.
		next.Active = true
		return next, nil

	case feed.TopicUnshareContext:
		if prev == nil {
			return nil, indexer.ErrDrop
		}
		next := cloneShare(prev)
		next.Active = false
		return next, nil
	}

	// newobj: advance the cursor, never touch the active flag.
	c := e.getContext(shareBase(entry.Value))
	if prev == nil && c == "" {
		return nil, indexer.ErrDrop
	}
	next := cloneShare(prev)
	if next == nil {
		next = &ShareState{Context: c, Recipient: entry.Value.Recipient}
	}

	seq := e.getMessageSeq(entry)
	if wrapsForwardedMessage(entry.Value) && entry.Value.ObjectInfo.Entry != nil {
		// Second tier: an outbound wrapper carrying one of our indexed
		// messages credits the original message's sequence, so recovery
		// skips it.
		seq = e.getMessageSeq(*entry.Value.ObjectInfo.Entry)
	}
	if seq > next.Seq {
		next.Seq = seq
	}
	return next, nil
}

// wrapsForwardedMessage reports whether the observed body is a message whose
// payload is itself a message.
func wrapsForwardedMessage(v feed.ChangeValue) bool {
	inner, ok := v.Object[node.ObjectField].(map[string]any)
	if !ok {
		return false
	}
	t, _ := inner[node.TypeField].(string)
	return t == node.MessageType
}

func cloneShare(s *ShareState) *ShareState {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// resolveBody hydrates a newobj entry's body from the keeper. Unresolvable
// blobs drop the entry; a later rebuild retries.
func (e *Engine) resolveBody(ctx context.Context, entry *feed.Entry) error {
	if e.isClosed() {
		return indexer.ErrDrop
	}
	body, err := e.node.Keeper().Get(ctx, entry.Value.Permalink)
	if err != nil {
		if !errors.HasCode(err, errors.CodeNotFound) {
			logger.L().WarnContext(ctx, "blob resolution failed",
				"permalink", entry.Value.Permalink, "error", err)
		}
		return indexer.ErrDrop
	}
	entry.Value.Object = body
	return nil
}

// resolveShareEntry hydrates newobj entries for the share view. Wrappers
// around indexed messages are enriched with the inner message's body and its
// original feed entry.
func (e *Engine) resolveShareEntry(ctx context.Context, entry *feed.Entry) error {
	if entry.Value.Topic != feed.TopicNewObject {
		return nil
	}
	if err := e.resolveBody(ctx, entry); err != nil {
		return err
	}

	info := entry.Value.ObjectInfo
	if info == nil || info.Type != node.MessageType {
		return nil
	}

	enriched := *info
	meta, err := e.node.Objects().Get(ctx, info.Link)
	if err != nil {
		// The inner message was never indexed here; no cursor credit to give.
		return indexer.ErrDrop
	}
	enriched.Entry = &meta

	body, err := e.node.Keeper().Get(ctx, info.Permalink)
	if err != nil {
		return indexer.ErrDrop
	}
	enriched.Object = body

	entry.Value.ObjectInfo = &enriched
	return nil
}
