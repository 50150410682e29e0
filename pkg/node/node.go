// Package node defines the contract the re-sharing engine consumes from its
// host messaging node: the append-only change feed, the content-addressed
// keeper, metadata lookups for indexed objects, outbound delivery, and owned
// KV namespaces.
//
// The engine never reaches around this interface; everything it persists is
// derived from the feed and everything it sends goes through Send.
package node

import (
	"context"

	"github.com/chris-alexander-pop/context-reshare/pkg/feed"
	"github.com/chris-alexander-pop/context-reshare/pkg/keeper"
	"github.com/chris-alexander-pop/context-reshare/pkg/kv"
)

// Constants borrowed from the node's object model.
const (
	// MessageType tags message-wrapper objects.
	MessageType = "node/message"

	// TypeField is the body field holding an object's declared kind.
	TypeField = "_t"

	// AuthorField and RecipientField hold sender and receiver identity
	// permalinks on a message body.
	AuthorField    = "author"
	RecipientField = "recipient"

	// ContextField is the default body field carrying the application's
	// grouping key.
	ContextField = "context"

	// ObjectField nests the carried payload inside a message body. A message
	// whose payload is itself a message is a forwarded wrapper.
	ObjectField = "object"
)

// Identity is a peer identity reference.
type Identity struct {
	Permalink string `json:"permalink"`
}

// SendRequest asks the node to deliver the object at Link to a peer.
type SendRequest struct {
	Link string
	To   Identity
}

// ObjectStore resolves metadata for previously indexed objects: the full feed
// entry (change index plus value) recorded when the object was observed.
type ObjectStore interface {
	Get(ctx context.Context, link string) (feed.Entry, error)
}

// Node is the host messaging node as seen by the engine.
type Node interface {
	// Changes is the node's append-only change feed.
	Changes() feed.Feed

	// Keeper resolves permalinks to object bodies.
	Keeper() keeper.Store

	// Objects resolves links of indexed objects to their feed entries.
	Objects() ObjectStore

	// Send wraps the object at req.Link into an outbound message for req.To
	// and delivers it. The resulting wrapper re-enters the feed as a newobj.
	Send(ctx context.Context, req SendRequest) error

	// CreateDB returns the named KV namespace, owned by the caller. Asking
	// for the same name again after a close returns the same data.
	CreateDB(name string) (kv.Store, error)

	// Name is the node's human-readable name, for logging only.
	Name() string

	// Shortlink is an abbreviated identity reference, for logging only.
	Shortlink() string

	// Identity is the node's own identity.
	Identity() Identity

	// Destroying is closed when the node shuts down; engines close themselves
	// in response.
	Destroying() <-chan struct{}
}
