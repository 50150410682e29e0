// Package memory provides an in-process mesh of messaging nodes for tests and
// examples. Every node owns a feed, a keeper and its KV namespaces; messages
// sent between nodes are observed on both feeds the way a real transport
// would deliver them.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/feed"
	feedmem "github.com/chris-alexander-pop/context-reshare/pkg/feed/adapters/memory"
	"github.com/chris-alexander-pop/context-reshare/pkg/keeper"
	keepermem "github.com/chris-alexander-pop/context-reshare/pkg/keeper/adapters/memory"
	"github.com/chris-alexander-pop/context-reshare/pkg/kv"
	kvmem "github.com/chris-alexander-pop/context-reshare/pkg/kv/adapters/memory"
	"github.com/chris-alexander-pop/context-reshare/pkg/node"
)

// Network is a full mesh of in-process nodes addressed by identity permalink.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Node)}
}

// NewNode creates a node joined to the network.
func (n *Network) NewNode(name string) *Node {
	nd := &Node{
		network:    n,
		name:       name,
		identity:   node.Identity{Permalink: "peer:" + uuid.NewString()},
		feed:       feedmem.New(),
		keeper:     keepermem.New(),
		objects:    make(map[string]feed.Entry),
		dbs:        make(map[string]*kvmem.Store),
		destroying: make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[nd.identity.Permalink] = nd
	n.mu.Unlock()
	return nd
}

func (n *Network) lookup(permalink string) (*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nd, ok := n.nodes[permalink]
	return nd, ok
}

// Node is one in-process peer.
type Node struct {
	network  *Network
	name     string
	identity node.Identity
	feed     *feedmem.Feed
	keeper   *keepermem.Store

	mu      sync.Mutex
	objects map[string]feed.Entry
	dbs     map[string]*kvmem.Store

	destroying  chan struct{}
	destroyOnce sync.Once
}

func (nd *Node) Changes() feed.Feed { return nd.feed }

func (nd *Node) Keeper() keeper.Store { return nd.keeper }

func (nd *Node) Name() string { return nd.name }

func (nd *Node) Shortlink() string {
	p := nd.identity.Permalink
	if len(p) > 13 {
		p = p[:13]
	}
	return p
}

func (nd *Node) Identity() node.Identity { return nd.identity }

func (nd *Node) Objects() node.ObjectStore { return (*objectStore)(nd) }

func (nd *Node) Destroying() <-chan struct{} { return nd.destroying }

// Destroy signals attached engines to close.
func (nd *Node) Destroy() {
	nd.destroyOnce.Do(func() { close(nd.destroying) })
}

// CreateDB hands out the named namespace; data survives engine restarts.
func (nd *Node) CreateDB(name string) (kv.Store, error) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if st, ok := nd.dbs[name]; ok {
		st.Reopen()
		return st, nil
	}
	st := kvmem.New()
	nd.dbs[name] = st
	return st, nil
}

// SendMessage composes a message around payload and delivers it to the peer
// identified by to. An empty msgContext leaves the message context-less.
func (nd *Node) SendMessage(ctx context.Context, to node.Identity, payload map[string]any, msgContext string) (string, error) {
	body := map[string]any{
		node.TypeField:      node.MessageType,
		node.ObjectField:    payload,
		node.AuthorField:    nd.identity.Permalink,
		node.RecipientField: to.Permalink,
	}
	if msgContext != "" {
		body[node.ContextField] = msgContext
	}
	return nd.deliver(ctx, to, body)
}

// Send implements the worker delivery contract: wrap the object at req.Link
// into a fresh outbound message and deliver it.
func (nd *Node) Send(ctx context.Context, req node.SendRequest) error {
	original, err := nd.keeper.Get(ctx, req.Link)
	if err != nil {
		return errors.Wrap(err, "node: send source not found")
	}
	body := map[string]any{
		node.TypeField:      node.MessageType,
		node.ObjectField:    original,
		node.AuthorField:    nd.identity.Permalink,
		node.RecipientField: req.To.Permalink,
		"time":              time.Now().UnixNano(),
	}
	_, err = nd.deliver(ctx, req.To, body)
	return err
}

func (nd *Node) deliver(ctx context.Context, to node.Identity, body map[string]any) (string, error) {
	permalink, err := nd.observe(ctx, body, to.Permalink)
	if err != nil {
		return "", err
	}

	peer, ok := nd.network.lookup(to.Permalink)
	if !ok {
		return "", errors.New(errors.CodeNotFound, "node: unknown peer "+to.Permalink, nil)
	}
	if _, err := peer.observe(ctx, body, to.Permalink); err != nil {
		return "", err
	}
	return permalink, nil
}

// observe stores the body, announces it on the feed and records its metadata,
// exactly once per (node, object).
func (nd *Node) observe(ctx context.Context, body map[string]any, recipient string) (string, error) {
	permalink, err := nd.keeper.Put(ctx, body)
	if err != nil {
		return "", err
	}

	nd.mu.Lock()
	if prior, ok := nd.objects[permalink]; ok {
		nd.mu.Unlock()
		return prior.Value.Permalink, nil
	}
	nd.mu.Unlock()

	value := feed.ChangeValue{
		Topic:     feed.TopicNewObject,
		Type:      declaredType(body),
		Permalink: permalink,
		Link:      permalink,
		Recipient: recipient,
	}
	if inner, ok := body[node.ObjectField].(map[string]any); ok {
		innerPermalink, err := nd.keeper.Put(ctx, inner)
		if err != nil {
			return "", err
		}
		value.ObjectInfo = &feed.ObjectInfo{
			Permalink: innerPermalink,
			Link:      innerPermalink,
			Type:      declaredType(inner),
		}
	}

	change, err := nd.feed.Append(ctx, value)
	if err != nil {
		return "", err
	}

	entry := feed.Entry{Change: change, Value: value}
	nd.mu.Lock()
	nd.objects[permalink] = entry
	nd.mu.Unlock()

	return permalink, nil
}

func declaredType(body map[string]any) string {
	t, _ := body[node.TypeField].(string)
	return t
}

// objectStore adapts Node to node.ObjectStore.
type objectStore Node

func (o *objectStore) Get(ctx context.Context, link string) (feed.Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.objects[link]
	if !ok {
		return feed.Entry{}, errors.New(errors.CodeNotFound, "object not indexed", nil)
	}
	return e, nil
}
