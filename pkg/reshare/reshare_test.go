package reshare_test

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/chris-alexander-pop/context-reshare/pkg/feed"
	"github.com/chris-alexander-pop/context-reshare/pkg/node"
	netmem "github.com/chris-alexander-pop/context-reshare/pkg/node/adapters/memory"
	"github.com/chris-alexander-pop/context-reshare/pkg/reshare"
	"github.com/chris-alexander-pop/context-reshare/pkg/test"
)

type ReshareSuite struct {
	*test.Suite
	network *netmem.Network
	a, b, c *netmem.Node
	engine  *reshare.Engine
}

func TestReshareSuite(t *testing.T) {
	test.Run(t, &ReshareSuite{Suite: test.NewSuite()})
}

func (s *ReshareSuite) SetupTest() {
	s.Suite.SetupTest()
	s.network = netmem.NewNetwork()
	s.a = s.network.NewNode("alice")
	s.b = s.network.NewNode("bob")
	s.c = s.network.NewNode("carol")
	s.engine = nil
}

func (s *ReshareSuite) TearDownTest() {
	if s.engine != nil {
		s.engine.Close(context.Background())
	}
	s.Suite.TearDownTest()
}

func (s *ReshareSuite) openEngine(opts reshare.Options) *reshare.Engine {
	if opts.Node == nil {
		opts.Node = s.b
	}
	engine, err := reshare.New(opts)
	s.Require().NoError(err)
	return engine
}

// feedEntries drains a node's feed.
func (s *ReshareSuite) feedEntries(nd *netmem.Node) []feed.Entry {
	stream, err := nd.Changes().Read(s.Ctx, feed.ReadOptions{})
	s.Require().NoError(err)
	return test.Drain(stream.C(), 200*time.Millisecond)
}

// wrappersCarrying returns the newobj entries on nd's feed whose wrapper
// carries the message at inner, in feed order.
func (s *ReshareSuite) wrappersCarrying(nd *netmem.Node, inner string) []feed.Entry {
	var out []feed.Entry
	for _, e := range s.feedEntries(nd) {
		if e.Value.Topic != feed.TopicNewObject || e.Value.Type != node.MessageType {
			continue
		}
		if e.Value.ObjectInfo != nil && e.Value.ObjectInfo.Type == node.MessageType &&
			e.Value.ObjectInfo.Permalink == inner {
			out = append(out, e)
		}
	}
	return out
}

func (s *ReshareSuite) waitForwarded(nd *netmem.Node, inner string) feed.Entry {
	s.WaitTrue(2*time.Second, func() bool {
		return len(s.wrappersCarrying(nd, inner)) > 0
	}, "message %s never reached %s", inner, nd.Name())
	wrappers := s.wrappersCarrying(nd, inner)
	s.Require().NotEmpty(wrappers)
	return wrappers[0]
}

func (s *ReshareSuite) waitShared(engine *reshare.Engine, contextID, recipient string) {
	s.WaitTrue(2*time.Second, func() bool {
		_, err := engine.Position(s.Ctx, contextID, recipient)
		return err == nil
	})
}

func (s *ReshareSuite) send(from *netmem.Node, to *netmem.Node, payload map[string]any, msgContext string) string {
	permalink, err := from.SendMessage(s.Ctx, to.Identity(), payload, msgContext)
	s.Require().NoError(err)
	return permalink
}

func (s *ReshareSuite) TestShareExistingMessage() {
	m1 := s.send(s.a, s.b, map[string]any{node.TypeField: "something", "hey": "ho"}, "boo!")

	s.engine = s.openEngine(reshare.Options{})
	s.Require().NoError(s.engine.Share(s.Ctx, reshare.ShareRequest{
		Context:   "boo!",
		Recipient: s.c.Identity().Permalink,
	}))

	wrapper := s.waitForwarded(s.c, m1)
	s.Equal(m1, wrapper.Value.ObjectInfo.Link)

	body, err := s.c.Keeper().Get(s.Ctx, wrapper.Value.Permalink)
	s.Require().NoError(err)
	carried, ok := body[node.ObjectField].(map[string]any)
	s.Require().True(ok, "wrapper must carry the original message")
	s.Equal("boo!", carried[node.ContextField])
}

func (s *ReshareSuite) TestShareLiveMessageExactlyOnce() {
	m1 := s.send(s.a, s.b, map[string]any{node.TypeField: "something", "hey": "ho"}, "boo!")

	s.engine = s.openEngine(reshare.Options{})
	s.Require().NoError(s.engine.Share(s.Ctx, reshare.ShareRequest{
		Context:   "boo!",
		Recipient: s.c.Identity().Permalink,
	}))
	s.waitForwarded(s.c, m1)

	m2 := s.send(s.a, s.b, map[string]any{node.TypeField: "something", "hey": "again"}, "boo!")
	wrapper := s.waitForwarded(s.c, m2)

	// The wrapper carries B's re-observed copy of the message, byte for byte.
	body, err := s.c.Keeper().Get(s.Ctx, wrapper.Value.Permalink)
	s.Require().NoError(err)
	carried := body[node.ObjectField].(map[string]any)
	original, err := s.b.Keeper().Get(s.Ctx, m2)
	s.Require().NoError(err)
	s.Equal(original, carried)

	// Exactly once: give the pipeline time to misbehave, then recount.
	time.Sleep(200 * time.Millisecond)
	s.Len(s.wrappersCarrying(s.c, m2), 1)
	s.Len(s.wrappersCarrying(s.c, m1), 1)
}

func (s *ReshareSuite) TestNoContextNoForward() {
	s.engine = s.openEngine(reshare.Options{})
	s.Require().NoError(s.engine.Share(s.Ctx, reshare.ShareRequest{
		Context:   "boo!",
		Recipient: s.c.Identity().Permalink,
	}))
	s.waitShared(s.engine, "boo!", s.c.Identity().Permalink)

	before := len(s.feedEntries(s.c))
	s.send(s.b, s.a, map[string]any{node.TypeField: "something", "no": "context"}, "")

	time.Sleep(200 * time.Millisecond)
	s.Len(s.feedEntries(s.c), before, "context-less messages must not be forwarded")
}

func (s *ReshareSuite) TestRestartForwardsNothingTwice() {
	m1 := s.send(s.a, s.b, map[string]any{node.TypeField: "something", "n": "1"}, "boo!")

	s.engine = s.openEngine(reshare.Options{})
	recipient := s.c.Identity().Permalink
	s.Require().NoError(s.engine.Share(s.Ctx, reshare.ShareRequest{Context: "boo!", Recipient: recipient}))
	s.waitForwarded(s.c, m1)

	m2 := s.send(s.a, s.b, map[string]any{node.TypeField: "something", "n": "2"}, "boo!")
	s.waitForwarded(s.c, m2)

	// Wait for the cursor to credit m2's wrapper before closing.
	s.WaitTrue(2*time.Second, func() bool {
		pos, err := s.engine.Position(s.Ctx, "boo!", recipient)
		return err == nil && pos > 0 && s.messageSeqAtMost(pos, m2)
	})

	s.Require().NoError(s.engine.Close(context.Background()))

	s.engine = s.openEngine(reshare.Options{})
	s.waitShared(s.engine, "boo!", recipient)

	stream, err := s.engine.Messages(s.Ctx, reshare.MessagesRequest{
		Context:   "boo!",
		Recipient: recipient,
	})
	s.Require().NoError(err)
	s.Empty(test.Drain(stream.C(), 300*time.Millisecond),
		"already-forwarded messages must not reappear after restart")
	s.NoError(stream.Err())

	time.Sleep(200 * time.Millisecond)
	s.Len(s.wrappersCarrying(s.c, m1), 1)
	s.Len(s.wrappersCarrying(s.c, m2), 1)
}

// messageSeqAtMost reports whether the cursor has reached the feed index m
// was observed at on B.
func (s *ReshareSuite) messageSeqAtMost(pos uint64, permalink string) bool {
	meta, err := s.b.Objects().Get(s.Ctx, permalink)
	if err != nil {
		return false
	}
	return pos >= meta.Change
}

func (s *ReshareSuite) TestMessagesBeforeShareFailsNotShared() {
	s.engine = s.openEngine(reshare.Options{})

	_, err := s.engine.Messages(s.Ctx, reshare.MessagesRequest{
		Context:   "x",
		Recipient: s.c.Identity().Permalink,
	})
	s.Require().Error(err)
	s.True(reshare.IsNotShared(err))
}

func (s *ReshareSuite) TestUnshareStopsForwarding() {
	m1 := s.send(s.a, s.b, map[string]any{node.TypeField: "something", "n": "1"}, "boo!")

	s.engine = s.openEngine(reshare.Options{})
	recipient := s.c.Identity().Permalink
	s.Require().NoError(s.engine.Share(s.Ctx, reshare.ShareRequest{Context: "boo!", Recipient: recipient}))
	s.waitForwarded(s.c, m1)

	s.Require().NoError(s.engine.Unshare(s.Ctx, reshare.UnshareRequest{Context: "boo!", Recipient: recipient}))
	s.WaitTrue(2*time.Second, func() bool {
		_, err := s.engine.Position(s.Ctx, "boo!", recipient)
		return reshare.IsNotShared(err)
	})

	m2 := s.send(s.a, s.b, map[string]any{node.TypeField: "something", "n": "2"}, "boo!")
	time.Sleep(300 * time.Millisecond)
	s.Empty(s.wrappersCarrying(s.c, m2), "unshared pairs must not forward")
}

func (s *ReshareSuite) TestReshareDoesNotRewindOrDuplicate() {
	m1 := s.send(s.a, s.b, map[string]any{node.TypeField: "something", "n": "1"}, "boo!")

	s.engine = s.openEngine(reshare.Options{})
	recipient := s.c.Identity().Permalink
	s.Require().NoError(s.engine.Share(s.Ctx, reshare.ShareRequest{Context: "boo!", Recipient: recipient}))
	s.waitForwarded(s.c, m1)
	s.WaitTrue(2*time.Second, func() bool {
		pos, err := s.engine.Position(s.Ctx, "boo!", recipient)
		return err == nil && pos > 0
	})

	// Share again from the beginning; the cursor must not rewind.
	s.Require().NoError(s.engine.Share(s.Ctx, reshare.ShareRequest{Context: "boo!", Recipient: recipient, Seq: 0}))

	time.Sleep(300 * time.Millisecond)
	s.Len(s.wrappersCarrying(s.c, m1), 1)
}

func (s *ReshareSuite) TestInvalidRequests() {
	s.engine = s.openEngine(reshare.Options{})

	err := s.engine.Share(s.Ctx, reshare.ShareRequest{Recipient: "r"})
	s.Error(err)

	err = s.engine.Share(s.Ctx, reshare.ShareRequest{Context: "c"})
	s.Error(err)

	err = s.engine.Share(s.Ctx, reshare.ShareRequest{Context: "bad\x00ctx", Recipient: "r"})
	s.Error(err)
}

func (s *ReshareSuite) TestCursorListsActivePairs() {
	s.engine = s.openEngine(reshare.Options{})
	recipient := s.c.Identity().Permalink
	s.Require().NoError(s.engine.Share(s.Ctx, reshare.ShareRequest{Context: "boo!", Recipient: recipient}))
	s.waitShared(s.engine, "boo!", recipient)

	stream, err := s.engine.Cursor(s.Ctx, reshare.CursorOptions{})
	s.Require().NoError(err)

	states := test.Drain(stream.C(), 200*time.Millisecond)
	s.Require().Len(states, 1)
	s.Equal("boo!", states[0].Context)
	s.Equal(recipient, states[0].Recipient)
	s.True(states[0].Active)
}

func (s *ReshareSuite) TestCloseIsIdempotent() {
	s.engine = s.openEngine(reshare.Options{})
	s.NoError(s.engine.Close(context.Background()))
	s.NoError(s.engine.Close(context.Background()))

	err := s.engine.Share(s.Ctx, reshare.ShareRequest{Context: "c", Recipient: "r"})
	s.Error(err)
}

func (s *ReshareSuite) TestNodeDestroyClosesEngine() {
	s.engine = s.openEngine(reshare.Options{})
	s.b.Destroy()

	s.WaitTrue(2*time.Second, func() bool {
		err := s.engine.Share(s.Ctx, reshare.ShareRequest{Context: "c", Recipient: "r"})
		return err != nil
	})
}

func (s *ReshareSuite) TestCustomWorkerReceivesDeliveries() {
	m1 := s.send(s.a, s.b, map[string]any{node.TypeField: "something", "n": "1"}, "boo!")

	deliveries := make(chan reshare.Delivery, 8)
	s.engine = s.openEngine(reshare.Options{
		Worker: reshare.WorkerFunc(func(ctx context.Context, d reshare.Delivery) error {
			deliveries <- d
			return nil
		}),
	})

	recipient := s.c.Identity().Permalink
	s.Require().NoError(s.engine.Share(s.Ctx, reshare.ShareRequest{Context: "boo!", Recipient: recipient}))

	got := test.CollectN(s.Suite, (<-chan reshare.Delivery)(deliveries), 1, 2*time.Second)
	s.Equal("boo!", got[0].Context)
	s.Equal(recipient, got[0].Recipient)
	s.Equal(m1, got[0].Link)
	s.Equal(m1, got[0].Permalink)
}

// conversationContext groups messages by their unordered (author, recipient)
// pair, the way a conversation-scoped share would.
func conversationContext(body map[string]any) string {
	author, _ := body[node.AuthorField].(string)
	recipient, _ := body[node.RecipientField].(string)
	if author == "" || recipient == "" {
		return ""
	}
	pair := []string{author, recipient}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

func (s *ReshareSuite) TestConversationAsContext() {
	d := s.network.NewNode("dave")

	s.engine = s.openEngine(reshare.Options{GetContext: conversationContext})

	var conversation []string
	conversation = append(conversation, s.send(s.a, s.b, map[string]any{node.TypeField: "chat", "n": "a1"}, ""))
	conversation = append(conversation, s.send(s.b, s.a, map[string]any{node.TypeField: "chat", "n": "b1"}, ""))
	s.send(s.b, d, map[string]any{node.TypeField: "chat", "n": "d1"}, "")
	conversation = append(conversation, s.send(s.a, s.b, map[string]any{node.TypeField: "chat", "n": "a2"}, ""))
	conversation = append(conversation, s.send(s.b, s.a, map[string]any{node.TypeField: "chat", "n": "b2"}, ""))
	unrelated := s.send(s.b, d, map[string]any{node.TypeField: "chat", "n": "d2"}, "")

	pair := []string{s.a.Identity().Permalink, s.b.Identity().Permalink}
	sort.Strings(pair)
	contextID := strings.Join(pair, ":")

	s.Require().NoError(s.engine.Share(s.Ctx, reshare.ShareRequest{
		Context:   contextID,
		Recipient: s.c.Identity().Permalink,
	}))

	for _, m := range conversation {
		s.waitForwarded(s.c, m)
	}

	// C got the conversation in B's observation order and nothing else.
	var received []string
	for _, e := range s.feedEntries(s.c) {
		if e.Value.Topic != feed.TopicNewObject || e.Value.ObjectInfo == nil {
			continue
		}
		if e.Value.ObjectInfo.Type == node.MessageType {
			received = append(received, e.Value.ObjectInfo.Permalink)
		}
	}
	s.Equal(conversation, received)
	s.Empty(s.wrappersCarrying(s.c, unrelated))
}
