package memory_test

import (
	"testing"
	"time"

	"github.com/chris-alexander-pop/context-reshare/pkg/feed"
	"github.com/chris-alexander-pop/context-reshare/pkg/feed/adapters/memory"
	"github.com/chris-alexander-pop/context-reshare/pkg/test"
)

type MemoryFeedSuite struct {
	*test.Suite
	feed *memory.Feed
}

func TestMemoryFeedSuite(t *testing.T) {
	test.Run(t, &MemoryFeedSuite{Suite: test.NewSuite()})
}

func (s *MemoryFeedSuite) SetupTest() {
	s.Suite.SetupTest()
	s.feed = memory.New()
}

func (s *MemoryFeedSuite) TearDownTest() {
	s.feed.Close()
	s.Suite.TearDownTest()
}

func (s *MemoryFeedSuite) append(topic string) uint64 {
	change, err := s.feed.Append(s.Ctx, feed.ChangeValue{Topic: topic})
	s.Require().NoError(err)
	return change
}

func (s *MemoryFeedSuite) TestChangeIndexesStartAtOne() {
	s.Equal(uint64(1), s.append(feed.TopicNewObject))
	s.Equal(uint64(2), s.append(feed.TopicShareContext))
}

func (s *MemoryFeedSuite) TestReplayFromOffset() {
	for i := 0; i < 5; i++ {
		s.append(feed.TopicNewObject)
	}

	stream, err := s.feed.Read(s.Ctx, feed.ReadOptions{After: 3})
	s.Require().NoError(err)

	var changes []uint64
	for e := range stream.C() {
		changes = append(changes, e.Change)
	}
	s.NoError(stream.Err())
	s.Equal([]uint64{4, 5}, changes)
}

func (s *MemoryFeedSuite) TestLiveTail() {
	s.append(feed.TopicNewObject)

	stream, err := s.feed.Read(s.Ctx, feed.ReadOptions{Live: true})
	s.Require().NoError(err)
	defer stream.Close()

	s.append(feed.TopicShareContext)

	got := test.CollectN(s.Suite, stream.C(), 2, time.Second)
	s.Equal(uint64(1), got[0].Change)
	s.Equal(uint64(2), got[1].Change)
	s.Equal(feed.TopicShareContext, got[1].Value.Topic)
}

func (s *MemoryFeedSuite) TestNonLiveReadEnds() {
	s.append(feed.TopicNewObject)

	stream, err := s.feed.Read(s.Ctx, feed.ReadOptions{})
	s.Require().NoError(err)

	got := test.Drain(stream.C(), 100*time.Millisecond)
	s.Len(got, 1)
	s.NoError(stream.Err())
}
