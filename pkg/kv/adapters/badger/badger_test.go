package badger_test

import (
	"testing"
	"time"

	"github.com/chris-alexander-pop/context-reshare/pkg/errors"
	"github.com/chris-alexander-pop/context-reshare/pkg/kv"
	"github.com/chris-alexander-pop/context-reshare/pkg/kv/adapters/badger"
	"github.com/chris-alexander-pop/context-reshare/pkg/test"
)

type BadgerKVSuite struct {
	*test.Suite
	store *badger.Store
}

func TestBadgerKVSuite(t *testing.T) {
	test.Run(t, &BadgerKVSuite{Suite: test.NewSuite()})
}

func (s *BadgerKVSuite) SetupTest() {
	s.Suite.SetupTest()
	store, err := badger.New(badger.Config{InMemory: true})
	s.Require().NoError(err)
	s.store = store
}

func (s *BadgerKVSuite) TearDownTest() {
	s.store.Close()
	s.Suite.TearDownTest()
}

func (s *BadgerKVSuite) TestGetMissing() {
	_, err := s.store.Get(s.Ctx, []byte("nope"))
	s.True(errors.HasCode(err, errors.CodeNotFound))
}

func (s *BadgerKVSuite) TestBatchIsAtomicAndOrdered() {
	s.NoError(s.store.Batch(s.Ctx, []kv.Op{
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("c"), Value: []byte("3")},
	}))

	stream, err := s.store.Read(s.Ctx, kv.Range{GTE: []byte("a"), LTE: []byte("c")})
	s.Require().NoError(err)

	var keys []string
	for p := range stream.C() {
		keys = append(keys, string(p.Key))
	}
	s.NoError(stream.Err())
	s.Equal([]string{"a", "b", "c"}, keys)
}

func (s *BadgerKVSuite) TestRangeBounds() {
	for _, k := range []string{"a", "b", "c", "d"} {
		s.NoError(s.store.Put(s.Ctx, []byte(k), nil))
	}

	stream, err := s.store.Read(s.Ctx, kv.Range{GT: []byte("a"), LT: []byte("d")})
	s.Require().NoError(err)

	var keys []string
	for p := range stream.C() {
		keys = append(keys, string(p.Key))
	}
	s.Equal([]string{"b", "c"}, keys)
}

func (s *BadgerKVSuite) TestLiveTail() {
	s.NoError(s.store.Put(s.Ctx, []byte("k1"), []byte("old")))

	stream, err := s.store.Read(s.Ctx, kv.Range{GTE: []byte("k"), LT: []byte("l"), Live: true})
	s.Require().NoError(err)
	defer stream.Close()

	got := test.CollectN(s.Suite, stream.C(), 1, time.Second)
	s.Equal("k1", string(got[0].Key))

	s.NoError(s.store.Put(s.Ctx, []byte("k2"), []byte("live")))

	got = test.CollectN(s.Suite, stream.C(), 1, 2*time.Second)
	s.Equal("k2", string(got[0].Key))
}

func (s *BadgerKVSuite) TestDeleteNotEmitted() {
	stream, err := s.store.Read(s.Ctx, kv.Range{GTE: []byte("x"), LT: []byte("y"), Live: true})
	s.Require().NoError(err)
	defer stream.Close()

	s.NoError(s.store.Put(s.Ctx, []byte("x1"), []byte("1")))
	s.NoError(s.store.Delete(s.Ctx, []byte("x1")))
	s.NoError(s.store.Put(s.Ctx, []byte("x2"), []byte("2")))

	got := test.CollectN(s.Suite, stream.C(), 2, 2*time.Second)
	s.Equal("x1", string(got[0].Key))
	s.Equal("x2", string(got[1].Key))
}
