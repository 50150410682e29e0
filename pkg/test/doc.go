/*
Package test provides testing utilities for context-reshare.

This package includes:
  - Suite: Base test suite with context and testify integration
  - Polling helpers for asserting on live streams

Usage:

	import "github.com/chris-alexander-pop/context-reshare/pkg/test"

	type MyTestSuite struct {
		*test.Suite
	}

	func (s *MyTestSuite) TestSomething() {
		s.NoError(doSomething(s.Ctx))
	}

	func TestMySuite(t *testing.T) {
		test.Run(t, &MyTestSuite{Suite: test.NewSuite()})
	}
*/
package test
