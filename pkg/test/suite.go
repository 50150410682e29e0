package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

// Suite wraps testify's suite with additional helper methods for this project
type Suite struct {
	suite.Suite
	Ctx    context.Context
	cancel context.CancelFunc
}

// SetupTest is called before each test in the suite
func (s *Suite) SetupTest() {
	s.Ctx, s.cancel = context.WithCancel(context.Background())
}

// TearDownTest cancels the per-test context.
func (s *Suite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewSuite creates a new test suite
func NewSuite() *Suite {
	return &Suite{}
}

// Assert is a helper to access assertions directly if needed (though s.Equal(...) works too)
func (s *Suite) Assert() *assert.Assertions {
	return s.Assertions
}

// WaitTrue polls cond until it returns true or the deadline passes.
func (s *Suite) WaitTrue(timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	s.T().Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Fail("condition never became true", msgAndArgs...)
}

// Run is a helper function to run a suite from a standard Test* function
func Run(t *testing.T, s suite.TestingSuite) {
	suite.Run(t, s)
}

// CollectN receives up to n values from ch, failing the test when the channel
// does not yield them within timeout.
func CollectN[T any](s *Suite, ch <-chan T, n int, timeout time.Duration) []T {
	s.T().Helper()
	out := make([]T, 0, n)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for len(out) < n {
		select {
		case v, ok := <-ch:
			if !ok {
				s.Failf("stream ended early", "wanted %d values, got %d", n, len(out))
				return out
			}
			out = append(out, v)
		case <-timer.C:
			s.Failf("timed out", "wanted %d values, got %d", n, len(out))
			return out
		}
	}
	return out
}

// Drain collects everything ch yields until it closes or the quiet period
// elapses with no new values. Useful for asserting "nothing more arrives".
func Drain[T any](ch <-chan T, quiet time.Duration) []T {
	var out []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-time.After(quiet):
			return out
		}
	}
}
