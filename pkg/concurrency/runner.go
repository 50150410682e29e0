package concurrency

import (
	"context"
	"runtime/debug"

	"github.com/chris-alexander-pop/context-reshare/pkg/logger"
)

// SafeGo runs fn in a goroutine and recovers from panics. A panicking
// pipeline stage or forwarding session must not take the process down; the
// panic is logged with its stack and the goroutine ends.
func SafeGo(ctx context.Context, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.L().ErrorContext(ctx, "recovered panic in background goroutine",
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
