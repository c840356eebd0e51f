package logging

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Go runs fn in a goroutine guarded by panic recovery. A recovered panic is
// reported through logger instead of crashing the process.
func Go(ctx context.Context, logger Logger, name string, fn func()) {
	go func() {
		defer Recover(ctx, logger, name)
		fn()
	}()
}

// Recover logs panic details. It must be called directly by a deferred
// statement.
func Recover(ctx context.Context, logger Logger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		logger.Error(ctx, "goroutine panic",
			"goroutine", name,
			"panic", fmt.Sprint(r),
			"stack", string(debug.Stack()),
		)
	}
}
