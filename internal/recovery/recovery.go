// Package recovery provides panic recovery for detached goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine, recovering and logging any panic.
// It is used for fire-and-forget work such as analytics emission where a
// panic must never reach the request path.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer WithLog(logger, name)
		fn()
	}()
}

// WithLog recovers from a panic and logs it with the provided logger.
// Use with defer at the start of a goroutine.
func WithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}
