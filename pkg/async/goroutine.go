// Package async provides a panic-safe goroutine helper for fire-and-forget
// background work such as notification delivery and hook dispatch.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/spacetrove/trove/pkg/observability"
)

// SafeGo executes fn in a goroutine with a timeout, panic recovery and
// error logging. Use it instead of a bare `go func()` so background tasks
// can never crash the process or leak forever.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}
