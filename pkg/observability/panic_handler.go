package observability

import (
	"runtime/debug"
)

// RecoverPanic logs a recovered panic with its stack. Call it deferred at the
// top of background goroutines:
//
//	go func() {
//	    defer observability.RecoverPanic(logger, "tenant watcher")
//	    watcher.Run(ctx)
//	}()
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic":   r,
			"stack":   string(debug.Stack()),
			"context": where,
		}).Error("PANIC recovered")
	}
}
