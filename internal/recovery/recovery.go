// Package recovery keeps panics in goroutines and overlay callbacks from
// taking the whole agent down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with its stack.
// It must be deferred directly:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "mesh.link.readLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// Go runs fn in a new goroutine guarded by RecoverWithLog.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

// Call runs fn synchronously and reports whether it panicked.
// Used when dispatching callbacks into code we do not own.
func Call(logger *slog.Logger, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, name, r)
			panicked = true
		}
	}()
	fn()
	return false
}

func logPanic(logger *slog.Logger, name string, r interface{}) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
