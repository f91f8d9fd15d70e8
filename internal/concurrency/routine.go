package concurrency

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// SafeGo runs fn on its own goroutine. A panic is logged with its stack and
// handed to onPanic instead of taking the process down.
func SafeGo(name string, fn func(), onPanic func(error)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Goroutine panicked", "name", name, "panic", r, "stack", string(debug.Stack()))
				if onPanic != nil {
					onPanic(fmt.Errorf("%s panicked: %v", name, r))
				}
			}
		}()
		fn()
	}()
}
