package kensa

import (
	"context"
	"net/http"
)

// RunObserver receives run progress events in publish order.
// OnRunEvent is called from a single goroutine and must not block for long:
// an observer that falls behind loses events. Panics are recovered and logged.
type RunObserver interface {
	OnRunEvent(ctx context.Context, ev RunEvent)
}

// RunObserverFunc adapts a function to RunObserver.
type RunObserverFunc func(ctx context.Context, ev RunEvent)

// OnRunEvent calls f.
func (f RunObserverFunc) OnRunEvent(ctx context.Context, ev RunEvent) { f(ctx, ev) }

// Middleware wraps the HTTP handler. Registered via WithMiddleware.
type Middleware func(http.Handler) http.Handler
