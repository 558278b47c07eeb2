// Package ctxutil extends context cancellation semantics.
package ctxutil

import (
	"context"
	"time"
)

// WithDelayedTimeout derives a context that outlives parent's cancellation
// by delay. In-flight work keeps a live context for the grace window while
// the rest of the program already observes the parent's cancellation.
func WithDelayedTimeout(parent context.Context, delay time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(delay, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}
