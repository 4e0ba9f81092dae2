package types

import (
	"context"
	"time"
)

// Timeouts bounds every call made to either store. A zero value leaves the
// caller's context untouched.
type Timeouts struct {
	External time.Duration
	Local    time.Duration
}

func (t Timeouts) ExternalCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, t.External)
}

func (t Timeouts) LocalCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, t.Local)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
