package connection

import (
	"context"
	"sync"
)

// SignalAuth is an AuthProvider driven by an explicit auth-ready signal.
// Connect calls block in WaitReady until Ready fires (typically when the
// session layer finishes validating a credential); there is no timeout in
// the happy path, only context cancellation.
type SignalAuth struct {
	once  sync.Once
	ready chan struct{}
}

// NewSignalAuth creates a SignalAuth in the not-ready state.
func NewSignalAuth() *SignalAuth {
	return &SignalAuth{ready: make(chan struct{})}
}

// Ready marks authentication as valid, releasing every waiter. Calling it
// more than once is a no-op.
func (a *SignalAuth) Ready() {
	a.once.Do(func() { close(a.ready) })
}

// WaitReady blocks until Ready has fired or the context is done.
func (a *SignalAuth) WaitReady(ctx context.Context) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
