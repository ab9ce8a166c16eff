package execution

import (
	"context"
	"sync/atomic"
)

// Canceller is the view of a Handle that work units need: request a stop
// and observe whether one was requested.
type Canceller interface {
	Cancel() bool
	IsCancelled() bool
	Done() <-chan struct{}
}

// Handle is a cooperative cancellation signal shared between the registry,
// the reaper and the work unit driving an execution. Cancellation only
// flips the signal; the work unit decides when to stop.
type Handle struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewHandle returns a handle whose context is derived from parent.
func NewHandle(parent context.Context) *Handle {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Handle{ctx: ctx, cancel: cancel}
}

// Cancel flips the handle to cancelled. Only the first caller observes
// true; later calls are no-ops.
func (h *Handle) Cancel() bool {
	if !h.cancelled.CompareAndSwap(false, true) {
		return false
	}
	h.cancel()
	return true
}

// IsCancelled reports whether Cancel has been called. A parent context
// ending also counts as cancellation.
func (h *Handle) IsCancelled() bool {
	if h.cancelled.Load() {
		return true
	}
	return h.ctx.Err() != nil
}

// Done returns a channel closed once the handle is cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Context returns a context cancelled together with the handle, for
// passing into blocking calls made by the work unit.
func (h *Handle) Context() context.Context {
	return h.ctx
}

var _ Canceller = (*Handle)(nil)
