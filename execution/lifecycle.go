package execution

import "time"

// Phase identifies a registry lifecycle transition.
type Phase string

const (
	PhaseRegistered   Phase = "registered"
	PhaseCompleted    Phase = "completed"
	PhaseCancelled    Phase = "cancelled"
	PhaseReaped       Phase = "reaped"
	PhaseUnregistered Phase = "unregistered"
)

// Terminal reports whether the phase removes the execution.
func (p Phase) Terminal() bool {
	return p != PhaseRegistered
}

// LifecycleEvent describes one registry transition. It is delivered after
// the registry lock is released, so handlers may call back into the
// registry.
type LifecycleEvent struct {
	Kind string
	ID   string

	// Generation distinguishes registrations that reuse an id.
	Generation uint64

	Phase     Phase
	StartedAt time.Time
	Time      time.Time
	Duration  time.Duration
	Published uint64
}

// LifecycleHandler observes registry transitions.
type LifecycleHandler func(LifecycleEvent)

// MultiLifecycleHandler fans one transition out to several handlers.
func MultiLifecycleHandler(handlers ...LifecycleHandler) LifecycleHandler {
	return func(ev LifecycleEvent) {
		for _, h := range handlers {
			if h != nil {
				h(ev)
			}
		}
	}
}
