package runtime

import "context"

type (
	emitterKey struct{}
	execIDKey  struct{}
)

// ContextWithEmitter attaches an event emitter to the context so code deep
// inside a work unit can publish progress without threading the emitter
// through every call.
func ContextWithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFromContext retrieves the event emitter from the context.
// Returns a no-op emitter if none is set.
func EmitterFromContext(ctx context.Context) EventEmitter {
	if emit, ok := ctx.Value(emitterKey{}).(EventEmitter); ok && emit != nil {
		return emit
	}
	return func(Event) {}
}

// ContextWithExecID records the execution id on the context.
func ContextWithExecID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, execIDKey{}, id)
}

// ExecIDFromContext returns the execution id, or "" when none is set.
func ExecIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(execIDKey{}).(string)
	return id
}
