package otel

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/agime-team/agentstream/runtime"
)

// EnrichEmitter wraps an EventEmitter so events carry the trace and span
// ids of span and are recorded on it after delivery.
func EnrichEmitter(emit runtime.EventEmitter, span trace.Span) runtime.EventEmitter {
	sc := span.SpanContext()
	return func(e runtime.Event) {
		if e.TraceID == "" && sc.IsValid() {
			e.TraceID = sc.TraceID().String()
			e.SpanID = sc.SpanID().String()
		}
		emit(e)
		annotate(span, e)
	}
}

// Bind returns an emitter decorator for one registration of kind:id. The
// span is resolved once, here, so events of a cancelled execution never
// reach the span of a later registration that reuses its id. Without a
// span the decorator leaves the emitter unchanged.
func (h *TracingHandler) Bind(kind, id string, generation uint64) runtime.EventEmitterDecorator {
	span, ok := h.span(kind, id, generation)
	return func(emit runtime.EventEmitter) runtime.EventEmitter {
		if !ok {
			return emit
		}
		return EnrichEmitter(emit, span)
	}
}
