// Package otel provides OpenTelemetry integration for execution lifecycle
// and progress events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agime-team/agentstream/execution"
	"github.com/agime-team/agentstream/runtime"
)

// TracingHandler keeps one span per active execution. The span starts on
// registration and ends on removal; progress events become span events
// through the emitter returned by Bind.
type TracingHandler struct {
	tracer trace.Tracer

	mu    sync.RWMutex
	spans map[string]executionSpan // kind:id -> span of the current registration
}

type executionSpan struct {
	generation uint64
	span       trace.Span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer: tracer,
		spans:  make(map[string]executionSpan),
	}
}

func spanKey(kind, id string) string {
	return kind + ":" + id
}

// HandleLifecycle starts and ends execution spans. It satisfies
// execution.LifecycleHandler.
func (h *TracingHandler) HandleLifecycle(ev execution.LifecycleEvent) {
	key := spanKey(ev.Kind, ev.ID)

	if ev.Phase == execution.PhaseRegistered {
		_, span := h.tracer.Start(context.Background(), "execution:"+ev.Kind,
			trace.WithAttributes(
				attribute.String("agentstream.kind", ev.Kind),
				attribute.String("agentstream.exec_id", ev.ID),
			),
			trace.WithTimestamp(ev.Time),
		)
		h.mu.Lock()
		h.spans[key] = executionSpan{generation: ev.Generation, span: span}
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	es, ok := h.spans[key]
	if ok && es.generation == ev.Generation {
		delete(h.spans, key)
	} else {
		ok = false
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	span := es.span
	span.SetAttributes(
		attribute.String("agentstream.outcome", string(ev.Phase)),
		attribute.String("agentstream.duration", ev.Duration.String()),
		attribute.Int64("agentstream.events", int64(ev.Published)), // #nosec G115 -- event counts are small
	)
	if ev.Phase == execution.PhaseReaped {
		span.SetStatus(codes.Error, "execution went stale")
	}
	span.End(trace.WithTimestamp(ev.Time))
}

// SpanContext returns the span context of one registration of kind:id, or
// an empty SpanContext once that registration is gone.
func (h *TracingHandler) SpanContext(kind, id string, generation uint64) trace.SpanContext {
	span, ok := h.span(kind, id, generation)
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func (h *TracingHandler) span(kind, id string, generation uint64) (trace.Span, bool) {
	h.mu.RLock()
	es, ok := h.spans[spanKey(kind, id)]
	h.mu.RUnlock()
	if !ok || es.generation != generation {
		return nil, false
	}
	return es.span, true
}

// annotate records e on span.
func annotate(span trace.Span, e runtime.Event) {
	switch e.Kind {
	case runtime.EventDone:
		status := e.PayloadString("status")
		span.SetAttributes(attribute.String("agentstream.status", status))
		if status == runtime.StatusFailed {
			errMsg := e.PayloadString("error")
			if errMsg == "" {
				errMsg = "execution failed"
			}
			span.SetStatus(codes.Error, errMsg)
			span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
		} else {
			span.SetStatus(codes.Ok, "")
		}
	case runtime.EventText, runtime.EventThinking:
		// Too chatty for span events.
	default:
		attrs := []attribute.KeyValue{
			attribute.String("agentstream.event_type", string(e.Kind)),
		}
		if tool := e.PayloadString("tool"); tool != "" {
			attrs = append(attrs, attribute.String("agentstream.tool_name", tool))
		}
		span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
	}
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
