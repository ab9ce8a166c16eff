package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agime-team/agentstream/execution"
	"github.com/agime-team/agentstream/runtime"
)

// MetricsHandler records execution lifecycle, stream and admission metrics.
type MetricsHandler struct {
	started  metric.Int64Counter
	ended    metric.Int64Counter
	results  metric.Int64Counter
	duration metric.Float64Histogram
	lagged   metric.Int64Counter
	sessions metric.Int64Counter
	rejected metric.Int64Counter
	reaped   metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	started, err := meter.Int64Counter("agentstream.execution.started",
		metric.WithDescription("Number of executions registered"),
	)
	if err != nil {
		return nil, err
	}

	ended, err := meter.Int64Counter("agentstream.execution.ended",
		metric.WithDescription("Number of executions removed from the registry"),
	)
	if err != nil {
		return nil, err
	}

	results, err := meter.Int64Counter("agentstream.execution.results",
		metric.WithDescription("Number of terminal events by status"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("agentstream.execution.duration",
		metric.WithDescription("Time between registration and removal in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lagged, err := meter.Int64Counter("agentstream.stream.lagged",
		metric.WithDescription("Events dropped for slow stream subscribers"),
	)
	if err != nil {
		return nil, err
	}

	sessions, err := meter.Int64Counter("agentstream.stream.sessions",
		metric.WithDescription("Push sessions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	rejected, err := meter.Int64Counter("agentstream.ratelimit.rejected",
		metric.WithDescription("Requests rejected by a rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	reaped, err := meter.Int64Counter("agentstream.reaper.removed",
		metric.WithDescription("Stale executions removed by the reaper"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		started:  started,
		ended:    ended,
		results:  results,
		duration: duration,
		lagged:   lagged,
		sessions: sessions,
		rejected: rejected,
		reaped:   reaped,
	}, nil
}

// HandleLifecycle records registry transitions. It satisfies
// execution.LifecycleHandler.
func (h *MetricsHandler) HandleLifecycle(ev execution.LifecycleEvent) {
	ctx := context.Background()
	if !ev.Phase.Terminal() {
		h.started.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", ev.Kind)))
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", ev.Kind),
		attribute.String("outcome", string(ev.Phase)),
	)
	h.ended.Add(ctx, 1, attrs)
	h.duration.Record(ctx, ev.Duration.Seconds(), attrs)
}

// EventHandler returns a handler counting terminal events for kind.
func (h *MetricsHandler) EventHandler(kind string) runtime.EventHandler {
	return func(e runtime.Event) {
		if !e.IsTerminal() {
			return
		}
		h.results.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", e.PayloadString("status")),
		))
	}
}

// RecordLag counts events a stream subscriber missed.
func (h *MetricsHandler) RecordLag(kind string, dropped uint64) {
	h.lagged.Add(context.Background(), int64(dropped), // #nosec G115 -- bounded by bus capacity
		metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSession counts a finished push session.
func (h *MetricsHandler) RecordSession(kind, outcome string) {
	h.sessions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordRejected counts a request denied by the named limiter.
func (h *MetricsHandler) RecordRejected(limiter string) {
	h.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("limiter", limiter)))
}

// RecordReaped counts executions removed by a sweep.
func (h *MetricsHandler) RecordReaped(kind string, removed int) {
	if removed == 0 {
		return
	}
	h.reaped.Add(context.Background(), int64(removed), metric.WithAttributes(attribute.String("kind", kind)))
}
