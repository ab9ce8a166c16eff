// Package sse turns an execution's event stream into a push session. The
// Adapter is transport-agnostic and writes Frames; Handler binds it to
// HTTP Server-Sent Events.
package sse

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agime-team/agentstream/bus"
	"github.com/agime-team/agentstream/runtime"
)

// HeartbeatInterval is the interval between keep-alive frames.
const HeartbeatInterval = 10 * time.Second

// DefaultLifetime caps a single session; clients reconnect afterwards.
const DefaultLifetime = 2 * time.Hour

// Frame tags that the adapter produces itself.
const (
	TagStatus = "status"
	TagDone   = "done"
)

// Frame is one unit written to the client.
type Frame struct {
	// Tag is the frame type: "status", an event category, or "done".
	Tag string

	// ID is the event sequence number, 0 for synthesized frames.
	ID uint64

	// Data is the JSON-serializable frame body.
	Data any

	// KeepAlive marks a no-op frame with no payload.
	KeepAlive bool
}

// FrameWriter delivers frames to a client. An error ends the session.
type FrameWriter interface {
	WriteFrame(Frame) error
}

// FrameWriterFunc adapts a function to FrameWriter.
type FrameWriterFunc func(Frame) error

// WriteFrame calls f.
func (f FrameWriterFunc) WriteFrame(fr Frame) error { return f(fr) }

// Outcome is the terminal state of a session.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeClosed       Outcome = "closed"
	OutcomeDeadline     Outcome = "deadline_reached"
	OutcomeDisconnected Outcome = "disconnected"
)

// Source is where sessions subscribe. execution.Registry satisfies it.
type Source[E runtime.Classified] interface {
	Subscribe(id string) (*bus.Receiver[E], bool)
	SubscribeFrom(id string, afterSeq uint64) (*bus.Receiver[E], bool)
}

// Config configures an Adapter.
type Config struct {
	// Heartbeat is the keep-alive interval (default HeartbeatInterval).
	Heartbeat time.Duration

	// Lifetime bounds each session (default DefaultLifetime).
	Lifetime time.Duration

	// Logger receives session logs (default slog.Default()).
	Logger *slog.Logger

	// OnLag observes dropped event counts. Optional.
	OnLag func(id string, dropped uint64)

	// OnSession observes session outcomes. Optional.
	OnSession func(Outcome)
}

// Adapter runs push sessions against a Source.
type Adapter[E runtime.Classified] struct {
	source    Source[E]
	heartbeat time.Duration
	lifetime  time.Duration
	logger    *slog.Logger
	onLag     func(string, uint64)
	onSession func(Outcome)
}

// NewAdapter creates an Adapter.
func NewAdapter[E runtime.Classified](source Source[E], cfg Config) *Adapter[E] {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = HeartbeatInterval
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter[E]{
		source:    source,
		heartbeat: cfg.Heartbeat,
		lifetime:  cfg.Lifetime,
		logger:    cfg.Logger.With("component", "sse"),
		onLag:     cfg.OnLag,
		onSession: cfg.OnSession,
	}
}

// Stream opens a live-only session for id.
func (a *Adapter[E]) Stream(ctx context.Context, id string, w FrameWriter) Outcome {
	rx, ok := a.source.Subscribe(id)
	return a.run(ctx, id, rx, ok, w)
}

// Resume opens a session that first replays retained events after
// afterSeq. Clients pass the last frame id they saw.
func (a *Adapter[E]) Resume(ctx context.Context, id string, afterSeq uint64, w FrameWriter) Outcome {
	rx, ok := a.source.SubscribeFrom(id, afterSeq)
	return a.run(ctx, id, rx, ok, w)
}

func (a *Adapter[E]) run(ctx context.Context, id string, rx *bus.Receiver[E], ok bool, w FrameWriter) Outcome {
	var outcome Outcome
	if !ok {
		_ = w.WriteFrame(Frame{Tag: TagDone, Data: statusBody(TagDone, runtime.StatusNotFound)})
		outcome = OutcomeNotFound
	} else {
		outcome = a.session(ctx, id, rx, w)
		rx.Close()
	}
	if a.onSession != nil {
		a.onSession(outcome)
	}
	a.logger.Debug("stream session ended", "id", id, "outcome", outcome)
	return outcome
}

func (a *Adapter[E]) session(ctx context.Context, id string, rx *bus.Receiver[E], w FrameWriter) Outcome {
	if err := w.WriteFrame(Frame{Tag: TagStatus, Data: statusBody(TagStatus, runtime.StatusRunning)}); err != nil {
		return OutcomeDisconnected
	}

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()
	deadline := time.NewTimer(a.lifetime)
	defer deadline.Stop()

	for {
		// Bounds the session even while events are always pending.
		select {
		case <-deadline.C:
			return a.deadlineReached(id)
		case <-ctx.Done():
			return OutcomeDisconnected
		default:
		}

		ev, err := rx.Next()
		switch {
		case err == nil:
			if rx.LastSeq() == 1 && ev.Category() == TagStatus {
				// The execution's opening status; the session already sent one.
				continue
			}
			if err := w.WriteFrame(Frame{Tag: ev.Category(), ID: rx.LastSeq(), Data: ev}); err != nil {
				return OutcomeDisconnected
			}
			if ev.IsTerminal() {
				return OutcomeCompleted
			}
			continue
		case errors.Is(err, bus.ErrClosed):
			return OutcomeClosed
		case errors.Is(err, bus.ErrEmpty):
		default:
			if dropped, lagged := bus.IsLag(err); lagged {
				a.logger.Warn("stream subscriber lagged", "id", id, "dropped", dropped)
				if a.onLag != nil {
					a.onLag(id, dropped)
				}
				continue
			}
			return OutcomeClosed
		}

		select {
		case <-rx.Wait():
		case <-heartbeat.C:
			if err := w.WriteFrame(Frame{KeepAlive: true}); err != nil {
				return OutcomeDisconnected
			}
		case <-deadline.C:
			return a.deadlineReached(id)
		case <-ctx.Done():
			return OutcomeDisconnected
		}
	}
}

func (a *Adapter[E]) deadlineReached(id string) Outcome {
	a.logger.Info("stream lifetime reached, closing for reconnect", "id", id, "lifetime", a.lifetime)
	return OutcomeDeadline
}

func statusBody(tag, status string) map[string]string {
	return map[string]string{"type": tag, "status": status}
}
