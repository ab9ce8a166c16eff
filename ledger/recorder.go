package ledger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agime-team/agentstream/execution"
)

const (
	appendTimeout = 5 * time.Second

	// DefaultQueueSize is the number of records a Recorder buffers before
	// it starts dropping.
	DefaultQueueSize = 256
)

// Recorder appends a record for every terminal lifecycle transition. Its
// HandleLifecycle never blocks on the store: records are queued and written
// by a background goroutine, and dropped with a warning when the queue is
// full.
type Recorder struct {
	store  Store
	logger *slog.Logger

	queue   chan Record
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewRecorder starts a Recorder writing to store. queueSize <= 0 uses
// DefaultQueueSize. Close must be called to flush queued records.
func NewRecorder(store Store, logger *slog.Logger, queueSize int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		store:  store,
		logger: logger.With("component", "ledger"),
		queue:  make(chan Record, queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// HandleLifecycle queues a record for terminal phases. It satisfies
// execution.LifecycleHandler.
func (r *Recorder) HandleLifecycle(ev execution.LifecycleEvent) {
	if !ev.Phase.Terminal() {
		return
	}
	rec := Record{
		ID:        uuid.NewString(),
		ExecID:    ev.ID,
		Kind:      ev.Kind,
		Outcome:   string(ev.Phase),
		StartedAt: ev.StartedAt,
		EndedAt:   ev.Time,
		Duration:  ev.Duration,
		Events:    ev.Published,
	}

	select {
	case <-r.stop:
		r.drop(rec, "recorder closed")
		return
	default:
	}
	select {
	case r.queue <- rec:
	default:
		r.drop(rec, "queue full")
	}
}

// Dropped returns how many records were discarded.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close writes every queued record and stops the background goroutine.
// It does not close the store.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Recorder) drop(rec Record, reason string) {
	r.dropped.Add(1)
	r.logger.Warn("dropping execution record", "id", rec.ExecID, "kind", rec.Kind, "reason", reason)
}

func (r *Recorder) writeLoop() {
	defer close(r.done)

	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.stop:
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := r.store.Append(ctx, rec); err != nil {
		r.logger.Error("failed to record execution", "id", rec.ExecID, "kind", rec.Kind, "error", err)
	}
}
