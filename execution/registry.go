// Package execution tracks in-flight executions by id. A Registry hands
// the creator a cancellation Handle and a Producer for publishing progress,
// gives observers live or resumable subscriptions, and removes entries on
// completion, cancellation or staleness exactly once.
package execution

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agime-team/agentstream/bus"
)

// Config configures a Registry.
type Config struct {
	// Kind labels the registry in logs and lifecycle events ("chat", "mission", "task").
	Kind string

	// BufferSize is the per-execution bus capacity (default bus.DefaultCapacity).
	BufferSize int

	// Now supplies the clock (default time.Now).
	Now func() time.Time

	// Logger receives lifecycle logs (default slog.Default()).
	Logger *slog.Logger

	// OnLifecycle observes transitions. Optional.
	OnLifecycle LifecycleHandler
}

type entry[E any] struct {
	id           string
	generation   uint64
	handle       *Handle
	bus          *bus.Bus[E]
	startedAt    time.Time
	lastActivity atomic.Int64 // unix nanos
}

func (e *entry[E]) touch(t time.Time) {
	e.lastActivity.Store(t.UnixNano())
}

func (e *entry[E]) lastActive() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

// Info is a point-in-time view of an active execution.
type Info struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	Subscribers  int       `json:"subscribers"`
	Published    uint64    `json:"published"`
	Cancelled    bool      `json:"cancelled"`
}

// Registry holds the active executions of one kind. The zero value is not
// usable; construct with NewRegistry.
type Registry[E any] struct {
	kind        string
	bufferSize  int
	now         func() time.Time
	logger      *slog.Logger
	onLifecycle LifecycleHandler

	generations atomic.Uint64

	mu      sync.RWMutex
	entries map[string]*entry[E]
}

// NewRegistry creates an empty registry.
func NewRegistry[E any](cfg Config) *Registry[E] {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = bus.DefaultCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry[E]{
		kind:        cfg.Kind,
		bufferSize:  cfg.BufferSize,
		now:         cfg.Now,
		logger:      cfg.Logger.With("component", "registry", "kind", cfg.Kind),
		onLifecycle: cfg.OnLifecycle,
		entries:     make(map[string]*entry[E]),
	}
}

// Kind returns the registry's label.
func (r *Registry[E]) Kind() string {
	return r.kind
}

// Register creates an entry for id. It returns ok=false without side
// effects when id is already active. An id may be registered again once
// its previous entry has been removed.
func (r *Registry[E]) Register(id string) (*Handle, *Producer[E], bool) {
	now := r.now()

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		r.logger.Warn("execution already registered", "id", id)
		return nil, nil, false
	}
	e := &entry[E]{
		id:         id,
		generation: r.generations.Add(1),
		handle:     NewHandle(context.Background()),
		bus:        bus.New[E](r.bufferSize),
		startedAt:  now,
	}
	e.touch(now)
	r.entries[id] = e
	r.mu.Unlock()

	r.logger.Info("execution registered", "id", id)
	r.notify(e, PhaseRegistered, now)
	return e.handle, &Producer[E]{registry: r, entry: e}, true
}

// Subscribe returns a live-only receiver for id, or false if id is not
// active. The caller must Close the receiver.
func (r *Registry[E]) Subscribe(id string) (*bus.Receiver[E], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.bus.Subscribe(), true
}

// SubscribeFrom returns a receiver that first replays retained events with
// a sequence number greater than afterSeq, then follows live events.
func (r *Registry[E]) SubscribeFrom(id string, afterSeq uint64) (*bus.Receiver[E], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.bus.SubscribeFrom(afterSeq), true
}

// PublishActivity publishes ev on id's bus and refreshes its activity
// time. It is a no-op returning false when id is not active.
func (r *Registry[E]) PublishActivity(id string, ev E) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if _, ok := e.bus.Publish(ev); !ok {
		return false
	}
	e.touch(r.now())
	return true
}

// Complete removes id after a normal end and closes its bus. It is a no-op
// returning false when id is not active.
func (r *Registry[E]) Complete(id string) bool {
	return r.remove(id, nil, PhaseCompleted)
}

// Cancel signals id's handle and removes the entry. It returns false when
// id is not active. The bus stays open so the work unit can still publish
// its terminal event; it closes when the producer completes.
func (r *Registry[E]) Cancel(id string) bool {
	return r.remove(id, nil, PhaseCancelled)
}

// Unregister removes id without cancelling it. Drivers use it to roll back
// a registration whose follow-up setup failed.
func (r *Registry[E]) Unregister(id string) bool {
	return r.remove(id, nil, PhaseUnregistered)
}

func (r *Registry[E]) remove(id string, owner *entry[E], phase Phase) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || (owner != nil && e != owner) {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	if phase == PhaseCancelled {
		e.handle.Cancel()
	}
	r.mu.Unlock()

	now := r.now()
	switch phase {
	case PhaseCancelled:
		e.touch(now)
		r.logger.Warn("execution cancelled", "id", id)
	case PhaseUnregistered:
		e.bus.Close()
		r.logger.Warn("execution unregistered", "id", id)
	default:
		e.bus.Close()
		r.logger.Info("execution completed", "id", id, "duration", now.Sub(e.startedAt))
	}
	r.notify(e, phase, now)
	return true
}

// Sweep cancels and removes every entry inactive for longer than maxAge
// and returns how many were removed. It holds the write lock for the
// whole scan, so a concurrent Complete of the same id either removes the
// entry first or finds it gone.
func (r *Registry[E]) Sweep(maxAge time.Duration) int {
	now := r.now()

	r.mu.Lock()
	var stale []*entry[E]
	for id, e := range r.entries {
		if now.Sub(e.lastActive()) > maxAge {
			e.handle.Cancel()
			delete(r.entries, id)
			stale = append(stale, e)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		e.bus.Close()
		r.logger.Warn("removing stale execution", "id", e.id, "inactive_for", now.Sub(e.lastActive()))
		r.notify(e, PhaseReaped, now)
	}
	if len(stale) > 0 {
		r.logger.Info("stale sweep finished", "removed", len(stale))
	}
	return len(stale)
}

// IsActive reports whether id is registered.
func (r *Registry[E]) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// ActiveCount returns the number of registered executions.
func (r *Registry[E]) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Lookup returns a snapshot of id.
func (r *Registry[E]) Lookup(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Info{}, false
	}
	return r.info(e), true
}

// List returns snapshots of all active executions, oldest first.
func (r *Registry[E]) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.info(e))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry[E]) info(e *entry[E]) Info {
	return Info{
		ID:           e.id,
		Kind:         r.kind,
		StartedAt:    e.startedAt,
		LastActivity: e.lastActive(),
		Subscribers:  e.bus.Subscribers(),
		Published:    e.bus.Published(),
		Cancelled:    e.handle.IsCancelled(),
	}
}

func (r *Registry[E]) notify(e *entry[E], phase Phase, now time.Time) {
	if r.onLifecycle == nil {
		return
	}
	ev := LifecycleEvent{
		Kind:       r.kind,
		ID:         e.id,
		Generation: e.generation,
		Phase:      phase,
		StartedAt:  e.startedAt,
		Time:       now,
		Published:  e.bus.Published(),
	}
	if phase.Terminal() {
		ev.Duration = now.Sub(e.startedAt)
	}
	r.onLifecycle(ev)
}

// Producer is the publishing side of one registered execution. It stays
// bound to the entry it was created for, so a stale producer never touches
// a later registration that reuses the same id.
type Producer[E any] struct {
	registry *Registry[E]
	entry    *entry[E]
}

// ID returns the execution id.
func (p *Producer[E]) ID() string {
	return p.entry.id
}

// Generation identifies the registration this producer belongs to. It is
// unique within the registry even when ids are reused.
func (p *Producer[E]) Generation() uint64 {
	return p.entry.generation
}

// Publish sends ev to all subscribers and refreshes the activity time.
// It returns the event's sequence number, or false once the bus is closed.
func (p *Producer[E]) Publish(ev E) (uint64, bool) {
	seq, ok := p.entry.bus.Publish(ev)
	if ok {
		p.entry.touch(p.registry.now())
	}
	return seq, ok
}

// Complete removes the producer's own entry if it is still registered and
// closes the bus in every case. It reports whether this call removed the
// entry.
func (p *Producer[E]) Complete() bool {
	removed := p.registry.remove(p.entry.id, p.entry, PhaseCompleted)
	p.entry.bus.Close()
	return removed
}

// Close closes the bus without touching the registry.
func (p *Producer[E]) Close() {
	p.entry.bus.Close()
}
