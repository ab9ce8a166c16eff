package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReaperSchedule runs a sweep every five minutes.
const DefaultReaperSchedule = "@every 5m"

// reaperParser accepts 5-field cron expressions and descriptors such as
// "@every 5m" or "@hourly".
var reaperParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Sweeper removes entries that have been idle for longer than maxAge.
type Sweeper interface {
	Kind() string
	Sweep(maxAge time.Duration) int
}

// Target pairs a registry with its staleness threshold.
type Target struct {
	Sweeper Sweeper
	MaxAge  time.Duration
}

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	// Targets are swept in order on every run.
	Targets []Target

	// Schedule is a cron expression or descriptor (default DefaultReaperSchedule).
	Schedule string

	// Logger receives sweep logs (default slog.Default()).
	Logger *slog.Logger

	// OnSweep observes per-target results. Optional.
	OnSweep func(kind string, removed int)
}

// Reaper periodically sweeps stale executions. It holds no state between
// runs beyond its schedule.
type Reaper struct {
	targets  []Target
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
	onSweep  func(kind string, removed int)

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReaper validates the schedule and targets.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("reaper: no targets")
	}
	for i, t := range cfg.Targets {
		if t.Sweeper == nil {
			return nil, fmt.Errorf("reaper: target %d has no sweeper", i)
		}
		if t.MaxAge <= 0 {
			return nil, fmt.Errorf("reaper: target %q max age must be positive", t.Sweeper.Kind())
		}
	}
	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = DefaultReaperSchedule
	}
	schedule, err := reaperParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("reaper: invalid schedule %q: %w", spec, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reaper{
		targets:  cfg.Targets,
		schedule: schedule,
		spec:     spec,
		logger:   cfg.Logger.With("component", "reaper"),
		onSweep:  cfg.OnSweep,
	}, nil
}

// Next returns the next scheduled run after t.
func (r *Reaper) Next(t time.Time) time.Time {
	return r.schedule.Next(t)
}

// Start begins running sweeps on the schedule. Calling Start on a running
// reaper is a no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return
	}
	c := cron.New(
		cron.WithParser(reaperParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(r.schedule, cron.FuncJob(func() { r.RunOnce() }))
	c.Start()
	r.cron = c
	r.logger.Info("reaper started", "schedule", r.spec)
}

// Stop halts the schedule and waits for an in-flight sweep or ctx.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce sweeps every target once and returns the total removed.
func (r *Reaper) RunOnce() int {
	total := 0
	for _, t := range r.targets {
		removed := t.Sweeper.Sweep(t.MaxAge)
		if r.onSweep != nil {
			r.onSweep(t.Sweeper.Kind(), removed)
		}
		if removed > 0 {
			r.logger.Info("reaped stale executions", "kind", t.Sweeper.Kind(), "removed", removed, "max_age", t.MaxAge)
		}
		total += removed
	}
	return total
}
