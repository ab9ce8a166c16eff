// Package worker drives work units through an execution registry: it
// registers the execution, runs a Runner with the cancellation context,
// publishes exactly one terminal event and completes the entry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agime-team/agentstream/execution"
	"github.com/agime-team/agentstream/runtime"
)

// ErrAlreadyRunning is returned when the execution id is already active.
var ErrAlreadyRunning = errors.New("worker: execution already running")

// Task describes one unit of work.
type Task struct {
	ID       string `json:"id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Prompt   string `json:"prompt"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Identity string `json:"-"`
}

// Runner performs the work for a task and reports progress through emit.
// Implementations should return promptly once ctx is done.
type Runner interface {
	Run(ctx context.Context, task Task, emit runtime.EventEmitter) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task Task, emit runtime.EventEmitter) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, task Task, emit runtime.EventEmitter) error {
	return f(ctx, task, emit)
}

// BindFunc returns an emitter decorator for one registration of an
// execution. It is called once per task, right after registration.
type BindFunc func(kind, id string, generation uint64) runtime.EventEmitterDecorator

// DriverConfig configures a Driver.
type DriverConfig struct {
	Registry *execution.Registry[runtime.Event]
	Runner   Runner

	// Bind wraps the per-execution emitter with registration-scoped
	// behavior such as trace ids. Optional.
	Bind BindFunc

	// Decorate wraps the per-execution emitter. Optional.
	Decorate runtime.EventEmitterDecorator

	// OnEvent observes every event after it is published. Optional.
	OnEvent runtime.EventHandler

	Logger *slog.Logger
}

// Driver starts tasks against one registry.
type Driver struct {
	registry *execution.Registry[runtime.Event]
	runner   Runner
	bind     BindFunc
	decorate runtime.EventEmitterDecorator
	onEvent  runtime.EventHandler
	logger   *slog.Logger
}

// NewDriver validates cfg and returns a Driver.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Registry == nil {
		return nil, errors.New("worker: registry is nil")
	}
	if cfg.Runner == nil {
		return nil, errors.New("worker: runner is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{
		registry: cfg.Registry,
		runner:   cfg.Runner,
		bind:     cfg.Bind,
		decorate: cfg.Decorate,
		onEvent:  cfg.OnEvent,
		logger:   cfg.Logger.With("component", "worker", "kind", cfg.Registry.Kind()),
	}, nil
}

// Start registers the task and runs it in the background. An empty task
// id is replaced with a fresh UUID. The returned id is usable for
// subscription as soon as Start returns.
func (d *Driver) Start(task Task) (string, error) {
	id, run, err := d.prepare(task)
	if err != nil {
		return "", err
	}
	go run()
	return id, nil
}

// Execute is Start without the goroutine: it returns once the work unit
// has finished and the entry is completed.
func (d *Driver) Execute(task Task) (string, error) {
	id, run, err := d.prepare(task)
	if err != nil {
		return "", err
	}
	run()
	return id, nil
}

// prepare registers the execution and returns the function that drives it.
func (d *Driver) prepare(task Task) (string, func(), error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Kind == "" {
		task.Kind = d.registry.Kind()
	}

	handle, producer, ok := d.registry.Register(task.ID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, task.ID)
	}

	emit := d.emitter(task.ID, producer)
	emit(runtime.Status(task.ID, runtime.StatusRunning))

	return task.ID, func() { d.drive(handle, producer, task, emit) }, nil
}

func (d *Driver) emitter(id string, producer *execution.Producer[runtime.Event]) runtime.EventEmitter {
	emit := runtime.EventEmitter(func(e runtime.Event) {
		e.ExecID = id
		if _, ok := producer.Publish(e); !ok {
			return
		}
		if d.onEvent != nil {
			d.onEvent(e)
		}
	})
	if d.bind != nil {
		if bound := d.bind(d.registry.Kind(), id, producer.Generation()); bound != nil {
			emit = bound(emit)
		}
	}
	if d.decorate != nil {
		emit = d.decorate(emit)
	}
	return emit
}

// drive runs the task and always finishes with one done event followed by
// completion of the producer's entry.
func (d *Driver) drive(handle *execution.Handle, producer *execution.Producer[runtime.Event], task Task, emit runtime.EventEmitter) {
	status, errMsg := runtime.StatusCompleted, ""
	defer func() {
		if r := recover(); r != nil {
			status, errMsg = runtime.StatusFailed, fmt.Sprintf("panic: %v", r)
			d.logger.Error("runner panicked", "id", task.ID, "panic", r)
		}
		emit(runtime.Done(task.ID, status, errMsg))
		producer.Complete()
	}()

	ctx := runtime.ContextWithEmitter(handle.Context(), emit)
	ctx = runtime.ContextWithExecID(ctx, task.ID)

	err := d.runner.Run(ctx, task, emit)
	switch {
	case handle.IsCancelled():
		status = runtime.StatusCancelled
		d.logger.Info("execution stopped after cancellation", "id", task.ID)
	case err != nil:
		status, errMsg = runtime.StatusFailed, err.Error()
		d.logger.Warn("execution failed", "id", task.ID, "error", err)
	}
}
