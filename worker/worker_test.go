package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agime-team/agentstream/bus"
	"github.com/agime-team/agentstream/execution"
	"github.com/agime-team/agentstream/runtime"
)

func newDriver(t *testing.T, runner Runner, opts ...func(*DriverConfig)) (*Driver, *execution.Registry[runtime.Event]) {
	t.Helper()
	reg := execution.NewRegistry[runtime.Event](execution.Config{Kind: "task"})
	cfg := DriverConfig{Registry: reg, Runner: runner}
	for _, opt := range opts {
		opt(&cfg)
	}
	d, err := NewDriver(cfg)
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}
	return d, reg
}

func collect(t *testing.T, rx *bus.Receiver[runtime.Event]) []runtime.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var out []runtime.Event
	for {
		ev, err := rx.Recv(ctx)
		if errors.Is(err, bus.ErrClosed) {
			return out
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		out = append(out, ev)
	}
}

func TestNewDriver_Validation(t *testing.T) {
	if _, err := NewDriver(DriverConfig{Runner: EchoRunner{}}); err == nil {
		t.Error("NewDriver() without registry should fail")
	}
	reg := execution.NewRegistry[runtime.Event](execution.Config{})
	if _, err := NewDriver(DriverConfig{Registry: reg}); err == nil {
		t.Error("NewDriver() without runner should fail")
	}
}

func TestDriver_ExecuteEcho(t *testing.T) {
	d, reg := newDriver(t, EchoRunner{})

	release := make(chan struct{})
	gated := RunnerFunc(func(ctx context.Context, task Task, emit runtime.EventEmitter) error {
		<-release
		return EchoRunner{}.Run(ctx, task, emit)
	})
	d.runner = gated

	id, err := d.Start(Task{ID: "t-1", Prompt: "hello brave world"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rx, ok := reg.SubscribeFrom(id, 0)
	if !ok {
		t.Fatal("SubscribeFrom() failed right after Start")
	}
	defer rx.Close()
	close(release)

	events := collect(t, rx)
	var kinds []runtime.EventKind
	var text string
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == runtime.EventText {
			text += ev.PayloadString("content")
		}
		if ev.ExecID != "t-1" {
			t.Errorf("ExecID = %q, want t-1", ev.ExecID)
		}
	}
	if text != "hello brave world" {
		t.Errorf("text = %q", text)
	}
	if kinds[0] != runtime.EventStatus {
		t.Errorf("first kind = %s, want status", kinds[0])
	}
	last := events[len(events)-1]
	if !last.IsTerminal() || last.PayloadString("status") != runtime.StatusCompleted {
		t.Errorf("last event = %+v, want done/completed", last)
	}
	if reg.IsActive(id) {
		t.Error("execution still active after completion")
	}
}

func TestDriver_DuplicateID(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	d, _ := newDriver(t, RunnerFunc(func(ctx context.Context, _ Task, _ runtime.EventEmitter) error {
		<-block
		return nil
	}))

	if _, err := d.Start(Task{ID: "dup"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := d.Start(Task{ID: "dup"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestDriver_GeneratesID(t *testing.T) {
	d, _ := newDriver(t, EchoRunner{})
	id, err := d.Execute(Task{Prompt: "x"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(id) != 36 {
		t.Errorf("generated id = %q, want a UUID", id)
	}
}

func TestDriver_FailureStatus(t *testing.T) {
	d, reg := newDriver(t, RunnerFunc(func(context.Context, Task, runtime.EventEmitter) error {
		return errors.New("provider unavailable")
	}))

	var last runtime.Event
	d.onEvent = func(e runtime.Event) { last = e }
	if _, err := d.Execute(Task{ID: "f-1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if last.PayloadString("status") != runtime.StatusFailed {
		t.Errorf("status = %q, want failed", last.PayloadString("status"))
	}
	if last.PayloadString("error") != "provider unavailable" {
		t.Errorf("error = %q", last.PayloadString("error"))
	}
	if reg.IsActive("f-1") {
		t.Error("failed execution still active")
	}
}

func TestDriver_PanicBecomesFailure(t *testing.T) {
	d, _ := newDriver(t, RunnerFunc(func(context.Context, Task, runtime.EventEmitter) error {
		panic("boom")
	}))
	var last runtime.Event
	d.onEvent = func(e runtime.Event) { last = e }

	if _, err := d.Execute(Task{ID: "p-1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !last.IsTerminal() || last.PayloadString("status") != runtime.StatusFailed {
		t.Errorf("last = %+v, want done/failed", last)
	}
}

func TestDriver_CancelDeliversCancelledDone(t *testing.T) {
	started := make(chan struct{})
	d, reg := newDriver(t, RunnerFunc(func(ctx context.Context, _ Task, _ runtime.EventEmitter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	id, err := d.Start(Task{ID: "c-1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rx, _ := reg.Subscribe(id)
	defer rx.Close()

	<-started
	if !reg.Cancel(id) {
		t.Fatal("Cancel() = false")
	}

	events := collect(t, rx)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want only the done event", events)
	}
	if events[0].PayloadString("status") != runtime.StatusCancelled {
		t.Errorf("status = %q, want cancelled", events[0].PayloadString("status"))
	}
}

func TestDriver_DecoratorAndContextEmitter(t *testing.T) {
	var decorated int
	d, _ := newDriver(t, RunnerFunc(func(ctx context.Context, task Task, _ runtime.EventEmitter) error {
		runtime.EmitterFromContext(ctx)(runtime.Text(task.ID, "via ctx"))
		if runtime.ExecIDFromContext(ctx) != task.ID {
			t.Errorf("ExecIDFromContext() = %q", runtime.ExecIDFromContext(ctx))
		}
		return nil
	}), func(cfg *DriverConfig) {
		cfg.Decorate = func(next runtime.EventEmitter) runtime.EventEmitter {
			return func(e runtime.Event) {
				decorated++
				next(e.WithPayload("decorated", true))
			}
		}
	})

	var texts []runtime.Event
	d.onEvent = func(e runtime.Event) {
		if e.Kind == runtime.EventText {
			texts = append(texts, e)
		}
	}
	if _, err := d.Execute(Task{ID: "d-1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if decorated != 3 {
		t.Errorf("decorated = %d, want 3 (status, text, done)", decorated)
	}
	if len(texts) != 1 || texts[0].Payload["decorated"] != true {
		t.Errorf("texts = %+v", texts)
	}
}

func TestDriver_BindScopedToRegistration(t *testing.T) {
	type binding struct {
		kind, id   string
		generation uint64
	}
	var bindings []binding
	var stamped []string
	d, reg := newDriver(t, EchoRunner{}, func(cfg *DriverConfig) {
		cfg.Bind = func(kind, id string, generation uint64) runtime.EventEmitterDecorator {
			bindings = append(bindings, binding{kind, id, generation})
			tag := fmt.Sprintf("%s/%d", id, generation)
			return func(next runtime.EventEmitter) runtime.EventEmitter {
				return func(e runtime.Event) {
					stamped = append(stamped, tag)
					next(e)
				}
			}
		}
	})

	if _, err := d.Execute(Task{ID: "b-1", Prompt: "x"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := d.Execute(Task{ID: "b-1", Prompt: "x"}); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}

	if len(bindings) != 2 {
		t.Fatalf("bindings = %+v, want one per registration", bindings)
	}
	if bindings[0].kind != reg.Kind() || bindings[0].id != "b-1" {
		t.Errorf("binding = %+v", bindings[0])
	}
	if bindings[0].generation == bindings[1].generation {
		t.Errorf("reused id bound with the same generation %d", bindings[0].generation)
	}
	if len(stamped) == 0 || stamped[0] != fmt.Sprintf("b-1/%d", bindings[0].generation) {
		t.Errorf("stamped = %v", stamped)
	}
}

func TestEchoRunner_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var n int
	err := EchoRunner{Delay: time.Hour}.Run(ctx, Task{ID: "e", Prompt: "a b c"}, func(runtime.Event) { n++ })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if n != 1 {
		t.Errorf("emitted %d events before stopping, want only the turn event", n)
	}
}
