package worker

import (
	"context"
	"testing"

	"github.com/agime-team/agentstream/runtime"
)

func namedRunner(name string, calls *[]string) Runner {
	return RunnerFunc(func(context.Context, Task, runtime.EventEmitter) error {
		*calls = append(*calls, name)
		return nil
	})
}

func TestRouter(t *testing.T) {
	var calls []string
	router, err := NewRouter(map[string]Runner{
		"echo":      namedRunner("echo", &calls),
		"Anthropic": namedRunner("anthropic", &calls),
	}, "echo")
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	noop := func(runtime.Event) {}
	ctx := context.Background()
	if err := router.Run(ctx, Task{}, noop); err != nil {
		t.Fatalf("Run() default error = %v", err)
	}
	if err := router.Run(ctx, Task{Provider: "ANTHROPIC"}, noop); err != nil {
		t.Fatalf("Run() anthropic error = %v", err)
	}
	if err := router.Run(ctx, Task{Provider: "missing"}, noop); err == nil {
		t.Fatal("Run() with unknown provider should fail")
	}

	if len(calls) != 2 || calls[0] != "echo" || calls[1] != "anthropic" {
		t.Errorf("calls = %v", calls)
	}
	if !router.Has("anthropic") || router.Has("missing") || !router.Has("") {
		t.Error("Has() mismatch")
	}
	if names := router.Names(); len(names) != 2 || names[0] != "anthropic" {
		t.Errorf("Names() = %v", names)
	}
}

func TestNewRouter_UnknownFallback(t *testing.T) {
	if _, err := NewRouter(map[string]Runner{"echo": EchoRunner{}}, "nope"); err == nil {
		t.Fatal("NewRouter() with unknown fallback should fail")
	}
}
