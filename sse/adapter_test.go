package sse_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agime-team/agentstream/execution"
	"github.com/agime-team/agentstream/runtime"
	"github.com/agime-team/agentstream/sse"
)

type recorder struct {
	mu     sync.Mutex
	frames []sse.Frame
	failAt int
}

func (r *recorder) WriteFrame(f sse.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.frames)+1 >= r.failAt {
		return errors.New("client gone")
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) snapshot() []sse.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sse.Frame(nil), r.frames...)
}

func (r *recorder) tags() []string {
	var tags []string
	for _, f := range r.snapshot() {
		if f.KeepAlive {
			tags = append(tags, "ping")
			continue
		}
		tags = append(tags, f.Tag)
	}
	return tags
}

func newRegistry(bufferSize int) *execution.Registry[runtime.Event] {
	return execution.NewRegistry[runtime.Event](execution.Config{Kind: "chat", BufferSize: bufferSize})
}

// waitSubscribed blocks until id has n subscribers.
func waitSubscribed(t *testing.T, reg *execution.Registry[runtime.Event], id string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := reg.Lookup(id); ok && info.Subscribers >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d subscribers on %s", n, id)
}

func startStream(adapter *sse.Adapter[runtime.Event], ctx context.Context, id string, w sse.FrameWriter) <-chan sse.Outcome {
	done := make(chan sse.Outcome, 1)
	go func() { done <- adapter.Stream(ctx, id, w) }()
	return done
}

func awaitOutcome(t *testing.T, ch <-chan sse.Outcome) sse.Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
		return ""
	}
}

func equalTags(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestAdapter_NotFound(t *testing.T) {
	var outcomes []sse.Outcome
	adapter := sse.NewAdapter[runtime.Event](newRegistry(8), sse.Config{
		OnSession: func(o sse.Outcome) { outcomes = append(outcomes, o) },
	})
	rec := &recorder{}

	if got := adapter.Stream(context.Background(), "missing", rec); got != sse.OutcomeNotFound {
		t.Fatalf("Stream() = %s, want not_found", got)
	}
	frames := rec.snapshot()
	if len(frames) != 1 || frames[0].Tag != sse.TagDone {
		t.Fatalf("frames = %+v, want one done frame", frames)
	}
	body := frames[0].Data.(map[string]string)
	if body["status"] != runtime.StatusNotFound {
		t.Errorf("status = %q, want not_found", body["status"])
	}
	if len(outcomes) != 1 || outcomes[0] != sse.OutcomeNotFound {
		t.Errorf("OnSession outcomes = %v", outcomes)
	}
}

func TestAdapter_ForwardsUntilTerminal(t *testing.T) {
	reg := newRegistry(8)
	_, producer, _ := reg.Register("exec-1")
	adapter := sse.NewAdapter[runtime.Event](reg, sse.Config{})
	rec := &recorder{}

	done := startStream(adapter, context.Background(), "exec-1", rec)
	waitSubscribed(t, reg, "exec-1", 1)

	producer.Publish(runtime.Text("exec-1", "hi"))
	producer.Publish(runtime.NewEvent(runtime.EventToolCall, "exec-1"))
	producer.Publish(runtime.Done("exec-1", runtime.StatusCompleted, ""))
	producer.Publish(runtime.Text("exec-1", "after terminal"))

	if got := awaitOutcome(t, done); got != sse.OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", got)
	}
	want := []string{"status", "text", "toolcall", "done"}
	if got := rec.tags(); !equalTags(got, want) {
		t.Errorf("tags = %v, want %v", got, want)
	}
	frames := rec.snapshot()
	if frames[0].ID != 0 || frames[1].ID != 1 || frames[3].ID != 3 {
		t.Errorf("frame ids = %d,%d,%d", frames[0].ID, frames[1].ID, frames[3].ID)
	}
	if !reg.IsActive("exec-1") {
		t.Error("ending a session must not remove the execution")
	}
}

func TestAdapter_ClosedWhenProducerGone(t *testing.T) {
	reg := newRegistry(8)
	_, producer, _ := reg.Register("exec-1")
	adapter := sse.NewAdapter[runtime.Event](reg, sse.Config{})
	rec := &recorder{}

	done := startStream(adapter, context.Background(), "exec-1", rec)
	waitSubscribed(t, reg, "exec-1", 1)
	producer.Complete()

	if got := awaitOutcome(t, done); got != sse.OutcomeClosed {
		t.Fatalf("outcome = %s, want closed", got)
	}
}

func TestAdapter_Heartbeat(t *testing.T) {
	reg := newRegistry(8)
	reg.Register("quiet")
	adapter := sse.NewAdapter[runtime.Event](reg, sse.Config{
		Heartbeat: 10 * time.Millisecond,
		Lifetime:  120 * time.Millisecond,
	})
	rec := &recorder{}

	if got := adapter.Stream(context.Background(), "quiet", rec); got != sse.OutcomeDeadline {
		t.Fatalf("outcome = %s, want deadline_reached", got)
	}
	pings := 0
	for _, f := range rec.snapshot() {
		if f.KeepAlive {
			pings++
		}
	}
	if pings == 0 {
		t.Error("no keep-alive frames written")
	}
	if !reg.IsActive("quiet") {
		t.Error("deadline must not remove the execution")
	}
}

func TestAdapter_LagDoesNotEndSession(t *testing.T) {
	reg := newRegistry(2)
	_, producer, _ := reg.Register("exec-1")
	for i := 0; i < 5; i++ {
		producer.Publish(runtime.Text("exec-1", "x"))
	}
	producer.Publish(runtime.Done("exec-1", runtime.StatusCompleted, ""))

	var dropped uint64
	adapter := sse.NewAdapter[runtime.Event](reg, sse.Config{
		OnLag: func(_ string, n uint64) { dropped += n },
	})
	rec := &recorder{}

	if got := adapter.Resume(context.Background(), "exec-1", 0, rec); got != sse.OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", got)
	}
	if dropped != 4 {
		t.Errorf("dropped = %d, want 4", dropped)
	}
	want := []string{"status", "text", "done"}
	if got := rec.tags(); !equalTags(got, want) {
		t.Errorf("tags = %v, want %v", got, want)
	}
}

func TestAdapter_ResumeSkipsSeen(t *testing.T) {
	reg := newRegistry(16)
	_, producer, _ := reg.Register("exec-1")
	for i := 0; i < 3; i++ {
		producer.Publish(runtime.Text("exec-1", "x"))
	}
	producer.Publish(runtime.Done("exec-1", runtime.StatusFailed, "boom"))

	adapter := sse.NewAdapter[runtime.Event](reg, sse.Config{})
	rec := &recorder{}
	adapter.Resume(context.Background(), "exec-1", 2, rec)

	frames := rec.snapshot()
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	if frames[1].ID != 3 || frames[2].ID != 4 {
		t.Errorf("ids = %d,%d, want 3,4", frames[1].ID, frames[2].ID)
	}
}

func TestAdapter_ContextCancel(t *testing.T) {
	reg := newRegistry(8)
	reg.Register("exec-1")
	adapter := sse.NewAdapter[runtime.Event](reg, sse.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := startStream(adapter, ctx, "exec-1", &recorder{})
	waitSubscribed(t, reg, "exec-1", 1)
	cancel()

	if got := awaitOutcome(t, done); got != sse.OutcomeDisconnected {
		t.Fatalf("outcome = %s, want disconnected", got)
	}
	info, _ := reg.Lookup("exec-1")
	if info.Subscribers != 0 {
		t.Errorf("Subscribers = %d after session end, want 0", info.Subscribers)
	}
}

func TestAdapter_WriteErrorDisconnects(t *testing.T) {
	reg := newRegistry(8)
	_, producer, _ := reg.Register("exec-1")
	producer.Publish(runtime.Text("exec-1", "x"))
	adapter := sse.NewAdapter[runtime.Event](reg, sse.Config{})

	if got := adapter.Resume(context.Background(), "exec-1", 0, &recorder{failAt: 2}); got != sse.OutcomeDisconnected {
		t.Fatalf("outcome = %s, want disconnected", got)
	}
}

func TestAdapter_DeadlineWhileEventsPending(t *testing.T) {
	reg := newRegistry(64)
	_, producer, _ := reg.Register("chatty")
	producer.Publish(runtime.Text("chatty", "first"))

	adapter := sse.NewAdapter[runtime.Event](reg, sse.Config{Lifetime: 20 * time.Millisecond})

	// Every write publishes another event, so the receiver never runs dry.
	frames := 0
	w := sse.FrameWriterFunc(func(sse.Frame) error {
		frames++
		if frames > 500 {
			return errors.New("client gave up")
		}
		producer.Publish(runtime.Text("chatty", "more"))
		time.Sleep(time.Millisecond)
		return nil
	})

	start := time.Now()
	if got := adapter.Resume(context.Background(), "chatty", 0, w); got != sse.OutcomeDeadline {
		t.Fatalf("outcome = %s after %d frames, want deadline_reached", got, frames)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("session lasted %v, lifetime was 20ms", elapsed)
	}
}

func TestAdapter_CancelledContextWhileEventsPending(t *testing.T) {
	reg := newRegistry(64)
	_, producer, _ := reg.Register("chatty")
	producer.Publish(runtime.Text("chatty", "first"))
	adapter := sse.NewAdapter[runtime.Event](reg, sse.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	frames := 0
	w := sse.FrameWriterFunc(func(sse.Frame) error {
		frames++
		if frames == 3 {
			cancel()
		}
		if frames > 500 {
			return errors.New("client gave up")
		}
		producer.Publish(runtime.Text("chatty", "more"))
		return nil
	})

	if got := adapter.Resume(ctx, "chatty", 0, w); got != sse.OutcomeDisconnected {
		t.Fatalf("outcome = %s, want disconnected", got)
	}
	if frames > 4 {
		t.Errorf("frames = %d, session kept writing after cancellation", frames)
	}
}

func TestAdapter_ReplaySkipsOpeningStatus(t *testing.T) {
	reg := newRegistry(16)
	_, producer, _ := reg.Register("exec-1")
	producer.Publish(runtime.Status("exec-1", runtime.StatusRunning))
	producer.Publish(runtime.Text("exec-1", "hi"))
	producer.Publish(runtime.Done("exec-1", runtime.StatusCompleted, ""))

	adapter := sse.NewAdapter[runtime.Event](reg, sse.Config{})
	rec := &recorder{}
	if got := adapter.Resume(context.Background(), "exec-1", 0, rec); got != sse.OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", got)
	}

	want := []string{"status", "text", "done"}
	if got := rec.tags(); !equalTags(got, want) {
		t.Errorf("tags = %v, want %v", got, want)
	}
	frames := rec.snapshot()
	if frames[1].ID != 2 || frames[2].ID != 3 {
		t.Errorf("ids = %d,%d, want 2,3", frames[1].ID, frames[2].ID)
	}
}
