package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBus_FIFOOrder(t *testing.T) {
	b := New[int](8)
	r := b.Subscribe()
	defer r.Close()

	for i := 1; i <= 5; i++ {
		seq, ok := b.Publish(i * 10)
		if !ok {
			t.Fatalf("Publish(%d) rejected", i)
		}
		if seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}

	for i := 1; i <= 5; i++ {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if got != i*10 {
			t.Errorf("Next() = %d, want %d", got, i*10)
		}
	}
	if _, err := r.Next(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Next() on drained bus = %v, want ErrEmpty", err)
	}
}

func TestBus_LagReportsExactCount(t *testing.T) {
	b := New[int](4)
	r := b.Subscribe()
	defer r.Close()

	for i := 1; i <= 10; i++ {
		b.Publish(i)
	}

	_, err := r.Next()
	skipped, ok := IsLag(err)
	if !ok {
		t.Fatalf("Next() error = %v, want *LagError", err)
	}
	if skipped != 6 {
		t.Errorf("Skipped = %d, want 6", skipped)
	}

	for want := 7; want <= 10; want++ {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() after lag error = %v", err)
		}
		if got != want {
			t.Errorf("Next() = %d, want %d", got, want)
		}
	}
	if r.LastSeq() != 10 {
		t.Errorf("LastSeq() = %d, want 10", r.LastSeq())
	}
}

func TestBus_ClosedAfterDrain(t *testing.T) {
	b := New[string](4)
	r := b.Subscribe()

	b.Publish("a")
	b.Close()
	b.Close()

	if _, ok := b.Publish("late"); ok {
		t.Error("Publish after Close should be rejected")
	}

	got, err := r.Next()
	if err != nil || got != "a" {
		t.Fatalf("Next() = %q, %v; want retained event", got, err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrClosed) {
		t.Errorf("Next() = %v, want ErrClosed", err)
	}
	if !b.Closed() {
		t.Error("Closed() = false after Close")
	}
}

func TestBus_SubscribeIsLiveOnly(t *testing.T) {
	b := New[int](8)
	b.Publish(1)
	b.Publish(2)

	r := b.Subscribe()
	defer r.Close()

	if _, err := r.Next(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("late subscriber saw history: %v", err)
	}

	b.Publish(3)
	got, err := r.Next()
	if err != nil || got != 3 {
		t.Errorf("Next() = %d, %v; want 3", got, err)
	}
}

func TestBus_SubscribeFromReplaysRetained(t *testing.T) {
	b := New[int](8)
	for i := 1; i <= 3; i++ {
		b.Publish(i)
	}

	r := b.SubscribeFrom(1)
	defer r.Close()

	var got []int
	for {
		v, err := r.Next()
		if errors.Is(err, ErrEmpty) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("replay = %v, want [2 3]", got)
	}
}

func TestBus_SubscribeFromBeyondHeadIsLive(t *testing.T) {
	b := New[int](8)
	b.Publish(1)

	r := b.SubscribeFrom(99)
	defer r.Close()

	if _, err := r.Next(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Next() = %v, want ErrEmpty", err)
	}
}

func TestBus_SubscribeFromOverwrittenReportsLag(t *testing.T) {
	b := New[int](2)
	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	r := b.SubscribeFrom(0)
	defer r.Close()

	_, err := r.Next()
	if skipped, ok := IsLag(err); !ok || skipped != 3 {
		t.Fatalf("Next() = %v, want lag of 3", err)
	}
	if v, _ := r.Next(); v != 4 {
		t.Errorf("Next() = %d, want 4", v)
	}
}

func TestReceiver_WaitWakesOnPublish(t *testing.T) {
	b := New[int](4)
	r := b.Subscribe()
	defer r.Close()

	wait := r.Wait()
	select {
	case <-wait:
		t.Fatal("Wait() ready before any publish")
	default:
	}

	b.Publish(1)

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("Wait() not signalled by Publish")
	}
}

func TestReceiver_WaitWakesOnClose(t *testing.T) {
	b := New[int](4)
	r := b.Subscribe()
	defer r.Close()

	wait := r.Wait()
	b.Close()

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("Wait() not signalled by Close")
	}
}

func TestReceiver_RecvRespectsContext(t *testing.T) {
	b := New[int](4)
	r := b.Subscribe()
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := r.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv() = %v, want deadline exceeded", err)
	}
}

func TestReceiver_CloseIsIdempotent(t *testing.T) {
	b := New[int](4)
	r := b.Subscribe()
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", b.Subscribers())
	}
	r.Close()
	r.Close()
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", b.Subscribers())
	}
	if _, err := r.Next(); !errors.Is(err, ErrClosed) {
		t.Errorf("Next() on closed receiver = %v, want ErrClosed", err)
	}
}

func TestBus_ConcurrentSubscribersSeeEverything(t *testing.T) {
	const n = 100
	b := New[int](n)

	var wg sync.WaitGroup
	results := make([][]int, 4)
	for i := range results {
		r := b.Subscribe()
		wg.Add(1)
		go func(i int, r *Receiver[int]) {
			defer wg.Done()
			defer r.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				v, err := r.Recv(ctx)
				if err != nil {
					return
				}
				results[i] = append(results[i], v)
			}
		}(i, r)
	}

	for i := 0; i < n; i++ {
		b.Publish(i)
	}
	b.Close()
	wg.Wait()

	for i, got := range results {
		if len(got) != n {
			t.Errorf("subscriber %d got %d events, want %d", i, len(got), n)
			continue
		}
		for j, v := range got {
			if v != j {
				t.Errorf("subscriber %d event %d = %d", i, j, v)
				break
			}
		}
	}
}

func TestNew_DefaultCapacity(t *testing.T) {
	if got := New[int](0).Capacity(); got != DefaultCapacity {
		t.Errorf("Capacity() = %d, want %d", got, DefaultCapacity)
	}
}
