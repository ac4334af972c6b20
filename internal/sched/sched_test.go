package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPost_DispatchesInOrder(t *testing.T) {
	s := New(zap.NewNop(), 8)
	var mu sync.Mutex
	var seen []int

	s.On(InboundNetwork, func(_ context.Context, ev Event) {
		mu.Lock()
		seen = append(seen, ev.Data.(int))
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		if err := s.Post(Event{Kind: InboundNetwork, Data: i}); err != nil {
			t.Fatalf("unexpected error posting event %d: %v", i, err)
		}
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for events to dispatch")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Errorf("expected event %d to carry data %d, got %d", i, i, v)
		}
	}
}

func TestPost_FullQueueReturnsError(t *testing.T) {
	s := New(zap.NewNop(), 1)
	// No consumer running: first post fills the buffered channel, second
	// must report back-pressure rather than block.
	if err := s.Post(Event{Kind: InboundNetwork}); err != nil {
		t.Fatalf("unexpected error on first post: %v", err)
	}
	if err := s.Post(Event{Kind: InboundNetwork}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSchedule_CallbackFiresAndRearms(t *testing.T) {
	s := New(zap.NewNop(), 8)
	var mu sync.Mutex
	count := 0

	s.Schedule(10*time.Millisecond, func() CallbackResult {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n >= 3 {
			return Done
		}
		return Continue
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if count < 3 {
		t.Errorf("expected callback to fire at least 3 times, got %d", count)
	}
}

func TestCancel_PreventsFutureFire(t *testing.T) {
	s := New(zap.NewNop(), 8)
	fired := false

	id := s.Schedule(5*time.Millisecond, func() CallbackResult {
		fired = true
		return Continue
	})
	s.Cancel(id)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if fired {
		t.Error("expected canceled callback not to fire")
	}
}

func TestRunning_ReflectsLoopState(t *testing.T) {
	s := New(zap.NewNop(), 8)
	if s.Running() {
		t.Fatal("expected Running() false before Run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for !s.Running() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for Running() true")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
	if s.Running() {
		t.Error("expected Running() false after loop exit")
	}
}
