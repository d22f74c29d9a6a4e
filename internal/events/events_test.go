package events

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEmitOn(t *testing.T) {
	b := New(newTestLogger())
	var received Event

	b.On(RecordingSaved, func(e Event) {
		received = e
	})

	b.Emit(Event{Type: RecordingSaved, Data: "r1"})

	if received.Type != RecordingSaved {
		t.Errorf("type = %q, want %q", received.Type, RecordingSaved)
	}
	if received.Data != "r1" {
		t.Errorf("data = %v, want %q", received.Data, "r1")
	}
}

func TestOnIgnoresOtherTypes(t *testing.T) {
	b := New(newTestLogger())
	called := false

	b.On(RecordingSaved, func(e Event) {
		called = true
	})
	b.Emit(Event{Type: BusState, Data: "connected"})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestOnAllAndUnsubscribe(t *testing.T) {
	b := New(newTestLogger())
	var count atomic.Int32

	unsub := b.OnAll(func(e Event) {
		count.Add(1)
	})

	b.Emit(Event{Type: BusState})
	b.Emit(Event{Type: CleanupDone})
	unsub()
	b.Emit(Event{Type: CatalogChanged})

	if count.Load() != 2 {
		t.Errorf("onAll called %d times, want 2", count.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	b := New(newTestLogger())
	var called atomic.Int32

	b.On(BusState, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	b.On(BusState, func(e Event) {
		called.Add(1)
	})

	b.Emit(Event{Type: BusState})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestConcurrentEmit(t *testing.T) {
	b := New(newTestLogger())
	var count atomic.Int32

	b.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit(Event{Type: RecordingStarted})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

func TestNilBusEmit(t *testing.T) {
	var b *Bus
	b.Emit(Event{Type: BusState})
}
