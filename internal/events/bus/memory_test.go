package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vectormesh/vectormesh/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("execution.started", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	event := NewEvent("execution.started", "orchestrator", map[string]any{"execution_id": "exec-1"})
	if err := bus.Publish(context.Background(), "execution.started", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("expected event id %s, got %s", event.ID, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBusWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	sub, err := bus.Subscribe("execution.event.*", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	ctx := context.Background()
	for _, subject := range []string{
		"execution.event.exec-1",
		"execution.event.exec-2",
		"execution.started", // must not match
	} {
		if err := bus.Publish(ctx, subject, NewEvent("x", "test", nil)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("expected 2 deliveries, got %d", got)
	}
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	sub, err := bus.Subscribe("step.completed", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, "step.completed", NewEvent("x", "test", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(ctx, "step.completed", NewEvent("x", "test", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
}

func TestMemoryEventBusQueueGroupDeliversOnce(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	for i := 0; i < 3; i++ {
		sub, err := bus.QueueSubscribe("admission.admitted", "workers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("queue subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()
	}

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if err := bus.Publish(ctx, "admission.admitted", NewEvent("x", "test", nil)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	// one member per event, not one per member
	if got := atomic.LoadInt32(&count); got != 6 {
		t.Errorf("expected 6 deliveries, got %d", got)
	}
}

func TestMemoryEventBusConcurrentPublish(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var received int32
	sub, err := bus.Subscribe("load.test", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	const goroutines, perGoroutine = 10, 100
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_ = bus.Publish(context.Background(), "load.test", NewEvent("x", "test", nil))
			}
		}()
	}
	wg.Wait()
	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&received); got != goroutines*perGoroutine {
		t.Errorf("expected %d deliveries, got %d", goroutines*perGoroutine, got)
	}
}

func TestMemoryEventBusClose(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	if !bus.IsConnected() {
		t.Error("expected bus to be connected")
	}

	bus.Close()
	if bus.IsConnected() {
		t.Error("expected bus to be disconnected after close")
	}
	if err := bus.Publish(context.Background(), "x", NewEvent("x", "test", nil)); err == nil {
		t.Error("expected publish to a closed bus to fail")
	}
	if _, err := bus.Subscribe("x", func(context.Context, *Event) error { return nil }); err == nil {
		t.Error("expected subscribe on a closed bus to fail")
	}
}
