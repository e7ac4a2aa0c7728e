package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coderelay/coderelay/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()

	var mu sync.Mutex
	var received []*Event

	_, err := b.Subscribe("session.created", func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := NewEvent("session.created", "test", map[string]interface{}{"agent_id": "agent-1"})
	if err := b.Publish(context.Background(), "session.created", event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0].Data["agent_id"] != "agent-1" {
		t.Errorf("unexpected event data: %v", received[0].Data)
	}
}

func TestMemoryEventBus_WildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()

	var mu sync.Mutex
	count := 0

	_, err := b.Subscribe("session.>", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, "session.created", NewEvent("session.created", "test", nil))
	_ = b.Publish(ctx, "session.turn.completed", NewEvent("session.turn.completed", "test", nil))
	_ = b.Publish(ctx, "other.subject", NewEvent("other.subject", "test", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()

	sub, err := b.Subscribe("session.created", func(ctx context.Context, e *Event) error {
		t.Error("handler should not run after unsubscribe")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	_ = b.Publish(context.Background(), "session.created", NewEvent("session.created", "test", nil))
	time.Sleep(50 * time.Millisecond)
}

func TestMemoryEventBus_QueueSubscribe_SingleDelivery(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()

	var mu sync.Mutex
	total := 0

	for i := 0; i < 3; i++ {
		_, err := b.QueueSubscribe("session.reaped", "workers", func(ctx context.Context, e *Event) error {
			mu.Lock()
			total++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	_ = b.Publish(context.Background(), "session.reaped", NewEvent("session.reaped", "test", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == 1
	})

	// Give stray deliveries a chance to show up
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if total != 1 {
		t.Errorf("expected exactly one delivery to the queue group, got %d", total)
	}
}

func TestMemoryEventBus_ClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	b.Close()

	if b.IsConnected() {
		t.Error("expected closed bus to report disconnected")
	}
	if err := b.Publish(context.Background(), "x", NewEvent("x", "test", nil)); err == nil {
		t.Error("expected error publishing to closed bus")
	}
}
