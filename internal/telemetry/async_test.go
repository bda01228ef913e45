package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"auction-tracker/backend/internal/telemetry/domain"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*domain.Telemetry
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *domain.Telemetry) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*domain.Telemetry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Telemetry(nil), m.events...)
}

func waitForEvents(t *testing.T, m *mockEventEmitter, n int) []*domain.Telemetry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := m.getEvents(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	events := m.getEvents()
	t.Fatalf("expected %d events, got %d", n, len(events))
	return nil
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic
	EmitAsync(nil, context.Background(), &domain.Telemetry{EventType: domain.EventBidAccepted})
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter, context.Background(), nil)

	time.Sleep(10 * time.Millisecond)
	if events := emitter.getEvents(); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{}
	event := &domain.Telemetry{
		EventType:  domain.EventBidAccepted,
		IdentityID: "alice",
		AuctionID:  "7",
	}

	EmitAsync(emitter, context.Background(), event)

	events := waitForEvents(t, emitter, 1)
	if events[0].IdentityID != "alice" || events[0].AuctionID != "7" {
		t.Errorf("event = %+v", events[0])
	}
	if events[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}
}

func TestEmitAsync_UsesBackgroundContext(t *testing.T) {
	emitter := &mockEventEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	EmitAsync(emitter, ctx, &domain.Telemetry{EventType: domain.EventDirectRelayed})

	waitForEvents(t, emitter, 1)
}

func TestEmitAsync_ErrorHandling(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: errors.New("collector down")}

	// Should not panic on error
	EmitAsync(emitter, context.Background(), &domain.Telemetry{EventType: domain.EventBidRejected})
	waitForEvents(t, emitter, 1)
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEventEmitter{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, context.Background(), &domain.Telemetry{EventType: domain.EventEventRelayed})
		}()
	}
	wg.Wait()

	waitForEvents(t, emitter, 10)
}

func TestShutdownDrainDuration(t *testing.T) {
	if ShutdownDrainDuration < emitTimeout {
		t.Errorf("ShutdownDrainDuration %v < emitTimeout %v", ShutdownDrainDuration, emitTimeout)
	}
}

func TestMultiEmitter(t *testing.T) {
	a := &mockEventEmitter{}
	b := &mockEventEmitter{emitErr: errors.New("b failed")}
	c := &mockEventEmitter{}
	m := MultiEmitter{a, nil, b, c}

	err := m.Emit(context.Background(), &domain.Telemetry{EventType: domain.EventBidAccepted})
	if err == nil || err.Error() != "b failed" {
		t.Fatalf("Emit err = %v, want b failed", err)
	}
	for name, e := range map[string]*mockEventEmitter{"a": a, "b": b, "c": c} {
		if n := len(e.getEvents()); n != 1 {
			t.Errorf("emitter %s got %d events, want 1", name, n)
		}
	}
}
