package events

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishDeliversToSpecificSubscribers(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))

	outputEvents := make(chan Event, 1)
	exitEvents := make(chan Event, 1)

	bus.Subscribe(EventTypeSessionOutput, func(event Event) {
		outputEvents <- event
	})
	bus.Subscribe(EventTypeSessionExit, func(event Event) {
		exitEvents <- event
	})

	bus.Publish(Event{
		Type:      EventTypeSessionOutput,
		SessionID: "s-1",
		Payload:   "compiling...",
		Severity:  SeverityInfo,
	})

	select {
	case got := <-outputEvents:
		if got.Type != EventTypeSessionOutput {
			t.Fatalf("received type = %q, want %q", got.Type, EventTypeSessionOutput)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output subscriber event")
	}

	select {
	case got := <-exitEvents:
		t.Fatalf("unexpected exit event delivered: %#v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDeliveryAndReleasesRegistration(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	received := make(chan Event, 4)
	subscription := bus.Subscribe(EventTypeSessionOutput, func(event Event) {
		received <- event
	})

	bus.Publish(Event{Type: EventTypeSessionOutput, SessionID: "s-1"})
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	subscription.Unsubscribe()
	subscription.Unsubscribe() // idempotent

	bus.mu.RLock()
	remaining := len(bus.typedSubs[EventTypeSessionOutput])
	bus.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("typed subscribers after unsubscribe = %d, want 0", remaining)
	}

	bus.Publish(Event{Type: EventTypeSessionOutput, SessionID: "s-1"})
	select {
	case got := <-received:
		t.Fatalf("event delivered after unsubscribe: %#v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestUnsubscribeReleasesWildcardSubscriber(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	subscription := bus.SubscribeAll(func(Event) {})
	subscription.Unsubscribe()

	bus.mu.RLock()
	remaining := len(bus.wildcardSubs)
	bus.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("wildcard subscribers after unsubscribe = %d, want 0", remaining)
	}
}

func TestSubscribeAllReceivesEveryEvent(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	all := make(chan Event, 2)

	bus.SubscribeAll(func(event Event) {
		all <- event
	})

	bus.Publish(Event{
		Type:      EventTypeSessionStatus,
		SessionID: "s-1",
		Severity:  SeverityInfo,
	})
	bus.Publish(Event{
		Type:      EventTypeSessionBlocked,
		SessionID: "s-2",
		Severity:  SeverityWarn,
	})

	gotFirst := waitForEvent(t, all)
	gotSecond := waitForEvent(t, all)
	got := []string{gotFirst.Type, gotSecond.Type}

	if !containsType(got, EventTypeSessionStatus) {
		t.Fatalf("wildcard subscriber missing %q event; got %v", EventTypeSessionStatus, got)
	}
	if !containsType(got, EventTypeSessionBlocked) {
		t.Fatalf("wildcard subscriber missing %q event; got %v", EventTypeSessionBlocked, got)
	}
}

func TestPublishDropsWhenSubscriberBufferIsFullAndReturnsQuickly(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})

	bus.Subscribe(EventTypeSessionOutput, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
	})

	baseEvent := Event{
		Type:      EventTypeSessionOutput,
		SessionID: "s-slow",
		Severity:  SeverityWarn,
	}

	bus.Publish(baseEvent)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to block")
	}

	bus.Publish(baseEvent)

	start := time.Now()
	bus.Publish(baseEvent)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s; expected non-blocking behavior", elapsed)
	}

	close(unblock)

	if !logger.contains("dropping event") {
		t.Fatalf("expected drop warning log, got %v", logger.messages())
	}
}

func TestPublishPopulatesTimestampAndPreservesMetadata(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	ch := make(chan Event, 1)

	bus.Subscribe(EventTypeTaskUpdate, func(event Event) {
		ch <- event
	})

	bus.Publish(Event{
		Type:      EventTypeTaskUpdate,
		SessionID: "s-1",
		TaskID:    "t-1",
		Payload:   map[string]any{"status": "running"},
		Severity:  SeverityInfo,
	})

	got := waitForEvent(t, ch)
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp is zero; expected publish to populate timestamp")
	}
	if got.SessionID != "s-1" {
		t.Fatalf("session id = %q, want %q", got.SessionID, "s-1")
	}
	if got.TaskID != "t-1" {
		t.Fatalf("task id = %q, want %q", got.TaskID, "t-1")
	}
	if got.Severity != SeverityInfo {
		t.Fatalf("severity = %q, want %q", got.Severity, SeverityInfo)
	}
}

func TestBusSupportsConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New(WithBufferSize(5000), WithLogger(&captureLogger{}))
	const publisherCount = 20
	const eventsPerPublisher = 100

	var received atomic.Int64
	expectedFromWildcard := int64(publisherCount * eventsPerPublisher)

	bus.SubscribeAll(func(Event) {
		received.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < publisherCount; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				bus.Publish(Event{
					Type:      EventTypeSessionOutput,
					SessionID: "s-concurrent",
					Payload:   map[string]int{"publisher": i, "index": j},
					Severity:  SeverityInfo,
				})
			}
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(EventTypeSessionOutput, func(Event) {})
		}()
	}

	wg.Wait()
	waitForCount(t, &received, expectedFromWildcard, 2*time.Second)
}

func containsType(types []string, want string) bool {
	for _, eventType := range types {
		if eventType == want {
			return true
		}
	}
	return false
}

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitForCount(t *testing.T, got *atomic.Int64, want int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("received count = %d, want at least %d", got.Load(), want)
}

type captureLogger struct {
	mu   sync.Mutex
	logs []string
}

func (c *captureLogger) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logs = append(c.logs, fmt.Sprintf(format, args...))
}

func (c *captureLogger) contains(fragment string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, message := range c.logs {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

func (c *captureLogger) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.logs))
	copy(out, c.logs)
	return out
}
