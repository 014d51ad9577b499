package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishCallsMatchingSubscriber(t *testing.T) {
	bus := NewBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) {
		if e.Type != MachineOffline {
			t.Errorf("expected MachineOffline, got %s", e.Type)
		}
		called.Store(true)
	}, MachineOffline)

	bus.Publish(Event{Type: MachineOffline, Message: "test"})

	if !called.Load() {
		t.Error("subscriber was not called")
	}
}

func TestSubscriberIgnoresUnmatchedTypes(t *testing.T) {
	bus := NewBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) {
		called.Store(true)
	}, MachineOffline)

	bus.Publish(Event{Type: InstallFailed, Message: "install"})

	if called.Load() {
		t.Error("subscriber should not have been called for InstallFailed")
	}
}

func TestWildcardSubscriberReceivesAll(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32

	bus.Subscribe(func(e Event) {
		count.Add(1)
	})

	bus.Publish(Event{Type: MachineOnline, Message: "a"})
	bus.Publish(Event{Type: MachineOffline, Message: "b"})
	bus.Publish(Event{Type: InstallCompleted, Message: "c"})

	if count.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", count.Load())
	}
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := NewBus()
	var got time.Time

	bus.Subscribe(func(e Event) {
		got = e.Timestamp
	})

	bus.Publish(Event{Type: MachineOnline, Message: "ts"})

	if got.IsZero() {
		t.Error("timestamp was not set")
	}
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) {
		panic("boom")
	})
	bus.Subscribe(func(e Event) {
		called.Store(true)
	})

	bus.Publish(Event{Type: MachineError, Message: "x"})

	if !called.Load() {
		t.Error("second subscriber should still have been called")
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(func(e Event) {
				count.Add(1)
			}, MachineOffline)
		}()
	}
	wg.Wait()

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: MachineOffline, Message: "concurrent"})
		}()
	}
	wg.Wait()

	expected := int32(10 * 100)
	if count.Load() != expected {
		t.Errorf("expected %d, got %d", expected, count.Load())
	}
}
