package events

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestBus() *Bus {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewBus(log)
}

func TestPublishCallsMatchingSubscriber(t *testing.T) {
	bus := newTestBus()
	var called atomic.Bool

	bus.Subscribe(func(e IssueEvent) {
		if e.Action != Commented {
			t.Errorf("expected Commented, got %s", e.Action)
		}
		called.Store(true)
	}, Commented)

	bus.Publish(IssueEvent{IssueID: 1, Action: Commented})

	if !called.Load() {
		t.Error("subscriber was not called")
	}
}

func TestSubscriberIgnoresUnmatchedActions(t *testing.T) {
	bus := newTestBus()
	var called atomic.Bool

	bus.Subscribe(func(e IssueEvent) {
		called.Store(true)
	}, Commented)

	bus.Publish(IssueEvent{IssueID: 1, Action: Created})

	if called.Load() {
		t.Error("subscriber should not have been called for created")
	}
}

func TestWildcardSubscriberReceivesAll(t *testing.T) {
	bus := newTestBus()
	var count atomic.Int32

	bus.Subscribe(func(e IssueEvent) {
		count.Add(1)
	})

	bus.Publish(IssueEvent{Action: Created})
	bus.Publish(IssueEvent{Action: Assigned})
	bus.Publish(IssueEvent{Action: Deleted})

	if count.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", count.Load())
	}
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := newTestBus()
	var got time.Time

	bus.Subscribe(func(e IssueEvent) {
		got = e.Timestamp
	})

	bus.Publish(IssueEvent{Action: Created})

	if got.IsZero() {
		t.Error("timestamp was not set")
	}
}

func TestPublishPreservesExplicitTimestamp(t *testing.T) {
	bus := newTestBus()
	explicit := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var got time.Time

	bus.Subscribe(func(e IssueEvent) {
		got = e.Timestamp
	})

	bus.Publish(IssueEvent{Action: Created, Timestamp: explicit})

	if !got.Equal(explicit) {
		t.Errorf("expected %v, got %v", explicit, got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := newTestBus()
	var count atomic.Int32
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(func(e IssueEvent) {
				count.Add(1)
			}, Updated)
		}()
	}
	wg.Wait()

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(IssueEvent{Action: Updated})
		}()
	}
	wg.Wait()

	expected := int32(10 * 100)
	if count.Load() != expected {
		t.Errorf("expected %d, got %d", expected, count.Load())
	}
}

func TestPanicInSubscriberDoesNotCrash(t *testing.T) {
	bus := newTestBus()
	var secondCalled atomic.Bool

	bus.Subscribe(func(e IssueEvent) {
		panic("bad subscriber")
	}, Created)

	bus.Subscribe(func(e IssueEvent) {
		secondCalled.Store(true)
	}, Created)

	bus.Publish(IssueEvent{Action: Created})

	if !secondCalled.Load() {
		t.Error("second subscriber should still be called after first panics")
	}
}

func TestActionValid(t *testing.T) {
	tests := []struct {
		a    Action
		want bool
	}{
		{Created, true},
		{StatusChanged, true},
		{Deleted, true},
		{Action("archived"), false},
		{Action(""), false},
	}
	for _, tt := range tests {
		if got := tt.a.Valid(); got != tt.want {
			t.Errorf("Action(%q).Valid() = %v, want %v", tt.a, got, tt.want)
		}
	}
}

func TestEventChangeLookup(t *testing.T) {
	e := IssueEvent{Changes: []Change{{Field: "status", Old: "new", New: "resolved"}}}
	c, ok := e.Change("status")
	if !ok || c.New != "resolved" {
		t.Errorf("Change(status) = %+v, %v", c, ok)
	}
	if _, ok := e.Change("priority"); ok {
		t.Error("Change(priority) should be absent")
	}
}
