package progress

import (
	"context"
	"sync"
	"testing"
	"time"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishFollowsMonotonicChain(t *testing.T) {
	p := NewPublisher("req-1", nil)
	ch := p.Subscribe()

	p.Publish(StageConnecting, 0, "start", Detail{})
	p.Publish(StageFetching, 20, "fetching", Detail{})
	p.Publish(StageClassifying, 75, "classifying", Detail{})
	p.Publish(StageComplete, 100, "done", Detail{})

	events := drain(ch)
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	wantStages := []Stage{StageConnecting, StageFetching, StageClassifying, StageComplete}
	for i, ev := range events {
		if ev.Stage != wantStages[i] {
			t.Errorf("event %d stage = %s, want %s", i, ev.Stage, wantStages[i])
		}
		if ev.RequestID != "req-1" {
			t.Errorf("event %d request id = %s", i, ev.RequestID)
		}
	}
}

func TestPublishDropsRegressions(t *testing.T) {
	p := NewPublisher("req-1", nil)
	ch := p.Subscribe()

	p.Publish(StageClassifying, 75, "classifying", Detail{})
	p.Publish(StageFetching, 20, "late fetch event", Detail{})

	events := drain(ch)
	if len(events) != 1 || events[0].Stage != StageClassifying {
		t.Errorf("regressive event should be dropped, got %v", events)
	}
	if p.Stage() != StageClassifying {
		t.Errorf("stage = %s, want classifying", p.Stage())
	}
}

func TestPercentNeverDecreases(t *testing.T) {
	p := NewPublisher("req-1", nil)
	ch := p.Subscribe()

	p.Publish(StageFetching, 50, "", Detail{})
	p.Publish(StageFetching, 30, "", Detail{}) // clamps up to 50
	p.Publish(StageFiltering, 200, "", Detail{})

	events := drain(ch)
	if events[1].Percent != 50 {
		t.Errorf("lower percent should clamp to previous, got %d", events[1].Percent)
	}
	if events[2].Percent != 100 {
		t.Errorf("percent should cap at 100, got %d", events[2].Percent)
	}
}

func TestExactlyOneTerminalEvent(t *testing.T) {
	p := NewPublisher("req-1", nil)
	ch := p.Subscribe()

	p.Publish(StageDegraded, 100, "cache fallback", Detail{})
	p.Publish(StageComplete, 100, "too late", Detail{})
	p.Publish(StageError, 100, "also too late", Detail{})

	events := drain(ch)
	terminals := 0
	for _, ev := range events {
		if ev.Stage.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminals)
	}
	if events[0].Stage != StageDegraded {
		t.Errorf("terminal = %s, want the first one published", events[0].Stage)
	}
}

func TestRevalidatedDeliveredAfterTerminal(t *testing.T) {
	p := NewPublisher("req-1", nil)
	ch := p.Subscribe()

	p.Publish(StageDegraded, 100, "served stale", Detail{})
	p.PublishRevalidated(Detail{Reason: "background revalidation"})

	events := drain(ch)
	if len(events) != 2 {
		t.Fatalf("events = %d, want terminal plus revalidated", len(events))
	}
	if events[1].Stage != StageRevalidated {
		t.Errorf("second event = %s, want revalidated", events[1].Stage)
	}
	if StageRevalidated.Terminal() {
		t.Error("revalidated must not be terminal")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	p := NewPublisher("req-1", nil)
	ch := p.Subscribe()
	p.Unsubscribe(ch)

	if p.HasListeners() {
		t.Error("publisher should have no listeners after unsubscribe")
	}
	if _, open := <-ch; open {
		t.Error("unsubscribed channel should be closed")
	}
	// Publishing after unsubscribe must not panic.
	p.Publish(StageFetching, 10, "", Detail{})
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	p := NewPublisher("req-1", nil)
	p.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.Publish(StageFetching, i, "burst", Detail{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

// trackerSpy implements TrackerStore.
type trackerSpy struct {
	mu    sync.Mutex
	blobs map[string][][]byte
}

func (s *trackerSpy) PutTracker(_ context.Context, requestID string, blob []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[requestID] = append(s.blobs[requestID], blob)
	return nil
}

func TestEventsMirrorToTrackerStore(t *testing.T) {
	spy := &trackerSpy{blobs: make(map[string][][]byte)}
	p := NewPublisher("req-1", spy)

	p.Publish(StageConnecting, 0, "start", Detail{})
	p.Publish(StageComplete, 100, "done", Detail{})

	spy.mu.Lock()
	defer spy.mu.Unlock()
	if len(spy.blobs["req-1"]) != 2 {
		t.Errorf("mirrored blobs = %d, want 2", len(spy.blobs["req-1"]))
	}
	var ev Event
	if err := json.Unmarshal(spy.blobs["req-1"][1], &ev); err != nil {
		t.Fatalf("mirrored blob not decodable: %v", err)
	}
	if ev.Stage != StageComplete {
		t.Errorf("last mirrored stage = %s", ev.Stage)
	}
}
