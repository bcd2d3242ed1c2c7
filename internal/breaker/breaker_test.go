package breaker

import (
	"testing"
	"time"
)

func testSettings() Settings {
	return Settings{
		ConsecutiveFailures: 3,
		FailureRate:         0.6,
		MinRequests:         10,
		Window:              time.Minute,
		Cooldown:            50 * time.Millisecond,
	}
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := New("portal-a", testSettings())

	for i := 0; i < 3; i++ {
		done, ok := b.Allow()
		if !ok {
			t.Fatalf("breaker should be closed before failure %d", i+1)
		}
		done(false)
	}

	if !b.Open() {
		t.Fatalf("breaker should be open after 3 consecutive failures, state=%s", b.State())
	}
	if _, ok := b.Allow(); ok {
		t.Error("open breaker must fast-fail without admitting a call")
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := New("portal-a", testSettings())

	for i := 0; i < 2; i++ {
		done, _ := b.Allow()
		done(false)
	}
	done, _ := b.Allow()
	done(true)
	for i := 0; i < 2; i++ {
		done, ok := b.Allow()
		if !ok {
			t.Fatal("breaker should still be closed: success broke the streak")
		}
		done(false)
	}
	if b.Open() {
		t.Error("2 failures after a success must not trip a threshold of 3")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New("portal-a", testSettings())

	for i := 0; i < 3; i++ {
		done, _ := b.Allow()
		done(false)
	}
	if !b.Open() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond) // past cooldown

	done, ok := b.Allow()
	if !ok {
		t.Fatal("half-open breaker should admit a single probe")
	}
	done(true)

	if b.Open() {
		t.Errorf("successful probe should close the breaker, state=%s", b.State())
	}
}

func TestRegistryIsolatesSources(t *testing.T) {
	r := NewRegistry(testSettings())

	a := r.For("portal-a")
	for i := 0; i < 3; i++ {
		done, _ := a.Allow()
		done(false)
	}
	if !a.Open() {
		t.Fatal("portal-a should be open")
	}
	if r.For("portal-b").Open() {
		t.Error("portal-b must be unaffected by portal-a's failures")
	}
	if r.For("portal-a") != a {
		t.Error("registry must return the same breaker per source id")
	}
}
