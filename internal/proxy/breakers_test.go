package proxy

import (
	"testing"
	"time"

	"meshctl/internal/circuitbreaker"
)

func TestBreakerRegistrySnapshotReflectsCreatedBreakers(t *testing.T) {
	r := newBreakerRegistry(BreakerConfig{MaxFailures: 2, MaxRequests: 1}, nil)
	r.get("host-a:80")
	r.get("host-b:80")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() returned %d entries, want 2", len(snap))
	}
	if _, ok := snap["host-a:80"]; !ok {
		t.Error("Snapshot() missing host-a:80")
	}
}

func TestBreakerRegistryOnTripFiresWhenBreakerOpens(t *testing.T) {
	tripped := make(chan string, 1)
	r := newBreakerRegistry(BreakerConfig{MaxFailures: 1, MaxRequests: 1}, func(destination string) {
		tripped <- destination
	})

	b := r.get("host-a:80")
	b.Failure()

	// OnStateChange runs on its own goroutine, so wait for the callback.
	select {
	case got := <-tripped:
		if got != "host-a:80" {
			t.Fatalf("onTrip fired for %q, want host-a:80", got)
		}
	case <-time.After(time.Second):
		t.Fatal("onTrip did not fire after the breaker opened")
	}
}

func TestBreakerRegistryUpdateConfigAppliesToNewDestinationsOnly(t *testing.T) {
	r := newBreakerRegistry(BreakerConfig{MaxFailures: 5, MaxRequests: 1}, nil)
	r.get("host-a:80") // created under the old threshold

	r.UpdateConfig(BreakerConfig{MaxFailures: 1, MaxRequests: 1})

	b := r.get("host-a:80")
	b.Failure()
	if b.State() == circuitbreaker.StateOpen {
		t.Error("existing breaker must not retroactively adopt the new MaxFailures")
	}

	fresh := r.get("host-c:80")
	fresh.Failure()
	if fresh.State() != circuitbreaker.StateOpen {
		t.Error("a destination created after UpdateConfig must use the new MaxFailures")
	}
}
