package changefeed

import (
	"context"
	"testing"

	"meshctl/internal/core"
	"meshctl/internal/store"
)

func upsert(t *testing.T, s store.Store, id, service string) uint64 {
	t.Helper()
	v, err := s.Upsert(context.Background(), &core.InstanceRecord{
		InstanceID:  id,
		ServiceName: service,
		Metadata:    map[string]string{},
	})
	if err != nil {
		t.Fatalf("Upsert(%s) error = %v", id, err)
	}
	return v
}

func TestChangesSinceCoalescesToLatest(t *testing.T) {
	s := store.NewMemoryStore()
	f := New(s, 100)

	upsert(t, s, "i1", "orders")
	v10 := upsert(t, s, "i2", "orders")
	s.Upsert(context.Background(), &core.InstanceRecord{InstanceID: "i1", ServiceName: "orders", Weight: 50, Metadata: map[string]string{}})

	cur, ups, removed, reset := f.ChangesSince(0)
	if reset {
		t.Fatal("unexpected full reset on first sync")
	}
	if cur < v10 {
		t.Errorf("current version %d should be >= %d", cur, v10)
	}
	if len(removed) != 0 {
		t.Errorf("expected no removals, got %v", removed)
	}

	seen := map[string]*core.InstanceRecord{}
	for _, rec := range ups {
		seen[rec.InstanceID] = rec
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 coalesced upserts, got %d", len(seen))
	}
	if seen["i1"].Weight != 50 {
		t.Errorf("expected latest i1 weight 50, got %d", seen["i1"].Weight)
	}
}

func TestChangesSinceReportsRemovals(t *testing.T) {
	s := store.NewMemoryStore()
	f := New(s, 100)

	upsert(t, s, "i1", "orders")
	v, _, _, _ := f.ChangesSince(0)
	s.Remove(context.Background(), "i1")

	_, ups, removed, reset := f.ChangesSince(v)
	if reset {
		t.Fatal("unexpected full reset")
	}
	if len(ups) != 0 {
		t.Errorf("expected no upserts after removal-only change, got %v", ups)
	}
	if len(removed) != 1 || removed[0] != "i1" {
		t.Errorf("expected [i1] removed, got %v", removed)
	}
}

func TestChangesSinceSignalsFullResetWhenTruncated(t *testing.T) {
	s := store.NewMemoryStore()
	f := New(s, 2)

	upsert(t, s, "i1", "orders")
	upsert(t, s, "i2", "orders")
	upsert(t, s, "i3", "orders")
	upsert(t, s, "i4", "orders")

	_, _, _, reset := f.ChangesSince(0)
	if !reset {
		t.Fatal("expected full reset once retention has truncated past version 0")
	}
}

func TestSubscribePushReceivesOrderedEvents(t *testing.T) {
	s := store.NewMemoryStore()
	f := New(s, 100)

	ch, unsubscribe := f.Subscribe()
	defer unsubscribe()

	upsert(t, s, "i1", "orders")
	upsert(t, s, "i2", "orders")

	first := <-ch
	second := <-ch
	if first.Version >= second.Version {
		t.Errorf("expected increasing versions, got %d then %d", first.Version, second.Version)
	}
}

func TestSubscribeDropsOnSlowConsumerWithoutBlocking(t *testing.T) {
	s := store.NewMemoryStore()
	f := New(s, 100)

	_, unsubscribe := f.Subscribe()
	defer unsubscribe()

	// Exceed the buffer without ever reading from the channel; the store
	// mutation must not block.
	for i := 0; i < subscriberBuffer+10; i++ {
		upsert(t, s, "flood", "orders")
	}
}
