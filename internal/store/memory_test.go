package store

import (
	"context"
	"testing"
	"time"

	"meshctl/internal/core"
)

func newRecord(id, service string) *core.InstanceRecord {
	now := time.Now().UTC()
	return &core.InstanceRecord{
		InstanceID:    id,
		ServiceName:   service,
		Host:          "10.0.0.1",
		Port:          8080,
		Weight:        100,
		Metadata:      map[string]string{},
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        core.StatusHealthy,
	}
}

func TestMemoryStoreUpsertBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	v1, err := s.Upsert(ctx, newRecord("i1", "orders"))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	v2, err := s.Upsert(ctx, newRecord("i2", "orders"))
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if v2 <= v1 {
		t.Errorf("expected strictly increasing versions, got v1=%d v2=%d", v1, v2)
	}

	cur, _ := s.Version(ctx)
	if cur != v2 {
		t.Errorf("Version() = %d, want %d", cur, v2)
	}
}

func TestMemoryStoreUpsertIdempotentOnObservableState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := newRecord("i1", "orders")

	v1, _ := s.Upsert(ctx, rec)
	got1, _ := s.Get(ctx, "i1")

	v2, _ := s.Upsert(ctx, rec)
	got2, _ := s.Get(ctx, "i1")

	if v2 == v1 {
		t.Errorf("expected version to still increment on re-upsert")
	}
	if got1.Host != got2.Host || got1.Port != got2.Port || got1.ServiceName != got2.ServiceName {
		t.Errorf("snapshots should be equal on observable fields: %+v vs %+v", got1, got2)
	}
}

func TestMemoryStoreRejectsServiceRebinding(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Upsert(ctx, newRecord("i1", "orders")); err != nil {
		t.Fatalf("initial upsert failed: %v", err)
	}

	_, err := s.Upsert(ctx, newRecord("i1", "payments"))
	if err == nil {
		t.Fatal("expected ServiceBindingChanged error, got nil")
	}
}

func TestMemoryStoreRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Upsert(ctx, newRecord("i1", "orders"))

	ok, _, err := s.Remove(ctx, "i1")
	if err != nil || !ok {
		t.Fatalf("Remove() = (%v, _, %v), want (true, nil)", ok, err)
	}

	versionBefore, _ := s.Version(ctx)
	ok, _, err = s.Remove(ctx, "i1")
	if err != nil || ok {
		t.Fatalf("second Remove() = (%v, _, %v), want (false, nil)", ok, err)
	}
	versionAfter, _ := s.Version(ctx)
	if versionBefore != versionAfter {
		t.Errorf("version changed on a not-found removal: %d -> %d", versionBefore, versionAfter)
	}

	rec, _ := s.Get(ctx, "i1")
	if rec != nil {
		t.Errorf("expected instance to be gone, got %+v", rec)
	}
}

func TestMemoryStoreTouchRejectsCrossServicePoisoning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Upsert(ctx, newRecord("i1", "orders"))

	ok, err := s.Touch(ctx, "i1", "payments")
	if err != nil || ok {
		t.Errorf("Touch() with wrong service = (%v, %v), want (false, nil)", ok, err)
	}

	ok, err = s.Touch(ctx, "i1", "orders")
	if err != nil || !ok {
		t.Errorf("Touch() with correct service = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestMemoryStoreListByServiceIsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Upsert(ctx, newRecord("i1", "orders"))
	s.Upsert(ctx, newRecord("i2", "orders"))
	s.Upsert(ctx, newRecord("i3", "payments"))

	instances, err := s.ListByService(ctx, "orders")
	if err != nil {
		t.Fatalf("ListByService() error = %v", err)
	}
	if len(instances) != 2 {
		t.Errorf("ListByService() returned %d instances, want 2", len(instances))
	}

	s.Remove(ctx, "i1")
	if len(instances) != 2 {
		t.Errorf("snapshot mutated after later store mutation")
	}
}

func TestMemoryStoreListExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old := newRecord("i1", "orders")
	old.LastHeartbeat = time.Now().UTC().Add(-2 * time.Minute)
	s.Upsert(ctx, old)
	s.Upsert(ctx, newRecord("i2", "orders"))

	expired, err := s.ListExpired(ctx, 60*time.Second, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(expired) != 1 || expired[0].InstanceID != "i1" {
		t.Errorf("ListExpired() = %+v, want only i1", expired)
	}
}

func TestMemoryStoreSubscribeReceivesEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var received []core.ServiceChangeEvent
	s.Subscribe(func(evt core.ServiceChangeEvent) {
		received = append(received, evt)
	})

	s.Upsert(ctx, newRecord("i1", "orders"))
	s.Remove(ctx, "i1")

	if len(received) != 2 {
		t.Fatalf("got %d events, want 2", len(received))
	}
	if received[0].Kind != core.EventUpsert || received[1].Kind != core.EventRemove {
		t.Errorf("unexpected event kinds: %+v", received)
	}
	if received[0].Version >= received[1].Version {
		t.Errorf("events out of version order: %+v", received)
	}
}
