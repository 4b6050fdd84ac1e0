package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"meshctl/internal/core"
	"meshctl/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProber struct {
	mu      sync.Mutex
	healthy map[string]bool
	calls   int
}

func (p *fakeProber) Probe(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.healthy[url] {
		return nil
	}
	return errors.New("simulated unhealthy")
}

func newRecord(id, service string, status core.Status, lastHeartbeat time.Time) *core.InstanceRecord {
	return &core.InstanceRecord{
		InstanceID:    id,
		ServiceName:   service,
		Host:          "10.0.0.1",
		Port:          8080,
		Metadata:      map[string]string{},
		Status:        status,
		LastHeartbeat: lastHeartbeat,
		RegisteredAt:  lastHeartbeat,
	}
}

func TestMissSweepMarksStaleHealthyInstancesUnhealthy(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.Upsert(ctx, newRecord("i1", "orders", core.StatusHealthy, time.Now().UTC().Add(-2*time.Minute)))

	r := New(s, Config{MissTimeout: 60 * time.Second}, &fakeProber{}, testLogger())
	r.missSweep()

	rec, _ := s.Get(ctx, "i1")
	if rec.Status != core.StatusUnhealthy {
		t.Errorf("status = %v, want Unhealthy", rec.Status)
	}
}

func TestMissSweepLeavesRecentHeartbeatsAlone(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.Upsert(ctx, newRecord("i1", "orders", core.StatusHealthy, time.Now().UTC()))

	r := New(s, Config{MissTimeout: 60 * time.Second}, &fakeProber{}, testLogger())
	r.missSweep()

	rec, _ := s.Get(ctx, "i1")
	if rec.Status != core.StatusHealthy {
		t.Errorf("status = %v, want Healthy", rec.Status)
	}
}

func TestEvictSweepRemovesExpiredInstances(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.Upsert(ctx, newRecord("i1", "orders", core.StatusUnhealthy, time.Now().UTC().Add(-5*time.Minute)))

	r := New(s, Config{EvictTimeout: 120 * time.Second}, &fakeProber{}, testLogger())
	r.evictSweep()

	rec, _ := s.Get(ctx, "i1")
	if rec != nil {
		t.Errorf("expected instance to be evicted, still present: %+v", rec)
	}
}

func TestProbeSweepRefreshesHeartbeatOnSuccess(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Minute)
	s.Upsert(ctx, newRecord("i1", "orders", core.StatusUnhealthy, old))

	rec, _ := s.Get(ctx, "i1")
	prober := &fakeProber{healthy: map[string]bool{rec.HealthCheckTarget(): true}}

	r := New(s, Config{ProbeTimeout: time.Second}, prober, testLogger())
	r.probeSweep()

	got, _ := s.Get(ctx, "i1")
	if got.Status != core.StatusHealthy {
		t.Errorf("status = %v, want Healthy after successful probe", got.Status)
	}
	if !got.LastHeartbeat.After(old) {
		t.Error("expected LastHeartbeat to be refreshed by successful probe")
	}
}

func TestProbeSweepMarksUnhealthyOnFailureWithoutEvicting(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.Upsert(ctx, newRecord("i1", "orders", core.StatusHealthy, time.Now().UTC()))

	r := New(s, Config{ProbeTimeout: time.Second}, &fakeProber{}, testLogger())
	r.probeSweep()

	rec, _ := s.Get(ctx, "i1")
	if rec == nil {
		t.Fatal("instance must not be evicted by a failed probe")
	}
	if rec.Status != core.StatusUnhealthy {
		t.Errorf("status = %v, want Unhealthy", rec.Status)
	}
}

func TestStartAndStopRunsLoopsWithoutPanic(t *testing.T) {
	s := store.NewMemoryStore()
	r := New(s, Config{
		MissTimeout:   10 * time.Millisecond,
		EvictTimeout:  10 * time.Millisecond,
		ProbeInterval: 10 * time.Millisecond,
		ProbeTimeout:  5 * time.Millisecond,
	}, &fakeProber{}, testLogger())

	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}

func TestUpdateConfigAppliesNewThresholdsToNextSweep(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.Upsert(ctx, newRecord("i1", "orders", core.StatusHealthy, time.Now().UTC().Add(-90*time.Second)))

	r := New(s, Config{
		MissTimeout:   5 * time.Minute,
		EvictTimeout:  10 * time.Minute,
		ProbeInterval: time.Hour,
		ProbeTimeout:  time.Second,
	}, &fakeProber{}, testLogger())
	r.Start()
	defer r.Stop()

	r.UpdateConfig(Config{
		MissTimeout:   time.Second,
		EvictTimeout:  10 * time.Minute,
		ProbeInterval: time.Hour,
		ProbeTimeout:  time.Second,
	})

	if got := r.getCfg().MissTimeout; got != time.Second {
		t.Fatalf("MissTimeout after UpdateConfig = %v, want 1s", got)
	}

	r.missSweep()
	rec, _ := s.Get(ctx, "i1")
	if rec.Status != core.StatusUnhealthy {
		t.Errorf("expected the tightened MissTimeout to apply immediately, status = %v", rec.Status)
	}
}
