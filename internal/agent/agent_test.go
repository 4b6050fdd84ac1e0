package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveIdentityPrecedence(t *testing.T) {
	name, host, port := resolveIdentity(Config{ServiceName: "orders", Host: "10.0.0.5", Port: 8080}, nil)
	if name != "orders" || host != "10.0.0.5" || port != 8080 {
		t.Fatalf("explicit config not honored: %s %s %d", name, host, port)
	}
}

type fakeProvider struct {
	name string
	host string
	port int
}

func (p fakeProvider) ServiceName() string { return p.name }
func (p fakeProvider) Host() string        { return p.host }
func (p fakeProvider) Port() int           { return p.port }

func TestResolveIdentityFallsBackToProvider(t *testing.T) {
	name, host, port := resolveIdentity(Config{}, fakeProvider{name: "payments", host: "10.0.0.9", port: 9001})
	if name != "payments" || host != "10.0.0.9" || port != 9001 {
		t.Fatalf("provider fallback not honored: %s %s %d", name, host, port)
	}
}

func TestResolveIdentitySubstitutesWildcardHost(t *testing.T) {
	_, host, _ := resolveIdentity(Config{ServiceName: "orders", Host: "0.0.0.0", Port: 1}, nil)
	if host == "0.0.0.0" {
		t.Fatalf("expected wildcard host to be replaced, got %s", host)
	}
}

func TestAgentRegistersAndHeartbeats(t *testing.T) {
	var registered, heartbeats int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/registry/register":
			atomic.AddInt32(&registered, 1)
			json.NewEncoder(w).Encode(map[string]any{"success": true, "instanceId": "inst-1"})
		case "/api/registry/heartbeat":
			atomic.AddInt32(&heartbeats, 1)
			json.NewEncoder(w).Encode(map[string]any{"success": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := New(Config{
		RegistryURL:       srv.URL,
		ServiceName:       "orders",
		Host:              "127.0.0.1",
		Port:              8080,
		HeartbeatInterval: 20 * time.Millisecond,
		Adaptive: AdaptiveConfig{
			RecomputeInterval: 10 * time.Millisecond,
			IntervalBase:      20 * time.Millisecond,
		},
	}, nil, newTestLogger())

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.InstanceID() != "inst-1" {
		t.Fatalf("InstanceID = %q, want inst-1", a.InstanceID())
	}
	if atomic.LoadInt32(&registered) != 1 {
		t.Fatalf("registered count = %d, want 1", registered)
	}

	time.Sleep(100 * time.Millisecond)
	a.Stop()

	if atomic.LoadInt32(&heartbeats) == 0 {
		t.Fatal("expected at least one heartbeat")
	}
}

func TestAgentReregistersAfterHeartbeat404(t *testing.T) {
	var registered, heartbeats int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/registry/register":
			n := atomic.AddInt32(&registered, 1)
			json.NewEncoder(w).Encode(map[string]any{"success": true, "instanceId": fmt.Sprintf("inst-%d", n)})
		case "/api/registry/heartbeat":
			if atomic.AddInt32(&heartbeats, 1) == 1 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"success": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := New(Config{
		RegistryURL:           srv.URL,
		ServiceName:           "orders",
		Host:                  "127.0.0.1",
		Port:                  8080,
		HeartbeatInterval:     10 * time.Millisecond,
		RegisterRetryInterval: 10 * time.Millisecond,
		Adaptive: AdaptiveConfig{
			RecomputeInterval: 10 * time.Millisecond,
			IntervalBase:      10 * time.Millisecond,
		},
	}, nil, newTestLogger())

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&registered) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.Stop()

	if got := atomic.LoadInt32(&registered); got < 2 {
		t.Fatalf("registered count = %d, want at least 2 (initial + re-register after 404)", got)
	}
}

func TestAgentFailFastPropagatesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New(Config{
		RegistryURL:           srv.URL,
		ServiceName:           "orders",
		Host:                  "127.0.0.1",
		Port:                  8080,
		RegisterRetryCount:    2,
		RegisterRetryInterval: 5 * time.Millisecond,
		FailurePolicy:         FailFast,
	}, nil, newTestLogger())

	err := a.Start(context.Background())
	if err == nil {
		t.Fatal("expected FailFast to propagate a registration error")
	}
}

func TestAgentContinueWithoutRegistrationSwallowsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New(Config{
		RegistryURL:           srv.URL,
		ServiceName:           "orders",
		Host:                  "127.0.0.1",
		Port:                  8080,
		RegisterRetryCount:    1,
		RegisterRetryInterval: 5 * time.Millisecond,
		FailurePolicy:         ContinueWithoutRegistration,
	}, nil, newTestLogger())

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("expected ContinueWithoutRegistration to swallow the error, got %v", err)
	}
	if a.InstanceID() != "" {
		t.Fatalf("expected no instance id assigned, got %q", a.InstanceID())
	}
	a.Stop()
}

func TestAdaptiveControllerClassifiesHighLoad(t *testing.T) {
	c := newController(AdaptiveConfig{
		HighRequestThreshold: 2,
		IntervalHigh:         time.Second,
		IntervalBase:         30 * time.Second,
	})

	for i := 0; i < 5; i++ {
		c.Record(time.Millisecond, true)
	}

	level, interval := c.classify()
	if level != LevelHigh || interval != time.Second {
		t.Fatalf("classify() = (%v, %v), want (high, 1s)", level, interval)
	}
}

func TestAdaptiveControllerClassifiesLowAfterIdleUptime(t *testing.T) {
	c := newController(AdaptiveConfig{
		LowUptime:   time.Millisecond,
		IntervalLow: 7 * time.Second,
	})
	c.startAt = time.Now().Add(-time.Second)

	level, interval := c.classify()
	if level != LevelLow || interval != 7*time.Second {
		t.Fatalf("classify() = (%v, %v), want (low, 7s)", level, interval)
	}
}
