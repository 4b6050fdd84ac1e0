package reaper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPProberTreats2xxAsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProber()
	if err := p.Probe(context.Background(), srv.URL); err != nil {
		t.Fatalf("Probe() = %v, want nil for a 2xx response", err)
	}
}

func TestHTTPProberTreatsRedirectAsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	p := NewHTTPProber()
	client := p.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	if err := p.Probe(context.Background(), srv.URL); err == nil {
		t.Fatal("Probe() = nil, want an error for a 3xx response")
	}
}

func TestHTTPProberTreatsClientErrorAsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProber()
	if err := p.Probe(context.Background(), srv.URL); err == nil {
		t.Fatal("Probe() = nil, want an error for a 404 response")
	}
}
