package proxy

import "testing"

func TestExtractRoute(t *testing.T) {
	tests := []struct {
		path        string
		wantService string
		wantSubpath string
		wantOK      bool
	}{
		{"/svc/orders/info", "orders", "/info", true},
		{"/API/Orders/v1/items", "Orders", "/v1/items", true},
		{"/gateway/payments", "payments", "/", true},
		{"/unknown/orders/info", "", "", false},
		{"/svc", "", "", false},
		{"/svc/", "", "", false},
	}

	r := newRouter(nil)
	for _, tt := range tests {
		service, subpath, ok := r.extractRoute(tt.path)
		if ok != tt.wantOK {
			t.Errorf("extractRoute(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if service != tt.wantService || subpath != tt.wantSubpath {
			t.Errorf("extractRoute(%q) = (%q, %q), want (%q, %q)", tt.path, service, subpath, tt.wantService, tt.wantSubpath)
		}
	}
}

func TestExtractRouteCustomPrefixes(t *testing.T) {
	r := newRouter([]string{"mesh"})

	if _, _, ok := r.extractRoute("/svc/orders/info"); ok {
		t.Fatalf("expected default prefix %q to be rejected once a custom list is configured", "svc")
	}

	service, subpath, ok := r.extractRoute("/Mesh/orders/info")
	if !ok || service != "orders" || subpath != "/info" {
		t.Fatalf("extractRoute(/Mesh/orders/info) = (%q, %q, %v)", service, subpath, ok)
	}
}
