// Package metrics exposes the process's Prometheus metrics endpoint.
// promhttp.Handler serves whatever registry the otel Prometheus exporter in
// internal/telemetry registered against, so the handler itself needs no
// per-binary customization.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
