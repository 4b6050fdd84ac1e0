package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Metrics holds every control-plane metric exported over
// otel/exporters/prometheus.
type Metrics struct {
	meter metric.Meter

	// Registry API metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	httpActiveRequests  metric.Int64UpDownCounter

	// Change feed push metrics
	wsConnectionsTotal  metric.Int64Counter
	wsActiveConnections metric.Int64UpDownCounter
	wsMessagesSent      metric.Int64Counter
	wsMessagesDropped   metric.Int64Counter

	// Dynamic proxy metrics
	backendRequestsTotal   metric.Int64Counter
	backendRequestDuration metric.Float64Histogram
	backendErrors          metric.Int64Counter

	// Circuit breaker metrics
	circuitBreakerState    metric.Int64ObservableGauge
	circuitBreakerTrips    metric.Int64Counter

	// Discovery cache / registry metrics
	serviceInstances metric.Int64ObservableGauge
	serviceHealthy   metric.Int64ObservableGauge

	callbacks []metric.Registration
	mu        sync.RWMutex
}

// NewMetrics creates every instrument once per process.
func (t *Telemetry) NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter:     t.meter,
		callbacks: make([]metric.Registration, 0),
	}

	var err error

	m.httpRequestsTotal, err = t.meter.Int64Counter(
		"meshctl_registry_http_requests_total",
		metric.WithDescription("Total registry API requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry_http_requests_total: %w", err)
	}

	m.httpRequestDuration, err = t.meter.Float64Histogram(
		"meshctl_registry_http_request_duration_seconds",
		metric.WithDescription("Registry API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry_http_request_duration: %w", err)
	}

	m.httpActiveRequests, err = t.meter.Int64UpDownCounter(
		"meshctl_registry_http_active_requests",
		metric.WithDescription("In-flight registry API requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry_http_active_requests: %w", err)
	}

	m.wsConnectionsTotal, err = t.meter.Int64Counter(
		"meshctl_changefeed_connections_total",
		metric.WithDescription("Total change feed WebSocket connections accepted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create changefeed_connections_total: %w", err)
	}

	m.wsActiveConnections, err = t.meter.Int64UpDownCounter(
		"meshctl_changefeed_active_connections",
		metric.WithDescription("Active change feed WebSocket subscribers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create changefeed_active_connections: %w", err)
	}

	m.wsMessagesSent, err = t.meter.Int64Counter(
		"meshctl_changefeed_events_sent_total",
		metric.WithDescription("Total change events pushed to subscribers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create changefeed_events_sent_total: %w", err)
	}

	m.wsMessagesDropped, err = t.meter.Int64Counter(
		"meshctl_changefeed_events_dropped_total",
		metric.WithDescription("Total change events dropped for slow subscribers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create changefeed_events_dropped_total: %w", err)
	}

	m.backendRequestsTotal, err = t.meter.Int64Counter(
		"meshctl_proxy_backend_requests_total",
		metric.WithDescription("Total requests dispatched to backend instances"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_backend_requests_total: %w", err)
	}

	m.backendRequestDuration, err = t.meter.Float64Histogram(
		"meshctl_proxy_backend_request_duration_seconds",
		metric.WithDescription("Backend request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_backend_request_duration: %w", err)
	}

	m.backendErrors, err = t.meter.Int64Counter(
		"meshctl_proxy_backend_errors_total",
		metric.WithDescription("Total backend requests that errored or returned 5xx"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_backend_errors_total: %w", err)
	}

	m.circuitBreakerState, err = t.meter.Int64ObservableGauge(
		"meshctl_proxy_circuit_breaker_state",
		metric.WithDescription("Circuit breaker state per destination (0=closed, 1=open, 2=half-open)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_circuit_breaker_state: %w", err)
	}

	m.circuitBreakerTrips, err = t.meter.Int64Counter(
		"meshctl_proxy_circuit_breaker_trips_total",
		metric.WithDescription("Total circuit breaker Closed-to-Open transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy_circuit_breaker_trips_total: %w", err)
	}

	m.serviceInstances, err = t.meter.Int64ObservableGauge(
		"meshctl_registry_service_instances",
		metric.WithDescription("Number of registered instances per service"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry_service_instances: %w", err)
	}

	m.serviceHealthy, err = t.meter.Int64ObservableGauge(
		"meshctl_registry_service_healthy_instances",
		metric.WithDescription("Number of healthy instances per service"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry_service_healthy_instances: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one completed registry API request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		semconv.HTTPMethod(method),
		semconv.HTTPRoute(route),
		semconv.HTTPStatusCode(statusCode),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordHTTPActiveRequest adjusts the in-flight registry API request gauge.
func (m *Metrics) RecordHTTPActiveRequest(ctx context.Context, delta int64) {
	m.httpActiveRequests.Add(ctx, delta)
}

// RecordChangeFeedConnection records a new change feed subscriber.
func (m *Metrics) RecordChangeFeedConnection(ctx context.Context) {
	m.wsConnectionsTotal.Add(ctx, 1)
}

// RecordChangeFeedActiveConnection adjusts the active subscriber gauge.
func (m *Metrics) RecordChangeFeedActiveConnection(ctx context.Context, delta int64) {
	m.wsActiveConnections.Add(ctx, delta)
}

// RecordChangeFeedEventSent records one event successfully pushed.
func (m *Metrics) RecordChangeFeedEventSent(ctx context.Context) {
	m.wsMessagesSent.Add(ctx, 1)
}

// RecordChangeFeedEventDropped records one event dropped for a slow subscriber.
func (m *Metrics) RecordChangeFeedEventDropped(ctx context.Context) {
	m.wsMessagesDropped.Add(ctx, 1)
}

// RecordBackendRequest records one proxied request outcome.
func (m *Metrics) RecordBackendRequest(ctx context.Context, service, instance string, statusCode int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("instance", instance),
		attribute.Int("status_code", statusCode),
	}

	m.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if statusCode >= 500 {
		m.backendErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordCircuitBreakerTrip increments the Closed-to-Open transition counter.
func (m *Metrics) RecordCircuitBreakerTrip(ctx context.Context, destination string) {
	m.circuitBreakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", destination)))
}

// RecordCircuitBreakerState stashes the latest observed state for the next
// callback tick; state is 0 (closed), 1 (open) or 2 (half-open).
func (m *Metrics) RecordCircuitBreakerState(destination string, state int64) {
	gaugeValues.Lock()
	defer gaugeValues.Unlock()
	gaugeValues.values["circuit_"+destination] = state
}

// RecordServiceInstances stashes the latest per-service instance counts for
// the next callback tick.
func (m *Metrics) RecordServiceInstances(service string, total, healthy int64) {
	gaugeValues.Lock()
	defer gaugeValues.Unlock()
	gaugeValues.values["instances_"+service] = total
	gaugeValues.values["healthy_"+service] = healthy
}

// gaugeValues stores the most recent value for every observable gauge,
// since OTel only pulls gauge values through a registered callback.
var gaugeValues = struct {
	sync.RWMutex
	values map[string]int64
}{
	values: make(map[string]int64),
}

// RegisterCallbacks wires the observable gauges to gaugeValues.
func (m *Metrics) RegisterCallbacks() error {
	reg, err := m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			gaugeValues.RLock()
			defer gaugeValues.RUnlock()

			for key, value := range gaugeValues.values {
				switch {
				case len(key) > 8 && key[:8] == "circuit_":
					o.ObserveInt64(m.circuitBreakerState, value,
						metric.WithAttributes(attribute.String("destination", key[8:])))
				case len(key) > 10 && key[:10] == "instances_":
					o.ObserveInt64(m.serviceInstances, value,
						metric.WithAttributes(attribute.String("service", key[10:])))
				case len(key) > 8 && key[:8] == "healthy_":
					o.ObserveInt64(m.serviceHealthy, value,
						metric.WithAttributes(attribute.String("service", key[8:])))
				}
			}
			return nil
		},
		m.circuitBreakerState, m.serviceInstances, m.serviceHealthy,
	)
	if err != nil {
		return fmt.Errorf("failed to register metric callbacks: %w", err)
	}
	m.callbacks = append(m.callbacks, reg)
	return nil
}

// Unregister releases every registered callback.
func (m *Metrics) Unregister() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, reg := range m.callbacks {
		if err := reg.Unregister(); err != nil {
			return err
		}
	}
	m.callbacks = nil
	return nil
}
