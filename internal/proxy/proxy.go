// Package proxy implements a transparent reverse proxy that resolves a
// backend instance via a discovery cache and load balancer, dispatches the
// request under a per-destination circuit breaker and deadline, and
// streams the response back headers-first.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"meshctl/internal/circuitbreaker"
	"meshctl/internal/core"
	"meshctl/internal/discovery"
	"meshctl/internal/loadbalancer"
	"meshctl/internal/middleware/recovery"
	"meshctl/internal/telemetry"
)

const copyBufferSize = 64 * 1024

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopByHopHeader(header string) bool {
	return hopByHopHeaders[http.CanonicalHeaderKey(header)]
}

// Config configures the proxy's timeouts and breaker.
type Config struct {
	DefaultTimeout              time.Duration
	LargeTransferTimeout        time.Duration
	LargeTransferThresholdBytes int64
	Breaker                     BreakerConfig
	// Prefixes is the configured set of proxy path prefixes. Empty uses
	// defaultPrefixes.
	Prefixes []string
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.LargeTransferTimeout <= 0 {
		c.LargeTransferTimeout = 30 * time.Minute
	}
	if c.Breaker.MaxFailures <= 0 {
		c.Breaker.MaxFailures = 5
	}
	if c.Breaker.Timeout <= 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.Breaker.MaxRequests <= 0 {
		c.Breaker.MaxRequests = 1
	}
	if c.Breaker.BackoffCap <= 0 {
		c.Breaker.BackoffCap = 5 * time.Minute
	}
	return c
}

// Proxy is the Dynamic Proxy's http.Handler.
type Proxy struct {
	cfg        Config
	cache      *discovery.Cache
	balancer   loadbalancer.Balancer
	transports *transports
	breakers   *breakerRegistry
	router     *router
	telemetry  *telemetry.Telemetry
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// New builds a Proxy. tel and m may both be nil, in which case trace
// propagation and metrics recording are skipped.
func New(cfg Config, cache *discovery.Cache, balancer loadbalancer.Balancer, tel *telemetry.Telemetry, logger *slog.Logger) *Proxy {
	return NewWithMetrics(cfg, cache, balancer, tel, nil, logger)
}

// NewWithMetrics is New plus a Metrics sink for backend request and
// circuit breaker instrumentation.
func NewWithMetrics(cfg Config, cache *discovery.Cache, balancer loadbalancer.Balancer, tel *telemetry.Telemetry, m *telemetry.Metrics, logger *slog.Logger) *Proxy {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{
		cfg:        cfg,
		cache:      cache,
		balancer:   balancer,
		transports: newTransports(),
		router:     newRouter(cfg.Prefixes),
		telemetry:  tel,
		metrics:    m,
		logger:     logger.With("component", "proxy"),
	}
	p.breakers = newBreakerRegistry(cfg.Breaker, p.recordTrip)
	return p
}

func (p *Proxy) recordTrip(destination string) {
	if p.metrics != nil {
		p.metrics.RecordCircuitBreakerTrip(context.Background(), destination)
	}
}

// BreakerStates returns a snapshot of every destination breaker's current
// state, keyed by "host:port", for periodic metrics reporting.
func (p *Proxy) BreakerStates() map[string]circuitbreaker.State {
	return p.breakers.Snapshot()
}

// UpdateBreakerConfig applies new breaker thresholds to destinations seen
// from now on, for config hot-reload.
func (p *Proxy) UpdateBreakerConfig(cfg BreakerConfig) {
	p.breakers.UpdateConfig(cfg)
}

// Handler returns the http.Handler to mount in a binary's main, wrapped
// with panic recovery so a single bad upstream response or route edge
// case can't take the whole listener down.
func (p *Proxy) Handler() http.Handler {
	return recovery.Default(p.logger)(http.HandlerFunc(p.ServeHTTP))
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serviceName, subpath, ok := p.router.extractRoute(r.URL.Path)
	if !ok {
		p.writeError(w, http.StatusNotFound, "not_found", "no route for path", "")
		return
	}

	inst, err := p.cache.Pick(serviceName, p.balancer.Select)
	if err != nil || inst == nil {
		p.writeError(w, http.StatusServiceUnavailable, "unavailable", "no healthy instances", serviceName)
		return
	}
	if releaser, ok := p.balancer.(loadbalancer.Releaser); ok {
		defer releaser.Release(inst.InstanceID)
	}

	p.dispatch(w, r, inst, serviceName, subpath)
}

func (p *Proxy) dispatch(w http.ResponseWriter, r *http.Request, inst *core.InstanceRecord, serviceName, subpath string) {
	destination := inst.Host + ":" + strconv.Itoa(inst.Port)
	breaker := p.breakers.get(destination)

	if !breaker.Allow() {
		p.writeError(w, http.StatusServiceUnavailable, "circuit_open", "circuit open", serviceName)
		return
	}

	largeTransfer := isLargeTransfer(r.ContentLength, p.cfg.LargeTransferThresholdBytes)
	timeout := p.cfg.DefaultTimeout
	if largeTransfer {
		timeout = p.cfg.LargeTransferTimeout
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	upstreamReq, err := p.buildUpstreamRequest(ctx, r, inst, subpath)
	if err != nil {
		breaker.Failure()
		p.writeError(w, http.StatusBadGateway, "internal", "failed to build upstream request", serviceName)
		return
	}

	var span trace.Span
	if p.telemetry != nil {
		var spanCtx context.Context
		spanCtx, span = p.telemetry.StartHTTPClientSpan(ctx, upstreamReq)
		upstreamReq = upstreamReq.WithContext(spanCtx)
	}

	start := time.Now()
	client := p.transports.clientFor(largeTransfer)
	resp, err := client.Do(upstreamReq)
	duration := time.Since(start)

	if span != nil {
		telemetry.EndHTTPClientSpan(span, resp, err)
	}

	if err != nil {
		breaker.Failure()
		status := http.StatusBadGateway
		if ctx.Err() == context.DeadlineExceeded {
			status = http.StatusGatewayTimeout
		}
		if p.metrics != nil {
			p.metrics.RecordBackendRequest(r.Context(), serviceName, inst.InstanceID, status, duration)
		}
		p.writeError(w, status, "transient", err.Error(), serviceName)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		breaker.Failure()
	} else {
		breaker.Success()
	}
	if p.metrics != nil {
		p.metrics.RecordBackendRequest(r.Context(), serviceName, inst.InstanceID, resp.StatusCode, duration)
	}

	p.streamResponse(w, resp)
}

func (p *Proxy) buildUpstreamRequest(ctx context.Context, r *http.Request, inst *core.InstanceRecord, subpath string) (*http.Request, error) {
	scheme := "http"
	backendURL := fmt.Sprintf("%s://%s:%d%s", scheme, inst.Host, inst.Port, subpath)
	if r.URL.RawQuery != "" {
		backendURL += "?" + r.URL.RawQuery
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, backendURL, r.Body)
	if err != nil {
		return nil, err
	}

	for key, values := range r.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(key, v)
		}
	}

	upstreamReq.Header.Set("X-Forwarded-For", r.RemoteAddr)
	upstreamReq.Header.Set("X-Forwarded-Proto", "http")
	if r.Host != "" {
		upstreamReq.Header.Set("X-Forwarded-Host", r.Host)
	}
	upstreamReq.ContentLength = r.ContentLength

	return upstreamReq, nil
}

// streamResponse implements headers-first dispatch: status and headers are
// written as soon as they're known, then the body streams through a fixed
// 64 KiB buffer.
func (p *Proxy) streamResponse(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		p.logger.Debug("response streaming interrupted", "error", err)
	}
}

func (p *Proxy) writeError(w http.ResponseWriter, status int, kind, message, service string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   kind,
		"message": message,
		"service": service,
	})
}
