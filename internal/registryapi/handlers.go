// Package registryapi implements the JSON+WebSocket request/reply surface
// fronting the Instance Store and Change Feed, served from a plain
// net/http.ServeMux.
package registryapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"meshctl/internal/changefeed"
	"meshctl/internal/core"
	"meshctl/internal/middleware/recovery"
	"meshctl/internal/store"
	"meshctl/internal/telemetry"
	"meshctl/pkg/errors"
	"meshctl/pkg/requestid"
)

// Server holds the dependencies every registry API handler needs.
type Server struct {
	st        store.Store
	feed      *changefeed.Feed
	telemetry *telemetry.Telemetry
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New builds a Server and wires its route table. tel may be nil, in which
// case the WebSocket handler skips span creation.
func New(st store.Store, feed *changefeed.Feed, tel *telemetry.Telemetry, logger *slog.Logger) *Server {
	return NewWithMetrics(st, feed, tel, nil, logger)
}

// NewWithMetrics is New plus a Metrics sink for change feed subscriber
// instrumentation. m may be nil.
func NewWithMetrics(st store.Store, feed *changefeed.Feed, tel *telemetry.Telemetry, m *telemetry.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{st: st, feed: feed, telemetry: tel, metrics: m, logger: logger.With("component", "registryapi")}
	if m != nil {
		feed.OnDrop(func() { m.RecordChangeFeedEventDropped(context.Background()) })
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// Handler returns the http.Handler to mount (or wrap with telemetry
// middleware) in a binary's main.
func (s *Server) Handler() http.Handler {
	return recovery.Default(s.logger)(s.withRequestID(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/registry/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/registry/deregister/{instanceId}", s.handleDeregister)
	s.mux.HandleFunc("POST /api/registry/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /api/registry/discover/{serviceName}", s.handleDiscover)
	s.mux.HandleFunc("GET /api/registry/instance/{serviceName}", s.handleInstance)
	s.mux.HandleFunc("GET /api/registry/services", s.handleServices)
	s.mux.HandleFunc("GET /api/registry/instances", s.handleInstances)
	s.mux.HandleFunc("GET /api/registry/changes", s.handleChanges)
	s.mux.HandleFunc("GET /ws/registry", s.handleWebSocket)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = requestid.GenerateRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// handleError maps a *errors.Error (or plain error) to the registry API's
// JSON error body and HTTP status.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ferr, ok := err.(*errors.Error)
	if !ok {
		ferr = errors.NewError(errors.ErrorTypeInternal, "internal error").WithCause(err)
	}

	status := ferr.HTTPStatusCode()
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "error", ferr)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "type", ferr.Type, "error", ferr)
	}

	writeJSON(w, status, errorResponse{Error: string(ferr.Type), Message: ferr.Message})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.handleError(w, r, errors.NewError(errors.ErrorTypeBadRequest, "invalid JSON body").WithCause(err))
		return
	}

	if req.ServiceName == "" || req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		s.handleError(w, r, errors.NewError(errors.ErrorTypeBadRequest, "serviceName, host and a valid port are required"))
		return
	}

	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	weight := 100
	if req.Weight != nil {
		weight = *req.Weight
	}
	if weight < 0 {
		s.handleError(w, r, errors.NewError(errors.ErrorTypeBadRequest, "weight must not be negative"))
		return
	}

	now := time.Now().UTC()
	rec := &core.InstanceRecord{
		InstanceID:     uuid.NewString(),
		ServiceName:    req.ServiceName,
		Host:           req.Host,
		Port:           req.Port,
		VersionTag:     req.Version,
		Metadata:       req.Metadata,
		HealthCheckURL: req.HealthCheckURL,
		Weight:         weight,
		RegisteredAt:   now,
		LastHeartbeat:  now,
		Status:         core.StatusHealthy,
	}

	if _, err := s.st.Upsert(r.Context(), rec); err != nil {
		s.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{Success: true, InstanceID: rec.InstanceID})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instanceId")

	ok, _, err := s.st.Remove(r.Context(), instanceID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if !ok {
		s.handleError(w, r, errors.NewError(errors.ErrorTypeNotFound, "instance not found").WithDetail("instanceId", instanceID))
		return
	}

	writeJSON(w, http.StatusOK, simpleResponse{Success: true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.handleError(w, r, errors.NewError(errors.ErrorTypeBadRequest, "invalid JSON body").WithCause(err))
		return
	}
	if req.InstanceID == "" || req.ServiceName == "" {
		s.handleError(w, r, errors.NewError(errors.ErrorTypeBadRequest, "instanceId and serviceName are required"))
		return
	}

	ok, err := s.st.Touch(r.Context(), req.InstanceID, req.ServiceName)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if !ok {
		s.handleError(w, r, errors.NewError(errors.ErrorTypeNotFound, "instance not found for service").
			WithDetail("instanceId", req.InstanceID).WithDetail("serviceName", req.ServiceName))
		return
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{Success: true})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	serviceName := r.PathValue("serviceName")
	healthyOnly := r.URL.Query().Get("healthyOnly") == "true"

	instances, err := s.st.ListByService(r.Context(), serviceName)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	filtered := instances[:0]
	for _, inst := range instances {
		if healthyOnly && inst.Status != core.StatusHealthy {
			continue
		}
		filtered = append(filtered, inst)
	}

	writeJSON(w, http.StatusOK, discoverResponse{ServiceName: serviceName, Instances: filtered})
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	serviceName := r.PathValue("serviceName")

	instances, err := s.st.ListByService(r.Context(), serviceName)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	for _, inst := range instances {
		if inst.Status == core.StatusHealthy {
			writeJSON(w, http.StatusOK, inst)
			return
		}
	}

	s.handleError(w, r, errors.NewError(errors.ErrorTypeNotFound, "no healthy instance for service").WithDetail("serviceName", serviceName))
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	names, err := s.st.ListAllNames(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.st.ListAll(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	sinceStr := r.URL.Query().Get("sinceVersion")
	var since uint64
	if sinceStr != "" {
		parsed, err := strconv.ParseUint(sinceStr, 10, 64)
		if err != nil {
			s.handleError(w, r, errors.NewError(errors.ErrorTypeBadRequest, "sinceVersion must be a non-negative integer"))
			return
		}
		since = parsed
	}

	version, upserts, removed, fullReset := s.feed.ChangesSince(since)
	writeJSON(w, http.StatusOK, changesResponse{
		Version:        version,
		AddedOrUpdated: upserts,
		Removed:        removed,
		FullReset:      fullReset,
	})
}
