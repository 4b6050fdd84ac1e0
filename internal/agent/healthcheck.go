package agent

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthCheckHandler returns the http.Handler a host app mounts at
// healthCheckPath when enableDefaultHealthCheck is set. It always reports
// healthy: if the process can serve this handler at all, it is alive by
// definition.
func (a *Agent) HealthCheckHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"service":   a.serviceName,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    map[string]string{},
		})
	})
}
