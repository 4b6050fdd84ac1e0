// Package config defines and loads meshctl configuration: YAML file plus
// environment variable overrides plus, for long-running processes, a
// hot-reload watcher.
package config

// Config is the root configuration for any meshctl process. A single binary
// may only populate the sections it needs (the registry server ignores
// Agent, the agent ignores Registry, and so on).
type Config struct {
	Registry  Registry  `yaml:"registry"`
	Agent     Agent     `yaml:"agent"`
	Proxy     Proxy     `yaml:"proxy"`
	Redis     *Redis    `yaml:"redis,omitempty"`
	Logging   Logging   `yaml:"logging"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// HTTPServer configures a process's listening socket.
type HTTPServer struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`
	WriteTimeout int    `yaml:"writeTimeout"`
}

// Registry configures the Registry API and the components it owns: the
// Instance Store, Health Reaper and Change Feed.
type Registry struct {
	HTTP       HTTPServer `yaml:"http"`
	Store      Store      `yaml:"store"`
	Reaper     Reaper     `yaml:"reaper"`
	ChangeFeed ChangeFeed `yaml:"changeFeed"`
}

// Store selects between the in-memory and Redis-backed Instance Store.
type Store struct {
	// Type is "memory" or "redis". Redis requires the top-level Redis
	// section to be set.
	Type string `yaml:"type"`
}

// Reaper configures the Health Reaper's three ticked loops.
type Reaper struct {
	MissTimeoutSeconds   int `yaml:"missTimeoutSeconds"`
	EvictTimeoutSeconds  int `yaml:"evictTimeoutSeconds"`
	ProbeIntervalSeconds int `yaml:"probeIntervalSeconds"`
	ProbeTimeoutSeconds  int `yaml:"probeTimeoutSeconds"`
}

// ChangeFeed configures the Change Feed's pull-side retention.
type ChangeFeed struct {
	Retention int `yaml:"retention"`
}

// Agent configures the host-embeddable Agent.
type Agent struct {
	RegistryURL                  string            `yaml:"registryUrl"`
	ServiceName                  string            `yaml:"serviceName"`
	Host                         string            `yaml:"host"`
	Port                         int               `yaml:"port"`
	Weight                       int               `yaml:"weight"`
	Metadata                     map[string]string `yaml:"metadata"`
	HeartbeatIntervalSeconds     int               `yaml:"heartbeatInterval"`
	AutoRegister                 bool              `yaml:"autoRegister"`
	RegisterRetryCount           int               `yaml:"registerRetryCount"`
	RegisterRetryIntervalSeconds int               `yaml:"registerRetryInterval"`
	FailurePolicy                string            `yaml:"failurePolicy"`
	EnableDefaultHealthCheck     bool              `yaml:"enableDefaultHealthCheck"`
	HealthCheckPath              string            `yaml:"healthCheckPath"`
	Adaptive                 Adaptive `yaml:"adaptive"`
}

// Adaptive configures the Agent's sliding-window heartbeat controller.
type Adaptive struct {
	WindowSeconds            int     `yaml:"windowSeconds"`
	RecomputeIntervalSeconds int     `yaml:"recomputeIntervalSeconds"`
	HighRequestThreshold     int     `yaml:"highRequestThreshold"`
	HighLatencyMillis        int     `yaml:"highLatencyMillis"`
	HighErrorRate            float64 `yaml:"highErrorRate"`
	MediumRequestThreshold   int     `yaml:"mediumRequestThreshold"`
	MediumLatencyMillis      int     `yaml:"mediumLatencyMillis"`
	MediumErrorRate          float64 `yaml:"mediumErrorRate"`
	IntervalHighSeconds      int     `yaml:"intervalHighSeconds"`
	IntervalMediumSeconds    int     `yaml:"intervalMediumSeconds"`
	IntervalLowSeconds       int     `yaml:"intervalLowSeconds"`
	IntervalBaseSeconds      int     `yaml:"intervalBaseSeconds"`
	LowUptimeMinutes         int     `yaml:"lowUptimeMinutes"`
	FailureCollapseSeconds   int     `yaml:"failureCollapseSeconds"`
}

// Proxy configures the dynamic reverse proxy and the discovery cache it
// pulls from.
type Proxy struct {
	HTTP      HTTPServer `yaml:"http"`
	Discovery Discovery  `yaml:"discovery"`
	// Strategy selects the load balancer policy: "roundRobin" (default),
	// "weightedRoundRobin", "random" or "leastInFlight".
	Strategy string `yaml:"strategy"`
	// Prefixes is the set of first path segments recognized as the proxy
	// surface, matched case-insensitively. Defaults to {svc, api, gateway}
	// when empty.
	Prefixes                    []string `yaml:"prefixes"`
	TimeoutSeconds              int      `yaml:"timeoutSeconds"`
	LargeTransferTimeoutMinutes int      `yaml:"largeTransferTimeoutMinutes"`
	LargeTransferThresholdBytes int64    `yaml:"largeTransferThresholdBytes"`
	Breaker                     Breaker  `yaml:"breaker"`
}

// Discovery configures the discovery cache's pull/push convergence.
type Discovery struct {
	RegistryURL         string `yaml:"registryUrl"`
	SyncIntervalSeconds int    `yaml:"syncIntervalSeconds"`
	BatchIntervalMillis int    `yaml:"batchIntervalMillis"`
	BatchMaxQueueDepth  int    `yaml:"batchMaxQueueDepth"`
}

// Breaker configures the per-destination circuit breaker the proxy
// instantiates lazily.
type Breaker struct {
	MaxFailures         int `yaml:"maxFailures"`
	TimeoutSeconds      int `yaml:"timeoutSeconds"`
	HalfOpenMaxRequests int `yaml:"halfOpenMaxRequests"`
	BackoffCapSeconds   int `yaml:"backoffCapSeconds"`
}

// Redis configures the optional durable Instance Store backend.
type Redis struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	MaxActive      int    `yaml:"maxActive"`
	ConnectTimeout int    `yaml:"connectTimeout"`
}

// Logging configures the shared slog logger every binary constructs at
// startup.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Telemetry configures W3C trace-context propagation and the OTLP exporter.
type Telemetry struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"serviceName"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}
