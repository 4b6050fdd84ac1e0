package proxy

import (
	"sync"
	"time"

	"meshctl/internal/circuitbreaker"
)

// breakerRegistry lazily instantiates one circuit breaker per destination
// (host:port). The underlying CircuitBreaker already serializes its own
// state transitions; this registry only serializes creation.
type breakerRegistry struct {
	cfg    BreakerConfig
	onTrip func(destination string)

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// BreakerConfig configures every breaker this registry creates.
type BreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
	MaxRequests int
	BackoffCap  time.Duration
}

func newBreakerRegistry(cfg BreakerConfig, onTrip func(destination string)) *breakerRegistry {
	return &breakerRegistry{
		cfg:      cfg,
		onTrip:   onTrip,
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

// Snapshot returns the current state of every destination breaker created
// so far, keyed by destination.
func (r *breakerRegistry) Snapshot() map[string]circuitbreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]circuitbreaker.State, len(r.breakers))
	for dest, b := range r.breakers {
		out[dest] = b.State()
	}
	return out
}

// UpdateConfig swaps the thresholds used for breakers created from now on.
// Destinations with an existing breaker keep running under the thresholds
// they were created with; the circuit breaker itself owns no live-update
// path, so a changed threshold only takes effect the next time a new
// destination is seen.
func (r *breakerRegistry) UpdateConfig(cfg BreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

func (r *breakerRegistry) get(destination string) *circuitbreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[destination]; ok {
		return b
	}

	b := circuitbreaker.New(circuitbreaker.Config{
		MaxFailures:      r.cfg.MaxFailures,
		FailureThreshold: 1.0, // proxy counts consecutive failures only, not a ratio
		Timeout:          r.cfg.Timeout,
		MaxRequests:      r.cfg.MaxRequests,
		Interval:         r.cfg.Timeout,
		BackoffCap:       r.cfg.BackoffCap,
		OnStateChange: func(from, to circuitbreaker.State) {
			if to == circuitbreaker.StateOpen && r.onTrip != nil {
				r.onTrip(destination)
			}
		},
	})
	r.breakers[destination] = b
	return b
}
