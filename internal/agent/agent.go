// Package agent implements the in-process component a host service embeds
// to register itself with a Registry API, maintain an adaptive heartbeat,
// and deregister cleanly on shutdown.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"meshctl/internal/taskgroup"
)

// FailurePolicy governs what happens when registration retries are
// exhausted.
type FailurePolicy string

const (
	FailFast                    FailurePolicy = "FailFast"
	ContinueWithoutRegistration FailurePolicy = "ContinueWithoutRegistration"
	ContinueAndRetry            FailurePolicy = "ContinueAndRetry"
)

// Config is the Agent's own configuration, populated by a binary's main
// from config.Agent.
type Config struct {
	RegistryURL    string
	ServiceName    string
	Host           string
	Port           int
	Version        string
	Weight         int
	Metadata       map[string]string
	HealthCheckURL string

	HeartbeatInterval     time.Duration
	RegisterRetryCount    int
	RegisterRetryInterval time.Duration
	FailurePolicy         FailurePolicy

	Adaptive AdaptiveConfig
}

func (c Config) withDefaults() Config {
	if c.RegistryURL == "" {
		c.RegistryURL = "http://localhost:5000"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	// 0 is kept as is: registerWithRetry treats it as unbounded.
	if c.RegisterRetryCount < 0 {
		c.RegisterRetryCount = 3
	}
	if c.RegisterRetryInterval <= 0 {
		c.RegisterRetryInterval = 5 * time.Second
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = ContinueAndRetry
	}
	if c.Weight == 0 {
		c.Weight = 100
	}
	return c
}

// ErrRegistrationFailed is returned by Start under FailFast when every
// registration retry is exhausted.
type ErrRegistrationFailed struct{ Cause error }

func (e *ErrRegistrationFailed) Error() string {
	return "agent: registration failed: " + e.Cause.Error()
}
func (e *ErrRegistrationFailed) Unwrap() error { return e.Cause }

// Agent is the running, registered-or-not instance of C5. Construct with
// New, start with Start, and always call Stop for a clean deregister.
type Agent struct {
	cfg    Config
	client *registryClient
	logger *slog.Logger
	ctrl   *controller

	serviceName string
	host        string
	port        int

	mu          sync.RWMutex
	instanceID  string
	registered  bool

	failures atomic.Int32
	group    *taskgroup.Group
}

// New resolves the agent's identity and builds a not-yet-started Agent.
func New(cfg Config, provider ServiceInfoProvider, logger *slog.Logger) *Agent {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	serviceName, host, port := resolveIdentity(cfg, provider)

	return &Agent{
		cfg:         cfg,
		client:      newRegistryClient(cfg.RegistryURL),
		logger:      logger.With("component", "agent", "service", serviceName),
		ctrl:        newController(cfg.Adaptive),
		serviceName: serviceName,
		host:        host,
		port:        port,
	}
}

// Recorder exposes the adaptive controller's request recorder to the host
// application's instrumentation.
func (a *Agent) Recorder() Recorder { return a.ctrl }

// InstanceID returns the assigned instance id, or "" if never registered.
func (a *Agent) InstanceID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.instanceID
}

// Start runs the registration sequence and, on success, launches the
// adaptive heartbeat loop. The returned error is only non-nil under
// FailFast.
func (a *Agent) Start(ctx context.Context) error {
	err := a.registerWithRetry(ctx)
	if err == nil {
		a.beginHeartbeating()
		return nil
	}

	switch a.cfg.FailurePolicy {
	case FailFast:
		return &ErrRegistrationFailed{Cause: err}

	case ContinueWithoutRegistration:
		a.logger.Warn("registration exhausted, running unregistered", "error", err)
		return nil

	default: // ContinueAndRetry
		a.logger.Warn("registration exhausted, retrying in background", "error", err)
		a.group = taskgroup.New()
		a.group.Go(func(stopCh <-chan struct{}) {
			a.retryUntilRegistered(stopCh)
		})
		return nil
	}
}

func (a *Agent) registerWithRetry(ctx context.Context) error {
	var lastErr error
	attempts := a.cfg.RegisterRetryCount
	unbounded := attempts == 0

	for i := 0; unbounded || i < attempts; i++ {
		instanceID, err := a.doRegister(ctx)
		if err == nil {
			a.setRegistered(instanceID)
			return nil
		}
		lastErr = err
		a.logger.Debug("registration attempt failed", "attempt", i+1, "error", err)

		select {
		case <-time.After(a.cfg.RegisterRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (a *Agent) retryUntilRegistered(stopCh <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.RegisterRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			instanceID, err := a.doRegister(context.Background())
			if err == nil {
				a.setRegistered(instanceID)
				a.logger.Info("registration succeeded, resuming heartbeats", "instanceId", instanceID)
				a.beginHeartbeating()
				return
			}
		case <-stopCh:
			return
		}
	}
}

func (a *Agent) doRegister(ctx context.Context) (string, error) {
	resp, err := a.client.register(ctx, registerRequest{
		ServiceName:    a.serviceName,
		Host:           a.host,
		Port:           a.port,
		Version:        a.cfg.Version,
		Metadata:       a.cfg.Metadata,
		HealthCheckURL: a.cfg.HealthCheckURL,
		Weight:         a.cfg.Weight,
	})
	if err != nil {
		return "", err
	}
	return resp.InstanceID, nil
}

func (a *Agent) setRegistered(instanceID string) {
	a.mu.Lock()
	a.instanceID = instanceID
	a.registered = true
	a.mu.Unlock()
}

func (a *Agent) isRegistered() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.instanceID, a.registered
}

func (a *Agent) clearRegistration() {
	a.mu.Lock()
	a.instanceID = ""
	a.registered = false
	a.mu.Unlock()
}

// beginHeartbeating starts the adaptive heartbeat loop on the agent's task
// group, creating the group on first use. It does not check for a loop that
// is already running.
func (a *Agent) beginHeartbeating() {
	if a.group == nil {
		a.group = taskgroup.New()
	}
	a.group.Go(a.heartbeatLoop)
}

// heartbeatLoop drives a one-shot heartbeat timer whose interval is set by
// the adaptive controller and can be rescheduled immediately on a level
// change, collapsing to 5s after three consecutive failures.
func (a *Agent) heartbeatLoop(stopCh <-chan struct{}) {
	_, interval := a.ctrl.classify()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	recompute := time.NewTicker(a.ctrl.cfg.RecomputeInterval)
	defer recompute.Stop()

	currentInterval := interval

	for {
		select {
		case <-timer.C:
			a.sendHeartbeat()

			next := currentInterval
			if a.failures.Load() >= 3 {
				next = 5 * time.Second
			} else {
				_, next = a.ctrl.classify()
			}
			currentInterval = next
			timer.Reset(currentInterval)

		case <-recompute.C:
			_, interval := a.ctrl.classify()
			if interval != currentInterval && a.failures.Load() < 3 {
				currentInterval = interval
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(currentInterval)
			}

		case <-stopCh:
			return
		}
	}
}

func (a *Agent) sendHeartbeat() {
	instanceID, registered := a.isRegistered()
	if !registered {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.client.heartbeat(ctx, instanceID, a.serviceName); err != nil {
		if errors.Is(err, ErrNotFound) {
			a.logger.Warn("registry lost our instance, re-registering", "instanceId", instanceID)
			a.clearRegistration()
			go func() {
				regCtx, regCancel := context.WithTimeout(context.Background(), a.cfg.RegisterRetryInterval)
				defer regCancel()
				if newID, regErr := a.doRegister(regCtx); regErr == nil {
					a.setRegistered(newID)
					a.failures.Store(0)
				}
			}()
			return
		}
		n := a.failures.Add(1)
		a.logger.Warn("heartbeat failed", "error", err, "consecutiveFailures", n)
		return
	}
	a.failures.Store(0)
}

// Stop performs the graceful shutdown sequence: a final heartbeat with a 2s
// deadline, then deregister, then stops all background loops.
func (a *Agent) Stop() {
	instanceID, registered := a.isRegistered()
	if registered {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.client.heartbeat(ctx, instanceID, a.serviceName); err != nil {
			a.logger.Debug("final heartbeat failed", "error", err)
		}
		cancel()

		ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.client.deregister(ctx2, instanceID); err != nil {
			a.logger.Warn("deregister failed", "error", err)
		}
		cancel2()
	}

	if a.group != nil {
		a.group.Stop()
	}
}
