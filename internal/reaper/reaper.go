// Package reaper runs three independently ticked loops that keep an
// Instance Store's health state converged with reality: a miss sweep, an
// eviction sweep, and an active probe sweep, all sharing one
// taskgroup.Group.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"meshctl/internal/core"
	"meshctl/internal/store"
	"meshctl/internal/taskgroup"
)

// Config carries the reaper's three timeouts: how long an instance may go
// without a heartbeat before it's marked unhealthy, how long before it's
// evicted outright, and how often and for how long the active probe runs.
type Config struct {
	MissTimeout  time.Duration
	EvictTimeout time.Duration

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultConfig returns the documented default timeouts.
func DefaultConfig() Config {
	return Config{
		MissTimeout:   60 * time.Second,
		EvictTimeout:  120 * time.Second,
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Reaper owns the miss-sweep, evict-sweep and active-probe loops.
type Reaper struct {
	st     store.Store
	prober Prober
	logger *slog.Logger

	cfgMu sync.RWMutex
	cfg   Config

	tg *taskgroup.Group
}

// New constructs a Reaper bound to st. It does not start any loop until
// Start is called.
func New(st store.Store, cfg Config, prober Prober, logger *slog.Logger) *Reaper {
	if prober == nil {
		prober = NewHTTPProber()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		st:     st,
		cfg:    cfg,
		prober: prober,
		logger: logger.With("component", "reaper"),
	}
}

// getCfg returns the current tunables, safe for concurrent use alongside
// UpdateConfig.
func (r *Reaper) getCfg() Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// Start launches the three ticked loops. Stop must be called to release
// their goroutines.
func (r *Reaper) Start() {
	cfg := r.getCfg()
	r.tg = taskgroup.New()

	missInterval := cfg.MissTimeout
	if missInterval <= 0 {
		missInterval = 60 * time.Second
	}
	evictInterval := cfg.EvictTimeout
	if evictInterval <= 0 {
		evictInterval = 120 * time.Second
	}
	probeInterval := cfg.ProbeInterval
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}

	r.tg.Ticker(missInterval, r.missSweep)
	r.tg.Ticker(evictInterval, r.evictSweep)
	r.tg.Ticker(probeInterval, r.probeSweep)

	r.logger.Info("reaper started",
		"missTimeout", cfg.MissTimeout,
		"evictTimeout", cfg.EvictTimeout,
		"probeInterval", cfg.ProbeInterval)
}

// Stop halts every loop and waits for them to return.
func (r *Reaper) Stop() {
	if r.tg != nil {
		r.tg.Stop()
	}
}

// UpdateConfig applies new tunables, restarting the ticked loops so a
// changed ProbeInterval/MissTimeout/EvictTimeout takes effect immediately
// instead of waiting for the next tick at the old cadence. Safe to call
// only after Start.
func (r *Reaper) UpdateConfig(cfg Config) {
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()

	r.Stop()
	r.Start()
}

// missSweep transitions instances that have stopped heartbeating past the
// miss timeout from Healthy to Unhealthy.
func (r *Reaper) missSweep() {
	ctx := context.Background()
	cfg := r.getCfg()
	all, err := r.st.ListAll(ctx)
	if err != nil {
		r.logger.Error("miss-sweep: listing instances failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, rec := range all {
		if rec.Status != core.StatusHealthy {
			continue
		}
		if now.Sub(rec.LastHeartbeat) < cfg.MissTimeout {
			continue
		}
		if _, err := r.st.SetStatus(ctx, rec.InstanceID, core.StatusUnhealthy); err != nil {
			r.logger.Error("miss-sweep: SetStatus failed", "instance", rec.InstanceID, "error", err)
			continue
		}
		r.logger.Info("instance missed heartbeat, marked unhealthy", "instance", rec.InstanceID, "service", rec.ServiceName)
	}
}

// evictSweep removes instances that have been silent past the evict
// timeout. Eviction is terminal: an evicted instance must re-register.
func (r *Reaper) evictSweep() {
	ctx := context.Background()
	expired, err := r.st.ListExpired(ctx, r.getCfg().EvictTimeout, time.Now().UTC())
	if err != nil {
		r.logger.Error("evict-sweep: listing expired instances failed", "error", err)
		return
	}

	for _, rec := range expired {
		ok, _, err := r.st.Remove(ctx, rec.InstanceID)
		if err != nil {
			r.logger.Error("evict-sweep: Remove failed", "instance", rec.InstanceID, "error", err)
			continue
		}
		if ok {
			r.logger.Info("instance evicted", "instance", rec.InstanceID, "service", rec.ServiceName)
		}
	}
}

// probeSweep actively probes every instance's health_check_url concurrently.
// A 2xx response resets status to Healthy and refreshes last_heartbeat; any
// other outcome transitions Healthy to Unhealthy without evicting.
func (r *Reaper) probeSweep() {
	ctx := context.Background()
	all, err := r.st.ListAll(ctx)
	if err != nil {
		r.logger.Error("probe-sweep: listing instances failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, rec := range all {
		rec := rec
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.probeOne(ctx, rec)
		}()
	}
	wg.Wait()
}

func (r *Reaper) probeOne(ctx context.Context, rec *core.InstanceRecord) {
	probeCtx, cancel := context.WithTimeout(ctx, r.getCfg().ProbeTimeout)
	defer cancel()

	err := r.prober.Probe(probeCtx, rec.HealthCheckTarget())
	if err == nil {
		if _, touchErr := r.st.Touch(ctx, rec.InstanceID, rec.ServiceName); touchErr != nil {
			r.logger.Error("probe-sweep: Touch failed", "instance", rec.InstanceID, "error", touchErr)
		}
		return
	}

	if rec.Status == core.StatusHealthy {
		if _, setErr := r.st.SetStatus(ctx, rec.InstanceID, core.StatusUnhealthy); setErr != nil {
			r.logger.Error("probe-sweep: SetStatus failed", "instance", rec.InstanceID, "error", setErr)
			return
		}
		r.logger.Info("active probe failed, marked unhealthy", "instance", rec.InstanceID, "service", rec.ServiceName, "error", err)
	}
}
