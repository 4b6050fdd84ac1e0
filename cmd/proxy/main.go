// Command proxy runs the dynamic reverse proxy in front of a discovery
// cache and load balancer: a standalone data-plane sidecar that resolves,
// load-balances and forwards requests to backend instances.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"meshctl/internal/config"
	"meshctl/internal/discovery"
	"meshctl/internal/loadbalancer"
	"meshctl/internal/metrics"
	"meshctl/internal/proxy"
	"meshctl/internal/taskgroup"
	"meshctl/internal/telemetry"
)

var (
	configFile = flag.String("config", "configs/proxy.yaml", "config file path")
	logLevel   = flag.String("log-level", "info", "log level")
)

func main() {
	flag.Parse()
	setupLogging(*logLevel)

	cfg, err := config.NewLoader(*configFile).Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("proxy server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := slog.Default()

	tel, err := telemetry.New(toTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	met, err := tel.NewMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if err := met.RegisterCallbacks(); err != nil {
		return fmt.Errorf("register metric callbacks: %w", err)
	}
	defer met.Unregister()

	cache := discovery.New(toDiscoveryConfig(cfg.Proxy.Discovery), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := cache.Start(ctx); err != nil {
		return fmt.Errorf("start discovery cache: %w", err)
	}
	defer cache.Stop()

	p := proxy.NewWithMetrics(toProxyConfig(cfg.Proxy), cache, buildBalancer(cfg.Proxy.Strategy), tel, met, logger)

	watcher, err := config.NewWatcher(*configFile, &config.WatcherConfig{
		OnChange: func(newCfg *config.Config) error {
			p.UpdateBreakerConfig(toProxyConfig(newCfg.Proxy).Breaker)
			return nil
		},
		OnError: func(err error) { logger.Warn("config watcher error", "error", err) },
	}, logger)
	if err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	tg := taskgroup.New()
	tg.Ticker(15*time.Second, func() { reportBreakerGauges(p, met) })
	defer tg.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", telemetry.NewMiddleware(tel, met).WrapHTTP(p.Handler()))

	addr := fmt.Sprintf("%s:%d", cfg.Proxy.HTTP.Host, cfg.Proxy.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  httpTimeout(cfg.Proxy.HTTP.ReadTimeout, 10*time.Second),
		WriteTimeout: httpTimeout(cfg.Proxy.HTTP.WriteTimeout, 30*time.Second),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("dynamic proxy listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// reportBreakerGauges refreshes the per-destination circuit breaker state
// gauge from the proxy's current breaker snapshot.
func reportBreakerGauges(p *proxy.Proxy, met *telemetry.Metrics) {
	for destination, state := range p.BreakerStates() {
		met.RecordCircuitBreakerState(destination, int64(state))
	}
}

func buildBalancer(strategy string) loadbalancer.Balancer {
	switch strings.ToLower(strategy) {
	case "weightedroundrobin":
		return loadbalancer.NewWeightedRoundRobinBalancer()
	case "random":
		return loadbalancer.NewRandomBalancer()
	case "leastinflight":
		return loadbalancer.NewLeastInFlightBalancer()
	default:
		return loadbalancer.NewRoundRobinBalancer()
	}
}

func toDiscoveryConfig(d config.Discovery) discovery.Config {
	return discovery.Config{
		RegistryURL:        d.RegistryURL,
		SyncInterval:       time.Duration(d.SyncIntervalSeconds) * time.Second,
		BatchInterval:      time.Duration(d.BatchIntervalMillis) * time.Millisecond,
		BatchMaxQueueDepth: d.BatchMaxQueueDepth,
	}
}

func toProxyConfig(p config.Proxy) proxy.Config {
	return proxy.Config{
		DefaultTimeout:              time.Duration(p.TimeoutSeconds) * time.Second,
		LargeTransferTimeout:        time.Duration(p.LargeTransferTimeoutMinutes) * time.Minute,
		LargeTransferThresholdBytes: p.LargeTransferThresholdBytes,
		Prefixes:                    p.Prefixes,
		Breaker: proxy.BreakerConfig{
			MaxFailures: p.Breaker.MaxFailures,
			Timeout:     time.Duration(p.Breaker.TimeoutSeconds) * time.Second,
			MaxRequests: p.Breaker.HalfOpenMaxRequests,
			BackoffCap:  time.Duration(p.Breaker.BackoffCapSeconds) * time.Second,
		},
	}
}

func toTelemetryConfig(t config.Telemetry) telemetry.Config {
	return telemetry.Config{
		Enabled: t.Enabled,
		Service: t.ServiceName,
		Tracing: telemetry.TracingConfig{
			Enabled:  t.Enabled,
			Endpoint: t.OTLPEndpoint,
		},
		Metrics: telemetry.MetricsConfig{Enabled: t.Enabled},
	}
}

func httpTimeout(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func setupLogging(level string) {
	lvl, ok := logLevels[strings.ToLower(level)]
	if !ok {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
