// Command registry runs the control plane's Registry API, backed by the
// Instance Store, Health Reaper and Change Feed. It wires flags, config
// loading, slog setup, and signal-driven graceful shutdown.
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

	"meshctl/internal/changefeed"
	"meshctl/internal/config"
	"meshctl/internal/core"
	"meshctl/internal/metrics"
	"meshctl/internal/reaper"
	"meshctl/internal/registryapi"
	"meshctl/internal/store"
	storeredis "meshctl/internal/store/redis"
	"meshctl/internal/taskgroup"
	"meshctl/internal/telemetry"
)

var (
	configFile = flag.String("config", "configs/registry.yaml", "config file path")
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
		slog.Error("registry server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

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

	st, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	feed := changefeed.New(st, cfg.Registry.ChangeFeed.Retention)

	reaperCfg := reaper.Config{
		MissTimeout:   time.Duration(cfg.Registry.Reaper.MissTimeoutSeconds) * time.Second,
		EvictTimeout:  time.Duration(cfg.Registry.Reaper.EvictTimeoutSeconds) * time.Second,
		ProbeInterval: time.Duration(cfg.Registry.Reaper.ProbeIntervalSeconds) * time.Second,
		ProbeTimeout:  time.Duration(cfg.Registry.Reaper.ProbeTimeoutSeconds) * time.Second,
	}
	r := reaper.New(st, reaperCfg, nil, logger)
	r.Start()
	defer r.Stop()

	watcher, err := config.NewWatcher(*configFile, &config.WatcherConfig{
		OnChange: func(newCfg *config.Config) error {
			r.UpdateConfig(reaper.Config{
				MissTimeout:   time.Duration(newCfg.Registry.Reaper.MissTimeoutSeconds) * time.Second,
				EvictTimeout:  time.Duration(newCfg.Registry.Reaper.EvictTimeoutSeconds) * time.Second,
				ProbeInterval: time.Duration(newCfg.Registry.Reaper.ProbeIntervalSeconds) * time.Second,
				ProbeTimeout:  time.Duration(newCfg.Registry.Reaper.ProbeTimeoutSeconds) * time.Second,
			})
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

	api := registryapi.NewWithMetrics(st, feed, tel, met, logger)

	tg := taskgroup.New()
	tg.Ticker(15*time.Second, func() { reportInstanceGauges(ctx, st, met) })
	defer tg.Stop()

	mux := http.NewServeMux()
	mux.Handle("/", telemetry.NewMiddleware(tel, met).WrapHTTP(api.Handler()))
	mux.Handle("/metrics", metrics.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Registry.HTTP.Host, cfg.Registry.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  httpTimeout(cfg.Registry.HTTP.ReadTimeout, 10*time.Second),
		WriteTimeout: httpTimeout(cfg.Registry.HTTP.WriteTimeout, 30*time.Second),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("registry API listening", "addr", addr)
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

// reportInstanceGauges refreshes the per-service instance-count gauges from
// the current store contents.
func reportInstanceGauges(ctx context.Context, st store.Store, met *telemetry.Metrics) {
	names, err := st.ListAllNames(ctx)
	if err != nil {
		return
	}
	for _, name := range names {
		recs, err := st.ListByService(ctx, name)
		if err != nil {
			continue
		}
		var healthy int64
		for _, rec := range recs {
			if rec.Status == core.StatusHealthy {
				healthy++
			}
		}
		met.RecordServiceInstances(name, int64(len(recs)), healthy)
	}
}

func buildStore(cfg *config.Config) (store.Store, error) {
	if cfg.Registry.Store.Type != "redis" {
		return store.NewMemoryStore(), nil
	}
	if cfg.Redis == nil {
		return nil, fmt.Errorf("store.type is redis but no redis config was supplied")
	}
	client, err := storeredis.NewUniversalClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return storeredis.NewStore(storeredis.NewClientAdapter(client)), nil
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
