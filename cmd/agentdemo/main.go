// Command agentdemo runs the Agent standalone, registering and heartbeating
// a service instance against a Registry API and optionally serving the
// Agent's own default health-check endpoint. It exists to exercise the
// Agent outside of being embedded as a library, the way a real host
// service would embed it.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"meshctl/internal/agent"
	"meshctl/internal/config"
)

var (
	configFile = flag.String("config", "configs/agent.yaml", "config file path")
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
		slog.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := slog.Default()

	a := agent.New(toAgentConfig(cfg.Agent), nil, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	var healthSrv *http.Server
	if cfg.Agent.EnableDefaultHealthCheck {
		mux := http.NewServeMux()
		path := cfg.Agent.HealthCheckPath
		if path == "" {
			path = "/health"
		}
		mux.Handle(path, a.HealthCheckHandler())
		healthSrv = &http.Server{Addr: ":" + portOrDefault(cfg.Agent.Port), Handler: mux}
		go func() {
			logger.Info("agent health check listening", "addr", healthSrv.Addr, "path", path)
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health check server failed", "error", err)
			}
		}()
	}

	logger.Info("agent running", "instanceId", a.InstanceID())
	<-ctx.Done()

	if healthSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = healthSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func toAgentConfig(a config.Agent) agent.Config {
	return agent.Config{
		RegistryURL:           a.RegistryURL,
		ServiceName:           a.ServiceName,
		Host:                  a.Host,
		Port:                  a.Port,
		Weight:                a.Weight,
		Metadata:              a.Metadata,
		HeartbeatInterval:     time.Duration(a.HeartbeatIntervalSeconds) * time.Second,
		RegisterRetryCount:    a.RegisterRetryCount,
		RegisterRetryInterval: time.Duration(a.RegisterRetryIntervalSeconds) * time.Second,
		FailurePolicy:         agent.FailurePolicy(a.FailurePolicy),
		Adaptive: agent.AdaptiveConfig{
			Window:                 time.Duration(a.Adaptive.WindowSeconds) * time.Second,
			RecomputeInterval:      time.Duration(a.Adaptive.RecomputeIntervalSeconds) * time.Second,
			HighRequestThreshold:   a.Adaptive.HighRequestThreshold,
			HighLatency:            time.Duration(a.Adaptive.HighLatencyMillis) * time.Millisecond,
			HighErrorRate:          a.Adaptive.HighErrorRate,
			MediumRequestThreshold: a.Adaptive.MediumRequestThreshold,
			MediumLatency:          time.Duration(a.Adaptive.MediumLatencyMillis) * time.Millisecond,
			MediumErrorRate:        a.Adaptive.MediumErrorRate,
			LowUptime:              time.Duration(a.Adaptive.LowUptimeMinutes) * time.Minute,
			IntervalHigh:           time.Duration(a.Adaptive.IntervalHighSeconds) * time.Second,
			IntervalMedium:         time.Duration(a.Adaptive.IntervalMediumSeconds) * time.Second,
			IntervalLow:            time.Duration(a.Adaptive.IntervalLowSeconds) * time.Second,
			IntervalBase:           time.Duration(a.Adaptive.IntervalBaseSeconds) * time.Second,
		},
	}
}

func portOrDefault(port int) string {
	if port <= 0 {
		return "8080"
	}
	return strconv.Itoa(port)
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
