package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcherInvokesOnChangeAfterFileEdit(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	if err := os.WriteFile(configPath, []byte("agent:\n  serviceName: orders\n"), 0o644); err != nil {
		t.Fatalf("writing initial config: %v", err)
	}

	changed := make(chan *Config, 1)
	watcherCfg := &WatcherConfig{
		DebounceDuration: 20 * time.Millisecond,
		OnChange: func(cfg *Config) error {
			changed <- cfg
			return nil
		},
	}

	w, err := NewWatcher(configPath, watcherCfg, testLogger())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Start()
	defer w.Stop()

	if err := os.WriteFile(configPath, []byte("agent:\n  serviceName: payments\n"), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-changed:
		if cfg.Agent.ServiceName != "payments" {
			t.Errorf("reloaded ServiceName = %q, want payments", cfg.Agent.ServiceName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcherReportsReloadErrorsOnInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")
	if err := os.WriteFile(configPath, []byte("agent:\n  serviceName: orders\n"), 0o644); err != nil {
		t.Fatalf("writing initial config: %v", err)
	}

	errs := make(chan error, 1)
	watcherCfg := &WatcherConfig{
		DebounceDuration: 20 * time.Millisecond,
		OnError: func(err error) {
			errs <- err
		},
	}

	w, err := NewWatcher(configPath, watcherCfg, testLogger())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Start()
	defer w.Stop()

	if err := os.WriteFile(configPath, []byte("agent: [this is not a map]\n"), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected non-nil reload error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")
	if err := os.WriteFile(configPath, []byte("agent:\n  serviceName: orders\n"), 0o644); err != nil {
		t.Fatalf("writing initial config: %v", err)
	}

	w, err := NewWatcher(configPath, nil, testLogger())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Start()

	if err := w.Stop(); err != nil {
		t.Errorf("first Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
