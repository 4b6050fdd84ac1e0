package config

import (
	"os"
	"strings"
	"testing"
)

func withEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	original := os.Environ()
	t.Cleanup(func() {
		os.Clearenv()
		for _, env := range original {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				os.Setenv(parts[0], parts[1])
			}
		}
	})
	for k, v := range vars {
		os.Setenv(k, v)
	}
}

func TestLoadEnvOverridesNestedFields(t *testing.T) {
	withEnv(t, map[string]string{
		"MESHCTL_REGISTRY_HTTP_PORT":    "9090",
		"MESHCTL_REGISTRY_STORE_TYPE":   "redis",
		"MESHCTL_AGENT_REGISTRYURL":     "http://registry.internal:5000",
		"MESHCTL_AGENT_AUTOREGISTER":    "false",
		"MESHCTL_AGENT_ADAPTIVE_HIGHERRORRATE": "0.25",
	})

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if err := LoadEnv(cfg); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}

	if cfg.Registry.HTTP.Port != 9090 {
		t.Errorf("Registry.HTTP.Port = %d, want 9090", cfg.Registry.HTTP.Port)
	}
	if cfg.Registry.Store.Type != "redis" {
		t.Errorf("Registry.Store.Type = %q, want redis", cfg.Registry.Store.Type)
	}
	if cfg.Agent.RegistryURL != "http://registry.internal:5000" {
		t.Errorf("Agent.RegistryURL = %q, want override", cfg.Agent.RegistryURL)
	}
	if cfg.Agent.AutoRegister {
		t.Error("Agent.AutoRegister = true, want false (override)")
	}
	if cfg.Agent.Adaptive.HighErrorRate != 0.25 {
		t.Errorf("Agent.Adaptive.HighErrorRate = %v, want 0.25", cfg.Agent.Adaptive.HighErrorRate)
	}
}

func TestLoadEnvLeavesUnsetFieldsAlone(t *testing.T) {
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	before := cfg.Registry.Reaper.MissTimeoutSeconds

	if err := LoadEnv(cfg); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if cfg.Registry.Reaper.MissTimeoutSeconds != before {
		t.Errorf("MissTimeoutSeconds changed with no matching env var: got %d, want %d", cfg.Registry.Reaper.MissTimeoutSeconds, before)
	}
}

func TestLoadEnvRejectsInvalidInt(t *testing.T) {
	withEnv(t, map[string]string{
		"MESHCTL_REGISTRY_HTTP_PORT": "not-a-number",
	})

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if err := LoadEnv(cfg); err == nil {
		t.Fatal("expected error for non-numeric port override")
	}
}

func TestEnvExampleListsKnownKeys(t *testing.T) {
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}

	examples := EnvExample(cfg)
	found := false
	for _, e := range examples {
		if strings.HasPrefix(e, "MESHCTL_REGISTRY_HTTP_PORT=") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("EnvExample() = %v, missing MESHCTL_REGISTRY_HTTP_PORT", examples)
	}
}
