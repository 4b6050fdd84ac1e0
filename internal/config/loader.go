package config

import (
	"os"

	"meshctl/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration from a YAML file, layering environment
// variable overrides on top.
type Loader struct {
	path       string
	envEnabled bool
}

// NewLoader creates a config loader for the given YAML file path.
func NewLoader(path string) *Loader {
	return &Loader{
		path:       path,
		envEnabled: true,
	}
}

// WithEnvVars enables or disables environment variable overrides.
func (l *Loader) WithEnvVars(enabled bool) *Loader {
	l.envEnabled = enabled
	return l
}

// Load reads and parses the configuration file, starting from the embedded
// defaults so an omitted section still gets documented values.
func (l *Loader) Load() (*Config, error) {
	cfg, err := LoadDefault()
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeInternal, "failed to load embedded defaults").WithCause(err)
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeInternal, "failed to read config file").WithCause(err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.NewError(errors.ErrorTypeInternal, "failed to parse config").WithCause(err)
	}

	if l.envEnabled {
		if err := LoadEnv(cfg); err != nil {
			return nil, errors.NewError(errors.ErrorTypeInternal, "failed to load env vars").WithCause(err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, errors.NewError(errors.ErrorTypeBadRequest, "invalid configuration").WithCause(err)
	}

	return cfg, nil
}

// Validate checks the subset of fields every binary relies on regardless of
// which sections it uses.
func Validate(cfg *Config) error {
	if cfg.Registry.Store.Type != "" && cfg.Registry.Store.Type != "memory" && cfg.Registry.Store.Type != "redis" {
		return errors.NewError(errors.ErrorTypeBadRequest, "unknown store type").WithDetail("type", cfg.Registry.Store.Type)
	}
	if cfg.Registry.Store.Type == "redis" && cfg.Redis == nil {
		return errors.NewError(errors.ErrorTypeBadRequest, "store.type is redis but no redis section is configured")
	}
	switch cfg.Agent.FailurePolicy {
	case "", "FailFast", "ContinueWithoutRegistration", "ContinueAndRetry":
	default:
		return errors.NewError(errors.ErrorTypeBadRequest, "unknown agent failure policy").WithDetail("policy", cfg.Agent.FailurePolicy)
	}
	return nil
}
