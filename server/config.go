package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "psylens.yaml"
	homeConfigName    = "config.yaml"
)

// Config is the declarative daemon configuration shape for psylens.yaml.
// String fields support ${ENV} expansion.
type Config struct {
	// Listen is the HTTP listen address (default ":8724").
	Listen string `yaml:"listen,omitempty"`

	// CORSOrigin is the allowed CORS origin (default "*").
	CORSOrigin string `yaml:"cors_origin,omitempty"`

	// MaxBodyBytes caps request body size (default 1 MiB).
	MaxBodyBytes int64 `yaml:"max_body_bytes,omitempty"`

	// Events configures event persistence and distribution.
	Events EventsConfig `yaml:"events,omitempty"`

	// Otel configures trace export.
	Otel OtelConfig `yaml:"otel,omitempty"`

	// Scheduler configures the background schedule runner.
	Scheduler SchedulerSettings `yaml:"scheduler,omitempty"`
}

// EventsConfig controls the event store and bus.
type EventsConfig struct {
	// DSN is the SQLite DSN for persisted events. Empty selects the
	// in-memory store.
	DSN string `yaml:"dsn,omitempty"`

	// RetentionAge prunes stored events older than this duration.
	RetentionAge Duration `yaml:"retention_age,omitempty"`

	// RetentionCount keeps at most this many stored events per run.
	RetentionCount int `yaml:"retention_count,omitempty"`

	// HistorySize is the bus's retained in-memory event window.
	HistorySize int `yaml:"history_size,omitempty"`

	// CoalesceInterval throttles execution.progress events.
	CoalesceInterval Duration `yaml:"coalesce_interval,omitempty"`
}

// Duration decodes either a Go duration string ("30m") or an integer
// nanosecond count from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// OtelConfig controls OTLP trace export.
type OtelConfig struct {
	Endpoint    string `yaml:"endpoint,omitempty"`
	Insecure    bool   `yaml:"insecure,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// SchedulerSettings controls the schedule runner.
type SchedulerSettings struct {
	Enabled      bool     `yaml:"enabled,omitempty"`
	PollInterval Duration `yaml:"poll_interval,omitempty"`
}

// DefaultConfig returns the zero-configuration defaults.
func DefaultConfig() Config {
	return Config{
		Listen:     ":8724",
		CORSOrigin: "*",
	}
}

// DiscoverConfigPath resolves the config file location with first-match
// semantics: the explicit path if given, then ./psylens.yaml, then
// ~/.psylens/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".psylens", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig reads and parses a config file, applying defaults and ${ENV}
// expansion to string fields.
func LoadConfig(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}

	cfg.Listen = expandEnvValue(cfg.Listen)
	cfg.CORSOrigin = expandEnvValue(cfg.CORSOrigin)
	cfg.Events.DSN = expandEnvValue(cfg.Events.DSN)
	cfg.Otel.Endpoint = expandEnvValue(cfg.Otel.Endpoint)
	cfg.Otel.ServiceName = expandEnvValue(cfg.Otel.ServiceName)

	if cfg.Listen == "" {
		cfg.Listen = ":8724"
	}
	return cfg, nil
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}
