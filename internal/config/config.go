// Package config provides configuration types and defaults for subjectmap.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/subjectmap/internal/fault"
	"github.com/zjrosen/subjectmap/internal/log"
	"github.com/zjrosen/subjectmap/internal/tracing"
	"github.com/zjrosen/subjectmap/internal/watcher"
)

// DefaultStorePath is the snapshot database used when store.path is unset.
const DefaultStorePath = ".subjectmap/snapshots.db"

// Config holds all subjectmap configuration.
type Config struct {
	Store   StoreConfig    `mapstructure:"store" yaml:"store"`
	Watch   WatchConfig    `mapstructure:"watch" yaml:"watch"`
	Fault   FaultConfig    `mapstructure:"fault" yaml:"fault"`
	Tracing tracing.Config `mapstructure:"tracing" yaml:"tracing"`
	Log     LogConfig      `mapstructure:"log" yaml:"log"`
}

// StoreConfig locates the snapshot database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// WatchConfig controls refreshing bound keys when the database changes.
type WatchConfig struct {
	// Enabled re-runs the fault handler for every bound key after a change.
	// Default: true
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Debounce is the quiet period before a burst of writes is reported.
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// FaultConfig tunes the store-backed fault handler.
type FaultConfig struct {
	// Timeout bounds each handler call. Zero disables the deadline.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// CacheTTL is how long resolved values are reused for new bindings.
	// Zero disables the cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// LogConfig configures the debug log.
type LogConfig struct {
	// Path is the log file. Empty disables logging unless --debug is set.
	Path string `mapstructure:"path" yaml:"path"`

	// Level is the minimum level written: debug, info, warn or error.
	Level string `mapstructure:"level" yaml:"level"`
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/subjectmap/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "subjectmap", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: DefaultStorePath,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: watcher.DefaultDebounce,
		},
		Fault: FaultConfig{
			Timeout:  5 * time.Second,
			CacheTTL: fault.DefaultCacheTTL,
		},
		Tracing: tracing.DefaultConfig(),
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative, got %s", c.Watch.Debounce)
	}
	if c.Fault.Timeout < 0 {
		return fmt.Errorf("fault.timeout must not be negative, got %s", c.Fault.Timeout)
	}
	if c.Fault.CacheTTL < 0 {
		return fmt.Errorf("fault.cache_ttl must not be negative, got %s", c.Fault.CacheTTL)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	return nil
}

// Render returns cfg as YAML, in the same layout as the config file.
func Render(cfg Config) (string, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()
	return buf.String(), nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# subjectmap configuration

# Snapshot database backing the fault handler
store:
  path: .subjectmap/snapshots.db

# Refresh bound keys when the database changes
watch:
  enabled: true
  debounce: 250ms   # Quiet period before a burst of writes is reported

# Fault handler tuning
fault:
  timeout: 5s       # Per-call deadline (0 disables)
  cache_ttl: 10m    # Reuse resolved values for new bindings (0 disables)

# Debug log
log:
  # path: /tmp/subjectmap.log
  level: info       # debug, info, warn, error

# Tracing (OpenTelemetry), one span per fault handler call
# tracing:
#   enabled: true
#   exporter: file
#   file_path: ~/.config/subjectmap/traces/traces.jsonl
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
