// Package config provides configuration management for the coreproj CLI.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the coreproj CLI configuration for one projection
// deployment.
type Config struct {
	// Version of the config file format.
	Version string `yaml:"version"`

	// Projection identifies the projection this config drives.
	Projection ProjectionConfig `yaml:"projection"`

	// EventLog configures the backing event log adapter.
	EventLog EventLogConfig `yaml:"event_log"`

	// Checkpoint configures checkpoint suggestion thresholds.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Observability configures metrics and tracing.
	Observability ObservabilityConfig `yaml:"observability"`
}

// ProjectionConfig contains projection-level settings.
type ProjectionConfig struct {
	// Name identifies the projection; used to derive stream names via
	// the naming builder.
	Name string `yaml:"name"`

	// Partitioned selects the PartitionedCheckpointManager instead of
	// the default single-stream checkpoint manager.
	Partitioned bool `yaml:"partitioned"`

	// StartOnLoad moves the projection to Running once the checkpoint has
	// loaded and the subscription is open; without it the projection
	// settles in Stopped.
	StartOnLoad bool `yaml:"start_on_load"`
}

// EventLogConfig configures the backing eventlog.EventLog adapter.
type EventLogConfig struct {
	// Driver selects the adapter: "memory", "postgres", or "kafka".
	Driver string `yaml:"driver"`

	// DSN is the connection string for postgres, or the bootstrap
	// broker list (comma-separated) for kafka.
	DSN string `yaml:"dsn,omitempty"`

	// Schema is the Postgres schema to use.
	Schema string `yaml:"schema,omitempty"`

	// Topic is the Kafka topic to tail.
	Topic string `yaml:"topic,omitempty"`

	// PollIntervalMS controls how often, in milliseconds, the Postgres
	// adapter polls for new events while subscribed.
	PollIntervalMS int `yaml:"poll_interval_ms,omitempty"`
}

// CheckpointConfig configures when the subscription suggests a
// checkpoint be written.
type CheckpointConfig struct {
	// UnhandledBytesThreshold is the number of event data bytes read since
	// the last suggestion (delivered or filtered out by event type) that
	// triggers a CheckpointSuggested message.
	UnhandledBytesThreshold int64 `yaml:"unhandled_bytes_threshold"`

	// MaxWriteBatchLength caps how many emitted events are written to a
	// target stream in one batch.
	MaxWriteBatchLength int `yaml:"max_write_batch_length"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsNamespace is the Prometheus namespace for this projection's
	// collectors.
	MetricsNamespace string `yaml:"metrics_namespace"`

	// TracingEnabled turns on OpenTelemetry spans around stage 2 and
	// checkpoint writes.
	TracingEnabled bool `yaml:"tracing_enabled"`
}

// DefaultConfig returns a default configuration for a memory-backed
// projection.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Projection: ProjectionConfig{
			Name:        "my-projection",
			Partitioned: false,
			StartOnLoad: true,
		},
		EventLog: EventLogConfig{
			Driver:         "memory",
			Schema:         "coreproj",
			PollIntervalMS: 200,
		},
		Checkpoint: CheckpointConfig{
			UnhandledBytesThreshold: 4096,
			MaxWriteBatchLength:     500,
		},
		Observability: ObservabilityConfig{
			MetricsNamespace: "coreproj",
			TracingEnabled:   false,
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "coreproj.yaml"

// Load loads configuration from the specified directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save saves the configuration to the specified directory.
func (c *Config) Save(dir string) error {
	path := filepath.Join(dir, ConfigFileName)
	return c.SaveFile(path)
}

// SaveFile saves the configuration to a specific file path.
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory.
func Exists(dir string) bool {
	path := filepath.Join(dir, ConfigFileName)
	_, err := os.Stat(path)
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up.
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// Validate validates the configuration.
func (c *Config) Validate() []string {
	var errs []string

	if c.Projection.Name == "" {
		errs = append(errs, "projection.name is required")
	}

	switch c.EventLog.Driver {
	case "":
		errs = append(errs, "event_log.driver is required")
	case "memory":
	case "postgres":
		if c.EventLog.DSN == "" {
			errs = append(errs, "event_log.dsn is required for postgres driver")
		}
	case "kafka":
		if c.EventLog.DSN == "" {
			errs = append(errs, "event_log.dsn is required for kafka driver")
		}
		if c.EventLog.Topic == "" {
			errs = append(errs, "event_log.topic is required for kafka driver")
		}
	default:
		errs = append(errs, "event_log.driver must be 'memory', 'postgres', or 'kafka'")
	}

	if c.Checkpoint.UnhandledBytesThreshold < 0 {
		errs = append(errs, "checkpoint.unhandled_bytes_threshold must not be negative")
	}

	if c.Checkpoint.MaxWriteBatchLength <= 0 {
		errs = append(errs, "checkpoint.max_write_batch_length must be positive")
	}

	return errs
}

// GenerateYAML generates YAML content with comments, suitable for writing
// out as a starter coreproj.yaml.
func GenerateYAML(cfg *Config) string {
	return `# coreproj Configuration File

version: "1"

# Projection settings
projection:
  # Name identifies the projection; used to derive checkpoint and state
  # stream names.
  name: "` + cfg.Projection.Name + `"

  # Use the partitioned checkpoint manager (per-partition state streams
  # plus a catalog stream) instead of a single checkpoint stream.
  partitioned: ` + boolYAML(cfg.Projection.Partitioned) + `

  # Start the subscription as soon as the checkpoint has loaded.
  start_on_load: ` + boolYAML(cfg.Projection.StartOnLoad) + `

# Event log adapter
event_log:
  # Driver: memory, postgres, or kafka
  driver: "` + cfg.EventLog.Driver + `"

  # Connection string (postgres) or broker list (kafka)
  dsn: "${EVENT_LOG_DSN}"

  # Postgres schema
  schema: "` + cfg.EventLog.Schema + `"

# Checkpoint suggestion thresholds
checkpoint:
  unhandled_bytes_threshold: ` + strconv.FormatInt(cfg.Checkpoint.UnhandledBytesThreshold, 10) + `
  max_write_batch_length: ` + strconv.Itoa(cfg.Checkpoint.MaxWriteBatchLength) + `

# Metrics and tracing
observability:
  metrics_namespace: "` + cfg.Observability.MetricsNamespace + `"
  tracing_enabled: ` + boolYAML(cfg.Observability.TracingEnabled) + `
`
}

func boolYAML(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
