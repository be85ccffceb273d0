// Package commands provides the CLI command implementations for coreproj.
package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/foldstream/coreproj/cli/config"
	"github.com/foldstream/coreproj/eventlog"
	"github.com/foldstream/coreproj/eventlog/kafka"
	"github.com/foldstream/coreproj/eventlog/memory"
	"github.com/foldstream/coreproj/eventlog/postgres"
)

// AdapterFactory creates the eventlog.EventLog appropriate for a loaded
// configuration.
type AdapterFactory struct {
	config *config.Config
	dsn    string
}

// NewAdapterFactory creates an AdapterFactory from cfg, expanding
// environment variables in the DSN.
func NewAdapterFactory(cfg *config.Config) (*AdapterFactory, error) {
	dsn := os.ExpandEnv(cfg.EventLog.DSN)
	if cfg.EventLog.Driver != "memory" && (dsn == "" || strings.Contains(dsn, "${")) {
		return nil, fmt.Errorf("event_log.dsn is not resolved (check EVENT_LOG_DSN)")
	}
	return &AdapterFactory{config: cfg, dsn: dsn}, nil
}

// CreateEventLog builds the configured eventlog.EventLog, validating
// connectivity for adapters that support it.
func (f *AdapterFactory) CreateEventLog(ctx context.Context) (eventlog.EventLog, func(), error) {
	switch f.config.EventLog.Driver {
	case "memory":
		return memory.NewAdapter(), func() {}, nil

	case "postgres", "postgresql":
		pollInterval := time.Duration(f.config.EventLog.PollIntervalMS) * time.Millisecond
		opts := []postgres.Option{}
		if f.config.EventLog.Schema != "" {
			opts = append(opts, postgres.WithSchema(f.config.EventLog.Schema))
		}
		if pollInterval > 0 {
			opts = append(opts, postgres.WithPollInterval(pollInterval))
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		adapter, err := postgres.NewAdapter(pingCtx, f.dsn, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create postgres adapter: %w", err)
		}
		if err := adapter.Ping(pingCtx); err != nil {
			_ = adapter.Close()
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return adapter, func() { _ = adapter.Close() }, nil

	case "kafka":
		brokers := strings.Split(f.dsn, ",")
		adapter := kafka.NewAdapter(f.config.EventLog.Topic, kafka.WithBrokers(brokers...))
		return adapter, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported event_log.driver: %s", f.config.EventLog.Driver)
	}
}

// IsMemoryDriver reports whether the factory is configured for the
// in-memory adapter.
func (f *AdapterFactory) IsMemoryDriver() bool {
	return f.config.EventLog.Driver == "memory"
}

// loadConfig loads the nearest coreproj.yaml, searching the current working
// directory and then each parent directory.
func loadConfig() (*config.Config, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	_, cfg, err := config.FindConfig(cwd)
	if err != nil {
		return nil, cwd, err
	}
	return cfg, cwd, nil
}

// getEventLog loads config and builds an event log with its cleanup func.
func getEventLog(ctx context.Context) (eventlog.EventLog, *config.Config, func(), error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("no coreproj.yaml found: %w", err)
	}

	factory, err := NewAdapterFactory(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	log, cleanup, err := factory.CreateEventLog(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return log, cfg, cleanup, nil
}
