// Package config loads the replstream node configuration from YAML or JSON
// files with REPLSTREAM_* environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fluxorio/replstream/pkg/placement"
	"github.com/fluxorio/replstream/pkg/tracing"
)

// Config is the full node configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" json:"log"`
	Stream    StreamConfig    `yaml:"stream" json:"stream"`
	Placement PlacementConfig `yaml:"placement" json:"placement"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	Tracing   tracing.Config  `yaml:"tracing" json:"tracing"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	JSON  bool   `yaml:"json" json:"json"`
}

type StreamConfig struct {
	QueueCapacity int           `yaml:"queue_capacity" json:"queue_capacity"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" json:"retry_backoff"`

	// FetchMaxBytes is the byte budget of one fetch round trip.
	FetchMaxBytes uint32 `yaml:"fetch_max_bytes" json:"fetch_max_bytes"`
}

// PlacementConfig selects where range metadata lives: "memory", "sql" or
// "nats".
type PlacementConfig struct {
	Backend string               `yaml:"backend" json:"backend"`
	SQL     placement.SQLConfig  `yaml:"sql" json:"sql"`
	NATS    placement.NATSConfig `yaml:"nats" json:"nats"`
}

type StoreConfig struct {
	Dir             string `yaml:"dir" json:"dir"`
	MaxSegmentBytes int64  `yaml:"max_segment_bytes" json:"max_segment_bytes"`

	// Durability is "memory" or "fsync".
	Durability string `yaml:"durability" json:"durability"`

	CacheBytes         int64         `yaml:"cache_bytes" json:"cache_bytes"`
	QueueSize          int           `yaml:"queue_size" json:"queue_size"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Default returns a runnable single-node configuration keeping everything
// under ./data.
func Default() *Config {
	const dir = "data"
	return &Config{
		Log: LogConfig{Level: "info"},
		Stream: StreamConfig{
			QueueCapacity: 1024,
			RetryBackoff:  time.Second,
			FetchMaxBytes: 1 << 20,
		},
		Placement: PlacementConfig{
			Backend: "sql",
			SQL:     placement.DefaultSQLConfig("sqlite3", filepath.Join(dir, "placement.db")),
			NATS:    placement.NATSConfig{Prefix: "replstream", RequestTimeout: 5 * time.Second},
		},
		Store: StoreConfig{
			Dir:                dir,
			MaxSegmentBytes:    64 << 20,
			Durability:         "memory",
			CacheBytes:         64 << 20,
			QueueSize:          4096,
			CheckpointInterval: 30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Validate checks the fields every command relies on.
func (c *Config) Validate() error {
	return Validate(c,
		RequiredFields("Store.Dir", "Placement.Backend"),
		OneOfValidator("Log.Level", "trace", "debug", "info", "warn", "error"),
		OneOfValidator("Placement.Backend", "memory", "sql", "nats"),
		OneOfValidator("Store.Durability", "memory", "fsync"),
		OneOfValidator("Tracing.Exporter", "none", "stdout", "zipkin", "jaeger"),
		RangeValidator("Stream.QueueCapacity", 1, 1<<20),
		RangeValidator("Stream.FetchMaxBytes", 1, 1<<30),
		RangeValidator("Tracing.SampleRate", 0, 1),
	)
}

// LoadFile starts from Default, applies the file at path when path is not
// empty, then environment overrides, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := Load(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnvOverrides(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
