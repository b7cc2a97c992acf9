/*
Package config holds typed configuration for the routine engine.

SOURCES (later wins):
  1. Default()
  2. optional YAML file passed to Load (unknown keys rejected)
  3. environment variables

ENVIRONMENT:
  ROUTINE_HOT_PATH              hot database file (":memory:" allowed)
  ROUTINE_ARCHIVE_PATH          archive database file, empty disables the archive
  ROUTINE_FRESHNESS_THRESHOLD   seconds ("86400") or Go duration ("24h"),
                                same forms as engine.freshness_threshold
  ROUTINE_RETENTION             Go duration, history older than this is pruned
  ROUTINE_MAINTENANCE_INTERVAL  Go duration between transfer + prune passes
  ROUTINE_HTTP_PORT             admin HTTP port
  LOG_LEVEL                     debug | info | warn | error
  LOG_FORMAT                    text | json

Invalid values are errors, never silently replaced by defaults.
*/
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the routine engine.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

// StoreConfig locates the two SQLite partitions.
type StoreConfig struct {
	HotPath     string `yaml:"hot_path"`
	ArchivePath string `yaml:"archive_path"`
}

// EngineConfig tunes the archival policy.
type EngineConfig struct {
	FreshnessThreshold time.Duration `yaml:"freshness_threshold"`
	Retention          time.Duration `yaml:"retention"`
}

// ServerConfig holds admin HTTP configuration.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SchedulerConfig controls periodic maintenance.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with all default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			HotPath:     "routines.db",
			ArchivePath: "routines-archive.db",
		},
		Engine: EngineConfig{
			FreshnessThreshold: 86400 * time.Second,
			Retention:          365 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if path, ok := os.LookupEnv("ROUTINE_HOT_PATH"); ok && path != "" {
		c.Store.HotPath = path
	}
	// An explicitly empty archive path disables the archive partition.
	if path, ok := os.LookupEnv("ROUTINE_ARCHIVE_PATH"); ok {
		c.Store.ArchivePath = path
	}

	if v := os.Getenv("ROUTINE_FRESHNESS_THRESHOLD"); v != "" {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("invalid ROUTINE_FRESHNESS_THRESHOLD %q: %w", v, err)
		}
		c.Engine.FreshnessThreshold = d
	}

	if v := os.Getenv("ROUTINE_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid ROUTINE_RETENTION %q: %w", v, err)
		}
		c.Engine.Retention = d
	}

	if v := os.Getenv("ROUTINE_MAINTENANCE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid ROUTINE_MAINTENANCE_INTERVAL %q: %w", v, err)
		}
		c.Scheduler.Interval = d
	}

	if v := os.Getenv("ROUTINE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ROUTINE_HTTP_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	return nil
}

// UnmarshalYAML lets freshness_threshold be given as seconds like its
// environment variable. Unknown keys stay errors.
func (e *EngineConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: engine must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "freshness_threshold":
			d, err := parseSecondsOrDuration(value.Value)
			if err != nil {
				return fmt.Errorf("line %d: invalid freshness_threshold %q: %w", value.Line, value.Value, err)
			}
			e.FreshnessThreshold = d
		case "retention":
			if err := value.Decode(&e.Retention); err != nil {
				return err
			}
		default:
			return fmt.Errorf("line %d: field %s not found in engine", key.Line, key.Value)
		}
	}
	return nil
}

// parseSecondsOrDuration accepts a bare integer as seconds.
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Store.HotPath == "" {
		return fmt.Errorf("store.hot_path is required")
	}
	if c.Store.ArchivePath != "" && c.Store.ArchivePath == c.Store.HotPath && c.Store.HotPath != ":memory:" {
		return fmt.Errorf("store.archive_path must differ from store.hot_path")
	}
	if c.Engine.FreshnessThreshold <= 0 {
		return fmt.Errorf("engine.freshness_threshold must be positive, got %s", c.Engine.FreshnessThreshold)
	}
	if c.Engine.Retention <= 0 {
		return fmt.Errorf("engine.retention must be positive, got %s", c.Engine.Retention)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", c.Scheduler.Interval)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}
