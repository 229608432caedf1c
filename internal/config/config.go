// Package config provides configuration management for ctihub.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/ctihub/internal/api/gateway"
	"github.com/lvonguyen/ctihub/internal/observability"
	"github.com/lvonguyen/ctihub/internal/sources"
)

// Config holds all ctihub configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Store     StoreConfig             `yaml:"store"`
	Redis     RedisConfig             `yaml:"redis"`
	Sources   SourcesConfig           `yaml:"sources"`
	Monitor   MonitorConfig           `yaml:"monitor"`
	Engine    EngineConfig            `yaml:"engine"`
	Events    EventsConfig            `yaml:"events"`
	RateLimit gateway.RateLimitConfig `yaml:"rate_limit"`
	Telemetry observability.Config    `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "memory" or "bolt".
	Backend string `yaml:"backend"`
	// Path is the bbolt database file, used only by the bolt backend.
	Path string `yaml:"path"`
}

// RedisConfig holds Redis connection settings. Redis backs the rate
// limiter and the stats mirror; both are optional.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// SourceConfig holds one reputation source's settings.
type SourceConfig struct {
	Enabled        bool `yaml:"enabled"`
	sources.Config `yaml:",inline"`
}

// SyntheticConfig holds the demo feed generator's settings.
type SyntheticConfig struct {
	Enabled bool  `yaml:"enabled"`
	Seed    int64 `yaml:"seed"`
}

// SourcesConfig holds all reputation source settings.
type SourcesConfig struct {
	VirusTotal SourceConfig    `yaml:"virustotal"`
	AbuseIPDB  SourceConfig    `yaml:"abuseipdb"`
	Synthetic  SyntheticConfig `yaml:"synthetic"`
}

// MonitorConfig holds feed monitor settings.
type MonitorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	ErrorInterval time.Duration `yaml:"error_interval"`
}

// EngineConfig holds aggregation engine settings.
type EngineConfig struct {
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	LookupTimeout   time.Duration `yaml:"lookup_timeout"`
}

// NATSConfig holds NATS event mirroring settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// EventsConfig holds realtime event settings.
type EventsConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
			Path:    "data/iocs.db",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Sources: SourcesConfig{
			VirusTotal: SourceConfig{
				Enabled: false,
				Config: sources.Config{
					APIKeyEnv: "VIRUSTOTAL_API_KEY",
					Timeout:   10 * time.Second,
				},
			},
			AbuseIPDB: SourceConfig{
				Enabled: false,
				Config: sources.Config{
					APIKeyEnv: "ABUSEIPDB_API_KEY",
					Timeout:   10 * time.Second,
				},
			},
			Synthetic: SyntheticConfig{
				Enabled: true,
			},
		},
		Monitor: MonitorConfig{
			Interval:      10 * time.Second,
			ErrorInterval: 30 * time.Second,
		},
		Engine: EngineConfig{
			FreshnessWindow: time.Hour,
			LookupTimeout:   10 * time.Second,
		},
		Events: EventsConfig{
			NATS: NATSConfig{
				Enabled:       false,
				URL:           "nats://localhost:4222",
				SubjectPrefix: "ctihub.events",
			},
		},
		Telemetry: observability.Config{
			ServiceName:    "ctihub",
			ServiceVersion: "dev",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "json",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
	}
}

// EnabledSources returns the names of enabled reputation sources.
func (c *Config) EnabledSources() []string {
	var names []string
	if c.Sources.VirusTotal.Enabled {
		names = append(names, "virustotal")
	}
	if c.Sources.AbuseIPDB.Enabled {
		names = append(names, "abuseipdb")
	}
	return names
}
