package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerConfig holds pub/sub broker connection settings, shared by
// whichever Bus backend is selected at startup.
type BrokerConfig struct {
	Backend string `yaml:"backend"` // mqtt, redis, memory
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Pass    string `yaml:"pass"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`      // Default: false
	Exporter    string  `yaml:"exporter"`     // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"service_name"` // pressline-agent
	SampleRate  float64 `yaml:"sample_rate"`  // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`   // Default: true
	Namespace string `yaml:"namespace"` // pressline
	Addr      string `yaml:"addr"`      // loopback scrape address, e.g. 127.0.0.1:9464
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ObservabilityConfig holds all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ChaosConfig holds failure-injector settings (C8).
type ChaosConfig struct {
	Enabled bool `yaml:"enabled"`
	MinS    int  `yaml:"min_s"` // minimum delay before crash, seconds
	MaxS    int  `yaml:"max_s"` // maximum delay before crash, seconds
}

// AgentConfig holds the identity and production-loop settings for one
// simulated machine instance.
type AgentConfig struct {
	MachineType     string        `yaml:"machine_type"`
	DeviceID        string        `yaml:"device_id"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	TickMinMs       int           `yaml:"tick_min_ms"`
	TickMaxMs       int           `yaml:"tick_max_ms"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Broker        BrokerConfig        `yaml:"broker"`
	Agent         AgentConfig         `yaml:"agent"`
	Chaos         ChaosConfig         `yaml:"chaos"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Backend: "mqtt",
			Host:    "localhost",
			Port:    1883,
		},
		Agent: AgentConfig{
			MachineType:     "generic",
			DeviceID:        "",
			HeartbeatPeriod: 5 * time.Second,
			TickMinMs:       200,
			TickMaxMs:       800,
			AckTimeout:      1 * time.Second,
		},
		Chaos: ChaosConfig{
			Enabled: false,
			MinS:    60,
			MaxS:    300,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "pressline-agent",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "pressline",
				Addr:      "127.0.0.1:9464",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so a partial file only overrides what it names.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
// Read once at process start; the agent never re-reads these after
// the supervisor has started.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PRESSLINE_BROKER_BACKEND"); v != "" {
		cfg.Broker.Backend = v
	}
	if v := os.Getenv("PRESSLINE_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("PRESSLINE_BROKER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = n
		}
	}
	if v := os.Getenv("PRESSLINE_BROKER_USER"); v != "" {
		cfg.Broker.User = v
	}
	if v := os.Getenv("PRESSLINE_BROKER_PASS"); v != "" {
		cfg.Broker.Pass = v
	}

	if v := os.Getenv("PRESSLINE_MACHINE_TYPE"); v != "" {
		cfg.Agent.MachineType = v
	}
	if v := os.Getenv("PRESSLINE_DEVICE_ID"); v != "" {
		cfg.Agent.DeviceID = v
	}
	if v := os.Getenv("PRESSLINE_HEARTBEAT_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Agent.HeartbeatPeriod = d
		}
	}
	if v := os.Getenv("PRESSLINE_TICK_MIN_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.TickMinMs = n
		}
	}
	if v := os.Getenv("PRESSLINE_TICK_MAX_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.TickMaxMs = n
		}
	}

	if v := os.Getenv("PRESSLINE_FAILURE_MIN_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chaos.MinS = n
		}
	}
	if v := os.Getenv("PRESSLINE_FAILURE_MAX_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chaos.MaxS = n
		}
	}
	if v := os.Getenv("PRESSLINE_FAILURE_INJECTOR_ENABLED"); v != "" {
		cfg.Chaos.Enabled = parseBool(v)
	}

	if v := os.Getenv("PRESSLINE_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("PRESSLINE_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}

	if v := os.Getenv("PRESSLINE_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("PRESSLINE_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("PRESSLINE_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("PRESSLINE_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Addr = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
