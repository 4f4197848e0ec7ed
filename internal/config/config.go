// Package config handles configuration loading for threatfuse.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"threatfuse/internal/correlation"
	"threatfuse/internal/fusion"
	"threatfuse/internal/response"
	"threatfuse/internal/suppress"
)

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Bus         BusConfig          `yaml:"bus"`
	Ingest      IngestConfig       `yaml:"ingest"`
	Validation  ValidationConfig   `yaml:"validation"`
	Detection   DetectionConfig    `yaml:"detection"`
	Suppression suppress.Config    `yaml:"suppression"`
	Intel       IntelConfig        `yaml:"intel"`
	Correlation correlation.Config `yaml:"correlation"`
	Fusion      fusion.Policy      `yaml:"fusion"`
	Response    response.Policy    `yaml:"response"`
	Sinks       SinksConfig        `yaml:"sinks"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	OverflowPolicy string        `yaml:"overflow_policy"` // drop_oldest or reject
	PollInterval   time.Duration `yaml:"poll_interval"`
	DrainWait      time.Duration `yaml:"drain_wait"`
}

// IngestConfig holds HTTP ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int `yaml:"max_batch_size"`
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// ValidationConfig holds event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// DetectionConfig holds technique detector settings.
type DetectionConfig struct {
	// SignatureFile is an optional YAML overlay merged over the built-in
	// signature set.
	SignatureFile string `yaml:"signature_file"`
}

// IntelConfig holds threat-intelligence table settings.
type IntelConfig struct {
	// TablesFile is an optional YAML overlay merged over the built-in
	// IOC, indicator, and actor tables.
	TablesFile string `yaml:"tables_file"`
}

// SinksConfig holds the external sink settings.
type SinksConfig struct {
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// KafkaConfig holds Kafka alert sink settings.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
}

// ClickHouseConfig holds the verdict archive settings.
type ClickHouseConfig struct {
	Enabled         bool              `yaml:"enabled"`
	Hosts           []string          `yaml:"hosts"`
	Database        string            `yaml:"database"`
	Username        string            `yaml:"username"`
	Password        string            `yaml:"password"`
	MaxOpenConns    int               `yaml:"max_open_conns"`
	MaxIdleConns    int               `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration     `yaml:"conn_max_lifetime"`
	DialTimeout     time.Duration     `yaml:"dial_timeout"`
	BatchWriter     BatchWriterConfig `yaml:"batch_writer"`
}

// BatchWriterConfig holds archive batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// NotifyConfig holds the Redis incident notifier settings.
type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Bus: BusConfig{
			BufferSize:     4096,
			OverflowPolicy: "drop_oldest",
			PollInterval:   10 * time.Millisecond,
			DrainWait:      30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Suppression: suppress.DefaultConfig(),
		Correlation: correlation.DefaultConfig(),
		Fusion:      fusion.DefaultPolicy(),
		Response:    response.DefaultPolicy(),
		Sinks: SinksConfig{
			Kafka: KafkaConfig{
				Enabled:      false,
				Brokers:      []string{"localhost:9092"},
				Topic:        "threatfuse.alerts",
				BatchSize:    100,
				BatchTimeout: time.Second,
				RequiredAcks: 1,
			},
			ClickHouse: ClickHouseConfig{
				Enabled:         false,
				Hosts:           []string{"localhost:9000"},
				Database:        "threatfuse",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
				BatchWriter: BatchWriterConfig{
					BatchSize:     1000,
					FlushInterval: 5 * time.Second,
					MaxRetries:    3,
					RetryDelay:    time.Second,
				},
			},
			Notify: NotifyConfig{
				Enabled: false,
				Addr:    "localhost:6379",
				Channel: "threatfuse.incidents",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("THREATFUSE_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("THREATFUSE_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("THREATFUSE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Sinks.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Sinks.Kafka.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Sinks.ClickHouse.Hosts = []string{host}
		c.Sinks.ClickHouse.Enabled = true
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Sinks.ClickHouse.Password = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Sinks.Notify.Addr = addr
		c.Sinks.Notify.Enabled = true
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Sinks.Notify.Password = pass
	}
}

// splitAndTrim splits a string by separator and trims whitespace from
// each part, dropping empties.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus buffer_size must be positive")
	}

	switch c.Bus.OverflowPolicy {
	case "drop_oldest", "reject":
	default:
		return fmt.Errorf("invalid overflow_policy: %q", c.Bus.OverflowPolicy)
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if err := c.Fusion.Validate(); err != nil {
		return fmt.Errorf("invalid fusion policy: %w", err)
	}

	return nil
}
