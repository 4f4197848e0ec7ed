// Package clickhouse archives fused verdicts in ClickHouse for
// retrospective search and tuning.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Config holds the ClickHouse connection settings.
type Config struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// DefaultConfig returns the default ClickHouse configuration.
func DefaultConfig() Config {
	return Config{
		Hosts:           []string{"localhost:9000"},
		Database:        "threatfuse",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// Client wraps the ClickHouse connection.
type Client struct {
	conn   driver.Conn
	config Config
}

// NewClient opens and verifies a ClickHouse connection.
func NewClient(cfg Config) (*Client, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: failed to open connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping failed: %w", err)
	}

	return &Client{conn: conn, config: cfg}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// PrepareBatch prepares a batch insert.
func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// EnsureSchema creates the verdicts table if it does not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, fmt.Sprintf(
		"CREATE DATABASE IF NOT EXISTS %s", c.config.Database)); err != nil {
		return fmt.Errorf("clickhouse: failed to create database: %w", err)
	}

	const ddl = `
		CREATE TABLE IF NOT EXISTS verdicts (
			event_id UUID,
			timestamp DateTime64(3, 'UTC'),
			host LowCardinality(String),
			risk_level LowCardinality(String),
			confidence_level LowCardinality(String),
			final_risk_score Float64,
			requires_response UInt8,
			technique_risk Float64,
			behavioral_score Float64,
			fp_probability Float64,
			threat_score Float64,
			record String
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (timestamp, event_id)
		TTL toDateTime(timestamp) + INTERVAL 90 DAY
	`
	if err := c.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("clickhouse: failed to create verdicts table: %w", err)
	}
	return nil
}
