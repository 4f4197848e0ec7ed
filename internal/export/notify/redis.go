// Package notify pushes incident notifications to Redis pub/sub so
// on-call tooling can react without polling the archive.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"threatfuse/internal/bus"
	"threatfuse/internal/schema"
)

// Config holds the Redis notifier settings.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// DefaultConfig returns the default notifier configuration.
func DefaultConfig() Config {
	return Config{
		Addr:    "localhost:6379",
		Channel: "threatfuse.incidents",
	}
}

// Notifier publishes incident records to a Redis channel.
type Notifier struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier and verifies the connection.
func NewNotifier(cfg Config, logger *slog.Logger) (*Notifier, error) {
	if cfg.Channel == "" {
		cfg.Channel = DefaultConfig().Channel
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("incident notifier initialized", "addr", cfg.Addr, "channel", cfg.Channel)

	return &Notifier{
		client:  client,
		channel: cfg.Channel,
		logger:  logger,
	}, nil
}

// Handler returns a bus handler that notifies on every incident.
// Subscribe it on the incidents stream.
func (n *Notifier) Handler() bus.Handler {
	return func(ctx context.Context, env *bus.Envelope) error {
		record, ok := env.Payload.(*schema.ExportRecord)
		if !ok {
			return fmt.Errorf("notify sink: unexpected payload %T", env.Payload)
		}

		data, err := record.Marshal()
		if err != nil {
			return fmt.Errorf("notify sink: failed to marshal record: %w", err)
		}

		if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
			return fmt.Errorf("notify sink: publish failed: %w", err)
		}

		n.logger.Debug("incident notification published",
			"event_id", record.EventID, "channel", n.channel)
		return nil
	}
}

// Close closes the Redis connection.
func (n *Notifier) Close() error {
	return n.client.Close()
}
