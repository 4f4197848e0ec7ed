// Package kafka exports fused verdicts to a Kafka topic. Consumers
// downstream (SOAR, ticketing, data lake) read the stable export shape.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"threatfuse/internal/bus"
	"threatfuse/internal/schema"
)

// ErrProducerClosed is returned when producing after Close.
var ErrProducerClosed = fmt.Errorf("kafka: producer is closed")

// Config holds the Kafka producer settings.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	RequiredAcks int           `yaml:"required_acks"`
}

// DefaultConfig returns the default producer configuration.
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "threatfuse.alerts",
		BatchSize:    100,
		BatchTimeout: time.Second,
		MaxRetries:   3,
		RetryBackoff: 250 * time.Millisecond,
		RequiredAcks: 1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka: topic is required")
	}
	return nil
}

// Producer writes export records to Kafka, keyed by event ID so all
// records for one event land on the same partition.
type Producer struct {
	writer *kafka.Writer
	config Config
	logger *slog.Logger
	closed atomic.Bool

	produced atomic.Int64
	errors   atomic.Int64
	retries  atomic.Int64
}

// NewProducer creates a Kafka producer.
func NewProducer(cfg Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  kafka.Snappy,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize)

	return &Producer{
		writer: writer,
		config: cfg,
		logger: logger,
	}, nil
}

// Handler returns a bus handler that exports every fused alert.
// Subscribe it on the alerts stream.
func (p *Producer) Handler() bus.Handler {
	return func(ctx context.Context, env *bus.Envelope) error {
		event, ok := env.Payload.(*schema.EnrichedEvent)
		if !ok {
			return fmt.Errorf("kafka sink: unexpected payload %T", env.Payload)
		}

		value, err := schema.NewExportRecord(event, nil).Marshal()
		if err != nil {
			return fmt.Errorf("kafka sink: failed to marshal record: %w", err)
		}

		return p.produce(ctx, []byte(event.EventID().String()), value)
	}
}

// produce sends one message with bounded retries and exponential
// backoff.
func (p *Producer) produce(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msg := kafka.Message{Key: key, Value: value, Time: time.Now()}

	var lastErr error
	backoff := p.config.RetryBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.produced.Add(1)
			return nil
		}

		lastErr = err
		p.errors.Add(1)
		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.MaxRetries+1)

		if isNonRetryable(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// Metrics returns producer counters.
func (p *Producer) Metrics() (produced, errors, retries int64) {
	return p.produced.Load(), p.errors.Load(), p.retries.Load()
}

// Close flushes buffered messages and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing kafka producer", "produced", p.produced.Load())

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

// isNonRetryable reports whether retrying the produce cannot succeed.
func isNonRetryable(err error) bool {
	switch err {
	case kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed:
		return true
	}
	return false
}
