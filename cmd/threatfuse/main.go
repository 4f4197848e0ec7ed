// Package main is the entry point for the threatfuse service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threatfuse/internal/behavior"
	"threatfuse/internal/bus"
	"threatfuse/internal/config"
	"threatfuse/internal/correlation"
	"threatfuse/internal/detect"
	"threatfuse/internal/enrich"
	chsink "threatfuse/internal/export/clickhouse"
	kafkasink "threatfuse/internal/export/kafka"
	"threatfuse/internal/export/notify"
	"threatfuse/internal/fusion"
	"threatfuse/internal/ingest"
	"threatfuse/internal/intel"
	"threatfuse/internal/pipeline"
	"threatfuse/internal/response"
	"threatfuse/internal/schema"
	"threatfuse/internal/suppress"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"bus_buffer_size", cfg.Bus.BufferSize,
		"kafka_enabled", cfg.Sinks.Kafka.Enabled,
		"clickhouse_enabled", cfg.Sinks.ClickHouse.Enabled,
		"notify_enabled", cfg.Sinks.Notify.Enabled,
	)

	pipe, cleanup, err := buildPipeline(cfg)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe.Start(ctx)

	handler := ingest.NewHandler(pipe).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", handler.HandleEvents)
	mux.HandleFunc("GET /health", handler.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting ingest server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new events, then drain in-flight ones.
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	pipe.Close()
	cancel()
	cleanup()

	for name, m := range pipe.Stats() {
		slog.Info("stream drained",
			"stream", name,
			"published", m.Pushed,
			"delivered", m.Popped,
			"dropped", m.Dropped)
	}

	slog.Info("shutdown complete")
}

// setupLogging configures the default slog logger.
func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// buildPipeline constructs the stages, the bus, and the enabled sinks.
// The returned cleanup closes sink connections after the bus drains.
func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, func(), error) {
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})

	signatures := detect.BuiltinSignatures()
	if cfg.Detection.SignatureFile != "" {
		var err error
		signatures, err = detect.LoadSignatures(cfg.Detection.SignatureFile, signatures)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load signatures: %w", err)
		}
	}
	detector, err := detect.New(signatures, detect.DefaultSeverityWeights())
	if err != nil {
		return nil, nil, err
	}

	analyzer := behavior.New(
		behavior.DefaultProcessProfiles(),
		behavior.DefaultUserProfiles(),
		behavior.DefaultWeights(),
	)

	intelTables := intel.DefaultTables()
	if cfg.Intel.TablesFile != "" {
		intelTables, err = intel.LoadTables(cfg.Intel.TablesFile, intelTables)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load intel tables: %w", err)
		}
	}

	fuser, err := fusion.New(cfg.Fusion)
	if err != nil {
		return nil, nil, err
	}

	eventBus := bus.New(bus.Config{
		BufferSize:     cfg.Bus.BufferSize,
		OverflowPolicy: bus.OverflowPolicy(cfg.Bus.OverflowPolicy),
		PollInterval:   cfg.Bus.PollInterval,
		DrainWait:      cfg.Bus.DrainWait,
	})

	pipe, err := pipeline.New(eventBus, validator, pipeline.Stages{
		Enricher:   enrich.New(enrich.DefaultTables()),
		Detector:   detector,
		Analyzer:   analyzer,
		Suppressor: suppress.New(cfg.Suppression, analyzer),
		Attributor: intel.New(intelTables),
		Correlator: correlation.New(cfg.Correlation),
		Fuser:      fuser,
		Dispatcher: response.New(cfg.Response),
	})
	if err != nil {
		return nil, nil, err
	}

	var closers []func()

	if cfg.Sinks.Kafka.Enabled {
		producer, err := kafkasink.NewProducer(kafkasink.Config{
			Brokers:      cfg.Sinks.Kafka.Brokers,
			Topic:        cfg.Sinks.Kafka.Topic,
			BatchSize:    cfg.Sinks.Kafka.BatchSize,
			BatchTimeout: cfg.Sinks.Kafka.BatchTimeout,
			MaxRetries:   3,
			RequiredAcks: cfg.Sinks.Kafka.RequiredAcks,
		}, slog.Default())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize kafka sink: %w", err)
		}
		pipe.Subscribe(bus.StreamAlerts, producer.Handler())
		closers = append(closers, func() {
			if err := producer.Close(); err != nil {
				slog.Error("kafka producer close error", "error", err)
			}
		})
	}

	if cfg.Sinks.ClickHouse.Enabled {
		client, err := chsink.NewClient(chsink.Config{
			Hosts:           cfg.Sinks.ClickHouse.Hosts,
			Database:        cfg.Sinks.ClickHouse.Database,
			Username:        cfg.Sinks.ClickHouse.Username,
			Password:        cfg.Sinks.ClickHouse.Password,
			MaxOpenConns:    cfg.Sinks.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Sinks.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Sinks.ClickHouse.ConnMaxLifetime,
			DialTimeout:     cfg.Sinks.ClickHouse.DialTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = client.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return nil, nil, err
		}

		writer := chsink.NewBatchWriter(client, chsink.BatchWriterConfig{
			BatchSize:     cfg.Sinks.ClickHouse.BatchWriter.BatchSize,
			FlushInterval: cfg.Sinks.ClickHouse.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Sinks.ClickHouse.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Sinks.ClickHouse.BatchWriter.RetryDelay,
		})
		pipe.Subscribe(bus.StreamAlerts, writer.Handler())
		closers = append(closers, func() {
			if err := writer.Close(); err != nil {
				slog.Error("batch writer close error", "error", err)
			}
			if err := client.Close(); err != nil {
				slog.Error("clickhouse close error", "error", err)
			}
		})
	}

	if cfg.Sinks.Notify.Enabled {
		notifier, err := notify.NewNotifier(notify.Config{
			Addr:     cfg.Sinks.Notify.Addr,
			Password: cfg.Sinks.Notify.Password,
			DB:       cfg.Sinks.Notify.DB,
			Channel:  cfg.Sinks.Notify.Channel,
		}, slog.Default())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize notifier: %w", err)
		}
		pipe.Subscribe(bus.StreamIncidents, notifier.Handler())
		closers = append(closers, func() {
			if err := notifier.Close(); err != nil {
				slog.Error("notifier close error", "error", err)
			}
		})
	}

	cleanup := func() {
		for _, fn := range closers {
			fn()
		}
	}

	return pipe, cleanup, nil
}
