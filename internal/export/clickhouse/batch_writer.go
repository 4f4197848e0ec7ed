package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"threatfuse/internal/bus"
	"threatfuse/internal/schema"
)

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer
// configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter buffers verdicts and inserts them in batches.
type BatchWriter struct {
	client *Client
	config BatchWriterConfig

	buffer []*schema.ExportRecord
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewBatchWriter creates a BatchWriter and starts its flush timer.
func NewBatchWriter(client *Client, cfg BatchWriterConfig) *BatchWriter {
	bw := &BatchWriter{
		client: client,
		config: cfg,
		buffer: make([]*schema.ExportRecord, 0, cfg.BatchSize),
	}

	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)

	return bw
}

// Handler returns a bus handler that archives every fused alert.
// Subscribe it on the alerts stream.
func (bw *BatchWriter) Handler() bus.Handler {
	return func(_ context.Context, env *bus.Envelope) error {
		event, ok := env.Payload.(*schema.EnrichedEvent)
		if !ok {
			return fmt.Errorf("clickhouse sink: unexpected payload %T", env.Payload)
		}
		return bw.Write(schema.NewExportRecord(event, nil))
	}
}

// Write adds a record to the batch, flushing when full.
func (bw *BatchWriter) Write(record *schema.ExportRecord) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return fmt.Errorf("batch writer is closed")
	}

	bw.buffer = append(bw.buffer, record)

	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}

	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			slog.Error("verdict archive flush failed", "error", err)
		}
	}

	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	records := bw.buffer
	bw.buffer = make([]*schema.ExportRecord, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		if err := bw.insertBatch(records); err != nil {
			lastErr = err
			slog.Warn("verdict batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err)
			continue
		}

		atomic.AddUint64(&bw.totalWritten, uint64(len(records)))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(records)))
	return fmt.Errorf("verdict batch insert failed after %d retries: %w", bw.config.MaxRetries, lastErr)
}

// insertBatch inserts one batch of verdicts.
func (bw *BatchWriter) insertBatch(records []*schema.ExportRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO verdicts (
			event_id, timestamp, host,
			risk_level, confidence_level, final_risk_score, requires_response,
			technique_risk, behavioral_score, fp_probability, threat_score,
			record
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, record := range records {
		raw, err := record.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", record.EventID, err)
		}

		var riskLevel, confidence string
		var finalScore float64
		var requiresResponse uint8
		if fa := record.FinalAssessment; fa != nil {
			riskLevel = string(fa.RiskLevel)
			confidence = string(fa.ConfidenceLevel)
			finalScore = fa.FinalRiskScore
			if fa.RequiresResponse {
				requiresResponse = 1
			}
		}

		var techniqueRisk, behaviorScore, fpProbability, threatScore float64
		var host string
		mods := record.AnalysisModules
		if mods.AdvancedDetection != nil {
			techniqueRisk = mods.AdvancedDetection.RiskScore
		}
		if mods.BehavioralAnalysis != nil {
			behaviorScore = mods.BehavioralAnalysis.Score
		}
		if mods.MLFalsePositive != nil {
			fpProbability = mods.MLFalsePositive.Probability
		}
		if mods.ThreatIntelligence != nil {
			threatScore = mods.ThreatIntelligence.ThreatScore
		}
		if mods.Correlation != nil {
			host = mods.Correlation.Key
		}

		if err := batch.Append(
			record.EventID,
			record.Timestamp,
			host,
			riskLevel,
			confidence,
			finalScore,
			requiresResponse,
			techniqueRisk,
			behaviorScore,
			fpProbability,
			threatScore,
			string(raw),
		); err != nil {
			return fmt.Errorf("failed to append record: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("verdict batch inserted", "count", len(records))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer and flushes remaining records.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	bw.closed = true
	remaining := bw.buffer
	bw.buffer = nil
	bw.mu.Unlock()

	bw.flushTimer.Stop()

	if len(remaining) == 0 {
		return nil
	}
	return bw.insertBatch(remaining)
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: bw.pendingCount(),
	}
}

func (bw *BatchWriter) pendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
