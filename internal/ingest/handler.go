// Package ingest handles HTTP ingestion of raw events.
package ingest

import (
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"threatfuse/internal/bus"
	"threatfuse/internal/schema"
)

// Sink accepts validated events. Satisfied by pipeline.Pipeline.
type Sink interface {
	Ingest(raw schema.RawEvent) error
	Stats() map[string]bus.QueueMetrics
}

// Handler handles HTTP event ingestion.
type Handler struct {
	sink       Sink
	maxPayload int
	maxBatch   int
	startTime  time.Time
}

// NewHandler creates an ingest Handler.
func NewHandler(sink Sink) *Handler {
	return &Handler{
		sink:       sink,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// IngestRequest is the request body for event ingestion.
type IngestRequest struct {
	Events []EventInput `json:"events"`
}

// EventInput is the input format for events.
type EventInput struct {
	EventID     *uuid.UUID        `json:"event_id,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Description string            `json:"description"`
	RawPayload  string            `json:"raw_payload,omitempty"`
	ProcessPath string            `json:"process_path,omitempty"`
	Severity    int               `json:"severity"`
	Source      schema.SourceMeta `json:"source"`
}

// IngestResponse is the response for event ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleEvents handles POST /v1/events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	}

	if len(req.Events) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	// Rejections are per event; one malformed event never blocks the
	// rest of the batch.
	var accepted, rejected int
	var errors []string

	for i, input := range req.Events {
		if err := h.sink.Ingest(convertInput(input)); err != nil {
			rejected++
			errors = append(errors, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			continue
		}
		accepted++
	}

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		RequestID: requestID,
	}
	if len(errors) > 0 {
		resp.Errors = errors
	}

	status := http.StatusOK
	if accepted == 0 && rejected > 0 {
		status = http.StatusBadRequest
	} else if rejected > 0 {
		status = http.StatusMultiStatus // 207 for partial success
	}

	respondJSON(w, status, resp)
}

// convertInput converts an EventInput to a canonical RawEvent.
func convertInput(input EventInput) schema.RawEvent {
	event := schema.RawEvent{
		Timestamp:   input.Timestamp,
		Description: input.Description,
		RawPayload:  input.RawPayload,
		ProcessPath: input.ProcessPath,
		Severity:    input.Severity,
		Source:      input.Source,
	}

	if input.EventID != nil {
		event.EventID = *input.EventID
	} else {
		event.EventID = uuid.New()
	}

	return event
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.sink.Stats()

	status := "healthy"
	for _, m := range stats {
		if m.Capacity > 0 && m.Depth > int(float64(m.Capacity)*0.9) {
			status = "degraded"
		}
	}

	resp := map[string]any{
		"status":         status,
		"streams":        stats,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	}

	respondJSON(w, http.StatusOK, resp)
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
