package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"alerthub/internal/domain"
	"alerthub/internal/faults"
	"alerthub/internal/metrics"
)

// ErrQueueFull reports that accepted alerts cannot be buffered right now.
var ErrQueueFull = errors.New("ingest queue full")

// Sink receives normalized alerts accepted by the webhook.
// Params: request context and alerts in payload order.
// Returns: ErrQueueFull on backpressure or another submit error.
type Sink interface {
	Submit(ctx context.Context, alerts []domain.NormalizedAlert) error
}

// SinkFunc adapts plain function to Sink.
type SinkFunc func(ctx context.Context, alerts []domain.NormalizedAlert) error

// Submit calls f.
func (f SinkFunc) Submit(ctx context.Context, alerts []domain.NormalizedAlert) error {
	return f(ctx, alerts)
}

// WebhookHandler decodes Alertmanager-style payloads and forwards them to sink.
// Params: sink receives valid alerts, policy selects partial-batch handling, max body limits payload size.
// Returns: HTTP handler for the webhook endpoint.
type WebhookHandler struct {
	sink        Sink
	policy      string
	maxBodySize int64
	logger      *slog.Logger
}

// NewWebhookHandler creates webhook HTTP handler.
// Params: sink, batch policy, max request body size in bytes, and logger.
// Returns: configured handler.
func NewWebhookHandler(sink Sink, policy string, maxBodySize int64, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WebhookHandler{sink: sink, policy: policy, maxBodySize: maxBodySize, logger: logger}
}

type acceptedResponse struct {
	Status   string `json:"status"`
	Alerts   int    `json:"alerts"`
	Rejected int    `json:"rejected"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ServeHTTP handles one webhook request.
// Params: HTTP request/response writer pair.
// Returns: 202 on acceptance, 400 on invalid payload, 503 on backpressure, 500 otherwise.
func (h *WebhookHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		WriteJSON(writer, http.StatusBadRequest, errorResponse{Error: "cannot read body: " + err.Error()})
		return
	}

	batch, err := Normalize(body)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	for _, failure := range batch.Failures {
		h.logger.Warn("webhook alert rejected", "index", failure.Index, "field", failure.Field, "error", failure.Error())
	}
	alerts, err := batch.Resolve(h.policy)
	if err != nil {
		metrics.AlertsReceivedTotal.WithLabelValues("rejected").Add(float64(len(batch.Failures)))
		h.writeError(writer, err)
		return
	}
	metrics.AlertsReceivedTotal.WithLabelValues("rejected").Add(float64(len(batch.Failures)))

	if len(alerts) > 0 {
		if err := h.sink.Submit(request.Context(), alerts); err != nil {
			h.writeError(writer, err)
			return
		}
	}
	metrics.AlertsReceivedTotal.WithLabelValues("accepted").Add(float64(len(alerts)))
	WriteJSON(writer, http.StatusAccepted, acceptedResponse{
		Status:   "accepted",
		Alerts:   len(alerts),
		Rejected: len(batch.Failures),
	})
}

// writeError maps pipeline error to HTTP response.
// Params: response writer and error.
// Returns: none.
func (h *WebhookHandler) writeError(writer http.ResponseWriter, err error) {
	var validationErr *faults.ValidationError
	var parseErr *faults.ParseError
	switch {
	case errors.As(err, &validationErr):
		WriteJSON(writer, http.StatusBadRequest, errorResponse{Error: "validation failed", Field: validationErr.Field, Detail: validationErr.Reason})
	case errors.As(err, &parseErr):
		WriteJSON(writer, http.StatusBadRequest, errorResponse{Error: "validation failed", Field: parseErr.Field, Detail: parseErr.Error()})
	case errors.Is(err, ErrQueueFull):
		WriteJSON(writer, http.StatusServiceUnavailable, errorResponse{Error: "queue full"})
	default:
		h.logger.Error("webhook submit failed", "error", err.Error())
		WriteJSON(writer, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// WriteJSON writes JSON response with status.
// Params: response writer, HTTP status, and payload.
// Returns: none.
func WriteJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}
