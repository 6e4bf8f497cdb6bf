// Package api exposes the HTTP surface: webhook intake, alert queries and actions, and probes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/internal/logging"
	"alerthub/internal/metrics"
	"alerthub/internal/state"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Alerts is the group query/action surface used by handlers.
type Alerts interface {
	List(ctx context.Context, filter state.ListFilter) ([]domain.AlertGroup, error)
	Get(ctx context.Context, fingerprint string) (domain.GroupRecord, error)
	Acknowledge(ctx context.Context, fingerprint, user, comment string) (domain.AlertGroup, error)
	AddComment(ctx context.Context, fingerprint, user, content string) (domain.Comment, error)
}

// Options wires router collaborators.
// Params: HTTP paths, webhook handler, alert service, readiness probe, and logger.
type Options struct {
	HTTP    config.HTTPConfig
	Webhook http.Handler
	Alerts  Alerts
	Ready   func() bool
	Logger  *slog.Logger
}

// NewRouter builds chi router with all endpoints mounted.
// Params: router options.
// Returns: root HTTP handler.
func NewRouter(opts Options) http.Handler {
	logger := logging.OrDiscard(opts.Logger)
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get(opts.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	router.Get(opts.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if opts.Ready != nil && !opts.Ready() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	router.Handle(opts.HTTP.MetricsPath, promhttp.Handler())

	if opts.Webhook != nil {
		router.With(webhookMetrics).Post(opts.HTTP.WebhookPath, opts.Webhook.ServeHTTP)
	}
	if opts.Alerts != nil {
		handler := &alertHandler{alerts: opts.Alerts, logger: logger}
		router.Route("/api/v1/alerts", func(r chi.Router) {
			r.Get("/", handler.list)
			r.Get("/{fingerprint}", handler.get)
			r.Post("/{fingerprint}/acknowledge", handler.acknowledge)
			r.Post("/{fingerprint}/comments", handler.comment)
		})
	}
	return router
}

// statusWriter captures response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// webhookMetrics counts webhook responses by status code.
func webhookMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		wrapped := &statusWriter{ResponseWriter: writer, status: http.StatusOK}
		next.ServeHTTP(wrapped, request)
		metrics.WebhookRequestsTotal.WithLabelValues(strconv.Itoa(wrapped.status)).Inc()
	})
}
