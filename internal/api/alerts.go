package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"alerthub/internal/domain"
	"alerthub/internal/faults"
	"alerthub/internal/ingest"
	"alerthub/internal/state"

	"github.com/go-chi/chi/v5"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxActionBody    = 64 << 10
)

type alertHandler struct {
	alerts Alerts
	logger *slog.Logger
}

type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type listResponse struct {
	Items []domain.AlertGroup `json:"items"`
	Count int                 `json:"count"`
}

type acknowledgeRequest struct {
	User    string `json:"user"`
	Comment string `json:"comment"`
}

type commentRequest struct {
	User    string `json:"user"`
	Content string `json:"content"`
}

// list handles GET /api/v1/alerts?status=&severity=&label=k=v&limit=.
func (h *alertHandler) list(writer http.ResponseWriter, request *http.Request) {
	filter, err := parseListFilter(request)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	groups, err := h.alerts.List(request.Context(), filter)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	if groups == nil {
		groups = []domain.AlertGroup{}
	}
	ingest.WriteJSON(writer, http.StatusOK, listResponse{Items: groups, Count: len(groups)})
}

// get handles GET /api/v1/alerts/{fingerprint}.
func (h *alertHandler) get(writer http.ResponseWriter, request *http.Request) {
	record, err := h.alerts.Get(request.Context(), chi.URLParam(request, "fingerprint"))
	if err != nil {
		h.writeError(writer, err)
		return
	}
	ingest.WriteJSON(writer, http.StatusOK, record)
}

// acknowledge handles POST /api/v1/alerts/{fingerprint}/acknowledge.
func (h *alertHandler) acknowledge(writer http.ResponseWriter, request *http.Request) {
	var body acknowledgeRequest
	if err := decodeBody(writer, request, &body); err != nil {
		h.writeError(writer, err)
		return
	}
	if strings.TrimSpace(body.User) == "" {
		h.writeError(writer, &faults.ValidationError{Field: "user", Reason: "is required"})
		return
	}
	group, err := h.alerts.Acknowledge(request.Context(), chi.URLParam(request, "fingerprint"), body.User, body.Comment)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	ingest.WriteJSON(writer, http.StatusOK, group)
}

// comment handles POST /api/v1/alerts/{fingerprint}/comments.
func (h *alertHandler) comment(writer http.ResponseWriter, request *http.Request) {
	var body commentRequest
	if err := decodeBody(writer, request, &body); err != nil {
		h.writeError(writer, err)
		return
	}
	if strings.TrimSpace(body.User) == "" {
		h.writeError(writer, &faults.ValidationError{Field: "user", Reason: "is required"})
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		h.writeError(writer, &faults.ValidationError{Field: "content", Reason: "is required"})
		return
	}
	comment, err := h.alerts.AddComment(request.Context(), chi.URLParam(request, "fingerprint"), body.User, body.Content)
	if err != nil {
		h.writeError(writer, err)
		return
	}
	ingest.WriteJSON(writer, http.StatusCreated, comment)
}

// writeError maps query/action errors to HTTP responses.
func (h *alertHandler) writeError(writer http.ResponseWriter, err error) {
	var validationErr *faults.ValidationError
	var timeout *faults.ConcurrencyTimeout
	switch {
	case errors.As(err, &validationErr):
		ingest.WriteJSON(writer, http.StatusBadRequest, errorResponse{Error: "validation failed", Field: validationErr.Field, Detail: validationErr.Reason})
	case errors.Is(err, state.ErrNotFound):
		ingest.WriteJSON(writer, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.As(err, &timeout):
		ingest.WriteJSON(writer, http.StatusServiceUnavailable, errorResponse{Error: "group busy, retry later"})
	default:
		h.logger.Error("alert api request failed", "error", err.Error())
		ingest.WriteJSON(writer, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// parseListFilter reads list query parameters.
// Params: request.
// Returns: filter or ValidationError naming the bad parameter.
func parseListFilter(request *http.Request) (state.ListFilter, error) {
	query := request.URL.Query()
	filter := state.ListFilter{Limit: defaultListLimit, Severity: query.Get("severity")}

	if raw := query.Get("status"); raw != "" {
		status := domain.Status(raw)
		if !status.Known() {
			return state.ListFilter{}, &faults.ValidationError{Field: "status", Reason: "must be firing or resolved"}
		}
		filter.Status = status
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return state.ListFilter{}, &faults.ValidationError{Field: "limit", Reason: "must be a positive integer"}
		}
		filter.Limit = min(limit, maxListLimit)
	}
	for _, raw := range query["label"] {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return state.ListFilter{}, &faults.ValidationError{Field: "label", Reason: "must be key=value"}
		}
		if filter.Labels == nil {
			filter.Labels = make(map[string]string)
		}
		filter.Labels[key] = value
	}
	return filter, nil
}

// decodeBody decodes bounded JSON request body.
func decodeBody(writer http.ResponseWriter, request *http.Request, out any) error {
	request.Body = http.MaxBytesReader(writer, request.Body, maxActionBody)
	defer request.Body.Close()
	if err := json.NewDecoder(request.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &faults.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
