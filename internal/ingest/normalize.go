package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/internal/faults"
)

const (
	// zeroTimeSentinel is what Alertmanager sends for "no end time".
	zeroTimeSentinel = "0001-01-01T00:00:00Z"
	maxEchoedValue   = 64
)

// Batch is the normalizer output for one webhook body.
// Params: successfully normalized alerts and per-alert parse failures.
// Returns: batch resolved by the configured batch policy.
type Batch struct {
	Alerts   []domain.NormalizedAlert
	Failures []*faults.ParseError
}

// Resolve applies batch policy to normalization outcome.
// Params: policy name (skip_invalid or abort).
// Returns: alerts to process, or the first ParseError under abort.
func (b Batch) Resolve(policy string) ([]domain.NormalizedAlert, error) {
	if policy == config.BatchPolicyAbort && len(b.Failures) > 0 {
		return nil, b.Failures[0]
	}
	return b.Alerts, nil
}

// wireAlert mirrors one Alertmanager alert object.
type wireAlert struct {
	Fingerprint  string            `json:"fingerprint"`
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     *string           `json:"startsAt"`
	EndsAt       *string           `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
}

// Normalize converts a webhook body into canonical alerts.
// Params: raw JSON body, either {"alerts":[...]} or a single alert object.
// Returns: batch with per-alert failures, or *faults.ValidationError for structural problems.
func Normalize(raw []byte) (Batch, error) {
	elements, err := splitPayload(raw)
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{Alerts: make([]domain.NormalizedAlert, 0, len(elements))}
	for index, element := range elements {
		alert, parseErr := normalizeOne(index, element)
		if parseErr != nil {
			batch.Failures = append(batch.Failures, parseErr)
			continue
		}
		batch.Alerts = append(batch.Alerts, alert)
	}
	return batch, nil
}

// splitPayload detects envelope vs single alert and returns raw alert elements.
// Params: raw JSON body.
// Returns: raw alert objects or validation error naming the alerts field.
func splitPayload(raw []byte) ([]json.RawMessage, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, &faults.ValidationError{Field: "alerts", Reason: "body must be a JSON object"}
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	var top map[string]json.RawMessage
	if err := decoder.Decode(&top); err != nil {
		return nil, &faults.ValidationError{Field: "alerts", Reason: "body is not valid JSON: " + err.Error()}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, &faults.ValidationError{Field: "alerts", Reason: err.Error()}
	}

	if rawAlerts, ok := top["alerts"]; ok {
		var elements []json.RawMessage
		if err := json.Unmarshal(rawAlerts, &elements); err != nil {
			return nil, &faults.ValidationError{Field: "alerts", Reason: "must be an array"}
		}
		if len(elements) == 0 {
			return nil, &faults.ValidationError{Field: "alerts", Reason: "must contain at least one alert"}
		}
		return elements, nil
	}

	_, hasLabels := top["labels"]
	_, hasStatus := top["status"]
	if !hasLabels && !hasStatus {
		return nil, &faults.ValidationError{Field: "alerts", Reason: "is required"}
	}
	return []json.RawMessage{json.RawMessage(payload)}, nil
}

// normalizeOne converts one raw alert into canonical form.
// Params: batch index and raw alert JSON.
// Returns: normalized alert or parse error scoped to this alert.
func normalizeOne(index int, element json.RawMessage) (domain.NormalizedAlert, *faults.ParseError) {
	var wire wireAlert
	if err := json.Unmarshal(element, &wire); err != nil {
		return domain.NormalizedAlert{}, &faults.ParseError{Index: index, Field: "alert", Value: truncate(string(element)), Err: err}
	}

	startsAt, err := parseTimestamp(wire.StartsAt)
	if err != nil {
		return domain.NormalizedAlert{}, &faults.ParseError{Index: index, Field: "startsAt", Value: deref(wire.StartsAt), Err: err}
	}
	if startsAt == nil {
		return domain.NormalizedAlert{}, &faults.ParseError{Index: index, Field: "startsAt", Value: deref(wire.StartsAt), Err: errors.New("required")}
	}
	endsAt, err := parseTimestamp(wire.EndsAt)
	if err != nil {
		return domain.NormalizedAlert{}, &faults.ParseError{Index: index, Field: "endsAt", Value: deref(wire.EndsAt), Err: err}
	}

	labels := wire.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	annotations := wire.Annotations
	if annotations == nil {
		annotations = map[string]string{}
	}

	fingerprint := strings.TrimSpace(wire.Fingerprint)
	if fingerprint == "" {
		if len(labels) == 0 {
			return domain.NormalizedAlert{}, &faults.ParseError{Index: index, Field: "labels", Err: errors.New("fingerprint absent and no labels to derive it from")}
		}
		fingerprint = Fingerprint(labels)
	}

	return domain.NormalizedAlert{
		Fingerprint:  fingerprint,
		Status:       domain.Status(wire.Status),
		Labels:       labels,
		Annotations:  annotations,
		StartsAt:     *startsAt,
		EndsAt:       endsAt,
		GeneratorURL: wire.GeneratorURL,
		Source:       labels["source"],
	}, nil
}

// parseTimestamp parses ISO-8601 timestamp with optional fraction.
// Params: optional raw value.
// Returns: UTC time, nil for absent/empty/zero sentinel, or parse error.
func parseTimestamp(raw *string) (*time.Time, error) {
	if raw == nil {
		return nil, nil
	}
	value := strings.TrimSpace(*raw)
	if value == "" || value == zeroTimeSentinel {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, err
	}
	if parsed.IsZero() {
		return nil, nil
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func truncate(value string) string {
	if len(value) <= maxEchoedValue {
		return value
	}
	return value[:maxEchoedValue] + "..."
}
