package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ParseError reports one alert that could not be normalized.
// Params: batch index, offending field, and raw value.
// Returns: alert-scoped error that does not abort sibling alerts by itself.
type ParseError struct {
	Index int
	Field string
	Value string
	Err   error
}

// Error returns readable parse failure.
// Params: none.
// Returns: message naming index, field, and offending value.
func (e *ParseError) Error() string {
	msg := fmt.Sprintf("alerts[%d].%s: cannot parse %q", e.Index, e.Field, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes root cause.
func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError rejects a whole webhook request before it is queued.
// Params: field name and reason.
// Returns: request-scoped structural error.
type ValidationError struct {
	Field  string
	Reason string
}

// Error returns field-level validation message.
// Params: none.
// Returns: "<field>: <reason>".
func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// TemplateError reports rule template misconfiguration.
// Params: template name, owning rule, and reason.
// Returns: error that skips one rule's dispatch.
type TemplateError struct {
	Template string
	Rule     string
	Reason   string
}

// Error returns message naming template and rule.
// Params: none.
// Returns: formatted template failure.
func (e *TemplateError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("template %q: %s", e.Template, e.Reason)
	}
	return fmt.Sprintf("rule %q template %q: %s", e.Rule, e.Template, e.Reason)
}

// WithRule returns copy bound to rule name.
// Params: rule name.
// Returns: template error carrying the rule.
func (e *TemplateError) WithRule(rule string) *TemplateError {
	if e == nil {
		return nil
	}
	copied := *e
	copied.Rule = rule
	return &copied
}

// TransientDeliveryError marks a delivery failure worth retrying.
// Params: channel name and root cause.
// Returns: retryable delivery error.
type TransientDeliveryError struct {
	Channel string
	Err     error
}

// Error returns wrapped cause prefixed by channel.
func (e *TransientDeliveryError) Error() string {
	return e.Channel + ": transient: " + errorString(e.Err)
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryError marks a delivery failure that must not be retried.
// Params: channel name and root cause.
// Returns: non-retryable delivery error.
type PermanentDeliveryError struct {
	Channel string
	Err     error
}

// Error returns wrapped cause prefixed by channel.
func (e *PermanentDeliveryError) Error() string {
	return e.Channel + ": permanent: " + errorString(e.Err)
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

// Permanent reports non-retryable marker.
// Params: none.
// Returns: true.
func (*PermanentDeliveryError) Permanent() bool { return true }

// ConcurrencyTimeout reports per-fingerprint lock not acquired in time.
// Params: fingerprint and configured wait bound.
// Returns: error instructing caller to requeue the alert.
type ConcurrencyTimeout struct {
	Fingerprint string
	Wait        time.Duration
}

// Error returns lock timeout message.
func (e *ConcurrencyTimeout) Error() string {
	return fmt.Sprintf("fingerprint %s: lock not acquired within %s", e.Fingerprint, e.Wait)
}

// Permanent wraps error as permanent delivery failure for channel.
// Params: channel name and cause.
// Returns: wrapped error or nil.
func Permanent(channel string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentDeliveryError{Channel: channel, Err: err}
}

// Transient wraps error as transient delivery failure for channel.
// Params: channel name and cause.
// Returns: wrapped error or nil.
func Transient(channel string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientDeliveryError{Channel: channel, Err: err}
}

// IsPermanent reports whether error has permanent marker.
// Params: candidate error.
// Returns: true when non-retryable marker is present.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}

// IsTransient reports whether delivery error may be retried.
// Params: candidate error.
// Returns: true for transient, timeout, and unclassified errors; false for permanent and template errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	var templateErr *TemplateError
	if errors.As(err, &templateErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// FromHTTPStatus classifies non-2xx HTTP response.
// Params: channel name, status code, and trimmed response body.
// Returns: transient error for 408/425/429/5xx, permanent error for other statuses.
func FromHTTPStatus(channel string, status int, body string) error {
	var cause error
	body = strings.TrimSpace(body)
	if body == "" {
		cause = fmt.Errorf("status=%d", status)
	} else {
		cause = fmt.Errorf("status=%d body=%s", status, body)
	}
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Transient(channel, cause)
	default:
		return Permanent(channel, cause)
	}
}

// errorString returns safe textual representation for optional error value.
// Params: optional error.
// Returns: non-empty error string.
func errorString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// Classify names failure class for logs and metric labels.
// Params: candidate error.
// Returns: "template", "permanent", "transient", "canceled", or "" for nil.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var templateErr *TemplateError
	switch {
	case errors.As(err, &templateErr):
		return "template"
	case IsPermanent(err):
		return "permanent"
	case IsTransient(err):
		return "transient"
	default:
		return "canceled"
	}
}
