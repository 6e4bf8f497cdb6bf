package domain

import (
	"sort"
	"time"
)

// Status is alert lifecycle status as carried by webhook payloads.
// Params: firing/resolved constants; other values pass through normalization untouched.
// Returns: group and instance status.
type Status string

const (
	// StatusFiring indicates active alert.
	StatusFiring Status = "firing"
	// StatusResolved indicates alert was closed.
	StatusResolved Status = "resolved"
)

// Known reports whether status is one of lifecycle values the engine accepts.
// Params: none.
// Returns: true for firing/resolved.
func (s Status) Known() bool {
	return s == StatusFiring || s == StatusResolved
}

// ResolutionType records how an instance was closed.
type ResolutionType string

const (
	// ResolutionNormal marks instance closed by its own resolved event.
	ResolutionNormal ResolutionType = "normal"
	// ResolutionInferred marks instance closed because a later event superseded it.
	ResolutionInferred ResolutionType = "inferred"
)

// NormalizedAlert is one canonical alert produced by the payload normalizer.
// Params: identity, status, label/annotation maps, and parsed timestamps.
// Returns: input for the lifecycle engine.
type NormalizedAlert struct {
	Fingerprint  string            `json:"fingerprint"`
	Status       Status            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"starts_at"`
	EndsAt       *time.Time        `json:"ends_at,omitempty"`
	GeneratorURL string            `json:"generator_url,omitempty"`
	Source       string            `json:"source,omitempty"`
}

// AlertGroup is the durable entity for all occurrences sharing a fingerprint.
// Params: identity, labels, status flags, and occurrence timestamps.
// Returns: group snapshot for matcher, renderer, and API.
type AlertGroup struct {
	ID               string            `json:"id"`
	Fingerprint      string            `json:"fingerprint"`
	Name             string            `json:"name"`
	Labels           map[string]string `json:"labels"`
	CurrentStatus    Status            `json:"current_status"`
	Severity         string            `json:"severity"`
	Instance         string            `json:"instance,omitempty"`
	Source           string            `json:"source,omitempty"`
	Acknowledged     bool              `json:"acknowledged"`
	AcknowledgedBy   string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time        `json:"acknowledged_at,omitempty"`
	Silenced         bool              `json:"silenced"`
	SilencedUntil    *time.Time        `json:"silenced_until,omitempty"`
	FirstOccurrence  time.Time         `json:"first_occurrence"`
	LastOccurrence   time.Time         `json:"last_occurrence"`
	TotalFiringCount int               `json:"total_firing_count"`
}

// AlertInstance is one occurrence (firing or resolved event) of a group.
// Params: status, time window, annotations, and resolution metadata.
// Returns: immutable occurrence except for closing the end time.
type AlertInstance struct {
	ID             string            `json:"id"`
	Status         Status            `json:"status"`
	StartsAt       time.Time         `json:"starts_at"`
	EndsAt         *time.Time        `json:"ends_at,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`
	GeneratorURL   string            `json:"generator_url,omitempty"`
	ResolutionType ResolutionType    `json:"resolution_type,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
}

// Open reports whether instance is still firing without an end time.
func (i AlertInstance) Open() bool {
	return i.Status == StatusFiring && i.EndsAt == nil
}

// AckEntry is one append-only acknowledgement history row.
type AckEntry struct {
	ID             string    `json:"id"`
	Fingerprint    string    `json:"fingerprint"`
	InstanceID     string    `json:"instance_id,omitempty"`
	AcknowledgedBy string    `json:"acknowledged_by"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
	Comment        string    `json:"comment,omitempty"`
}

// Comment is one append-only free-text annotation on a group.
type Comment struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	User        string    `json:"user"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// PendingDelivery marks a queued delivery that will produce a rule's first external reference.
type PendingDelivery struct {
	JobID string    `json:"job_id"`
	Since time.Time `json:"since"`
}

// GroupRecord is the persisted document kept per fingerprint.
// Params: group state, instance history, append-only logs, per-rule dispatch references,
// and per-rule queued deliveries that have not produced a reference yet.
// Returns: unit of CAS persistence in state backends.
type GroupRecord struct {
	Group           AlertGroup                 `json:"group"`
	Instances       []AlertInstance            `json:"instances"`
	Acks            []AckEntry                 `json:"acks,omitempty"`
	Comments        []Comment                  `json:"comments,omitempty"`
	DispatchRefs    map[string]string          `json:"dispatch_refs,omitempty"`
	PendingDispatch map[string]PendingDelivery `json:"pending_dispatch,omitempty"`
}

// LatestInstance returns most recently appended instance.
// Params: none.
// Returns: instance and true, or zero value and false for empty history.
func (r GroupRecord) LatestInstance() (AlertInstance, bool) {
	if len(r.Instances) == 0 {
		return AlertInstance{}, false
	}
	return r.Instances[len(r.Instances)-1], true
}

// Clone returns deep copy safe to mutate without touching stored snapshot.
// Params: none.
// Returns: copied record.
func (r GroupRecord) Clone() GroupRecord {
	out := r
	out.Group.Labels = CloneMap(r.Group.Labels)
	out.Instances = make([]AlertInstance, len(r.Instances))
	for i, instance := range r.Instances {
		instance.Annotations = CloneMap(instance.Annotations)
		out.Instances[i] = instance
	}
	out.Acks = append([]AckEntry(nil), r.Acks...)
	out.Comments = append([]Comment(nil), r.Comments...)
	out.DispatchRefs = CloneMap(r.DispatchRefs)
	if r.PendingDispatch != nil {
		out.PendingDispatch = make(map[string]PendingDelivery, len(r.PendingDispatch))
		for rule, pending := range r.PendingDispatch {
			out.PendingDispatch[rule] = pending
		}
	}
	return out
}

// CloneMap copies string map; nil stays nil.
func CloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

// SortedKeys returns map keys in ascending order.
func SortedKeys(in map[string]string) []string {
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
