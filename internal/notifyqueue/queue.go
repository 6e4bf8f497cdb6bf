package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	"alerthub/internal/domain"
)

// Job is one deferred rule dispatch for one group transition.
// Params: rule name, group fingerprint, transition kind, and affected instance.
// Returns: queue unit consumed by delivery workers, which reload state before sending.
type Job struct {
	ID          string                `json:"id"`
	Rule        string                `json:"rule"`
	Fingerprint string                `json:"fingerprint"`
	Transition  domain.TransitionKind `json:"transition"`
	InstanceID  string                `json:"instance_id,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// DLQReason identifies reason why dispatch job was moved to dead-letter queue.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for dispatch queue failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID creates deterministic id for one rule dispatch.
// Params: fingerprint, rule name, transition kind, and instance id.
// Returns: stable SHA1-based id used for JetStream publish dedup.
func BuildJobID(fingerprint, rule string, transition domain.TransitionKind, instanceID string) string {
	raw := fingerprint + "|" + rule + "|" + string(transition) + "|" + instanceID
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewJob builds job with deterministic id.
// Params: rule name, fingerprint, transition, instance id, and creation time.
// Returns: ready-to-enqueue job.
func NewJob(rule, fingerprint string, transition domain.TransitionKind, instanceID string, at time.Time) Job {
	return Job{
		ID:          BuildJobID(fingerprint, rule, transition, instanceID),
		Rule:        rule,
		Fingerprint: fingerprint,
		Transition:  transition,
		InstanceID:  instanceID,
		CreatedAt:   at.UTC(),
	}
}

// Producer enqueues dispatch jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Handler processes one job; errors marked permanent go to DLQ, others are redelivered.
type Handler func(ctx context.Context, job Job) error
