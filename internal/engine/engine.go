package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"alerthub/internal/clock"
	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/internal/faults"
	"alerthub/internal/logging"
	"alerthub/internal/matcher"
	"alerthub/internal/state"

	"github.com/google/uuid"
)

// maxSaveAttempts bounds load/transition/save retries on revision conflict.
const maxSaveAttempts = 3

// Publisher receives lifecycle events after commits.
type Publisher interface {
	Publish(ctx context.Context, event domain.LifecycleEvent) error
}

// Outcome describes one committed (or no-op) apply.
// Params: group snapshot after apply, transition kind, affected instance, dispatch refs, and anomaly flag.
// Returns: routing input for matcher and dispatcher.
type Outcome struct {
	Group    domain.AlertGroup
	Kind     domain.TransitionKind
	Instance *domain.AlertInstance
	Refs     map[string]string
	Anomaly  bool
}

// Options wires engine collaborators.
type Options struct {
	Store     state.Store
	Clock     clock.Clock
	Publisher Publisher
	Logger    *slog.Logger
	LockWait  time.Duration
	Silences  []config.SilenceConfig
	NewID     func() string
}

// Engine applies normalized alerts to fingerprint groups under per-fingerprint locks.
// Params: store, clock, event publisher, and live silence snapshot.
// Returns: lifecycle transitions for the processing pipeline.
type Engine struct {
	store     state.Store
	clock     clock.Clock
	publisher Publisher
	logger    *slog.Logger
	lockWait  time.Duration
	newID     func() string
	silences  atomic.Pointer[[]config.SilenceConfig]
}

// New constructs lifecycle engine.
// Params: engine options; nil clock/logger/ID generator fall back to defaults.
// Returns: ready engine.
func New(opts Options) *Engine {
	e := &Engine{
		store:     opts.Store,
		clock:     opts.Clock,
		publisher: opts.Publisher,
		logger:    logging.OrDiscard(opts.Logger),
		lockWait:  opts.LockWait,
		newID:     opts.NewID,
	}
	if e.clock == nil {
		e.clock = clock.RealClock{}
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.lockWait <= 0 {
		e.lockWait = 5 * time.Second
	}
	e.SetSilences(opts.Silences)
	return e
}

// SetSilences swaps silence snapshot used by subsequent applies.
// Params: silences from the latest config snapshot.
// Returns: none.
func (e *Engine) SetSilences(silences []config.SilenceConfig) {
	copied := append([]config.SilenceConfig(nil), silences...)
	e.silences.Store(&copied)
}

// Apply runs one normalized alert through the lifecycle state machine.
// Params: context and normalized alert.
// Returns: outcome, *faults.ConcurrencyTimeout when the lock wait expires, or validation/store error.
func (e *Engine) Apply(ctx context.Context, alert domain.NormalizedAlert) (Outcome, error) {
	if !alert.Status.Known() {
		return Outcome{}, &faults.ValidationError{Field: "status", Reason: fmt.Sprintf("unsupported value %q", alert.Status)}
	}

	var outcome Outcome
	err := e.mutate(ctx, alert.Fingerprint, func(record *domain.GroupRecord, exists bool) (bool, error) {
		now := e.clock.Now()
		result, err := transition(record, exists, alert, now, e.newID)
		if err != nil {
			return false, err
		}
		outcome = Outcome{Kind: result.kind, Instance: result.instance, Anomaly: result.anomaly}
		if result.kind == domain.TransitionDuplicateNoOp {
			outcome.Group = record.Group
			outcome.Refs = domain.CloneMap(record.DispatchRefs)
			return false, nil
		}
		e.applySilence(&record.Group, now)
		outcome.Group = record.Group
		outcome.Refs = domain.CloneMap(record.DispatchRefs)
		return true, nil
	}, func(revision uint64) {
		e.publish(ctx, outcome.Group, outcome.Kind, revision)
	})
	if err != nil {
		return Outcome{}, err
	}
	outcome.Group.Labels = domain.CloneMap(outcome.Group.Labels)

	if outcome.Anomaly {
		e.logger.Warn("resolved alert for unknown fingerprint",
			"fingerprint", alert.Fingerprint,
			"alertname", outcome.Group.Name,
		)
	}
	return outcome, nil
}

// Acknowledge marks group acknowledged and records history.
// Params: context, fingerprint, acknowledging user, and optional comment.
// Returns: updated group or state.ErrNotFound.
func (e *Engine) Acknowledge(ctx context.Context, fingerprint, user, comment string) (domain.AlertGroup, error) {
	var group domain.AlertGroup
	err := e.mutate(ctx, fingerprint, func(record *domain.GroupRecord, exists bool) (bool, error) {
		if !exists {
			return false, state.ErrNotFound
		}
		now := e.clock.Now()
		record.Group.Acknowledged = true
		record.Group.AcknowledgedBy = user
		record.Group.AcknowledgedAt = &now

		entry := domain.AckEntry{
			ID:             e.newID(),
			Fingerprint:    fingerprint,
			AcknowledgedBy: user,
			AcknowledgedAt: now,
			Comment:        comment,
		}
		if latest, ok := record.LatestInstance(); ok {
			entry.InstanceID = latest.ID
		}
		record.Acks = append(record.Acks, entry)

		content := "Acknowledged by " + user
		if comment != "" {
			content += ": " + comment
		}
		record.Comments = append(record.Comments, domain.Comment{
			ID:          e.newID(),
			Fingerprint: fingerprint,
			User:        user,
			Content:     content,
			CreatedAt:   now,
		})
		group = record.Group
		return true, nil
	}, func(revision uint64) {
		e.publish(ctx, group, domain.TransitionAcknowledged, revision)
	})
	if err != nil {
		return domain.AlertGroup{}, err
	}
	return group, nil
}

// AddComment appends free-text comment to group.
// Params: context, fingerprint, author, and content.
// Returns: stored comment or state.ErrNotFound.
func (e *Engine) AddComment(ctx context.Context, fingerprint, user, content string) (domain.Comment, error) {
	var comment domain.Comment
	err := e.mutate(ctx, fingerprint, func(record *domain.GroupRecord, exists bool) (bool, error) {
		if !exists {
			return false, state.ErrNotFound
		}
		comment = domain.Comment{
			ID:          e.newID(),
			Fingerprint: fingerprint,
			User:        user,
			Content:     content,
			CreatedAt:   e.clock.Now(),
		}
		record.Comments = append(record.Comments, comment)
		return true, nil
	}, nil)
	return comment, err
}

// RecordDispatchRef stores external reference returned by a rule's channel.
// Params: context, fingerprint, rule name, and reference (empty ref is ignored).
// Returns: store error or state.ErrNotFound.
func (e *Engine) RecordDispatchRef(ctx context.Context, fingerprint, rule, ref string) error {
	if ref == "" {
		return nil
	}
	return e.CompleteDispatch(ctx, fingerprint, rule, "", ref)
}

// MarkDispatchPending records that a queued job will create rule's first external reference.
// Params: context, fingerprint, rule name, and job ID.
// Returns: true when the marker now belongs to jobID; false when the rule already has a
// reference or another job holds the marker.
func (e *Engine) MarkDispatchPending(ctx context.Context, fingerprint, rule, jobID string) (bool, error) {
	owned := false
	err := e.mutate(ctx, fingerprint, func(record *domain.GroupRecord, exists bool) (bool, error) {
		if !exists {
			return false, state.ErrNotFound
		}
		if record.DispatchRefs[rule] != "" {
			return false, nil
		}
		if pending, ok := record.PendingDispatch[rule]; ok {
			owned = pending.JobID == jobID
			return false, nil
		}
		if record.PendingDispatch == nil {
			record.PendingDispatch = make(map[string]domain.PendingDelivery)
		}
		record.PendingDispatch[rule] = domain.PendingDelivery{JobID: jobID, Since: e.clock.Now()}
		owned = true
		return true, nil
	}, nil)
	return owned, err
}

// CompleteDispatch stores a delivery reference and releases the pending marker held by jobID.
// Params: context, fingerprint, rule name, job ID (empty for inline delivery), and reference (may be empty).
// Returns: store error or state.ErrNotFound.
func (e *Engine) CompleteDispatch(ctx context.Context, fingerprint, rule, jobID, ref string) error {
	return e.mutate(ctx, fingerprint, func(record *domain.GroupRecord, exists bool) (bool, error) {
		if !exists {
			return false, state.ErrNotFound
		}
		changed := false
		if ref != "" && record.DispatchRefs[rule] != ref {
			if record.DispatchRefs == nil {
				record.DispatchRefs = make(map[string]string)
			}
			record.DispatchRefs[rule] = ref
			changed = true
		}
		if pending, ok := record.PendingDispatch[rule]; ok && jobID != "" && pending.JobID == jobID {
			delete(record.PendingDispatch, rule)
			changed = true
		}
		return changed, nil
	}, nil)
}

// Get loads full record for one fingerprint.
// Params: context and fingerprint.
// Returns: record or state.ErrNotFound.
func (e *Engine) Get(ctx context.Context, fingerprint string) (domain.GroupRecord, error) {
	record, _, err := e.store.Load(ctx, fingerprint)
	return record, err
}

// List returns groups passing filter.
// Params: context and filter.
// Returns: groups newest first.
func (e *Engine) List(ctx context.Context, filter state.ListFilter) ([]domain.AlertGroup, error) {
	return e.store.List(ctx, filter)
}

// mutate runs fn on the current record under fingerprint lock with CAS retries.
// Params: context, fingerprint, mutation returning whether a save is needed, and optional
// commit hook run with the new revision before the lock is released.
// Returns: ConcurrencyTimeout on lock wait expiry, fn error, or store error.
func (e *Engine) mutate(ctx context.Context, fingerprint string, fn func(record *domain.GroupRecord, exists bool) (bool, error), committed func(revision uint64)) error {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	unlock, err := e.store.Lock(lockCtx, fingerprint)
	cancel()
	if err != nil {
		if errors.Is(err, state.ErrLockTimeout) {
			return &faults.ConcurrencyTimeout{Fingerprint: fingerprint, Wait: e.lockWait}
		}
		return fmt.Errorf("lock %s: %w", fingerprint, err)
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		record, revision, err := e.store.Load(ctx, fingerprint)
		exists := true
		if errors.Is(err, state.ErrNotFound) {
			exists = false
			revision = 0
			record = domain.GroupRecord{}
		} else if err != nil {
			return fmt.Errorf("load %s: %w", fingerprint, err)
		}

		save, err := fn(&record, exists)
		if err != nil || !save {
			return err
		}
		next, err := e.store.Save(ctx, record, revision)
		if err != nil {
			if errors.Is(err, state.ErrConflict) && attempt < maxSaveAttempts {
				e.logger.Debug("revision conflict, retrying", "fingerprint", fingerprint, "attempt", attempt)
				continue
			}
			return fmt.Errorf("save %s: %w", fingerprint, err)
		}
		if committed != nil {
			committed(next)
		}
		return nil
	}
}

// applySilence evaluates silences against group labels.
func (e *Engine) applySilence(group *domain.AlertGroup, now time.Time) {
	silences := e.silences.Load()
	if silences == nil {
		group.Silenced, group.SilencedUntil = false, nil
		return
	}
	group.Silenced, group.SilencedUntil = matcher.ActiveSilence(*silences, group.Labels, now)
}

// publish emits lifecycle event while the fingerprint lock is held, so events leave in commit order.
// Failures are logged and never undo the commit.
func (e *Engine) publish(ctx context.Context, group domain.AlertGroup, kind domain.TransitionKind, revision uint64) {
	if e.publisher == nil {
		return
	}
	event := domain.NewLifecycleEvent(group, kind, e.clock.Now())
	event.Revision = revision
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("lifecycle event publish failed",
			"fingerprint", group.Fingerprint,
			"transition", string(kind),
			"error", err.Error(),
		)
	}
}
