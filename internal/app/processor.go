package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alerthub/internal/clock"
	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/internal/engine"
	"alerthub/internal/faults"
	"alerthub/internal/logging"
	"alerthub/internal/matcher"
	"alerthub/internal/metrics"
	"alerthub/internal/notify"
	"alerthub/internal/notifyqueue"
	"alerthub/internal/state"
)

// pendingDeliveryTTL bounds how long queued jobs wait for another job's first delivery of a rule.
const pendingDeliveryTTL = 10 * time.Minute

// Processor runs normalized alerts through lifecycle, routing, and delivery.
// Params: lifecycle engine, rule snapshot, dispatcher, optional delivery pool or durable queue producer, logger, and clock.
// Returns: per-alert processing entrypoint for local workers and NATS subscribers.
type Processor struct {
	mu         sync.RWMutex
	rules      []config.RuleConfig
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	pool       *dispatchPool
	producer   notifyqueue.Producer
	logger     *slog.Logger
	clock      clock.Clock
}

// NewProcessor creates processor with initial rule snapshot.
// Params: lifecycle engine, rules, dispatcher, logger, and clock.
// Returns: initialized processor delivering inline until a pool or queue producer is set.
func NewProcessor(eng *engine.Engine, rules []config.RuleConfig, dispatcher *notify.Dispatcher, logger *slog.Logger, clk clock.Clock) *Processor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Processor{
		rules:      append([]config.RuleConfig(nil), rules...),
		engine:     eng,
		dispatcher: dispatcher,
		logger:     logging.OrDiscard(logger),
		clock:      clk,
	}
}

// SetRules swaps rule snapshot used by subsequent alerts.
func (p *Processor) SetRules(rules []config.RuleConfig) {
	copied := append([]config.RuleConfig(nil), rules...)
	p.mu.Lock()
	p.rules = copied
	p.mu.Unlock()
}

// SetDispatcher swaps dispatcher after channel reload.
func (p *Processor) SetDispatcher(dispatcher *notify.Dispatcher) {
	p.mu.Lock()
	p.dispatcher = dispatcher
	p.mu.Unlock()
}

// SetDispatchPool moves delivery off the calling worker.
func (p *Processor) SetDispatchPool(pool *dispatchPool) {
	p.mu.Lock()
	p.pool = pool
	p.mu.Unlock()
}

// SetQueueProducer enables durable dispatch; it takes precedence over the pool.
func (p *Processor) SetQueueProducer(producer notifyqueue.Producer) {
	p.mu.Lock()
	p.producer = producer
	p.mu.Unlock()
}

// ProcessBatch applies alerts in payload order.
// Params: context and normalized alerts.
// Returns: alerts whose fingerprint lock wait expired and should be requeued.
func (p *Processor) ProcessBatch(ctx context.Context, alerts []domain.NormalizedAlert) []domain.NormalizedAlert {
	var requeue []domain.NormalizedAlert
	for _, alert := range alerts {
		err := p.Process(ctx, alert)
		var timeout *faults.ConcurrencyTimeout
		if errors.As(err, &timeout) {
			requeue = append(requeue, alert)
		}
	}
	return requeue
}

// Process applies one alert and dispatches the resulting transition.
// Params: context and normalized alert.
// Returns: *faults.ConcurrencyTimeout for requeue, store error, or nil when handled (validation failures are logged and dropped).
func (p *Processor) Process(ctx context.Context, alert domain.NormalizedAlert) error {
	outcome, err := p.engine.Apply(ctx, alert)
	if err != nil {
		return p.applyFailed(alert, err)
	}
	metrics.TransitionsTotal.WithLabelValues(string(outcome.Kind)).Inc()
	if outcome.Anomaly {
		metrics.AnomaliesTotal.Inc()
	}
	if !shouldDispatch(outcome) {
		return nil
	}

	rules := matcher.Match(p.rulesSnapshot(), outcome.Group)
	if len(rules) == 0 {
		p.logger.Debug("no rules matched", "fingerprint", alert.Fingerprint, "transition", string(outcome.Kind))
		return nil
	}
	if producer := p.queueProducerSnapshot(); producer != nil {
		return p.enqueueJobs(ctx, producer, outcome, rules)
	}

	task := dispatchTask{outcome: outcome, rules: rules}
	pool := p.poolSnapshot()
	if pool == nil {
		p.deliver(ctx, task)
		return nil
	}
	if err := pool.Submit(task); err != nil {
		for _, rule := range rules {
			metrics.DispatchResultsTotal.WithLabelValues(rule.Channel, "dropped").Inc()
		}
		p.logger.Error("transition not dispatched",
			"fingerprint", outcome.Group.Fingerprint,
			"transition", string(outcome.Kind),
			"rules", len(rules),
			"error", err.Error(),
		)
	}
	return nil
}

// deliver dispatches one committed transition to its matched rules and persists new refs.
// Params: context and dispatch task.
// Returns: none; failures are logged and counted by the dispatcher.
func (p *Processor) deliver(ctx context.Context, task dispatchTask) {
	outcome := task.outcome
	// Refs written by an earlier delivery of this group land after Apply captured the outcome.
	refs := outcome.Refs
	if record, err := p.engine.Get(ctx, outcome.Group.Fingerprint); err == nil {
		refs = record.DispatchRefs
	} else {
		p.logger.Warn("dispatch refs reload failed", "fingerprint", outcome.Group.Fingerprint, "error", err.Error())
	}

	subject := notify.Subject{Group: outcome.Group, Instance: outcome.Instance, Kind: outcome.Kind, Refs: refs}
	batch := p.dispatcherSnapshot().DispatchAll(ctx, task.rules, subject)
	p.logger.Info("transition dispatched",
		"fingerprint", batch.Fingerprint,
		"transition", string(batch.Transition),
		"succeeded", batch.Succeeded(),
		"failed", batch.Failed(),
	)
	for _, result := range batch.Results {
		p.persistRef(ctx, outcome.Group.Fingerprint, refs, result)
	}
}

// ProcessQueuedJob delivers one job consumed from the durable dispatch queue.
// Params: context and queue job.
// Returns: nil on delivery or skip, faults.Permanent for non-retryable failure, faults.Transient otherwise
// (including while another job is still creating the rule's first external reference).
func (p *Processor) ProcessQueuedJob(ctx context.Context, job notifyqueue.Job) error {
	record, err := p.engine.Get(ctx, job.Fingerprint)
	if errors.Is(err, state.ErrNotFound) {
		return faults.Permanent("queue", fmt.Errorf("group %s: %w", job.Fingerprint, err))
	}
	if err != nil {
		return faults.Transient("queue", err)
	}
	rule, ok := matcher.FindRule(p.rulesSnapshot(), job.Rule)
	if !ok {
		p.logger.Warn("queued dispatch dropped: rule no longer configured", "rule", job.Rule, "fingerprint", job.Fingerprint)
		p.releasePending(ctx, job, "")
		return nil
	}

	if record.DispatchRefs[job.Rule] == "" {
		pending, held := record.PendingDispatch[job.Rule]
		if held && pending.JobID != job.ID && p.clock.Now().Sub(pending.Since) < pendingDeliveryTTL {
			return faults.Transient("queue", fmt.Errorf("rule %s waits for first delivery job %s", job.Rule, pending.JobID))
		}
	}

	subject := notify.Subject{Group: record.Group, Kind: job.Transition, Refs: record.DispatchRefs}
	// Render the group as it was at this transition, not as it is now.
	subject.Group.CurrentStatus = transitionStatus(job.Transition, record.Group.CurrentStatus)
	if instance, ok := findInstance(record, job.InstanceID); ok {
		subject.Instance = &instance
	}
	result := p.dispatcherSnapshot().Dispatch(ctx, rule, subject)
	if result.Succeeded || result.Skipped {
		p.releasePending(ctx, job, result.ExternalRef)
		return nil
	}

	cause := errors.New(result.ErrorDetail)
	switch result.ErrorClass {
	case "permanent", "template":
		p.releasePending(ctx, job, "")
		return faults.Permanent(result.Channel, cause)
	default:
		return faults.Transient(result.Channel, cause)
	}
}

// releasePending stores job's ref and frees the rule's pending marker held by the job.
func (p *Processor) releasePending(ctx context.Context, job notifyqueue.Job, ref string) {
	if err := p.engine.CompleteDispatch(ctx, job.Fingerprint, job.Rule, job.ID, ref); err != nil {
		p.logger.Error("dispatch ref persist failed",
			"rule", job.Rule,
			"fingerprint", job.Fingerprint,
			"ref", ref,
			"error", err.Error(),
		)
	}
}

// applyFailed records apply error and decides whether caller should see it.
func (p *Processor) applyFailed(alert domain.NormalizedAlert, err error) error {
	var timeout *faults.ConcurrencyTimeout
	var validationErr *faults.ValidationError
	switch {
	case errors.As(err, &timeout):
		metrics.ApplyErrorsTotal.WithLabelValues("lock_timeout").Inc()
		p.logger.Warn("fingerprint lock wait expired", "fingerprint", alert.Fingerprint, "wait", timeout.Wait.String())
		return err
	case errors.As(err, &validationErr):
		metrics.ApplyErrorsTotal.WithLabelValues("validation").Inc()
		p.logger.Warn("alert dropped", "fingerprint", alert.Fingerprint, "field", validationErr.Field, "error", validationErr.Reason)
		return nil
	default:
		metrics.ApplyErrorsTotal.WithLabelValues("store").Inc()
		p.logger.Error("alert apply failed", "fingerprint", alert.Fingerprint, "error", err.Error())
		return err
	}
}

// enqueueJobs publishes one job per matched rule.
// Params: context, producer, apply outcome, and matched rules.
// Returns: error only when every enqueue failed.
func (p *Processor) enqueueJobs(ctx context.Context, producer notifyqueue.Producer, outcome engine.Outcome, rules []config.RuleConfig) error {
	instanceID := ""
	if outcome.Instance != nil {
		instanceID = outcome.Instance.ID
	}
	now := p.clock.Now()
	fingerprint := outcome.Group.Fingerprint
	var lastErr error
	enqueued := 0
	for _, rule := range rules {
		job := notifyqueue.NewJob(rule.Name, fingerprint, outcome.Kind, instanceID, now)
		owned := false
		if outcome.Refs[rule.Name] == "" {
			var err error
			if owned, err = p.engine.MarkDispatchPending(ctx, fingerprint, rule.Name, job.ID); err != nil {
				p.logger.Warn("dispatch pending mark failed", "rule", rule.Name, "fingerprint", fingerprint, "error", err.Error())
			}
		}
		if err := producer.Enqueue(ctx, job); err != nil {
			lastErr = err
			p.logger.Error("dispatch enqueue failed", "rule", rule.Name, "fingerprint", fingerprint, "error", err.Error())
			if owned {
				p.releasePending(ctx, job, "")
			}
			continue
		}
		enqueued++
	}
	if enqueued == 0 && lastErr != nil {
		return fmt.Errorf("enqueue dispatch jobs: %w", lastErr)
	}
	return nil
}

// persistRef stores external ref of a successful delivery when it changed.
func (p *Processor) persistRef(ctx context.Context, fingerprint string, known map[string]string, result domain.DispatchResult) {
	if !result.Succeeded || result.ExternalRef == "" || known[result.Rule] == result.ExternalRef {
		return
	}
	if err := p.engine.RecordDispatchRef(ctx, fingerprint, result.Rule, result.ExternalRef); err != nil {
		p.logger.Error("dispatch ref persist failed",
			"rule", result.Rule,
			"fingerprint", fingerprint,
			"ref", result.ExternalRef,
			"error", err.Error(),
		)
	}
}

func (p *Processor) rulesSnapshot() []config.RuleConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rules
}

func (p *Processor) dispatcherSnapshot() *notify.Dispatcher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dispatcher
}

func (p *Processor) poolSnapshot() *dispatchPool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool
}

func (p *Processor) queueProducerSnapshot() notifyqueue.Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.producer
}

// shouldDispatch reports whether outcome produces notifications.
// Params: apply outcome.
// Returns: true for firing/refiring/resolved transitions; anomalies never dispatch and silenced groups only dispatch resolution.
func shouldDispatch(outcome engine.Outcome) bool {
	if outcome.Anomaly {
		return false
	}
	switch outcome.Kind {
	case domain.TransitionNewFiring, domain.TransitionReFiring:
		return !outcome.Group.Silenced
	case domain.TransitionResolved:
		return true
	default:
		return false
	}
}

// transitionStatus returns group status implied by a dispatched transition.
func transitionStatus(kind domain.TransitionKind, current domain.Status) domain.Status {
	switch kind {
	case domain.TransitionNewFiring, domain.TransitionReFiring:
		return domain.StatusFiring
	case domain.TransitionResolved:
		return domain.StatusResolved
	default:
		return current
	}
}

// findInstance locates instance by id, falling back to the latest one.
func findInstance(record domain.GroupRecord, id string) (domain.AlertInstance, bool) {
	if id != "" {
		for _, instance := range record.Instances {
			if instance.ID == id {
				return instance, true
			}
		}
	}
	return record.LatestInstance()
}
