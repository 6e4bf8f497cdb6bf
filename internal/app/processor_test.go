package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alerthub/internal/clock"
	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/internal/engine"
	"alerthub/internal/faults"
	"alerthub/internal/notify"
	"alerthub/internal/notifyqueue"
	"alerthub/internal/state"
)

var baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// captureAdapter records deliveries and returns a ref per target.
type captureAdapter struct {
	channel string

	mu       sync.Mutex
	contents []notify.Content
	targets  []string
	err      error
}

func (a *captureAdapter) Channel() string { return a.channel }

func (a *captureAdapter) Notify(_ context.Context, target string, content notify.Content) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.targets = append(a.targets, target)
	a.contents = append(a.contents, content)
	if a.err != nil {
		return "", a.err
	}
	if content.Ref != "" {
		return content.Ref, nil
	}
	return fmt.Sprintf("ref-%s-%d", target, len(a.contents)), nil
}

func (a *captureAdapter) snapshot() []notify.Content {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notify.Content(nil), a.contents...)
}

// captureProducer records enqueued jobs.
type captureProducer struct {
	mu   sync.Mutex
	jobs []notifyqueue.Job
	err  error
}

func (p *captureProducer) Enqueue(_ context.Context, job notifyqueue.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *captureProducer) Close() error { return nil }

type processorFixture struct {
	processor *Processor
	engine    *engine.Engine
	store     *state.MemoryStore
	adapter   *captureAdapter
	clock     *clock.Manual
}

func newProcessorFixture(t *testing.T, rules ...config.RuleConfig) processorFixture {
	t.Helper()

	store := state.NewMemoryStore()
	clk := clock.NewManual(baseTime.Add(time.Minute))
	var seq atomic.Int64
	eng := engine.New(engine.Options{
		Store:    store,
		Clock:    clk,
		LockWait: 50 * time.Millisecond,
		NewID:    func() string { return fmt.Sprintf("id-%d", seq.Add(1)) },
	})
	adapter := &captureAdapter{channel: config.ChannelMattermost}
	dispatcher := notify.NewDispatcher(config.DispatchConfig{
		Workers:   2,
		TimeoutMS: 1000,
		Retry:     config.RetryConfig{MaxAttempts: 1, Backoff: "constant", InitialMS: 1, MaxMS: 1},
	}, config.ChannelsConfig{}, map[string]notify.Adapter{adapter.Channel(): adapter}, nil)

	return processorFixture{
		processor: NewProcessor(eng, rules, dispatcher, nil, clk),
		engine:    eng,
		store:     store,
		adapter:   adapter,
		clock:     clk,
	}
}

func dbRule(name string) config.RuleConfig {
	return config.RuleConfig{
		Name:                name,
		Active:              true,
		Priority:            10,
		Channel:             config.ChannelMattermost,
		Target:              "chan-" + name,
		Match:               map[string]string{"team": "db"},
		TitleTemplate:       "[{{ status | upper }}] {{ alertname }}",
		DescriptionTemplate: "{{ annotations.summary }}",
		CommentTemplate:     "now {{ status }}",
	}
}

func alertAt(fingerprint string, status domain.Status, startsAt time.Time) domain.NormalizedAlert {
	return domain.NormalizedAlert{
		Fingerprint: fingerprint,
		Status:      status,
		Labels:      map[string]string{"alertname": "DiskFull", "team": "db", "severity": "critical"},
		Annotations: map[string]string{"summary": "disk above 90%"},
		StartsAt:    startsAt,
	}
}

func TestProcessDispatchesAndPersistsRef(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, dbRule("db-chat"))
	ctx := context.Background()

	if err := fx.processor.Process(ctx, alertAt("fp-1", domain.StatusFiring, baseTime)); err != nil {
		t.Fatalf("process firing: %v", err)
	}
	record, err := fx.engine.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	ref := record.DispatchRefs["db-chat"]
	if ref == "" {
		t.Fatalf("expected ref persisted, got %+v", record.DispatchRefs)
	}

	// Duplicate firing is a no-op and must not dispatch.
	if err := fx.processor.Process(ctx, alertAt("fp-1", domain.StatusFiring, baseTime)); err != nil {
		t.Fatalf("process duplicate: %v", err)
	}
	if err := fx.processor.Process(ctx, alertAt("fp-1", domain.StatusResolved, baseTime)); err != nil {
		t.Fatalf("process resolved: %v", err)
	}

	contents := fx.adapter.snapshot()
	if len(contents) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(contents))
	}
	if contents[0].Title != "[FIRING] DiskFull" || contents[0].Ref != "" {
		t.Fatalf("unexpected first delivery %+v", contents[0])
	}
	if contents[1].Ref != ref || contents[1].Body != "now resolved" || contents[1].Kind != domain.TransitionResolved {
		t.Fatalf("expected threaded comment on resolve, got %+v", contents[1])
	}
}

func TestProcessSkipsUnmatchedSilencedAndAnomalies(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, dbRule("db-chat"))
	ctx := context.Background()

	other := alertAt("fp-web", domain.StatusFiring, baseTime)
	other.Labels = map[string]string{"alertname": "Latency", "team": "web"}
	if err := fx.processor.Process(ctx, other); err != nil {
		t.Fatalf("process unmatched: %v", err)
	}
	if err := fx.processor.Process(ctx, alertAt("fp-unknown", domain.StatusResolved, baseTime)); err != nil {
		t.Fatalf("process anomaly: %v", err)
	}

	fx.engine.SetSilences([]config.SilenceConfig{{
		Name:     "maintenance",
		Matchers: map[string]string{"team": "db"},
		StartsAt: baseTime.Add(-time.Hour),
		EndsAt:   baseTime.Add(time.Hour),
	}})
	if err := fx.processor.Process(ctx, alertAt("fp-silenced", domain.StatusFiring, baseTime)); err != nil {
		t.Fatalf("process silenced: %v", err)
	}
	if got := len(fx.adapter.snapshot()); got != 0 {
		t.Fatalf("expected no deliveries, got %d", got)
	}

	if err := fx.processor.Process(ctx, alertAt("fp-silenced", domain.StatusResolved, baseTime)); err != nil {
		t.Fatalf("process silenced resolve: %v", err)
	}
	if got := len(fx.adapter.snapshot()); got != 1 {
		t.Fatalf("expected resolve of silenced group to dispatch, got %d", got)
	}
}

func TestProcessDispatchFailureKeepsLifecycle(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, dbRule("db-chat"))
	fx.adapter.err = faults.Permanent(config.ChannelMattermost, errors.New("status=403"))
	ctx := context.Background()

	if err := fx.processor.Process(ctx, alertAt("fp-1", domain.StatusFiring, baseTime)); err != nil {
		t.Fatalf("dispatch failure must not fail processing: %v", err)
	}
	record, err := fx.engine.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Group.CurrentStatus != domain.StatusFiring || len(record.DispatchRefs) != 0 {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestProcessDropsValidationErrors(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t)
	alert := alertAt("fp-1", domain.Status("pending"), baseTime)
	if err := fx.processor.Process(context.Background(), alert); err != nil {
		t.Fatalf("validation errors are dropped, got %v", err)
	}
	if _, err := fx.engine.Get(context.Background(), "fp-1"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected no group, got %v", err)
	}
}

func TestProcessBatchReturnsLockTimeoutsForRequeue(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t)
	unlock, err := fx.store.Lock(context.Background(), "fp-busy")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	alerts := []domain.NormalizedAlert{
		alertAt("fp-free", domain.StatusFiring, baseTime),
		alertAt("fp-busy", domain.StatusFiring, baseTime),
	}
	requeue := fx.processor.ProcessBatch(context.Background(), alerts)
	if len(requeue) != 1 || requeue[0].Fingerprint != "fp-busy" {
		t.Fatalf("unexpected requeue list %+v", requeue)
	}
	if _, err := fx.engine.Get(context.Background(), "fp-free"); err != nil {
		t.Fatalf("free alert must be applied: %v", err)
	}
}

func TestProcessEnqueuesJobsWhenQueueEnabled(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, dbRule("db-chat"), dbRule("db-chat-2"))
	producer := &captureProducer{}
	fx.processor.SetQueueProducer(producer)

	if err := fx.processor.Process(context.Background(), alertAt("fp-1", domain.StatusFiring, baseTime)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(producer.jobs) != 2 || len(fx.adapter.snapshot()) != 0 {
		t.Fatalf("expected 2 jobs and no inline delivery, got jobs=%d deliveries=%d", len(producer.jobs), len(fx.adapter.snapshot()))
	}
	job := producer.jobs[0]
	if job.Rule != "db-chat" || job.Fingerprint != "fp-1" || job.Transition != domain.TransitionNewFiring || job.InstanceID == "" {
		t.Fatalf("unexpected job %+v", job)
	}

	producer.err = errors.New("nats down")
	if err := fx.processor.Process(context.Background(), alertAt("fp-1", domain.StatusResolved, baseTime)); err == nil {
		t.Fatalf("expected error when every enqueue fails")
	}
}

func TestProcessQueuedJob(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, dbRule("db-chat"))
	ctx := context.Background()
	producer := &captureProducer{}
	fx.processor.SetQueueProducer(producer)
	if err := fx.processor.Process(ctx, alertAt("fp-1", domain.StatusFiring, baseTime)); err != nil {
		t.Fatalf("process: %v", err)
	}

	if err := fx.processor.ProcessQueuedJob(ctx, producer.jobs[0]); err != nil {
		t.Fatalf("queued job: %v", err)
	}
	record, err := fx.engine.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.DispatchRefs["db-chat"] == "" {
		t.Fatalf("expected ref persisted by queued job")
	}

	missing := notifyqueue.NewJob("db-chat", "fp-missing", domain.TransitionNewFiring, "", baseTime)
	if err := fx.processor.ProcessQueuedJob(ctx, missing); !faults.IsPermanent(err) {
		t.Fatalf("expected permanent error for missing group, got %v", err)
	}

	removed := notifyqueue.NewJob("gone", "fp-1", domain.TransitionNewFiring, "", baseTime)
	if err := fx.processor.ProcessQueuedJob(ctx, removed); err != nil {
		t.Fatalf("removed rule job is dropped, got %v", err)
	}

	fx.adapter.err = faults.Transient(config.ChannelMattermost, errors.New("status=503"))
	if err := fx.processor.ProcessQueuedJob(ctx, producer.jobs[0]); !faults.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	fx.adapter.err = faults.Permanent(config.ChannelMattermost, errors.New("status=404"))
	if err := fx.processor.ProcessQueuedJob(ctx, producer.jobs[0]); !faults.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestProcessQueuedJobWaitsForPendingFirstDelivery(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, dbRule("db-chat"))
	ctx := context.Background()
	producer := &captureProducer{}
	fx.processor.SetQueueProducer(producer)

	if err := fx.processor.Process(ctx, alertAt("fp-1", domain.StatusFiring, baseTime)); err != nil {
		t.Fatalf("process firing: %v", err)
	}
	if err := fx.processor.Process(ctx, alertAt("fp-1", domain.StatusResolved, baseTime)); err != nil {
		t.Fatalf("process resolved: %v", err)
	}
	if len(producer.jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(producer.jobs))
	}
	firingJob, resolvedJob := producer.jobs[0], producer.jobs[1]

	fx.adapter.err = faults.Transient(config.ChannelMattermost, errors.New("status=503"))
	if err := fx.processor.ProcessQueuedJob(ctx, firingJob); !faults.IsTransient(err) {
		t.Fatalf("expected transient firing failure, got %v", err)
	}
	fx.adapter.err = nil

	// Redelivery order flipped: the resolve arrives while the firing job is still pending.
	if err := fx.processor.ProcessQueuedJob(ctx, resolvedJob); !faults.IsTransient(err) {
		t.Fatalf("resolve must wait for the pending firing delivery, got %v", err)
	}
	if got := len(fx.adapter.snapshot()); got != 1 {
		t.Fatalf("waiting resolve must not reach the adapter, got %d calls", got)
	}

	if err := fx.processor.ProcessQueuedJob(ctx, firingJob); err != nil {
		t.Fatalf("firing retry: %v", err)
	}
	if err := fx.processor.ProcessQueuedJob(ctx, resolvedJob); err != nil {
		t.Fatalf("resolve retry: %v", err)
	}

	record, err := fx.engine.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	ref := record.DispatchRefs["db-chat"]
	if ref == "" || len(record.PendingDispatch) != 0 {
		t.Fatalf("expected ref and no pending marker, got refs=%v pending=%v", record.DispatchRefs, record.PendingDispatch)
	}

	contents := fx.adapter.snapshot()
	if len(contents) != 3 {
		t.Fatalf("expected 3 adapter calls, got %d", len(contents))
	}
	if contents[1].Title != "[FIRING] DiskFull" || contents[1].Ref != "" {
		t.Fatalf("firing job must render its own transition, got %+v", contents[1])
	}
	if contents[2].Ref != ref || contents[2].Body != "now resolved" || contents[2].Kind != domain.TransitionResolved {
		t.Fatalf("resolve must thread on the firing ref, got %+v", contents[2])
	}
}

func TestProcessQueuedJobPermanentFailureReleasesPending(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t, dbRule("db-chat"))
	ctx := context.Background()
	producer := &captureProducer{}
	fx.processor.SetQueueProducer(producer)

	if err := fx.processor.Process(ctx, alertAt("fp-1", domain.StatusFiring, baseTime)); err != nil {
		t.Fatalf("process firing: %v", err)
	}
	if err := fx.processor.Process(ctx, alertAt("fp-1", domain.StatusResolved, baseTime)); err != nil {
		t.Fatalf("process resolved: %v", err)
	}

	fx.adapter.err = faults.Permanent(config.ChannelMattermost, errors.New("status=403"))
	if err := fx.processor.ProcessQueuedJob(ctx, producer.jobs[0]); !faults.IsPermanent(err) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	fx.adapter.err = nil
	if err := fx.processor.ProcessQueuedJob(ctx, producer.jobs[1]); err != nil {
		t.Fatalf("resolve must proceed once the firing job gave up, got %v", err)
	}
}

func TestSetRulesAffectsNextAlert(t *testing.T) {
	t.Parallel()

	fx := newProcessorFixture(t)
	ctx := context.Background()
	if err := fx.processor.Process(ctx, alertAt("fp-1", domain.StatusFiring, baseTime)); err != nil {
		t.Fatalf("process: %v", err)
	}
	fx.processor.SetRules([]config.RuleConfig{dbRule("db-chat")})
	if err := fx.processor.Process(ctx, alertAt("fp-1", domain.StatusResolved, baseTime)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := len(fx.adapter.snapshot()); got != 1 {
		t.Fatalf("expected one delivery after rule reload, got %d", got)
	}
}
