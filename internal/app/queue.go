package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"alerthub/internal/domain"
	"alerthub/internal/ingest"
	"alerthub/internal/logging"
	"alerthub/internal/metrics"
)

// ErrQueueFull reports local ingest queue backpressure; the webhook maps it to 503.
var ErrQueueFull = ingest.ErrQueueFull

// processFunc applies alerts in order and returns the ones whose lock wait expired.
type processFunc func(ctx context.Context, alerts []domain.NormalizedAlert) []domain.NormalizedAlert

// workQueue buffers accepted alerts for a fixed worker pool.
// Params: per-worker bounded channels; alerts are sharded by fingerprint so one fingerprint keeps payload order.
// Returns: ingest.Sink for single-mode webhook handling.
type workQueue struct {
	mu           sync.Mutex
	closed       bool
	shards       []chan domain.NormalizedAlert
	process      processFunc
	requeueDelay time.Duration
	logger       *slog.Logger
	workers      sync.WaitGroup
	requeues     sync.WaitGroup
	stop         chan struct{}
}

// newWorkQueue creates queue with total capacity split across workers.
// Params: capacity, worker count, requeue delay, process callback, and logger.
// Returns: queue ready for Start.
func newWorkQueue(size, workers int, requeueDelay time.Duration, process processFunc, logger *slog.Logger) *workQueue {
	if workers <= 0 {
		workers = 1
	}
	perShard := size / workers
	if perShard <= 0 {
		perShard = 1
	}
	q := &workQueue{
		shards:       make([]chan domain.NormalizedAlert, workers),
		process:      process,
		requeueDelay: requeueDelay,
		logger:       logging.OrDiscard(logger),
		stop:         make(chan struct{}),
	}
	for i := range q.shards {
		q.shards[i] = make(chan domain.NormalizedAlert, perShard)
	}
	return q
}

// Start launches one worker per shard.
// Params: context passed to processing.
// Returns: none.
func (q *workQueue) Start(ctx context.Context) {
	for _, shard := range q.shards {
		q.workers.Add(1)
		go func(items <-chan domain.NormalizedAlert) {
			defer q.workers.Done()
			for alert := range items {
				metrics.QueueDepth.Dec()
				for _, retry := range q.process(ctx, []domain.NormalizedAlert{alert}) {
					q.requeue(retry)
				}
			}
		}(shard)
	}
}

// Submit enqueues the whole batch or nothing.
// Params: context (unused; submit never blocks) and alerts.
// Returns: ErrQueueFull when any target shard lacks room or the queue is closed.
func (q *workQueue) Submit(_ context.Context, alerts []domain.NormalizedAlert) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueFull
	}
	need := make(map[int]int, len(alerts))
	for _, alert := range alerts {
		need[q.shardIndex(alert.Fingerprint)]++
	}
	for index, count := range need {
		shard := q.shards[index]
		if cap(shard)-len(shard) < count {
			return ErrQueueFull
		}
	}
	for _, alert := range alerts {
		q.shards[q.shardIndex(alert.Fingerprint)] <- alert
		metrics.QueueDepth.Inc()
	}
	return nil
}

// requeue re-submits alert after the requeue delay, waiting for room until shutdown.
func (q *workQueue) requeue(alert domain.NormalizedAlert) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.dropped(alert)
		return
	}
	q.requeues.Add(1)
	q.mu.Unlock()
	metrics.RequeuesTotal.Inc()

	go func() {
		defer q.requeues.Done()
		shard := q.shards[q.shardIndex(alert.Fingerprint)]
		timer := time.NewTimer(q.requeueDelay)
		defer timer.Stop()
		for {
			select {
			case <-q.stop:
				q.dropped(alert)
				return
			case <-timer.C:
			}
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				q.dropped(alert)
				return
			}
			select {
			case shard <- alert:
				metrics.QueueDepth.Inc()
				q.mu.Unlock()
				return
			default:
			}
			q.mu.Unlock()
			timer.Reset(q.requeueDelay)
		}
	}()
}

// Close stops intake, drops pending requeues, and drains buffered alerts.
// Params: none.
// Returns: none; blocks until workers exit.
func (q *workQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()

	q.requeues.Wait()
	for _, shard := range q.shards {
		close(shard)
	}
	q.workers.Wait()
}

func (q *workQueue) dropped(alert domain.NormalizedAlert) {
	q.logger.Error("requeued alert dropped at shutdown", "fingerprint", alert.Fingerprint, "status", string(alert.Status))
}

func (q *workQueue) shardIndex(fingerprint string) int {
	return laneIndex(fingerprint, len(q.shards))
}
