package app

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"alerthub/internal/config"
	"alerthub/internal/engine"
	"alerthub/internal/logging"
)

// errDispatchBacklogFull reports that a delivery lane has no room left.
var errDispatchBacklogFull = errors.New("dispatch backlog full")

// dispatchTask is one committed transition waiting for delivery to its matched rules.
type dispatchTask struct {
	outcome engine.Outcome
	rules   []config.RuleConfig
}

type deliverFunc func(ctx context.Context, task dispatchTask)

// dispatchPool runs deliveries off the ingest workers.
// Params: fixed lanes selected by fingerprint, so deliveries of one group (and every rule on it) stay in apply order.
// Returns: non-blocking Submit; a slow channel only delays its own lane.
type dispatchPool struct {
	mu      sync.Mutex
	closed  bool
	lanes   []chan dispatchTask
	deliver deliverFunc
	logger  *slog.Logger
	workers sync.WaitGroup
}

// newDispatchPool creates pool with backlog capacity per lane.
// Params: lane count, per-lane backlog, delivery callback, and logger.
// Returns: pool ready for Start.
func newDispatchPool(lanes, backlog int, deliver deliverFunc, logger *slog.Logger) *dispatchPool {
	if lanes <= 0 {
		lanes = 1
	}
	if backlog <= 0 {
		backlog = 1
	}
	p := &dispatchPool{
		lanes:   make([]chan dispatchTask, lanes),
		deliver: deliver,
		logger:  logging.OrDiscard(logger),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan dispatchTask, backlog)
	}
	return p
}

// Start launches one delivery goroutine per lane.
func (p *dispatchPool) Start(ctx context.Context) {
	for _, lane := range p.lanes {
		p.workers.Add(1)
		go func(tasks <-chan dispatchTask) {
			defer p.workers.Done()
			for task := range tasks {
				p.deliver(ctx, task)
			}
		}(lane)
	}
}

// Submit hands task to its lane without waiting.
// Params: dispatch task.
// Returns: errDispatchBacklogFull when the lane is full or the pool is closed.
func (p *dispatchPool) Submit(task dispatchTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errDispatchBacklogFull
	}
	select {
	case p.lanes[laneIndex(task.outcome.Group.Fingerprint, len(p.lanes))] <- task:
		return nil
	default:
		return errDispatchBacklogFull
	}
}

// Close stops intake and waits until buffered deliveries finish.
func (p *dispatchPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, lane := range p.lanes {
		close(lane)
	}
	p.mu.Unlock()
	p.workers.Wait()
}

// laneIndex maps fingerprint to one of n lanes.
func laneIndex(fingerprint string, n int) int {
	if n <= 1 {
		return 0
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(fingerprint))
	return int(hasher.Sum32() % uint32(n))
}
