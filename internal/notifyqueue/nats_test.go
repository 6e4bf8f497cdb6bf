package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/internal/faults"
	"alerthub/test/testutil"

	"github.com/nats-io/nats.go"
)

func newTestQueueConfig(natsURL string, maxDeliver int) config.DispatchQueue {
	return config.DispatchQueue{
		Enabled:       true,
		URL:           []string{natsURL},
		AckWaitSec:    2,
		NackDelayMS:   10,
		MaxDeliver:    maxDeliver,
		MaxAckPending: 128,
	}
}

func waitForCallsAtLeast(t *testing.T, timeout time.Duration, counter *int32, min int32) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadInt32(counter) >= min {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected calls >= %d, got %d", min, atomic.LoadInt32(counter))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testJob() Job {
	return NewJob("db-tickets", "fp-1", domain.TransitionNewFiring, "inst-1", time.Now())
}

func TestBuildJobIDDeterministic(t *testing.T) {
	t.Parallel()

	idA := BuildJobID("fp-1", "db-tickets", domain.TransitionNewFiring, "inst-1")
	idB := BuildJobID("fp-1", "db-tickets", domain.TransitionNewFiring, "inst-1")
	if idA == "" || idA != idB {
		t.Fatalf("expected deterministic ids: %q != %q", idA, idB)
	}
	if other := BuildJobID("fp-1", "db-tickets", domain.TransitionResolved, "inst-1"); other == idA {
		t.Fatalf("transition must change job id")
	}
}

func TestNATSProducerWorkerRedelivery(t *testing.T) {
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 3)

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
		doneCh   = make(chan struct{}, 1)
	)
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, job Job) error {
		mu.Lock()
		attempts[job.ID]++
		current := attempts[job.ID]
		mu.Unlock()
		if current == 1 {
			return faults.Transient(config.ChannelSlack, context.DeadlineExceeded)
		}
		select {
		case doneCh <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	job := testJob()
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for redelivery success")
	}

	mu.Lock()
	gotAttempts := attempts[job.ID]
	mu.Unlock()
	if gotAttempts < 2 {
		t.Fatalf("expected at least 2 attempts due redelivery, got %d", gotAttempts)
	}
}

func TestNATSWorkerPublishesPermanentErrorToDLQ(t *testing.T) {
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 3)
	cfg.DLQ = true

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return faults.Permanent(config.ChannelJira, errors.New("status=400"))
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(dlqSubject)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush subscribe: %v", err)
	}

	job := testJob()
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	message, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonPermanentError || entry.Job.ID != job.ID || entry.Job.Rule != "db-tickets" {
		t.Fatalf("unexpected dlq entry: %+v", entry)
	}
	if entry.Attempts != 1 {
		t.Fatalf("unexpected attempts: %d", entry.Attempts)
	}

	waitForCallsAtLeast(t, time.Second, &calls, 1)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected single handler call, got %d", got)
	}
}

func TestNATSWorkerPublishesMaxDeliverToDLQ(t *testing.T) {
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(natsURL, 2)
	cfg.AckWaitSec = 1
	cfg.DLQ = true

	producer, err := NewNATSProducer(cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewNATSWorker(cfg, nil, func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return faults.Transient(config.ChannelSlack, errors.New("status=503"))
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(dlqSubject)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush subscribe: %v", err)
	}

	job := testJob()
	if err := producer.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	message, err := sub.NextMsg(8 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonMaxDeliverExceeded || entry.Job.ID != job.ID {
		t.Fatalf("unexpected dlq entry: %+v", entry)
	}
	if entry.Attempts < 2 {
		t.Fatalf("expected attempts>=2, got %d", entry.Attempts)
	}
	waitForCallsAtLeast(t, time.Second, &calls, 2)
}
