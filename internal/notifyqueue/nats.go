package notifyqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"alerthub/internal/config"
	"alerthub/internal/faults"
	"alerthub/internal/jetstream"
	"alerthub/internal/logging"

	"github.com/nats-io/nats.go"
)

const (
	jobStream     = "ALERTHUB_DISPATCH"
	jobSubject    = "alerthub.dispatch.jobs"
	dlqStream     = "ALERTHUB_DISPATCH_DLQ"
	dlqSubject    = "alerthub.dispatch.dlq"
	consumerName  = "alerthub-dispatch"
	deliverGroup  = "alerthub-dispatch-workers"
	jobStreamAge  = 24 * time.Hour
	dlqStreamAge  = 7 * 24 * time.Hour
	handleTimeout = 5 * time.Minute
)

// NATSProducer publishes dispatch jobs into JetStream work-queue stream.
type NATSProducer struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSProducer creates JetStream producer for dispatch queue.
// Params: dispatch queue config.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.DispatchQueue) (*NATSProducer, error) {
	nc, js, err := openQueue(cfg, "alerthub-dispatch-producer")
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js}, nil
}

// Enqueue publishes one job; the job id is the JetStream dedup key.
// Params: context and job.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal dispatch job: %w", err)
	}
	msg := nats.NewMsg(jobSubject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dispatch job: %w", err)
	}
	return nil
}

// Close closes producer NATS connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes dispatch jobs via durable queue-group consumer.
// Params: NATS connection, subscription, and DLQ toggle.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	sub        *nats.Subscription
	logger     *slog.Logger
	dlq        bool
	maxDeliver int
	nackDelay  time.Duration
	handler    Handler
}

// NewNATSWorker starts queue consumer for dispatch jobs.
// Params: queue config, logger, and per-job handler.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.DispatchQueue, logger *slog.Logger, handler Handler) (*NATSWorker, error) {
	nc, js, err := openQueue(cfg, "alerthub-dispatch-worker")
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{
		nc:         nc,
		js:         js,
		logger:     logging.OrDiscard(logger),
		dlq:        cfg.DLQ,
		maxDeliver: cfg.MaxDeliver,
		nackDelay:  time.Duration(cfg.NackDelayMS) * time.Millisecond,
		handler:    handler,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(jobStream),
		nats.Durable(consumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(jobSubject, deliverGroup, worker.handle, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe dispatch %q/%q: %w", jobSubject, deliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

// handle decodes and processes one delivery; outcome decides ack, nak, or DLQ.
func (w *NATSWorker) handle(message *nats.Msg) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("dispatch queue decode failed", "subject", message.Subject, "error", err)
		_ = message.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	err := w.handler(ctx, job)
	if err == nil {
		_ = message.Ack()
		return
	}
	w.logger.Error("dispatch queue job failed",
		"job_id", job.ID,
		"rule", job.Rule,
		"fingerprint", job.Fingerprint,
		"error", err,
	)

	attempts := jetstream.DeliveryAttempts(message)
	reason := DLQReason("")
	if faults.IsPermanent(err) {
		reason = DLQReasonPermanentError
	} else if isMaxDeliverExceeded(attempts, w.maxDeliver) {
		reason = DLQReasonMaxDeliverExceeded
	}
	if reason == "" {
		_ = jetstream.Nak(message, w.nackDelay)
		return
	}
	if w.dlq {
		if dlqErr := w.publishDLQ(ctx, message, job, reason, err, attempts); dlqErr != nil {
			w.logger.Error("dispatch dlq publish failed", "job_id", job.ID, "reason", string(reason), "error", dlqErr)
			_ = jetstream.Nak(message, w.nackDelay)
			return
		}
	}
	_ = message.Ack()
}

// Close drains worker subscription and closes NATS connection.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// openQueue connects and ensures job (and DLQ) streams exist.
func openQueue(cfg config.DispatchQueue, name string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, js, err := jetstream.Connect(cfg.URL, name)
	if err != nil {
		return nil, nil, err
	}
	streams := []jetstream.StreamSpec{{Name: jobStream, Subject: jobSubject, Retention: nats.WorkQueuePolicy, MaxAge: jobStreamAge}}
	if cfg.DLQ {
		streams = append(streams, jetstream.StreamSpec{Name: dlqStream, Subject: dlqSubject, Retention: nats.LimitsPolicy, MaxAge: dlqStreamAge})
	}
	for _, spec := range streams {
		if err := jetstream.EnsureStream(js, spec); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// isMaxDeliverExceeded reports if current attempt reached configured max deliver.
// Params: attempt counter and max deliver config.
// Returns: true when current attempt is final allowed delivery.
func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}

// publishDLQ publishes failed job metadata to dead-letter subject.
// Params: message, decoded job, failure reason/cause, and attempt counter.
// Returns: publish error when DLQ publish fails.
func (w *NATSWorker) publishDLQ(ctx context.Context, message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:           job,
		Reason:        reason,
		Error:         strings.TrimSpace(cause.Error()),
		Attempts:      attempts,
		MaxDeliver:    w.maxDeliver,
		Subject:       message.Subject,
		FailedAt:      time.Now().UTC(),
		OriginalMsgID: strings.TrimSpace(message.Header.Get(nats.MsgIdHdr)),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dispatch dlq entry: %w", err)
	}
	msg := nats.NewMsg(dlqSubject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id+":dlq:"+string(reason)+":"+strconv.FormatUint(attempts, 10))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dispatch dlq entry: %w", err)
	}
	return nil
}
