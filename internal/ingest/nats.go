package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/internal/faults"
	"alerthub/internal/jetstream"

	"github.com/nats-io/nats.go"
)

// Handler processes one normalized alert taken off the shared stream.
type Handler func(ctx context.Context, alert domain.NormalizedAlert) error

// NATSPublisher is a Sink that writes each accepted alert to the ingest stream.
type NATSPublisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSPublisher connects to NATS and ensures the ingest stream exists.
// Params: ingest NATS config.
// Returns: publisher or connection/stream error.
func NewNATSPublisher(cfg config.NATSIngestConfig) (*NATSPublisher, error) {
	nc, js, err := jetstream.Connect(cfg.URL, "alerthub-ingest-publisher")
	if err != nil {
		return nil, err
	}
	if err := jetstream.EnsureStream(js, jetstream.StreamSpec{
		Name:      cfg.Stream,
		Subject:   cfg.Subject,
		Retention: nats.WorkQueuePolicy,
	}); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSPublisher{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Submit publishes alerts one message per alert.
// Params: request context and alerts.
// Returns: ErrQueueFull when stream rejects writes, other publish errors as-is.
func (p *NATSPublisher) Submit(ctx context.Context, alerts []domain.NormalizedAlert) error {
	for _, alert := range alerts {
		payload, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("encode alert %s: %w", alert.Fingerprint, err)
		}
		if _, err := p.js.Publish(p.subject, payload, nats.Context(ctx)); err != nil {
			if errors.Is(err, nats.ErrNoStreamResponse) || errors.Is(err, nats.ErrSlowConsumer) {
				return fmt.Errorf("%w: %v", ErrQueueFull, err)
			}
			return fmt.Errorf("publish alert %s: %w", alert.Fingerprint, err)
		}
	}
	return nil
}

// Close closes NATS connection.
func (p *NATSPublisher) Close() error {
	p.nc.Close()
	return nil
}

// NATSSubscriber consumes alerts via JetStream queue consumer and forwards them to handler.
// Params: NATS connection, JetStream queue subscription, and handler.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSSubscriber creates JetStream queue consumer for alert processing.
// Params: ingest NATS config, handler, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, handler Handler, logger *slog.Logger) (*NATSSubscriber, error) {
	nc, js, err := jetstream.Connect(cfg.URL, "alerthub-ingest-subscriber")
	if err != nil {
		return nil, err
	}
	if err := jetstream.EnsureStream(js, jetstream.StreamSpec{
		Name:      cfg.Stream,
		Subject:   cfg.Subject,
		Retention: nats.WorkQueuePolicy,
	}); err != nil {
		nc.Close()
		return nil, err
	}

	subscriber := &NATSSubscriber{nc: nc, logger: logger}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
		subscriber.handle(message, handler, ackWait, nackDelay)
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// settlement is the JetStream reply chosen for one processed message.
type settlement int

const (
	settleAck settlement = iota
	settleNak
)

// settleFor maps handler outcome to ack or redelivery.
// Params: handler error.
// Returns: ack for success and validation failures; nak for lock timeouts and store errors,
// which redelivery can fix (MaxDeliver bounds the retries).
func settleFor(err error) settlement {
	var validationErr *faults.ValidationError
	switch {
	case err == nil, errors.As(err, &validationErr):
		return settleAck
	default:
		return settleNak
	}
}

// handle decodes one message and settles it by processing outcome.
// Params: delivered message, handler, ack wait bound, and nack delay.
// Returns: none.
func (s *NATSSubscriber) handle(message *nats.Msg, handler Handler, ackWait, nackDelay time.Duration) {
	var alert domain.NormalizedAlert
	if err := json.Unmarshal(message.Data, &alert); err != nil {
		s.warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ackMessage(message, "decode")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackWait)
	defer cancel()
	err := handler(ctx, alert)
	if settleFor(err) == settleAck {
		if err != nil {
			s.warn("nats ingest alert rejected", "fingerprint", alert.Fingerprint, "error", err.Error())
		}
		s.ackMessage(message, "processed")
		return
	}

	var timeout *faults.ConcurrencyTimeout
	if errors.As(err, &timeout) {
		s.warn("nats ingest requeue on lock timeout",
			"fingerprint", alert.Fingerprint,
			"attempt", jetstream.DeliveryAttempts(message),
		)
	} else {
		s.warn("nats ingest processing failed, redelivering",
			"fingerprint", alert.Fingerprint,
			"attempt", jetstream.DeliveryAttempts(message),
			"error", err.Error(),
		)
	}
	if nakErr := jetstream.Nak(message, nackDelay); nakErr != nil {
		s.warn("nats ingest nack failed", "subject", message.Subject, "error", nakErr.Error())
	}
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

func (s *NATSSubscriber) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// Close stops NATS subscription and closes connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}
