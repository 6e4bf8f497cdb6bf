package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"alerthub/internal/domain"
	"alerthub/internal/jetstream"
	"alerthub/internal/logging"

	"github.com/nats-io/nats.go"
)

// Publisher fans committed lifecycle events out to collaborators.
type Publisher interface {
	Publish(ctx context.Context, event domain.LifecycleEvent) error
	Close() error
}

// NATSPublisher publishes lifecycle events on a core NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher connects to NATS for event publishing.
// Params: server URLs and subject.
// Returns: publisher or connection error.
func NewNATSPublisher(urls []string, subject string) (*NATSPublisher, error) {
	nc, _, err := jetstream.Connect(urls, "alerthub-events")
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Publish encodes event and publishes it.
// Params: context and event.
// Returns: encode/publish error.
func (p *NATSPublisher) Publish(_ context.Context, event domain.LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode lifecycle event: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = payload
	msg.Header.Set("Alerthub-Transition", string(event.TransitionKind))
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish lifecycle event: %w", err)
	}
	return nil
}

// Close flushes and closes connection.
func (p *NATSPublisher) Close() error {
	err := p.nc.Flush()
	p.nc.Close()
	return err
}

// LogPublisher writes lifecycle events to the audit log.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates audit-log publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logging.OrDiscard(logger)}
}

// Publish logs one event at INFO.
func (p *LogPublisher) Publish(ctx context.Context, event domain.LifecycleEvent) error {
	p.logger.InfoContext(ctx, "lifecycle event",
		"group_id", event.GroupID,
		"fingerprint", event.Fingerprint,
		"transition", string(event.TransitionKind),
		"status", string(event.CurrentStatus),
		"at", event.Timestamp,
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }

// Multi publishes to every member; one failing member does not stop the rest.
type Multi []Publisher

// Publish delivers event to all members.
// Params: context and event.
// Returns: joined member errors.
func (m Multi) Publish(ctx context.Context, event domain.LifecycleEvent) error {
	var errs []error
	for _, publisher := range m {
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all members.
func (m Multi) Close() error {
	var errs []error
	for _, publisher := range m {
		if err := publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
