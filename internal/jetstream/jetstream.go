package jetstream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Connect opens NATS connection and JetStream context.
// Params: server URL list and connection name shown in server monitoring.
// Returns: connection, JetStream context, or setup error.
func Connect(urls []string, name string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(
		strings.Join(urls, ","),
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", name, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for %s: %w", name, err)
	}
	return nc, js, nil
}

// StreamSpec describes one stream that must exist before use.
type StreamSpec struct {
	Name      string
	Subject   string
	Retention nats.RetentionPolicy
	MaxAge    time.Duration
}

// EnsureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func EnsureStream(js nats.JetStreamContext, spec StreamSpec) error {
	if _, err := js.StreamInfo(spec.Name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", spec.Name, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      spec.Name,
		Subjects:  []string{spec.Subject},
		Retention: spec.Retention,
		Storage:   nats.FileStorage,
		MaxAge:    spec.MaxAge,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream %q: %w", spec.Name, err)
	}
	return nil
}

// EnsureKeyValue binds existing KV bucket or creates it when allowed.
// Params: JetStream context, bucket config, and create permission.
// Returns: bound bucket or lookup/create error.
func EnsureKeyValue(js nats.JetStreamContext, cfg nats.KeyValueConfig, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) || !allowCreate {
		return nil, fmt.Errorf("bind kv bucket %q: %w", cfg.Bucket, err)
	}
	kv, err = js.CreateKeyValue(&cfg)
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %q: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// Nak asks JetStream to redeliver message, optionally after a delay.
// Params: delivered message and redelivery delay.
// Returns: nak error.
func Nak(message *nats.Msg, delay time.Duration) error {
	if message == nil {
		return nil
	}
	if delay > 0 {
		return message.NakWithDelay(delay)
	}
	return message.Nak()
}

// DeliveryAttempts returns number of delivery attempts from JetStream metadata.
// Params: delivered NATS message.
// Returns: delivered-attempt count (at least 1 when message is non-nil).
func DeliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}
