package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"alerthub/internal/domain"
	"alerthub/test/testutil"

	"github.com/nats-io/nats.go"
)

type recordingPublisher struct {
	events []domain.LifecycleEvent
	err    error
	closed bool
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.LifecycleEvent) error {
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return p.err
}

func testEvent() domain.LifecycleEvent {
	return domain.NewLifecycleEvent(domain.AlertGroup{
		ID:            "g-1",
		Fingerprint:   "fp-1",
		CurrentStatus: domain.StatusFiring,
	}, domain.TransitionNewFiring, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
}

func TestMultiPublishesToAllMembers(t *testing.T) {
	t.Parallel()

	failing := &recordingPublisher{err: errors.New("down")}
	healthy := &recordingPublisher{}
	multi := Multi{failing, healthy}

	err := multi.Publish(context.Background(), testEvent())
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected member error, got %v", err)
	}
	if len(healthy.events) != 1 {
		t.Fatalf("healthy member skipped after failure")
	}
	_ = multi.Close()
	if !failing.closed || !healthy.closed {
		t.Fatalf("expected all members closed")
	}
}

func TestLogPublisher(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	publisher := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err := publisher.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["fingerprint"] != "fp-1" || line["transition"] != "NewFiring" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestNATSPublisherIntegration(t *testing.T) {
	url, stop := testutil.StartLocalNATSServer(t)
	defer stop()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync("alerthub.lifecycle")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	publisher, err := NewNATSPublisher([]string{url}, "alerthub.lifecycle")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Close()
	if err := publisher.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var event domain.LifecycleEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.GroupID != "g-1" || msg.Header.Get("Alerthub-Transition") != "NewFiring" {
		t.Fatalf("unexpected event %+v headers=%v", event, msg.Header)
	}
}
