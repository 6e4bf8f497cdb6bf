package state

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/test/testutil"
)

func TestNATSStoreIntegration(t *testing.T) {
	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	store, err := NewNATSStore(config.NATSStoreConfig{
		URL:                []string{url},
		GroupsBucket:       "groups_test",
		LocksBucket:        "locks_test",
		LockTTLSec:         5,
		AllowCreateBuckets: true,
	})
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	record := testRecord("fp-1", domain.StatusFiring, time.Now().UTC())
	rev, err := store.Save(ctx, record, 0)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := store.Save(ctx, record, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	loaded, gotRev, err := store.Load(ctx, "fp-1")
	if err != nil {
		t.Fatalf("load group: %v", err)
	}
	if gotRev != rev || loaded.Group.Name != "DiskFull" {
		t.Fatalf("unexpected group/revision: %+v rev=%d expected=%d", loaded.Group, gotRev, rev)
	}

	loaded.Group.CurrentStatus = domain.StatusResolved
	if _, err := store.Save(ctx, loaded, gotRev); err != nil {
		t.Fatalf("update group: %v", err)
	}
	if _, err := store.Save(ctx, loaded, gotRev); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on stale update, got %v", err)
	}

	groups, err := store.List(ctx, ListFilter{Status: domain.StatusResolved})
	if err != nil || len(groups) != 1 {
		t.Fatalf("list: groups=%v err=%v", groups, err)
	}

	unlock, err := store.Lock(ctx, "fp-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := store.Lock(waitCtx, "fp-1"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	unlock()
	relock, err := store.Lock(ctx, "fp-1")
	if err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
	relock()
}

func TestKVKey(t *testing.T) {
	t.Parallel()

	if got := kvKey("a1b2c3"); got != "a1b2c3" {
		t.Fatalf("expected passthrough, got %q", got)
	}
	encoded := kvKey("has space")
	if !strings.HasPrefix(encoded, "b64.") || !validKVKey.MatchString(encoded) {
		t.Fatalf("expected encoded valid key, got %q", encoded)
	}
	if kvKey("b64.x") == "b64.x" {
		t.Fatalf("reserved prefix must be encoded")
	}
}
