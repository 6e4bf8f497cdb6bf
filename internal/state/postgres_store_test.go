package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"alerthub/internal/domain"
	"alerthub/test/testutil"

	"github.com/google/uuid"
)

func TestBuildListQuery(t *testing.T) {
	t.Parallel()

	query, args, err := buildListQuery(ListFilter{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if query != "SELECT record FROM alert_groups ORDER BY last_occurrence DESC, fingerprint ASC" || len(args) != 0 {
		t.Fatalf("unexpected unfiltered query %q args=%v", query, args)
	}

	query, args, err = buildListQuery(ListFilter{
		Status:   domain.StatusFiring,
		Severity: "critical",
		Labels:   map[string]string{"team": "db"},
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "SELECT record FROM alert_groups WHERE current_status = $1 AND severity = $2 AND record->'group'->'labels' @> $3::jsonb ORDER BY last_occurrence DESC, fingerprint ASC LIMIT $4"
	if query != want {
		t.Fatalf("unexpected query:\n got %s\nwant %s", query, want)
	}
	if len(args) != 4 || args[0] != "firing" || args[2] != `{"team":"db"}` || args[3] != 10 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := testutil.PostgresDSN(t)

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	defer store.Close()

	fingerprint := "pg-" + uuid.NewString()
	record := testRecord(fingerprint, domain.StatusFiring, time.Now().UTC())
	record.Group.Labels["run"] = fingerprint
	rev, err := store.Save(ctx, record, 0)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := store.Save(ctx, record, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	loaded, gotRev, err := store.Load(ctx, fingerprint)
	if err != nil || gotRev != rev {
		t.Fatalf("load: rev=%d want=%d err=%v", gotRev, rev, err)
	}
	loaded.Group.CurrentStatus = domain.StatusResolved
	if _, err := store.Save(ctx, loaded, gotRev); err != nil {
		t.Fatalf("update group: %v", err)
	}
	if _, err := store.Save(ctx, loaded, gotRev); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on stale update, got %v", err)
	}
	if _, _, err := store.Load(ctx, "missing-"+fingerprint); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	groups, err := store.List(ctx, ListFilter{Status: domain.StatusResolved, Labels: map[string]string{"run": fingerprint}})
	if err != nil || len(groups) != 1 || groups[0].Fingerprint != fingerprint {
		t.Fatalf("list: groups=%v err=%v", groups, err)
	}

	unlock, err := store.Lock(ctx, fingerprint)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := store.Lock(waitCtx, fingerprint); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	unlock()
	relock, err := store.Lock(ctx, fingerprint)
	if err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
	relock()
}
