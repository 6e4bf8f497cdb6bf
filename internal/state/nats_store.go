package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/internal/jetstream"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const natsLockPollInterval = 25 * time.Millisecond

var validKVKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// NATSStore persists group records in JetStream KV buckets.
// Params: NATS connection, documents bucket, and TTL-bounded lock bucket.
// Returns: KV-backed state store shared by all service instances.
type NATSStore struct {
	nc      *nats.Conn
	groups  nats.KeyValue
	locks   nats.KeyValue
	ownerID string
}

// NewNATSStore binds or creates KV buckets and returns NATS state backend.
// Params: NATS store settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStoreConfig) (*NATSStore, error) {
	nc, js, err := jetstream.Connect(settings.URL, "alerthub-state")
	if err != nil {
		return nil, err
	}

	groups, err := jetstream.EnsureKeyValue(js, nats.KeyValueConfig{
		Bucket:      settings.GroupsBucket,
		Description: "alert group records keyed by fingerprint",
		History:     1,
	}, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	locks, err := jetstream.EnsureKeyValue(js, nats.KeyValueConfig{
		Bucket:      settings.LocksBucket,
		Description: "per-fingerprint processing locks",
		History:     1,
		TTL:         time.Duration(settings.LockTTLSec) * time.Second,
	}, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSStore{
		nc:      nc,
		groups:  groups,
		locks:   locks,
		ownerID: uuid.NewString(),
	}, nil
}

// Lock takes distributed fingerprint lock by creating a lock key.
// Params: wait context and fingerprint.
// Returns: unlock func, ErrLockTimeout after ctx deadline, or KV error.
func (s *NATSStore) Lock(ctx context.Context, fingerprint string) (func(), error) {
	key := kvKey(fingerprint)
	ticker := time.NewTicker(natsLockPollInterval)
	defer ticker.Stop()
	for {
		rev, err := s.locks.Create(key, []byte(s.ownerID))
		if err == nil {
			return s.unlockFunc(key, rev), nil
		}
		if !isKVConflict(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", fingerprint, err)
		}
		select {
		case <-ctx.Done():
			return nil, lockWaitError(ctx)
		case <-ticker.C:
		}
	}
}

// unlockFunc deletes lock key only while it still carries our revision.
func (s *NATSStore) unlockFunc(key string, rev uint64) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		// A TTL-expired lock may already belong to someone else; LastRevision keeps it intact.
		_ = s.locks.Delete(key, nats.LastRevision(rev))
	}
}

// Load reads one record and its KV revision.
// Params: fingerprint key.
// Returns: record, revision, or ErrNotFound.
func (s *NATSStore) Load(_ context.Context, fingerprint string) (domain.GroupRecord, uint64, error) {
	entry, err := s.groups.Get(kvKey(fingerprint))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.GroupRecord{}, 0, ErrNotFound
		}
		return domain.GroupRecord{}, 0, fmt.Errorf("get group: %w", err)
	}

	var record domain.GroupRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return domain.GroupRecord{}, 0, fmt.Errorf("decode group: %w", err)
	}
	return record, entry.Revision(), nil
}

// Save writes record using create-or-CAS semantics.
// Params: record and expected revision (0 creates).
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) Save(_ context.Context, record domain.GroupRecord, expectedRevision uint64) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode group: %w", err)
	}
	key := kvKey(record.Group.Fingerprint)
	var rev uint64
	if expectedRevision == 0 {
		rev, err = s.groups.Create(key, body)
	} else {
		rev, err = s.groups.Update(key, body, expectedRevision)
	}
	if err != nil {
		if isKVConflict(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("save group: %w", err)
	}
	return rev, nil
}

// List scans documents bucket and applies filter.
// Params: list filter.
// Returns: matching groups newest first.
func (s *NATSStore) List(_ context.Context, filter ListFilter) ([]domain.AlertGroup, error) {
	keys, err := s.groups.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []domain.AlertGroup{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	groups := make([]domain.AlertGroup, 0, len(keys))
	for _, key := range keys {
		entry, err := s.groups.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get group %s: %w", key, err)
		}
		var record domain.GroupRecord
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			return nil, fmt.Errorf("decode group %s: %w", key, err)
		}
		if filter.Matches(record.Group) {
			groups = append(groups, record.Group)
		}
	}
	return sortAndLimit(groups, filter.Limit), nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// isKVConflict reports create/update rejection caused by an existing revision.
func isKVConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// kvKey maps fingerprint to a valid KV key; foreign fingerprints are base64url encoded.
func kvKey(fingerprint string) string {
	if validKVKey.MatchString(fingerprint) && !strings.HasPrefix(fingerprint, "b64.") &&
		!strings.HasPrefix(fingerprint, ".") && !strings.HasSuffix(fingerprint, ".") {
		return fingerprint
	}
	return "b64." + base64.RawURLEncoding.EncodeToString([]byte(fingerprint))
}
