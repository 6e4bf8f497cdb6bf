package state

import (
	"context"
	"sync"

	"alerthub/internal/domain"
)

// MemoryStore keeps group records in process memory for single-instance mode.
// Params: record map with revisions and in-process keyed lock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	locks   *KeyedMutex
}

type memoryRecord struct {
	record   domain.GroupRecord
	revision uint64
}

// NewMemoryStore creates in-memory state store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		locks:   NewKeyedMutex(),
	}
}

// Lock acquires in-process fingerprint lock.
// Params: wait context and fingerprint.
// Returns: unlock func or ErrLockTimeout.
func (s *MemoryStore) Lock(ctx context.Context, fingerprint string) (func(), error) {
	return s.locks.Lock(ctx, fingerprint)
}

// Load returns deep copy of record and its revision.
// Params: fingerprint key.
// Returns: stored record, revision, or ErrNotFound.
func (s *MemoryStore) Load(_ context.Context, fingerprint string) (domain.GroupRecord, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.records[fingerprint]
	if !ok {
		return domain.GroupRecord{}, 0, ErrNotFound
	}
	return entry.record.Clone(), entry.revision, nil
}

// Save writes record using expected revision CAS.
// Params: record keyed by group fingerprint and expected revision (0 creates).
// Returns: new revision or ErrConflict.
func (s *MemoryStore) Save(_ context.Context, record domain.GroupRecord, expectedRevision uint64) (uint64, error) {
	key := record.Group.Fingerprint
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[key]
	switch {
	case expectedRevision == 0 && ok:
		return 0, ErrConflict
	case expectedRevision != 0 && !ok:
		return 0, ErrConflict
	case ok && entry.revision != expectedRevision:
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.records[key] = memoryRecord{record: record.Clone(), revision: rev}
	return rev, nil
}

// List returns groups passing filter, newest first.
// Params: list filter.
// Returns: matching group snapshots.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]domain.AlertGroup, error) {
	s.mu.RLock()
	groups := make([]domain.AlertGroup, 0, len(s.records))
	for _, entry := range s.records {
		if filter.Matches(entry.record.Group) {
			group := entry.record.Group
			group.Labels = domain.CloneMap(group.Labels)
			groups = append(groups, group)
		}
	}
	s.mu.RUnlock()
	return sortAndLimit(groups, filter.Limit), nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
