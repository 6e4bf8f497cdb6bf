package state

import (
	"context"
	"errors"
	"sort"

	"alerthub/internal/domain"
)

var (
	// ErrNotFound indicates absent group record.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS save.
	ErrConflict = errors.New("revision conflict")
	// ErrLockTimeout indicates the per-fingerprint lock was not acquired before ctx expired.
	ErrLockTimeout = errors.New("lock wait timeout")
)

// Store provides fingerprint-keyed group persistence.
// Params: per-fingerprint lock, record load/save with revision CAS, and listing.
// Returns: backend persistence behavior.
type Store interface {
	// Lock blocks until the fingerprint lock is held or ctx ends (ErrLockTimeout).
	Lock(ctx context.Context, fingerprint string) (func(), error)
	Load(ctx context.Context, fingerprint string) (domain.GroupRecord, uint64, error)
	// Save creates the record when expectedRevision is 0, otherwise updates with CAS.
	Save(ctx context.Context, record domain.GroupRecord, expectedRevision uint64) (uint64, error)
	List(ctx context.Context, filter ListFilter) ([]domain.AlertGroup, error)
	Close() error
}

// ListFilter narrows group listings.
// Params: optional status, severity, label equality, and result limit (0 = unlimited).
// Returns: filter applied by every backend.
type ListFilter struct {
	Status   domain.Status
	Severity string
	Labels   map[string]string
	Limit    int
}

// Matches reports whether group passes filter.
// Params: group snapshot.
// Returns: true when every set criterion matches.
func (f ListFilter) Matches(group domain.AlertGroup) bool {
	if f.Status != "" && group.CurrentStatus != f.Status {
		return false
	}
	if f.Severity != "" && group.Severity != f.Severity {
		return false
	}
	for key, want := range f.Labels {
		if got, ok := group.Labels[key]; !ok || got != want {
			return false
		}
	}
	return true
}

// sortAndLimit orders groups by last occurrence desc (fingerprint asc on ties) and applies limit.
func sortAndLimit(groups []domain.AlertGroup, limit int) []domain.AlertGroup {
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].LastOccurrence.Equal(groups[j].LastOccurrence) {
			return groups[i].LastOccurrence.After(groups[j].LastOccurrence)
		}
		return groups[i].Fingerprint < groups[j].Fingerprint
	})
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups
}

// lockWaitError maps ctx expiry while waiting for a lock.
func lockWaitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return ErrLockTimeout
}
