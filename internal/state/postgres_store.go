package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"alerthub/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS alert_groups (
	fingerprint     TEXT PRIMARY KEY,
	group_id        TEXT NOT NULL,
	current_status  TEXT NOT NULL,
	severity        TEXT NOT NULL DEFAULT '',
	last_occurrence TIMESTAMPTZ NOT NULL,
	revision        BIGINT NOT NULL,
	record          JSONB NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alert_groups_status_idx ON alert_groups (current_status, last_occurrence DESC);
`

// PostgresStore persists group records in one JSONB table.
// Params: pgx pool; revision column drives CAS.
// Returns: SQL-backed state store with advisory locks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and applies schema.
// Params: context for setup and PostgreSQL DSN.
// Returns: ready store or connection/migration error.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Lock holds session advisory lock on a dedicated pooled connection.
// Params: wait context and fingerprint.
// Returns: unlock func, ErrLockTimeout after ctx deadline, or SQL error.
func (s *PostgresStore) Lock(ctx context.Context, fingerprint string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, lockWaitError(ctx)
		}
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, fingerprint); err != nil {
		// Cancelled statement leaves the session in unknown state; drop it.
		conn.Conn().Close(context.Background())
		conn.Release()
		if ctx.Err() != nil {
			return nil, lockWaitError(ctx)
		}
		return nil, fmt.Errorf("advisory lock %s: %w", fingerprint, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, fingerprint); err != nil {
				conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}, nil
}

// Load reads one record and its revision.
// Params: fingerprint key.
// Returns: record, revision, or ErrNotFound.
func (s *PostgresStore) Load(ctx context.Context, fingerprint string) (domain.GroupRecord, uint64, error) {
	var (
		body     []byte
		revision int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT record, revision FROM alert_groups WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&body, &revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.GroupRecord{}, 0, ErrNotFound
		}
		return domain.GroupRecord{}, 0, fmt.Errorf("load group: %w", err)
	}
	var record domain.GroupRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return domain.GroupRecord{}, 0, fmt.Errorf("decode group: %w", err)
	}
	return record, uint64(revision), nil
}

// Save inserts record for revision 0 or updates it with revision CAS.
// Params: record and expected revision.
// Returns: new revision or ErrConflict.
func (s *PostgresStore) Save(ctx context.Context, record domain.GroupRecord, expectedRevision uint64) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode group: %w", err)
	}
	group := record.Group
	next := int64(expectedRevision) + 1

	if expectedRevision == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO alert_groups (fingerprint, group_id, current_status, severity, last_occurrence, revision, record, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (fingerprint) DO NOTHING`,
			group.Fingerprint, group.ID, string(group.CurrentStatus), group.Severity, group.LastOccurrence, next, body,
		)
		if err != nil {
			return 0, fmt.Errorf("insert group: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, ErrConflict
		}
		return uint64(next), nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_groups
		SET current_status = $2, severity = $3, last_occurrence = $4, revision = $5, record = $6, updated_at = now()
		WHERE fingerprint = $1 AND revision = $7`,
		group.Fingerprint, string(group.CurrentStatus), group.Severity, group.LastOccurrence, next, body, int64(expectedRevision),
	)
	if err != nil {
		return 0, fmt.Errorf("update group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrConflict
	}
	return uint64(next), nil
}

// List queries groups with filter pushed into SQL.
// Params: list filter.
// Returns: matching groups newest first.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]domain.AlertGroup, error) {
	query, args, err := buildListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]domain.AlertGroup, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		var record domain.GroupRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("decode group: %w", err)
		}
		groups = append(groups, record.Group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// buildListQuery renders SELECT with positional args for filter.
// Params: list filter.
// Returns: SQL text and args.
func buildListQuery(filter ListFilter) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "current_status = $"+strconv.Itoa(len(args)))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		where = append(where, "severity = $"+strconv.Itoa(len(args)))
	}
	if len(filter.Labels) > 0 {
		labels, err := json.Marshal(filter.Labels)
		if err != nil {
			return "", nil, fmt.Errorf("encode label filter: %w", err)
		}
		args = append(args, string(labels))
		where = append(where, "record->'group'->'labels' @> $"+strconv.Itoa(len(args))+"::jsonb")
	}

	var query strings.Builder
	query.WriteString("SELECT record FROM alert_groups")
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY last_occurrence DESC, fingerprint ASC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	return query.String(), args, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
