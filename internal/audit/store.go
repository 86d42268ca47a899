package audit

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store is the audit log's query layer, ported onto jmoiron/sqlx from
// the teacher's bare database/sql repository style (services/indexer's
// Storage): same ExecContext/QueryRowContext-shaped methods, with sqlx's
// struct scanning replacing the teacher's field-by-field Scan calls.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an already-open sqlx.DB. Open a connection with
// sqlx.Connect(driverName, dsn) using the lib/pq-registered "postgres"
// driver.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Record inserts one audit entry. CreatedAt is assigned by the database
// default; callers don't set it.
func (s *Store) Record(ctx context.Context, kind Kind, entity, key, message string) error {
	const query = `
		INSERT INTO hyperstack_audit_log (kind, entity, key, message)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.ExecContext(ctx, query, kind, entity, key, message); err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Recent returns the most recent entries, newest first, capped at limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, kind, entity, key, message, created_at
		FROM hyperstack_audit_log
		ORDER BY created_at DESC
		LIMIT $1
	`
	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("select recent audit entries: %w", err)
	}
	return entries, nil
}

// CountByKind returns how many entries of kind have been recorded,
// useful for reconciling against the matching Prometheus counter.
func (s *Store) CountByKind(ctx context.Context, kind Kind) (int64, error) {
	const query = `SELECT count(*) FROM hyperstack_audit_log WHERE kind = $1`
	var count int64
	if err := s.db.GetContext(ctx, &count, query, kind); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return count, nil
}
