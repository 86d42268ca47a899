// Package audit is a supplemented component (SPEC_FULL.md §C): a
// persistent, queryable log of the error-taxonomy occurrences spec.md §7
// otherwise only surfaces as Prometheus counters. Grounded on the
// teacher's services/indexer storage layer, ported from a direct
// database/sql repository onto jmoiron/sqlx (declared in the teacher's
// go.mod but never imported by any file in the pack).
package audit

import "time"

// Kind mirrors the subset of spec.md §7's error taxonomy worth a
// durable record: occurrences that are silent to subscribers but matter
// for postmortems (PendingExpired, CapacityExceeded, HandlerInternal).
// SourceDisconnected and SubscriberBackpressured are intentionally
// excluded — those already have first-class recency state in
// internal/health and internal/wsgateway respectively, so logging them
// here would just be a second, staler copy of the same fact.
type Kind string

const (
	KindPendingExpired   Kind = "pending_expired"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindHandlerInternal  Kind = "handler_internal"
)

// Entry is one row of the audit log.
type Entry struct {
	ID        int64     `db:"id"`
	Kind      Kind      `db:"kind"`
	Entity    string    `db:"entity"`
	Key       string    `db:"key"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}
