package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func TestRecorderWithNilStoreIsANoop(t *testing.T) {
	rec := NewRecorder(nil, nil)
	rec.RecordAsync(KindHandlerInternal, "Token", "mint1", "boom")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec.Run(ctx) // returns once ctx expires, never touching a store
}

func TestRecorderDrainsQueueIntoStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")
	store := NewStore(sqlxDB)

	mock.ExpectExec("INSERT INTO hyperstack_audit_log").
		WithArgs(KindPendingExpired, "Token", "mint1", "aged out").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := NewRecorder(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	rec.RecordAsync(KindPendingExpired, "Token", "mint1", "aged out")
	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 10*time.Millisecond)
}

func TestRecorderDropsEntryWhenQueueIsFull(t *testing.T) {
	rec := NewRecorder(&Store{}, nil) // non-nil store, but Run is never started: nothing drains the queue
	rec.queue = make(chan event, 1)
	rec.RecordAsync(KindHandlerInternal, "Token", "k1", "m1")
	rec.RecordAsync(KindHandlerInternal, "Token", "k2", "m2") // dropped, queue already full
	require.Len(t, rec.queue, 1)
}
