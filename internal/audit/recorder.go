package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultQueueSize = 256

// event is a queued audit write, buffered so that the VM/scheduler hot
// path (spec.md §5: "zero suspension points during process_event") never
// blocks on a database round trip.
type event struct {
	kind    Kind
	entity  string
	key     string
	message string
}

// Recorder decouples audit writes from their callers: RecordAsync
// enqueues and returns immediately, a background worker drains the queue
// into the Store. A full queue drops the entry rather than blocking —
// the audit log is a best-effort operational trail, not a source of
// truth spec.md's invariants depend on.
type Recorder struct {
	store *Store
	queue chan event
	log   *logrus.Entry
}

// NewRecorder builds a Recorder over store. A nil store makes RecordAsync
// a no-op, useful when audit persistence isn't configured.
func NewRecorder(store *Store, log *logrus.Entry) *Recorder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Recorder{store: store, queue: make(chan event, defaultQueueSize), log: log}
}

// RecordAsync enqueues an audit entry without blocking the caller.
func (r *Recorder) RecordAsync(kind Kind, entity, key, message string) {
	if r.store == nil {
		return
	}
	select {
	case r.queue <- event{kind: kind, entity: entity, key: key, message: message}:
	default:
		r.log.WithField("kind", kind).Warn("audit queue full, dropping entry")
	}
}

// Run drains the queue into the store until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	if r.store == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.store.Record(writeCtx, ev.kind, ev.entity, ev.key, ev.message); err != nil {
				r.log.WithError(err).WithField("kind", ev.kind).Warn("failed to persist audit entry")
			}
			cancel()
		}
	}
}
